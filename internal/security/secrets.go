package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

const (
	// MinSecretLength is the minimum allowed length for the state secret
	// that signs installation redirects.
	MinSecretLength = 48

	// MinEntropy is the minimum Shannon entropy threshold for secrets.
	MinEntropy = 3.5

	// stateSeparator splits the session id from its signature in a state value.
	stateSeparator = "."
)

var forbiddenSecrets = map[string]bool{
	"replace-with-secret": true,
	"replace-with-state-secret-at-least-48-characters-long": true,
	"topsecret": true,
	"secret":    true,
	"password":  true,
	"changeme":  true,
}

// ValidateSecret ensures a signing secret meets security requirements:
// minimum length, not a placeholder, sufficient Shannon entropy.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("secret too short (minimum %d characters, got %d)", MinSecretLength, len(secret))
	}

	secretLower := strings.ToLower(secret)
	if forbiddenSecrets[secretLower] {
		return fmt.Errorf("secret appears to be a placeholder value, please use a real secret")
	}
	if strings.Contains(secretLower, "replace") ||
		strings.Contains(secretLower, "changeme") ||
		strings.Contains(secretLower, "topsecret") ||
		strings.Contains(secretLower, "password") {
		return fmt.Errorf("secret appears to be a placeholder value")
	}

	entropy := calculateEntropy(secret)
	if entropy < MinEntropy {
		return fmt.Errorf("secret has insufficient entropy (%.2f < %.2f) - use a more random secret", entropy, MinEntropy)
	}

	return nil
}

// GenerateSecret creates a cryptographically secure random secret.
// Returns a 48-character base64-encoded string.
func GenerateSecret() (string, error) {
	bytes := make([]byte, 36)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// SignState binds a session id to an HMAC-SHA256 signature so the
// installation callback can prove the redirect started from that session.
func SignState(sessionID, secret string) string {
	return sessionID + stateSeparator + stateMAC(sessionID, secret)
}

// VerifyState checks a state value produced by SignState and returns the
// session id it carries.
func VerifyState(state, secret string) (string, bool) {
	sessionID, received, ok := strings.Cut(state, stateSeparator)
	if !ok || sessionID == "" || received == "" {
		return "", false
	}

	expected := stateMAC(sessionID, secret)

	// Constant-time comparison to prevent timing attacks
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return "", false
	}
	return sessionID, true
}

func stateMAC(sessionID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}

// calculateEntropy computes the Shannon entropy of a string.
// Returns a value between 0 (completely predictable) and ~8 (maximum entropy for byte strings).
func calculateEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	freq := make(map[rune]int)
	for _, c := range s {
		freq[c]++
	}

	// H = -Σ(p(x) * log2(p(x)))
	var entropy float64
	length := float64(len(s))
	for _, count := range freq {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}

	return entropy
}
