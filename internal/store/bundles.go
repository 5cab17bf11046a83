package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"foliodeploy/internal/content"
	"foliodeploy/internal/derrors"
)

// SaveBundle stores a packaged bundle under its fingerprint. Saving the
// same fingerprint twice is a no-op.
func (s *Store) SaveBundle(ctx context.Context, b *content.Bundle) error {
	files, err := json.Marshal(b.Files)
	if err != nil {
		return fmt.Errorf("failed to encode bundle files: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bundles (fingerprint, theme_id, files, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING
	`, b.Fingerprint, b.ThemeID, string(files), b.Size(), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to insert bundle: %w", err)
	}
	return nil
}

// GetBundle loads a bundle by fingerprint. The stored fingerprint is
// recomputed so a corrupted row is never deployed.
func (s *Store) GetBundle(ctx context.Context, fingerprint string) (*content.Bundle, error) {
	var themeID, files string
	err := s.db.QueryRowContext(ctx, `
		SELECT theme_id, files FROM bundles WHERE fingerprint = ?
	`, fingerprint).Scan(&themeID, &files)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.NotFound("bundle", fingerprint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bundle: %w", err)
	}

	var decoded []content.File
	if err := json.Unmarshal([]byte(files), &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode bundle files: %w", err)
	}
	b, err := content.Package(decoded, themeID)
	if err != nil {
		return nil, fmt.Errorf("stored bundle is invalid: %w", err)
	}
	if b.Fingerprint != fingerprint {
		return nil, fmt.Errorf("stored bundle %s does not match its fingerprint", content.ShortFingerprint(fingerprint))
	}
	return b, nil
}
