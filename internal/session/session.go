// Package session keeps wizard progress across page reloads and platform
// redirects.
package session

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"foliodeploy/internal/derrors"
	"foliodeploy/internal/repository"
)

// DefaultTTL expires sessions after 30 days without a write.
const DefaultTTL = 30 * 24 * time.Hour

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// Session is the client-visible continuity record.
type Session struct {
	ID             string          `json:"sessionId"`
	InstallationID *int64          `json:"installationId,omitempty"`
	Repository     *repository.Ref `json:"repositoryRef,omitempty"`
	LastJobID      *string         `json:"lastJobId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Partial carries the fields learned by one request. Nil fields keep their
// stored value.
type Partial struct {
	InstallationID *int64
	Repository     *repository.Ref
	LastJobID      *string
}

// Empty reports whether p changes nothing.
func (p Partial) Empty() bool {
	return p.InstallationID == nil && p.Repository == nil && p.LastJobID == nil
}

// Backend persists sessions. Merge must apply only the non-nil fields of
// p, creating the row if needed, and set the update time to now.
type Backend interface {
	MergeSession(ctx context.Context, id string, p Partial, now time.Time) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store applies the merge rule and the expiry policy on top of a Backend.
type Store struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
}

// NewStore creates a Store. A ttl of zero selects DefaultTTL.
func NewStore(backend Backend, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{backend: backend, ttl: ttl, now: time.Now}
}

// NewID returns a fresh opaque session id.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id looks like a session id a client may present.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Save merges p into the session, last write wins per field. An expired
// session starts over with only the fields in p.
func (s *Store) Save(ctx context.Context, id string, p Partial) error {
	if !ValidID(id) {
		return derrors.InvalidInput("invalid session id")
	}
	existing, err := s.backend.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if existing != nil && s.expired(existing) {
		if _, err := s.Purge(ctx); err != nil {
			return err
		}
	}
	if err := s.backend.MergeSession(ctx, id, p, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load returns the session. Missing and expired sessions are NOT_FOUND.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	if !ValidID(id) {
		return nil, derrors.NotFound("session", id)
	}
	sess, err := s.backend.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil || s.expired(sess) {
		return nil, derrors.NotFound("session", id)
	}
	return sess, nil
}

// Ensure returns the session for id, creating it if needed. A client
// supplied id that was never seen is adopted; an unusable or expired id is
// replaced by a new one so stale progress is not revived.
func (s *Store) Ensure(ctx context.Context, id string) (*Session, error) {
	if ValidID(id) {
		sess, err := s.backend.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case sess != nil && !s.expired(sess):
			return sess, nil
		case sess != nil:
			id = NewID()
		}
	} else {
		id = NewID()
	}

	if err := s.Save(ctx, id, Partial{}); err != nil {
		return nil, err
	}
	return s.Load(ctx, id)
}

// Purge deletes sessions idle for longer than the TTL.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	return s.backend.DeleteSessionsBefore(ctx, s.now().UTC().Add(-s.ttl))
}

func (s *Store) expired(sess *Session) bool {
	return sess.UpdatedAt.Add(s.ttl).Before(s.now())
}
