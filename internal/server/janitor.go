package server

import (
	"context"
	"time"
)

// DefaultJanitorInterval is how often expired sessions and tokens are purged.
const DefaultJanitorInterval = 15 * time.Minute

// RunJanitor purges expired sessions and cached tokens every interval
// until ctx is done.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *Server) purge(ctx context.Context) {
	if s.opts.Sessions != nil {
		n, err := s.opts.Sessions.Purge(ctx)
		if err != nil {
			s.logger.Error("Failed to purge sessions", "error", err)
		} else if n > 0 {
			s.logger.Info("Purged expired sessions", "count", n)
		}
	}
	if s.opts.Tokens != nil {
		if n := s.opts.Tokens.Purge(); n > 0 {
			s.logger.Debug("Purged expired tokens", "count", n)
		}
	}
}
