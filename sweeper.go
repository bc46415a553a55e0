package credvault

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often Sweeper.Run purges expired tokens
const DefaultSweepInterval = 15 * time.Minute

// TokenCleaner is the vault capability the sweeper depends on
type TokenCleaner interface {
	CleanupExpiredTokens(ctx context.Context) (int, error)
}

// SweepResult describes one sweep
type SweepResult struct {
	Removed  int           `json:"removed"`
	Started  time.Time     `json:"started_at"`
	Duration time.Duration `json:"duration_ns"`
}

// Sweeper purges expired delegated tokens, either on a schedule via Run or
// on demand via Sweep. Sweeps never overlap.
type Sweeper struct {
	Cleaner  TokenCleaner
	Interval time.Duration
	Logger   *slog.Logger

	// Timeout bounds a single sweep. Zero means no extra bound.
	Timeout time.Duration

	// OnSweep, when set, is called after every sweep attempt
	OnSweep func(SweepResult, error)

	// Now defaults to time.Now
	Now func() time.Time

	mu sync.Mutex
}

// NewSweeper creates a sweeper for cleaner running every interval
func NewSweeper(cleaner TokenCleaner, interval time.Duration) *Sweeper {
	return &Sweeper{Cleaner: cleaner, Interval: interval}
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Sweep runs one cleanup pass
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	result := SweepResult{Started: s.now()}
	removed, err := s.Cleaner.CleanupExpiredTokens(ctx)
	result.Removed = removed
	result.Duration = s.now().Sub(result.Started)

	if err != nil {
		s.logger().Error("token sweep failed", "error", err)
	} else {
		s.logger().Debug("token sweep completed", "removed", removed, "duration", result.Duration)
	}
	if s.OnSweep != nil {
		s.OnSweep(result, err)
	}
	return result, err
}

// Run sweeps once immediately and then every Interval until ctx is done.
// Failed sweeps are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s.logger().Info("starting token sweeper", "interval", interval)

	_, _ = s.Sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger().Info("token sweeper stopped")
			return
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		}
	}
}
