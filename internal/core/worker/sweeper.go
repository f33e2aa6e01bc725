package worker

import (
	"context"
	"log/slog"
	"time"
)

// CallbackExpirer fails deliveries whose callback has not arrived by cutoff.
type CallbackExpirer interface {
	ExpireCallbacks(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper periodically expires deliveries stuck waiting for a callback.
type Sweeper struct {
	expirer  CallbackExpirer
	timeout  time.Duration
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper that expires callbacks older than timeout.
func NewSweeper(expirer CallbackExpirer, timeout, interval time.Duration) *Sweeper {
	return &Sweeper{
		expirer:  expirer,
		timeout:  timeout,
		interval: interval,
		log:      slog.Default().With("component", "callback-sweeper"),
		now:      time.Now,
	}
}

// Start runs the sweep loop until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if s.timeout <= 0 || s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce expires overdue callbacks once.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	n, err := s.expirer.ExpireCallbacks(ctx, s.now().Add(-s.timeout))
	if err != nil {
		s.log.Error("Failed to expire callbacks", "error", err)
	}
	if n > 0 {
		s.log.Warn("Expired overdue callbacks", "count", n)
	}
	return n
}
