package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tavolo/paycore/internal/metrics"
)

// Sweeper periodically expires PENDING intents past their deadline. It feeds
// detected expiries through the normal apply pipeline so they get the same
// precedence, audit, and dispatch treatment as inbound signals.
type Sweeper struct {
	ledger   *Ledger
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates an expiry sweeper over the ledger.
func NewSweeper(ledger *Ledger, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		ledger:   ledger,
		interval: 30 * time.Second,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in intent sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one expiry pass. Exported for tests and manual triggering.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()

	expired, err := s.ledger.ListExpired(ctx, now, s.batch)
	if err != nil {
		s.logger.Warn("failed to list expired intents", "error", err)
		return
	}

	for _, it := range expired {
		res, err := s.ledger.Expire(ctx, it.ID)
		if err != nil {
			s.logger.Warn("failed to expire intent",
				"intentId", it.ID,
				"error", err,
			)
			continue
		}
		// A signal can legitimately win the race between the query and
		// the apply; the pipeline resolves it, nothing to do here.
		if !res.Changed {
			continue
		}
		metrics.SweeperExpiredTotal.Inc()
		s.logger.Info("expired intent",
			"intentId", it.ID,
			"kind", it.Reference.Kind,
			"expiresAt", it.ExpiresAt,
		)
	}
}
