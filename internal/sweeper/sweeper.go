// Package sweeper is the periodic lifecycle pass over the session
// registry. Each tick runs a fixed sequence of demotion and expiry
// statements; the order matters, so a teacher who just reconnected is
// demoted-and-resolved before the coarser sweeps could expire their
// fresh session.
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveclass/internal/config"
)

// Store is the registry slice the sweeper drives. The expiry statements
// report which sessions they retired so in-memory state keyed by session
// can be reclaimed in the same pass.
type Store interface {
	DemoteStaleOwners(ctx context.Context, window time.Duration) (int64, error)
	DemoteDuplicateOwners(ctx context.Context) (int64, error)
	InactivateEmpty(ctx context.Context, grace time.Duration) (int64, error)
	ExpireInactive(ctx context.Context, ttl time.Duration) ([]string, error)
	ExpireEndedTests(ctx context.Context) ([]string, error)
}

// AnswerReaper discards unsubmitted answer state for a session that
// reached its terminal state without an explicit submission.
type AnswerReaper interface {
	Drop(sessionID string)
}

// Sweeper runs the cleanup passes on a fixed period.
type Sweeper struct {
	store   Store
	answers AnswerReaper
	cfg     config.LifecycleConfig
	logger  *zap.Logger
	cleanup []func() // auxiliary in-memory cleanups (rate limiter state)

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a sweeper. Extra cleanup funcs run at the end of each
// sweep, outside the registry sequence.
func New(store Store, answers AnswerReaper, cfg config.LifecycleConfig, logger *zap.Logger, cleanup ...func()) *Sweeper {
	return &Sweeper{
		store:   store,
		answers: answers,
		cfg:     cfg,
		logger:  logger,
		cleanup: cleanup,
		stop:    make(chan struct{}),
	}
}

// Start launches the background loop. The first sweep runs immediately
// so a restarted process reconciles stale state without waiting a tick.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("starting lifecycle sweeper",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Duration("liveness_window", s.cfg.LivenessWindow))
	go s.run(ctx)
}

// Stop halts the loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stop:
			s.logger.Info("lifecycle sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("lifecycle sweeper cancelled")
			return
		}
	}
}

// Sweep executes one full pass. Failures are logged per step and do not
// abort the rest of the pass, and never the process; the next tick
// re-evaluates everything against fresh state.
func (s *Sweeper) Sweep(ctx context.Context) {
	steps := []struct {
		name string
		fn   func(context.Context) (int64, error)
	}{
		// 1. Owners silent past the liveness window lose ownership.
		{"demote_stale_owners", func(ctx context.Context) (int64, error) {
			return s.store.DemoteStaleOwners(ctx, s.cfg.LivenessWindow)
		}},
		// 2. Duplicate claims by one teacher collapse to the newest row.
		{"demote_duplicate_owners", s.store.DemoteDuplicateOwners},
		// 3. Defense in depth with the longer window.
		{"demote_stale_owners_hard", func(ctx context.Context) (int64, error) {
			return s.store.DemoteStaleOwners(ctx, s.cfg.HardLivenessWindow)
		}},
		// 4. Empty rooms idle past the grace period go inactive.
		{"inactivate_empty", func(ctx context.Context) (int64, error) {
			return s.store.InactivateEmpty(ctx, s.cfg.EmptyGrace)
		}},
		// 5. Long-dead sessions reach the terminal state.
		{"expire_inactive", func(ctx context.Context) (int64, error) {
			ids, err := s.store.ExpireInactive(ctx, s.cfg.SessionTTL)
			s.reap(ids)
			return int64(len(ids)), err
		}},
		// 6. Test sessions past their scheduled end expire regardless.
		{"expire_ended_tests", func(ctx context.Context) (int64, error) {
			ids, err := s.store.ExpireEndedTests(ctx)
			s.reap(ids)
			return int64(len(ids)), err
		}},
	}

	for _, step := range steps {
		n, err := step.fn(ctx)
		if err != nil {
			s.logger.Error("sweep step failed",
				zap.String("step", step.name), zap.Error(err))
			continue
		}
		if n > 0 {
			s.logger.Info("sweep step applied",
				zap.String("step", step.name), zap.Int64("rows", n))
		}
	}

	for _, fn := range s.cleanup {
		fn()
	}
}

// reap discards answer state for expired sessions. Their tests ended
// without a submission, so the responses are dropped, not flushed.
func (s *Sweeper) reap(ids []string) {
	if s.answers == nil {
		return
	}
	for _, id := range ids {
		s.answers.Drop(id)
	}
}
