// Package arbiter enforces the one-active-teacher-per-test invariant.
// Ownership is a mutual-exclusion lock scoped to a test id, held as data
// in the session registry so it survives process restarts and is shared
// across server instances. The arbiter holds no connection state; every
// decision is an atomic conditional update in the registry.
package arbiter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"liveclass/internal/registry"
)

// Store is the slice of the registry the arbiter needs.
type Store interface {
	ClaimOwner(ctx context.Context, testID, teacherID, sessionID string, window time.Duration) (registry.ClaimOutcome, error)
	ReleaseOwner(ctx context.Context, sessionID, teacherID string) error
}

// Arbiter grants and revokes test ownership.
type Arbiter struct {
	store  Store
	window time.Duration
	logger *zap.Logger
}

// New creates an arbiter. The window is the liveness grace period: a
// prior owner silent for less than this still blocks competing claims.
func New(store Store, window time.Duration, logger *zap.Logger) *Arbiter {
	return &Arbiter{store: store, window: window, logger: logger}
}

// Claim attempts to make teacherID the owner of testID through the given
// session row. A different teacher active within the liveness window
// rejects the claim with *ConflictError. The same teacher reclaiming
// (reconnect, extra tab) always succeeds; the registry prunes the older
// rows so exactly one owned row remains.
func (a *Arbiter) Claim(ctx context.Context, testID, teacherID, sessionID string) error {
	outcome, err := a.store.ClaimOwner(ctx, testID, teacherID, sessionID, a.window)
	if err != nil {
		return fmt.Errorf("claim ownership of test %s: %w", testID, err)
	}
	if !outcome.Granted {
		a.logger.Info("ownership claim rejected",
			zap.String("test_id", testID),
			zap.String("teacher_id", teacherID),
			zap.String("current_owner", outcome.Owner))
		return &ConflictError{Owner: outcome.Owner}
	}
	a.logger.Info("ownership granted",
		zap.String("test_id", testID),
		zap.String("teacher_id", teacherID),
		zap.String("session_id", sessionID),
		zap.Int64("demoted_rows", outcome.Demoted))
	return nil
}

// Release clears ownership immediately on an explicit disconnect or
// logout, without waiting out the liveness window. The registry only
// clears the row if teacherID still holds it, so a stale tab cannot
// release a successor's claim.
func (a *Arbiter) Release(ctx context.Context, sessionID, teacherID string) error {
	if err := a.store.ReleaseOwner(ctx, sessionID, teacherID); err != nil {
		return fmt.Errorf("release ownership of session %s: %w", sessionID, err)
	}
	a.logger.Info("ownership released",
		zap.String("session_id", sessionID),
		zap.String("teacher_id", teacherID))
	return nil
}
