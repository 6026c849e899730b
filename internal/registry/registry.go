// Package registry is the durable session store and the single source of
// truth for session status and ownership. Every cross-actor decision
// (claims, sweeps, counter updates) is expressed as an atomic conditional
// statement here, never as read-then-write from the caller's side.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveclass/pkg/types"
)

const sessionColumns = `id, name, kind, test_id, created_by, owner_id, status,
	max_users, current_users, private, password_needed,
	created_at, last_active, scheduled_start, scheduled_end`

// Store implements the session registry on sqlite. Writes funnel through
// a single goroutine; reads run concurrently against the WAL.
type Store struct {
	db      *sql.DB
	logger  *zap.Logger
	writeCh chan writeOp

	shutdown chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

type writeOp struct {
	fn     func(db *sql.DB) error
	result chan error
}

// ClaimOutcome reports the result of a conditional ownership grant.
type ClaimOutcome struct {
	Granted bool
	// Owner is the competing teacher when the grant was refused.
	Owner string
	// Demoted counts older duplicate rows pruned during a reclaim.
	Demoted int64
}

// New creates a registry store over an opened database.
func New(db *sql.DB, logger *zap.Logger) *Store {
	s := &Store{
		db:       db,
		logger:   logger,
		writeCh:  make(chan writeOp, 100),
		shutdown: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writeCh:
			op.result <- op.fn(s.db)
		case <-s.shutdown:
			return
		}
	}
}

// write serializes a mutation through the writer goroutine. Failed writes
// are not retried here: ownership mutations must be re-evaluated by the
// caller against fresh state, not replayed.
func (s *Store) write(ctx context.Context, fn func(db *sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writeCh <- writeOp{fn: fn, result: result}:
		select {
		case err := <-result:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return ErrClosed
	}
}

// Close stops the writer and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Create inserts a session row. A missing ID is generated; timestamps are
// set here so all rows carry UTC times.
func (s *Store) Create(ctx context.Context, session *types.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = types.StatusActive
	}
	if err := session.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.LastActive = now

	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ID, session.Name, session.Kind,
			nullable(session.TestID), nullable(session.CreatedBy), nullable(session.OwnerID),
			session.Status, session.MaxUsers, session.CurrentUsers,
			session.Private, session.PasswordNeeded,
			session.CreatedAt, session.LastActive,
			session.ScheduledStart, session.ScheduledEnd,
		)
		if err != nil {
			return backend("insert session", err)
		}
		return nil
	})
}

// Get fetches a session by id.
func (s *Store) Get(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListActive returns active sessions, optionally filtered by kind.
// An empty kind means no filter.
func (s *Store) ListActive(ctx context.Context, kind types.SessionKind) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = ?`
	args := []any{types.StatusActive}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY last_active DESC`
	return s.list(ctx, query, args...)
}

// ListByTest returns all sessions linked to a test id, newest activity first.
func (s *Store) ListByTest(ctx context.Context, testID string) ([]*types.Session, error) {
	return s.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE test_id = ? ORDER BY last_active DESC`,
		testID)
}

// ActiveOwnedByTest returns the active, owned rows for a test in one
// consistent read. The arbiter and the duplicate-owner sweep reason over
// this set as a whole, never row by row.
func (s *Store) ActiveOwnedByTest(ctx context.Context, testID string) ([]*types.Session, error) {
	return s.list(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE test_id = ? AND status = ? AND owner_id IS NOT NULL
		 ORDER BY last_active DESC, id DESC`,
		testID, types.StatusActive)
}

// UpdateStatus sets the lifecycle status and refreshes last_active.
// Moving to expired also releases any ownership the row held.
func (s *Store) UpdateStatus(ctx context.Context, id string, status types.SessionStatus) error {
	return s.write(ctx, func(db *sql.DB) error {
		query := `UPDATE sessions SET status = ?, last_active = ? WHERE id = ?`
		if status == types.StatusExpired {
			query = `UPDATE sessions SET status = ?, last_active = ?, owner_id = NULL WHERE id = ?`
		}
		res, err := db.ExecContext(ctx, query, status, time.Now().UTC(), id)
		if err != nil {
			return backend("update status", err)
		}
		return requireRow(res)
	})
}

// SetOwner sets (or with an empty owner, clears) the owning teacher.
func (s *Store) SetOwner(ctx context.Context, id, ownerID string) error {
	return s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE sessions SET owner_id = ?, last_active = ? WHERE id = ?`,
			nullable(ownerID), time.Now().UTC(), id)
		if err != nil {
			return backend("set owner", err)
		}
		return requireRow(res)
	})
}

// ReleaseOwner clears ownership only if the named teacher still holds it,
// so a stale tab cannot release a successor's claim. Releasing a row that
// is already unowned or re-owned is a no-op, not an error.
func (s *Store) ReleaseOwner(ctx context.Context, id, teacherID string) error {
	return s.write(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE sessions SET owner_id = NULL, last_active = ? WHERE id = ? AND owner_id = ?`,
			time.Now().UTC(), id, teacherID)
		if err != nil {
			return backend("release owner", err)
		}
		return nil
	})
}

// AdjustParticipants applies a join/leave delta. The floor at zero is in
// the statement itself so duplicate leave notifications cannot drive the
// counter negative.
func (s *Store) AdjustParticipants(ctx context.Context, id string, delta int) error {
	return s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE sessions SET current_users = MAX(0, current_users + ?), last_active = ? WHERE id = ?`,
			delta, time.Now().UTC(), id)
		if err != nil {
			return backend("adjust participants", err)
		}
		return requireRow(res)
	})
}

// UpdateSchedule sets the scheduled start/end pair used by test control.
func (s *Store) UpdateSchedule(ctx context.Context, id string, start, end *time.Time) error {
	return s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE sessions SET scheduled_start = ?, scheduled_end = ?, last_active = ? WHERE id = ?`,
			start, end, time.Now().UTC(), id)
		if err != nil {
			return backend("update schedule", err)
		}
		return requireRow(res)
	})
}

// Touch refreshes last_active. Heartbeats land here.
func (s *Store) Touch(ctx context.Context, id string) error {
	return s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE sessions SET last_active = ? WHERE id = ?`,
			time.Now().UTC(), id)
		if err != nil {
			return backend("touch session", err)
		}
		return requireRow(res)
	})
}

// Delete removes a session row permanently.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return backend("delete session", err)
		}
		return requireRow(res)
	})
}

// ClaimOwner grants ownership of a test to a teacher, conditionally and
// atomically. Inside one transaction it reads every live claim on the
// test; a different teacher active within the liveness window refuses the
// grant, while the caller's own older rows (extra tabs, previous
// connections) are demoted so exactly one owned row survives.
func (s *Store) ClaimOwner(ctx context.Context, testID, teacherID, sessionID string, window time.Duration) (ClaimOutcome, error) {
	var outcome ClaimOutcome
	err := s.write(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return backend("begin claim", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		cutoff := now.Add(-window)

		rows, err := tx.QueryContext(ctx, `
			SELECT id, owner_id, last_active FROM sessions
			WHERE test_id = ? AND status = ? AND owner_id IS NOT NULL AND id != ?`,
			testID, types.StatusActive, sessionID)
		if err != nil {
			return backend("read claims", err)
		}
		type claim struct {
			id         string
			owner      string
			lastActive time.Time
		}
		var claims []claim
		for rows.Next() {
			var c claim
			if err := rows.Scan(&c.id, &c.owner, &c.lastActive); err != nil {
				_ = rows.Close()
				return backend("scan claim", err)
			}
			claims = append(claims, c)
		}
		if err := rows.Close(); err != nil {
			return backend("read claims", err)
		}

		for _, c := range claims {
			if c.owner != teacherID && c.lastActive.After(cutoff) {
				outcome = ClaimOutcome{Granted: false, Owner: c.owner}
				return nil
			}
		}

		// No live competitor: demote everything else (the teacher's own
		// duplicates and any stale claims) and grant this row.
		for _, c := range claims {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sessions SET owner_id = NULL, status = ? WHERE id = ?`,
				types.StatusInactive, c.id); err != nil {
				return backend("demote claim", err)
			}
			outcome.Demoted++
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET owner_id = ?, status = ?, last_active = ? WHERE id = ?`,
			teacherID, types.StatusActive, now, sessionID)
		if err != nil {
			return backend("grant claim", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return backend("commit claim", err)
		}
		outcome.Granted = true
		return nil
	})
	return outcome, err
}

// DemoteStaleOwners releases teachers whose owned sessions have been
// silent longer than the window: owner cleared, status inactive.
func (s *Store) DemoteStaleOwners(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-window)
	var n int64
	err := s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions SET owner_id = NULL, status = ?
			WHERE status = ? AND owner_id IS NOT NULL AND datetime(last_active) < datetime(?)`,
			types.StatusInactive, types.StatusActive, cutoff)
		if err != nil {
			return backend("demote stale owners", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// DemoteDuplicateOwners resolves duplicate active claims held by the same
// teacher on the same test: the row with the most recent activity wins,
// ties broken by id. The decision is a single statement over a consistent
// view of all rows, so it cannot flap.
func (s *Store) DemoteDuplicateOwners(ctx context.Context) (int64, error) {
	var n int64
	err := s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions SET owner_id = NULL, status = ?
			WHERE status = ? AND owner_id IS NOT NULL AND EXISTS (
				SELECT 1 FROM sessions newer
				WHERE newer.owner_id = sessions.owner_id
				  AND newer.test_id IS sessions.test_id
				  AND newer.status = ?
				  AND newer.id != sessions.id
				  AND (datetime(newer.last_active) > datetime(sessions.last_active)
				       OR (datetime(newer.last_active) = datetime(sessions.last_active)
				           AND newer.id > sessions.id))
			)`,
			types.StatusInactive, types.StatusActive, types.StatusActive)
		if err != nil {
			return backend("demote duplicate owners", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// InactivateEmpty marks sessions with no participants and no recent
// activity as inactive.
func (s *Store) InactivateEmpty(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-grace)
	var n int64
	err := s.write(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, owner_id = NULL
			WHERE status = ? AND current_users <= 0 AND datetime(last_active) < datetime(?)`,
			types.StatusInactive, types.StatusActive, cutoff)
		if err != nil {
			return backend("inactivate empty sessions", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// ExpireInactive moves long-dead sessions to the terminal expired state,
// releasing any ownership they still record. The expired ids are returned
// so callers can reclaim in-memory state keyed by session.
func (s *Store) ExpireInactive(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	var ids []string
	err := s.write(ctx, func(db *sql.DB) error {
		var err error
		ids, err = expireRows(ctx, db, `
			SELECT id FROM sessions
			WHERE status != ? AND datetime(last_active) < datetime(?)`,
			types.StatusExpired, cutoff)
		return err
	})
	return ids, err
}

// ExpireEndedTests expires test sessions whose scheduled end has passed,
// returning the expired ids.
func (s *Store) ExpireEndedTests(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	var ids []string
	err := s.write(ctx, func(db *sql.DB) error {
		var err error
		ids, err = expireRows(ctx, db, `
			SELECT id FROM sessions
			WHERE kind = ? AND status != ? AND scheduled_end IS NOT NULL
			  AND datetime(scheduled_end) < datetime(?)`,
			types.KindTest, types.StatusExpired, now)
		return err
	})
	return ids, err
}

// expireRows marks the selected rows expired inside one transaction and
// returns their ids, so the selection and the update cannot diverge.
func expireRows(ctx context.Context, db *sql.DB, selectQuery string, args ...any) ([]string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, backend("begin expiry", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, backend("select expiring sessions", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, backend("scan expiring session", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, backend("select expiring sessions", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, owner_id = NULL WHERE id = ?`,
			types.StatusExpired, id); err != nil {
			return nil, backend("expire session", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, backend("commit expiry", err)
	}
	return ids, nil
}

// HealthCheck verifies the store is reachable and readable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return backend("ping", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		return backend("read test", err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backend("query sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, backend("iterate sessions", err)
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*types.Session, error) {
	var (
		session                     types.Session
		testID, createdBy, ownerID  sql.NullString
		scheduledStart, scheduledEnd sql.NullTime
	)
	err := row.Scan(
		&session.ID, &session.Name, &session.Kind,
		&testID, &createdBy, &ownerID,
		&session.Status, &session.MaxUsers, &session.CurrentUsers,
		&session.Private, &session.PasswordNeeded,
		&session.CreatedAt, &session.LastActive,
		&scheduledStart, &scheduledEnd,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, backend("scan session", err)
	}
	session.TestID = testID.String
	session.CreatedBy = createdBy.String
	session.OwnerID = ownerID.String
	if scheduledStart.Valid {
		t := scheduledStart.Time
		session.ScheduledStart = &t
	}
	if scheduledEnd.Valid {
		t := scheduledEnd.Time
		session.ScheduledEnd = &t
	}
	return &session, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return backend("rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func backend(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
