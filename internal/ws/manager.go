// Package ws owns the live connection table and the transport edge.
// The Manager is the only component allowed to add or remove entries;
// side effects on the registry (participant counts) and on ownership
// (release when an owning teacher's connection dies) happen here.
package ws

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveclass/internal/protocol"
	"liveclass/pkg/types"
)

// SessionCounter is the registry slice keeping the denormalized
// participant counter consistent with the connection table.
type SessionCounter interface {
	AdjustParticipants(ctx context.Context, id string, delta int) error
}

// OwnerReleaser releases test ownership when an owning teacher's
// connection goes away.
type OwnerReleaser interface {
	Release(ctx context.Context, sessionID, teacherID string) error
}

// cleanupTimeout bounds the registry updates done on behalf of an
// already-gone connection.
const cleanupTimeout = 5 * time.Second

// Manager tracks live connections per session.
type Manager struct {
	mu        sync.RWMutex
	byID      map[string]*Connection
	bySession map[string]map[string]*Connection

	counter  SessionCounter
	releaser OwnerReleaser
	logger   *zap.Logger
}

// NewManager creates an empty connection manager.
func NewManager(counter SessionCounter, releaser OwnerReleaser, logger *zap.Logger) *Manager {
	return &Manager{
		byID:      make(map[string]*Connection),
		bySession: make(map[string]map[string]*Connection),
		counter:   counter,
		releaser:  releaser,
		logger:    logger,
	}
}

// Register adds a freshly upgraded connection with role Unknown. The
// participant counter is not touched until the handshake proves this is
// a genuine participant rather than a probe.
func (m *Manager) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[conn.ID()] = conn
	session := m.bySession[conn.SessionID()]
	if session == nil {
		session = make(map[string]*Connection)
		m.bySession[conn.SessionID()] = session
	}
	session[conn.ID()] = conn
	return nil
}

// AssignRole promotes a connection after its user_info handshake and
// counts it into the session.
func (m *Manager) AssignRole(connID, userID, name string, role types.Role) error {
	m.mu.RLock()
	conn, ok := m.byID[connID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	if err := conn.setRole(role, userID, name); err != nil {
		return err
	}

	if role != types.RoleUnknown && conn.markCounted() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := m.counter.AdjustParticipants(ctx, conn.SessionID(), +1); err != nil {
			m.logger.Warn("participant increment failed",
				zap.String("session_id", conn.SessionID()), zap.Error(err))
		}
	}
	return nil
}

// Remove drops a connection. It is idempotent, must not depend on the
// connection still being writable, and performs the close side effects:
// decrement the participant count, release ownership if the departing
// connection was an owning teacher, and announce the leave.
func (m *Manager) Remove(conn *Connection) {
	if conn == nil {
		return
	}
	m.mu.Lock()
	registered, ok := m.byID[conn.ID()]
	if !ok || registered != conn {
		m.mu.Unlock()
		return
	}
	delete(m.byID, conn.ID())
	if session, ok := m.bySession[conn.SessionID()]; ok {
		delete(session, conn.ID())
		if len(session) == 0 {
			delete(m.bySession, conn.SessionID())
		}
	}
	m.mu.Unlock()

	_ = conn.Close()

	// Cleanup runs against the registry even though the triggering
	// connection is already gone.
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if conn.wasCounted() {
		if err := m.counter.AdjustParticipants(ctx, conn.SessionID(), -1); err != nil {
			m.logger.Warn("participant decrement failed",
				zap.String("session_id", conn.SessionID()), zap.Error(err))
		}
	}

	// A teacher's departure releases ownership only once their last
	// connection to the session is gone; a surviving tab keeps the claim.
	if conn.Role() == types.RoleTeacher && conn.UserID() != "" && !m.hasUserConnection(conn.SessionID(), conn.UserID()) {
		if err := m.releaser.Release(ctx, conn.SessionID(), conn.UserID()); err != nil {
			m.logger.Warn("ownership release on disconnect failed",
				zap.String("session_id", conn.SessionID()),
				zap.String("teacher_id", conn.UserID()),
				zap.Error(err))
		}
	}

	if conn.Role() != types.RoleUnknown {
		m.SendToSession(conn.SessionID(), conn.ID(), protocol.Outbound{
			Type: protocol.OutParticipantStatus,
			Payload: types.Participant{
				ID:     conn.UserID(),
				Name:   conn.Name(),
				Role:   conn.Role(),
				Status: types.ParticipantDisconnected,
			},
		})
	}

	m.logger.Info("connection removed",
		zap.String("conn_id", conn.ID()),
		zap.String("session_id", conn.SessionID()),
		zap.String("user_id", conn.UserID()))
}

// hasUserConnection reports whether the session still holds a live
// connection for the user.
func (m *Manager) hasUserConnection(sessionID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.bySession[sessionID] {
		if conn.UserID() == userID {
			return true
		}
	}
	return false
}

// Get returns a live connection by id.
func (m *Manager) Get(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.byID[connID]
	return conn, ok
}

// BySession returns all live connections in a session.
func (m *Manager) BySession(sessionID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]*Connection, 0, len(m.bySession[sessionID]))
	for _, conn := range m.bySession[sessionID] {
		conns = append(conns, conn)
	}
	return conns
}

// Participants lists the role-known users in a session, sorted by id for
// stable output.
func (m *Manager) Participants(sessionID string) []types.Participant {
	conns := m.BySession(sessionID)

	participants := make([]types.Participant, 0, len(conns))
	for _, conn := range conns {
		if conn.Role() == types.RoleUnknown {
			continue
		}
		participants = append(participants, types.Participant{
			ID:     conn.UserID(),
			Name:   conn.Name(),
			Role:   conn.Role(),
			Status: types.ParticipantConnected,
		})
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].ID < participants[j].ID })
	return participants
}

// Send delivers a frame to one connection. A send failure is treated
// exactly like an explicit close notification: no retry, remove.
func (m *Manager) Send(connID string, frame any) {
	conn, ok := m.Get(connID)
	if !ok {
		return
	}
	if err := conn.Send(frame); err != nil {
		m.logger.Info("send failed, removing connection",
			zap.String("conn_id", connID), zap.Error(err))
		m.Remove(conn)
	}
}

// SendToSession broadcasts a frame to every connection in a session,
// minus an optional excluded connection.
func (m *Manager) SendToSession(sessionID, excludeConnID string, frame any) {
	for _, conn := range m.BySession(sessionID) {
		if conn.ID() == excludeConnID {
			continue
		}
		if err := conn.Send(frame); err != nil {
			m.logger.Info("broadcast send failed, removing connection",
				zap.String("conn_id", conn.ID()), zap.Error(err))
			m.Remove(conn)
		}
	}
}

// Stats reports connection counts for the health endpoint.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"connections": len(m.byID),
		"sessions":    len(m.bySession),
	}
}
