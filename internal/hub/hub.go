// Package hub runs the dispatch loop between the transport edge and the
// protocol router: inbound frames go through Router.Dispatch, and the
// resulting effects are delivered through the connection manager. One
// dispatch goroutine preserves the per-connection frame order the read
// pumps hand over.
package hub

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"liveclass/internal/protocol"
	"liveclass/internal/ws"
)

// envelope is one inbound frame with its source connection.
type envelope struct {
	conn *ws.Connection
	data []byte
}

// Sender is the connection-manager surface effects are applied through.
type Sender interface {
	Send(connID string, frame any)
	SendToSession(sessionID, excludeConnID string, frame any)
}

// Hub owns the dispatch loop.
type Hub struct {
	inbox  chan envelope
	done   chan struct{}
	router *protocol.Router
	sender Sender
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopped sync.WaitGroup
}

// NewHub creates a hub. The inbox buffer absorbs message bursts from a
// full classroom without stalling read pumps.
func NewHub(router *protocol.Router, sender Sender, logger *zap.Logger) *Hub {
	return &Hub{
		inbox:  make(chan envelope, 1000),
		done:   make(chan struct{}),
		router: router,
		sender: sender,
		logger: logger,
	}
}

// Start launches the dispatch goroutine.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrAlreadyRunning
	}
	h.running = true
	h.stopped.Add(1)
	go h.run(ctx)
	return nil
}

// Stop shuts the loop down and waits for it to drain.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrNotRunning
	}
	h.running = false
	close(h.done)
	h.mu.Unlock()

	h.stopped.Wait()
	return nil
}

// Inbound enqueues one raw frame for dispatch. When the hub is stopped
// or saturated the frame is dropped; delivery here is at-most-once by
// contract.
func (h *Hub) Inbound(conn *ws.Connection, data []byte) {
	select {
	case h.inbox <- envelope{conn: conn, data: data}:
	case <-h.done:
	default:
		h.logger.Warn("hub inbox full, dropping frame",
			zap.String("conn_id", conn.ID()),
			zap.String("session_id", conn.SessionID()))
	}
}

func (h *Hub) run(ctx context.Context) {
	defer h.stopped.Done()
	h.logger.Info("hub dispatch loop started")

	for {
		select {
		case env := <-h.inbox:
			h.dispatch(ctx, env)
		case <-h.done:
			h.logger.Info("hub dispatch loop stopped")
			return
		case <-ctx.Done():
			h.logger.Info("hub dispatch loop cancelled")
			return
		}
	}
}

// dispatch routes one frame and applies its effects. Router errors are
// registry failures: the specific operation failed and is not retried;
// the connection stays open.
func (h *Hub) dispatch(ctx context.Context, env envelope) {
	effects, err := h.router.Dispatch(ctx, env.conn, env.data)
	if err != nil {
		h.logger.Error("dispatch failed",
			zap.String("conn_id", env.conn.ID()),
			zap.String("session_id", env.conn.SessionID()),
			zap.Error(err))
	}
	h.Apply(effects)
}

// Apply delivers a batch of routing effects.
func (h *Hub) Apply(effects []protocol.Effect) {
	for _, effect := range effects {
		switch e := effect.(type) {
		case protocol.Broadcast:
			h.sender.SendToSession(e.SessionID, e.ExcludeConnID, e.Frame)
		case protocol.Unicast:
			h.sender.Send(e.ConnID, e.Frame)
		}
	}
}
