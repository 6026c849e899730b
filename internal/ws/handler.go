package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"liveclass/internal/auth"
	"liveclass/internal/config"
	"liveclass/internal/registry"
	"liveclass/pkg/types"
)

// SessionLookup is the registry slice the handler needs to vet a join.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*types.Session, error)
}

// Inbound receives each raw text frame read from a connection, in the
// order the transport delivered it.
type Inbound func(conn *Connection, data []byte)

// Handler upgrades HTTP requests to session connections and runs the
// per-connection read pump.
type Handler struct {
	manager  *Manager
	sessions SessionLookup
	authn    auth.Authenticator
	inbound  Inbound
	cfg      config.WebSocketConfig
	logger   *zap.Logger

	upgrader websocket.Upgrader
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(manager *Manager, sessions SessionLookup, authn auth.Authenticator, inbound Inbound, cfg config.WebSocketConfig, logger *zap.Logger) *Handler {
	return &Handler{
		manager:  manager,
		sessions: sessions,
		authn:    authn,
		inbound:  inbound,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// Origin checking belongs to the fronting gateway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket serves "GET /ws/{session_id}": validate the session,
// resolve identity, upgrade, register, and start the read pump.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	session, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	if session.Status != types.StatusActive {
		http.Error(w, "session is not active", http.StatusGone)
		return
	}
	if session.MaxUsers > 0 && session.CurrentUsers >= session.MaxUsers {
		http.Error(w, "session is full", http.StatusForbidden)
		return
	}

	identity, err := h.authn.Authenticate(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConnection(raw, sessionID, identity, h.cfg.BufferSize, h.cfg.WriteTimeout)
	if err := h.manager.Register(conn); err != nil {
		h.logger.Warn("connection registration failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	h.logger.Info("connection established",
		zap.String("conn_id", conn.ID()),
		zap.String("session_id", sessionID),
		zap.String("user_id", identity.ID))

	go h.readPump(conn)
}

// readPump reads frames until the transport dies, keeping the ping/pong
// heartbeat going. Any read error, expected or not, funnels into the
// same cleanup path as an explicit close.
func (h *Handler) readPump(conn *Connection) {
	defer h.manager.Remove(conn)

	raw := conn.conn
	if err := raw.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Info("websocket read error",
					zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// Frames from one connection are handed over in order; the hub
		// preserves that order downstream.
		h.inbound(conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
