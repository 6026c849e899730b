package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"liveclass/internal/auth"
	"liveclass/pkg/types"
)

// Connection wraps one client transport. Writes are serialized through a
// single goroutine; everything else may touch the connection
// concurrently. Connections are ephemeral: nothing here is persisted,
// and a process restart implicitly closes them all.
type Connection struct {
	id        string
	sessionID string
	identity  *auth.Identity

	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu      sync.RWMutex
	role    types.Role
	userID  string
	name    string
	counted bool
}

// NewConnection wraps an upgraded websocket connection and starts its
// write pump. The role stays RoleUnknown until the user_info handshake.
func NewConnection(conn *websocket.Conn, sessionID string, identity *auth.Identity, bufferSize int, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		sessionID:    sessionID,
		identity:     identity,
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		role:         types.RoleUnknown,
	}
	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.cancel()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a JSON frame for delivery. Delivery is best-effort,
// at-most-once; a failure means the peer is effectively gone and the
// caller should treat the connection as closed.
func (c *Connection) Send(v any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close tears the transport down. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed when the connection is finished.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) ID() string        { return c.id }
func (c *Connection) SessionID() string { return c.sessionID }

// Identity returns what the identity collaborator vouched for at upgrade
// time; nil means the upgrade was anonymous.
func (c *Connection) Identity() *auth.Identity { return c.identity }

func (c *Connection) Role() types.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *Connection) setRole(role types.Role, userID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != types.RoleUnknown {
		return ErrRoleAlreadySet
	}
	c.role = role
	c.userID = userID
	c.name = name
	return nil
}

// markCounted flips the participant-counted flag exactly once, returning
// whether this call did the flip.
func (c *Connection) markCounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counted {
		return false
	}
	c.counted = true
	return true
}

// wasCounted reports and clears the counted flag, so duplicate removals
// decrement the registry at most once.
func (c *Connection) wasCounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.counted
	c.counted = false
	return was
}
