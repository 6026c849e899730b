package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"liveclass/internal/auth"
	"liveclass/internal/protocol"
	"liveclass/pkg/types"
)

type fakeCounter struct {
	mu     sync.Mutex
	deltas []int
}

func (f *fakeCounter) AdjustParticipants(_ context.Context, _ string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, delta)
	return nil
}

func (f *fakeCounter) all() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.deltas...)
}

type fakeReleaser struct {
	mu        sync.Mutex
	sessionID string
	teacherID string
	calls     int
}

func (f *fakeReleaser) Release(_ context.Context, sessionID, teacherID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sessionID = sessionID
	f.teacherID = teacherID
	return nil
}

// wsFixture serves real websocket connections so the write pump has a
// live transport underneath it.
type wsFixture struct {
	t        *testing.T
	manager  *Manager
	counter  *fakeCounter
	releaser *fakeReleaser
	server   *httptest.Server
	accepted chan *websocket.Conn
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	f := &wsFixture{
		t:        t,
		counter:  &fakeCounter{},
		releaser: &fakeReleaser{},
		accepted: make(chan *websocket.Conn, 8),
	}
	f.manager = NewManager(f.counter, f.releaser, zaptest.NewLogger(t))

	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		f.accepted <- conn
	}))
	t.Cleanup(f.server.Close)
	return f
}

// dial returns the server-side Connection plus the client end for
// reading what the manager sends.
func (f *wsFixture) dial(sessionID string, identity *auth.Identity) (*Connection, *websocket.Conn) {
	f.t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	f.t.Cleanup(func() { _ = client.Close() })

	serverConn := <-f.accepted
	conn := NewConnection(serverConn, sessionID, identity, 16, time.Second)
	f.t.Cleanup(func() { _ = conn.Close() })
	return conn, client
}

func readFrame(t *testing.T, client *websocket.Conn) protocol.Outbound {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	var frame protocol.Outbound
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestRegisterAndLookup(t *testing.T) {
	f := newWSFixture(t)
	conn, _ := f.dial("session-1", &auth.Identity{ID: "student_1"})

	require.NoError(t, f.manager.Register(conn))

	got, ok := f.manager.Get(conn.ID())
	require.True(t, ok)
	assert.Same(t, conn, got)

	assert.Len(t, f.manager.BySession("session-1"), 1)
	assert.Empty(t, f.manager.BySession("session-2"))

	stats := f.manager.Stats()
	assert.Equal(t, 1, stats["connections"])
	assert.Equal(t, 1, stats["sessions"])

	// A fresh connection is not a participant yet.
	assert.Empty(t, f.manager.Participants("session-1"))
	assert.Empty(t, f.counter.all())
}

func TestRegisterNil(t *testing.T) {
	f := newWSFixture(t)
	assert.ErrorIs(t, f.manager.Register(nil), ErrNilConnection)
}

func TestAssignRoleCountsExactlyOnce(t *testing.T) {
	f := newWSFixture(t)
	conn, _ := f.dial("session-1", &auth.Identity{ID: "student_1"})
	require.NoError(t, f.manager.Register(conn))

	require.NoError(t, f.manager.AssignRole(conn.ID(), "student_1", "Ada", types.RoleStudent))
	assert.Equal(t, types.RoleStudent, conn.Role())
	assert.Equal(t, "student_1", conn.UserID())
	assert.Equal(t, []int{1}, f.counter.all())

	// A duplicate handshake neither reassigns nor recounts.
	err := f.manager.AssignRole(conn.ID(), "student_1", "Ada", types.RoleStudent)
	assert.ErrorIs(t, err, ErrRoleAlreadySet)
	assert.Equal(t, []int{1}, f.counter.all())

	assert.ErrorIs(t, f.manager.AssignRole("no-such-conn", "x", "x", types.RoleStudent), ErrUnknownConnection)
}

func TestRemoveStudentDecrementsOnce(t *testing.T) {
	f := newWSFixture(t)
	conn, _ := f.dial("session-1", &auth.Identity{ID: "student_1"})
	require.NoError(t, f.manager.Register(conn))
	require.NoError(t, f.manager.AssignRole(conn.ID(), "student_1", "Ada", types.RoleStudent))

	f.manager.Remove(conn)
	_, ok := f.manager.Get(conn.ID())
	assert.False(t, ok)
	assert.Equal(t, []int{1, -1}, f.counter.all())
	assert.Equal(t, 0, f.releaser.calls)

	// Removing again is a no-op.
	f.manager.Remove(conn)
	assert.Equal(t, []int{1, -1}, f.counter.all())
}

func TestRemoveUncountedConnection(t *testing.T) {
	f := newWSFixture(t)
	conn, _ := f.dial("session-1", &auth.Identity{ID: "student_1"})
	require.NoError(t, f.manager.Register(conn))

	// Dropped before the handshake: no counter traffic, no release.
	f.manager.Remove(conn)
	assert.Empty(t, f.counter.all())
	assert.Equal(t, 0, f.releaser.calls)
}

func TestRemoveTeacherReleasesOwnership(t *testing.T) {
	f := newWSFixture(t)
	conn, _ := f.dial("session-1", &auth.Identity{ID: "teacher_1", Role: types.RoleTeacher})
	require.NoError(t, f.manager.Register(conn))
	require.NoError(t, f.manager.AssignRole(conn.ID(), "teacher_1", "Grace", types.RoleTeacher))

	f.manager.Remove(conn)

	assert.Equal(t, 1, f.releaser.calls)
	assert.Equal(t, "session-1", f.releaser.sessionID)
	assert.Equal(t, "teacher_1", f.releaser.teacherID)
}

func TestRemoveTeacherSecondTabKeepsOwnership(t *testing.T) {
	f := newWSFixture(t)
	first, _ := f.dial("session-1", &auth.Identity{ID: "teacher_1", Role: types.RoleTeacher})
	second, _ := f.dial("session-1", &auth.Identity{ID: "teacher_1", Role: types.RoleTeacher})
	require.NoError(t, f.manager.Register(first))
	require.NoError(t, f.manager.Register(second))
	require.NoError(t, f.manager.AssignRole(first.ID(), "teacher_1", "Grace", types.RoleTeacher))
	require.NoError(t, f.manager.AssignRole(second.ID(), "teacher_1", "Grace", types.RoleTeacher))

	// Closing one tab must not de-authorize the surviving one.
	f.manager.Remove(first)
	assert.Equal(t, 0, f.releaser.calls)

	f.manager.Remove(second)
	assert.Equal(t, 1, f.releaser.calls)
	assert.Equal(t, "teacher_1", f.releaser.teacherID)
}

func TestRemoveAnnouncesLeaveToSession(t *testing.T) {
	f := newWSFixture(t)
	leaving, _ := f.dial("session-1", &auth.Identity{ID: "student_1"})
	staying, stayingClient := f.dial("session-1", &auth.Identity{ID: "student_2"})
	require.NoError(t, f.manager.Register(leaving))
	require.NoError(t, f.manager.Register(staying))
	require.NoError(t, f.manager.AssignRole(leaving.ID(), "student_1", "Ada", types.RoleStudent))
	require.NoError(t, f.manager.AssignRole(staying.ID(), "student_2", "Brian", types.RoleStudent))

	f.manager.Remove(leaving)

	frame := readFrame(t, stayingClient)
	assert.Equal(t, protocol.OutParticipantStatus, frame.Type)
	payload, err := json.Marshal(frame.Payload)
	require.NoError(t, err)
	var participant types.Participant
	require.NoError(t, json.Unmarshal(payload, &participant))
	assert.Equal(t, "student_1", participant.ID)
	assert.Equal(t, types.ParticipantDisconnected, participant.Status)
}

func TestParticipantsListsRoleKnownSorted(t *testing.T) {
	f := newWSFixture(t)
	c1, _ := f.dial("session-1", &auth.Identity{ID: "zoe_1"})
	c2, _ := f.dial("session-1", &auth.Identity{ID: "abe_1"})
	c3, _ := f.dial("session-1", &auth.Identity{ID: "probe"})
	require.NoError(t, f.manager.Register(c1))
	require.NoError(t, f.manager.Register(c2))
	require.NoError(t, f.manager.Register(c3))
	require.NoError(t, f.manager.AssignRole(c1.ID(), "zoe_1", "Zoe", types.RoleStudent))
	require.NoError(t, f.manager.AssignRole(c2.ID(), "abe_1", "Abe", types.RoleTeacher))
	// c3 never completes the handshake.

	participants := f.manager.Participants("session-1")
	require.Len(t, participants, 2)
	assert.Equal(t, "abe_1", participants[0].ID)
	assert.Equal(t, "zoe_1", participants[1].ID)
	assert.Equal(t, types.ParticipantConnected, participants[0].Status)
}

func TestSendDeliversFrame(t *testing.T) {
	f := newWSFixture(t)
	conn, client := f.dial("session-1", &auth.Identity{ID: "student_1"})
	require.NoError(t, f.manager.Register(conn))

	f.manager.Send(conn.ID(), protocol.Outbound{Type: protocol.OutTimeUpdate})

	frame := readFrame(t, client)
	assert.Equal(t, protocol.OutTimeUpdate, frame.Type)
}

func TestSendFailureRemovesConnection(t *testing.T) {
	f := newWSFixture(t)
	conn, _ := f.dial("session-1", &auth.Identity{ID: "student_1"})
	require.NoError(t, f.manager.Register(conn))

	require.NoError(t, conn.Close())
	f.manager.Send(conn.ID(), protocol.Outbound{Type: protocol.OutTimeUpdate})

	_, ok := f.manager.Get(conn.ID())
	assert.False(t, ok)
}

func TestSendToSessionExcludesSender(t *testing.T) {
	f := newWSFixture(t)
	sender, senderClient := f.dial("session-1", &auth.Identity{ID: "student_1"})
	other, otherClient := f.dial("session-1", &auth.Identity{ID: "student_2"})
	require.NoError(t, f.manager.Register(sender))
	require.NoError(t, f.manager.Register(other))

	f.manager.SendToSession("session-1", sender.ID(), protocol.Outbound{Type: protocol.OutTeacherComment})

	frame := readFrame(t, otherClient)
	assert.Equal(t, protocol.OutTeacherComment, frame.Type)

	require.NoError(t, senderClient.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := senderClient.ReadMessage()
	assert.Error(t, err, "excluded sender must not receive the broadcast")
}
