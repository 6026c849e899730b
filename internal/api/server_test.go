package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"liveclass/internal/auth"
	"liveclass/internal/registry"
	"liveclass/pkg/database"
	"liveclass/pkg/types"
)

type staticStats struct{}

func (staticStats) Stats() map[string]int {
	return map[string]int{"connections": 0, "sessions": 0}
}

func newTestServer(t *testing.T) (*Server, *registry.Store) {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:            filepath.Join(t.TempDir(), "api.db"),
		MaxConnections:  4,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db))

	store := registry.New(db, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = store.Close() })

	server := NewServer(store, staticStats{}, auth.GatewayAuthenticator{}, zaptest.NewLogger(t))
	return server, store
}

func asTeacher(r *http.Request) *http.Request {
	r.Header.Set(auth.HeaderUserID, "teacher_1")
	r.Header.Set(auth.HeaderUserName, "Grace")
	r.Header.Set(auth.HeaderUserRole, "teacher")
	return r
}

func asStudent(r *http.Request) *http.Request {
	r.Header.Set(auth.HeaderUserID, "student_1")
	r.Header.Set(auth.HeaderUserRole, "student")
	return r
}

func postSession(t *testing.T, server *Server, body map[string]any, decorate func(*http.Request) *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(raw))
	if decorate != nil {
		req = decorate(req)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestCreateSession(t *testing.T) {
	server, store := newTestServer(t)

	rec := postSession(t, server, map[string]any{
		"name":      "Period 3 Algebra",
		"kind":      "test",
		"test_id":   "test-77",
		"max_users": 30,
	}, asTeacher)

	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, types.KindTest, created.Kind)
	assert.Equal(t, "teacher_1", created.CreatedBy)
	assert.Equal(t, types.StatusActive, created.Status)

	stored, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Period 3 Algebra", stored.Name)
}

func TestCreateSessionDefaults(t *testing.T) {
	server, _ := newTestServer(t)

	rec := postSession(t, server, map[string]any{"name": "Homeroom"}, asTeacher)

	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, types.KindGeneral, created.Kind)
	assert.Equal(t, 50, created.MaxUsers)
}

func TestCreateSessionAuthz(t *testing.T) {
	server, _ := newTestServer(t)

	rec := postSession(t, server, map[string]any{"name": "Homeroom"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postSession(t, server, map[string]any{"name": "Homeroom"}, asStudent)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	server, _ := newTestServer(t)

	// A test session without a test id is rejected before it hits storage.
	rec := postSession(t, server, map[string]any{"name": "Quiz", "kind": "test"}, asTeacher)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader([]byte("{broken")))
	rec2 := httptest.NewRecorder()
	server.ServeHTTP(rec2, asTeacher(req))
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestListSessionsFiltersByKind(t *testing.T) {
	server, _ := newTestServer(t)

	postSession(t, server, map[string]any{"name": "Quiz", "kind": "test", "test_id": "test-1"}, asTeacher)
	postSession(t, server, map[string]any{"name": "Homeroom"}, asTeacher)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions?kind=test", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sessions []*types.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, types.KindTest, body.Sessions[0].Kind)
}

func TestListSessionsEmpty(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestGetSessionByID(t *testing.T) {
	server, store := newTestServer(t)
	require.NoError(t, store.Create(context.Background(), &types.Session{
		ID: "s1", Name: "Homeroom", Kind: types.KindGeneral, MaxUsers: 50,
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSession(t *testing.T) {
	server, store := newTestServer(t)
	require.NoError(t, store.Create(context.Background(), &types.Session{
		ID: "s1", Name: "Homeroom", Kind: types.KindGeneral, MaxUsers: 50,
	}))

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/s1", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, asStudent(req))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/s1", nil)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, asTeacher(req))
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := store.Get(context.Background(), "s1")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/s1", nil)
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, asTeacher(req))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "connections")
}
