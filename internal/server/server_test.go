package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelltender/shelltender/internal/config"
	"github.com/shelltender/shelltender/internal/models"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.manager.Shutdown()
		s.persister.Close()
		if s.journal != nil {
			s.journal.Close()
		}
	})
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body []byte) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rec, body := doJSON(t, s, http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "/ws", body["wsPath"])
}

func TestListSessionsEmpty(t *testing.T) {
	s := newTestServer(t, nil)
	rec, _ := doJSON(t, s, http.MethodGet, "/api/sessions", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestListAndKillSession(t *testing.T) {
	s := newTestServer(t, nil)

	sess, err := s.manager.Create(models.SessionOptions{Command: "/bin/cat"})
	require.NoError(t, err)

	rec, _ := doJSON(t, s, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), sess.ID)

	rec, body := doJSON(t, s, http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])

	rec, _ = doJSON(t, s, http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDoctorEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rec, body := doJSON(t, s, http.MethodGet, "/api/shelltender/doctor", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, []string{"ok", "degraded"}, body["status"])
	assert.Contains(t, body, "checks")
	assert.Contains(t, body, "config")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shelltender_")
}

func TestAdminListEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	sess, err := s.manager.Create(models.SessionOptions{Command: "/bin/cat"})
	require.NoError(t, err)
	defer s.manager.Kill(sess.ID)

	rec, body := doJSON(t, s, http.MethodGet, "/api/admin/sessions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	sessions, ok := body["sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, sessions, 1)

	system, ok := body["system"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, system["platform"])
}

func TestAdminDetailEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	sess, err := s.manager.Create(models.SessionOptions{Command: "/bin/cat"})
	require.NoError(t, err)
	defer s.manager.Kill(sess.ID)

	require.NoError(t, s.manager.WriteInput(sess.ID, []byte("visible\n"), models.SourceUser))
	require.Eventually(t, func() bool {
		data, _ := s.buffers.GetFull(sess.ID)
		return strings.Contains(string(data), "visible")
	}, 5*time.Second, 10*time.Millisecond)

	rec, body := doJSON(t, s, http.MethodGet, "/api/admin/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["recentOutput"], "visible")
	assert.Greater(t, body["bufferSize"], float64(0))

	rec, _ = doJSON(t, s, http.MethodGet, "/api/admin/sessions/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminBulkKill(t *testing.T) {
	s := newTestServer(t, nil)

	a, err := s.manager.Create(models.SessionOptions{Command: "/bin/cat"})
	require.NoError(t, err)
	b, err := s.manager.Create(models.SessionOptions{Command: "/bin/cat"})
	require.NoError(t, err)

	payload := []byte(`{"action":"kill","sessionIds":["` + a.ID + `","` + b.ID + `","ghost"]}`)
	rec, body := doJSON(t, s, http.MethodPost, "/api/admin/sessions/bulk", payload)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["killed"])
	assert.Equal(t, float64(3), body["total"])

	rec, _ = doJSON(t, s, http.MethodPost, "/api/admin/sessions/bulk", []byte(`{"action":"reboot"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminKillAll(t *testing.T) {
	s := newTestServer(t, nil)

	_, err := s.manager.Create(models.SessionOptions{Command: "/bin/cat"})
	require.NoError(t, err)
	_, err = s.manager.Create(models.SessionOptions{Command: "/bin/cat"})
	require.NoError(t, err)

	rec, body := doJSON(t, s, http.MethodPost, "/api/admin/sessions/kill-all", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["killed"])
}

func TestAdminEventsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	require.NotNil(t, s.journal, "journal should open in a writable data dir")

	s.journal.Append(models.TerminalEvent{
		Type:      models.EventBell,
		SessionID: "s1",
		Timestamp: time.Now(),
	})

	rec, body := doJSON(t, s, http.MethodGet, "/api/admin/sessions/s1/events?limit=10", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	events, ok := body["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 1)
}

func TestCORSPreflights(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.CORSOrigin = "*" })

	req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityProcessorRedactsBeforeBuffering(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.EnableSecurity = true })

	sess, err := s.manager.Create(models.SessionOptions{Command: "/bin/cat"})
	require.NoError(t, err)
	defer s.manager.Kill(sess.ID)

	require.NoError(t, s.manager.WriteInput(sess.ID, []byte("password=hunter2\n"), models.SourceUser))
	require.Eventually(t, func() bool {
		data, _ := s.buffers.GetFull(sess.ID)
		return strings.Contains(string(data), "[REDACTED]")
	}, 5*time.Second, 10*time.Millisecond)

	data, _ := s.buffers.GetFull(sess.ID)
	assert.NotContains(t, string(data), "hunter2")
}

func TestRestartRestoresSessionsAndSequences(t *testing.T) {
	dir := t.TempDir()
	mkCfg := func() *config.Config {
		cfg := config.Default()
		cfg.DataDir = dir
		return cfg
	}

	s1, err := New(mkCfg())
	require.NoError(t, err)

	sess, err := s1.manager.Create(models.SessionOptions{ID: "survivor", Command: "/bin/cat"})
	require.NoError(t, err)
	require.NoError(t, s1.manager.WriteInput(sess.ID, []byte("persist-me\n"), models.SourceUser))

	// Wait until the persister has flushed the scrollback to disk.
	require.Eventually(t, func() bool {
		rec, err := s1.store.Load("survivor")
		return err == nil && rec != nil && strings.Contains(rec.Buffer, "persist-me")
	}, 5*time.Second, 10*time.Millisecond)

	// Graceful shutdown keeps the record. Read the final persisted state
	// only after the persister has drained.
	s1.manager.Shutdown()
	s1.persister.Close()
	if s1.journal != nil {
		s1.journal.Close()
	}

	rec, err := s1.store.Load("survivor")
	require.NoError(t, err)
	persistedSeq := rec.LastSeq
	require.Greater(t, persistedSeq, uint64(0))

	s2, err := New(mkCfg())
	require.NoError(t, err)
	defer func() {
		s2.manager.Shutdown()
		s2.persister.Close()
		if s2.journal != nil {
			s2.journal.Close()
		}
	}()

	s2.restore()

	got, ok := s2.manager.Get("survivor")
	require.True(t, ok, "session must come back after restart")
	assert.Equal(t, "/bin/cat", got.Command)

	// Scrollback and the sequence high-water mark survive.
	full, lastSeq := s2.buffers.GetFull("survivor")
	assert.Contains(t, string(full), "persist-me")
	assert.GreaterOrEqual(t, lastSeq, persistedSeq)

	// A client that saw everything before the restart gets no duplicates.
	data, _, gap := s2.buffers.GetSince("survivor", persistedSeq)
	assert.False(t, gap)
	assert.Empty(t, data)
}
