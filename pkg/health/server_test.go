package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealth(t *testing.T) {
	s := NewServer("127.0.0.1", 0)
	code, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestReady(t *testing.T) {
	s := NewServer("127.0.0.1", 0)
	code, _ := get(t, s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	s.SetReady(true)
	code, body := get(t, s, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	s.RegisterCheck("platforms", func() error { return errors.New("discord not running") })
	code, body = get(t, s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "discord not running", checks["platforms"])
}

func TestStats(t *testing.T) {
	s := NewServer("127.0.0.1", 0)
	_, body := get(t, s, "/stats")
	assert.Empty(t, body)

	s.SetStats(func() any { return map[string]int{"correlations": 3} })
	_, body = get(t, s, "/stats")
	assert.Equal(t, float64(3), body["correlations"])
}

func TestAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:18800", NewServer("127.0.0.1", 18800).Addr())
}
