package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probe runs one handler request and returns the status code and decoded body.
func probe(t *testing.T, handler http.HandlerFunc, target string) (int, map[string]string) {
	t.Helper()
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr.Code, body
}

func TestHealthCheckerState(t *testing.T) {
	t.Run("starts not ready and not started", func(t *testing.T) {
		h := NewHealthChecker()
		assert.False(t, h.IsReady())
		assert.False(t, h.IsStarted())
	})

	t.Run("ready toggles both ways", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		assert.True(t, h.IsReady())
		h.SetNotReady()
		assert.False(t, h.IsReady())
	})

	t.Run("started is one way", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetStarted()
		assert.True(t, h.IsStarted())
	})
}

func TestStartzHandler(t *testing.T) {
	t.Run("503 before startup completes", func(t *testing.T) {
		h := NewHealthChecker()
		code, body := probe(t, h.StartzHandler(), "/startz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_started", body["status"])
	})

	t.Run("200 once listeners are bound", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetStarted()
		code, body := probe(t, h.StartzHandler(), "/startz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "started", body["status"])
	})
}

func TestHealthzHandler(t *testing.T) {
	t.Run("alive regardless of readiness", func(t *testing.T) {
		h := NewHealthChecker()
		code, body := probe(t, h.HealthzHandler(), "/healthz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "alive", body["status"])
	})
}

func TestReadyzHandler(t *testing.T) {
	t.Run("503 while draining or before ready", func(t *testing.T) {
		h := NewHealthChecker()
		code, body := probe(t, h.ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_ready", body["status"])
	})

	t.Run("200 when ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		code, body := probe(t, h.ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ready", body["status"])
	})
}

type stubPinger struct {
	err error
}

func (p *stubPinger) Ping(context.Context) error { return p.err }

func TestReadyzDeepCheck(t *testing.T) {
	t.Run("healthy redis reports ok", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetRedisPinger(&stubPinger{})
		code, body := probe(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ready", body["status"])
		assert.Equal(t, "ok", body["redis"])
	})

	t.Run("unreachable redis flips to 503", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetRedisPinger(&stubPinger{err: fmt.Errorf("connection refused")})
		code, body := probe(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unreachable", body["redis"])
	})

	t.Run("no pinger registered passes shallowly", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		code, _ := probe(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, code)
	})

	t.Run("pinger can be cleared", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetRedisPinger(&stubPinger{err: fmt.Errorf("down")})
		h.SetRedisPinger(nil)
		code, _ := probe(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, code)
	})
}
