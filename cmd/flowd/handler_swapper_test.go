package main

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bizportal/flowd/internal/logging"
)

func TestHandlerSwapper(t *testing.T) {
	s := newHandlerSwapper(warmingUp())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"status":"starting"}`, rec.Body.String())

	s.Swap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestConfigWatcher_Apply(t *testing.T) {
	level := new(slog.LevelVar)
	cfg := defaultConfig()
	w := newConfigWatcher(cfg, level, logging.Discard())

	next := cfg
	next.LogLevel = "debug"
	d := w.apply(next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, slog.LevelDebug, level.Level())

	again := next
	again.ListenAddr = ":9999"
	d = w.apply(again)
	assert.False(t, d.LogLevelChanged, "compared against the last applied config")
	assert.Equal(t, []string{"listen_addr"}, d.RestartNeeded)
}
