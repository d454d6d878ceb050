package main

import (
	"net/http"
	"sync"
)

// handlerSwapper is an http.Handler that allows atomic handler replacement.
// serve binds the port with a warm-up handler while the engine recovers and
// swaps in the API once it is ready.
type handlerSwapper struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newHandlerSwapper(h http.Handler) *handlerSwapper {
	return &handlerSwapper{handler: h}
}

func (s *handlerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	h.ServeHTTP(w, r)
}

// Swap replaces the underlying handler atomically.
func (s *handlerSwapper) Swap(h http.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// warmingUp answers 503 until the engine has recovered.
func warmingUp() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
	})
}
