package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yourorg/darkstar/internal/metrics"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// newMux serves /healthz, which checks the store with a 2s timeout and
// returns 503 when it is unreachable, and /metrics.
func newMux(store pinger, m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		dbCtx, dbCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer dbCancel()
		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(dbCtx); err != nil {
			log.Warnf("healthz: db ping failed: %v", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","reason":"db unreachable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", m.Handler())
	return mux
}

// serveHTTP runs the health and metrics server until ctx is done. An empty
// addr disables it.
func serveHTTP(ctx context.Context, addr string, store pinger, m *metrics.Metrics) {
	if addr == "" {
		return
	}
	s := &http.Server{Addr: addr, Handler: newMux(store, m), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shctx)
	}()
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnf("health server: %v", err)
		}
	}()
}
