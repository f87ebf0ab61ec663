package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Check is a named readiness check, e.g. the postgres ping.
type Check struct {
	Name  string
	Ping  func(ctx context.Context) error
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// Readyz runs every check under one shared timeout and reports the first failing one.
func Readyz(timeout time.Duration, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, c := range checks {
			if err := c.Ping(ctx); err != nil {
				slog.Warn("readiness check failed", "check", c.Name, "err", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "check": c.Name})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
