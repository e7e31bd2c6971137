package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/kernel"
	"github.com/clawos/kernel/pkg/observability"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// RequestID extracts the request id set by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withRequestID assigns or propagates X-Request-ID.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// withLogging logs one line per request and feeds the RED metrics.
func withLogging(log *slog.Logger, obs *observability.Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		elapsed := time.Since(started)
		log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"request_id", RequestID(r.Context()),
			"elapsed_ms", elapsed.Milliseconds(),
		)
		if obs != nil {
			obs.Record(r.Context(), r.URL.Path, sw.status, elapsed)
		}
	})
}

// withRateLimit rejects callers over their bucket with 429.
func withRateLimit(limiter kernel.LimiterStore, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := limiter.Allow(r.Context(), kernel.ActorFromRequest(r))
		if err != nil {
			// A broken limiter backend must not take the kernel down.
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"ok": false, "error": "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ungated paths stay reachable before setup has run.
var ungated = map[string]bool{
	"/kernel/setup":  true,
	"/kernel/unlock": true,
	"/kernel/health": true,
}

// withGate answers kernel_locked on everything but setup, unlock and
// health until setup has stored the recovery hash.
func withGate(gate *kernel.Gate, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ungated[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		locked, err := gate.Locked(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		if locked {
			writeErr(w, contracts.E(contracts.CodeKernelLocked, "setup has not run"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
