package router

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/approval"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/auth"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/internal/flow"
	"github.com/ovaphlow/pitchfork/service-ledger-chat/pkg/utilities"
)

const prefix = "/ledger-api"

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware logs each request with a request id, which is also
// echoed in the X-Request-ID response header.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = utilities.NewRequestID("req")
			}
			w.Header().Set("X-Request-ID", id)
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			log := logger.Debugw
			if status >= http.StatusInternalServerError {
				log = logger.Warnw
			}
			log("http request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets headers suitable for a JSON-only API.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Cache-Control", "no-store")
			if w.Header().Get("Content-Security-Policy") == "" {
				w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handlers are the endpoint groups mounted by RegisterRoutes.
type Handlers struct {
	Chat   *flow.Handler
	Admin  *approval.Handler
	Tokens *auth.TokenService
}

// RegisterRoutes mounts the chat and admin endpoints on a http.ServeMux.
func RegisterRoutes(logger *zap.SugaredLogger, h Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+prefix+"/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST "+prefix+"/messages", h.Chat.Message)

	// admin api; everything but the token exchange needs a bearer token
	guard := auth.RequireAdmin(h.Tokens)
	mux.HandleFunc("POST "+prefix+"/admin/token", h.Admin.Token)
	mux.Handle("GET "+prefix+"/admin/transactions/pending", guard(http.HandlerFunc(h.Admin.Pending)))
	mux.Handle("POST "+prefix+"/admin/transactions/{id}/approve", guard(http.HandlerFunc(h.Admin.Approve)))
	mux.Handle("POST "+prefix+"/admin/transactions/{id}/reject", guard(http.HandlerFunc(h.Admin.Reject)))

	return LoggingMiddleware(logger)(SecurityHeadersMiddleware()(mux))
}
