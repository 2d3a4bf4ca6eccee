package logger

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/gatedl/gatedl/internal/errors"
)

// statusRecorder captures the status code and byte count of a response
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Flush lets websocket and streaming handlers keep working through the wrapper
func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// LoggingMiddleware logs one line per completed HTTP request
func LoggingMiddleware(log *Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = Default()
	}
	log = log.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/health/live" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"query":       sanitizeQuery(r.URL.RawQuery),
				"status":      rw.status,
				"bytes":       rw.bytes,
				"duration_ms": time.Since(start).Milliseconds(),
				"remote_ip":   ClientIP(r),
			}

			switch {
			case rw.status >= 500:
				log.Warn(r.Context(), "request failed", fields)
			case rw.status >= 400:
				log.Info(r.Context(), "request rejected", fields)
			default:
				log.Debug(r.Context(), "request completed", fields)
			}
		})
	}
}

// sanitizeQuery masks credential-bearing query parameters
func sanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "[unparseable]"
	}
	for key := range values {
		lower := strings.ToLower(key)
		for _, s := range []string{"token", "password", "secret", "key", "auth"} {
			if strings.Contains(lower, s) {
				values[key] = []string{"[REDACTED]"}
				break
			}
		}
	}
	// Encode escapes the brackets; decode once for readability.
	out, _ := url.QueryUnescape(values.Encode())
	return out
}

// ClientIP extracts the caller address, honouring reverse proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(ip)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RecoveryMiddleware converts handler panics into 500 responses
func RecoveryMiddleware(log *Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = Default()
	}
	log = log.WithComponent("recovery")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error(r.Context(), "panic recovered", nil, map[string]interface{}{
						"panic":  rec,
						"path":   r.URL.Path,
						"method": r.Method,
					})
					apperrors.WriteError(w, apperrors.GetRequestID(r.Context()),
						apperrors.InternalError("an unexpected error occurred"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
