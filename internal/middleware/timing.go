package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gatedl/gatedl/internal/logger"
)

const slowRequest = 500 * time.Millisecond

// Timing adds a Server-Timing header to API responses and logs slow ones.
// The header must be set before the body, so it is attached on the first
// write.
func Timing(next http.Handler) http.Handler {
	log := logger.Default().WithComponent("timing")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if passthrough(r) {
			next.ServeHTTP(w, r)
			return
		}

		wrapped := &timingResponseWriter{ResponseWriter: w, start: time.Now(), statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if d := time.Since(wrapped.start); d > slowRequest {
			log.Warn(r.Context(), "slow request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": d.Milliseconds(),
			})
		}
	})
}

type timingResponseWriter struct {
	http.ResponseWriter
	start       time.Time
	statusCode  int
	wroteHeader bool
}

func (w *timingResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.statusCode = code
	w.Header().Set("Server-Timing", formatServerTiming(time.Since(w.start)))
	w.ResponseWriter.WriteHeader(code)
}

func (w *timingResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *timingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func formatServerTiming(d time.Duration) string {
	ms := float64(d.Nanoseconds()) / 1e6
	return "total;dur=" + strconv.FormatFloat(ms, 'f', 2, 64)
}
