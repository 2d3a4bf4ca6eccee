package middleware

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"net/http"
)

// etagResponseWriter buffers the response so its ETag can be computed
type etagResponseWriter struct {
	http.ResponseWriter
	buf        *bytes.Buffer
	statusCode int
}

func (w *etagResponseWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *etagResponseWriter) WriteHeader(code int) {
	w.statusCode = code
}

// ETag answers conditional GETs of JSON resources with 304 when the body is
// unchanged.
func ETag(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || passthrough(r) {
			next.ServeHTTP(w, r)
			return
		}

		wrapped := &etagResponseWriter{
			ResponseWriter: w,
			buf:            &bytes.Buffer{},
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode != http.StatusOK {
			w.WriteHeader(wrapped.statusCode)
			w.Write(wrapped.buf.Bytes())
			return
		}

		hash := md5.Sum(wrapped.buf.Bytes())
		etag := `"` + hex.EncodeToString(hash[:]) + `"`

		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "private, max-age=0, must-revalidate")
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write(wrapped.buf.Bytes())
	})
}
