package rewrite

import (
	"bytes"
	"mime"
	"net/http"
	"strconv"

	"github.com/fpang/webpeasy/internal/hooks"
)

// Middleware buffers the whole response of next when filter accepts the
// request, runs the filter over successful HTML bodies and then sends the
// result with a corrected Content-Length. Other responses pass through.
func Middleware(filter hooks.BufferFilter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !filter.ShouldBuffer(r) {
			next.ServeHTTP(w, r)
			return
		}

		bw := &bufferWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(bw, r)

		body := bw.buf.Bytes()
		h := w.Header()
		if bw.status == http.StatusOK && h.Get("Content-Encoding") == "" && isHTML(h.Get("Content-Type"), body) {
			body = filter.Filter(body)
		}

		// The output depends on the Accept header.
		h.Add("Vary", "Accept")
		if r.Method != http.MethodHead && bodyAllowed(bw.status) {
			h.Set("Content-Length", strconv.Itoa(len(body)))
		}
		w.WriteHeader(bw.status)
		if r.Method != http.MethodHead {
			w.Write(body)
		}
	})
}

func bodyAllowed(status int) bool {
	return status != http.StatusNoContent && status != http.StatusNotModified && status >= 200
}

func isHTML(contentType string, body []byte) bool {
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// bufferWriter holds the status and body until the handler returns.
type bufferWriter struct {
	http.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
}

func (b *bufferWriter) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.status = code
	b.wroteHeader = true
}

func (b *bufferWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.buf.Write(p)
}
