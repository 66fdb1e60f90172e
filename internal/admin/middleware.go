package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/webpeasy/internal/metrics"
)

// RequestIDHeader is echoed on every admin response.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// RequestID returns the ID assigned by withRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func logFor(r *http.Request) *zerolog.Logger {
	l := log.With().Str("requestId", RequestID(r.Context())).Logger()
	return &l
}

// withRequestID keeps a well-formed inbound ID, otherwise assigns a new one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// withLogging logs one line per admin request and emits per-request EMF
// metrics with an Endpoint dimension.
func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(sr, r)

		elapsed := time.Since(start)
		endpoint := normalizeEndpoint(r)
		logFor(r).Info().
			Str("method", r.Method).
			Str("endpoint", endpoint).
			Int("status", sr.statusCode).
			Dur("duration", elapsed).
			Msg("Admin request")

		metrics.ObserveRequest(endpoint, r.Method, sr.statusCode, elapsed)
	})
}

// normalizeEndpoint maps a request to a low-cardinality endpoint name. The
// ajax endpoint is split by action once the handler has parsed the form.
func normalizeEndpoint(r *http.Request) string {
	p := r.URL.Path
	if p == "/ajax" || p == "/admin-ajax.php" {
		a := r.URL.Query().Get("action")
		if r.Form != nil {
			a = r.Form.Get("action")
		}
		switch a {
		case ActionImageCount, ActionRegenerateBatch:
			return "/ajax/" + a
		}
		return "/ajax"
	}
	switch p {
	case "/settings", "/settings/reset", "/status", "/nonce", "/health":
		return p
	}
	return "/other"
}

// WithOriginVerify rejects requests lacking the shared x-origin-verify
// header. An empty secret disables the check.
func WithOriginVerify(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("x-origin-verify") != secret {
			log.Warn().Str("path", r.URL.Path).Msg("Blocked request: missing or invalid x-origin-verify header")
			httpError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCORS allows browser clients from the configured origins.
func withCORS(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowedOrigin(origins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+NonceHeader)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowedOrigin(origins []string, origin string) bool {
	for _, o := range origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
