package admin

import (
	"net/http"
	"strings"

	"github.com/fpang/webpeasy/internal/metrics"
)

// SessionCookie carries the session token for browser clients.
const SessionCookie = "webpeasy_session"

// NonceHeader may carry the nonce when the body is not a form.
const NonceHeader = "X-Webpeasy-Nonce"

// Operator-facing guard messages.
const (
	MsgSecurityCheckFailed = "Security check failed."
	MsgPermissionDenied    = "You do not have permission to perform this action."
)

// GuardKind categorizes a rejected admin request.
type GuardKind int

const (
	// SecurityCheckFailed means the anti-forgery token was missing or invalid.
	SecurityCheckFailed GuardKind = iota
	// PermissionDenied means the operator lacks the required capability.
	PermissionDenied
)

func (k GuardKind) String() string {
	if k == PermissionDenied {
		return "permission_denied"
	}
	return "security_check_failed"
}

// GuardError is returned when a request fails the nonce or capability check.
type GuardError struct {
	Kind GuardKind
	Err  error
}

func (e *GuardError) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *GuardError) Unwrap() error {
	return e.Err
}

// Message is the text sent to the operator.
func (e *GuardError) Message() string {
	if e.Kind == PermissionDenied {
		return MsgPermissionDenied
	}
	return MsgSecurityCheckFailed
}

// sessionToken reads a bearer token, falling back to the session cookie.
func sessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func nonceFrom(r *http.Request) string {
	if v := r.FormValue("nonce"); v != "" {
		return v
	}
	return r.Header.Get(NonceHeader)
}

// session resolves the caller's session, nil when absent or invalid.
func (h *Handler) session(r *http.Request) *Session {
	tok := sessionToken(r)
	if tok == "" {
		return nil
	}
	s, err := h.tokens.ParseSession(tok)
	if err != nil {
		return nil
	}
	return s
}

// authorize checks the nonce for action first, then the capability. An
// empty action skips the nonce check.
func (h *Handler) authorize(r *http.Request, action string) (*Session, error) {
	s := h.session(r)
	if action != "" {
		if err := h.tokens.VerifyNonce(s, action, nonceFrom(r)); err != nil {
			return nil, &GuardError{Kind: SecurityCheckFailed, Err: err}
		}
	}
	if !s.Can(CapManageOptions) {
		return nil, &GuardError{Kind: PermissionDenied}
	}
	return s, nil
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, err *GuardError) {
	metrics.AdminRejections.WithLabelValues(err.Kind.String()).Inc()
	logFor(r).Warn().Err(err).Str("path", r.URL.Path).Msg("Admin request rejected")
	httpError(w, http.StatusForbidden, err.Message())
}
