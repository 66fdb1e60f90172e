// Package admin serves the operator API: image count and batch
// regeneration over the ajax endpoint, settings, support status and nonce
// issuance. Responses use the {success, data} envelope.
//
// Endpoints, relative to the admin prefix:
//
//	POST /ajax?action=webpeasy_get_image_count   total convertible images
//	POST /ajax?action=webpeasy_regenerate_batch  regenerate one batch (offset, limit)
//	GET  /settings                               current settings and defaults
//	POST /settings                               update settings (webp_quality)
//	POST /settings/reset                         restore defaults
//	GET  /status                                 support info and degraded-mode notice
//	GET  /nonce?action=...                       anti-forgery token for the session
//	GET  /health                                 liveness, no auth
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fpang/webpeasy/internal/capability"
	"github.com/fpang/webpeasy/internal/events"
	"github.com/fpang/webpeasy/internal/regenerate"
	"github.com/fpang/webpeasy/internal/settings"
)

// Ajax actions.
const (
	ActionImageCount      = "webpeasy_get_image_count"
	ActionRegenerateBatch = "webpeasy_regenerate_batch"
)

// SettingsNonceAction protects settings writes.
const SettingsNonceAction = "webpeasy_settings"

const maxBodySize = 64 << 10

// InfoProvider reports encoder support.
type InfoProvider interface {
	Info() capability.Info
}

// Config holds the handler's collaborators.
type Config struct {
	Prefix   string
	Tokens   *TokenIssuer
	Settings *settings.Store
	Batcher  regenerate.Batcher
	Support  InfoProvider
	Events   events.Publisher
	// BatchRate limits batch requests per session per second; 0 disables.
	BatchRate  float64
	BatchBurst int
	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string
}

// Handler is the admin http.Handler.
type Handler struct {
	prefix   string
	tokens   *TokenIssuer
	settings *settings.Store
	batcher  regenerate.Batcher
	support  InfoProvider
	events   events.Publisher
	limits   *limiterSet

	root http.Handler
}

// NewHandler builds the handler. Requests must arrive with the prefix still
// on the path.
func NewHandler(cfg Config) *Handler {
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	h := &Handler{
		prefix:   strings.TrimSuffix(cfg.Prefix, "/"),
		tokens:   cfg.Tokens,
		settings: cfg.Settings,
		batcher:  cfg.Batcher,
		support:  cfg.Support,
		events:   cfg.Events,
		limits:   newLimiterSet(cfg.BatchRate, cfg.BatchBurst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /ajax", h.handleAjax)
	mux.HandleFunc("POST /admin-ajax.php", h.handleAjax)
	mux.HandleFunc("GET /settings", h.handleGetSettings)
	mux.HandleFunc("POST /settings", h.handleUpdateSettings)
	mux.HandleFunc("POST /settings/reset", h.handleResetSettings)
	mux.HandleFunc("GET /status", h.handleStatus)
	mux.HandleFunc("GET /nonce", h.handleNonce)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		httpError(w, http.StatusNotFound, "Not found.")
	})

	var inner http.Handler = withLogging(withCORS(cfg.CORSOrigins, mux))
	if h.prefix != "" {
		inner = http.StripPrefix(h.prefix, inner)
	}
	h.root = withRequestID(inner)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

// --- Ajax ---

func (h *Handler) handleAjax(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request.", err.Error())
		return
	}

	switch r.Form.Get("action") {
	case ActionImageCount:
		h.handleImageCount(w, r)
	case ActionRegenerateBatch:
		h.handleRegenerateBatch(w, r)
	default:
		httpError(w, http.StatusBadRequest, "Invalid action.")
	}
}

func (h *Handler) handleImageCount(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authorize(r, NonceAction); err != nil {
		h.reject(w, r, asGuard(err))
		return
	}

	total, err := h.batcher.CountImages(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "Failed to count images.", err.Error())
		return
	}
	respondSuccess(w, map[string]int{"total": total})
}

func (h *Handler) handleRegenerateBatch(w http.ResponseWriter, r *http.Request) {
	s, err := h.authorize(r, NonceAction)
	if err != nil {
		h.reject(w, r, asGuard(err))
		return
	}

	if ok, retryAfter := h.limits.allow(s.ID); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		httpError(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
		return
	}

	offset := absint(r.Form.Get("offset"))
	limit := regenerate.DefaultBatchSize
	if v := r.Form.Get("limit"); v != "" {
		limit = absint(v)
	}
	limit = regenerate.ClampLimit(limit)

	res, err := h.batcher.ProcessBatch(r.Context(), offset, limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "Failed to process batch.", err.Error())
		return
	}
	if res.Messages == nil {
		res.Messages = []string{}
	}

	h.publish(r, events.TypeBatchProcessed, events.BatchProcessed{
		RequestID: RequestID(r.Context()),
		Offset:    offset,
		Limit:     limit,
		Processed: res.Processed,
		Errors:    res.Errors,
		At:        time.Now().UTC(),
	})
	respondSuccess(w, res)
}

// absint mirrors the host's absint: the absolute integer value, 0 for
// anything unparsable.
func absint(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0
		}
		n = int(f)
	}
	if n < 0 {
		n = -n
	}
	return n
}

// --- Settings ---

type settingsResponse struct {
	Settings settings.Values `json:"settings"`
	Defaults settings.Values `json:"defaults"`
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authorize(r, ""); err != nil {
		h.reject(w, r, asGuard(err))
		return
	}
	h.respondSettings(w, r)
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	raw, err := readSettings(w, r)
	if err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request.", err.Error())
		return
	}
	if _, err := h.authorize(r, SettingsNonceAction); err != nil {
		h.reject(w, r, asGuard(err))
		return
	}

	changed, err := h.settings.Update(r.Context(), raw)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "Failed to save settings.", err.Error())
		return
	}
	if !changed {
		httpError(w, http.StatusBadRequest, "No recognised settings submitted.")
		return
	}
	h.publishSettings(r, false)
	h.respondSettings(w, r)
}

func (h *Handler) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if _, err := h.authorize(r, SettingsNonceAction); err != nil {
		h.reject(w, r, asGuard(err))
		return
	}
	if _, err := h.settings.Reset(r.Context()); err != nil {
		httpError(w, http.StatusInternalServerError, "Failed to reset settings.", err.Error())
		return
	}
	h.publishSettings(r, true)
	h.respondSettings(w, r)
}

func (h *Handler) respondSettings(w http.ResponseWriter, r *http.Request) {
	current, err := h.settings.All(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "Failed to load settings.", err.Error())
		return
	}
	respondSuccess(w, settingsResponse{Settings: current, Defaults: h.settings.Defaults()})
}

// readSettings accepts a form or a JSON object.
func readSettings(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var raw map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return raw, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return settings.SanitizeForm(r.PostForm), nil
}

func (h *Handler) publishSettings(r *http.Request, reset bool) {
	current, err := h.settings.All(r.Context())
	if err != nil {
		return
	}
	h.publish(r, events.TypeSettingsUpdated, events.SettingsUpdated{
		RequestID: RequestID(r.Context()),
		Settings:  current,
		Reset:     reset,
		At:        time.Now().UTC(),
	})
}

// --- Status, nonce, health ---

type statusResponse struct {
	capability.Info
	Notice      string `json:"notice,omitempty"`
	Quality     int    `json:"webp_quality"`
	SettingsURL string `json:"settings_url"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := h.authorize(r, ""); err != nil {
		h.reject(w, r, asGuard(err))
		return
	}
	info := h.support.Info()
	respondSuccess(w, statusResponse{
		Info:        info,
		Notice:      info.Notice(),
		Quality:     h.settings.Quality(r.Context()),
		SettingsURL: h.prefix + "/settings",
	})
}

func (h *Handler) handleNonce(w http.ResponseWriter, r *http.Request) {
	s, err := h.authorize(r, "")
	if err != nil {
		h.reject(w, r, asGuard(err))
		return
	}
	action := r.URL.Query().Get("action")
	if action == "" {
		action = NonceAction
	}
	if action != NonceAction && action != SettingsNonceAction {
		httpError(w, http.StatusBadRequest, "Invalid action.")
		return
	}
	nonce, err := h.tokens.IssueNonce(s, action)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "Failed to issue nonce.", err.Error())
		return
	}
	respondSuccess(w, map[string]string{"nonce": nonce, "action": action})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "webpeasy",
	})
}

func (h *Handler) publish(r *http.Request, detailType string, detail any) {
	// Detached from the request so a client disconnect does not drop it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := h.events.Publish(ctx, detailType, detail); err != nil {
		logFor(r).Warn().Err(err).Str("detailType", detailType).Msg("Failed to publish event")
	}
}

func asGuard(err error) *GuardError {
	var g *GuardError
	if errors.As(err, &g) {
		return g
	}
	return &GuardError{Kind: SecurityCheckFailed, Err: err}
}

// --- Rate limiting ---

// limiterSet holds one token bucket per session.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*sessionLimiter
	rate     rate.Limit
	burst    int
}

type sessionLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterIdle = 10 * time.Minute

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	if burst < 1 {
		burst = 1
	}
	r := rate.Limit(perSecond)
	if perSecond <= 0 {
		r = rate.Inf
	}
	return &limiterSet{limiters: map[string]*sessionLimiter{}, rate: r, burst: burst}
}

// allow reports whether key may proceed and, if not, the seconds to wait.
func (ls *limiterSet) allow(key string) (bool, int) {
	if ls.rate == rate.Inf {
		return true, 0
	}
	ls.mu.Lock()
	now := time.Now()
	for k, l := range ls.limiters {
		if now.Sub(l.lastSeen) > limiterIdle {
			delete(ls.limiters, k)
		}
	}
	l, ok := ls.limiters[key]
	if !ok {
		l = &sessionLimiter{limiter: rate.NewLimiter(ls.rate, ls.burst)}
		ls.limiters[key] = l
	}
	l.lastSeen = now
	ls.mu.Unlock()

	if l.limiter.Allow() {
		return true, 0
	}
	return false, max(int(1.0/float64(ls.rate)), 1)
}
