package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/fpang/webpeasy/internal/capability"
	"github.com/fpang/webpeasy/internal/options"
	"github.com/fpang/webpeasy/internal/regenerate"
	"github.com/fpang/webpeasy/internal/settings"
)

type fakeBatcher struct {
	mu    sync.Mutex
	total int
	calls [][2]int
	err   error
}

func (f *fakeBatcher) CountImages(context.Context) (int, error) {
	return f.total, f.err
}

func (f *fakeBatcher) ProcessBatch(ctx context.Context, offset, limit int) (regenerate.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]int{offset, limit})
	if f.err != nil {
		return regenerate.Result{}, f.err
	}
	n := max(0, min(limit, f.total-offset))
	return regenerate.Result{Processed: n, Messages: []string{}}, nil
}

type fakeSupport struct{ info capability.Info }

func (f fakeSupport) Info() capability.Info { return f.info }

type recordedEvent struct {
	detailType string
	detail     any
}

type capturePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (c *capturePublisher) Publish(ctx context.Context, detailType string, detail any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, recordedEvent{detailType, detail})
	return nil
}

type adminFixture struct {
	handler  *Handler
	tokens   *TokenIssuer
	batcher  *fakeBatcher
	settings *settings.Store
	events   *capturePublisher
	session  string
	nonce    string
}

func newAdminFixture(t *testing.T, batchRate float64) *adminFixture {
	t.Helper()
	tokens := newTestIssuer(t)
	f := &adminFixture{
		tokens:   tokens,
		batcher:  &fakeBatcher{total: 12},
		settings: settings.New(options.NewMemoryStore()),
		events:   &capturePublisher{},
	}
	f.handler = NewHandler(Config{
		Prefix:     "/wp-admin",
		Tokens:     tokens,
		Settings:   f.settings,
		Batcher:    f.batcher,
		Support:    fakeSupport{capability.Info{Supported: true, Library: capability.NameLibwebp, LibraryLabel: "libwebp"}},
		Events:     f.events,
		BatchRate:  batchRate,
		BatchBurst: 1,
	})
	f.session = f.issue(t, CapManageOptions)
	s, err := tokens.ParseSession(f.session)
	if err != nil {
		t.Fatal(err)
	}
	f.nonce, _ = tokens.IssueNonce(s, NonceAction)
	return f
}

func (f *adminFixture) issue(t *testing.T, caps ...string) string {
	t.Helper()
	tok, err := f.tokens.IssueSession("operator", caps)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *adminFixture) post(path, session string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if session != "" {
		req.Header.Set("Authorization", "Bearer "+session)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *adminFixture) get(path, session string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if session != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session})
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) bool {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid envelope %q: %v", rec.Body.String(), err)
	}
	if data != nil {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("invalid data %s: %v", env.Data, err)
		}
	}
	return env.Success
}

func TestImageCount(t *testing.T) {
	f := newAdminFixture(t, 0)
	rec := f.post("/wp-admin/ajax?action="+ActionImageCount, f.session, url.Values{"nonce": {f.nonce}})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var data struct{ Total int }
	if !decodeEnvelope(t, rec, &data) || data.Total != 12 {
		t.Errorf("body = %s", rec.Body)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("missing request id")
	}
}

func TestRegenerateBatch(t *testing.T) {
	tests := []struct {
		name      string
		form      url.Values
		wantCall  [2]int
		processed int
	}{
		{"default limit", url.Values{"offset": {"0"}}, [2]int{0, 5}, 5},
		{"limit clamped", url.Values{"offset": {"5"}, "limit": {"50"}}, [2]int{5, 10}, 7},
		{"negative values made absolute", url.Values{"offset": {"-10"}, "limit": {"-3"}}, [2]int{10, 3}, 2},
		{"garbage offset", url.Values{"offset": {"abc"}, "limit": {"2"}}, [2]int{0, 2}, 2},
		{"zero limit uses default", url.Values{"limit": {"0"}}, [2]int{0, 5}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAdminFixture(t, 0)
			form := tt.form
			form.Set("nonce", f.nonce)
			form.Set("action", ActionRegenerateBatch)
			rec := f.post("/wp-admin/ajax", f.session, form)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
			var res regenerate.Result
			if !decodeEnvelope(t, rec, &res) {
				t.Fatalf("failure envelope: %s", rec.Body)
			}
			if res.Processed != tt.processed || res.Messages == nil {
				t.Errorf("result = %+v", res)
			}
			if len(f.batcher.calls) != 1 || f.batcher.calls[0] != tt.wantCall {
				t.Errorf("calls = %v, want %v", f.batcher.calls, tt.wantCall)
			}
			if len(f.events.events) != 1 || f.events.events[0].detailType != "BatchProcessed" {
				t.Errorf("events = %+v", f.events.events)
			}
		})
	}
}

func TestAjaxGuards(t *testing.T) {
	f := newAdminFixture(t, 0)
	subscriber := f.issue(t, "read")
	sub, _ := f.tokens.ParseSession(subscriber)
	subNonce, _ := f.tokens.IssueNonce(sub, NonceAction)
	admin, _ := f.tokens.ParseSession(f.session)
	settingsNonce, _ := f.tokens.IssueNonce(admin, SettingsNonceAction)

	tests := []struct {
		name    string
		session string
		nonce   string
		want    string
	}{
		{"no session", "", f.nonce, MsgSecurityCheckFailed},
		{"missing nonce", f.session, "", MsgSecurityCheckFailed},
		{"nonce for another session", f.issue(t, CapManageOptions), f.nonce, MsgSecurityCheckFailed},
		{"nonce for another action", f.session, settingsNonce, MsgSecurityCheckFailed},
		{"bad nonce and no capability", subscriber, "junk", MsgSecurityCheckFailed},
		{"valid nonce without capability", subscriber, subNonce, MsgPermissionDenied},
	}
	for _, tt := range tests {
		for _, action := range []string{ActionImageCount, ActionRegenerateBatch} {
			t.Run(tt.name+"/"+action, func(t *testing.T) {
				rec := f.post("/wp-admin/ajax", tt.session, url.Values{"action": {action}, "nonce": {tt.nonce}})
				if rec.Code != http.StatusForbidden {
					t.Fatalf("status = %d, want 403", rec.Code)
				}
				var data failureData
				if decodeEnvelope(t, rec, &data) {
					t.Error("success = true on rejection")
				}
				if data.Message != tt.want {
					t.Errorf("message = %q, want %q", data.Message, tt.want)
				}
			})
		}
	}
	if len(f.batcher.calls) != 0 {
		t.Errorf("batcher called on rejected requests: %v", f.batcher.calls)
	}
}

func TestAjaxUnknownAction(t *testing.T) {
	f := newAdminFixture(t, 0)
	rec := f.post("/wp-admin/ajax", f.session, url.Values{"action": {"nope"}, "nonce": {f.nonce}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAjaxBackendFailure(t *testing.T) {
	f := newAdminFixture(t, 0)
	f.batcher.err = errors.New("db down")
	rec := f.post("/wp-admin/ajax", f.session, url.Values{"action": {ActionImageCount}, "nonce": {f.nonce}})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "db down") {
		t.Errorf("internal detail leaked: %s", rec.Body)
	}
}

func TestBatchRateLimit(t *testing.T) {
	f := newAdminFixture(t, 0.001)
	form := url.Values{"action": {ActionRegenerateBatch}, "nonce": {f.nonce}}

	if rec := f.post("/wp-admin/ajax", f.session, form); rec.Code != http.StatusOK {
		t.Fatalf("first batch status = %d", rec.Code)
	}
	rec := f.post("/wp-admin/ajax", f.session, form)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second batch status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// Image counts are not limited.
	count := f.post("/wp-admin/ajax", f.session, url.Values{"action": {ActionImageCount}, "nonce": {f.nonce}})
	if count.Code != http.StatusOK {
		t.Errorf("count status = %d", count.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	f := newAdminFixture(t, 0)
	s, _ := f.tokens.ParseSession(f.session)
	nonce, _ := f.tokens.IssueNonce(s, SettingsNonceAction)

	type settingsData struct {
		Settings map[string]int `json:"settings"`
		Defaults map[string]int `json:"defaults"`
	}

	rec := f.get("/wp-admin/settings", f.session)
	var got settingsData
	if rec.Code != http.StatusOK || !decodeEnvelope(t, rec, &got) {
		t.Fatalf("GET settings: %d %s", rec.Code, rec.Body)
	}
	if got.Settings[settings.KeyWebPQuality] != settings.DefaultQuality {
		t.Errorf("initial quality = %d", got.Settings[settings.KeyWebPQuality])
	}

	rec = f.post("/wp-admin/settings", f.session, url.Values{"webp_quality": {"150"}, "nonce": {nonce}})
	if rec.Code != http.StatusOK || !decodeEnvelope(t, rec, &got) {
		t.Fatalf("POST settings: %d %s", rec.Code, rec.Body)
	}
	if got.Settings[settings.KeyWebPQuality] != 100 {
		t.Errorf("clamped quality = %d, want 100", got.Settings[settings.KeyWebPQuality])
	}
	if q := f.settings.Quality(context.Background()); q != 100 {
		t.Errorf("stored quality = %d", q)
	}

	// The batch nonce does not authorize settings writes.
	rec = f.post("/wp-admin/settings", f.session, url.Values{"webp_quality": {"50"}, "nonce": {f.nonce}})
	if rec.Code != http.StatusForbidden {
		t.Errorf("batch nonce accepted for settings: %d", rec.Code)
	}

	rec = f.post("/wp-admin/settings", f.session, url.Values{"unknown": {"1"}, "nonce": {nonce}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unrecognised settings status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/wp-admin/settings", strings.NewReader(`{"webp_quality": 40}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.session)
	req.Header.Set(NonceHeader, nonce)
	jrec := httptest.NewRecorder()
	f.handler.ServeHTTP(jrec, req)
	if jrec.Code != http.StatusOK || f.settings.Quality(context.Background()) != 40 {
		t.Errorf("JSON update: %d %s", jrec.Code, jrec.Body)
	}

	rec = f.post("/wp-admin/settings/reset", f.session, url.Values{"nonce": {nonce}})
	if rec.Code != http.StatusOK || f.settings.Quality(context.Background()) != settings.DefaultQuality {
		t.Errorf("reset: %d %s", rec.Code, rec.Body)
	}

	if len(f.events.events) != 3 {
		t.Errorf("settings events = %d, want 3", len(f.events.events))
	}
}

func TestSettingsRequiresCapability(t *testing.T) {
	f := newAdminFixture(t, 0)
	rec := f.get("/wp-admin/settings", f.issue(t, "read"))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
	var data failureData
	decodeEnvelope(t, rec, &data)
	if data.Message != MsgPermissionDenied {
		t.Errorf("message = %q", data.Message)
	}
}

func TestStatus(t *testing.T) {
	f := newAdminFixture(t, 0)
	rec := f.get("/wp-admin/status", f.session)

	var data struct {
		Supported    bool   `json:"supported"`
		LibraryLabel string `json:"library_label"`
		Notice       string `json:"notice"`
		Quality      int    `json:"webp_quality"`
		SettingsURL  string `json:"settings_url"`
	}
	if rec.Code != http.StatusOK || !decodeEnvelope(t, rec, &data) {
		t.Fatalf("status: %d %s", rec.Code, rec.Body)
	}
	if !data.Supported || data.LibraryLabel != "libwebp" || data.Notice != "" {
		t.Errorf("data = %+v", data)
	}
	if data.Quality != settings.DefaultQuality || data.SettingsURL != "/wp-admin/settings" {
		t.Errorf("data = %+v", data)
	}
}

func TestStatusDegraded(t *testing.T) {
	f := newAdminFixture(t, 0)
	f.handler.support = fakeSupport{capability.Info{Library: capability.NameNone, LibraryLabel: capability.NoLibraryLabel}}

	rec := f.get("/wp-admin/status", f.session)
	var data struct {
		Supported bool   `json:"supported"`
		Notice    string `json:"notice"`
	}
	decodeEnvelope(t, rec, &data)
	if data.Supported || !strings.Contains(data.Notice, capability.NoLibraryLabel) {
		t.Errorf("data = %+v", data)
	}
}

func TestNonceEndpoint(t *testing.T) {
	f := newAdminFixture(t, 0)

	rec := f.get("/wp-admin/nonce", f.session)
	var data struct{ Nonce, Action string }
	if rec.Code != http.StatusOK || !decodeEnvelope(t, rec, &data) {
		t.Fatalf("nonce: %d %s", rec.Code, rec.Body)
	}
	s, _ := f.tokens.ParseSession(f.session)
	if data.Action != NonceAction || f.tokens.VerifyNonce(s, NonceAction, data.Nonce) != nil {
		t.Errorf("issued nonce does not verify: %+v", data)
	}

	if rec := f.get("/wp-admin/nonce?action=other", f.session); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d", rec.Code)
	}
	if rec := f.get("/wp-admin/nonce", ""); rec.Code != http.StatusForbidden {
		t.Errorf("anonymous status = %d", rec.Code)
	}
}

func TestHealthAndNotFound(t *testing.T) {
	f := newAdminFixture(t, 0)
	if rec := f.get("/wp-admin/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec := f.get("/wp-admin/missing", f.session); rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d", rec.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	f := newAdminFixture(t, 0)
	const id = "8f14e45f-ceea-467f-a0e6-7a4a1b2c3d4e"

	req := httptest.NewRequest(http.MethodGet, "/wp-admin/health", nil)
	req.Header.Set(RequestIDHeader, id)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != id {
		t.Errorf("request id = %q, want %q", got, id)
	}

	req = httptest.NewRequest(http.MethodGet, "/wp-admin/health", nil)
	req.Header.Set(RequestIDHeader, "not a uuid")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got == "not a uuid" || got == "" {
		t.Errorf("request id = %q", got)
	}
}

func TestWithOriginVerify(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusNoContent},
		{"matching", "s3cret", "s3cret", http.StatusNoContent},
		{"missing", "s3cret", "", http.StatusForbidden},
		{"wrong", "s3cret", "nope", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("x-origin-verify", tt.header)
			}
			rec := httptest.NewRecorder()
			WithOriginVerify(tt.secret, ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAbsint(t *testing.T) {
	tests := map[string]int{"": 0, "7": 7, "-7": 7, " 3 ": 3, "2.9": 2, "x": 0}
	for in, want := range tests {
		if got := absint(in); got != want {
			t.Errorf("absint(%q) = %d, want %d", in, got, want)
		}
	}
}
