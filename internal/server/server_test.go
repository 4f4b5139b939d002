package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/gpttools/gpttools/internal"
	"github.com/gpttools/gpttools/internal/auth"
	"github.com/gpttools/gpttools/internal/authflow"
	"github.com/gpttools/gpttools/internal/gate"
	"github.com/gpttools/gpttools/internal/proxy"
	"github.com/gpttools/gpttools/internal/telemetry"
	"github.com/gpttools/gpttools/internal/testutil"
)

// fakeProxy records the adapted request and answers 200 {"ok":true}.
type fakeProxy struct {
	mu   sync.Mutex
	last *proxy.Request
}

func (p *fakeProxy) Serve(_ context.Context, w http.ResponseWriter, req *proxy.Request) {
	p.mu.Lock()
	p.last = req
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (p *fakeProxy) lastRequest() *proxy.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type fakeFlow struct {
	startSession    *gateway.LoginSession
	statusSession   *gateway.LoginSession
	completeAccount string
	completeErr     error

	mu            sync.Mutex
	completeState string
	completeCode  string
}

func (f *fakeFlow) StartOAuth(context.Context, authflow.StartOptions) (*gateway.LoginSession, error) {
	return f.startSession, nil
}

func (f *fakeFlow) StartDevice(context.Context, authflow.StartOptions) (*gateway.LoginSession, error) {
	return f.startSession, nil
}

func (f *fakeFlow) Status(context.Context, string) (*gateway.LoginSession, error) {
	return f.statusSession, nil
}

func (f *fakeFlow) CompleteOAuth(_ context.Context, state, code, _ string) (string, error) {
	f.mu.Lock()
	f.completeState, f.completeCode = state, code
	f.mu.Unlock()
	return f.completeAccount, f.completeErr
}

type fakeBearers struct{}

func (fakeBearers) ResolveBearer(_ context.Context, _ *gateway.Account, t *gateway.Token) (string, error) {
	return t.AccessToken, nil
}

type fakeRefresher struct{}

func (fakeRefresher) Refresh(_ context.Context, a *gateway.Account, _ string) (*gateway.UsageSnapshot, error) {
	used := 12.5
	return &gateway.UsageSnapshot{AccountID: a.ID, UsedPercent: &used}, nil
}

type fakeKeyCache struct {
	mu  sync.Mutex
	ids []string
}

func (c *fakeKeyCache) InvalidateByKeyID(id string) {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
}

type testServer struct {
	handler  http.Handler
	store    *testutil.FakeStore
	proxy    *fakeProxy
	flow     *fakeFlow
	keyCache *fakeKeyCache
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := testutil.NewFakeStore()
	authn, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		t.Fatal(err)
	}
	fp := &fakeProxy{}
	flow := &fakeFlow{}
	kc := &fakeKeyCache{}
	reg := gate.NewRegistry()
	handler := New(Deps{
		Store:    store,
		Auth:     authn,
		Proxy:    fp,
		Flow:     flow,
		Bearers:  fakeBearers{},
		Usage:    fakeRefresher{},
		KeyCache: kc,
		Metrics:  telemetry.NewGatewayMetrics(reg),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:  "test",
	})
	return &testServer{handler: handler, store: store, proxy: fp, flow: flow, keyCache: kc}
}

const testKey = "gptk_test_key_0123456789"

func (ts *testServer) seedKey(t *testing.T, key *gateway.APIKey) {
	t.Helper()
	if key.KeyHash == "" {
		key.KeyHash = gateway.HashKey(testKey)
	}
	if key.Status == "" {
		key.Status = gateway.KeyStatusActive
	}
	if err := ts.store.CreateKey(context.Background(), key); err != nil {
		t.Fatal(err)
	}
}

func (ts *testServer) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for name, values := range header {
		req.Header[name] = values
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) rpc(t *testing.T, method, params string) gjson.Result {
	t.Helper()
	body := `{"id":1,"method":"` + method + `"`
	if params != "" {
		body += `,"params":` + params
	}
	body += `}`
	w := ts.do(http.MethodPost, "/rpc", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rpc %s: status = %d, body %q", method, w.Code, w.Body.String())
	}
	return gjson.Get(w.Body.String(), "result")
}

func authHeader() http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+testKey)
	return h
}

func TestRPC_Initialize(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	result := ts.rpc(t, "initialize", "")

	if got := result.Get("serverName").String(); got != "gpttools" {
		t.Errorf("serverName = %q", got)
	}
	if got := result.Get("version").String(); got != "test" {
		t.Errorf("version = %q", got)
	}
	events := ts.store.Events()
	if len(events) != 1 || events[0].Type != "initialize" {
		t.Errorf("events = %+v", events)
	}
}

func TestRPC_UnknownMethod(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	result := ts.rpc(t, "no/such/method", "")
	if got := result.Get("error").String(); got != "unknown_method" {
		t.Errorf("error = %q", got)
	}
}

func TestRPC_MalformedEnvelope(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	w := ts.do(http.MethodPost, "/rpc", "{not json", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRPC_AccountListIncludesUsage(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()
	ts.store.UpsertAccount(ctx, &gateway.Account{ID: "acc-1", Label: "work", Status: gateway.StatusActive})
	used := 55.0
	ts.store.InsertUsageSnapshot(ctx, &gateway.UsageSnapshot{AccountID: "acc-1", UsedPercent: &used})

	result := ts.rpc(t, "account/list", "")
	items := result.Get("items").Array()
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	if got := items[0].Get("label").String(); got != "work" {
		t.Errorf("label = %q", got)
	}
	if got := items[0].Get("usage.usedPercent").Float(); got != 55.0 {
		t.Errorf("usedPercent = %v", got)
	}
}

func TestRPC_AccountUpdateAndDelete(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()
	ts.store.UpsertAccount(ctx, &gateway.Account{ID: "acc-1", Status: gateway.StatusActive})

	if result := ts.rpc(t, "account/update", `{"accountId":"acc-1","sort":7}`); !result.Get("ok").Bool() {
		t.Fatalf("update failed: %s", result.Raw)
	}
	acc, err := ts.store.GetAccount(ctx, "acc-1")
	if err != nil || acc.Sort != 7 {
		t.Errorf("sort = %+v, %v", acc, err)
	}

	if result := ts.rpc(t, "account/delete", `{"accountId":"acc-1"}`); !result.Get("ok").Bool() {
		t.Fatalf("delete failed: %s", result.Raw)
	}
	if _, err := ts.store.GetAccount(ctx, "acc-1"); err == nil {
		t.Error("account should be gone")
	}
}

func TestRPC_UsageReadProbes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()
	ts.store.UpsertAccount(ctx, &gateway.Account{ID: "acc-1", Status: gateway.StatusActive})
	ts.store.UpsertToken(ctx, &gateway.Token{AccountID: "acc-1", AccessToken: "tok"})

	result := ts.rpc(t, "account/usage/read", `{"accountId":"acc-1"}`)
	if got := result.Get("snapshot.usedPercent").Float(); got != 12.5 {
		t.Errorf("usedPercent = %v, want fresh probe value", got)
	}
}

func TestRPC_KeyLifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()

	created := ts.rpc(t, "apikey/create", `{"name":"ci","modelSlug":"gpt-5.2"}`)
	id := created.Get("id").String()
	raw := created.Get("key").String()
	if id == "" || !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		t.Fatalf("create result = %s", created.Raw)
	}

	stored, err := ts.store.GetKeyByHash(ctx, gateway.HashKey(raw))
	if err != nil || stored.ID != id {
		t.Fatalf("stored key lookup: %+v, %v", stored, err)
	}
	if stored.ClientType != gateway.ClientTypeCodex || stored.AuthScheme != gateway.AuthSchemeBearer {
		t.Errorf("defaults not stamped: %+v", stored)
	}

	if result := ts.rpc(t, "apikey/disable", `{"id":"`+id+`"}`); !result.Get("ok").Bool() {
		t.Fatal("disable failed")
	}
	if result := ts.rpc(t, "apikey/updateModel", `{"id":"`+id+`","modelSlug":"gpt-5.3-codex","reasoningEffort":"high"}`); !result.Get("ok").Bool() {
		t.Fatal("updateModel failed")
	}
	if result := ts.rpc(t, "apikey/delete", `{"id":"`+id+`"}`); !result.Get("ok").Bool() {
		t.Fatal("delete failed")
	}

	ts.keyCache.mu.Lock()
	invalidations := len(ts.keyCache.ids)
	ts.keyCache.mu.Unlock()
	if invalidations != 3 {
		t.Errorf("cache invalidations = %d, want one per mutation", invalidations)
	}
}

func TestRPC_ModelOptions(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	result := ts.rpc(t, "apikey/models", "")
	if len(result.Get("models").Array()) == 0 {
		t.Error("models list empty")
	}
	efforts := result.Get("reasoningEfforts").Array()
	found := false
	for _, e := range efforts {
		if e.String() == "xhigh" {
			found = true
		}
	}
	if !found {
		t.Errorf("reasoningEfforts = %s", result.Get("reasoningEfforts").Raw)
	}
}

func TestRPC_RequestLogListAndClear(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()
	ts.store.AppendRequestLog(ctx, &gateway.RequestLog{Path: "/v1/responses", Method: "POST", Status: 200})
	ts.store.AppendRequestLog(ctx, &gateway.RequestLog{Path: "/v1/models", Method: "GET", Status: 503, Error: "no available account"})

	result := ts.rpc(t, "requestlog/list", `{"query":"models"}`)
	items := result.Get("items").Array()
	if len(items) != 1 || items[0].Get("path").String() != "/v1/models" {
		t.Fatalf("filtered items = %s", result.Raw)
	}

	if result := ts.rpc(t, "requestlog/clear", ""); !result.Get("ok").Bool() {
		t.Fatal("clear failed")
	}
	if rows := ts.store.RequestLogs(); len(rows) != 0 {
		t.Errorf("rows after clear = %d", len(rows))
	}
}

func TestRPC_LoginStart(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.flow.startSession = &gateway.LoginSession{
		ID:      "login-1",
		Kind:    gateway.LoginKindOAuth,
		AuthURL: "https://auth.example/authorize?state=s",
		Status:  gateway.LoginStatusPending,
	}

	result := ts.rpc(t, "account/login/start", `{"type":"oauth"}`)
	if got := result.Get("loginId").String(); got != "login-1" {
		t.Errorf("loginId = %q", got)
	}
	if got := result.Get("authUrl").String(); got == "" {
		t.Error("authUrl missing")
	}
}

func TestRPC_LoginCompleteValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	result := ts.rpc(t, "account/login/complete", `{"state":"s"}`)
	if result.Get("ok").Bool() || result.Get("error").String() != "missing code/state" {
		t.Errorf("result = %s", result.Raw)
	}

	ts.flow.completeAccount = "acc-9"
	result = ts.rpc(t, "account/login/complete", `{"state":"s","code":"c"}`)
	if !result.Get("ok").Bool() || result.Get("accountId").String() != "acc-9" {
		t.Errorf("result = %s", result.Raw)
	}
}

func TestCallback(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.flow.completeAccount = "acc-1"

	w := ts.do(http.MethodGet, "/auth/callback?state=st&code=co", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content-type = %q", ct)
	}
	ts.flow.mu.Lock()
	state, code := ts.flow.completeState, ts.flow.completeCode
	ts.flow.mu.Unlock()
	if state != "st" || code != "co" {
		t.Errorf("flow got state=%q code=%q", state, code)
	}

	w = ts.do(http.MethodGet, "/auth/callback", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing params status = %d, want 400", w.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	for _, series := range []string{
		"gpttools_gateway_requests_total",
		"gpttools_gateway_requests_active",
		"gpttools_gateway_account_inflight_total",
		"gpttools_gateway_failover_attempts_total",
		"gpttools_gateway_cooldown_marks_total",
	} {
		if !strings.Contains(w.Body.String(), series) {
			t.Errorf("exposition missing %s", series)
		}
	}
}

func TestGateway_MissingKey(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	w := ts.do(http.MethodPost, "/v1/responses", `{}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGateway_DisabledKey(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.seedKey(t, &gateway.APIKey{ID: "key-1", Status: gateway.KeyStatusInactive})

	w := ts.do(http.MethodPost, "/v1/responses", `{}`, authHeader())
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestGateway_UnsupportedMethod(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.seedKey(t, &gateway.APIKey{ID: "key-1"})

	w := ts.do("TRACE", "/v1/responses", "", authHeader())
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestGateway_AppliesOverridesAndProxies(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.seedKey(t, &gateway.APIKey{ID: "key-1", ModelSlug: "gpt-5.3-codex", ReasoningEffort: "extra_high"})

	w := ts.do(http.MethodPost, "/v1/responses", `{"model":"client-model"}`, authHeader())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", w.Code, w.Body.String())
	}

	req := ts.proxy.lastRequest()
	if req == nil {
		t.Fatal("proxy never called")
	}
	if req.KeyID != "key-1" || req.Path != "/v1/responses" {
		t.Errorf("request = %+v", req)
	}
	if got := gjson.GetBytes(req.Body, "model").String(); got != "gpt-5.3-codex" {
		t.Errorf("model = %q, want override", got)
	}
	if got := gjson.GetBytes(req.Body, "reasoning.effort").String(); got != "xhigh" {
		t.Errorf("reasoning.effort = %q, want canonical xhigh", got)
	}
	if req.Model != "gpt-5.3-codex" || req.ReasoningEffort != "xhigh" {
		t.Errorf("log fields = %q/%q", req.Model, req.ReasoningEffort)
	}
}

func TestGateway_ModelsPathNormalized(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.seedKey(t, &gateway.APIKey{ID: "key-1"})

	w := ts.do(http.MethodGet, "/v1/models", "", authHeader())
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	req := ts.proxy.lastRequest()
	if req == nil || req.Path != "/v1/models?client_version=0.98.0" {
		t.Errorf("path = %+v", req)
	}
}

func TestGateway_AnthropicAdaptError(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.seedKey(t, &gateway.APIKey{ID: "key-1", ProtocolType: gateway.ProtocolAnthropicNative})

	body := `{"messages":[{"role":"tool","content":"x"}]}`
	w := ts.do(http.MethodPost, "/v1/messages", body, authHeader())
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body %q", w.Code, w.Body.String())
	}
}

func TestGateway_GetRPCFallsThroughToGateway(t *testing.T) {
	t.Parallel()

	// Only POST /rpc is control plane; a GET lands on the data path, which
	// demands a platform key.
	ts := newTestServer(t)
	w := ts.do(http.MethodGet, "/rpc", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 from gateway auth", w.Code)
	}
}
