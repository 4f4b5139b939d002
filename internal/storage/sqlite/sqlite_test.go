package sqlite

import (
	"context"
	"testing"
	"time"

	gateway "github.com/gpttools/gpttools/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(id string) *gateway.Account {
	now := time.Now().UTC().Truncate(time.Second)
	return &gateway.Account{
		ID:        id,
		Label:     "acct " + id,
		Status:    gateway.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestAccountRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	acc := testAccount("acc-1")
	acc.ChatGPTAccountID = "upstream-1"
	acc.WorkspaceID = "ws-1"
	acc.Tags = "team-a"

	if err := s.UpsertAccount(ctx, acc); err != nil {
		t.Fatal("upsert:", err)
	}

	got, err := s.GetAccount(ctx, "acc-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.Label != acc.Label {
		t.Errorf("label = %q, want %q", got.Label, acc.Label)
	}
	if got.ChatGPTAccountID != "upstream-1" {
		t.Errorf("chatgpt_account_id = %q, want %q", got.ChatGPTAccountID, "upstream-1")
	}
	if got.Status != gateway.StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}

	// Upsert replaces in place
	acc.Note = "updated"
	if err := s.UpsertAccount(ctx, acc); err != nil {
		t.Fatal("re-upsert:", err)
	}
	got, _ = s.GetAccount(ctx, "acc-1")
	if got.Note != "updated" {
		t.Errorf("note = %q, want %q", got.Note, "updated")
	}

	if err := s.UpdateAccountStatus(ctx, "acc-1", gateway.StatusInactive); err != nil {
		t.Fatal("update status:", err)
	}
	got, _ = s.GetAccount(ctx, "acc-1")
	if got.Status != gateway.StatusInactive {
		t.Errorf("status = %q, want inactive", got.Status)
	}

	if err := s.UpdateAccountSort(ctx, "acc-1", 5); err != nil {
		t.Fatal("update sort:", err)
	}
	got, _ = s.GetAccount(ctx, "acc-1")
	if got.Sort != 5 {
		t.Errorf("sort = %d, want 5", got.Sort)
	}

	if err := s.UpdateAccountStatus(ctx, "missing", gateway.StatusActive); err != gateway.ErrNotFound {
		t.Errorf("update missing err = %v, want ErrNotFound", err)
	}
}

func TestAccountListOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"acc-c", "acc-a", "acc-b"} {
		acc := testAccount(id)
		acc.Sort = int64(2 - i) // acc-c=2, acc-a=1, acc-b=0
		if err := s.UpsertAccount(ctx, acc); err != nil {
			t.Fatal("upsert:", err)
		}
	}

	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("list count = %d, want 3", len(accounts))
	}
	want := []string{"acc-b", "acc-a", "acc-c"}
	for i, acc := range accounts {
		if acc.ID != want[i] {
			t.Errorf("accounts[%d] = %q, want %q", i, acc.ID, want[i])
		}
	}
}

func TestAccountDeleteCascades(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertAccount(ctx, testAccount("acc-1")); err != nil {
		t.Fatal("upsert account:", err)
	}
	tok := &gateway.Token{
		AccountID:    "acc-1",
		AccessToken:  "at",
		RefreshToken: "rt",
		LastRefresh:  time.Now().UTC(),
	}
	if err := s.UpsertToken(ctx, tok); err != nil {
		t.Fatal("upsert token:", err)
	}
	used := 12.5
	snap := &gateway.UsageSnapshot{
		AccountID:   "acc-1",
		UsedPercent: &used,
		CapturedAt:  time.Now().UTC(),
	}
	if err := s.InsertUsageSnapshot(ctx, snap); err != nil {
		t.Fatal("insert usage:", err)
	}
	ev := &gateway.Event{AccountID: "acc-1", Type: "status_change", Message: "cooldown", CreatedAt: time.Now().UTC()}
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatal("append event:", err)
	}

	if err := s.DeleteAccount(ctx, "acc-1"); err != nil {
		t.Fatal("delete:", err)
	}

	if _, err := s.GetAccount(ctx, "acc-1"); err != gateway.ErrNotFound {
		t.Errorf("account err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetToken(ctx, "acc-1"); err != gateway.ErrNotFound {
		t.Errorf("token err = %v, want ErrNotFound", err)
	}
	if _, err := s.LatestUsageSnapshot(ctx, "acc-1"); err != gateway.ErrNotFound {
		t.Errorf("usage err = %v, want ErrNotFound", err)
	}
	events, err := s.ListEvents(ctx, "acc-1", 0)
	if err != nil {
		t.Fatal("list events:", err)
	}
	if len(events) != 0 {
		t.Errorf("events count = %d, want 0", len(events))
	}
}

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertAccount(ctx, testAccount("acc-1")); err != nil {
		t.Fatal("upsert account:", err)
	}

	tok := &gateway.Token{
		AccountID:    "acc-1",
		IDToken:      "idt",
		AccessToken:  "at",
		RefreshToken: "rt",
		LastRefresh:  time.Now().UTC().Truncate(time.Second),
	}
	if err := s.UpsertToken(ctx, tok); err != nil {
		t.Fatal("upsert:", err)
	}

	got, err := s.GetToken(ctx, "acc-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.AccessToken != "at" || got.RefreshToken != "rt" {
		t.Errorf("token = %+v, want at/rt", got)
	}
	if got.APIKeyAccessToken != "" {
		t.Errorf("api_key_access_token = %q, want empty", got.APIKeyAccessToken)
	}

	// Replace with a derived bearer
	tok.APIKeyAccessToken = "derived"
	if err := s.UpsertToken(ctx, tok); err != nil {
		t.Fatal("re-upsert:", err)
	}
	got, _ = s.GetToken(ctx, "acc-1")
	if got.APIKeyAccessToken != "derived" {
		t.Errorf("api_key_access_token = %q, want %q", got.APIKeyAccessToken, "derived")
	}

	tokens, err := s.ListTokens(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(tokens) != 1 {
		t.Fatalf("list count = %d, want 1", len(tokens))
	}
}

func TestLatestUsageSnapshotTieBreak(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertAccount(ctx, testAccount("acc-1")); err != nil {
		t.Fatal("upsert account:", err)
	}

	captured := time.Now().UTC().Truncate(time.Second)
	first, second := 10.0, 20.0
	if err := s.InsertUsageSnapshot(ctx, &gateway.UsageSnapshot{
		AccountID: "acc-1", UsedPercent: &first, CapturedAt: captured,
	}); err != nil {
		t.Fatal("insert first:", err)
	}
	// Same captured_at: the later row id must win.
	if err := s.InsertUsageSnapshot(ctx, &gateway.UsageSnapshot{
		AccountID: "acc-1", UsedPercent: &second, CapturedAt: captured,
	}); err != nil {
		t.Fatal("insert second:", err)
	}

	got, err := s.LatestUsageSnapshot(ctx, "acc-1")
	if err != nil {
		t.Fatal("latest:", err)
	}
	if got.UsedPercent == nil || *got.UsedPercent != 20.0 {
		t.Errorf("used_percent = %v, want 20.0", got.UsedPercent)
	}

	latest, err := s.LatestUsageSnapshots(ctx)
	if err != nil {
		t.Fatal("latest map:", err)
	}
	snap, ok := latest["acc-1"]
	if !ok {
		t.Fatal("missing acc-1 in latest map")
	}
	if snap.UsedPercent == nil || *snap.UsedPercent != 20.0 {
		t.Errorf("map used_percent = %v, want 20.0", snap.UsedPercent)
	}
}

func TestLatestUsageSnapshotsPerAccount(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"acc-1", "acc-2"} {
		if err := s.UpsertAccount(ctx, testAccount(id)); err != nil {
			t.Fatal("upsert account:", err)
		}
	}

	old := time.Now().UTC().Add(-time.Hour)
	recent := time.Now().UTC()
	stale, fresh := 90.0, 30.0
	if err := s.InsertUsageSnapshot(ctx, &gateway.UsageSnapshot{
		AccountID: "acc-1", UsedPercent: &stale, CapturedAt: old,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertUsageSnapshot(ctx, &gateway.UsageSnapshot{
		AccountID: "acc-1", UsedPercent: &fresh, CapturedAt: recent,
	}); err != nil {
		t.Fatal(err)
	}
	secondary := 55.0
	if err := s.InsertUsageSnapshot(ctx, &gateway.UsageSnapshot{
		AccountID: "acc-2", SecondaryUsedPercent: &secondary, CapturedAt: recent,
	}); err != nil {
		t.Fatal(err)
	}

	latest, err := s.LatestUsageSnapshots(ctx)
	if err != nil {
		t.Fatal("latest:", err)
	}
	if len(latest) != 2 {
		t.Fatalf("latest count = %d, want 2", len(latest))
	}
	if got := latest["acc-1"]; got.UsedPercent == nil || *got.UsedPercent != 30.0 {
		t.Errorf("acc-1 used_percent = %v, want 30.0", got.UsedPercent)
	}
	got2 := latest["acc-2"]
	if got2.UsedPercent != nil {
		t.Errorf("acc-2 used_percent = %v, want nil", got2.UsedPercent)
	}
	if got2.SecondaryUsedPercent == nil || *got2.SecondaryUsedPercent != 55.0 {
		t.Errorf("acc-2 secondary = %v, want 55.0", got2.SecondaryUsedPercent)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	key := &gateway.APIKey{
		ID:         "key-1",
		Name:       "laptop",
		KeyHash:    "abc123hash",
		Status:     gateway.KeyStatusActive,
		ClientType: gateway.ClientTypeCodex,
		AuthScheme: gateway.AuthSchemeBearer,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}

	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetKeyByHash(ctx, "abc123hash")
	if err != nil {
		t.Fatal("get by hash:", err)
	}
	if got.ID != "key-1" || got.Name != "laptop" {
		t.Errorf("got = %+v, want key-1/laptop", got)
	}

	if err := s.UpdateKeyModel(ctx, "key-1", "gpt-5.3-codex", "xhigh"); err != nil {
		t.Fatal("update model:", err)
	}
	got, _ = s.GetKey(ctx, "key-1")
	if got.ModelSlug != "gpt-5.3-codex" || got.ReasoningEffort != "xhigh" {
		t.Errorf("overrides = %q/%q, want gpt-5.3-codex/xhigh", got.ModelSlug, got.ReasoningEffort)
	}

	if err := s.UpdateKeyStatus(ctx, "key-1", gateway.KeyStatusInactive); err != nil {
		t.Fatal("disable:", err)
	}
	got, _ = s.GetKey(ctx, "key-1")
	if got.Status != gateway.KeyStatusInactive {
		t.Errorf("status = %q, want inactive", got.Status)
	}

	if err := s.TouchKeyUsed(ctx, "key-1"); err != nil {
		t.Fatal("touch:", err)
	}
	got, _ = s.GetKey(ctx, "key-1")
	if got.LastUsedAt == nil {
		t.Error("last_used_at should be set after touch")
	}

	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 1 {
		t.Fatalf("list count = %d, want 1", len(keys))
	}

	if err := s.DeleteKey(ctx, "key-1"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetKeyByHash(ctx, "abc123hash"); err != gateway.ErrNotFound {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestLoginSessionRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	sess := &gateway.LoginSession{
		ID:           "login-1",
		Kind:         gateway.LoginKindOAuth,
		State:        "state-xyz",
		PKCEVerifier: "verifier",
		RedirectURI:  "http://127.0.0.1:8787/auth/callback",
		Status:       gateway.LoginStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.CreateLoginSession(ctx, sess); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetLoginSessionByState(ctx, "state-xyz")
	if err != nil {
		t.Fatal("get by state:", err)
	}
	if got.ID != "login-1" || got.PKCEVerifier != "verifier" {
		t.Errorf("got = %+v, want login-1/verifier", got)
	}

	sess.Status = gateway.LoginStatusComplete
	sess.AccountID = "acc-1"
	sess.UpdatedAt = now.Add(time.Minute)
	if err := s.UpdateLoginSession(ctx, sess); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.GetLoginSession(ctx, "login-1")
	if got.Status != gateway.LoginStatusComplete || got.AccountID != "acc-1" {
		t.Errorf("after update = %+v, want complete/acc-1", got)
	}

	if _, err := s.GetLoginSession(ctx, "missing"); err != gateway.ErrNotFound {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
}

func TestRequestLogFilterAndClear(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	logs := []*gateway.RequestLog{
		{Path: "/v1/responses", Method: "POST", Model: "gpt-5.3-codex", Status: 200, CreatedAt: time.Now().UTC()},
		{Path: "/v1/models", Method: "GET", Status: 200, CreatedAt: time.Now().UTC()},
		{Path: "/v1/responses", Method: "POST", Status: 503, Error: "no available account", CreatedAt: time.Now().UTC()},
	}
	for _, l := range logs {
		if err := s.AppendRequestLog(ctx, l); err != nil {
			t.Fatal("append:", err)
		}
	}

	all, err := s.ListRequestLogs(ctx, "", 0)
	if err != nil {
		t.Fatal("list all:", err)
	}
	if len(all) != 3 {
		t.Fatalf("all count = %d, want 3", len(all))
	}
	// Newest first
	if all[0].Status != 503 {
		t.Errorf("first status = %d, want 503", all[0].Status)
	}

	byModel, err := s.ListRequestLogs(ctx, "codex", 0)
	if err != nil {
		t.Fatal("list by model:", err)
	}
	if len(byModel) != 1 {
		t.Fatalf("model filter count = %d, want 1", len(byModel))
	}

	byError, err := s.ListRequestLogs(ctx, "available", 0)
	if err != nil {
		t.Fatal("list by error:", err)
	}
	if len(byError) != 1 {
		t.Fatalf("error filter count = %d, want 1", len(byError))
	}

	limited, err := s.ListRequestLogs(ctx, "", 2)
	if err != nil {
		t.Fatal("list limited:", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited count = %d, want 2", len(limited))
	}

	if err := s.ClearRequestLogs(ctx); err != nil {
		t.Fatal("clear:", err)
	}
	all, _ = s.ListRequestLogs(ctx, "", 0)
	if len(all) != 0 {
		t.Errorf("after clear count = %d, want 0", len(all))
	}
}
