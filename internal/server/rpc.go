package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/gpttools/gpttools/internal"
	"github.com/gpttools/gpttools/internal/authflow"
)

// rpcRequest is the JSON-RPC-over-HTTP envelope: {id, method, params?}.
type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result"`
}

type okResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func ok() okResult { return okResult{OK: true} }

func failed(err error) okResult { return okResult{OK: false, Error: err.Error()} }

// handleRPC decodes the envelope and dispatches on method. Unknown methods
// answer {"error":"unknown_method"} with HTTP 200; only a malformed envelope
// is a transport-level error.
func (s *server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	// Control-plane payloads are tiny; cap the body read.
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid rpc request"))
		return
	}
	result := s.dispatch(r.Context(), req.Method, req.Params)
	writeJSON(w, http.StatusOK, rpcResponse{ID: req.ID, Result: result})
}

func (s *server) dispatch(ctx context.Context, method string, params json.RawMessage) any {
	p := gjson.ParseBytes(params)
	switch method {
	case "initialize":
		return s.rpcInitialize(ctx)
	case "account/list":
		return s.rpcAccountList(ctx)
	case "account/delete":
		return s.rpcAccountDelete(ctx, p.Get("accountId").String())
	case "account/update":
		return s.rpcAccountUpdate(ctx, p.Get("accountId").String(), p.Get("sort").Int())
	case "account/login/start":
		return s.rpcLoginStart(ctx, p)
	case "account/login/status":
		return s.rpcLoginStatus(ctx, p.Get("loginId").String())
	case "account/login/complete":
		return s.rpcLoginComplete(ctx, p)
	case "account/usage/read":
		return s.rpcUsageRead(ctx, p.Get("accountId").String())
	case "account/usage/list":
		return s.rpcUsageList(ctx)
	case "account/usage/refresh":
		return s.rpcUsageRefresh(ctx, p.Get("accountId").String())
	case "apikey/list":
		return s.rpcKeyList(ctx)
	case "apikey/create":
		return s.rpcKeyCreate(ctx, p)
	case "apikey/delete":
		return s.rpcKeyDelete(ctx, p.Get("id").String())
	case "apikey/disable":
		return s.rpcKeyStatus(ctx, p.Get("id").String(), gateway.KeyStatusInactive)
	case "apikey/enable":
		return s.rpcKeyStatus(ctx, p.Get("id").String(), gateway.KeyStatusActive)
	case "apikey/models":
		return modelOptions()
	case "apikey/updateModel":
		return s.rpcKeyUpdateModel(ctx, p)
	case "requestlog/list":
		return s.rpcRequestLogList(ctx, p.Get("query").String(), int(p.Get("limit").Int()))
	case "requestlog/clear":
		return s.rpcRequestLogClear(ctx)
	default:
		return map[string]string{"error": "unknown_method"}
	}
}

// --- service ---

type initializeResult struct {
	ServerName string `json:"serverName"`
	Version    string `json:"version"`
}

func (s *server) rpcInitialize(ctx context.Context) any {
	if err := s.deps.Store.AppendEvent(ctx, &gateway.Event{
		Type:    "initialize",
		Message: "service initialized",
	}); err != nil {
		s.deps.Logger.LogAttrs(ctx, slog.LevelWarn, "initialize event append failed",
			slog.String("error", err.Error()))
	}
	return initializeResult{ServerName: "gpttools", Version: s.deps.Version}
}

// --- accounts ---

type usageSummary struct {
	UsedPercent            *float64 `json:"usedPercent,omitempty"`
	WindowMinutes          *int64   `json:"windowMinutes,omitempty"`
	ResetsAt               *int64   `json:"resetsAt,omitempty"`
	SecondaryUsedPercent   *float64 `json:"secondaryUsedPercent,omitempty"`
	SecondaryWindowMinutes *int64   `json:"secondaryWindowMinutes,omitempty"`
	SecondaryResetsAt      *int64   `json:"secondaryResetsAt,omitempty"`
	CapturedAt             string   `json:"capturedAt"`
}

func usageSummaryOf(snap *gateway.UsageSnapshot) *usageSummary {
	if snap == nil {
		return nil
	}
	return &usageSummary{
		UsedPercent:            snap.UsedPercent,
		WindowMinutes:          snap.WindowMinutes,
		ResetsAt:               snap.ResetsAt,
		SecondaryUsedPercent:   snap.SecondaryUsedPercent,
		SecondaryWindowMinutes: snap.SecondaryWindowMinutes,
		SecondaryResetsAt:      snap.SecondaryResetsAt,
		CapturedAt:             snap.CapturedAt.UTC().Format(time.RFC3339),
	}
}

type accountItem struct {
	ID               string        `json:"id"`
	Label            string        `json:"label,omitempty"`
	ChatGPTAccountID string        `json:"chatgptAccountId,omitempty"`
	WorkspaceID      string        `json:"workspaceId,omitempty"`
	WorkspaceName    string        `json:"workspaceName,omitempty"`
	Note             string        `json:"note,omitempty"`
	Tags             string        `json:"tags,omitempty"`
	GroupName        string        `json:"groupName,omitempty"`
	Sort             int64         `json:"sort"`
	Status           string        `json:"status"`
	CreatedAt        string        `json:"createdAt"`
	UpdatedAt        string        `json:"updatedAt"`
	Usage            *usageSummary `json:"usage,omitempty"`
}

type accountListResult struct {
	Items []accountItem `json:"items"`
}

func (s *server) rpcAccountList(ctx context.Context) any {
	accounts, err := s.deps.Store.ListAccounts(ctx)
	if err != nil {
		return failed(err)
	}
	snaps, err := s.deps.Store.LatestUsageSnapshots(ctx)
	if err != nil {
		return failed(err)
	}
	items := make([]accountItem, 0, len(accounts))
	for _, a := range accounts {
		items = append(items, accountItem{
			ID:               a.ID,
			Label:            a.Label,
			ChatGPTAccountID: a.ChatGPTAccountID,
			WorkspaceID:      a.WorkspaceID,
			WorkspaceName:    a.WorkspaceName,
			Note:             a.Note,
			Tags:             a.Tags,
			GroupName:        a.GroupName,
			Sort:             a.Sort,
			Status:           a.Status,
			CreatedAt:        a.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:        a.UpdatedAt.UTC().Format(time.RFC3339),
			Usage:            usageSummaryOf(snaps[a.ID]),
		})
	}
	return accountListResult{Items: items}
}

func (s *server) rpcAccountDelete(ctx context.Context, accountID string) any {
	if err := s.deps.Store.DeleteAccount(ctx, accountID); err != nil {
		return failed(err)
	}
	return ok()
}

func (s *server) rpcAccountUpdate(ctx context.Context, accountID string, sort int64) any {
	if err := s.deps.Store.UpdateAccountSort(ctx, accountID, sort); err != nil {
		return failed(err)
	}
	if err := s.deps.Store.AppendEvent(ctx, &gateway.Event{
		AccountID: accountID,
		Type:      "update",
		Message:   "sort changed",
	}); err != nil {
		s.deps.Logger.LogAttrs(ctx, slog.LevelWarn, "event append failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()))
	}
	return ok()
}

// --- login ---

type deviceInfo struct {
	UserCode        string `json:"userCode"`
	VerificationURI string `json:"verificationUri"`
}

type loginStartResult struct {
	LoginID string      `json:"loginId"`
	AuthURL string      `json:"authUrl,omitempty"`
	Device  *deviceInfo `json:"device,omitempty"`
}

type loginStatusResult struct {
	Status    string `json:"status"`
	AccountID string `json:"accountId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *server) rpcLoginStart(ctx context.Context, p gjson.Result) any {
	opts := authflow.StartOptions{
		Note:        p.Get("note").String(),
		Tags:        p.Get("tags").String(),
		GroupName:   p.Get("groupName").String(),
		WorkspaceID: strings.TrimSpace(p.Get("workspaceId").String()),
	}
	var (
		sess *gateway.LoginSession
		err  error
	)
	if p.Get("type").String() == gateway.LoginKindDevice {
		sess, err = s.deps.Flow.StartDevice(ctx, opts)
	} else {
		sess, err = s.deps.Flow.StartOAuth(ctx, opts)
	}
	if err != nil {
		return failed(err)
	}
	result := loginStartResult{LoginID: sess.ID, AuthURL: sess.AuthURL}
	if sess.Kind == gateway.LoginKindDevice {
		result.Device = &deviceInfo{
			UserCode:        sess.UserCode,
			VerificationURI: sess.VerificationURI,
		}
	}
	return result
}

func (s *server) rpcLoginStatus(ctx context.Context, loginID string) any {
	sess, err := s.deps.Flow.Status(ctx, loginID)
	if err != nil {
		return failed(err)
	}
	return loginStatusResult{
		Status:    sess.Status,
		AccountID: sess.AccountID,
		Error:     sess.Error,
	}
}

type loginCompleteResult struct {
	OK        bool   `json:"ok"`
	AccountID string `json:"accountId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *server) rpcLoginComplete(ctx context.Context, p gjson.Result) any {
	state := p.Get("state").String()
	code := p.Get("code").String()
	if state == "" || code == "" {
		return loginCompleteResult{OK: false, Error: "missing code/state"}
	}
	accountID, err := s.deps.Flow.CompleteOAuth(ctx, state, code, p.Get("redirectUri").String())
	if err != nil {
		return loginCompleteResult{OK: false, Error: err.Error()}
	}
	return loginCompleteResult{OK: true, AccountID: accountID}
}

// --- usage ---

type usageReadResult struct {
	Snapshot *usageSummary `json:"snapshot"`
}

type usageListItem struct {
	AccountID string        `json:"accountId"`
	Snapshot  *usageSummary `json:"snapshot"`
}

type usageListResult struct {
	Items []usageListItem `json:"items"`
}

// rpcUsageRead probes the account's usage endpoint and returns the freshly
// persisted snapshot.
func (s *server) rpcUsageRead(ctx context.Context, accountID string) any {
	snap, err := s.refreshAccount(ctx, accountID)
	if err != nil {
		return failed(err)
	}
	return usageReadResult{Snapshot: usageSummaryOf(snap)}
}

func (s *server) rpcUsageList(ctx context.Context) any {
	snaps, err := s.deps.Store.LatestUsageSnapshots(ctx)
	if err != nil {
		return failed(err)
	}
	items := make([]usageListItem, 0, len(snaps))
	for accountID, snap := range snaps {
		items = append(items, usageListItem{AccountID: accountID, Snapshot: usageSummaryOf(snap)})
	}
	return usageListResult{Items: items}
}

// rpcUsageRefresh probes one account, or all accounts when accountId is
// absent. Per-account failures do not stop the sweep; the first is reported.
func (s *server) rpcUsageRefresh(ctx context.Context, accountID string) any {
	if accountID != "" {
		if _, err := s.refreshAccount(ctx, accountID); err != nil {
			return failed(err)
		}
		return ok()
	}
	accounts, err := s.deps.Store.ListAccounts(ctx)
	if err != nil {
		return failed(err)
	}
	var firstErr error
	for _, a := range accounts {
		if _, err := s.refreshAccount(ctx, a.ID); err != nil {
			s.deps.Logger.LogAttrs(ctx, slog.LevelWarn, "usage refresh failed",
				slog.String("account_id", a.ID),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return failed(firstErr)
	}
	return ok()
}

func (s *server) refreshAccount(ctx context.Context, accountID string) (*gateway.UsageSnapshot, error) {
	account, err := s.deps.Store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	token, err := s.deps.Store.GetToken(ctx, accountID)
	if err != nil {
		return nil, err
	}
	bearer, err := s.deps.Bearers.ResolveBearer(ctx, account, token)
	if err != nil {
		return nil, err
	}
	return s.deps.Usage.Refresh(ctx, account, bearer)
}

// --- platform keys ---

type keyItem struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	ModelSlug       string `json:"modelSlug,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	ClientType      string `json:"clientType,omitempty"`
	ProtocolType    string `json:"protocolType,omitempty"`
	AuthScheme      string `json:"authScheme,omitempty"`
	UpstreamBaseURL string `json:"upstreamBaseUrl,omitempty"`
	Status          string `json:"status"`
	CreatedAt       string `json:"createdAt"`
	LastUsedAt      string `json:"lastUsedAt,omitempty"`
}

type keyListResult struct {
	Items []keyItem `json:"items"`
}

func (s *server) rpcKeyList(ctx context.Context) any {
	keys, err := s.deps.Store.ListKeys(ctx)
	if err != nil {
		return failed(err)
	}
	items := make([]keyItem, 0, len(keys))
	for _, k := range keys {
		item := keyItem{
			ID:              k.ID,
			Name:            k.Name,
			ModelSlug:       k.ModelSlug,
			ReasoningEffort: k.ReasoningEffort,
			ClientType:      k.ClientType,
			ProtocolType:    k.ProtocolType,
			AuthScheme:      k.AuthScheme,
			UpstreamBaseURL: k.UpstreamBaseURL,
			Status:          k.Status,
			CreatedAt:       k.CreatedAt.UTC().Format(time.RFC3339),
		}
		if k.LastUsedAt != nil {
			item.LastUsedAt = k.LastUsedAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	return keyListResult{Items: items}
}

type keyCreateResult struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// rpcKeyCreate mints a platform key. The cleartext is returned exactly once;
// only its hash is stored.
func (s *server) rpcKeyCreate(ctx context.Context, p gjson.Result) any {
	raw, err := generatePlatformKey()
	if err != nil {
		return failed(err)
	}
	protocol := p.Get("protocolType").String()
	if protocol == "" {
		protocol = gateway.ProtocolOpenAICompat
	}
	key := &gateway.APIKey{
		ID:              uuid.Must(uuid.NewV7()).String(),
		Name:            p.Get("name").String(),
		KeyHash:         gateway.HashKey(raw),
		Status:          gateway.KeyStatusActive,
		ModelSlug:       p.Get("modelSlug").String(),
		ReasoningEffort: p.Get("reasoningEffort").String(),
		ClientType:      gateway.ClientTypeCodex,
		ProtocolType:    protocol,
		AuthScheme:      gateway.AuthSchemeBearer,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.deps.Store.CreateKey(ctx, key); err != nil {
		return failed(err)
	}
	return keyCreateResult{ID: key.ID, Key: raw}
}

func (s *server) rpcKeyDelete(ctx context.Context, id string) any {
	if err := s.deps.Store.DeleteKey(ctx, id); err != nil {
		return failed(err)
	}
	s.invalidateKey(id)
	return ok()
}

func (s *server) rpcKeyStatus(ctx context.Context, id, status string) any {
	if err := s.deps.Store.UpdateKeyStatus(ctx, id, status); err != nil {
		return failed(err)
	}
	s.invalidateKey(id)
	return ok()
}

func (s *server) rpcKeyUpdateModel(ctx context.Context, p gjson.Result) any {
	id := p.Get("id").String()
	if err := s.deps.Store.UpdateKeyModel(ctx, id,
		p.Get("modelSlug").String(), p.Get("reasoningEffort").String()); err != nil {
		return failed(err)
	}
	s.invalidateKey(id)
	return ok()
}

func (s *server) invalidateKey(id string) {
	if s.deps.KeyCache != nil {
		s.deps.KeyCache.InvalidateByKeyID(id)
	}
}

type modelOptionsResult struct {
	Models           []string `json:"models"`
	ReasoningEfforts []string `json:"reasoningEfforts"`
}

func modelOptions() modelOptionsResult {
	return modelOptionsResult{
		Models: []string{
			"gpt-5.3-codex",
			"gpt-5.2-codex",
			"gpt-5.2",
			"gpt-5.1-codex-max",
		},
		ReasoningEfforts: []string{"none", "minimal", "low", "medium", "high", "xhigh"},
	}
}

// --- request logs ---

type requestLogItem struct {
	ID              int64  `json:"id"`
	KeyID           string `json:"keyId,omitempty"`
	Path            string `json:"path"`
	Method          string `json:"method"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	UpstreamURL     string `json:"upstreamUrl,omitempty"`
	Status          int    `json:"status"`
	Error           string `json:"error,omitempty"`
	CreatedAt       string `json:"createdAt"`
}

type requestLogListResult struct {
	Items []requestLogItem `json:"items"`
}

func (s *server) rpcRequestLogList(ctx context.Context, query string, limit int) any {
	rows, err := s.deps.Store.ListRequestLogs(ctx, query, limit)
	if err != nil {
		return failed(err)
	}
	items := make([]requestLogItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, requestLogItem{
			ID:              row.ID,
			KeyID:           row.KeyID,
			Path:            row.Path,
			Method:          row.Method,
			Model:           row.Model,
			ReasoningEffort: row.ReasoningEffort,
			UpstreamURL:     row.UpstreamURL,
			Status:          row.Status,
			Error:           row.Error,
			CreatedAt:       row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return requestLogListResult{Items: items}
}

func (s *server) rpcRequestLogClear(ctx context.Context) any {
	if err := s.deps.Store.ClearRequestLogs(ctx); err != nil {
		return failed(err)
	}
	return ok()
}

// generatePlatformKey mints the cleartext key: the gptk_ prefix plus 48 hex
// characters of CSPRNG output.
func generatePlatformKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return gateway.APIKeyPrefix + hex.EncodeToString(buf), nil
}
