// Package authflow runs the account login flows: browser OAuth with PKCE
// and the device grant for headless hosts. Completed logins upsert the
// account and token rows the gateway data path reads.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	gateway "github.com/gpttools/gpttools/internal"
)

// Store is the storage subset the login flow needs.
type Store interface {
	UpsertAccount(ctx context.Context, a *gateway.Account) error
	UpsertToken(ctx context.Context, t *gateway.Token) error
	CreateLoginSession(ctx context.Context, s *gateway.LoginSession) error
	GetLoginSession(ctx context.Context, id string) (*gateway.LoginSession, error)
	GetLoginSessionByState(ctx context.Context, state string) (*gateway.LoginSession, error)
	UpdateLoginSession(ctx context.Context, s *gateway.LoginSession) error
	AppendEvent(ctx context.Context, e *gateway.Event) error
}

// StartOptions carries operator-supplied metadata stamped on the account
// once the login completes.
type StartOptions struct {
	Note        string
	Tags        string
	GroupName   string
	WorkspaceID string
}

// Flow drives login sessions against one identity provider.
type Flow struct {
	store       Store
	logger      *slog.Logger
	issuer      string
	clientID    string
	redirectURI string
	client      *http.Client
}

// New returns a Flow. client may be nil for http.DefaultClient.
func New(store Store, logger *slog.Logger, issuer, clientID, redirectURI string, client *http.Client) *Flow {
	if client == nil {
		client = http.DefaultClient
	}
	return &Flow{
		store:       store,
		logger:      logger,
		issuer:      strings.TrimSuffix(issuer, "/"),
		clientID:    clientID,
		redirectURI: redirectURI,
		client:      client,
	}
}

func (f *Flow) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: f.clientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:       f.issuer + "/oauth/authorize",
			TokenURL:      f.issuer + "/oauth/token",
			DeviceAuthURL: f.issuer + "/oauth/device/code",
		},
		RedirectURL: redirectURI,
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
	}
}

func (f *Flow) httpCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, f.client)
}

// StartOAuth creates a pending login session and returns it with the
// authorize URL filled in.
func (f *Flow) StartOAuth(ctx context.Context, opts StartOptions) (*gateway.LoginSession, error) {
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	now := time.Now().UTC()

	sess := &gateway.LoginSession{
		ID:           uuid.NewString(),
		Kind:         gateway.LoginKindOAuth,
		State:        state,
		PKCEVerifier: verifier,
		RedirectURI:  f.redirectURI,
		Status:       gateway.LoginStatusPending,
		Note:         opts.Note,
		Tags:         opts.Tags,
		GroupName:    opts.GroupName,
		WorkspaceID:  opts.WorkspaceID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	sess.AuthURL = f.oauthConfig(f.redirectURI).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier))

	if err := f.store.CreateLoginSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create login session: %w", err)
	}
	return sess, nil
}

// CompleteOAuth exchanges the authorization code for tokens and finalizes
// the session. Returns the account id the login produced.
func (f *Flow) CompleteOAuth(ctx context.Context, state, code, redirectURI string) (string, error) {
	sess, err := f.store.GetLoginSessionByState(ctx, state)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return "", fmt.Errorf("unknown login state")
		}
		return "", err
	}
	if sess.Status != gateway.LoginStatusPending {
		return "", fmt.Errorf("login session already %s", sess.Status)
	}

	redirect := redirectURI
	if redirect == "" {
		redirect = sess.RedirectURI
	}
	tok, err := f.oauthConfig(redirect).Exchange(f.httpCtx(ctx), code,
		oauth2.VerifierOption(sess.PKCEVerifier))
	if err != nil {
		f.failSession(ctx, sess, fmt.Sprintf("code exchange: %v", err))
		return "", fmt.Errorf("code exchange: %w", err)
	}

	return f.finalize(ctx, sess, tok)
}

// StartDevice begins a device-grant login and returns the session with
// user_code and verification_uri for the operator to act on.
func (f *Flow) StartDevice(ctx context.Context, opts StartOptions) (*gateway.LoginSession, error) {
	da, err := f.oauthConfig("").DeviceAuth(f.httpCtx(ctx),
		oauth2.SetAuthURLParam("scope", "openid profile email offline_access"))
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}

	now := time.Now().UTC()
	sess := &gateway.LoginSession{
		ID:              uuid.NewString(),
		Kind:            gateway.LoginKindDevice,
		State:           uuid.NewString(),
		DeviceCode:      da.DeviceCode,
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
		AuthURL:         da.VerificationURIComplete,
		Status:          gateway.LoginStatusPending,
		Note:            opts.Note,
		Tags:            opts.Tags,
		GroupName:       opts.GroupName,
		WorkspaceID:     opts.WorkspaceID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := f.store.CreateLoginSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create login session: %w", err)
	}
	return sess, nil
}

// Status reloads a login session; pending device sessions get one token
// poll per call, so the status RPC doubles as the polling driver.
func (f *Flow) Status(ctx context.Context, loginID string) (*gateway.LoginSession, error) {
	sess, err := f.store.GetLoginSession(ctx, loginID)
	if err != nil {
		return nil, err
	}
	if sess.Kind == gateway.LoginKindDevice && sess.Status == gateway.LoginStatusPending {
		if err := f.pollDevice(ctx, sess); err != nil {
			f.logger.LogAttrs(ctx, slog.LevelWarn, "device poll failed",
				slog.String("login_id", loginID), slog.Any("error", err))
		}
	}
	return sess, nil
}

// pollDevice performs a single device-grant token request. Pending and
// slow_down responses leave the session untouched.
func (f *Flow) pollDevice(ctx context.Context, sess *gateway.LoginSession) error {
	form := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {sess.DeviceCode},
		"client_id":   {f.clientID},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		f.issuer+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		switch gjson.GetBytes(body, "error").String() {
		case "authorization_pending", "slow_down":
			return nil
		case "expired_token", "access_denied":
			f.failSession(ctx, sess, gjson.GetBytes(body, "error").String())
			return nil
		default:
			return fmt.Errorf("device token status %d", resp.StatusCode)
		}
	}

	tok := &oauth2.Token{
		AccessToken:  gjson.GetBytes(body, "access_token").String(),
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
	}
	tok = tok.WithExtra(map[string]any{"id_token": gjson.GetBytes(body, "id_token").String()})
	_, err = f.finalize(ctx, sess, tok)
	return err
}

// finalize upserts the account and token rows from a completed grant and
// marks the session complete.
func (f *Flow) finalize(ctx context.Context, sess *gateway.LoginSession, tok *oauth2.Token) (string, error) {
	idToken, _ := tok.Extra("id_token").(string)
	claims, err := ParseIDClaims(idToken)
	if err != nil {
		f.failSession(ctx, sess, fmt.Sprintf("parse id_token: %v", err))
		return "", fmt.Errorf("parse id_token: %w", err)
	}

	accountID := claims.ChatGPTAccountID
	if accountID == "" {
		accountID = uuid.NewString()
	}
	workspaceID := sess.WorkspaceID
	if workspaceID == "" {
		workspaceID = claims.OrganizationID
	}

	now := time.Now().UTC()
	account := &gateway.Account{
		ID:               accountID,
		Label:            claims.Email,
		Issuer:           f.issuer,
		ChatGPTAccountID: claims.ChatGPTAccountID,
		WorkspaceID:      workspaceID,
		WorkspaceName:    claims.WorkspaceName,
		Note:             sess.Note,
		Tags:             sess.Tags,
		GroupName:        sess.GroupName,
		Status:           gateway.StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := f.store.UpsertAccount(ctx, account); err != nil {
		return "", fmt.Errorf("upsert account: %w", err)
	}
	if err := f.store.UpsertToken(ctx, &gateway.Token{
		AccountID:    accountID,
		IDToken:      idToken,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		LastRefresh:  now,
	}); err != nil {
		return "", fmt.Errorf("upsert token: %w", err)
	}

	sess.Status = gateway.LoginStatusComplete
	sess.AccountID = accountID
	sess.UpdatedAt = now
	if err := f.store.UpdateLoginSession(ctx, sess); err != nil {
		return "", fmt.Errorf("update login session: %w", err)
	}

	if err := f.store.AppendEvent(ctx, &gateway.Event{
		AccountID: accountID,
		Type:      "login",
		Message:   "login completed via " + sess.Kind,
		CreatedAt: now,
	}); err != nil {
		f.logger.LogAttrs(ctx, slog.LevelWarn, "append login event failed",
			slog.String("account_id", accountID), slog.Any("error", err))
	}

	f.logger.LogAttrs(ctx, slog.LevelInfo, "login completed",
		slog.String("account_id", accountID),
		slog.String("kind", sess.Kind))
	return accountID, nil
}

func (f *Flow) failSession(ctx context.Context, sess *gateway.LoginSession, msg string) {
	sess.Status = gateway.LoginStatusFailed
	sess.Error = msg
	sess.UpdatedAt = time.Now().UTC()
	if err := f.store.UpdateLoginSession(ctx, sess); err != nil {
		f.logger.LogAttrs(ctx, slog.LevelWarn, "mark login session failed",
			slog.String("login_id", sess.ID), slog.Any("error", err))
	}
}
