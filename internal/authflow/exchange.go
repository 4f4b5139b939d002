package authflow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/gpttools/gpttools/internal/broker"
)

// TokenExchanger implements broker.Exchanger against the identity
// provider's token endpoint.
type TokenExchanger struct {
	Client *http.Client
}

func (e *TokenExchanger) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}

// ObtainAPIKey runs the token-exchange grant that mints the API-key access
// token sent upstream as the bearer.
func (e *TokenExchanger) ObtainAPIKey(ctx context.Context, issuer, clientID, idToken string) (string, error) {
	if strings.TrimSpace(idToken) == "" {
		return "", fmt.Errorf("token exchange: empty id_token")
	}
	form := url.Values{
		"grant_type":         {"urn:ietf:params:oauth:grant-type:token-exchange"},
		"client_id":          {clientID},
		"requested_token":    {"openai-api-key"},
		"subject_token":      {idToken},
		"subject_token_type": {"urn:ietf:params:oauth:token-type:id_token"},
	}
	body, err := e.postForm(ctx, issuer, form)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", fmt.Errorf("token exchange: response missing access_token")
	}
	return token, nil
}

// RefreshAccessToken redeems a refresh_token for a rotated token tuple.
func (e *TokenExchanger) RefreshAccessToken(ctx context.Context, issuer, clientID, refreshToken string) (*broker.RefreshResult, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
		"scope":         {"openid profile email"},
	}
	body, err := e.postForm(ctx, issuer, form)
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	res := &broker.RefreshResult{
		IDToken:      gjson.GetBytes(body, "id_token").String(),
		AccessToken:  gjson.GetBytes(body, "access_token").String(),
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
	}
	if res.AccessToken == "" && res.IDToken == "" {
		return nil, fmt.Errorf("token refresh: response missing tokens")
	}
	return res, nil
}

func (e *TokenExchanger) postForm(ctx context.Context, issuer string, form url.Values) ([]byte, error) {
	endpoint := strings.TrimSuffix(issuer, "/") + "/oauth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(body)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, snippet)
	}
	return body, nil
}
