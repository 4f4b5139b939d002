package authflow

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// IdentityClaims is the subset of id_token claims the gateway records on a
// new account.
type IdentityClaims struct {
	Email            string
	ChatGPTAccountID string
	OrganizationID   string
	WorkspaceName    string
	PlanType         string
}

// ParseIDClaims decodes an id_token payload without verifying its
// signature. The token was just obtained over TLS from the issuer; the
// gateway only mines it for account metadata.
func ParseIDClaims(idToken string) (*IdentityClaims, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("id_token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode id_token payload: %w", err)
	}
	root := gjson.ParseBytes(payload)

	claims := &IdentityClaims{Email: root.Get("email").String()}
	if auth := root.Get(`https://api\.openai\.com/auth`); auth.Exists() {
		claims.ChatGPTAccountID = auth.Get("chatgpt_account_id").String()
		claims.OrganizationID = auth.Get("organization_id").String()
		claims.WorkspaceName = auth.Get("organization_title").String()
		claims.PlanType = auth.Get("chatgpt_plan_type").String()
	}
	return claims, nil
}
