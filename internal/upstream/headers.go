package upstream

import (
	"net/http"
	"strings"

	gateway "github.com/gpttools/gpttools/internal"
)

// DefaultUserAgent is stamped on upstream requests whose client sent none.
const DefaultUserAgent = "codex-cli"

// dropHeaders are never forwarded upstream: credentials are replaced with
// the account's, and length/host are recomputed by the transport.
var dropHeaders = map[string]struct{}{
	"authorization":      {},
	"x-api-key":          {},
	"host":               {},
	"content-length":     {},
	"chatgpt-account-id": {},
}

// dropPrefixes removes SDK fingerprint headers.
var dropPrefixes = []string{"anthropic-", "x-stainless-"}

// affinityHeaders pin a conversation to one upstream account. They are
// forwarded on the first attempt and dropped once the request fails over
// to a different account.
var affinityHeaders = map[string]struct{}{
	"session_id":         {},
	"x-codex-turn-state": {},
}

// HeaderInput describes one upstream attempt's header construction.
type HeaderInput struct {
	Incoming             http.Header
	Bearer               string
	Account              *gateway.Account
	Cookie               string
	StripSessionAffinity bool
}

// BuildHeaders constructs the outbound header set from the profile.
func BuildHeaders(in HeaderInput) http.Header {
	out := make(http.Header, len(in.Incoming)+4)

	for name, values := range in.Incoming {
		if dropHeader(name, in.StripSessionAffinity) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}

	if out.Get("User-Agent") == "" {
		out.Set("User-Agent", DefaultUserAgent)
	}
	out.Set("Authorization", "Bearer "+in.Bearer)
	if in.Account != nil {
		if id := in.Account.UpstreamAccountID(); id != "" {
			out.Set("ChatGPT-Account-Id", id)
		}
	}
	if in.Cookie != "" {
		out.Set("Cookie", in.Cookie)
	}
	return out
}

func dropHeader(name string, stripAffinity bool) bool {
	lower := strings.ToLower(name)
	if _, ok := dropHeaders[lower]; ok {
		return true
	}
	for _, p := range dropPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	if stripAffinity {
		if _, ok := affinityHeaders[lower]; ok {
			return true
		}
	}
	return false
}
