package upstream

import (
	"net/http"
	"testing"

	gateway "github.com/gpttools/gpttools/internal"
)

func incomingHeaders() http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer gptk_client_key")
	h.Set("x-api-key", "gptk_client_key")
	h.Set("ChatGPT-Account-Id", "spoofed")
	h.Set("Content-Length", "42")
	h.Set("Content-Type", "application/json")
	h.Set("anthropic-version", "2023-06-01")
	h.Set("X-Stainless-Lang", "go")
	h.Set("session_id", "sess-1")
	h.Set("x-codex-turn-state", "turn-1")
	h.Set("Accept", "text/event-stream")
	return h
}

func TestBuildHeaders_DropSet(t *testing.T) {
	t.Parallel()

	out := BuildHeaders(HeaderInput{
		Incoming: incomingHeaders(),
		Bearer:   "upstream-bearer",
		Account:  &gateway.Account{ID: "acc-1", ChatGPTAccountID: "upstream-acct"},
	})

	if got := out.Get("Authorization"); got != "Bearer upstream-bearer" {
		t.Errorf("Authorization = %q", got)
	}
	for _, name := range []string{"x-api-key", "Content-Length", "anthropic-version", "X-Stainless-Lang"} {
		if out.Get(name) != "" {
			t.Errorf("%s should be dropped, got %q", name, out.Get(name))
		}
	}
	if got := out.Get("ChatGPT-Account-Id"); got != "upstream-acct" {
		t.Errorf("ChatGPT-Account-Id = %q, want account's, not client's", got)
	}
	if got := out.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, should be kept", got)
	}
	if got := out.Get("Accept"); got != "text/event-stream" {
		t.Errorf("Accept = %q, should be kept", got)
	}
}

func TestBuildHeaders_SessionAffinity(t *testing.T) {
	t.Parallel()

	// First attempt keeps conversational affinity headers.
	out := BuildHeaders(HeaderInput{
		Incoming: incomingHeaders(),
		Bearer:   "b",
		Account:  &gateway.Account{ID: "acc-1"},
	})
	if out.Get("session_id") != "sess-1" || out.Get("x-codex-turn-state") != "turn-1" {
		t.Errorf("affinity headers should survive the first attempt: %v", out)
	}

	// Failover attempts drop them.
	out = BuildHeaders(HeaderInput{
		Incoming:             incomingHeaders(),
		Bearer:               "b",
		Account:              &gateway.Account{ID: "acc-2"},
		StripSessionAffinity: true,
	})
	if out.Get("session_id") != "" || out.Get("x-codex-turn-state") != "" {
		t.Errorf("affinity headers should be dropped on failover: %v", out)
	}
}

func TestBuildHeaders_DefaultUserAgent(t *testing.T) {
	t.Parallel()

	out := BuildHeaders(HeaderInput{
		Incoming: make(http.Header),
		Bearer:   "b",
	})
	if got := out.Get("User-Agent"); got != DefaultUserAgent {
		t.Errorf("User-Agent = %q, want %q", got, DefaultUserAgent)
	}

	h := make(http.Header)
	h.Set("User-Agent", "my-client/1.0")
	out = BuildHeaders(HeaderInput{Incoming: h, Bearer: "b"})
	if got := out.Get("User-Agent"); got != "my-client/1.0" {
		t.Errorf("User-Agent = %q, client value should win", got)
	}
}

func TestBuildHeaders_AccountIDFallsBackToWorkspace(t *testing.T) {
	t.Parallel()

	out := BuildHeaders(HeaderInput{
		Incoming: make(http.Header),
		Bearer:   "b",
		Account:  &gateway.Account{ID: "acc-1", WorkspaceID: "ws-9"},
	})
	if got := out.Get("ChatGPT-Account-Id"); got != "ws-9" {
		t.Errorf("ChatGPT-Account-Id = %q, want workspace fallback", got)
	}

	out = BuildHeaders(HeaderInput{
		Incoming: make(http.Header),
		Bearer:   "b",
		Account:  &gateway.Account{ID: "acc-1"},
	})
	if out.Get("ChatGPT-Account-Id") != "" {
		t.Error("ChatGPT-Account-Id should be absent when account has neither id")
	}
}

func TestBuildHeaders_Cookie(t *testing.T) {
	t.Parallel()

	out := BuildHeaders(HeaderInput{
		Incoming: make(http.Header),
		Bearer:   "b",
		Cookie:   "cf_clearance=xyz",
	})
	if got := out.Get("Cookie"); got != "cf_clearance=xyz" {
		t.Errorf("Cookie = %q", got)
	}
}
