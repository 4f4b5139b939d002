// Package rewrite normalizes client request paths and computes the upstream
// URLs the gateway proxies to. It also applies the per-key model and
// reasoning-effort overrides to JSON request bodies.
package rewrite

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultModelsClientVersion is appended to /v1/models requests that carry
// no client_version query parameter; the upstream rejects bare model lists.
const DefaultModelsClientVersion = "0.98.0"

// codexBackendPath is the path prefix of the ChatGPT codex backend.
const codexBackendPath = "/backend-api/codex"

// openAIFallbackBase is the public API base used as a last-resort retry
// target when the codex backend rejects a request.
const openAIFallbackBase = "https://api.openai.com/v1"

// NormalizeModelsPath appends client_version to /v1/models requests that do
// not already carry one (any case). All other paths pass through unchanged.
// The function is idempotent.
func NormalizeModelsPath(path string) string {
	if path != "/v1/models" && !strings.HasPrefix(path, "/v1/models?") {
		return path
	}
	if _, query, ok := strings.Cut(path, "?"); ok {
		for _, part := range strings.Split(query, "&") {
			key, _, _ := strings.Cut(part, "=")
			if strings.EqualFold(key, "client_version") {
				return path
			}
		}
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "client_version=" + DefaultModelsClientVersion
}

// ComputeUpstreamURL joins the upstream base with the request path. On the
// codex backend, /v1/models is served without the /v1 prefix, so the primary
// URL strips it and the alternate keeps it; alt is empty otherwise. A base
// already ending in /v1 absorbs the path's /v1 prefix rather than doubling it.
func ComputeUpstreamURL(base, path string) (primary, alt string) {
	if strings.HasSuffix(base, codexBackendPath) && isModelsPath(path) {
		return base + strings.TrimPrefix(path, "/v1"), base + path
	}
	if strings.HasSuffix(base, "/v1") && strings.HasPrefix(path, "/v1/") {
		return base + strings.TrimPrefix(path, "/v1"), ""
	}
	return base + path, ""
}

func isModelsPath(path string) bool {
	return path == "/v1/models" || strings.HasPrefix(path, "/v1/models?")
}

// NormalizeBaseURL trims trailing slashes and suffixes the codex backend
// path onto bare ChatGPT-family hosts. Bases already pointing at a backend
// path, and unrelated hosts, pass through unchanged.
func NormalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return base
	}
	rest := base
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	host, path, _ := strings.Cut(rest, "/")
	if path != "" {
		return base
	}
	if isChatGPTHost(host) {
		return base + codexBackendPath
	}
	return base
}

// isChatGPTHost reports whether the host belongs to the ChatGPT web family,
// which serves the API under /backend-api/codex rather than at the root.
func isChatGPTHost(host string) bool {
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	for _, known := range []string{"chatgpt.com", "chat.openai.com"} {
		if host == known || strings.HasSuffix(host, "."+known) {
			return true
		}
	}
	return false
}

// OpenAIFallbackBase returns the public API base to retry against when the
// primary base is the codex backend, or "" when no fallback applies.
func OpenAIFallbackBase(base string) string {
	if strings.HasSuffix(base, codexBackendPath) {
		return openAIFallbackBase
	}
	return ""
}

// ShouldTryOpenAIFallback reports whether a failed upstream call may be
// retried against the public API base. Model listings are codex-only, and an
// HTML response suggests a challenge page that would follow the account, not
// the URL.
func ShouldTryOpenAIFallback(base, path, contentType string) bool {
	if !strings.HasSuffix(base, codexBackendPath) {
		return false
	}
	if isModelsPath(path) {
		return false
	}
	return !IsHTMLContentType(contentType)
}

// IsHTMLContentType reports whether a Content-Type header value denotes an
// HTML document.
func IsHTMLContentType(value string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(value)), "text/html")
}

// NormalizeReasoningEffort maps a reasoning-effort token to its canonical
// form. Separators (-, _, space) are insignificant: extra_high, extra-high
// and xhigh all canonicalize to xhigh. Unknown tokens return "".
func NormalizeReasoningEffort(value string) string {
	collapsed := strings.ToLower(strings.TrimSpace(value))
	collapsed = strings.NewReplacer("-", "", "_", "", " ", "").Replace(collapsed)
	switch collapsed {
	case "none":
		return "none"
	case "minimal":
		return "minimal"
	case "low":
		return "low"
	case "medium":
		return "medium"
	case "high":
		return "high"
	case "xhigh", "extrahigh":
		return "xhigh"
	default:
		return ""
	}
}

// ApplyOverrides rewrites the model and reasoning-effort fields of a JSON
// request body. Non-JSON bodies and model listings are returned unchanged;
// an unset override leaves its field alone. The reasoning override is
// written to the nested reasoning.effort field after canonicalization.
func ApplyOverrides(path string, body []byte, model, reasoningEffort string) []byte {
	if len(body) == 0 || isModelsPath(path) {
		return body
	}
	if !gjson.ValidBytes(body) {
		return body
	}
	if model != "" {
		if updated, err := sjson.SetBytes(body, "model", model); err == nil {
			body = updated
		}
	}
	if reasoningEffort != "" {
		if canonical := NormalizeReasoningEffort(reasoningEffort); canonical != "" {
			if updated, err := sjson.SetBytes(body, "reasoning.effort", canonical); err == nil {
				body = updated
			}
		}
	}
	return body
}

// RequestModel extracts the model slug from a JSON request body, or "".
func RequestModel(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return strings.TrimSpace(gjson.GetBytes(body, "model").String())
}

// RequestReasoningEffort extracts the reasoning effort from a JSON request
// body, accepting both the nested reasoning.effort field and the flat
// reasoning_effort alias.
func RequestReasoningEffort(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if v := strings.TrimSpace(gjson.GetBytes(body, "reasoning.effort").String()); v != "" {
		return v
	}
	return strings.TrimSpace(gjson.GetBytes(body, "reasoning_effort").String())
}

// RequestStream reports whether the JSON request body asks for a streamed
// response.
func RequestStream(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	return gjson.GetBytes(body, "stream").Bool()
}
