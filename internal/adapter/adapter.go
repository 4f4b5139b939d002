// Package adapter rewrites request and response bodies between client
// protocols and the native upstream protocol. Adapters are keyed by the
// platform key's protocol_type; unknown types pass through untouched.
package adapter

import (
	"fmt"
	"sync"

	gateway "github.com/gpttools/gpttools/internal"
)

// ResponseMode selects how the upstream response is relayed back to the
// client.
type ResponseMode int

const (
	// Passthrough streams status, headers, and body verbatim.
	Passthrough ResponseMode = iota
	// AnthropicJSON buffers the body and converts it to an Anthropic
	// message object.
	AnthropicJSON
	// AnthropicSSE buffers the body and converts the upstream SSE stream
	// to Anthropic-shaped events.
	AnthropicSSE
)

func (m ResponseMode) String() string {
	switch m {
	case AnthropicJSON:
		return "anthropic_json"
	case AnthropicSSE:
		return "anthropic_sse"
	default:
		return "passthrough"
	}
}

// Buffered reports whether the response body must be fully read before
// relaying. Passthrough responses are piped instead.
func (m ResponseMode) Buffered() bool { return m != Passthrough }

// RequestFunc rewrites (path, body) for one client protocol and picks the
// response mode for the attempt.
type RequestFunc func(path string, body []byte) (string, []byte, ResponseMode, error)

// ResponseFunc converts a buffered upstream body, returning the new body
// and its content type.
type ResponseFunc func(contentType string, body []byte) ([]byte, string, error)

var (
	mu       sync.RWMutex
	requests = map[string]RequestFunc{
		gateway.ProtocolAnthropicNative: adaptAnthropicRequest,
	}
	responses = map[ResponseMode]ResponseFunc{
		AnthropicJSON: adaptAnthropicJSONResponse,
		AnthropicSSE:  adaptAnthropicSSEResponse,
	}
)

// Register installs a request adapter for a protocol type. Existing
// entries are replaced.
func Register(protocolType string, fn RequestFunc) {
	mu.Lock()
	defer mu.Unlock()
	requests[protocolType] = fn
}

// AdaptRequest rewrites the request for the given protocol type. Protocols
// without a registered adapter (including the empty string and
// openai_compat) pass through with the Passthrough response mode.
func AdaptRequest(protocolType, path string, body []byte) (string, []byte, ResponseMode, error) {
	mu.RLock()
	fn := requests[protocolType]
	mu.RUnlock()
	if fn == nil {
		return path, body, Passthrough, nil
	}
	return fn(path, body)
}

// AdaptResponse converts a buffered upstream body according to mode.
// Passthrough returns the input unchanged.
func AdaptResponse(mode ResponseMode, contentType string, body []byte) ([]byte, string, error) {
	mu.RLock()
	fn := responses[mode]
	mu.RUnlock()
	if fn == nil {
		return body, contentType, nil
	}
	return fn(contentType, body)
}

// ErrorBody builds an Anthropic-shaped error JSON for conversion failures.
func ErrorBody(msg string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"error","error":{"type":"api_error","message":%q}}`, msg))
}
