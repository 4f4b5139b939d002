package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// upstreamMsg is one input item in the upstream responses request.
type upstreamMsg struct {
	Type    string            `json:"type"`
	Role    string            `json:"role"`
	Content []upstreamContent `json:"content"`
}

type upstreamContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type upstreamRequest struct {
	Model        string        `json:"model,omitempty"`
	Instructions string        `json:"instructions,omitempty"`
	Input        []upstreamMsg `json:"input"`
	Stream       bool          `json:"stream,omitempty"`
	Store        bool          `json:"store"`
}

// adaptAnthropicRequest converts an Anthropic Messages API request into the
// upstream responses form. The mapping is intentionally minimal: system
// becomes instructions, message content blocks are flattened to text, and
// tool plumbing is not translated.
func adaptAnthropicRequest(path string, body []byte) (string, []byte, ResponseMode, error) {
	if !gjson.ValidBytes(body) {
		return "", nil, Passthrough, fmt.Errorf("request body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	out := upstreamRequest{
		Model:  root.Get("model").String(),
		Stream: root.Get("stream").Bool(),
	}
	out.Instructions = flattenContent(root.Get("system"))

	msgs := root.Get("messages")
	if !msgs.IsArray() {
		return "", nil, Passthrough, fmt.Errorf("messages must be an array")
	}
	var convErr error
	msgs.ForEach(func(_, m gjson.Result) bool {
		role := m.Get("role").String()
		if role != "user" && role != "assistant" {
			convErr = fmt.Errorf("unsupported message role %q", role)
			return false
		}
		text := flattenContent(m.Get("content"))
		kind := "input_text"
		if role == "assistant" {
			kind = "output_text"
		}
		out.Input = append(out.Input, upstreamMsg{
			Type: "message",
			Role: role,
			Content: []upstreamContent{
				{Type: kind, Text: text},
			},
		})
		return true
	})
	if convErr != nil {
		return "", nil, Passthrough, convErr
	}

	newBody, err := json.Marshal(&out)
	if err != nil {
		return "", nil, Passthrough, fmt.Errorf("encode upstream request: %w", err)
	}

	newPath := path
	if strings.HasSuffix(strings.TrimSuffix(path, "/"), "/messages") {
		newPath = strings.TrimSuffix(strings.TrimSuffix(path, "/"), "/messages") + "/responses"
	}

	mode := AnthropicJSON
	if out.Stream {
		mode = AnthropicSSE
	}
	return newPath, newBody, mode, nil
}

// flattenContent reduces an Anthropic content value (string or array of
// blocks) to plain text. Non-text blocks are skipped.
func flattenContent(v gjson.Result) string {
	if !v.Exists() {
		return ""
	}
	if v.Type == gjson.String {
		return v.String()
	}
	var sb strings.Builder
	v.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
		return true
	})
	return sb.String()
}

// anthropicMessage is the Anthropic Messages API response body.
type anthropicMessage struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Model      string           `json:"model,omitempty"`
	Content    []upstreamContent `json:"content"`
	StopReason string           `json:"stop_reason,omitempty"`
	Usage      *anthropicUsage  `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// adaptAnthropicJSONResponse converts a buffered upstream JSON response to
// an Anthropic message object. Error bodies pass through re-shaped so the
// client always sees Anthropic-style JSON.
func adaptAnthropicJSONResponse(_ string, body []byte) ([]byte, string, error) {
	if !gjson.ValidBytes(body) {
		return nil, "", fmt.Errorf("upstream body is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	if errObj := root.Get("error"); errObj.Exists() && errObj.Get("message").Exists() {
		return ErrorBody(errObj.Get("message").String()), "application/json", nil
	}

	msg := anthropicMessage{
		ID:    root.Get("id").String(),
		Type:  "message",
		Role:  "assistant",
		Model: root.Get("model").String(),
	}

	text := collectOutputText(root)
	msg.Content = []upstreamContent{{Type: "text", Text: text}}
	msg.StopReason = mapStopReason(root)

	if u := root.Get("usage"); u.Exists() {
		msg.Usage = &anthropicUsage{
			InputTokens:  u.Get("input_tokens").Int(),
			OutputTokens: u.Get("output_tokens").Int(),
		}
	}

	out, err := json.Marshal(&msg)
	if err != nil {
		return nil, "", fmt.Errorf("encode anthropic message: %w", err)
	}
	return out, "application/json", nil
}

// collectOutputText gathers assistant text from either a responses-style
// output array or a chat-completions choices array.
func collectOutputText(root gjson.Result) string {
	var sb strings.Builder
	if out := root.Get("output"); out.IsArray() {
		out.ForEach(func(_, item gjson.Result) bool {
			if item.Get("type").String() != "message" {
				return true
			}
			item.Get("content").ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "output_text" {
					sb.WriteString(block.Get("text").String())
				}
				return true
			})
			return true
		})
		return sb.String()
	}
	return root.Get("choices.0.message.content").String()
}

func mapStopReason(root gjson.Result) string {
	switch root.Get("status").String() {
	case "completed":
		return "end_turn"
	case "incomplete":
		return "max_tokens"
	}
	switch root.Get("choices.0.finish_reason").String() {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	}
	return "end_turn"
}

// adaptAnthropicSSEResponse converts a buffered upstream SSE stream into
// Anthropic-shaped SSE events: message_start, one text content block with
// deltas, message_delta with the stop reason, message_stop.
func adaptAnthropicSSEResponse(contentType string, body []byte) ([]byte, string, error) {
	// Non-SSE bodies (typically JSON errors) go through the JSON path so
	// the client still gets an Anthropic-shaped payload.
	if !strings.Contains(strings.ToLower(contentType), "text/event-stream") {
		out, ct, err := adaptAnthropicJSONResponse(contentType, body)
		return out, ct, err
	}

	var (
		buf        bytes.Buffer
		msgID      string
		model      string
		stopReason = "end_turn"
		started    bool
		outputTok  int64
	)

	writeEvent := func(event string, data any) error {
		payload, err := json.Marshal(data)
		if err != nil {
			return err
		}
		fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", event, payload)
		return nil
	}

	start := func() error {
		started = true
		if err := writeEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": msgID, "type": "message", "role": "assistant",
				"model": model, "content": []any{},
			},
		}); err != nil {
			return err
		}
		return writeEvent("content_block_start", map[string]any{
			"type": "content_block_start", "index": 0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
	}

	sc := newSSEScanner(bytes.NewReader(body))
	var eventType string
	for sc.Scan() {
		event, data, ok := parseSSELine(sc.Text())
		if !ok {
			continue
		}
		if event != "" {
			eventType = event
			continue
		}
		if data == "" || data == "[DONE]" {
			continue
		}
		parsed := gjson.Parse(data)
		kind := eventType
		if kind == "" {
			kind = parsed.Get("type").String()
		}
		switch kind {
		case "response.created":
			msgID = parsed.Get("response.id").String()
			model = parsed.Get("response.model").String()
		case "response.output_text.delta":
			if !started {
				if err := start(); err != nil {
					return nil, "", err
				}
			}
			if err := writeEvent("content_block_delta", map[string]any{
				"type": "content_block_delta", "index": 0,
				"delta": map[string]any{
					"type": "text_delta",
					"text": parsed.Get("delta").String(),
				},
			}); err != nil {
				return nil, "", err
			}
		case "response.completed":
			outputTok = parsed.Get("response.usage.output_tokens").Int()
			if parsed.Get("response.status").String() == "incomplete" {
				stopReason = "max_tokens"
			}
		case "response.failed", "error":
			msg := parsed.Get("response.error.message").String()
			if msg == "" {
				msg = parsed.Get("error.message").String()
			}
			if msg == "" {
				msg = "upstream stream failed"
			}
			return ErrorBody(msg), "application/json", nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, "", fmt.Errorf("scan upstream stream: %w", err)
	}

	if !started {
		if err := start(); err != nil {
			return nil, "", err
		}
	}
	if err := writeEvent("content_block_stop", map[string]any{
		"type": "content_block_stop", "index": 0,
	}); err != nil {
		return nil, "", err
	}
	if err := writeEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason},
		"usage": map[string]any{"output_tokens": outputTok},
	}); err != nil {
		return nil, "", err
	}
	if err := writeEvent("message_stop", map[string]any{"type": "message_stop"}); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), "text/event-stream", nil
}
