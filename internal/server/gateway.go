package server

import (
	"io"
	"net/http"

	gateway "github.com/gpttools/gpttools/internal"
	"github.com/gpttools/gpttools/internal/adapter"
	"github.com/gpttools/gpttools/internal/auth"
	"github.com/gpttools/gpttools/internal/proxy"
	"github.com/gpttools/gpttools/internal/rewrite"
)

// allowedMethods are the HTTP methods forwarded upstream; anything else is
// rejected before the candidate loop runs.
var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodHead:    {},
	http.MethodOptions: {},
}

// maxRequestBody bounds buffered request bodies. Chat payloads run to a few
// megabytes of context at most.
const maxRequestBody = 32 << 20

// handleGateway is the data path: validate the platform key, adapt the
// request for the key's protocol, apply overrides, and hand off to the
// failover controller.
func (s *server) handleGateway(w http.ResponseWriter, r *http.Request) {
	key, err := s.deps.Auth.Authenticate(r.Context(), r)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	ctx := gateway.ContextWithKey(r.Context(), key)

	if _, ok := allowedMethods[r.Method]; !ok {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse(gateway.ErrMethodNotAllowed.Error()))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("read request body"))
		return
	}

	path, body, mode, err := adapter.AdaptRequest(key.ProtocolType, r.URL.RequestURI(), body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	path = rewrite.NormalizeModelsPath(path)

	ov := auth.EffectiveOverrides(key)
	body = rewrite.ApplyOverrides(path, body, ov.Model, ov.ReasoningEffort)

	s.deps.Proxy.Serve(ctx, w, &proxy.Request{
		KeyID:           key.ID,
		Method:          r.Method,
		Path:            path,
		Body:            body,
		Header:          r.Header,
		Model:           rewrite.RequestModel(body),
		ReasoningEffort: rewrite.RequestReasoningEffort(body),
		Mode:            mode,
	})
}
