package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/gpttools/gpttools/internal"
)

// apiError is the JSON error envelope returned for gateway-originated
// failures (auth, adaptation). Upstream errors are relayed untouched.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrKeyDisabled):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, gateway.ErrNoCandidates):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
