package server

import (
	"fmt"
	"html"
	"log/slog"
	"net/http"
)

// handleCallback finishes a browser-driven OAuth login: the authorization
// server redirects here with state and code, and the flow exchanges them for
// tokens. The response is a minimal HTML page the user can close.
func (s *server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		writeCallbackPage(w, http.StatusBadRequest, "Login failed", "Missing code or state parameter.")
		return
	}

	accountID, err := s.deps.Flow.CompleteOAuth(r.Context(), state, code, "")
	if err != nil {
		s.deps.Logger.LogAttrs(r.Context(), slog.LevelWarn, "login callback failed",
			slog.String("error", err.Error()))
		writeCallbackPage(w, http.StatusBadRequest, "Login failed", err.Error())
		return
	}

	s.deps.Logger.LogAttrs(r.Context(), slog.LevelInfo, "login completed",
		slog.String("account_id", accountID))
	writeCallbackPage(w, http.StatusOK, "Login complete", "You can close this window.")
}

func writeCallbackPage(w http.ResponseWriter, status int, title, detail string) {
	title, detail = html.EscapeString(title), html.EscapeString(detail)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!doctype html>
<html>
<head><title>%s</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4em;">
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`, title, title, detail)
}
