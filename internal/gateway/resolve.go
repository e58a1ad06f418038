// ABOUTME: HTTP handler for return-link resolution at GET /r/{token}
// ABOUTME: Maps resolver outcomes to distinct statuses and issues a session reattach token

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/copp1723/CCL-sub003/internal/auth"
	"github.com/copp1723/CCL-sub003/internal/token"
)

// ResolveResponse is the JSON response for GET /r/{token}.
type ResolveResponse struct {
	SessionID    string `json:"session_id"`
	VisitorID    string `json:"visitor_id"`
	Resumed      bool   `json:"resumed"`
	SessionToken string `json:"session_token,omitempty"`
}

// ErrorResponse is the JSON body for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleResolve consumes a single-use return token and reattaches the visitor
// to a chat session. Expired links are a distinct outcome from invalid ones so
// the caller can offer a fresh link rather than a dead end.
func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")

	res, err := g.resolver.Resolve(r.Context(), tok)
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		writeJSON(w, http.StatusGone, ErrorResponse{Error: "link expired"})
		return
	case errors.Is(err, token.ErrTokenNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "link invalid"})
		return
	case err != nil:
		g.logger.Error("resolving return token", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}

	resp := ResolveResponse{
		SessionID: res.SessionID,
		VisitorID: res.VisitorID,
		Resumed:   res.Resumed,
	}
	if g.sessions != nil {
		st, err := g.sessions.Issue(auth.SessionClaims{SessionID: res.SessionID, VisitorID: res.VisitorID})
		if err != nil {
			g.logger.Error("issuing session token", "error", err, "session_id", res.SessionID)
			writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
			return
		}
		resp.SessionToken = st
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
