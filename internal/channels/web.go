package channels

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/halcyonsites/frontdesk/internal/cards"
	. "github.com/halcyonsites/frontdesk/internal/logging"
	"github.com/halcyonsites/frontdesk/internal/types"
)

// WebAdapter handles the synchronous web chat API.
type WebAdapter struct {
	runner TurnRunner
}

// NewWebAdapter creates the web chat adapter.
func NewWebAdapter(runner TurnRunner) *WebAdapter {
	return &WebAdapter{runner: runner}
}

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID string          `json:"sessionId"`
	Reply     string          `json:"reply"`
	Card      json.RawMessage `json:"card,omitempty"`
}

// HandleChat handles POST /api/chat. The client supplies a session id to
// continue a conversation, or omits it to start a new one. Card blocks are
// parsed out of the reply and returned separately for the client to render.
func (a *WebAdapter) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		L_warn("web: invalid request body", "error", err)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "Empty message", http.StatusBadRequest)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
		L_debug("web: new session", "session", sessionID)
	}

	result, err := a.runner.RunTurn(r.Context(), sessionID, types.ChannelWeb, req.Message)
	if err != nil {
		L_error("web: turn failed", "session", sessionID, "error", err)
		// The orchestrator still supplies a fallback reply; fall through.
	}

	plain, card := cards.Extract(result.ReplyText)

	resp := chatResponse{
		SessionID: sessionID,
		Reply:     plain,
	}
	if card != nil {
		resp.Card = card.Payload
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		L_error("web: failed to write response", "error", err)
	}
}
