package channels

import (
	"fmt"
	"net/http"
	"strings"

	. "github.com/halcyonsites/frontdesk/internal/logging"
	"github.com/halcyonsites/frontdesk/internal/types"
)

// VoiceAdapter handles IVR-style voice calls: the telephony provider posts a
// webhook per call event, speech-to-text results become turns, and the
// response document tells the provider to keep listening or hang up.
type VoiceAdapter struct {
	runner  TurnRunner
	handoff string // Number read out when the agent gives up
}

// NewVoiceAdapter creates the voice webhook adapter.
func NewVoiceAdapter(runner TurnRunner, handoff string) *VoiceAdapter {
	return &VoiceAdapter{runner: runner, handoff: handoff}
}

// Sign-off language that ends the call. Checked case-insensitively against
// the assistant's reply, not the caller's words: the agent decides when the
// conversation is done.
var terminalPhrases = []string{
	"goodbye",
	"good bye",
	"have a great day",
	"have a good day",
	"thanks for calling",
	"thank you for calling",
	"take care",
}

// HandleCallStart handles POST /webhook/voice: the initial call event.
// Greets the caller and opens the first speech gather.
func (a *VoiceAdapter) HandleCallStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	callID := r.PostFormValue("CallSid")
	if callID == "" {
		http.Error(w, "Missing CallSid", http.StatusBadRequest)
		return
	}
	L_info("voice: call started", "call", callID, "from", r.PostFormValue("From"))

	a.writeGather(w, "Hi, thanks for calling! How can I help you today?")
}

// HandleTurn handles POST /webhook/voice/turn: one speech-to-text result.
// The reply is spoken back; terminal sign-off language in the reply hangs
// the call up instead of gathering again.
func (a *VoiceAdapter) HandleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	callID := r.PostFormValue("CallSid")
	speech := strings.TrimSpace(r.PostFormValue("SpeechResult"))
	if callID == "" {
		http.Error(w, "Missing CallSid", http.StatusBadRequest)
		return
	}
	if speech == "" {
		// Silence or unrecognized speech. Re-prompt rather than running a
		// turn on empty input.
		a.writeGather(w, "Sorry, I didn't catch that. Could you say it again?")
		return
	}

	result, err := a.runner.RunTurn(r.Context(), callID, types.ChannelVoice, speech)
	if err != nil {
		L_error("voice: turn failed", "call", callID, "error", err)
	}

	reply := result.ReplyText
	if reply == "" {
		reply = "I'm sorry, something went wrong on my end."
		if a.handoff != "" {
			reply += " Please call " + a.handoff + " and someone will help you."
		}
	}

	if IsTerminalReply(reply) {
		L_info("voice: ending call on sign-off", "call", callID)
		a.writeHangup(w, reply)
		return
	}
	a.writeGather(w, reply)
}

// IsTerminalReply reports whether the assistant's reply contains sign-off
// language that should end the call.
func IsTerminalReply(reply string) bool {
	lower := strings.ToLower(reply)
	for _, phrase := range terminalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// writeGather speaks text and keeps listening for the caller's next turn.
func (a *VoiceAdapter) writeGather(w http.ResponseWriter, say string) {
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprintf(w,
		`<Response><Gather input="speech" action="/webhook/voice/turn" method="POST" speechTimeout="auto"><Say>%s</Say></Gather><Redirect method="POST">/webhook/voice/turn</Redirect></Response>`,
		xmlEscape(say))
}

// writeHangup speaks text and ends the call.
func (a *VoiceAdapter) writeHangup(w http.ResponseWriter, say string) {
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprintf(w, `<Response><Say>%s</Say><Hangup/></Response>`, xmlEscape(say))
}
