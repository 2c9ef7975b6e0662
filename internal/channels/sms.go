package channels

import (
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	. "github.com/halcyonsites/frontdesk/internal/logging"
	"github.com/halcyonsites/frontdesk/internal/types"
)

// DefaultSMSMaxLength caps outbound replies at two SMS segments.
const DefaultSMSMaxLength = 320

// SMSAdapter handles inbound SMS webhooks. Each inbound message is one turn;
// the conversation is keyed by the normalized sender number so a customer
// texting over several hours stays in one thread.
type SMSAdapter struct {
	runner    TurnRunner
	maxLength int
}

// NewSMSAdapter creates the SMS adapter.
func NewSMSAdapter(runner TurnRunner, maxLength int) *SMSAdapter {
	if maxLength <= 0 {
		maxLength = DefaultSMSMaxLength
	}
	return &SMSAdapter{runner: runner, maxLength: maxLength}
}

// HandleInbound handles POST /webhook/sms with form-encoded From and Body
// fields. The response body is the reply text, content type text/xml in the
// provider's reply-message format.
func (a *SMSAdapter) HandleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.PostFormValue("From")
	body := strings.TrimSpace(r.PostFormValue("Body"))
	if from == "" || body == "" {
		http.Error(w, "Missing From or Body", http.StatusBadRequest)
		return
	}

	sessionID := NormalizePhone(from)
	result, err := a.runner.RunTurn(r.Context(), sessionID, types.ChannelSMS, body)
	if err != nil {
		L_error("sms: turn failed", "session", sessionID, "error", err)
	}

	reply := CondenseReply(result.ReplyText, a.maxLength)
	L_debug("sms: replying", "session", sessionID, "length", len(reply))

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprintf(w, "<Response><Message>%s</Message></Response>", xmlEscape(reply))
}

// NormalizePhone reduces a phone number to a stable conversation key: digits
// only, with a leading country code assumed for bare 10-digit numbers.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 {
		digits = "1" + digits
	}
	return "+" + digits
}

// CondenseReply fits a reply into the SMS length cap, measured in bytes.
// Truncation prefers a sentence boundary, then a word boundary, never splits
// a multi-byte rune, and marks the cut with an ellipsis so the customer
// knows to ask for more.
func CondenseReply(text string, maxLength int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxLength {
		return text
	}

	// Reserve room for the ellipsis so the result never exceeds the cap.
	budget := maxLength - len(ellipsis)
	for budget > 0 && !utf8.RuneStart(text[budget]) {
		budget--
	}
	cut := text[:budget]
	if i := strings.LastIndexAny(cut, ".!?"); i > maxLength/2 {
		return strings.TrimSpace(cut[:i+1])
	}
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + ellipsis
}

const ellipsis = "…"

func xmlEscape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(s)
}
