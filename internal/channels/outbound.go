package channels

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	. "github.com/halcyonsites/frontdesk/internal/logging"
)

// OutboundSMS sends messages through the telephony provider's REST API.
// Used by the dispatcher for delayed follow-ups; inbound replies go back in
// the webhook response instead.
type OutboundSMS struct {
	from       string
	accountSID string
	authToken  string
	apiURL     string
	maxLength  int
	client     *http.Client
}

// OutboundSMSConfig holds provider credentials for outbound sends.
type OutboundSMSConfig struct {
	FromNumber string
	AccountSID string
	AuthToken  string
	APIURL     string
	MaxLength  int
}

// NewOutboundSMS creates the outbound sender.
func NewOutboundSMS(cfg OutboundSMSConfig) *OutboundSMS {
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultSMSMaxLength
	}
	return &OutboundSMS{
		from:       cfg.FromNumber,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		apiURL:     cfg.APIURL,
		maxLength:  maxLength,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Send delivers one SMS. Satisfies dispatch.Sender.
func (o *OutboundSMS) Send(ctx context.Context, recipient, payload string) error {
	if o.apiURL == "" {
		return fmt.Errorf("outbound sms not configured")
	}

	body := CondenseReply(payload, o.maxLength)
	form := url.Values{
		"To":   {recipient},
		"From": {o.from},
		"Body": {body},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(o.accountSID, o.authToken)

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, detail)
	}

	L_debug("sms: outbound delivered", "to", recipient, "length", len(body))
	return nil
}
