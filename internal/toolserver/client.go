// Package toolserver provides the session-oriented client for the external
// tool-execution server. The server imposes idle-timeout session semantics:
// a handshake issues a token, subsequent calls attach it, and an idle session
// is invalidated server-side with a specific error code. The client hides
// that lifecycle by re-establishing the session transparently, at most once
// per call.
package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	. "github.com/halcyonsites/frontdesk/internal/logging"
)

const (
	// SessionHeader carries the session token on every tool call.
	SessionHeader = "X-Session-Token"

	defaultTimeout = 20 * time.Second
)

// ClientConfig holds tool server connection settings.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client maintains per-conversation sessions against the tool server.
// Thread-safe: the token cache is mutex-protected; calls for different
// conversations may proceed concurrently.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	mu       sync.Mutex
	sessions map[string]string // conversationID -> session token
}

// NewClient creates a tool server client. The session for a conversation is
// established lazily on first call.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
		sessions: make(map[string]string),
	}
}

// callRequest is the wire format for a tool invocation.
type callRequest struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// callResponse is the wire format for a tool result or error.
type callResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// InitSession establishes a session for the conversation if none is cached.
// Returns true if a session is available afterwards.
func (c *Client) InitSession(ctx context.Context, conversationID string) (bool, error) {
	c.mu.Lock()
	_, have := c.sessions[conversationID]
	c.mu.Unlock()
	if have {
		return true, nil
	}

	token, err := c.handshake(ctx, conversationID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.sessions[conversationID] = token
	c.mu.Unlock()
	return true, nil
}

// CallTool invokes a named tool for a conversation. On a session-expired
// response the cached token is discarded, a new handshake is performed, and
// the call is retried exactly once. A second failure of any kind is terminal.
func (c *Client) CallTool(ctx context.Context, conversationID, name string, args json.RawMessage) (json.RawMessage, error) {
	// retriesLeft makes the one-retry bound explicit instead of hiding it
	// in a recursive call with a boolean flag.
	const maxRetries = 1
	retriesLeft := maxRetries

	for {
		token, err := c.sessionToken(ctx, conversationID)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		result, err := c.doCall(ctx, token, name, args)
		if err == nil {
			L_debug("toolserver: call succeeded",
				"tool", name,
				"conversation", conversationID,
				"durationMs", time.Since(start).Milliseconds())
			return result, nil
		}

		if IsSessionExpired(err) && retriesLeft > 0 {
			retriesLeft--
			L_info("toolserver: session expired, re-establishing",
				"tool", name, "conversation", conversationID)
			c.invalidate(conversationID)
			continue
		}

		if te, ok := err.(*ToolError); ok {
			te.Terminal = true
			te.Tool = name
			L_warn("toolserver: call failed",
				"tool", name,
				"conversation", conversationID,
				"status", te.StatusCode,
				"code", te.Code)
			return nil, te
		}
		return nil, err
	}
}

// ClearSession drops any cached session for a conversation. Used on
// conversation eviction so the tool server can release its state.
func (c *Client) ClearSession(conversationID string) {
	c.invalidate(conversationID)
}

// sessionToken returns the cached token for a conversation, performing a
// handshake if none exists.
func (c *Client) sessionToken(ctx context.Context, conversationID string) (string, error) {
	c.mu.Lock()
	token, ok := c.sessions[conversationID]
	c.mu.Unlock()
	if ok {
		return token, nil
	}

	token, err := c.handshake(ctx, conversationID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.sessions[conversationID] = token
	c.mu.Unlock()
	return token, nil
}

func (c *Client) invalidate(conversationID string) {
	c.mu.Lock()
	delete(c.sessions, conversationID)
	c.mu.Unlock()
}

// handshake opens a new session; the server returns the token in a header.
func (c *Client) handshake(ctx context.Context, conversationID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"conversationId": conversationID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("handshake failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ToolError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("handshake rejected: %s", truncate(string(data), 200)),
			Terminal:   true,
		}
	}

	token := resp.Header.Get(SessionHeader)
	if token == "" {
		return "", &ToolError{
			StatusCode: resp.StatusCode,
			Message:    "handshake response missing session token header",
			Terminal:   true,
		}
	}

	L_debug("toolserver: session established", "conversation", conversationID)
	return token, nil
}

// doCall performs one tool invocation with the given session token.
func (c *Client) doCall(ctx context.Context, token, name string, args json.RawMessage) (json.RawMessage, error) {
	if args == nil {
		args = json.RawMessage("{}")
	}
	body, err := json.Marshal(callRequest{Tool: name, Args: args})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool args: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, token)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}

	var parsed callResponse
	if len(data) > 0 {
		// Body may be non-JSON on proxy errors; the status check below
		// still classifies those.
		_ = json.Unmarshal(data, &parsed)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &ToolError{
			Tool:       name,
			StatusCode: resp.StatusCode,
			Code:       parsed.Error.Code,
			Message:    parsed.Error.Message,
		}
		if te.Message == "" {
			te.Message = truncate(string(data), 200)
		}
		// Only the expiry code is retryable; everything else is terminal
		// to the caller.
		te.Terminal = te.Code != ErrCodeSessionExpired
		return nil, te
	}

	return parsed.Result, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
