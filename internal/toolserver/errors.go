package toolserver

import "fmt"

// ErrCodeSessionExpired is the application-level error code the tool server
// returns on a 400 response when a session token has idle-timed out. It is
// the only error that triggers a re-handshake.
const ErrCodeSessionExpired = "session_expired"

// ToolError is returned for any tool-server failure surfaced to callers.
// Terminal errors must not be retried.
type ToolError struct {
	Tool       string
	StatusCode int
	Code       string // application error code from the response body, if any
	Message    string
	Terminal   bool
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool %s failed: %s (%s, HTTP %d)", e.Tool, e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("tool %s failed: %s (HTTP %d)", e.Tool, e.Message, e.StatusCode)
}

// IsSessionExpired reports whether err carries the session-expired code.
func IsSessionExpired(err error) bool {
	te, ok := err.(*ToolError)
	return ok && te.Code == ErrCodeSessionExpired
}
