package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeToolServer simulates the session-oriented tool server. Tokens are
// handed out sequentially; tokens listed in expired are rejected with the
// session-expired code.
type fakeToolServer struct {
	handshakes int
	calls      int
	expired    map[string]bool
	failCode   string // if set, every call fails with this code
	failStatus int
}

func (f *fakeToolServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		f.handshakes++
		w.Header().Set(SessionHeader, fmt.Sprintf("token-%d", f.handshakes))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/call", func(w http.ResponseWriter, r *http.Request) {
		f.calls++
		token := r.Header.Get(SessionHeader)

		if f.failCode != "" {
			status := f.failStatus
			if status == 0 {
				status = http.StatusBadRequest
			}
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": f.failCode, "message": "call rejected"},
			})
			return
		}

		if f.expired[token] {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": ErrCodeSessionExpired, "message": "session expired"},
			})
			return
		}

		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]string{"ok": "true", "token": token},
		})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeToolServer) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL})
}

func TestCallToolHandshakeOnFirstCall(t *testing.T) {
	f := &fakeToolServer{expired: map[string]bool{}}
	c := newTestClient(t, f)

	result, err := c.CallTool(context.Background(), "conv-1", "check_availability", nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected result")
	}
	if f.handshakes != 1 {
		t.Errorf("expected 1 handshake, got %d", f.handshakes)
	}

	// Second call reuses the cached token
	if _, err := c.CallTool(context.Background(), "conv-1", "check_availability", nil); err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if f.handshakes != 1 {
		t.Errorf("expected token reuse, got %d handshakes", f.handshakes)
	}
}

func TestCallToolSessionExpiredRetriesOnce(t *testing.T) {
	// First token expires immediately; the retry with token-2 succeeds.
	f := &fakeToolServer{expired: map[string]bool{"token-1": true}}
	c := newTestClient(t, f)

	result, err := c.CallTool(context.Background(), "conv-1", "lookup_customer", json.RawMessage(`{"phone":"+15555550100"}`))
	if err != nil {
		t.Fatalf("expected retry to succeed, got: %v", err)
	}
	if result == nil {
		t.Fatal("expected result from retried call")
	}
	if f.handshakes != 2 {
		t.Errorf("expected exactly 2 handshakes (initial + re-establish), got %d", f.handshakes)
	}
	if f.calls != 2 {
		t.Errorf("expected exactly 2 call attempts, got %d", f.calls)
	}
}

func TestCallToolDoubleExpiryIsTerminal(t *testing.T) {
	// Every token expires: the client must stop after one retry.
	f := &fakeToolServer{expired: map[string]bool{"token-1": true, "token-2": true, "token-3": true}}
	c := newTestClient(t, f)

	_, err := c.CallTool(context.Background(), "conv-1", "create_booking", nil)
	if err == nil {
		t.Fatal("expected terminal error after double expiry")
	}
	te, ok := err.(*ToolError)
	if !ok {
		t.Fatalf("expected *ToolError, got %T", err)
	}
	if !te.Terminal {
		t.Error("expected error to be terminal")
	}
	if f.calls != 2 {
		t.Errorf("expected exactly 2 call attempts (no infinite retry), got %d", f.calls)
	}
}

func TestCallToolGenericErrorNotRetried(t *testing.T) {
	f := &fakeToolServer{expired: map[string]bool{}, failCode: "validation_failed"}
	c := newTestClient(t, f)

	_, err := c.CallTool(context.Background(), "conv-1", "create_booking", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	te, ok := err.(*ToolError)
	if !ok {
		t.Fatalf("expected *ToolError, got %T", err)
	}
	if !te.Terminal {
		t.Error("generic 400 must be terminal")
	}
	if f.calls != 1 {
		t.Errorf("generic errors must not be retried, got %d calls", f.calls)
	}
	if f.handshakes != 1 {
		t.Errorf("generic errors must not trigger re-handshake, got %d", f.handshakes)
	}
}

func TestClearSessionForcesNewHandshake(t *testing.T) {
	f := &fakeToolServer{expired: map[string]bool{}}
	c := newTestClient(t, f)

	if _, err := c.CallTool(context.Background(), "conv-1", "check_availability", nil); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	c.ClearSession("conv-1")
	if _, err := c.CallTool(context.Background(), "conv-1", "check_availability", nil); err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if f.handshakes != 2 {
		t.Errorf("expected 2 handshakes after ClearSession, got %d", f.handshakes)
	}
}
