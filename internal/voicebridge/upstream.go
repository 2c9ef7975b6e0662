package voicebridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/halcyonsites/frontdesk/internal/logging"
)

const (
	upstreamWriteWait   = 10 * time.Second
	upstreamDialTimeout = 10 * time.Second
)

// wsUpstream is the websocket client for the streaming voice service.
// Writes are mutex-protected; reads happen from a single pump goroutine.
type wsUpstream struct {
	url    string
	apiKey string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewUpstream creates an unconnected upstream leg. Connect dials it.
func NewUpstream(url, apiKey string) UpstreamLeg {
	return &wsUpstream{url: url, apiKey: apiKey}
}

func (u *wsUpstream) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+u.apiKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: upstreamDialTimeout,
	}

	L_debug("voicebridge: dialing upstream", "url", u.url)
	conn, resp, err := dialer.DialContext(ctx, u.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return fmt.Errorf("upstream dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("upstream dial failed: %w", err)
	}

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	L_info("voicebridge: upstream connected", "url", u.url)
	return nil
}

func (u *wsUpstream) Configure(cfg SessionConfig) error {
	type sessionBody struct {
		Voice             string        `json:"voice"`
		Instructions      string        `json:"instructions"`
		InputAudioFormat  string        `json:"input_audio_format"`
		OutputAudioFormat string        `json:"output_audio_format"`
		Tools             []FunctionDef `json:"tools"`
		TurnDetection     map[string]any `json:"turn_detection"`
	}
	return u.send(map[string]any{
		"type": "session.update",
		"session": sessionBody{
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			Tools:             cfg.Tools,
			TurnDetection: map[string]any{
				"type":                "server_vad",
				"silence_duration_ms": 500,
			},
		},
	})
}

func (u *wsUpstream) AppendAudio(audioB64 string) error {
	return u.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": audioB64,
	})
}

func (u *wsUpstream) SendFunctionOutput(callID, output string) error {
	return u.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

func (u *wsUpstream) RequestResponse(instructions string) error {
	response := map[string]any{}
	if instructions != "" {
		response["instructions"] = instructions
	}
	return u.send(map[string]any{
		"type":     "response.create",
		"response": response,
	})
}

func (u *wsUpstream) ReadEvent() (*Event, error) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("upstream not connected")
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return ParseEvent(data)
}

func (u *wsUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

func (u *wsUpstream) send(payload any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return fmt.Errorf("upstream not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal upstream event: %w", err)
	}
	if err := u.conn.SetWriteDeadline(time.Now().Add(upstreamWriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	return u.conn.WriteMessage(websocket.TextMessage, data)
}
