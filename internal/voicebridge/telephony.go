package voicebridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/halcyonsites/frontdesk/internal/logging"
	"github.com/halcyonsites/frontdesk/internal/tools"
)

// HandlerConfig holds the settings for accepting media streams.
type HandlerConfig struct {
	UpstreamURL  string
	APIKey       string
	Voice        string
	Instructions string
	Greeting     string
}

// Handler accepts telephony media-stream websockets and runs one bridge per
// call.
type Handler struct {
	config   HandlerConfig
	registry *tools.Registry
	upgrader websocket.Upgrader
}

// NewHandler creates the media-stream endpoint handler.
func NewHandler(cfg HandlerConfig, registry *tools.Registry) *Handler {
	return &Handler{
		config:   cfg,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The telephony provider connects server-to-server; there is
			// no browser origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the media stream and relays it until the call ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_error("voicebridge: media stream upgrade failed", "error", err)
		return
	}

	telephony := newWSTelephony(conn)
	upstream := NewUpstream(h.config.UpstreamURL, h.config.APIKey)
	bridge := NewBridge(telephony, upstream, h.registry, SessionConfig{
		Voice:        h.config.Voice,
		Instructions: h.config.Instructions,
		Greeting:     h.config.Greeting,
		Tools:        CatalogFunctions(h.registry),
	})

	if err := bridge.Run(r.Context()); err != nil {
		L_warn("voicebridge: bridge ended with error", "error", err)
	}
}

// CatalogFunctions translates the tool catalog into the upstream's function
// schema, adding the voice-only end_call control function.
func CatalogFunctions(registry *tools.Registry) []FunctionDef {
	defs := registry.Definitions()
	out := make([]FunctionDef, 0, len(defs)+1)
	for _, d := range defs {
		out = append(out, FunctionDef{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.InputSchema,
		})
	}
	out = append(out, FunctionDef{
		Name:        string(tools.EndCall),
		Description: "End the phone call once the caller is finished. Say goodbye before calling this.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	})
	return out
}

// wsTelephony adapts the provider's media-stream websocket to TelephonyLeg.
type wsTelephony struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTelephony(conn *websocket.Conn) *wsTelephony {
	return &wsTelephony{conn: conn}
}

// telephonyFrame is the provider's wire shape.
type telephonyFrame struct {
	Event string `json:"event"`
	Start *struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	StreamSid string `json:"streamSid,omitempty"`
}

func (t *wsTelephony) ReadFrame() (*Frame, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var raw telephonyFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		L_trace("voicebridge: unparseable telephony frame", "error", err)
		return &Frame{Kind: FrameKind("unknown")}, nil
	}

	frame := &Frame{Kind: FrameKind(raw.Event)}
	switch frame.Kind {
	case FrameStart:
		if raw.Start != nil {
			frame.StreamID = raw.Start.StreamSid
			frame.CallID = raw.Start.CallSid
		}
	case FrameMedia:
		if raw.Media != nil {
			frame.AudioB64 = raw.Media.Payload
		}
	}
	return frame, nil
}

func (t *wsTelephony) WriteMedia(streamID, audioB64 string) error {
	return t.write(map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media":     map[string]string{"payload": audioB64},
	})
}

// Fallback closes the stream so the call document falls through to its
// recorded apology verse. The stream protocol itself has no way to speak
// text.
func (t *wsTelephony) Fallback(text string) error {
	L_info("voicebridge: falling back to apology verse", "text", text)
	return t.Close()
}

func (t *wsTelephony) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *wsTelephony) write(payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return websocket.ErrCloseSent
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.conn.SetWriteDeadline(time.Now().Add(upstreamWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
