package voicebridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/halcyonsites/frontdesk/internal/logging"
	"github.com/halcyonsites/frontdesk/internal/tools"
)

// State is the bridge lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateSessionConfigured
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSessionConfigured:
		return "session_configured"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// endCallGrace lets in-flight audio play out before an end_call teardown.
const endCallGrace = 2 * time.Second

// handshakeTimeout bounds the upstream dial plus session setup.
const handshakeTimeout = 15 * time.Second

// apologyText is spoken to the caller when the upstream cannot be reached.
const apologyText = "I'm sorry, I'm unable to take your call right now. Please call back in a few minutes."

// TelephonyLeg is the phone side of the bridge.
type TelephonyLeg interface {
	// ReadFrame blocks for the next media-stream frame.
	ReadFrame() (*Frame, error)
	// WriteMedia sends one outbound audio frame tagged with the stream id.
	WriteMedia(streamID, audioB64 string) error
	// Fallback delivers a spoken apology when the upstream is unavailable.
	Fallback(text string) error
	Close() error
}

// UpstreamLeg is the streaming voice service side of the bridge.
type UpstreamLeg interface {
	Connect(ctx context.Context) error
	// Configure sends the one-time session-configuration event.
	Configure(cfg SessionConfig) error
	AppendAudio(audioB64 string) error
	// SendFunctionOutput injects a tool result back into the conversation.
	SendFunctionOutput(callID, output string) error
	// RequestResponse asks the upstream to continue speaking.
	RequestResponse(instructions string) error
	ReadEvent() (*Event, error)
	Close() error
}

// SessionConfig is the one-time upstream session configuration.
type SessionConfig struct {
	Voice        string
	Instructions string
	Greeting     string
	Tools        []FunctionDef
}

// FunctionDef is one catalog entry in the upstream's function schema.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Bridge relays one call between the two legs.
type Bridge struct {
	telephony TelephonyLeg
	upstream  UpstreamLeg
	registry  *tools.Registry
	config    SessionConfig

	callID   string
	streamID string
	grace    time.Duration

	state        atomic.Int32
	teardownOnce sync.Once
	done         chan struct{}
}

// NewBridge creates a bridge for one call. Run drives it to completion.
func NewBridge(telephony TelephonyLeg, upstream UpstreamLeg, registry *tools.Registry, cfg SessionConfig) *Bridge {
	b := &Bridge{
		telephony: telephony,
		upstream:  upstream,
		registry:  registry,
		config:    cfg,
		grace:     endCallGrace,
		done:      make(chan struct{}),
	}
	b.state.Store(int32(StateConnecting))
	return b
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Run relays until either leg disconnects. It blocks for the life of the
// call and always leaves both legs closed.
func (b *Bridge) Run(ctx context.Context) error {
	// The telephony leg speaks first: wait for the start frame so outbound
	// media can be tagged with the stream id.
	frame, err := b.telephony.ReadFrame()
	if err != nil {
		b.teardown("telephony read failed before start")
		return fmt.Errorf("no start frame: %w", err)
	}
	if frame.Kind != FrameStart {
		b.teardown("unexpected first frame")
		return fmt.Errorf("expected start frame, got %s", frame.Kind)
	}
	b.streamID = frame.StreamID
	b.callID = frame.CallID
	L_info("voicebridge: call stream started", "call", b.callID, "stream", b.streamID)

	// Connecting: establish the upstream session within the handshake
	// budget. Failure must not leave the caller in silence.
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	err = b.upstream.Connect(dialCtx)
	cancel()
	if err != nil {
		L_error("voicebridge: upstream connect failed", "call", b.callID, "error", err)
		if ferr := b.telephony.Fallback(apologyText); ferr != nil {
			L_warn("voicebridge: spoken apology failed", "error", ferr)
		}
		b.teardown("upstream connect failed")
		return fmt.Errorf("upstream connect failed: %w", err)
	}

	if err := b.upstream.Configure(b.config); err != nil {
		L_error("voicebridge: session configure failed", "call", b.callID, "error", err)
		if ferr := b.telephony.Fallback(apologyText); ferr != nil {
			L_warn("voicebridge: spoken apology failed", "error", ferr)
		}
		b.teardown("session configure failed")
		return fmt.Errorf("session configure failed: %w", err)
	}
	b.state.Store(int32(StateSessionConfigured))

	// Greet the caller before any inbound speech.
	if err := b.upstream.RequestResponse(b.config.Greeting); err != nil {
		L_warn("voicebridge: greeting request failed", "call", b.callID, "error", err)
	}

	b.state.Store(int32(StateActive))
	L_debug("voicebridge: active", "call", b.callID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.pumpTelephony()
	}()
	go func() {
		defer wg.Done()
		b.pumpUpstream(ctx)
	}()

	select {
	case <-ctx.Done():
		b.teardown("context cancelled")
	case <-b.done:
	}
	wg.Wait()
	L_info("voicebridge: call finished", "call", b.callID)
	return nil
}

// pumpTelephony forwards caller audio upstream as fast as it arrives.
func (b *Bridge) pumpTelephony() {
	for {
		frame, err := b.telephony.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && b.State() < StateClosing {
				L_warn("voicebridge: telephony read error", "call", b.callID, "error", err)
			}
			b.teardown("telephony disconnected")
			return
		}

		switch frame.Kind {
		case FrameMedia:
			if err := b.upstream.AppendAudio(frame.AudioB64); err != nil {
				L_warn("voicebridge: upstream append failed", "call", b.callID, "error", err)
				b.teardown("upstream write failed")
				return
			}
		case FrameStop:
			L_info("voicebridge: caller hung up", "call", b.callID)
			b.teardown("telephony stop")
			return
		case FrameMark:
			// Playback checkpoint, nothing to do.
		default:
			L_trace("voicebridge: ignoring frame", "kind", frame.Kind)
		}
	}
}

// pumpUpstream forwards assistant audio to the caller and intercepts
// function-call events.
func (b *Bridge) pumpUpstream(ctx context.Context) {
	for {
		ev, err := b.upstream.ReadEvent()
		if err != nil {
			if b.State() < StateClosing {
				L_warn("voicebridge: upstream read error", "call", b.callID, "error", err)
			}
			b.teardown("upstream disconnected")
			return
		}

		switch ev.Type {
		case EventAudioDelta:
			if err := b.telephony.WriteMedia(b.streamID, ev.AudioB64); err != nil {
				L_warn("voicebridge: telephony write failed", "call", b.callID, "error", err)
				b.teardown("telephony write failed")
				return
			}
		case EventTranscript:
			// Logged for conversation tracing only; transcripts never
			// drive control flow.
			L_debug("voicebridge: transcript", "call", b.callID, "text", ev.Transcript)
		case EventFunctionCall:
			b.handleFunctionCall(ctx, ev)
		case EventError:
			L_error("voicebridge: upstream error event", "call", b.callID, "detail", ev.Message)
		case EventSessionCreated, EventResponseDone:
			L_trace("voicebridge: upstream event", "type", ev.Type)
		default:
			L_trace("voicebridge: ignoring upstream event", "type", ev.Type)
		}
	}
}

// handleFunctionCall intercepts a mid-stream function-call event. end_call
// tears the call down after a grace delay; known tools are dispatched and
// their output injected back; unknown names are logged and ignored.
func (b *Bridge) handleFunctionCall(ctx context.Context, ev *Event) {
	name, known := tools.Known(ev.Function)
	if !known {
		L_warn("voicebridge: unknown function requested", "call", b.callID, "function", ev.Function)
		return
	}

	if name == tools.EndCall {
		L_info("voicebridge: end_call requested", "call", b.callID, "graceMs", b.grace.Milliseconds())
		time.AfterFunc(b.grace, func() {
			b.teardown("end_call")
		})
		return
	}

	toolCtx := tools.WithConversation(ctx, b.callID)
	output, err := b.registry.Execute(toolCtx, ev.Function, ev.Arguments)
	if err != nil {
		L_warn("voicebridge: function call failed", "call", b.callID, "function", ev.Function, "error", err)
		output = `{"error": "The check could not be completed right now.", "retryable": true}`
	}

	if err := b.upstream.SendFunctionOutput(ev.CallID, output); err != nil {
		L_warn("voicebridge: function output send failed", "call", b.callID, "error", err)
		return
	}
	// Ask the upstream to narrate the result.
	if err := b.upstream.RequestResponse(""); err != nil {
		L_warn("voicebridge: continue request failed", "call", b.callID, "error", err)
	}
}

// teardown closes both legs exactly once. Either leg disconnecting, an
// end_call function, or context cancellation all funnel here; double calls
// are no-ops.
func (b *Bridge) teardown(reason string) {
	b.teardownOnce.Do(func() {
		b.state.Store(int32(StateClosing))
		L_info("voicebridge: tearing down", "call", b.callID, "reason", reason)

		if err := b.upstream.Close(); err != nil {
			L_trace("voicebridge: upstream close", "error", err)
		}
		if err := b.telephony.Close(); err != nil {
			L_trace("voicebridge: telephony close", "error", err)
		}

		b.state.Store(int32(StateClosed))
		close(b.done)
	})
}
