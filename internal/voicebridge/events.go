// Package voicebridge relays audio between a telephony media stream and the
// streaming voice service. Unlike the turn-based channels this is a duplex
// session: frames flow both directions continuously, and mid-stream
// function-call events are intercepted and dispatched to the tool catalog.
package voicebridge

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates upstream events. Every event carries exactly one
// payload matching its type; consumers switch on Type rather than probing
// optional fields.
type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventAudioDelta     EventType = "response.audio.delta"
	EventTranscript     EventType = "response.audio_transcript.done"
	EventFunctionCall   EventType = "response.function_call_arguments.done"
	EventResponseDone   EventType = "response.done"
	EventError          EventType = "error"
)

// Event is one upstream event. Raw upstream payloads are decoded into this
// union before they reach the bridge state machine.
type Event struct {
	Type EventType

	// EventAudioDelta
	AudioB64 string

	// EventTranscript
	Transcript string

	// EventFunctionCall
	CallID    string
	Function  string
	Arguments json.RawMessage

	// EventError
	Message string
}

// rawEvent is the upstream wire shape.
type rawEvent struct {
	Type       string          `json:"type"`
	Delta      string          `json:"delta"`
	Transcript string          `json:"transcript"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Arguments  string          `json:"arguments"`
	Error      json.RawMessage `json:"error"`
}

// ParseEvent decodes one upstream message into the event union. Event types
// the bridge does not act on come back with only Type set; callers log and
// skip them.
func ParseEvent(data []byte) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse upstream event: %w", err)
	}

	ev := &Event{Type: EventType(raw.Type)}
	switch ev.Type {
	case EventAudioDelta:
		ev.AudioB64 = raw.Delta
	case EventTranscript:
		ev.Transcript = raw.Transcript
	case EventFunctionCall:
		ev.CallID = raw.CallID
		ev.Function = raw.Name
		ev.Arguments = json.RawMessage(raw.Arguments)
	case EventError:
		ev.Message = string(raw.Error)
	}
	return ev, nil
}

// FrameKind discriminates telephony media-stream frames.
type FrameKind string

const (
	FrameStart FrameKind = "start"
	FrameMedia FrameKind = "media"
	FrameStop  FrameKind = "stop"
	FrameMark  FrameKind = "mark"
)

// Frame is one telephony media-stream frame.
type Frame struct {
	Kind     FrameKind
	StreamID string // Set on start; tags all outbound media
	CallID   string // Set on start
	AudioB64 string // Set on media
}
