package voicebridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/halcyonsites/frontdesk/internal/tools"
)

// fakeTelephony feeds scripted frames and records everything written back.
type fakeTelephony struct {
	frames chan *Frame

	mu        sync.Mutex
	media     []string
	fallbacks []string

	closeCount atomic.Int32
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{
		frames: make(chan *Frame, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTelephony) ReadFrame() (*Frame, error) {
	select {
	case fr, ok := <-f.frames:
		if !ok {
			return nil, io.EOF
		}
		return fr, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTelephony) WriteMedia(streamID, audioB64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, streamID+":"+audioB64)
	return nil
}

func (f *fakeTelephony) Fallback(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks = append(f.fallbacks, text)
	return nil
}

func (f *fakeTelephony) Close() error {
	f.closeCount.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// fakeUpstream feeds scripted events and records outbound traffic.
type fakeUpstream struct {
	connectErr error
	events     chan *Event

	mu        sync.Mutex
	audio     []string
	outputs   map[string]string
	responses int

	closeCount atomic.Int32
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		events:  make(chan *Event, 16),
		outputs: make(map[string]string),
		closed:  make(chan struct{}),
	}
}

func (f *fakeUpstream) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeUpstream) Configure(cfg SessionConfig) error { return nil }

func (f *fakeUpstream) AppendAudio(audioB64 string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, audioB64)
	return nil
}

func (f *fakeUpstream) SendFunctionOutput(callID, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[callID] = output
	return nil
}

func (f *fakeUpstream) RequestResponse(instructions string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses++
	return nil
}

func (f *fakeUpstream) ReadEvent() (*Event, error) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return nil, io.EOF
		}
		if ev == nil {
			return nil, errors.New("upstream connection reset")
		}
		return ev, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeUpstream) Close() error {
	f.closeCount.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func startFrame() *Frame {
	return &Frame{Kind: FrameStart, StreamID: "MZ100", CallID: "CA100"}
}

func runBridge(t *testing.T, telephony *fakeTelephony, upstream *fakeUpstream, registry *tools.Registry) *Bridge {
	t.Helper()
	if registry == nil {
		registry = tools.NewRegistry()
	}
	b := NewBridge(telephony, upstream, registry, SessionConfig{Greeting: "greet"})
	b.grace = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(context.Background())
	}()
	t.Cleanup(func() {
		telephony.Close()
		upstream.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("bridge did not finish")
		}
	})
	return b
}

func waitClosed(t *testing.T, b *Bridge) {
	t.Helper()
	select {
	case <-b.done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never closed")
	}
}

func TestBridgeForwardsAudioBothWays(t *testing.T) {
	telephony := newFakeTelephony()
	upstream := newFakeUpstream()
	telephony.frames <- startFrame()
	b := runBridge(t, telephony, upstream, nil)

	telephony.frames <- &Frame{Kind: FrameMedia, AudioB64: "aW4="}
	upstream.events <- &Event{Type: EventAudioDelta, AudioB64: "b3V0"}

	deadline := time.After(2 * time.Second)
	for {
		upstream.mu.Lock()
		inOK := len(upstream.audio) == 1 && upstream.audio[0] == "aW4="
		upstream.mu.Unlock()
		telephony.mu.Lock()
		outOK := len(telephony.media) == 1 && telephony.media[0] == "MZ100:b3V0"
		telephony.mu.Unlock()
		if inOK && outOK {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("audio not relayed: in=%v out=%v", inOK, outOK)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if b.State() != StateActive {
		t.Errorf("expected active state, got %s", b.State())
	}
}

func TestBridgeUpstreamErrorThenStopClosesUpstreamOnce(t *testing.T) {
	telephony := newFakeTelephony()
	upstream := newFakeUpstream()
	telephony.frames <- startFrame()
	b := runBridge(t, telephony, upstream, nil)

	// Upstream errors mid-call, then the telephony leg stops. Both paths
	// race into teardown; the upstream must still be closed exactly once.
	upstream.events <- nil
	telephony.frames <- &Frame{Kind: FrameStop}

	waitClosed(t, b)
	if n := upstream.closeCount.Load(); n != 1 {
		t.Errorf("upstream closed %d times, want 1", n)
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed state, got %s", b.State())
	}
}

func TestBridgeHandshakeFailureSpeaksApology(t *testing.T) {
	telephony := newFakeTelephony()
	upstream := newFakeUpstream()
	upstream.connectErr = errors.New("dial tcp: connection refused")
	telephony.frames <- startFrame()

	b := NewBridge(telephony, upstream, tools.NewRegistry(), SessionConfig{})
	err := b.Run(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}

	telephony.mu.Lock()
	defer telephony.mu.Unlock()
	if len(telephony.fallbacks) != 1 {
		t.Fatalf("caller left in silence: %v", telephony.fallbacks)
	}
	if telephony.closeCount.Load() == 0 {
		t.Error("telephony leg not closed after failed handshake")
	}
}

func TestBridgeEndCallTearsDownAfterGrace(t *testing.T) {
	telephony := newFakeTelephony()
	upstream := newFakeUpstream()
	telephony.frames <- startFrame()
	b := runBridge(t, telephony, upstream, nil)

	upstream.events <- &Event{Type: EventFunctionCall, Function: string(tools.EndCall), CallID: "fc-1"}

	waitClosed(t, b)
	if n := upstream.closeCount.Load(); n != 1 {
		t.Errorf("upstream closed %d times, want 1", n)
	}
	if n := telephony.closeCount.Load(); n != 1 {
		t.Errorf("telephony closed %d times, want 1", n)
	}
}

type countingTool struct {
	name     tools.Name
	executed atomic.Int32
}

func (c *countingTool) Name() tools.Name       { return c.name }
func (c *countingTool) Description() string    { return "stub" }
func (c *countingTool) Schema() map[string]any { return map[string]any{"type": "object"} }
func (c *countingTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	c.executed.Add(1)
	return `{"available": true}`, nil
}

func TestBridgeDispatchesKnownFunctionAndContinues(t *testing.T) {
	registry := tools.NewRegistry()
	stub := &countingTool{name: tools.CheckAvailability}
	registry.Register(stub)

	telephony := newFakeTelephony()
	upstream := newFakeUpstream()
	telephony.frames <- startFrame()
	runBridge(t, telephony, upstream, registry)

	upstream.events <- &Event{
		Type:      EventFunctionCall,
		Function:  "check_availability",
		CallID:    "fc-2",
		Arguments: json.RawMessage(`{"date": "2026-09-01"}`),
	}

	deadline := time.After(2 * time.Second)
	for {
		upstream.mu.Lock()
		output, ok := upstream.outputs["fc-2"]
		// One response for the greeting, one after the function output.
		continued := upstream.responses >= 2
		upstream.mu.Unlock()
		if ok && continued {
			if output != `{"available": true}` {
				t.Errorf("wrong function output: %s", output)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("function output never injected")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if stub.executed.Load() != 1 {
		t.Errorf("tool executed %d times, want 1", stub.executed.Load())
	}
}

func TestBridgeIgnoresUnknownFunction(t *testing.T) {
	telephony := newFakeTelephony()
	upstream := newFakeUpstream()
	telephony.frames <- startFrame()
	b := runBridge(t, telephony, upstream, nil)

	upstream.events <- &Event{Type: EventFunctionCall, Function: "reboot_server", CallID: "fc-3"}
	upstream.events <- &Event{Type: EventAudioDelta, AudioB64: "c3RpbGwgYWxpdmU="}

	deadline := time.After(2 * time.Second)
	for {
		telephony.mu.Lock()
		alive := len(telephony.media) == 1
		telephony.mu.Unlock()
		if alive {
			break
		}
		select {
		case <-deadline:
			t.Fatal("bridge stopped relaying after unknown function")
		case <-time.After(10 * time.Millisecond):
		}
	}

	upstream.mu.Lock()
	defer upstream.mu.Unlock()
	if _, ok := upstream.outputs["fc-3"]; ok {
		t.Error("unknown function produced an output")
	}
	if b.State() != StateActive {
		t.Errorf("unknown function changed state: %s", b.State())
	}
}

func TestParseEventUnion(t *testing.T) {
	cases := []struct {
		raw  string
		want EventType
	}{
		{`{"type": "response.audio.delta", "delta": "YXVkaW8="}`, EventAudioDelta},
		{`{"type": "response.function_call_arguments.done", "name": "end_call", "call_id": "c1", "arguments": "{}"}`, EventFunctionCall},
		{`{"type": "response.audio_transcript.done", "transcript": "hello"}`, EventTranscript},
		{`{"type": "error", "error": {"message": "boom"}}`, EventError},
	}
	for _, tc := range cases {
		ev, err := ParseEvent([]byte(tc.raw))
		if err != nil {
			t.Fatalf("ParseEvent(%s): %v", tc.raw, err)
		}
		if ev.Type != tc.want {
			t.Errorf("wrong type %s, want %s", ev.Type, tc.want)
		}
	}

	ev, err := ParseEvent([]byte(`{"type": "response.audio.delta", "delta": "YQ=="}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.AudioB64 != "YQ==" {
		t.Errorf("delta payload lost: %q", ev.AudioB64)
	}

	if _, err := ParseEvent([]byte(`not json`)); err == nil {
		t.Error("garbage accepted")
	}
}
