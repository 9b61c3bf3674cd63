package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hubenschmidt/voice-relay/internal/archive"
	"github.com/hubenschmidt/voice-relay/internal/audio"
	"github.com/hubenschmidt/voice-relay/internal/tools"
	"github.com/hubenschmidt/voice-relay/internal/transcript"
	"github.com/hubenschmidt/voice-relay/internal/upstream"
)

type fakeUpstream struct {
	mu        sync.Mutex
	audio     [][]byte
	texts     []string
	toolResps [][]upstream.ToolResponse

	events    chan []upstream.Event
	recvErr   chan error
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		events:  make(chan []upstream.Event, 16),
		recvErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeUpstream) SendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), pcm...))
	return nil
}

func (f *fakeUpstream) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeUpstream) SendToolResponses(resps []upstream.ToolResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolResps = append(f.toolResps, resps)
	return nil
}

func (f *fakeUpstream) Receive() ([]upstream.Event, error) {
	select {
	case evs, ok := <-f.events:
		if !ok {
			return nil, upstream.ErrClosed
		}
		return evs, nil
	case err := <-f.recvErr:
		return nil, err
	case <-f.closed:
		return nil, upstream.ErrClosed
	}
}

func (f *fakeUpstream) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeUpstream) emit(evs ...upstream.Event) { f.events <- evs }

func (f *fakeUpstream) audioCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

func (f *fakeUpstream) snapshotTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeUpstream) snapshotToolResps() [][]upstream.ToolResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]upstream.ToolResponse(nil), f.toolResps...)
}

type fakeClient struct {
	mu     sync.Mutex
	log    []string // "audio", "error", "interruption" in send order
	frames [][]byte
	errors []string
	closes int
}

func (c *fakeClient) SendAudio(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, "audio")
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeClient) SendError(message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, "error")
	c.errors = append(c.errors, message)
	return nil
}

func (c *fakeClient) SendInterruption() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, "interruption")
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeClient) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeClient) snapshot() (log []string, frames [][]byte, errs []string, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...), append([][]byte(nil), c.frames...),
		append([]string(nil), c.errors...), c.closes
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not close (state %s)", s.State())
	}
}

func staticDialer(up upstream.Session) upstream.Dialer {
	return upstream.DialerFunc(func(context.Context, upstream.Config) (upstream.Session, error) {
		return up, nil
	})
}

func start(t *testing.T, cfg Config) (*Session, *fakeClient) {
	t.Helper()
	client := &fakeClient{}
	s := New(cfg, client)
	go s.Run(context.Background())
	t.Cleanup(func() {
		s.Close()
		<-s.Done()
	})
	return s, client
}

func activate(t *testing.T, up *fakeUpstream, cfg Config) (*Session, *fakeClient) {
	t.Helper()
	cfg.Dialer = staticDialer(up)
	s, client := start(t, cfg)
	if err := s.Init("abc"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "active", func() bool { return s.State() == StateActive })
	return s, client
}

func tone(samples, rate int, hz float64) []byte {
	out := make([]byte, samples*2)
	for i := range samples {
		v := int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func modelAudio(pcm []byte) upstream.Event {
	return upstream.Event{Kind: upstream.EventModelTurn, Parts: []upstream.Part{{Audio: pcm}}}
}

func TestSession_EndToEndSingleFrame(t *testing.T) {
	up := newFakeUpstream()
	reg := NewRegistry()
	s, client := activate(t, up, Config{Registry: reg, Nudge: "say hi"})

	if got, ok := reg.Get("abc"); !ok || got != s {
		t.Fatalf("session not registered under its uuid")
	}
	waitFor(t, "nudge", func() bool { return len(up.snapshotTexts()) == 1 })
	if up.snapshotTexts()[0] != "say hi" {
		t.Fatalf("nudge = %q", up.snapshotTexts()[0])
	}

	pcm := tone(600, audio.UpstreamOutputRate, 440)
	if len(pcm) != 1200 {
		t.Fatalf("fixture is %d bytes", len(pcm))
	}
	up.emit(modelAudio(pcm))
	waitFor(t, "first frame", func() bool { return client.frameCount() == 1 })
	_, frames, _, _ := client.snapshot()
	if len(frames[0]) != audio.FrameBytes {
		t.Fatalf("frame is %d bytes, want %d", len(frames[0]), audio.FrameBytes)
	}

	// 40 samples stay buffered: 120 more output samples complete exactly one frame.
	up.emit(modelAudio(tone(360, audio.UpstreamOutputRate, 440)))
	waitFor(t, "second frame", func() bool { return client.frameCount() == 2 })
	time.Sleep(20 * time.Millisecond)
	if client.frameCount() != 2 {
		t.Fatalf("got %d frames, want 2", client.frameCount())
	}
}

func TestSession_FramesKeepArrivalOrder(t *testing.T) {
	up := newFakeUpstream()
	_, client := activate(t, up, Config{})

	var stream []byte
	for i := range 6 {
		chunk := tone(700+i*13, audio.UpstreamOutputRate, 300+float64(i)*50)
		stream = append(stream, chunk...)
		up.emit(modelAudio(chunk))
	}

	ref, _ := audio.NewDownlink()
	want := ref.Process(stream)
	waitFor(t, "all frames", func() bool { return client.frameCount() == len(want) })
	_, frames, _, _ := client.snapshot()
	if !bytes.Equal(bytes.Join(frames, nil), bytes.Join(want, nil)) {
		t.Fatalf("frames reordered or altered")
	}
}

func TestSession_InterruptionClearsState(t *testing.T) {
	up := newFakeUpstream()
	_, client := activate(t, up, Config{})

	up.emit(modelAudio(tone(600, audio.UpstreamOutputRate, 440))) // 1 frame + 40 samples held
	waitFor(t, "pre-interrupt frame", func() bool { return client.frameCount() == 1 })

	post := tone(480, audio.UpstreamOutputRate, 880)
	up.emit(upstream.Event{Kind: upstream.EventInterrupted}, modelAudio(post))
	waitFor(t, "post-interrupt frame", func() bool { return client.frameCount() == 2 })

	log, frames, _, _ := client.snapshot()
	if len(log) != 3 || log[0] != "audio" || log[1] != "interruption" || log[2] != "audio" {
		t.Fatalf("client saw %v", log)
	}
	fresh, _ := audio.NewDownlink()
	want := fresh.Process(post)
	if len(want) != 1 || !bytes.Equal(frames[1], want[0]) {
		t.Fatalf("post-interruption frame carries pre-interruption audio")
	}
}

type echoTool struct{}

func (echoTool) Name() string                { return "echo" }
func (echoTool) Description() string         { return "echo" }
func (echoTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Execute(_ context.Context, call tools.Call, args json.RawMessage) (string, error) {
	return call.SessionID + ":" + string(args), nil
}

func TestSession_ToolCallCompleteness(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(echoTool{})
	up := newFakeUpstream()
	activate(t, up, Config{Tools: tools.NewDispatcher(reg, nil)})

	calls := []upstream.ToolCall{
		{ID: "c1", Name: "echo", Args: map[string]any{"n": 1}},
		{ID: "c2", Name: "nope"},
		{ID: "c3", Name: "echo"},
	}
	up.emit(upstream.Event{Kind: upstream.EventToolCall, Calls: calls})
	waitFor(t, "tool responses", func() bool { return len(up.snapshotToolResps()) == 1 })

	batch := up.snapshotToolResps()[0]
	if len(batch) != len(calls) {
		t.Fatalf("%d responses for %d calls", len(batch), len(calls))
	}
	for i, r := range batch {
		if r.ID != calls[i].ID {
			t.Fatalf("response %d id %q, want %q", i, r.ID, calls[i].ID)
		}
	}
	if batch[0].Result != `abc:{"n":1}` || batch[1].Result != tools.Apology || batch[2].Result != "abc:{}" {
		t.Fatalf("results = %+v", batch)
	}
}

func TestSession_DialFailureNeverActive(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	cfg := Config{
		Dialer: upstream.DialerFunc(func(context.Context, upstream.Config) (upstream.Session, error) {
			return nil, errors.New("connection refused")
		}),
		OnStateChange: func(_, to State) {
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		},
	}
	s, client := start(t, cfg)
	s.Init("abc")
	waitDone(t, s)

	_, _, errs, closes := client.snapshot()
	if len(errs) != 1 {
		t.Fatalf("client got %d errors, want 1", len(errs))
	}
	if closes != 1 {
		t.Fatalf("client closed %d times", closes)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, st := range seen {
		if st == StateActive {
			t.Fatalf("entered ACTIVE after failed dial: %v", seen)
		}
	}
	if seen[len(seen)-1] != StateClosed {
		t.Fatalf("final state %s", seen[len(seen)-1])
	}
}

type countingSink struct {
	mu      sync.Mutex
	entries []transcript.Entry
	ended   []string
}

func (c *countingSink) CreateSession(string, string, time.Time) error { return nil }
func (c *countingSink) AppendEntry(_ string, e transcript.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}
func (c *countingSink) EndSession(_ string, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = append(c.ended, reason)
	return nil
}

func TestSession_TeardownReleasesOnce(t *testing.T) {
	root := t.TempDir()
	up := newFakeUpstream()
	reg := NewRegistry()
	sink := &countingSink{}
	s, client := activate(t, up, Config{
		Registry: reg,
		Store:    sink,
		Archive:  &archive.Options{Dir: root, Bot: "desk"},
	})

	for range 3 {
		if err := s.Audio(tone(160, audio.ClientRate, 300)); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "audio upstream", func() bool { return up.audioCount() == 3 })

	s.ClientClosed(nil)
	waitDone(t, s)

	if s.State() != StateClosed {
		t.Fatalf("state = %s", s.State())
	}
	if s.downlink != nil || s.uplink != nil {
		t.Fatalf("resamplers still held")
	}
	if s.recorder.OpenFiles() != 0 {
		t.Fatalf("%d archive files still open", s.recorder.OpenFiles())
	}
	info, err := os.Stat(filepath.Join(s.recorder.Dir(), "user.pcm"))
	if err != nil || info.Size() != 3*audio.FrameBytes {
		t.Fatalf("user.pcm: %v, %v", info, err)
	}
	if _, err = os.Stat(filepath.Join(s.recorder.Dir(), "transcript.log")); err != nil {
		t.Fatalf("transcript.log missing: %v", err)
	}
	if reg.Count() != 0 {
		t.Fatalf("session still registered")
	}

	// Further closes are no-ops.
	s.Close()
	s.teardown(ReasonShutdown)
	if err := s.Audio([]byte{0, 0}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Audio after close = %v", err)
	}
	if up.closes.Load() != 1 {
		t.Fatalf("upstream closed %d times", up.closes.Load())
	}
	if _, _, _, closes := client.snapshot(); closes != 1 {
		t.Fatalf("client closed %d times", closes)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.ended) != 1 || sink.ended[0] != ReasonClientClosed {
		t.Fatalf("end reasons = %v", sink.ended)
	}
}

func TestSession_UpstreamErrorSurfacedOnce(t *testing.T) {
	up := newFakeUpstream()
	s, client := activate(t, up, Config{})
	up.recvErr <- errors.New("connection reset")
	waitDone(t, s)

	_, _, errs, closes := client.snapshot()
	if len(errs) != 1 || closes != 1 {
		t.Fatalf("errors = %v, closes = %d", errs, closes)
	}
}

func TestSession_UpstreamCloseClosesClient(t *testing.T) {
	up := newFakeUpstream()
	s, client := activate(t, up, Config{})
	close(up.events)
	waitDone(t, s)

	_, _, errs, closes := client.snapshot()
	if len(errs) != 0 || closes != 1 {
		t.Fatalf("errors = %v, closes = %d", errs, closes)
	}
}

func TestSession_AudioBeforeActiveDropped(t *testing.T) {
	up := newFakeUpstream()
	release := make(chan struct{})
	var dials atomic.Int32
	cfg := Config{Dialer: upstream.DialerFunc(func(ctx context.Context, _ upstream.Config) (upstream.Session, error) {
		dials.Add(1)
		select {
		case <-release:
			return up, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})}
	s, _ := start(t, cfg)

	s.Audio(tone(160, audio.ClientRate, 300)) // before init
	s.Init("abc")
	waitFor(t, "connecting", func() bool { return s.State() == StateConnecting })
	s.Audio(tone(160, audio.ClientRate, 300)) // while connecting
	s.Init("second")                          // duplicate
	close(release)
	waitFor(t, "active", func() bool { return s.State() == StateActive })

	if up.audioCount() != 0 {
		t.Fatalf("%d audio chunks forwarded before ACTIVE", up.audioCount())
	}
	if s.ID() != "abc" || dials.Load() != 1 {
		t.Fatalf("duplicate init changed the session: id %q, dials %d", s.ID(), dials.Load())
	}
}

func TestSession_TranscriptAssembly(t *testing.T) {
	up := newFakeUpstream()
	sink := &countingSink{}
	s, _ := activate(t, up, Config{Store: sink})

	up.emit(
		upstream.Event{Kind: upstream.EventInputTranscript, Text: "I need "},
		upstream.Event{Kind: upstream.EventInputTranscript, Text: "a booking"},
		upstream.Event{Kind: upstream.EventModelTurn, Parts: []upstream.Part{{Text: "Sure, "}}},
		upstream.Event{Kind: upstream.EventModelTurn, Parts: []upstream.Part{{Text: "what day?"}}},
		upstream.Event{Kind: upstream.EventTurnComplete},
	)
	waitFor(t, "entries", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.entries) == 2
	})
	s.ClientClosed(nil)
	waitDone(t, s)

	entries := s.transcript.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Speaker != transcript.User || entries[0].Text != "I need a booking" {
		t.Fatalf("user entry = %+v", entries[0])
	}
	if entries[1].Speaker != transcript.AI || entries[1].Text != "Sure, what day?" {
		t.Fatalf("ai entry = %+v", entries[1])
	}
}

func TestSession_ShutdownViaContext(t *testing.T) {
	up := newFakeUpstream()
	client := &fakeClient{}
	s := New(Config{Dialer: staticDialer(up)}, client)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	s.Init("abc")
	waitFor(t, "active", func() bool { return s.State() == StateActive })
	cancel()
	waitDone(t, s)
	if up.closes.Load() != 1 {
		t.Fatalf("upstream not closed on shutdown")
	}
}

func TestStateString(t *testing.T) {
	if StateActive.String() != "active" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
