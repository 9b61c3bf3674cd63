// Package bridge binds one client connection to one upstream live session.
// All per-call state is owned by a single event loop (Session.Run).
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voice-relay/internal/archive"
	"github.com/hubenschmidt/voice-relay/internal/audio"
	"github.com/hubenschmidt/voice-relay/internal/metrics"
	"github.com/hubenschmidt/voice-relay/internal/prompts"
	"github.com/hubenschmidt/voice-relay/internal/tools"
	"github.com/hubenschmidt/voice-relay/internal/transcript"
	"github.com/hubenschmidt/voice-relay/internal/upstream"
)

// Client is the outbound side of the caller's connection. Implementations
// must preserve call order for SendAudio.
type Client interface {
	SendAudio(frame []byte) error
	SendError(message string) error
	// SendInterruption discards every audio frame not yet written and then
	// notifies the caller.
	SendInterruption() error
	Close() error
}

// InstructionSource yields the system instruction for a new call.
type InstructionSource interface {
	Resolve(ctx context.Context) (string, prompts.Source)
}

// Config is shared by all sessions of a server.
type Config struct {
	Dialer       upstream.Dialer
	Model        string
	Voice        string
	Instructions InstructionSource
	Nudge        string
	Tools        *tools.Dispatcher
	Bot          string
	Archive      *archive.Options // nil disables audio archiving
	Store        transcript.Sink  // nil disables the transcript database
	Registry     *Registry
	Logger       *slog.Logger

	// OnStateChange, when set, observes every transition.
	OnStateChange func(from, to State)
}

type inboundKind int

const (
	inInit inboundKind = iota
	inAudio
	inClientClosed
)

type inbound struct {
	kind inboundKind
	id   string
	pcm  []byte
	err  error
}

type dialResult struct {
	sess upstream.Session
	err  error
	took time.Duration
}

// Session is one call. Create with New, start with Run, feed with Init,
// Audio and ClientClosed.
type Session struct {
	cfg    Config
	client Client
	log    *slog.Logger

	state atomic.Int32

	mu        sync.Mutex
	id        string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // dial, pump and tool goroutines

	inbox    chan inbound
	dialed   chan dialResult
	events   chan []upstream.Event
	toolDone chan []upstream.ToolResponse
	done     chan struct{}
	once     sync.Once

	// Owned by the loop goroutine.
	up         upstream.Session
	uplink     *audio.Uplink
	downlink   *audio.Downlink
	transcript *transcript.Transcript
	userText   *transcript.Pending
	aiText     *transcript.Pending
	recorder   *archive.Recorder
	store      *transcript.Writer
	unregister func()
}

// New creates an uninitialized session for client.
func New(cfg Config, client Client) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewDispatcher(tools.NewRegistry(), cfg.Logger)
	}
	if cfg.Nudge == "" {
		cfg.Nudge = prompts.DefaultNudge
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:      cfg,
		client:   client,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan inbound, 64),
		dialed:   make(chan dialResult),
		events:   make(chan []upstream.Event, 16),
		toolDone: make(chan []upstream.ToolResponse),
		done:     make(chan struct{}),
	}
}

// ID returns the client-supplied session id, empty before init.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// StartedAt returns when init was accepted.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Init starts the call under id. A blank id gets a generated one.
func (s *Session) Init(id string) error {
	return s.post(inbound{kind: inInit, id: id})
}

// Audio forwards one chunk of 8 kHz PCM16 from the caller.
func (s *Session) Audio(pcm []byte) error {
	return s.post(inbound{kind: inAudio, pcm: pcm})
}

// ClientClosed reports that the caller's socket is gone.
func (s *Session) ClientClosed(err error) {
	_ = s.post(inbound{kind: inClientClosed, err: err})
}

// Close ends the session from outside (server shutdown).
func (s *Session) Close() {
	s.cancel()
}

func (s *Session) post(m inbound) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- m:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Run is the session loop. It returns once the session is closed.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown(ReasonShutdown)
	for s.State() != StateClosed {
		select {
		case <-ctx.Done():
			s.teardown(ReasonShutdown)
		case <-s.ctx.Done():
			s.teardown(ReasonShutdown)
		case m := <-s.inbox:
			s.handleInbound(m)
		case r := <-s.dialed:
			s.handleDial(r)
		case evs := <-s.events:
			s.handleEvents(evs)
		case resps := <-s.toolDone:
			s.handleToolResponses(resps)
		}
	}
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.log.Debug("session state", "from", from.String(), "to", to.String())
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(from, to)
	}
}

func (s *Session) handleInbound(m inbound) {
	switch m.kind {
	case inInit:
		s.handleInit(m.id)
	case inAudio:
		s.handleAudio(m.pcm)
	case inClientClosed:
		if m.err != nil {
			s.log.Info("client disconnected", "error", m.err)
		}
		s.teardown(ReasonClientClosed)
	}
}

func (s *Session) handleInit(id string) {
	if s.State() != StateUninitialized {
		s.log.Warn("duplicate init ignored", "uuid", id)
		return
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	s.mu.Lock()
	s.id, s.startedAt = id, now
	s.mu.Unlock()
	s.log = s.log.With("session_id", id)

	uplink, err := audio.NewUplink()
	if err != nil {
		s.abort("resampler", err)
		return
	}
	downlink, err := audio.NewDownlink()
	if err != nil {
		s.abort("resampler", err)
		return
	}
	s.uplink, s.downlink = uplink, downlink

	s.transcript = transcript.New(id)
	s.userText = transcript.NewPending(transcript.User)
	s.aiText = transcript.NewPending(transcript.AI)
	if s.cfg.Archive != nil {
		rec, err := archive.Open(*s.cfg.Archive, id)
		if err != nil {
			s.log.Warn("archive disabled for session", "error", err)
		}
		s.recorder = rec
	}
	s.store = transcript.NewWriter(s.cfg.Store, id, s.cfg.Bot, now)
	s.unregister = s.cfg.Registry.Register(id, s)

	s.setState(StateConnecting)
	s.log.Info("session init")

	s.wg.Add(1)
	go s.dial(s.log)
}

// abort ends a session that failed before reaching ACTIVE.
func (s *Session) abort(stage string, err error) {
	metrics.Errors.WithLabelValues(stage, "init").Inc()
	s.log.Error("session init failed", "stage", stage, "error", err)
	_ = s.client.SendError("session could not be started")
	s.teardown(ReasonDialFailed)
}

func (s *Session) dial(log *slog.Logger) {
	defer s.wg.Done()
	start := time.Now()

	instruction, source := prompts.DefaultSystem, prompts.SourceDefault
	if s.cfg.Instructions != nil {
		instruction, source = s.cfg.Instructions.Resolve(s.ctx)
	}
	log.Debug("system instruction resolved", "source", source, "chars", len(instruction))

	sess, err := s.cfg.Dialer.Dial(s.ctx, upstream.Config{
		Model:             s.cfg.Model,
		SystemInstruction: instruction,
		Voice:             s.cfg.Voice,
		Tools:             s.cfg.Tools.Declarations(),
	})
	select {
	case s.dialed <- dialResult{sess: sess, err: err, took: time.Since(start)}:
	case <-s.ctx.Done():
		if sess != nil {
			_ = sess.Close()
		}
	}
}

func (s *Session) handleDial(r dialResult) {
	if r.err != nil {
		metrics.Errors.WithLabelValues("upstream", "dial").Inc()
		s.log.Error("upstream dial failed", "error", r.err)
		_ = s.client.SendError("upstream connection failed")
		s.teardown(ReasonDialFailed)
		return
	}
	metrics.UpstreamConnectDuration.Observe(r.took.Seconds())

	s.up = r.sess
	s.setState(StateActive)
	s.log.Info("upstream connected", "connect_ms", r.took.Milliseconds())

	s.wg.Add(1)
	go s.pump(r.sess)

	if err := s.up.SendText(s.cfg.Nudge); err != nil {
		s.fail("nudge", err)
	}
}

// pump turns blocking Receive calls into loop events.
func (s *Session) pump(up upstream.Session) {
	defer s.wg.Done()
	for {
		evs, err := up.Receive()
		if err != nil {
			ev := upstream.Event{Kind: upstream.EventClosed}
			if !errors.Is(err, upstream.ErrClosed) {
				ev = upstream.Event{Kind: upstream.EventError, Err: err}
			}
			evs = append(evs, ev)
		}
		if len(evs) > 0 {
			select {
			case s.events <- evs:
			case <-s.ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleAudio(pcm []byte) {
	if s.State() != StateActive {
		s.log.Debug("audio dropped", "state", s.State().String(), "bytes", len(pcm))
		return
	}
	s.recorder.Append(transcript.User, pcm)
	out := s.uplink.Process(pcm)
	if len(out) == 0 {
		return
	}
	if err := s.up.SendAudio(out); err != nil {
		s.fail("send_audio", err)
		return
	}
	metrics.AudioChunksIn.Inc()
}

func (s *Session) handleEvents(evs []upstream.Event) {
	for _, ev := range evs {
		if s.State() != StateActive {
			return
		}
		s.handleEvent(ev)
	}
}

func (s *Session) handleEvent(ev upstream.Event) {
	switch ev.Kind {
	case upstream.EventSetupComplete:
		s.log.Debug("upstream setup complete")
	case upstream.EventInputTranscript:
		s.userText.Add(ev.Text)
	case upstream.EventModelTurn:
		s.handleModelTurn(ev.Parts)
	case upstream.EventToolCall:
		s.handleToolCall(ev.Calls)
	case upstream.EventInterrupted:
		s.handleInterrupted()
	case upstream.EventTurnComplete:
		s.commit(s.userText)
		s.commit(s.aiText)
	case upstream.EventError:
		s.fail("upstream", ev.Err)
	case upstream.EventClosed:
		s.log.Info("upstream closed")
		s.teardown(ReasonUpstreamClosed)
	}
}

func (s *Session) handleModelTurn(parts []upstream.Part) {
	s.commit(s.userText)
	for _, p := range parts {
		if !p.IsAudio() {
			s.aiText.Add(p.Text)
			continue
		}
		for _, frame := range s.downlink.Process(p.Audio) {
			if err := s.client.SendAudio(frame); err != nil {
				s.log.Debug("frame not queued", "error", err)
				continue
			}
			s.recorder.Append(transcript.AI, frame)
			metrics.FramesOut.Inc()
		}
	}
}

func (s *Session) handleToolCall(calls []upstream.ToolCall) {
	s.commit(s.userText)
	call := tools.Call{SessionID: s.ID(), Transcript: s.transcript.Entries()}
	s.log.Info("tool calls", "count", len(calls))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resps := s.cfg.Tools.Dispatch(s.ctx, call, calls)
		select {
		case s.toolDone <- resps:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) handleToolResponses(resps []upstream.ToolResponse) {
	if s.State() != StateActive {
		return
	}
	if err := s.up.SendToolResponses(resps); err != nil {
		s.fail("tool_response", err)
	}
}

func (s *Session) handleInterrupted() {
	dropped := s.downlink.Buffered()
	s.downlink.Reset()
	if err := s.client.SendInterruption(); err != nil {
		s.log.Debug("interruption not delivered", "error", err)
	}
	s.commit(s.aiText)
	metrics.Interruptions.Inc()
	s.log.Info("interrupted", "buffered_bytes_dropped", dropped)
}

// fail surfaces one error to the caller and closes the session.
func (s *Session) fail(stage string, err error) {
	metrics.Errors.WithLabelValues(stage, "upstream").Inc()
	s.log.Error("upstream failure", "stage", stage, "error", err)
	_ = s.client.SendError(fmt.Sprintf("upstream error: %s", stage))
	s.teardown(ReasonUpstreamError)
}

func (s *Session) commit(p *transcript.Pending) {
	if p == nil {
		return
	}
	if e, ok := p.Commit(s.transcript); ok {
		s.store.Append(e)
	}
}

// teardown releases every per-session resource exactly once.
func (s *Session) teardown(reason string) {
	s.once.Do(func() {
		from := s.State()
		s.setState(StateClosing)
		s.cancel()
		if s.up != nil {
			if err := s.up.Close(); err != nil {
				s.log.Debug("upstream close", "error", err)
			}
		}
		s.wg.Wait()

		s.commit(s.userText)
		s.commit(s.aiText)
		if s.downlink != nil {
			s.downlink.Reset()
		}
		s.downlink, s.uplink = nil, nil

		var entries []transcript.Entry
		if s.transcript != nil {
			entries = s.transcript.Entries()
		}
		if err := s.recorder.Close(entries); err != nil {
			s.log.Warn("archive flush failed", "error", err)
		}
		s.store.Close(reason)
		if s.unregister != nil {
			s.unregister()
		}
		if err := s.client.Close(); err != nil {
			s.log.Debug("client close", "error", err)
		}

		if started := s.StartedAt(); !started.IsZero() {
			metrics.SessionDuration.Observe(time.Since(started).Seconds())
		}
		s.setState(StateClosed)
		s.log.Info("session closed", "reason", reason, "from", from.String(), "entries", len(entries))
		close(s.done)
	})
}
