package ws

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubenschmidt/voice-relay/internal/metrics"
)

var errWriterClosed = errors.New("client writer closed")

const (
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 20 * time.Second
	queueSize           = 512 // ~10 s of 20 ms frames
	maxFlushFrames      = 64
	flushTimeout        = 500 * time.Millisecond
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	payload []byte
	audio   bool
	gen     uint64
}

// clientWriter is the single writer for one client socket. Audio frames are
// tagged with the generation current when queued; an interruption bumps the
// generation so frames already queued are skipped rather than written.
type clientWriter struct {
	ws           wsWriter
	log          *slog.Logger
	writeTimeout time.Duration
	pingInterval time.Duration

	queue  chan outboundFrame
	gen    atomic.Uint64
	closed chan struct{}
	once   sync.Once
	done   chan struct{}
}

func newClientWriter(ws wsWriter, writeTimeout, pingInterval time.Duration, log *slog.Logger) *clientWriter {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &clientWriter{
		ws:           ws,
		log:          log,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		queue:        make(chan outboundFrame, queueSize),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// SendAudio queues one audio frame.
func (w *clientWriter) SendAudio(frame []byte) error {
	payload, err := encodeAudio(frame)
	if err != nil {
		return err
	}
	return w.enqueue(outboundFrame{payload: payload, audio: true, gen: w.gen.Load()})
}

// SendError queues an error event.
func (w *clientWriter) SendError(message string) error {
	payload, err := encodeError(message)
	if err != nil {
		return err
	}
	return w.enqueue(outboundFrame{payload: payload})
}

// SendInterruption invalidates every audio frame queued so far and queues the
// interruption event behind them.
func (w *clientWriter) SendInterruption() error {
	w.gen.Add(1)
	payload, err := encodeInterruption()
	if err != nil {
		return err
	}
	return w.enqueue(outboundFrame{payload: payload})
}

// Close stops accepting frames. The writer flushes what is still queued,
// sends a close frame and closes the socket.
func (w *clientWriter) Close() error {
	w.shutdown()
	return nil
}

func (w *clientWriter) shutdown() {
	w.once.Do(func() { close(w.closed) })
}

func (w *clientWriter) enqueue(f outboundFrame) error {
	select {
	case <-w.closed:
		return errWriterClosed
	default:
	}
	select {
	case w.queue <- f:
		return nil
	case <-w.closed:
		return errWriterClosed
	}
}

// Run writes queued frames until Close or a write failure.
func (w *clientWriter) Run() {
	defer close(w.done)
	ping := time.NewTicker(w.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-w.closed:
			w.flush()
			_ = w.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(w.writeTimeout))
			_ = w.ws.Close()
			return
		case f := <-w.queue:
			if _, err := w.write(f); err != nil {
				w.log.Info("client write failed", "error", err)
				w.shutdown()
				_ = w.ws.Close()
				return
			}
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout)); err != nil {
				w.log.Info("client ping failed", "error", err)
				w.shutdown()
				_ = w.ws.Close()
				return
			}
		}
	}
}

// flush drains the queue at close. Events are always written; audio stops
// after maxFlushFrames written frames or flushTimeout.
func (w *clientWriter) flush() {
	deadline := time.Now().Add(flushTimeout)
	written := 0
	for {
		select {
		case f := <-w.queue:
			if f.audio && (written >= maxFlushFrames || time.Now().After(deadline)) {
				metrics.FramesDropped.Inc()
				continue
			}
			ok, err := w.write(f)
			if err != nil {
				return
			}
			if ok && f.audio {
				written++
			}
		default:
			return
		}
	}
}

// write reports whether f went out; stale audio is dropped.
func (w *clientWriter) write(f outboundFrame) (bool, error) {
	if f.audio && f.gen != w.gen.Load() {
		metrics.FramesDropped.Inc()
		return false, nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return false, err
	}
	if err := w.ws.WriteMessage(websocket.TextMessage, f.payload); err != nil {
		return false, err
	}
	return true, nil
}
