package transcript

import (
	"log/slog"
	"time"
)

// Sink is the durable side of a transcript. *Store implements it.
type Sink interface {
	CreateSession(id, bot string, startedAt time.Time) error
	AppendEntry(sessionID string, e Entry) error
	EndSession(id, reason string) error
}

type writeMsg struct {
	kind   string // "start", "entry", "end"
	entry  Entry
	reason string
}

// Writer streams one session's transcript to a Sink through a buffered
// channel so the session loop never waits on the database.
// All methods are nil-safe (no-op on nil receiver).
type Writer struct {
	sink      Sink
	sessionID string
	bot       string
	ch        chan writeMsg
	done      chan struct{}
}

// NewWriter creates a writer bound to a session and records its start.
// Returns nil when sink is nil. Must call Close when done.
func NewWriter(sink Sink, sessionID, bot string, startedAt time.Time) *Writer {
	if sink == nil {
		return nil
	}
	w := &Writer{
		sink:      sink,
		sessionID: sessionID,
		bot:       bot,
		ch:        make(chan writeMsg, 64),
		done:      make(chan struct{}),
	}
	go w.drain()
	w.ch <- writeMsg{kind: "start", entry: Entry{Time: startedAt}}
	return w
}

func (w *Writer) drain() {
	defer close(w.done)
	for msg := range w.ch {
		w.handle(msg)
	}
}

func (w *Writer) handle(m writeMsg) {
	handlers := map[string]func() error{
		"start": func() error { return w.sink.CreateSession(w.sessionID, w.bot, m.entry.Time) },
		"entry": func() error { return w.sink.AppendEntry(w.sessionID, m.entry) },
		"end":   func() error { return w.sink.EndSession(w.sessionID, m.reason) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("transcript write failed", "kind", m.kind, "session_id", w.sessionID, "error", err)
	}
}

// Append queues one entry.
func (w *Writer) Append(e Entry) {
	if w == nil {
		return
	}
	w.ch <- writeMsg{kind: "entry", entry: e}
}

// Close records the end of the session, drains pending writes and stops the
// background goroutine.
func (w *Writer) Close(reason string) {
	if w == nil {
		return
	}
	w.ch <- writeMsg{kind: "end", reason: reason}
	close(w.ch)
	<-w.done
}
