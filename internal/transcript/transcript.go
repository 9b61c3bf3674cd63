package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Speaker identifies who said a transcript line.
type Speaker string

const (
	User Speaker = "User"
	AI   Speaker = "AI"
)

// Entry is one line of a call transcript.
type Entry struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

// Transcript is the append-only record of one call. Appends come from the
// session loop; reads may come from tool handlers running concurrently.
type Transcript struct {
	sessionID string
	startedAt time.Time
	now       func() time.Time

	mu      sync.RWMutex
	entries []Entry
}

// New starts an empty transcript for sessionID.
func New(sessionID string) *Transcript {
	return NewWithClock(sessionID, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(sessionID string, now func() time.Time) *Transcript {
	return &Transcript{sessionID: sessionID, startedAt: now(), now: now}
}

// SessionID returns the owning session id.
func (t *Transcript) SessionID() string { return t.sessionID }

// StartedAt returns when the transcript was created.
func (t *Transcript) StartedAt() time.Time { return t.startedAt }

// Append records text for speaker and returns the stored entry. Blank text is
// ignored and reported with ok=false.
func (t *Transcript) Append(speaker Speaker, text string) (e Entry, ok bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, false
	}
	e = Entry{Speaker: speaker, Text: text, Time: t.now()}
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.mu.Unlock()
	return e, true
}

// Entries returns a copy of all entries in order.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Format renders entries as log lines, one per entry.
func Format(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Time.UTC().Format(time.RFC3339), e.Speaker, e.Text)
	}
	return b.String()
}

// Pending accumulates streamed transcription fragments for one speaker until
// the turn ends.
type Pending struct {
	speaker Speaker
	b       strings.Builder
}

// NewPending creates a fragment buffer for speaker.
func NewPending(speaker Speaker) *Pending {
	return &Pending{speaker: speaker}
}

// Add appends a fragment.
func (p *Pending) Add(fragment string) {
	p.b.WriteString(fragment)
}

// Commit moves buffered text into t and clears the buffer.
func (p *Pending) Commit(t *Transcript) (Entry, bool) {
	text := p.b.String()
	p.b.Reset()
	if t == nil {
		return Entry{}, false
	}
	return t.Append(p.speaker, text)
}
