package bridge

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Info is a point-in-time view of a live session.
type Info struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Registry tracks live sessions by id. It holds handles only; every piece of
// per-call state lives on the Session itself.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	s    *Session
	once sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// Register adds s under id. A previous session with the same id is replaced
// in the index but keeps running.
func (r *Registry) Register(id string, s *Session) (unregister func()) {
	if r == nil {
		return func() {}
	}

	e := &entry{s: s}

	r.mu.Lock()
	old := r.sessions[id]
	r.sessions[id] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(id, old)
	}
	return func() { r.unregister(id, e) }
}

func (r *Registry) unregister(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions[id] == e {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

// Get returns the live session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.s, true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// List returns live sessions, oldest first.
func (r *Registry) List() []Info {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]Info, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, Info{ID: id, State: e.s.State().String(), StartedAt: e.s.StartedAt()})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CloseAll asks every registered session to shut down.
func (r *Registry) CloseAll() (closed int) {
	if r == nil {
		return 0
	}
	var all []*Session
	r.mu.Lock()
	for _, e := range r.sessions {
		all = append(all, e.s)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
		closed++
	}
	return closed
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
