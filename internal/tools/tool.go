// Package tools holds the explicit registry of callable tools and the
// dispatcher that answers upstream tool-call batches.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hubenschmidt/voice-relay/internal/transcript"
	"github.com/hubenschmidt/voice-relay/internal/upstream"
)

// Call is the per-session context handed to a tool.
type Call struct {
	SessionID  string
	Transcript []transcript.Entry // snapshot, read-only
}

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, call Call, args json.RawMessage) (string, error)
}

// Registry holds registered tools and provides lookup.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a name twice is an error so a deployment
// catalog cannot silently shadow a built-in.
func (r *Registry) Register(t Tool) error {
	if t.Name() == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if _, dup := r.tools[t.Name()]; dup {
		return fmt.Errorf("register tool %q: already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Resolve returns a tool by name.
func (r *Registry) Resolve(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.tools) }

// Declarations converts registered tools to the upstream catalog format.
func (r *Registry) Declarations() []upstream.ToolDecl {
	all := r.All()
	out := make([]upstream.ToolDecl, 0, len(all))
	for _, t := range all {
		out = append(out, upstream.ToolDecl{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return out
}
