package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hubenschmidt/voice-relay/internal/metrics"
	"github.com/hubenschmidt/voice-relay/internal/upstream"
)

// Apology is returned to the model whenever a call cannot be answered.
const Apology = "Sorry, I wasn't able to complete that request right now."

const maxParallel = 8

// Dispatcher resolves and runs tool calls against a Registry.
type Dispatcher struct {
	reg *Registry
	log *slog.Logger
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{reg: reg, log: log}
}

// Declarations returns the tool catalog offered upstream.
func (d *Dispatcher) Declarations() []upstream.ToolDecl {
	if d == nil || d.reg == nil {
		return nil
	}
	return d.reg.Declarations()
}

// Dispatch runs every call in the batch concurrently and returns exactly one
// response per call, in call order. Unknown tools and failing handlers are
// answered with Apology.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, calls []upstream.ToolCall) []upstream.ToolResponse {
	out := make([]upstream.ToolResponse, len(calls))
	var g errgroup.Group
	g.SetLimit(maxParallel)
	for i, tc := range calls {
		g.Go(func() error {
			out[i] = upstream.ToolResponse{ID: tc.ID, Name: tc.Name, Result: d.run(ctx, call, tc)}
			return nil
		})
	}
	g.Wait()
	return out
}

func (d *Dispatcher) run(ctx context.Context, call Call, tc upstream.ToolCall) (result string) {
	log := d.log.With("session_id", call.SessionID, "tool", tc.Name, "call_id", tc.ID)

	var tool Tool
	var ok bool
	if d.reg != nil {
		tool, ok = d.reg.Resolve(tc.Name)
	}
	if !ok {
		log.Warn("unknown tool")
		metrics.ToolCalls.WithLabelValues("unknown", "not_found").Inc()
		return Apology
	}

	start := time.Now()
	defer func() {
		metrics.ToolDuration.WithLabelValues(tc.Name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			log.Error("tool panicked", "panic", fmt.Sprint(r))
			metrics.ToolCalls.WithLabelValues(tc.Name, "error").Inc()
			result = Apology
		}
	}()

	args, err := marshalArgs(tc.Args)
	if err != nil {
		log.Warn("tool args unencodable", "error", err)
		metrics.ToolCalls.WithLabelValues(tc.Name, "error").Inc()
		return Apology
	}

	res, err := tool.Execute(ctx, call, args)
	if err != nil {
		log.Warn("tool failed", "error", err)
		metrics.ToolCalls.WithLabelValues(tc.Name, "error").Inc()
		return Apology
	}
	metrics.ToolCalls.WithLabelValues(tc.Name, "ok").Inc()
	log.Info("tool done", "duration_ms", time.Since(start).Milliseconds())
	return res
}

func marshalArgs(args map[string]any) (json.RawMessage, error) {
	if len(args) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(args)
}
