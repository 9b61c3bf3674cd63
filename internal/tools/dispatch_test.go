package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hubenschmidt/voice-relay/internal/upstream"
)

type stubTool struct {
	name  string
	delay time.Duration
	fn    func(args json.RawMessage) (string, error)
}

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Description() string         { return "stub " + s.name }
func (s *stubTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Execute(_ context.Context, _ Call, args json.RawMessage) (string, error) {
	time.Sleep(s.delay)
	return s.fn(args)
}

func echo(name string, delay time.Duration) *stubTool {
	return &stubTool{name: name, delay: delay, fn: func(args json.RawMessage) (string, error) {
		return name + ":" + string(args), nil
	}}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echo("a", 0)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(echo("a", 0)); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
}

func TestRegistry_DeclarationsSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echo("zeta", 0))
	reg.Register(echo("alpha", 0))
	decls := reg.Declarations()
	if len(decls) != 2 || decls[0].Name != "alpha" || decls[1].Name != "zeta" {
		t.Fatalf("decls = %+v", decls)
	}
}

func TestDispatch_Completeness(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echo("slow", 40*time.Millisecond))
	reg.Register(echo("fast", 0))
	reg.Register(&stubTool{name: "broken", fn: func(json.RawMessage) (string, error) {
		return "", errors.New("backend down")
	}})
	reg.Register(&stubTool{name: "panics", fn: func(json.RawMessage) (string, error) {
		panic("boom")
	}})
	d := NewDispatcher(reg, nil)

	calls := []upstream.ToolCall{
		{ID: "1", Name: "slow", Args: map[string]any{"x": 1}},
		{ID: "2", Name: "missing"},
		{ID: "3", Name: "fast"},
		{ID: "4", Name: "broken"},
		{ID: "5", Name: "panics"},
	}
	resps := d.Dispatch(context.Background(), Call{SessionID: "abc"}, calls)

	if len(resps) != len(calls) {
		t.Fatalf("got %d responses for %d calls", len(resps), len(calls))
	}
	for i, r := range resps {
		if r.ID != calls[i].ID || r.Name != calls[i].Name {
			t.Fatalf("response %d = %+v, want id %s", i, r, calls[i].ID)
		}
	}
	if resps[0].Result != `slow:{"x":1}` || resps[2].Result != "fast:{}" {
		t.Fatalf("results = %+v", resps)
	}
	for _, i := range []int{1, 3, 4} {
		if resps[i].Result != Apology {
			t.Fatalf("response %d = %q, want apology", i, resps[i].Result)
		}
	}
}

func TestDispatch_RunsConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	reg := NewRegistry()
	reg.Register(&stubTool{name: "wait", fn: func(json.RawMessage) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	}})
	d := NewDispatcher(reg, nil)
	calls := make([]upstream.ToolCall, 4)
	for i := range calls {
		calls[i] = upstream.ToolCall{ID: string(rune('a' + i)), Name: "wait"}
	}
	d.Dispatch(context.Background(), Call{}, calls)
	if peak.Load() < 2 {
		t.Fatalf("calls ran serially (peak %d)", peak.Load())
	}
}

func TestDispatch_EmptyBatch(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil)
	if got := d.Dispatch(context.Background(), Call{}, nil); len(got) != 0 {
		t.Fatalf("got %d responses for empty batch", len(got))
	}
}

func TestClock(t *testing.T) {
	c, err := NewClock("Europe/London")
	if err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC) }

	got, err := c.Execute(context.Background(), Call{}, json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "13:00") || !strings.Contains(got, "Europe/London") {
		t.Fatalf("got %q, want BST wall time", got)
	}

	got, _ = c.Execute(context.Background(), Call{}, json.RawMessage(`{"timezone":"Asia/Tokyo"}`))
	if !strings.Contains(got, "21:00") {
		t.Fatalf("got %q, want Tokyo wall time", got)
	}

	if _, err = c.Execute(context.Background(), Call{}, json.RawMessage(`{"timezone":"Mars/Base"}`)); err == nil {
		t.Fatalf("invalid timezone accepted")
	}
}
