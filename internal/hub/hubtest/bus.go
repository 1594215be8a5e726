// Package hubtest provides an in-process hub.Bus double for channel and
// relay tests: invocations are recorded instead of sent, and pushes are
// dispatched synchronously to registered handlers.
package hubtest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/nmestad/pairlink/internal/hub"
)

var _ hub.Bus = (*Bus)(nil)

// Invocation is one recorded remote call.
type Invocation struct {
	Target string
	Args   []json.RawMessage
}

type Bus struct {
	mu       sync.Mutex
	state    hub.State
	err      error
	invokes  []Invocation
	handlers map[string]map[int]func(args []json.RawMessage)
	nextID   int
}

// NewBus returns a bus in the Connected state.
func NewBus() *Bus {
	return &Bus{
		state:    hub.Connected,
		handlers: make(map[string]map[int]func(args []json.RawMessage)),
	}
}

func (b *Bus) State() hub.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bus) SetState(s hub.State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// FailInvokes makes every subsequent Invoke return err.
func (b *Bus) FailInvokes(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *Bus) Invoke(_ context.Context, target string, args ...any) error {
	raw := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return err
		}
		raw = append(raw, data)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.invokes = append(b.invokes, Invocation{Target: target, Args: raw})
	return nil
}

func (b *Bus) On(target string, fn func(args []json.RawMessage)) (off func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	m, ok := b.handlers[target]
	if !ok {
		m = make(map[int]func(args []json.RawMessage))
		b.handlers[target] = m
	}
	m[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers[target], id)
		b.mu.Unlock()
	}
}

// Push delivers a push event synchronously to every registered handler.
func (b *Bus) Push(t *testing.T, target string, args ...any) {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			t.Fatalf("marshal push argument: %v", err)
		}
		raw = append(raw, data)
	}
	b.mu.Lock()
	fns := make([]func(args []json.RawMessage), 0, len(b.handlers[target]))
	for _, fn := range b.handlers[target] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

// Invocations returns the recorded invokes.
func (b *Bus) Invocations() []Invocation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Invocation(nil), b.invokes...)
}

// InvocationsFor filters recorded invokes by target.
func (b *Bus) InvocationsFor(target string) []Invocation {
	var out []Invocation
	for _, inv := range b.Invocations() {
		if inv.Target == target {
			out = append(out, inv)
		}
	}
	return out
}

// Arg unmarshals the i-th argument of inv into out.
func Arg(t *testing.T, inv Invocation, i int, out any) {
	t.Helper()
	if i >= len(inv.Args) {
		t.Fatalf("invocation %s has %d args, want index %d", inv.Target, len(inv.Args), i)
	}
	if err := json.Unmarshal(inv.Args[i], out); err != nil {
		t.Fatalf("unmarshal %s arg %d: %v", inv.Target, i, err)
	}
}
