// Package mock provides mocks for pipeline collaborators and allows to
// verify pipeline execution in integration tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pipelined.dev/handoff/buffer"
	"pipelined.dev/handoff/handshake"
	"pipelined.dev/handoff/stream"
)

// Call is a single kernel invocation.
type Call struct {
	Stream    int
	Iteration int
	Start     time.Time
	End       time.Time
}

// Kernel mocks a kernel.Kernel interface. It multiplies input by Factor,
// or by 2 if Factor is zero. Iterations are derived from number of calls
// per stream, so Streams must match the pipeline.
type Kernel struct {
	Streams int
	Factor  uint32
	Delay   time.Duration
	// ErrorOnCall is returned at iteration ErrorOnIteration.
	ErrorOnCall      error
	ErrorOnIteration int
	Hooks

	mu    sync.Mutex
	calls []Call
	count map[int]int
}

// Hooks allows to mock kernel hooks.
type Hooks struct {
	Flushed      bool
	ErrorOnFlush error
}

// Compute implements kernel.Kernel.
func (m *Kernel) Compute(in, out buffer.Buffer, stream int) error {
	start := time.Now()
	m.mu.Lock()
	if m.count == nil {
		m.count = make(map[int]int)
	}
	iteration := stream + m.count[stream]*max(m.Streams, 1)
	m.count[stream]++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.calls = append(m.calls, Call{Stream: stream, Iteration: iteration, Start: start, End: time.Now()})
		m.mu.Unlock()
	}()
	if m.ErrorOnCall != nil && iteration == m.ErrorOnIteration {
		return m.ErrorOnCall
	}
	time.Sleep(m.Delay)
	factor := m.Factor
	if factor == 0 {
		factor = 2
	}
	src, dst := in.Data(), out.Data()
	for i := range src {
		dst[i] = src[i] * factor
	}
	return nil
}

// Flush implements kernel.Flusher.
func (m *Kernel) Flush(context.Context) error {
	m.Flushed = true
	return m.ErrorOnFlush
}

// Calls returns recorded invocations ordered by completion.
func (m *Kernel) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Iterations returns iterations computed by the stream, in order.
func (m *Kernel) Iterations(stream int) []int {
	var result []int
	for _, c := range m.Calls() {
		if c.Stream == stream {
			result = append(result, c.Iteration)
		}
	}
	return result
}

// Lease is a recorded lease lifecycle event.
type Lease struct {
	Stream  int
	Role    stream.Role
	Acquire bool
}

// Transition is a recorded flag transition.
type Transition struct {
	Stream int
	Bits   handshake.Bits
	Set    bool
}

// Tracer records lease events and flag transitions. It implements
// stream.Tracer and handshake.Observer.
type Tracer struct {
	mu          sync.Mutex
	leases      []Lease
	transitions []Transition
}

// Acquire implements stream.Tracer.
func (t *Tracer) Acquire(s int, r stream.Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leases = append(t.leases, Lease{Stream: s, Role: r, Acquire: true})
}

// Release implements stream.Tracer.
func (t *Tracer) Release(s int, r stream.Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leases = append(t.leases, Lease{Stream: s, Role: r})
}

// Transition implements handshake.Observer.
func (t *Tracer) Transition(s int, bits handshake.Bits, set bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transitions = append(t.transitions, Transition{Stream: s, Bits: bits, Set: set})
}

// Leases returns recorded lease events.
func (t *Tracer) Leases() []Lease {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Lease(nil), t.leases...)
}

// Overlap returns error if any stream slot was leased while another lease
// of it was still held.
func (t *Tracer) Overlap() error {
	held := make(map[int]*Lease)
	for i, l := range t.Leases() {
		h, ok := held[l.Stream]
		switch {
		case l.Acquire && ok:
			return fmt.Errorf("event %d: stream %d leased to %v while held by %v", i, l.Stream, l.Role, h.Role)
		case l.Acquire:
			held[l.Stream] = &l
		case !ok || h.Role != l.Role:
			return fmt.Errorf("event %d: stream %d released by %v without lease", i, l.Stream, l.Role)
		default:
			delete(held, l.Stream)
		}
	}
	return nil
}

// Alternation returns error if any flag bit of any stream was set twice
// without clear or cleared twice without set.
func (t *Tracer) Alternation() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	type key struct {
		stream int
		bit    handshake.Bits
	}
	state := make(map[key]bool)
	for i, tr := range t.transitions {
		for _, bit := range []handshake.Bits{handshake.Ready, handshake.Read, handshake.Write} {
			if tr.Bits&bit == 0 {
				continue
			}
			k := key{tr.Stream, bit}
			if state[k] == tr.Set {
				return fmt.Errorf("transition %d: stream %d bit %v set=%v twice", i, tr.Stream, bit, tr.Set)
			}
			state[k] = tr.Set
		}
	}
	return nil
}
