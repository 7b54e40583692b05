/*
Package stream provides slots: per-stream buffers and flags shared by the
peer and the stream worker.

Slot buffers are never accessed directly. An agent acquires a Lease for
its role, which is only granted when flags hand the slot to that role, and
gives the slot away by releasing the lease together with a flag
transition. A released lease can't be used anymore.
*/
package stream

import (
	"errors"
	"fmt"
	"sync"

	"pipelined.dev/handoff/buffer"
	"pipelined.dev/handoff/handshake"
)

// Role identifies the agent that owns a slot.
type Role int

const (
	// Producer is the peer that fills input and drains result buffers.
	Producer Role = iota
	// Worker is the stream worker that runs the kernel.
	Worker
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case Producer:
		return "producer"
	case Worker:
		return "worker"
	}
	return "unknown"
}

// grant returns flag bits that hand the slot to the role.
func (r Role) grant() handshake.Bits {
	if r == Producer {
		return handshake.Armed
	}
	return handshake.Ready
}

var (
	// ErrNotGranted is returned when flags don't hand the slot to the
	// requested role.
	ErrNotGranted = errors.New("slot is not granted to role")
	// ErrLeased is returned when slot is already leased.
	ErrLeased = errors.New("slot is already leased")
	// ErrReleased is returned when released lease is released again.
	ErrReleased = errors.New("lease is released")
)

type (
	// Tracer receives lease lifecycle events. It's called synchronously
	// while the slot is locked.
	Tracer interface {
		Acquire(stream int, role Role)
		Release(stream int, role Role)
	}

	// Slot is the state of a single stream.
	Slot struct {
		id     int
		device *buffer.Pair
		host   *buffer.Pair

		mu     sync.Mutex
		leased bool
	}

	// Slots is a fixed set of stream slots.
	Slots struct {
		slots  []Slot
		size   int
		flags  handshake.Flags
		tracer Tracer
	}

	// Lease is a capability to access slot buffers. It's valid until
	// released.
	Lease struct {
		slots    *Slots
		slot     *Slot
		role     Role
		released bool
	}
)

// New binds pool buffers and flags into slots. Pool and flags must be
// created for the same number of streams.
func New(pool *buffer.Pool, flags handshake.Flags, tracer Tracer) *Slots {
	if pool.Streams() != flags.Streams() {
		panic(fmt.Sprintf("stream: pool has %d streams, flags have %d", pool.Streams(), flags.Streams()))
	}
	s := Slots{
		slots:  make([]Slot, pool.Streams()),
		size:   pool.Size(),
		flags:  flags,
		tracer: tracer,
	}
	for i := range s.slots {
		s.slots[i].id = i
		s.slots[i].device = pool.Device(i)
		s.slots[i].host = pool.Host(i)
	}
	return &s
}

// Len returns number of slots.
func (s *Slots) Len() int {
	return len(s.slots)
}

// Size returns number of elements in every slot buffer.
func (s *Slots) Size() int {
	return s.size
}

// Flags returns flags of the slots.
func (s *Slots) Flags() handshake.Flags {
	return s.flags
}

// HostBuffering returns true if slots have host staging buffers.
func (s *Slots) HostBuffering() bool {
	return len(s.slots) > 0 && s.slots[0].host != nil
}

// Acquire leases the slot to the role. The slot must be granted to the
// role by flags and must not be leased.
func (s *Slots) Acquire(stream int, role Role) (*Lease, error) {
	slot := &s.slots[stream]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.leased {
		return nil, fmt.Errorf("stream %d %v: %w", stream, role, ErrLeased)
	}
	if !s.flags.IsSet(stream, role.grant()) {
		return nil, fmt.Errorf("stream %d %v: %w", stream, role, ErrNotGranted)
	}
	slot.leased = true
	if s.tracer != nil {
		s.tracer.Acquire(stream, role)
	}
	return &Lease{
		slots: s,
		slot:  slot,
		role:  role,
	}, nil
}

// Role returns the role that holds the lease.
func (l *Lease) Role() Role {
	return l.role
}

// Stream returns the stream index.
func (l *Lease) Stream() int {
	return l.slot.id
}

func (l *Lease) check() {
	if l.released {
		panic("stream: use of released lease")
	}
}

// Device returns device buffers of the slot.
func (l *Lease) Device() buffer.Pair {
	l.check()
	return *l.slot.device
}

// Host returns host buffers of the slot. False is returned if host
// buffering is disabled.
func (l *Lease) Host() (buffer.Pair, bool) {
	l.check()
	if l.slot.host == nil {
		return buffer.Pair{}, false
	}
	return *l.slot.host, true
}

// Exchange returns buffers the peer exchanges data with: host ones if host
// buffering is enabled and device ones otherwise.
func (l *Lease) Exchange() buffer.Pair {
	if p, ok := l.Host(); ok {
		return p
	}
	return l.Device()
}

// Swap exchanges input and output buffers of the slot, so the next
// iteration consumes the output of this one.
func (l *Lease) Swap() {
	l.check()
	d := l.slot.device
	d.In, d.Out = d.Out, d.In
	if h := l.slot.host; h != nil {
		h.In, h.Out = h.Out, h.In
	}
}

// Release ends the lease and hands the slot over by clearing and setting
// flag bits in a single transition.
func (l *Lease) Release(clear, set handshake.Bits) error {
	slot := l.slot
	slot.mu.Lock()
	if l.released {
		slot.mu.Unlock()
		return fmt.Errorf("stream %d %v: %w", slot.id, l.role, ErrReleased)
	}
	l.released = true
	slot.leased = false
	if l.slots.tracer != nil {
		l.slots.tracer.Release(slot.id, l.role)
	}
	slot.mu.Unlock()
	return l.slots.flags.Swap(slot.id, clear, set)
}

// Error is returned by an agent that failed while it processed an
// iteration of the stream.
type Error struct {
	Stream    int
	Iteration int
	Role      Role
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v stream %d iteration %d: %v", e.Role, e.Stream, e.Iteration, e.Err)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}
