package handshake

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"pipelined.dev/handoff/internal/poll"
)

// Atomic is a set of lock-free cells. Transitions are compare-and-swap
// loops, waiters poll the cell every budget interval.
//
// Observer is called after the transition is published, so observed order
// of transitions from different goroutines may differ from the actual one.
type Atomic struct {
	cells []atomic.Uint32
	options
}

// NewAtomic returns lock-free flags with a dedicated cell for every stream.
func NewAtomic(streams int, opts ...Option) *Atomic {
	return &Atomic{
		cells:   make([]atomic.Uint32, streams),
		options: newOptions(opts),
	}
}

// Streams returns number of streams.
func (f *Atomic) Streams() int {
	return len(f.cells)
}

// Set sets bits of the stream cell.
func (f *Atomic) Set(stream int, bits Bits) error {
	return f.Swap(stream, 0, bits)
}

// Clear clears bits of the stream cell.
func (f *Atomic) Clear(stream int, bits Bits) error {
	return f.Swap(stream, bits, 0)
}

// Swap atomically clears and sets bits of the stream cell.
func (f *Atomic) Swap(stream int, clear, set Bits) error {
	c := &f.cells[stream]
	for {
		old := Bits(c.Load())
		if old&clear != clear {
			return alternationError(stream, clear, false)
		}
		bits := old &^ clear
		if bits&set != 0 {
			return alternationError(stream, set, true)
		}
		if c.CompareAndSwap(uint32(old), uint32(bits|set)) {
			break
		}
	}
	f.notify(stream, clear, false)
	f.notify(stream, set, true)
	return nil
}

// IsSet returns true if all bits are set for the stream.
func (f *Atomic) IsSet(stream int, bits Bits) bool {
	return Bits(f.cells[stream].Load())&bits == bits
}

// Wait polls the cell until bits are in the requested state. It's a busy
// wait bounded by the budget.
func (f *Atomic) Wait(ctx context.Context, stream int, bits Bits, set bool, b Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	c := &f.cells[stream]
	start := time.Now()
	_, err := poll.Until(ctx, b.Interval, b.Attempts, func() bool {
		v := Bits(c.Load())
		if set {
			return v&bits == bits
		}
		return v&bits == 0
	})
	if errors.Is(err, poll.ErrExhausted) {
		return &SyncTimeoutError{
			Stream: stream,
			Bits:   bits,
			Set:    set,
			Waited: time.Since(start),
		}
	}
	return err
}
