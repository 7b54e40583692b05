package handshake

import (
	"context"
	"time"
)

// Locked is a set of mutex-protected cells. Waiters are parked on a
// condition variable and woken by the side that changes the cell.
type Locked struct {
	cells   []cell
	streams int
	shared  bool
	options
}

// NewLocked returns flags with a dedicated cell for every stream.
func NewLocked(streams int, opts ...Option) *Locked {
	f := Locked{
		cells:   make([]cell, streams),
		streams: streams,
		options: newOptions(opts),
	}
	for i := range f.cells {
		f.cells[i].init(i)
	}
	return &f
}

// NewShared returns flags where all streams share a single cell. Only one
// stream can own the cell at a time, so the pipeline is serialised.
func NewShared(streams int, opts ...Option) *Locked {
	f := Locked{
		cells:   make([]cell, 1),
		streams: streams,
		shared:  true,
		options: newOptions(opts),
	}
	f.cells[0].init(-1)
	return &f
}

// Streams returns number of streams.
func (f *Locked) Streams() int {
	return f.streams
}

// Shared returns true if all streams share a single cell.
func (f *Locked) Shared() bool {
	return f.shared
}

func (f *Locked) cell(stream int) *cell {
	if stream < 0 || stream >= f.streams {
		panic("handshake: stream out of range")
	}
	if f.shared {
		return &f.cells[0]
	}
	return &f.cells[stream]
}

// Set sets bits of the stream cell.
func (f *Locked) Set(stream int, bits Bits) error {
	return f.Swap(stream, 0, bits)
}

// Clear clears bits of the stream cell.
func (f *Locked) Clear(stream int, bits Bits) error {
	return f.Swap(stream, bits, 0)
}

// Swap clears and sets bits of the stream cell in a single critical
// section.
func (f *Locked) Swap(stream int, clear, set Bits) error {
	c := f.cell(stream)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bits&clear != clear || (clear != 0 && c.owner != stream) {
		return alternationError(stream, clear, false)
	}
	bits := c.bits &^ clear
	if bits&set != 0 || (set != 0 && bits != 0 && c.owner != stream) {
		return alternationError(stream, set, true)
	}
	c.bits = bits | set
	if f.shared {
		if c.bits == 0 {
			c.owner = -1
		} else {
			c.owner = stream
		}
	}
	f.notify(stream, clear, false)
	f.notify(stream, set, true)
	c.cond.Broadcast()
	return nil
}

// IsSet returns true if all bits are set for the stream.
func (f *Locked) IsSet(stream int, bits Bits) bool {
	c := f.cell(stream)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.match(stream, bits, true)
}

// Wait parks the caller until bits are in the requested state. The wait is
// bounded by the budget timeout.
func (f *Locked) Wait(ctx context.Context, stream int, bits Bits, set bool, b Budget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	c := f.cell(stream)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.match(stream, bits, set) {
		return nil
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, b.Timeout())
	defer cancel()
	// wake up waiters when context is done.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	start := time.Now()
	for !c.match(stream, bits, set) {
		if ctx.Err() != nil {
			if err := parent.Err(); err != nil {
				return err
			}
			return &SyncTimeoutError{
				Stream: stream,
				Bits:   bits,
				Set:    set,
				Waited: time.Since(start),
			}
		}
		c.cond.Wait()
	}
	return nil
}
