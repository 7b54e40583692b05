/*
Package handshake provides per-stream flag cells used to hand buffer
ownership between the pipeline agents.

Every stream has a cell of Bits:

    Ready       - the worker owns the stream buffers;
    Read, Write - the peer owns the stream buffers.

A bit may only be set when it's clear and cleared when it's set, so every
bit strictly alternates. Swap changes several bits in a single critical
section, which is how the peer hands a slot to the worker.

Two implementations are provided: Locked, where every cell is guarded by a
mutex and waiters are parked on a condition variable, and Atomic, where
cells are lock-free words and waiters poll. NewShared returns a degraded
Locked variant where all streams share a single cell. It serialises the
whole pipeline and exists only to reproduce single-flag setups.
*/
package handshake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Bits is a set of flags of a single stream cell.
type Bits uint32

const (
	// Ready means that data is ready and the worker owns the slot.
	Ready Bits = 1 << iota
	// Read means that the peer may read the result buffer.
	Read
	// Write means that the peer may write the input buffer.
	Write

	// Armed is set when the slot is handed to the peer.
	Armed = Read | Write
	// Any covers all bits. Cell with no bits set is free.
	Any = Ready | Read | Write
)

// String returns names of set bits joined with |.
func (b Bits) String() string {
	if b == 0 {
		return "none"
	}
	var names []string
	if b&Ready != 0 {
		names = append(names, "ready")
	}
	if b&Read != 0 {
		names = append(names, "read")
	}
	if b&Write != 0 {
		names = append(names, "write")
	}
	return strings.Join(names, "|")
}

type (
	// Flags is a set of per-stream cells.
	Flags interface {
		// Streams returns number of streams.
		Streams() int
		// Set sets bits of the stream cell. All bits must be clear.
		Set(stream int, bits Bits) error
		// Clear clears bits of the stream cell. All bits must be set.
		Clear(stream int, bits Bits) error
		// Swap clears and sets bits in a single critical section.
		Swap(stream int, clear, set Bits) error
		// IsSet returns true if all bits are set for the stream.
		IsSet(stream int, bits Bits) bool
		// Wait blocks until all bits are in the requested state, ctx is
		// done or the budget is exhausted.
		Wait(ctx context.Context, stream int, bits Bits, set bool, b Budget) error
	}

	// Observer receives every transition of the cells. It's called
	// synchronously and must not call Flags methods.
	Observer interface {
		Transition(stream int, bits Bits, set bool)
	}

	// Option configures flags.
	Option func(*options)

	options struct {
		observer Observer
	}
)

// WithObserver attaches transitions observer.
func WithObserver(o Observer) Option {
	return func(opts *options) {
		opts.observer = o
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) notify(stream int, bits Bits, set bool) {
	if o.observer != nil && bits != 0 {
		o.observer.Transition(stream, bits, set)
	}
}

// Budget bounds every wait on a flag.
type Budget struct {
	// Interval between two consequent checks of a polled flag.
	Interval time.Duration
	// Attempts is the maximum number of checks.
	Attempts int
}

// DefaultBudget allows to wait up to ten seconds.
var DefaultBudget = Budget{
	Interval: 50 * time.Microsecond,
	Attempts: 200000,
}

// Timeout returns the maximum duration of a wait.
func (b Budget) Timeout() time.Duration {
	return b.Interval * time.Duration(b.Attempts)
}

// Validate returns ErrInvalidBudget if interval or attempts aren't
// positive. Waits reject such budgets before touching the cell.
func (b Budget) Validate() error {
	if b.Interval <= 0 || b.Attempts <= 0 {
		return fmt.Errorf("%w: interval %v attempts %d", ErrInvalidBudget, b.Interval, b.Attempts)
	}
	return nil
}

var (
	// ErrAlternation is returned when bit is set twice or cleared twice
	// in a row.
	ErrAlternation = errors.New("flag alternation violated")
	// ErrSyncTimeout is returned when wait exceeds its budget.
	ErrSyncTimeout = errors.New("sync timeout")
	// ErrInvalidBudget is returned when wait budget is unbounded or empty.
	ErrInvalidBudget = errors.New("invalid wait budget")
)

// SyncTimeoutError is returned when wait on a flag exceeds its budget. It
// indicates a stalled agent or misconfigured pipeline.
type SyncTimeoutError struct {
	Stream int
	Bits   Bits
	Set    bool
	Waited time.Duration
}

func (e *SyncTimeoutError) Error() string {
	state := "clear"
	if e.Set {
		state = "set"
	}
	return fmt.Sprintf("sync timeout: stream %d waited %v for %v to be %s", e.Stream, e.Waited, e.Bits, state)
}

// Is allows to match timeout errors with ErrSyncTimeout.
func (e *SyncTimeoutError) Is(err error) bool {
	return err == ErrSyncTimeout
}

func alternationError(stream int, bits Bits, set bool) error {
	op := "clear"
	if set {
		op = "set"
	}
	return fmt.Errorf("stream %d %s %v: %w", stream, op, bits, ErrAlternation)
}
