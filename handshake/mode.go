package handshake

import (
	"errors"
	"fmt"
)

// Mode selects flags implementation.
type Mode string

const (
	// ModeLocked selects mutex-protected cells with parked waiters.
	ModeLocked Mode = "locked"
	// ModeAtomic selects lock-free cells with polling waiters.
	ModeAtomic Mode = "atomic"
	// ModeShared selects a single mutex-protected cell shared by all
	// streams. It serialises the pipeline.
	ModeShared Mode = "shared"
)

// ErrUnknownMode is returned for unsupported flags mode.
var ErrUnknownMode = errors.New("unknown flags mode")

// New returns flags of requested mode.
func New(mode Mode, streams int, opts ...Option) (Flags, error) {
	switch mode {
	case ModeLocked, "":
		return NewLocked(streams, opts...), nil
	case ModeAtomic:
		return NewAtomic(streams, opts...), nil
	case ModeShared:
		return NewShared(streams, opts...), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

// Valid returns true if mode is supported.
func (m Mode) Valid() bool {
	switch m {
	case ModeLocked, ModeAtomic, ModeShared:
		return true
	}
	return false
}
