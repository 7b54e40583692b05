package handshake

import "sync"

// cell is a mutex-protected flag cell. Owner is the stream that set the
// bits, it only differs from the cell index for shared cells.
type cell struct {
	mu    sync.Mutex
	cond  *sync.Cond
	bits  Bits
	owner int
}

func (c *cell) init(owner int) {
	c.cond = sync.NewCond(&c.mu)
	c.owner = owner
}

// match must be called with mutex held.
func (c *cell) match(stream int, bits Bits, set bool) bool {
	if set {
		return c.bits&bits == bits && c.owner == stream
	}
	return c.bits&bits == 0
}
