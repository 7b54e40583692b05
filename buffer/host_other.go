//go:build !linux

package buffer

// HostAllocator allocates host staging buffers on go heap. Pin is ignored
// on this platform.
type HostAllocator struct {
	Pin bool
}

// Allocate returns zeroed host buffer.
func (a HostAllocator) Allocate(size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, ErrInvalidSize
	}
	return Make(Host, size), nil
}

// Free is a no-op, memory is reclaimed by garbage collector.
func (HostAllocator) Free(Buffer) error {
	return nil
}
