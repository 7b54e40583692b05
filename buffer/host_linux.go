//go:build linux

package buffer

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HostAllocator allocates host staging buffers as anonymous memory
// mappings. When Pin is set, pages are locked in RAM, the way pinned host
// memory is prepared for device transfers.
type HostAllocator struct {
	Pin bool
}

// Allocate maps zeroed host buffer of provided size.
func (a HostAllocator) Allocate(size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, ErrInvalidSize
	}
	raw, err := unix.Mmap(-1, 0, size*elementSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return Buffer{}, fmt.Errorf("mmap host buffer: %w", err)
	}
	if a.Pin {
		if err := unix.Mlock(raw); err != nil {
			_ = unix.Munmap(raw)
			return Buffer{}, fmt.Errorf("pin host buffer: %w", err)
		}
	}
	return Buffer{
		Location: Host,
		data:     unsafe.Slice((*uint32)(unsafe.Pointer(&raw[0])), size),
		raw:      raw,
	}, nil
}

// Free unmaps host buffer.
func (a HostAllocator) Free(b Buffer) error {
	if b.raw == nil {
		return nil
	}
	if a.Pin {
		if err := unix.Munlock(b.raw); err != nil {
			return fmt.Errorf("unpin host buffer: %w", err)
		}
	}
	if err := unix.Munmap(b.raw); err != nil {
		return fmt.Errorf("munmap host buffer: %w", err)
	}
	return nil
}
