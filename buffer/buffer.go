/*
Package buffer provides fixed-size vector buffers and the pool that owns
them for the lifetime of a pipeline run.

Buffers can reside in two locations:

    Device - compute-local memory, read and written by the kernel;
    Host   - staging memory, used only when host buffering is enabled.

Buffers are allocated once, before any goroutine is started, and freed once
after all of them returned. Pool doesn't do any locking: callers serialise
access to the buffers with stream flags.
*/
package buffer

import (
	"errors"
	"fmt"
	"strings"
)

// MaxVectorSize is the default ceiling of a buffer length, in elements. It
// mirrors the in-memory limit of the accelerator.
const MaxVectorSize = 128 * 1024

// elementSize is the size of a single buffer element in bytes.
const elementSize = 4

// Location identifies where buffer memory resides.
type Location int

const (
	// Device memory is local to the compute kernel.
	Device Location = iota
	// Host memory is used to stage data before it reaches the device.
	Host
)

// String returns the location name.
func (l Location) String() string {
	switch l {
	case Device:
		return "device"
	case Host:
		return "host"
	}
	return "unknown"
}

// Buffer is a fixed-length vector of uint32 values.
type Buffer struct {
	Location
	data []uint32
	// raw is set for buffers mapped outside of go heap.
	raw []byte
}

var (
	// ErrInvalidSize is returned when buffer of non-positive size is
	// requested.
	ErrInvalidSize = errors.New("invalid vector size")
	// ErrSizeExceeded is returned when requested size is above the
	// configured maximum.
	ErrSizeExceeded = errors.New("vector size exceeds maximum")
)

// AllocationError is returned when pool cannot allocate its buffers. It's
// fatal and always reported before any goroutine is started.
type AllocationError struct {
	Location Location
	Stream   int
	Size     int
	Max      int
	Err      error
}

func (e *AllocationError) Error() string {
	if errors.Is(e.Err, ErrSizeExceeded) {
		return fmt.Sprintf("allocation error: %v: %d > %d", e.Err, e.Size, e.Max)
	}
	return fmt.Sprintf("allocation error: %s buffer of %d elements for stream %d: %v", e.Location, e.Size, e.Stream, e.Err)
}

// Unwrap returns the cause of allocation failure.
func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Make returns a zeroed buffer allocated on go heap. It's useful for
// scratch buffers and tests.
func Make(loc Location, size int) Buffer {
	return Buffer{
		Location: loc,
		data:     make([]uint32, size),
	}
}

// Wrap returns a device buffer backed by provided slice.
func Wrap(data []uint32) Buffer {
	return Buffer{
		Location: Device,
		data:     data,
	}
}

// Len returns the number of elements in the buffer.
func (b Buffer) Len() int {
	return len(b.data)
}

// Data returns the underlying slice. Its content must be accessed only by
// the current owner of the buffer.
func (b Buffer) Data() []uint32 {
	return b.data
}

// CopyFrom copies content of src into the buffer and returns number of
// copied elements.
func (b Buffer) CopyFrom(src Buffer) int {
	return copy(b.data, src.data)
}

// Fill sets every element to the value returned by fn.
func (b Buffer) Fill(fn func(i int) uint32) {
	for i := range b.data {
		b.data[i] = fn(i)
	}
}

// Sample formats the first two and the last elements of the buffer, e.g.
// [0,1, ... ,1023].
func (b Buffer) Sample() string {
	switch n := len(b.data); n {
	case 0:
		return "[]"
	case 1, 2, 3:
		s := make([]string, 0, n)
		for _, v := range b.data {
			s = append(s, fmt.Sprint(v))
		}
		return "[" + strings.Join(s, ",") + "]"
	default:
		return fmt.Sprintf("[%d,%d, ... ,%d]", b.data[0], b.data[1], b.data[n-1])
	}
}

// Allocator allocates buffers of a certain location.
type Allocator interface {
	Allocate(size int) (Buffer, error)
	Free(Buffer) error
}

// DeviceAllocator allocates device buffers on go heap.
type DeviceAllocator struct{}

// Allocate returns zeroed device buffer.
func (DeviceAllocator) Allocate(size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, ErrInvalidSize
	}
	return Make(Device, size), nil
}

// Free is a no-op, memory is reclaimed by garbage collector.
func (DeviceAllocator) Free(Buffer) error {
	return nil
}
