package buffer

import (
	"errors"
)

type (
	// Pair is a pair of buffers assigned to a single stream. In is read
	// by the kernel and Out is written by it.
	Pair struct {
		In  Buffer
		Out Buffer
	}

	// Pool owns per-stream buffer pairs: one device pair for every stream
	// and, if host buffering is enabled, one host pair.
	Pool struct {
		size    int
		max     int
		device  []Pair
		host    []Pair
		devices Allocator
		hosts   Allocator
		freed   bool
	}

	// Option configures the pool.
	Option func(*Pool)

	// SeedFunc returns initial value of i-th element of stream's input
	// buffer.
	SeedFunc func(stream, i int) uint32
)

// WithDeviceAllocator overrides allocator of device buffers.
func WithDeviceAllocator(a Allocator) Option {
	return func(p *Pool) {
		p.devices = a
	}
}

// WithHostBuffering enables host staging buffers allocated with provided
// allocator.
func WithHostBuffering(a Allocator) Option {
	return func(p *Pool) {
		p.hosts = a
	}
}

// WithMaxSize overrides the size ceiling of buffers.
func WithMaxSize(max int) Option {
	return func(p *Pool) {
		p.max = max
	}
}

// DefaultSeed fills stream's input with i + 1000*stream.
func DefaultSeed(stream, i int) uint32 {
	return uint32(i + 1000*stream)
}

// NewPool allocates buffers for provided number of streams. Every buffer
// holds size elements. If any allocation fails, all previously allocated
// buffers are released and *AllocationError is returned.
func NewPool(streams, size int, options ...Option) (*Pool, error) {
	p := Pool{
		size:    size,
		max:     MaxVectorSize,
		devices: DeviceAllocator{},
	}
	for _, option := range options {
		option(&p)
	}
	if size <= 0 {
		return nil, &AllocationError{Size: size, Max: p.max, Err: ErrInvalidSize}
	}
	if size > p.max {
		return nil, &AllocationError{Size: size, Max: p.max, Err: ErrSizeExceeded}
	}

	var err error
	if p.device, err = allocatePairs(p.devices, Device, streams, size); err != nil {
		return nil, err
	}
	if p.hosts != nil {
		if p.host, err = allocatePairs(p.hosts, Host, streams, size); err != nil {
			_ = freePairs(p.devices, p.device)
			return nil, err
		}
	}
	return &p, nil
}

func allocatePairs(a Allocator, loc Location, streams, size int) ([]Pair, error) {
	pairs := make([]Pair, 0, streams)
	for s := 0; s < streams; s++ {
		in, err := a.Allocate(size)
		if err != nil {
			_ = freePairs(a, pairs)
			return nil, &AllocationError{Location: loc, Stream: s, Size: size, Err: err}
		}
		out, err := a.Allocate(size)
		if err != nil {
			_ = a.Free(in)
			_ = freePairs(a, pairs)
			return nil, &AllocationError{Location: loc, Stream: s, Size: size, Err: err}
		}
		pairs = append(pairs, Pair{In: in, Out: out})
	}
	return pairs, nil
}

func freePairs(a Allocator, pairs []Pair) error {
	var errs []error
	for i := range pairs {
		if err := a.Free(pairs[i].In); err != nil {
			errs = append(errs, err)
		}
		if err := a.Free(pairs[i].Out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Streams returns number of streams served by the pool.
func (p *Pool) Streams() int {
	return len(p.device)
}

// Size returns number of elements in every buffer.
func (p *Pool) Size() int {
	return p.size
}

// HostBuffering returns true if pool has host staging buffers.
func (p *Pool) HostBuffering() bool {
	return p.host != nil
}

// Device returns device pair of the stream.
func (p *Pool) Device(stream int) *Pair {
	return &p.device[stream]
}

// Host returns host pair of the stream or nil if host buffering is
// disabled.
func (p *Pool) Host(stream int) *Pair {
	if p.host == nil {
		return nil
	}
	return &p.host[stream]
}

// Seed initialises input buffer of every stream: the host one if host
// buffering is enabled and the device one otherwise.
func (p *Pool) Seed(fn SeedFunc) {
	for s := range p.device {
		in := p.device[s].In
		if p.host != nil {
			in = p.host[s].In
		}
		in.Fill(func(i int) uint32 {
			return fn(s, i)
		})
	}
}

// Free releases all buffers. Consequent calls are no-op.
func (p *Pool) Free() error {
	if p.freed {
		return nil
	}
	p.freed = true
	err := freePairs(p.devices, p.device)
	if p.host != nil {
		err = errors.Join(err, freePairs(p.hosts, p.host))
	}
	p.device, p.host = nil, nil
	return err
}
