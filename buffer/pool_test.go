package buffer_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/handoff/buffer"
)

type failingAllocator struct {
	after int
	calls int
	freed int
}

var errAllocator = errors.New("allocator failure")

func (a *failingAllocator) Allocate(size int) (buffer.Buffer, error) {
	if a.calls == a.after {
		return buffer.Buffer{}, errAllocator
	}
	a.calls++
	return buffer.Make(buffer.Device, size), nil
}

func (a *failingAllocator) Free(buffer.Buffer) error {
	a.freed++
	return nil
}

func TestPool(t *testing.T) {
	p, err := buffer.NewPool(3, 16, buffer.WithHostBuffering(buffer.HostAllocator{}))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Streams())
	assert.Equal(t, 16, p.Size())
	assert.True(t, p.HostBuffering())

	for s := 0; s < p.Streams(); s++ {
		d := p.Device(s)
		assert.Equal(t, buffer.Device, d.In.Location)
		assert.Equal(t, 16, d.In.Len())
		assert.Equal(t, 16, d.Out.Len())
		h := p.Host(s)
		require.NotNil(t, h)
		assert.Equal(t, buffer.Host, h.In.Location)
		assert.Equal(t, make([]uint32, 16), h.Out.Data(), "zeroed")
	}

	p.Seed(buffer.DefaultSeed)
	assert.Equal(t, uint32(2005), p.Host(2).In.Data()[5])
	assert.Equal(t, uint32(0), p.Device(2).In.Data()[5], "device input is not seeded with host buffering")

	require.NoError(t, p.Free())
	require.NoError(t, p.Free())
}

func TestPoolWithoutHostBuffering(t *testing.T) {
	p, err := buffer.NewPool(2, 4)
	require.NoError(t, err)
	assert.False(t, p.HostBuffering())
	assert.Nil(t, p.Host(0))

	p.Seed(buffer.DefaultSeed)
	assert.Equal(t, []uint32{0, 1, 2, 3}, p.Device(0).In.Data())
	assert.Equal(t, []uint32{1000, 1001, 1002, 1003}, p.Device(1).In.Data())
	assert.NoError(t, p.Free())
}

func TestPoolAllocationError(t *testing.T) {
	testAllocation := func(streams, size int, sentinel error, options ...buffer.Option) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()
			_, err := buffer.NewPool(streams, size, options...)
			var allocErr *buffer.AllocationError
			require.ErrorAs(t, err, &allocErr)
			assert.ErrorIs(t, err, sentinel)
		}
	}
	t.Run("zero size", testAllocation(1, 0, buffer.ErrInvalidSize))
	t.Run("above ceiling", testAllocation(1, buffer.MaxVectorSize+1, buffer.ErrSizeExceeded))
	t.Run("custom ceiling", testAllocation(1, 9, buffer.ErrSizeExceeded, buffer.WithMaxSize(8)))

	a := &failingAllocator{after: 3}
	t.Run("allocator", testAllocation(2, 8, errAllocator, buffer.WithDeviceAllocator(a)))
	assert.Equal(t, 3, a.freed, "partially allocated buffers must be freed")
}

func TestSample(t *testing.T) {
	tests := []struct {
		data     []uint32
		expected string
	}{
		{data: nil, expected: "[]"},
		{data: []uint32{7}, expected: "[7]"},
		{data: []uint32{1, 2, 3}, expected: "[1,2,3]"},
		{data: []uint32{0, 2, 4, 6}, expected: "[0,2, ... ,6]"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, buffer.Wrap(test.data).Sample())
	}
}

func TestCopyFrom(t *testing.T) {
	dst := buffer.Make(buffer.Host, 4)
	n := dst.CopyFrom(buffer.Wrap([]uint32{1, 2, 3, 4, 5}))
	assert.Equal(t, 4, n)
	assert.Equal(t, []uint32{1, 2, 3, 4}, dst.Data())
}
