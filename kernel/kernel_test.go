package kernel_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/handoff/buffer"
	"pipelined.dev/handoff/kernel"
)

func seq(n int) buffer.Buffer {
	b := buffer.Make(buffer.Device, n)
	b.Fill(func(i int) uint32 { return uint32(i) })
	return b
}

func TestScale(t *testing.T) {
	out := buffer.Make(buffer.Device, 4)
	require.NoError(t, kernel.Scale{Factor: 2}.Compute(seq(4), out, 0))
	assert.Equal(t, []uint32{0, 2, 4, 6}, out.Data())

	err := kernel.Scale{Factor: 2}.Compute(seq(4), buffer.Make(buffer.Device, 3), 0)
	assert.ErrorIs(t, err, kernel.ErrSizeMismatch)
}

func TestAdd(t *testing.T) {
	out := buffer.Make(buffer.Device, 5)
	require.NoError(t, kernel.Add{}.Compute(seq(5), out, 1))
	assert.Equal(t, []uint32{0, 2, 4, 6, 8}, out.Data())
}

func TestDelayed(t *testing.T) {
	k := kernel.Delayed{Kernel: kernel.Add{}, Delay: 2 * time.Millisecond}
	start := time.Now()
	require.NoError(t, k.Compute(seq(2), buffer.Make(buffer.Device, 2), 0))
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond)
}

func TestParallel(t *testing.T) {
	var calls atomic.Int32
	counting := kernel.Func(func(in, out buffer.Buffer, stream int) error {
		calls.Add(1)
		return kernel.Scale{Factor: 3}.Compute(in, out, stream)
	})
	tests := []struct {
		size   int
		chunks int
		calls  int32
	}{
		{size: 10, chunks: 3, calls: 3},
		{size: 10, chunks: 0, calls: 1},
		{size: 4, chunks: 8, calls: 4},
	}
	for _, test := range tests {
		calls.Store(0)
		out := buffer.Make(buffer.Device, test.size)
		k := kernel.Parallel{Kernel: counting, Chunks: test.chunks}
		require.NoError(t, <-k.Dispatch(context.Background(), seq(test.size), out, 0))
		for i, v := range out.Data() {
			assert.Equal(t, uint32(3*i), v)
		}
		assert.Equal(t, test.calls, calls.Load())
	}
}

func TestParallelError(t *testing.T) {
	errKernel := errors.New("kernel fault")
	k := kernel.Parallel{
		Kernel: kernel.Func(func(in, out buffer.Buffer, stream int) error {
			return errKernel
		}),
		Chunks: 2,
	}
	err := k.Compute(seq(4), buffer.Make(buffer.Device, 4), 0)
	assert.ErrorIs(t, err, errKernel)

	err = <-k.Dispatch(context.Background(), seq(4), buffer.Make(buffer.Device, 2), 0)
	assert.ErrorIs(t, err, kernel.ErrSizeMismatch)
	assert.NoError(t, k.Flush(context.Background()))
}

func TestNew(t *testing.T) {
	k, err := kernel.New("scale")
	require.NoError(t, err)
	assert.Equal(t, kernel.Scale{Factor: 2}, k)
	k, err = kernel.New("add")
	require.NoError(t, err)
	assert.Equal(t, kernel.Add{}, k)
	_, err = kernel.New("fft")
	assert.Error(t, err)
}
