package runner_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/handoff/buffer"
	"pipelined.dev/handoff/handshake"
	"pipelined.dev/handoff/internal/runner"
	"pipelined.dev/handoff/metric"
	"pipelined.dev/handoff/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	errCompute = errors.New("compute failed")
	budget     = handshake.Budget{Interval: 100 * time.Microsecond, Attempts: 20000}
)

func double(_ context.Context, in, out buffer.Buffer, _ int) error {
	for i, v := range in.Data() {
		out.Data()[i] = 2 * v
	}
	return nil
}

func newPool(t *testing.T, options ...buffer.Option) *buffer.Pool {
	t.Helper()
	pool, err := buffer.NewPool(1, 2, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Free() })
	pool.Seed(func(_, i int) uint32 { return uint32(i + 1) })
	return pool
}

// tick hands the slot to the worker and waits until it's free again.
func tick(t *testing.T, flags handshake.Flags) {
	t.Helper()
	require.NoError(t, flags.Set(0, handshake.Ready))
	require.NoError(t, flags.Wait(context.Background(), 0, handshake.Any, false, budget))
}

func TestWorker(t *testing.T) {
	tests := []struct {
		name    string
		options []buffer.Option
	}{
		{name: "device"},
		{name: "host", options: []buffer.Option{buffer.WithHostBuffering(buffer.HostAllocator{})}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pool := newPool(t, test.options...)
			flags := handshake.NewLocked(1)
			m := metric.New(nil)
			out := bytes.Buffer{}
			logger := logrus.New()
			logger.SetOutput(&out)
			w := runner.Worker{
				Stream:     0,
				Iterations: 3,
				Budget:     budget,
				Slots:      stream.New(pool, flags, nil),
				Fn:         double,
				Verbose:    true,
				Logger:     logger,
				Metrics:    m,
			}
			done := make(chan error)
			go func() {
				done <- w.Run(context.Background())
			}()
			for i := 0; i < 3; i++ {
				tick(t, flags)
			}
			require.NoError(t, <-done)

			// without peer results are fed back to the next iteration.
			in := pool.Device(0).In
			if pool.HostBuffering() {
				in = pool.Host(0).In
			}
			assert.Equal(t, []uint32{8, 16}, in.Data())
			assert.Equal(t, 3, m.Summary().Count)
			assert.Contains(t, out.String(), "Writing [1,2]")
			assert.Contains(t, out.String(), "Received [8,16]")
		})
	}
}

func TestWorkerPeer(t *testing.T) {
	pool := newPool(t)
	flags := handshake.NewLocked(1)
	w := runner.Worker{
		Iterations: 2,
		Peer:       true,
		Budget:     budget,
		Slots:      stream.New(pool, flags, nil),
		Fn:         double,
	}
	done := make(chan error)
	go func() {
		done <- w.Run(context.Background())
	}()
	tick(t, flags)
	tick(t, flags)
	require.NoError(t, <-done)
	assert.Equal(t, []uint32{1, 2}, pool.Device(0).In.Data())
	assert.Equal(t, []uint32{2, 4}, pool.Device(0).Out.Data())
}

func TestWorkerComputeError(t *testing.T) {
	pool := newPool(t)
	flags := handshake.NewLocked(1)
	var calls []int
	w := runner.Worker{
		Iterations: 4,
		Budget:     budget,
		Slots:      stream.New(pool, flags, nil),
		Fn: func(_ context.Context, _, _ buffer.Buffer, iteration int) error {
			calls = append(calls, iteration)
			if iteration == 1 {
				return errCompute
			}
			return nil
		},
	}
	done := make(chan error)
	go func() {
		done <- w.Run(context.Background())
	}()
	tick(t, flags)
	tick(t, flags)
	err := <-done
	assert.ErrorIs(t, err, errCompute)
	var streamErr *stream.Error
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, 1, streamErr.Iteration)
	assert.Equal(t, stream.Worker, streamErr.Role)
	assert.Equal(t, []int{0, 1}, calls)
	assert.False(t, flags.IsSet(0, handshake.Any), "slot is free")
}

func TestWorkerTimeout(t *testing.T) {
	pool := newPool(t)
	m := metric.New(nil)
	w := runner.Worker{
		Iterations: 1,
		Budget:     handshake.Budget{Interval: time.Millisecond, Attempts: 2},
		Slots:      stream.New(pool, handshake.NewAtomic(1), nil),
		Fn:         double,
		Metrics:    m,
	}
	err := w.Run(context.Background())
	assert.ErrorIs(t, err, handshake.ErrSyncTimeout)
}

func TestWorkerCancelled(t *testing.T) {
	pool := newPool(t)
	flags := handshake.NewLocked(1)
	require.NoError(t, flags.Set(0, handshake.Ready))
	called := false
	w := runner.Worker{
		Iterations: 1,
		Budget:     budget,
		Slots:      stream.New(pool, flags, nil),
		Fn: func(context.Context, buffer.Buffer, buffer.Buffer, int) error {
			called = true
			return nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Run(ctx), context.Canceled)
	assert.False(t, called)
}
