package peer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"

	"pipelined.dev/handoff/buffer"
	"pipelined.dev/handoff/handshake"
	"pipelined.dev/handoff/kernel"
	"pipelined.dev/handoff/peer"
	"pipelined.dev/handoff/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var budget = handshake.Budget{
	Interval: 100 * time.Microsecond,
	Attempts: 20000,
}

type collector struct {
	sync.Mutex
	results map[int][]uint32
}

func (c *collector) collect(_, iteration int, result buffer.Buffer) {
	c.Lock()
	defer c.Unlock()
	if c.results == nil {
		c.results = make(map[int][]uint32)
	}
	c.results[iteration] = append([]uint32(nil), result.Data()...)
}

func newSlots(t *testing.T, streams, size int, options ...buffer.Option) *stream.Slots {
	t.Helper()
	pool, err := buffer.NewPool(streams, size, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Free() })
	return stream.New(pool, handshake.NewLocked(streams), nil)
}

// drive arms slots one by one and computes them once peer hands them over.
func drive(t *testing.T, slots *stream.Slots, iterations int, k kernel.Kernel) {
	t.Helper()
	flags := slots.Flags()
	for i := 0; i < iterations; i++ {
		s := i % slots.Len()
		require.NoError(t, flags.Set(s, handshake.Armed))
		require.NoError(t, flags.Wait(context.Background(), s, handshake.Ready, true, budget))
		lease, err := slots.Acquire(s, stream.Worker)
		require.NoError(t, err)
		d := lease.Device()
		if h, ok := lease.Host(); ok {
			d.In.CopyFrom(h.In)
		}
		require.NoError(t, k.Compute(d.In, d.Out, s))
		if h, ok := lease.Host(); ok {
			h.Out.CopyFrom(d.Out)
		}
		require.NoError(t, lease.Release(handshake.Ready, 0))
	}
}

func TestEmulator(t *testing.T) {
	tests := []struct {
		name    string
		options []buffer.Option
	}{
		{name: "device"},
		{name: "host", options: []buffer.Option{buffer.WithHostBuffering(buffer.HostAllocator{})}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			slots := newSlots(t, 2, 4, test.options...)
			c := collector{}
			e := peer.Emulator{
				Budget:  budget,
				Seed:    func(_, i int) uint32 { return uint32(i) },
				Collect: c.collect,
			}
			done := make(chan error)
			go func() {
				done <- e.Serve(context.Background(), slots, 4)
			}()
			drive(t, slots, 4, kernel.Scale{Factor: 2})
			require.NoError(t, <-done)

			// results of iterations 2 and 3 stay in the slots.
			assert.Equal(t, map[int][]uint32{
				0: {0, 2, 4, 6},
				1: {0, 2, 4, 6},
			}, c.results)
		})
	}
}

func TestEmulatorLoopback(t *testing.T) {
	slots := newSlots(t, 1, 2)
	c := collector{}
	e := peer.Emulator{
		Budget:   budget,
		Loopback: true,
		Collect:  c.collect,
		Limiter:  rate.NewLimiter(rate.Inf, 1),
	}
	increment := kernel.Func(func(in, out buffer.Buffer, _ int) error {
		for i, v := range in.Data() {
			out.Data()[i] = v + 1
		}
		return nil
	})
	done := make(chan error)
	go func() {
		done <- e.Serve(context.Background(), slots, 3)
	}()
	drive(t, slots, 3, increment)
	require.NoError(t, <-done)

	assert.Equal(t, map[int][]uint32{
		0: {1, 1},
		1: {1, 1},
	}, c.results)
}

func TestEmulatorTimeout(t *testing.T) {
	slots := newSlots(t, 2, 4)
	e := peer.Emulator{
		Budget: handshake.Budget{Interval: time.Millisecond, Attempts: 3},
	}
	err := e.Serve(context.Background(), slots, 1)
	assert.ErrorIs(t, err, handshake.ErrSyncTimeout)
	var streamErr *stream.Error
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, 0, streamErr.Stream)
	assert.Equal(t, stream.Producer, streamErr.Role)
}

func TestEmulatorBudget(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		slots := newSlots(t, 2, 4)
		c := collector{}
		e := peer.Emulator{Collect: c.collect}
		done := make(chan error)
		go func() {
			done <- e.Serve(context.Background(), slots, 4)
		}()
		// slow consumer must not exhaust zero budget.
		slow := kernel.Delayed{Kernel: kernel.Scale{Factor: 2}, Delay: 2 * time.Millisecond}
		drive(t, slots, 4, slow)
		require.NoError(t, <-done)
		assert.Len(t, c.results, 2)
	})
	t.Run("invalid", func(t *testing.T) {
		slots := newSlots(t, 1, 4)
		for _, b := range []handshake.Budget{
			{Attempts: 1000},
			{Interval: time.Millisecond},
		} {
			e := peer.Emulator{Budget: b}
			err := e.Serve(context.Background(), slots, 1)
			assert.ErrorIs(t, err, handshake.ErrInvalidBudget)
		}
	})
}

func TestEmulatorCancel(t *testing.T) {
	slots := newSlots(t, 1, 4)
	require.NoError(t, slots.Flags().Set(0, handshake.Armed))
	e := peer.Emulator{
		Budget: budget,
		Delay:  time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- e.Serve(ctx, slots, 1)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, slots.Flags().IsSet(0, handshake.Armed), "slot stays armed")
}
