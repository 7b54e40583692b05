package handoff_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/handoff"
	"pipelined.dev/handoff/buffer"
	"pipelined.dev/handoff/kernel"
	"pipelined.dev/handoff/mock"
	"pipelined.dev/handoff/peer"
)

func TestCancel(t *testing.T) {
	p, err := handoff.New(2, 4, 100, &mock.Kernel{Streams: 2},
		handoff.WithBudget(budget),
		handoff.WithEmulator(&peer.Emulator{Budget: budget, Delay: 10 * time.Millisecond}),
	)
	require.NoError(t, err)
	a, err := p.Async(context.Background())
	require.NoError(t, err)
	time.Sleep(15 * time.Millisecond)
	a.Cancel()
	_, err = a.Await()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAsyncKernel(t *testing.T) {
	var mu sync.Mutex
	var results [][]uint32
	p, err := handoff.New(2, 64, 6, kernel.Parallel{Kernel: kernel.Scale{Factor: 2}, Chunks: 4},
		handoff.WithBudget(budget),
		handoff.WithEmulator(&peer.Emulator{
			Budget: budget,
			Seed:   seed,
			Collect: func(_, _ int, result buffer.Buffer) {
				mu.Lock()
				defer mu.Unlock()
				results = append(results, append([]uint32(nil), result.Data()...))
			},
		}),
	)
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, r := range results {
		for i, v := range r {
			assert.Equal(t, uint32(2*i), v)
		}
	}
}
