/*
Package peer provides the producer side of the pipeline.

Peer is what a real accelerator driver implements: it waits until the
orchestrator arms a stream slot, reads the result of the previous iteration
from it, writes the next input and hands the slot over to the stream worker.
Emulator does the same in software.
*/
package peer

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"pipelined.dev/handoff/buffer"
	"pipelined.dev/handoff/handshake"
	"pipelined.dev/handoff/internal/poll"
	"pipelined.dev/handoff/log"
	"pipelined.dev/handoff/metric"
	"pipelined.dev/handoff/stream"
)

// Peer serves exactly iterations units of work. Unit k is served on
// stream k mod slots.Len().
type Peer interface {
	Serve(ctx context.Context, slots *stream.Slots, iterations int) error
}

// CollectFunc receives the result of iteration read back from the stream
// slot. The buffer is only valid until the function returns.
//
// Result of iteration i is read when the slot is armed for iteration i+N,
// so results of the last N iterations are never collected.
type CollectFunc func(stream, iteration int, result buffer.Buffer)

// Emulator is a software peer. Every unit it goes through IDLE and COPYING
// states: it waits while the slot isn't armed, then copies buffers and
// returns to IDLE after the slot is handed to the worker.
type Emulator struct {
	// Delay is a synthetic latency added to every unit.
	Delay time.Duration
	// Budget limits the wait for a slot to be armed. DefaultBudget is
	// used if it's zero.
	Budget handshake.Budget
	// Loopback makes emulator write back the result it read in the
	// previous unit instead of the seed.
	Loopback bool
	// Seed produces input when loopback is disabled. DefaultSeed is used
	// if it's nil.
	Seed buffer.SeedFunc
	// Collect is called for every computed result read back.
	Collect CollectFunc
	// Limiter caps the rate of units.
	Limiter *rate.Limiter
	Verbose bool
	Logger  log.Logger
	Metrics *metric.Metrics
}

// Serve implements Peer.
func (e *Emulator) Serve(ctx context.Context, slots *stream.Slots, iterations int) error {
	budget := e.Budget
	if budget == (handshake.Budget{}) {
		budget = handshake.DefaultBudget
	}
	if err := budget.Validate(); err != nil {
		return err
	}
	logger := e.Logger
	if logger == nil {
		logger = log.Discard()
	}
	seedFn := e.Seed
	if seedFn == nil {
		seedFn = buffer.DefaultSeed
	}
	streams, size := slots.Len(), slots.Size()
	seed := make([]buffer.Buffer, streams)
	for s := range seed {
		seed[s] = buffer.Make(buffer.Host, size)
		seed[s].Fill(func(i int) uint32 {
			return seedFn(s, i)
		})
	}
	scratch := [2]buffer.Buffer{
		buffer.Make(buffer.Host, size),
		buffer.Make(buffer.Host, size),
	}
	flags := slots.Flags()
	for k := 0; k < iterations; k++ {
		s := k % streams
		// IDLE
		start := time.Now()
		if err := flags.Wait(ctx, s, handshake.Armed, true, budget); err != nil {
			if errors.Is(err, handshake.ErrSyncTimeout) {
				e.Metrics.TimedOut(stream.Producer.String())
			}
			return &stream.Error{Stream: s, Iteration: k, Role: stream.Producer, Err: err}
		}
		e.Metrics.Waited(stream.Producer.String(), time.Since(start))
		if e.Limiter != nil {
			if err := e.Limiter.Wait(ctx); err != nil {
				return &stream.Error{Stream: s, Iteration: k, Role: stream.Producer, Err: err}
			}
		}
		if err := poll.Sleep(ctx, e.Delay); err != nil {
			return &stream.Error{Stream: s, Iteration: k, Role: stream.Producer, Err: err}
		}

		// COPYING
		lease, err := slots.Acquire(s, stream.Producer)
		if err != nil {
			return &stream.Error{Stream: s, Iteration: k, Role: stream.Producer, Err: err}
		}
		p := lease.Exchange()
		scratch[k%2].CopyFrom(p.Out)
		// slots of the first round hold no results yet.
		if e.Collect != nil && k >= streams {
			e.Collect(s, k-streams, scratch[k%2])
		}
		in := seed[s]
		if e.Loopback {
			in = scratch[(k+1)%2]
		}
		p.In.CopyFrom(in)
		if e.Verbose {
			logger.WithField("stream", s).WithField("unit", k).Infof("Received %s", scratch[k%2].Sample())
			logger.WithField("stream", s).WithField("unit", k).Infof("Writing %s", p.In.Sample())
		}
		if err := lease.Release(handshake.Armed, handshake.Ready); err != nil {
			return &stream.Error{Stream: s, Iteration: k, Role: stream.Producer, Err: err}
		}
	}
	return nil
}
