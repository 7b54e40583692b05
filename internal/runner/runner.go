// Package runner executes stream workers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pipelined.dev/handoff/buffer"
	"pipelined.dev/handoff/handshake"
	"pipelined.dev/handoff/log"
	"pipelined.dev/handoff/metric"
	"pipelined.dev/handoff/stream"
)

// Fn computes output of the iteration from its input.
type Fn func(ctx context.Context, in, out buffer.Buffer, iteration int) error

// Worker executes computations of a single stream. It serves iterations
// Stream, Stream+N, Stream+2N and so on, where N is the number of slots.
type Worker struct {
	Stream     int
	Iterations int
	// Peer is true when a peer fills the slots. Otherwise output buffers
	// become input of the next iteration.
	Peer    bool
	Budget  handshake.Budget
	Slots   *stream.Slots
	Fn      Fn
	Verbose bool
	Logger  log.Logger
	Metrics *metric.Metrics
	Clock   func() time.Time
}

// Run starts the worker loop. It returns after the last iteration of the
// stream or the first failure. Errors are returned as *stream.Error.
func (w Worker) Run(ctx context.Context) error {
	if w.Logger == nil {
		w.Logger = log.Discard()
	}
	if w.Clock == nil {
		w.Clock = time.Now
	}
	for i := w.Stream; i < w.Iterations; i += w.Slots.Len() {
		if err := w.iterate(ctx, i); err != nil {
			return &stream.Error{Stream: w.Stream, Iteration: i, Role: stream.Worker, Err: err}
		}
	}
	return nil
}

func (w Worker) iterate(ctx context.Context, i int) error {
	role := stream.Worker.String()
	start := w.Clock()
	if err := w.Slots.Flags().Wait(ctx, w.Stream, handshake.Ready, true, w.Budget); err != nil {
		if errors.Is(err, handshake.ErrSyncTimeout) {
			w.Metrics.TimedOut(role)
		}
		return err
	}
	w.Metrics.Waited(role, w.Clock().Sub(start))
	// slot can be granted after the pipeline is cancelled.
	if err := ctx.Err(); err != nil {
		return err
	}

	lease, err := w.Slots.Acquire(w.Stream, stream.Worker)
	if err != nil {
		return err
	}
	d := lease.Device()
	h, host := lease.Host()
	if host {
		d.In.CopyFrom(h.In)
	}
	logger := w.Logger.WithFields(logrus.Fields{"stream": w.Stream, "iteration": i})
	if w.Verbose {
		logger.Infof("Writing %s", d.In.Sample())
	}

	start = w.Clock()
	if err := w.Fn(ctx, d.In, d.Out, i); err != nil {
		// slot is given back in the free state.
		if rerr := lease.Release(handshake.Ready, 0); rerr != nil {
			return errors.Join(err, fmt.Errorf("error releasing slot: %w", rerr))
		}
		return err
	}
	w.Metrics.Computed(w.Stream, w.Clock().Sub(start))

	if host {
		h.Out.CopyFrom(d.Out)
	}
	if w.Verbose {
		logger.Infof("Received %s", d.Out.Sample())
	}
	if !w.Peer {
		lease.Swap()
	}
	if err := lease.Release(handshake.Ready, 0); err != nil {
		return fmt.Errorf("error releasing slot: %w", err)
	}
	return nil
}
