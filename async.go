package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pipelined.dev/handoff/buffer"
	"pipelined.dev/handoff/handshake"
	"pipelined.dev/handoff/internal/runner"
	"pipelined.dev/handoff/kernel"
	"pipelined.dev/handoff/metric"
	"pipelined.dev/handoff/peer"
	"pipelined.dev/handoff/stream"
)

// Report describes a successful run.
type Report struct {
	Run        string
	Streams    int
	Iterations int
	Elapsed    time.Duration
	// PerIteration is the average wall time of a single iteration.
	PerIteration time.Duration
	// Latency summarises kernel compute durations.
	Latency metric.Summary
}

// Async is a running pipeline.
type Async struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	report Report
	err    error
}

// Async allocates buffers and starts the pipeline. Allocation errors are
// returned before any goroutine is started.
func (p *Pipeline) Async(ctx context.Context) (*Async, error) {
	pool, err := buffer.NewPool(p.streams, p.size,
		buffer.WithDeviceAllocator(p.devices),
		buffer.WithHostBuffering(p.hosts),
	)
	if err != nil {
		return nil, err
	}
	pool.Seed(p.seed)

	var hsOpts []handshake.Option
	if p.observer != nil {
		hsOpts = append(hsOpts, handshake.WithObserver(p.observer))
	}
	flags, err := handshake.New(p.mode, p.streams, hsOpts...)
	if err != nil {
		_ = pool.Free()
		return nil, err
	}
	slots := stream.New(pool, flags, p.tracer)

	metrics := p.metrics
	if metrics == nil {
		metrics = metric.New(nil)
	}
	metrics.Reset()

	uid := newUID()
	logger := p.logger.WithField("run", uid)
	if p.mode == handshake.ModeShared {
		logger.Warn("shared flags serialise all streams")
	}
	logger.WithFields(logrus.Fields{
		"streams":    p.streams,
		"size":       p.size,
		"iterations": p.iterations,
		"flags":      p.mode,
		"host":       pool.HostBuffering(),
		"peer":       p.peer != nil,
	}).Info("pipeline started")

	ctx, cancel := context.WithCancelCause(ctx)
	a := Async{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	var g errgroup.Group
	// goroutine records the first failure as the cause of cancellation,
	// so errors of agents that observed the cancellation are ignored.
	goroutine := func(role string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				err = runError(role, err)
				cancel(err)
				return err
			}
			return nil
		})
	}

	if p.peer != nil {
		pr := p.peer
		if e, ok := pr.(*peer.Emulator); ok {
			emu := *e
			if emu.Budget == (handshake.Budget{}) {
				emu.Budget = p.budget
			}
			if p.limit != 0 {
				emu.Limiter = rate.NewLimiter(p.limit, 1)
			}
			if emu.Logger == nil {
				emu.Logger = logger
			}
			if emu.Metrics == nil {
				emu.Metrics = metrics
			}
			pr = &emu
		}
		goroutine(RoleProducer, func() error {
			return pr.Serve(ctx, slots, p.iterations)
		})
	}
	for s := 0; s < p.streams; s++ {
		w := runner.Worker{
			Stream:     s,
			Iterations: p.iterations,
			Peer:       p.peer != nil,
			Budget:     p.budget,
			Slots:      slots,
			Fn:         p.compute(s, cancel),
			Verbose:    p.verbose,
			Logger:     logger,
			Metrics:    metrics,
			Clock:      p.clock,
		}
		goroutine(RoleWorker, func() error {
			return w.Run(ctx)
		})
	}
	start := p.clock()
	goroutine(RoleOrchestrator, func() error {
		return p.orchestrate(ctx, flags, metrics)
	})

	go func() {
		defer close(a.done)
		err := g.Wait()
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
		elapsed := p.clock().Sub(start)
		cancel(nil)
		if ferr := p.flush(context.WithoutCancel(ctx)); ferr != nil {
			var re *RunError
			if errors.As(err, &re) {
				re.ErrFlush = ferr
			} else {
				err = errors.Join(err, ferr)
			}
		}
		if ferr := pool.Free(); ferr != nil {
			err = errors.Join(err, fmt.Errorf("error freeing buffers: %w", ferr))
		}
		if err != nil {
			logger.WithError(err).Error("pipeline failed")
			a.err = err
			return
		}
		a.report = Report{
			Run:          uid,
			Streams:      p.streams,
			Iterations:   p.iterations,
			Elapsed:      elapsed,
			PerIteration: elapsed / time.Duration(p.iterations),
			Latency:      metrics.Summary(),
		}
		logger.WithFields(logrus.Fields{
			"elapsed":       elapsed,
			"per_iteration": a.report.PerIteration,
			"latency_p50":   a.report.Latency.P50,
		}).Info("pipeline done")
	}()
	return &a, nil
}

// compute returns the function that runs the kernel for the stream. The
// pipeline is cancelled on the first failure before the slot is released.
func (p *Pipeline) compute(s int, cancel context.CancelCauseFunc) runner.Fn {
	return func(ctx context.Context, in, out buffer.Buffer, iteration int) error {
		// another stream may have failed while the slot was staged.
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if k, ok := p.kernel.(kernel.AsyncKernel); ok {
			// completion must be awaited even if context is done, buffers
			// are released after all workers return.
			err = <-k.Dispatch(ctx, in, out, s)
		} else {
			err = p.kernel.Compute(in, out, s)
		}
		if err != nil {
			err = &ComputeError{Stream: s, Iteration: iteration, Err: err}
			cancel(&RunError{Stream: s, Iteration: iteration, Role: RoleWorker, Err: err})
		}
		return err
	}
}

// orchestrate arms slots one iteration at a time. Slot of the next
// iteration must be free before the orchestrator advances.
func (p *Pipeline) orchestrate(ctx context.Context, flags handshake.Flags, metrics *metric.Metrics) error {
	arm := handshake.Ready
	if p.peer != nil {
		arm = handshake.Armed
	}
	for i := 0; i < p.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := i % p.streams
		if err := flags.Set(s, arm); err != nil {
			return &RunError{Stream: s, Iteration: i, Role: RoleOrchestrator, Err: err}
		}
		next := (i + 1) % p.streams
		if err := p.await(ctx, flags, metrics, next); err != nil {
			return &RunError{Stream: next, Iteration: i, Role: RoleOrchestrator, Err: err}
		}
	}
	for s := 0; s < p.streams; s++ {
		if err := p.await(ctx, flags, metrics, s); err != nil {
			return &RunError{Stream: s, Iteration: p.iterations - 1, Role: RoleOrchestrator, Err: err}
		}
	}
	return nil
}

// await waits until the slot is free.
func (p *Pipeline) await(ctx context.Context, flags handshake.Flags, metrics *metric.Metrics, s int) error {
	start := p.clock()
	err := flags.Wait(ctx, s, handshake.Any, false, p.budget)
	if errors.Is(err, handshake.ErrSyncTimeout) {
		metrics.TimedOut(RoleOrchestrator)
	} else if err == nil {
		metrics.Waited(RoleOrchestrator, p.clock().Sub(start))
	}
	return err
}

func (p *Pipeline) flush(ctx context.Context) error {
	f, ok := p.kernel.(kernel.Flusher)
	if !ok {
		return nil
	}
	if err := f.Flush(ctx); err != nil {
		return fmt.Errorf("error flushing kernel: %w", err)
	}
	return nil
}

// Cancel stops the pipeline. Await returns context.Canceled.
func (a *Async) Cancel() {
	a.cancel(context.Canceled)
}

// Await for successful finish or first error to occur. Report is zero if
// pipeline failed.
func (a *Async) Await() (Report, error) {
	<-a.done
	return a.report, a.err
}
