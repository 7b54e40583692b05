/*
Package kernel defines the compute collaborator of the pipeline and
provides CPU implementations of it.

Kernel must read all of the input buffer, write all of the output buffer,
not retain references to them after return and be safe to call
concurrently for distinct streams. Kernels that offload work can implement
AsyncKernel: the worker dispatches the work and waits for its completion
before the stream is released.
*/
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"pipelined.dev/handoff/buffer"
)

type (
	// Kernel computes output from input buffer for the stream.
	Kernel interface {
		Compute(in, out buffer.Buffer, stream int) error
	}

	// AsyncKernel dispatches computation and reports its completion on the
	// returned channel. Channel must receive exactly one value.
	AsyncKernel interface {
		Kernel
		Dispatch(ctx context.Context, in, out buffer.Buffer, stream int) <-chan error
	}

	// Flusher defines kernel that must be flushed in the end of
	// execution.
	Flusher interface {
		Flush(context.Context) error
	}
)

// ErrSizeMismatch is returned when input and output buffers have
// different length.
var ErrSizeMismatch = errors.New("buffer size mismatch")

// Func is an adapter to use ordinary functions as kernels.
type Func func(in, out buffer.Buffer, stream int) error

// Compute calls fn.
func (fn Func) Compute(in, out buffer.Buffer, stream int) error {
	return fn(in, out, stream)
}

// Scale multiplies every input element by Factor.
type Scale struct {
	Factor uint32
}

// Compute implements Kernel.
func (k Scale) Compute(in, out buffer.Buffer, _ int) error {
	if in.Len() != out.Len() {
		return ErrSizeMismatch
	}
	src, dst := in.Data(), out.Data()
	for i := range src {
		dst[i] = src[i] * k.Factor
	}
	return nil
}

// Add writes the sum of input with itself to the output. It's the
// vector addition A+A.
type Add struct{}

// Compute implements Kernel.
func (Add) Compute(in, out buffer.Buffer, _ int) error {
	if in.Len() != out.Len() {
		return ErrSizeMismatch
	}
	src, dst := in.Data(), out.Data()
	for i := range src {
		dst[i] = src[i] + src[i]
	}
	return nil
}

// Delayed adds a synthetic latency to every computation of the wrapped
// kernel. It emulates the cost of a real device.
type Delayed struct {
	Kernel
	Delay time.Duration
}

// Compute implements Kernel.
func (k Delayed) Compute(in, out buffer.Buffer, stream int) error {
	time.Sleep(k.Delay)
	return k.Kernel.Compute(in, out, stream)
}

// Parallel splits buffers into chunks and computes them concurrently with
// the wrapped kernel. Work is dispatched asynchronously, like a device
// launch.
type Parallel struct {
	Kernel
	Chunks int
}

// Compute implements Kernel. It blocks until all chunks are done.
func (k Parallel) Compute(in, out buffer.Buffer, stream int) error {
	return <-k.Dispatch(context.Background(), in, out, stream)
}

// Dispatch implements AsyncKernel.
func (k Parallel) Dispatch(ctx context.Context, in, out buffer.Buffer, stream int) <-chan error {
	done := make(chan error, 1)
	if in.Len() != out.Len() {
		done <- ErrSizeMismatch
		return done
	}
	chunks := k.Chunks
	if chunks < 1 {
		chunks = 1
	}
	size := (in.Len() + chunks - 1) / chunks
	g, ctx := errgroup.WithContext(ctx)
	src, dst := in.Data(), out.Data()
	for lo := 0; lo < len(src); lo += size {
		hi := min(lo+size, len(src))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := k.Kernel.Compute(buffer.Wrap(src[lo:hi]), buffer.Wrap(dst[lo:hi]), stream); err != nil {
				return fmt.Errorf("chunk [%d:%d]: %w", lo, hi, err)
			}
			return nil
		})
	}
	go func() {
		done <- g.Wait()
	}()
	return done
}

// Flush flushes the wrapped kernel if it's a Flusher.
func (k Parallel) Flush(ctx context.Context) error {
	if f, ok := k.Kernel.(Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

// New returns kernel by name. Known names are scale and add.
func New(name string) (Kernel, error) {
	switch name {
	case "scale", "":
		return Scale{Factor: 2}, nil
	case "add":
		return Add{}, nil
	}
	return nil, fmt.Errorf("unknown kernel %q", name)
}
