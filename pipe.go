package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"golang.org/x/time/rate"

	"pipelined.dev/handoff/buffer"
	"pipelined.dev/handoff/config"
	"pipelined.dev/handoff/handshake"
	"pipelined.dev/handoff/kernel"
	"pipelined.dev/handoff/log"
	"pipelined.dev/handoff/metric"
	"pipelined.dev/handoff/peer"
	"pipelined.dev/handoff/stream"
)

// Pipeline is a fixed set of stream slots, a kernel that computes them and
// an optional peer that feeds them. It's immutable after creation and can
// be executed multiple times.
type Pipeline struct {
	streams    int
	size       int
	iterations int
	kernel     kernel.Kernel
	peer       peer.Peer

	mode     handshake.Mode
	budget   handshake.Budget
	devices  buffer.Allocator
	hosts    buffer.Allocator
	seed     buffer.SeedFunc
	verbose  bool
	logger   log.Logger
	metrics  *metric.Metrics
	tracer   stream.Tracer
	observer handshake.Observer
	clock    func() time.Time
	limit    rate.Limit
}

// Option provides a way to set functional parameters to pipeline.
type Option func(p *Pipeline) error

var (
	// ErrNoKernel is returned when pipeline is created without kernel.
	ErrNoKernel = errors.New("kernel is required")
	// ErrRateLimit is returned when rate limit is set without emulated
	// peer.
	ErrRateLimit = errors.New("rate limit requires emulated peer")
)

// newUID returns new unique id value.
func newUID() string {
	return xid.New().String()
}

// New creates a new pipeline of streams slots with buffers of size
// elements. Every run executes exactly iterations computations: iteration i
// is computed on stream i mod streams.
func New(streams, size, iterations int, k kernel.Kernel, options ...Option) (*Pipeline, error) {
	if k == nil {
		return nil, ErrNoKernel
	}
	if streams < 1 {
		return nil, &config.ConfigError{Field: "Streams", Value: streams, Reason: "must be at least 1"}
	}
	if iterations <= 0 {
		return nil, &config.ConfigError{Field: "Iterations", Value: iterations, Reason: "must be positive"}
	}
	p := Pipeline{
		streams:    streams,
		size:       size,
		iterations: iterations,
		kernel:     k,
		mode:       handshake.ModeLocked,
		budget:     handshake.DefaultBudget,
		devices:    buffer.DeviceAllocator{},
		seed:       buffer.DefaultSeed,
		logger:     log.Discard(),
		clock:      time.Now,
	}
	for _, option := range options {
		if err := option(&p); err != nil {
			return nil, err
		}
	}
	if _, ok := p.peer.(*peer.Emulator); p.limit != 0 && !ok {
		return nil, ErrRateLimit
	}
	return &p, nil
}

// FromConfig validates the configuration and creates a pipeline with
// kernel, peer and flags it describes. Options are applied after the
// configuration.
func FromConfig(cfg config.Config, options ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k, err := kernel.New(cfg.Kernel)
	if err != nil {
		return nil, &config.ConfigError{Field: "Kernel", Value: cfg.Kernel, Reason: err.Error()}
	}
	if cfg.ConsumerDelay > 0 {
		k = kernel.Delayed{Kernel: k, Delay: cfg.ConsumerDelay}
	}
	opts := []Option{
		WithFlags(cfg.FlagMode),
		WithBudget(cfg.Budget()),
		WithVerbose(cfg.Verbose),
	}
	if cfg.HostBuffering {
		opts = append(opts, WithHostBuffering(buffer.HostAllocator{Pin: cfg.PinHostMemory}))
	}
	if cfg.ProducerEmulation {
		opts = append(opts, WithEmulator(&peer.Emulator{
			Delay:    cfg.ProducerDelay,
			Budget:   cfg.Budget(),
			Loopback: cfg.Loopback,
			Verbose:  cfg.Verbose,
		}))
	}
	return New(cfg.Streams, cfg.VectorSize, cfg.Iterations, k, append(opts, options...)...)
}

// WithPeer attaches the peer that fills slots. Without peer, the
// orchestrator hands slots to workers directly and every stream computes
// on its own previous results.
func WithPeer(pr peer.Peer) Option {
	return func(p *Pipeline) error {
		p.peer = pr
		return nil
	}
}

// WithEmulator attaches the emulated peer. Budget, logger and metrics of
// the pipeline are used by emulator if it doesn't have its own. Emulator
// is copied on every run and never modified.
func WithEmulator(e *peer.Emulator) Option {
	return func(p *Pipeline) error {
		p.peer = e
		return nil
	}
}

// WithFlags selects flags implementation.
func WithFlags(mode handshake.Mode) Option {
	return func(p *Pipeline) error {
		if !mode.Valid() {
			return fmt.Errorf("%w: %q", handshake.ErrUnknownMode, mode)
		}
		p.mode = mode
		return nil
	}
}

// WithBudget sets the budget of every wait. Both interval and attempts
// must be positive.
func WithBudget(b handshake.Budget) Option {
	return func(p *Pipeline) error {
		if err := b.Validate(); err != nil {
			return &config.ConfigError{Field: "Budget", Value: b, Reason: "interval and attempts must be positive"}
		}
		p.budget = b
		return nil
	}
}

// WithHostBuffering enables host staging buffers.
func WithHostBuffering(a buffer.Allocator) Option {
	return func(p *Pipeline) error {
		p.hosts = a
		return nil
	}
}

// WithDeviceAllocator overrides allocator of device buffers.
func WithDeviceAllocator(a buffer.Allocator) Option {
	return func(p *Pipeline) error {
		p.devices = a
		return nil
	}
}

// WithSeed sets the function that initialises input buffers before the
// run.
func WithSeed(fn buffer.SeedFunc) Option {
	return func(p *Pipeline) error {
		p.seed = fn
		return nil
	}
}

// WithVerbose enables logging of buffer samples for every iteration.
func WithVerbose(v bool) Option {
	return func(p *Pipeline) error {
		p.verbose = v
		return nil
	}
}

// WithLogger sets logger to pipeline. If this option is not provided,
// silent logger is used.
func WithLogger(logger log.Logger) Option {
	return func(p *Pipeline) error {
		p.logger = logger
		return nil
	}
}

// WithMetrics adds metrics for this pipeline.
func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pipeline) error {
		p.metrics = m
		return nil
	}
}

// WithTracer sets hooks that receive lease events and flag transitions.
// Any of them can be nil.
func WithTracer(t stream.Tracer, o handshake.Observer) Option {
	return func(p *Pipeline) error {
		p.tracer = t
		p.observer = o
		return nil
	}
}

// WithClock overrides the clock used to measure latency.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) error {
		p.clock = clock
		return nil
	}
}

// WithRateLimit caps the rate of units served by emulated peer. Every run
// gets a fresh limiter. New returns ErrRateLimit if the peer isn't
// emulated.
func WithRateLimit(limit rate.Limit) Option {
	return func(p *Pipeline) error {
		p.limit = limit
		return nil
	}
}

// Run executes the pipeline and blocks until it's done.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	a, err := p.Async(ctx)
	if err != nil {
		return Report{}, err
	}
	return a.Await()
}
