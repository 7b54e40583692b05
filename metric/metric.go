// Package metric measures pipeline execution.
package metric

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/stat"
)

const namespace = "handoff"

// Metrics holds collectors of a single pipeline. Nil *Metrics is valid
// and measures nothing.
type Metrics struct {
	Iterations *prometheus.CounterVec
	Compute    *prometheus.HistogramVec
	Wait       *prometheus.HistogramVec
	Timeouts   *prometheus.CounterVec

	mu        sync.Mutex
	latencies []time.Duration
}

// New creates collectors and registers them in the provided registerer.
// If registerer is nil, collectors are not registered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Iterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iterations_total",
				Help:      "Number of completed iterations",
			},
			[]string{"stream"},
		),
		Compute: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compute_duration_seconds",
				Help:      "Kernel compute duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"stream"},
		),
		Wait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wait_duration_seconds",
				Help:      "Time spent waiting for flags in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"role"},
		),
		Timeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_timeouts_total",
				Help:      "Number of waits that exceeded their budget",
			},
			[]string{"role"},
		),
	}
}

// Computed captures a completed iteration of the stream.
func (m *Metrics) Computed(stream int, d time.Duration) {
	if m == nil {
		return
	}
	label := strconv.Itoa(stream)
	m.Iterations.WithLabelValues(label).Inc()
	m.Compute.WithLabelValues(label).Observe(d.Seconds())
	m.mu.Lock()
	m.latencies = append(m.latencies, d)
	m.mu.Unlock()
}

// Waited captures time the role spent waiting for flags.
func (m *Metrics) Waited(role string, d time.Duration) {
	if m == nil {
		return
	}
	m.Wait.WithLabelValues(role).Observe(d.Seconds())
}

// TimedOut captures a wait of the role that exceeded its budget.
func (m *Metrics) TimedOut(role string) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(role).Inc()
}

// Reset drops captured latencies. Collectors are not affected.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.latencies = nil
	m.mu.Unlock()
}

// Summary returns summary of all captured compute latencies.
func (m *Metrics) Summary() Summary {
	if m == nil {
		return Summary{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Summarize(m.latencies)
}

// Summary describes distribution of latencies.
type Summary struct {
	Count  int
	Mean   time.Duration
	StdDev time.Duration
	P50    time.Duration
	P99    time.Duration
	Max    time.Duration
}

// Summarize calculates summary of provided samples.
func Summarize(samples []time.Duration) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	x := make([]float64, len(samples))
	for i := range samples {
		x[i] = float64(samples[i])
	}
	sort.Float64s(x)
	s := Summary{
		Count: len(x),
		Mean:  time.Duration(stat.Mean(x, nil)),
		P50:   time.Duration(stat.Quantile(0.5, stat.Empirical, x, nil)),
		P99:   time.Duration(stat.Quantile(0.99, stat.Empirical, x, nil)),
		Max:   time.Duration(x[len(x)-1]),
	}
	if len(x) > 1 {
		s.StdDev = time.Duration(stat.StdDev(x, nil))
	}
	return s
}
