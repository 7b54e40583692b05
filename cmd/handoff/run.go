package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pipelined.dev/handoff"
	"pipelined.dev/handoff/log"
	"pipelined.dev/handoff/metric"
)

type runCommand struct {
	configFlags
}

// Implement command interface
func (cmd *runCommand) Name() string {
	return "run"
}

func (cmd *runCommand) Help() string {
	return "Run the pipeline and print its report"
}

func (cmd *runCommand) Run() error {
	cfg, err := cmd.Config()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.GetLogger()
	if err := log.SetLevel(logger, cfg.LogLevel); err != nil {
		return err
	}

	options := []handoff.Option{handoff.WithLogger(logger)}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		options = append(options, handoff.WithMetrics(metric.New(reg)))
		stop, err := serveMetrics(cfg.MetricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	p, err := handoff.FromConfig(cfg, options...)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	report, err := p.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Run: %s\n", report.Run)
	fmt.Printf("Streams: %d\n", report.Streams)
	fmt.Printf("Iterations: %d\n", report.Iterations)
	fmt.Printf("Elapsed: %v\n", report.Elapsed)
	fmt.Printf("Per iteration: %v\n", report.PerIteration)
	fmt.Printf("Compute latency: mean %v, stddev %v, p50 %v, p99 %v, max %v\n",
		report.Latency.Mean,
		report.Latency.StdDev,
		report.Latency.P50,
		report.Latency.P99,
		report.Latency.Max,
	)
	return nil
}

// serveMetrics exposes registry over http until returned function is
// called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *logrus.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen metrics address: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	logger.Infof("metrics exposed on %s", ln.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}, nil
}
