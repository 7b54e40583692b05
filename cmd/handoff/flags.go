package main

import (
	"flag"

	"pipelined.dev/handoff/config"
)

// configFlags binds configuration to flags. Values of cfg are used as
// defaults.
type configFlags struct {
	fs   *flag.FlagSet
	file string
	cfg  config.Config
	err  error
}

func (f *configFlags) Register(fs *flag.FlagSet) {
	f.fs = fs
	f.cfg, f.err = config.Load()
	fs.StringVar(&f.file, "config", "", "YAML configuration file, environment is ignored if set")
	bind(fs, &f.cfg)
}

func bind(fs *flag.FlagSet, cfg *config.Config) {
	fs.IntVar(&cfg.VectorSize, "size", cfg.VectorSize, "number of elements in every buffer")
	fs.IntVar(&cfg.Iterations, "iterations", cfg.Iterations, "number of iterations")
	fs.IntVar(&cfg.Streams, "streams", cfg.Streams, "number of streams")
	fs.BoolVar(&cfg.HostBuffering, "host", cfg.HostBuffering, "stage data in host buffers")
	fs.BoolVar(&cfg.ProducerEmulation, "emulate", cfg.ProducerEmulation, "attach emulated producer")
	fs.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "poll interval of waits")
	fs.IntVar(&cfg.MaxAttempts, "attempts", cfg.MaxAttempts, "poll attempts of waits")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "log buffer samples of every iteration")
	fs.StringVar((*string)(&cfg.FlagMode), "flags", string(cfg.FlagMode), "flags implementation: locked, atomic or shared")
	fs.DurationVar(&cfg.ProducerDelay, "producer-delay", cfg.ProducerDelay, "synthetic delay of producer")
	fs.DurationVar(&cfg.ConsumerDelay, "consumer-delay", cfg.ConsumerDelay, "synthetic delay of kernel")
	fs.BoolVar(&cfg.Loopback, "loopback", cfg.Loopback, "producer writes back results it reads")
	fs.BoolVar(&cfg.PinHostMemory, "pin", cfg.PinHostMemory, "lock host buffers in memory")
	fs.StringVar(&cfg.Kernel, "kernel", cfg.Kernel, "kernel: scale or add")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "address to expose prometheus metrics")
	fs.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "log level")
}

// Config returns configuration. If file is provided, explicitly set flags
// override its values.
func (f *configFlags) Config() (config.Config, error) {
	if f.err != nil {
		return config.Config{}, f.err
	}
	if f.file == "" {
		return f.cfg, nil
	}
	cfg, err := config.LoadFile(f.file)
	if err != nil {
		return config.Config{}, err
	}
	overrides := flag.NewFlagSet("overrides", flag.ContinueOnError)
	bind(overrides, &cfg)
	f.fs.Visit(func(fl *flag.Flag) {
		if fl.Name == "config" || err != nil {
			return
		}
		err = overrides.Set(fl.Name, fl.Value.String())
	})
	return cfg, err
}
