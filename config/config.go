// Package config provides pipeline configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"pipelined.dev/handoff/buffer"
	"pipelined.dev/handoff/handshake"
)

// Prefix of environment variables.
const Prefix = "HANDOFF"

// Config holds pipeline configuration.
type Config struct {
	VectorSize        int            `envconfig:"VECTOR_SIZE" default:"1024" yaml:"vector_size"`
	Iterations        int            `envconfig:"ITERATIONS" default:"16" yaml:"iterations"`
	Streams           int            `envconfig:"STREAMS" default:"2" yaml:"streams"`
	HostBuffering     bool           `envconfig:"HOST_BUFFERING" default:"false" yaml:"host_buffering"`
	ProducerEmulation bool           `envconfig:"PRODUCER_EMULATION" default:"true" yaml:"producer_emulation"`
	PollInterval      time.Duration  `envconfig:"POLL_INTERVAL" default:"50us" yaml:"poll_interval"`
	MaxAttempts       int            `envconfig:"MAX_ATTEMPTS" default:"200000" yaml:"max_attempts"`
	Verbose           bool           `envconfig:"VERBOSE" default:"false" yaml:"verbose"`
	FlagMode          handshake.Mode `envconfig:"FLAG_MODE" default:"locked" yaml:"flag_mode"`
	ProducerDelay     time.Duration  `envconfig:"PRODUCER_DELAY" default:"0s" yaml:"producer_delay"`
	ConsumerDelay     time.Duration  `envconfig:"CONSUMER_DELAY" default:"0s" yaml:"consumer_delay"`
	Loopback          bool           `envconfig:"LOOPBACK" default:"false" yaml:"loopback"`
	PinHostMemory     bool           `envconfig:"PIN_HOST_MEMORY" default:"false" yaml:"pin_host_memory"`
	Kernel            string         `envconfig:"KERNEL" default:"scale" yaml:"kernel"`
	MetricsAddr       string         `envconfig:"METRICS_ADDR" yaml:"metrics_addr"`
	LogLevel          string         `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
}

// ConfigError is returned when configuration is invalid.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Default returns default configuration.
func Default() Config {
	return Config{
		VectorSize:        1024,
		Iterations:        16,
		Streams:           2,
		ProducerEmulation: true,
		PollInterval:      handshake.DefaultBudget.Interval,
		MaxAttempts:       handshake.DefaultBudget.Attempts,
		FlagMode:          handshake.ModeLocked,
		Kernel:            "scale",
		LogLevel:          "info",
	}
}

// Load loads configuration from environment variables with HANDOFF
// prefix. Unset variables take default values.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadFile loads configuration from YAML file. Omitted fields take default
// values.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate returns *ConfigError describing the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.VectorSize <= 0:
		return &ConfigError{Field: "VectorSize", Value: c.VectorSize, Reason: "must be positive"}
	case c.VectorSize > buffer.MaxVectorSize:
		return &ConfigError{Field: "VectorSize", Value: c.VectorSize, Reason: fmt.Sprintf("must not exceed %d", buffer.MaxVectorSize)}
	case c.Iterations <= 0:
		return &ConfigError{Field: "Iterations", Value: c.Iterations, Reason: "must be positive"}
	case c.Streams < 1:
		return &ConfigError{Field: "Streams", Value: c.Streams, Reason: "must be at least 1"}
	case c.PollInterval <= 0:
		return &ConfigError{Field: "PollInterval", Value: c.PollInterval, Reason: "must be positive"}
	case c.MaxAttempts <= 0:
		return &ConfigError{Field: "MaxAttempts", Value: c.MaxAttempts, Reason: "must be positive"}
	case !c.FlagMode.Valid():
		return &ConfigError{Field: "FlagMode", Value: c.FlagMode, Reason: "must be one of locked, atomic, shared"}
	case c.ProducerDelay < 0:
		return &ConfigError{Field: "ProducerDelay", Value: c.ProducerDelay, Reason: "must not be negative"}
	case c.ConsumerDelay < 0:
		return &ConfigError{Field: "ConsumerDelay", Value: c.ConsumerDelay, Reason: "must not be negative"}
	}
	return nil
}

// Budget returns the wait budget.
func (c Config) Budget() handshake.Budget {
	return handshake.Budget{
		Interval: c.PollInterval,
		Attempts: c.MaxAttempts,
	}
}
