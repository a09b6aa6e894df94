// Package config loads the layered configuration of the spikenet binaries:
// built-in defaults, then an optional YAML file, then SPIKENET_* environment
// variables.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/spikenet/core"
	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/internal/observability"
	"github.com/signalsfoundry/spikenet/timectrl"
)

// EnvPrefix is prepended to every environment override, with dots in the
// key replaced by underscores: kernel.threads is SPIKENET_KERNEL_THREADS.
const EnvPrefix = "SPIKENET"

type Config struct {
	Kernel      KernelConfig                `mapstructure:"kernel" yaml:"kernel"`
	Logging     LoggingConfig               `mapstructure:"logging" yaml:"logging"`
	Tracing     observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Server      ServerConfig                `mapstructure:"server" yaml:"server"`
	Distributed DistributedConfig           `mapstructure:"distributed" yaml:"distributed"`
}

// KernelConfig holds the construction-time kernel parameters.
type KernelConfig struct {
	Resolution float64 `mapstructure:"resolution" yaml:"resolution"`
	Threads    int     `mapstructure:"threads" yaml:"threads"`
	Seed       uint64  `mapstructure:"seed" yaml:"seed"`
	Mode       string  `mapstructure:"mode" yaml:"mode"` // accelerated | realtime
}

type LoggingConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format"`
	AddSource bool   `mapstructure:"add_source" yaml:"add_source"`
}

// ServerConfig addresses the kernel API and the Prometheus endpoint. An
// empty MetricsAddr disables /metrics.
type ServerConfig struct {
	GRPCAddr    string `mapstructure:"grpc_addr" yaml:"grpc_addr"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// DistributedConfig describes how a run is split into ranks. With an empty
// Coordinator, Ranks > 1 runs that many ranks inside this process; with a
// Coordinator, this process is the single rank Rank of Size.
type DistributedConfig struct {
	Ranks        int           `mapstructure:"ranks" yaml:"ranks"`
	Coordinator  string        `mapstructure:"coordinator" yaml:"coordinator"`
	Rank         int           `mapstructure:"rank" yaml:"rank"`
	Size         int           `mapstructure:"size" yaml:"size"`
	JoinTimeout  time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
	RoundTimeout time.Duration `mapstructure:"round_timeout" yaml:"round_timeout"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			Resolution: timectrl.DefaultResolution,
			Threads:    1,
			Seed:       core.DefaultSeed,
			Mode:       timectrl.Accelerated.String(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: observability.TracingConfig{
			Enabled:     false,
			ServiceName: "spikenet",
			Exporter:    "stdout",
			Endpoint:    "localhost:4317",
			SampleRatio: 1,
		},
		Server: ServerConfig{
			GRPCAddr:    ":50061",
			MetricsAddr: ":9091",
		},
		Distributed: DistributedConfig{
			Ranks:       1,
			Size:        1,
			JoinTimeout: 30 * time.Second,
		},
	}
}

// Load reads path (if not empty) over the defaults and applies environment
// overrides. A missing explicit file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("kernel.resolution", d.Kernel.Resolution)
	v.SetDefault("kernel.threads", d.Kernel.Threads)
	v.SetDefault("kernel.seed", d.Kernel.Seed)
	v.SetDefault("kernel.mode", d.Kernel.Mode)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.add_source", d.Logging.AddSource)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.metrics_addr", d.Server.MetricsAddr)
	v.SetDefault("distributed.ranks", d.Distributed.Ranks)
	v.SetDefault("distributed.coordinator", d.Distributed.Coordinator)
	v.SetDefault("distributed.rank", d.Distributed.Rank)
	v.SetDefault("distributed.size", d.Distributed.Size)
	v.SetDefault("distributed.join_timeout", d.Distributed.JoinTimeout)
	v.SetDefault("distributed.round_timeout", d.Distributed.RoundTimeout)
}

// Validate checks ranges that can be decided without building a kernel.
func (c *Config) Validate() error {
	if c.Kernel.Resolution <= 0 {
		return fmt.Errorf("kernel.resolution must be positive, got %v", c.Kernel.Resolution)
	}
	if c.Kernel.Threads < 1 {
		return fmt.Errorf("kernel.threads must be at least 1, got %d", c.Kernel.Threads)
	}
	if _, err := timectrl.ParseMode(c.Kernel.Mode); err != nil {
		return fmt.Errorf("kernel.mode: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Tracing.Enabled {
		switch strings.ToLower(c.Tracing.Exporter) {
		case "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be stdout or otlp, got %q", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio)
		}
	}

	d := c.Distributed
	if d.Ranks < 1 {
		return fmt.Errorf("distributed.ranks must be at least 1, got %d", d.Ranks)
	}
	if d.Coordinator != "" {
		if d.Ranks != 1 {
			return fmt.Errorf("distributed.ranks and distributed.coordinator are mutually exclusive")
		}
		if d.Size < 1 || d.Rank < 0 || d.Rank >= d.Size {
			return fmt.Errorf("distributed.rank %d outside a communicator of size %d", d.Rank, d.Size)
		}
	}
	if d.JoinTimeout < 0 || d.RoundTimeout < 0 {
		return fmt.Errorf("distributed timeouts must not be negative")
	}
	return nil
}

// LoggerConfig is the logging section in the form logging.New expects.
func (c *Config) LoggerConfig(out io.Writer) logging.Config {
	return logging.Config{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		AddSource: c.Logging.AddSource,
		Output:    out,
	}
}

// Mode parses Kernel.Mode; Validate has already accepted it.
func (c *Config) Mode() timectrl.Mode {
	m, _ := timectrl.ParseMode(c.Kernel.Mode)
	return m
}

// KernelOptions turns the kernel section into construction options.
func (c *Config) KernelOptions() []core.Option {
	return []core.Option{
		core.WithResolution(c.Kernel.Resolution),
		core.WithThreads(c.Kernel.Threads),
		core.WithSeed(c.Kernel.Seed),
		core.WithMode(c.Mode()),
	}
}

// WriteYAML renders the effective configuration.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
