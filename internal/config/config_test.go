package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/spikenet/core"
	"github.com/signalsfoundry/spikenet/timectrl"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Kernel.Resolution != 0.1 || cfg.Kernel.Threads != 1 {
		t.Fatalf("kernel defaults = %+v", cfg.Kernel)
	}
	if cfg.Mode() != timectrl.Accelerated {
		t.Fatalf("mode = %v, want accelerated", cfg.Mode())
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.Kernel != want.Kernel || cfg.Server != want.Server || cfg.Distributed != want.Distributed {
		t.Fatalf("Load(\"\") = %+v, want %+v", cfg, want)
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spikenet.yaml")
	data := `
kernel:
  resolution: 0.25
  threads: 2
  seed: 99
logging:
  level: debug
  format: json
distributed:
  ranks: 3
  round_timeout: 2s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SPIKENET_KERNEL_THREADS", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Kernel.Resolution != 0.25 || cfg.Kernel.Seed != 99 {
		t.Fatalf("kernel = %+v, want values from the file", cfg.Kernel)
	}
	if cfg.Kernel.Threads != 4 {
		t.Fatalf("threads = %d, want the environment override 4", cfg.Kernel.Threads)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Distributed.Ranks != 3 || cfg.Distributed.RoundTimeout != 2*time.Second {
		t.Fatalf("distributed = %+v", cfg.Distributed)
	}
	if cfg.Distributed.JoinTimeout != 30*time.Second {
		t.Fatalf("join_timeout = %v, want the default", cfg.Distributed.JoinTimeout)
	}
	if cfg.Server.GRPCAddr != Default().Server.GRPCAddr {
		t.Fatalf("grpc_addr = %q, want the default", cfg.Server.GRPCAddr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("Load of a missing file succeeded")
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("kernel:\n  threads: 0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "kernel.threads") {
		t.Fatalf("Load = %v, want a kernel.threads error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero resolution", mutate: func(c *Config) { c.Kernel.Resolution = 0 }, wantErr: "kernel.resolution"},
		{name: "bad mode", mutate: func(c *Config) { c.Kernel.Mode = "warp" }, wantErr: "kernel.mode"},
		{name: "realtime", mutate: func(c *Config) { c.Kernel.Mode = "realtime" }},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, wantErr: "tracing.exporter"},
		{name: "disabled tracing ignores exporter", mutate: func(c *Config) { c.Tracing.Exporter = "zipkin" }},
		{name: "sample ratio", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRatio = 2
		}, wantErr: "sample_ratio"},
		{name: "zero ranks", mutate: func(c *Config) { c.Distributed.Ranks = 0 }, wantErr: "distributed.ranks"},
		{name: "coordinator rank", mutate: func(c *Config) {
			c.Distributed.Coordinator = "localhost:7000"
			c.Distributed.Size = 2
			c.Distributed.Rank = 1
		}},
		{name: "coordinator rank out of range", mutate: func(c *Config) {
			c.Distributed.Coordinator = "localhost:7000"
			c.Distributed.Size = 2
			c.Distributed.Rank = 2
		}, wantErr: "outside"},
		{name: "coordinator with local ranks", mutate: func(c *Config) {
			c.Distributed.Coordinator = "localhost:7000"
			c.Distributed.Ranks = 2
		}, wantErr: "mutually exclusive"},
		{name: "negative timeout", mutate: func(c *Config) { c.Distributed.RoundTimeout = -time.Second }, wantErr: "timeouts"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestWriteYAMLRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Kernel.Threads = 6
	cfg.Distributed.RoundTimeout = 1500 * time.Millisecond

	var buf bytes.Buffer
	if err := cfg.WriteYAML(&buf); err != nil {
		t.Fatalf("WriteYAML: %v", err)
	}
	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load(written config): %v\n%s", err, buf.String())
	}
	if back.Kernel.Threads != 6 || back.Distributed.RoundTimeout != 1500*time.Millisecond {
		t.Fatalf("round trip = %+v / %+v", back.Kernel, back.Distributed)
	}
}

func TestKernelOptions(t *testing.T) {
	cfg := Default()
	cfg.Kernel.Threads = 3
	cfg.Kernel.Seed = 17
	cfg.Kernel.Resolution = 0.5

	k, err := core.New(cfg.KernelOptions()...)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	defer k.Close()
	st := k.KernelStatus()
	if n, _, _ := st.Int("local_num_threads"); n != 3 {
		t.Fatalf("local_num_threads = %d, want 3", n)
	}
	if s, _, _ := st.Int("rng_seed"); s != 17 {
		t.Fatalf("rng_seed = %d, want 17", s)
	}
	if k.Resolution() != 0.5 {
		t.Fatalf("resolution = %v, want 0.5", k.Resolution())
	}
}
