// Command spikenet runs spiking-network scenarios, serves a kernel over
// gRPC and coordinates multi-process runs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/spikenet/internal/config"
	"github.com/signalsfoundry/spikenet/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries what the persistent pre-run prepares for every subcommand.
type app struct {
	cfgPath  string
	logLevel string

	cfg *config.Config
	log logging.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "spikenet",
		Short: "Discrete-time spiking network simulator",
		Long: `spikenet simulates networks of spiking point neurons in fixed time steps.

Configuration is read from:
  1. built-in defaults
  2. the file given with --config (YAML)
  3. SPIKENET_* environment variables (SPIKENET_KERNEL_THREADS=4, ...)
  4. command flags`,
		SilenceUsage:      true,
		PersistentPreRunE: a.init,
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (YAML)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	root.AddCommand(a.runCmd())
	root.AddCommand(a.serveCmd())
	root.AddCommand(a.coordinatorCmd())
	root.AddCommand(a.configCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "spikenet %s\n", version)
		},
	})
	return root
}

func (a *app) init(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg
	a.log = logging.New(cfg.LoggerConfig(cmd.ErrOrStderr()))
	return nil
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.cfg.WriteYAML(cmd.OutOrStdout())
		},
	}
}

// serveMetrics exposes h as /metrics on addr until the returned server is
// shut down. An empty addr disables the endpoint.
func serveMetrics(addr string, h http.Handler, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func shutdownMetrics(ctx context.Context, srv *http.Server) {
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
}
