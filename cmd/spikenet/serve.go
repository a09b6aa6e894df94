package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/spikenet/core"
	"github.com/signalsfoundry/spikenet/internal/api"
	"github.com/signalsfoundry/spikenet/internal/config"
	"github.com/signalsfoundry/spikenet/internal/exchange"
	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/internal/observability"
)

func (a *app) serveCmd() *cobra.Command {
	var grpcAddr, metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a kernel over gRPC",
		Long: `Serve holds one kernel and exposes it as spikenet.kernel.v1.KernelService.
With distributed.coordinator set the served kernel is one rank of a
multi-process run. Prometheus metrics are served on --metrics-addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("grpc-addr") {
				a.cfg.Server.GRPCAddr = grpcAddr
			}
			if cmd.Flags().Changed("metrics-addr") {
				a.cfg.Server.MetricsAddr = metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", a.cfg.Server.GRPCAddr, err)
			}
			return serve(ctx, a.cfg, a.log, lis)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "TCP address the kernel service listens on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics, empty to disable")
	return cmd
}

// serve runs the kernel service on lis until ctx is done.
func serve(ctx context.Context, cfg *config.Config, log logging.Logger, lis net.Listener) error {
	log = logging.OrNoop(log)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	rpcMetrics, err := observability.NewRPCCollector(reg)
	if err != nil {
		return fmt.Errorf("init rpc metrics: %w", err)
	}
	kernelMetrics, err := observability.NewKernelCollector(reg)
	if err != nil {
		return fmt.Errorf("init kernel metrics: %w", err)
	}

	var comm exchange.Communicator = exchange.Local{}
	rank := 0
	if d := cfg.Distributed; d.Coordinator != "" {
		client, err := exchange.Dial(ctx, d.Coordinator, d.Rank, exchange.DialOptions{
			JoinTimeout:  d.JoinTimeout,
			RoundTimeout: d.RoundTimeout,
			Logger:       log,
		})
		if err != nil {
			return err
		}
		comm, rank = client, d.Rank
	}
	k, err := core.New(append(cfg.KernelOptions(),
		core.WithLogger(log),
		core.WithCommunicator(comm),
		core.WithMetricsRecorder(kernelMetrics.ForRank(rank)),
	)...)
	if err != nil {
		_ = comm.Close()
		return err
	}
	defer k.Close()

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			api.RunIDUnaryServerInterceptor(log),
			api.TracingUnaryServerInterceptor(),
			api.LoggingUnaryServerInterceptor(),
			rpcMetrics.UnaryServerInterceptor(),
		),
	)
	api.NewServer(k, log).Register(server)

	// reg holds both collectors, so either handler serves everything
	metricsSrv := serveMetrics(cfg.Server.MetricsAddr, kernelMetrics.Handler(), log)

	log.Info(ctx, "starting kernel service", logging.String("addr", lis.Addr().String()), logging.Int("rank", rank))
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("kernel service exited: %w", err)
		}
		return nil
	}

	log.Info(context.Background(), "shutting down kernel service")
	server.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownMetrics(shutdownCtx, metricsSrv)
	return nil
}
