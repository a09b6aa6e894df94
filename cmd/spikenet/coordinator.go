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

	"github.com/signalsfoundry/spikenet/internal/exchange"
	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/internal/observability"
)

func (a *app) coordinatorCmd() *cobra.Command {
	var listen, metricsAddr string
	var size int
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Host the spike exchange barrier of a multi-process run",
		Long: `Coordinator waits for --size ranks started with
'spikenet run --coordinator ADDR --rank R --size N' (or 'serve' with
distributed.coordinator set) and relays their spike lists at every slice.
It exits once every rank has left or the barrier broke.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("size") {
				size = a.cfg.Distributed.Size
			}
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = a.cfg.Server.MetricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			return coordinate(ctx, size, metricsAddr, a.log, lis)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":50071", "TCP address the barrier service listens on")
	cmd.Flags().IntVar(&size, "size", 1, "number of ranks (defaults to distributed.size)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics")
	return cmd
}

// coordinate serves the barrier for size ranks on lis. It returns when all
// ranks have left, with the error that broke the barrier if any, or when
// ctx is done.
func coordinate(ctx context.Context, size int, metricsAddr string, log logging.Logger, lis net.Listener) error {
	log = logging.OrNoop(log)
	coord, err := exchange.NewCoordinator(size, log)
	if err != nil {
		return err
	}

	rpcMetrics, err := observability.NewRPCCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init rpc metrics: %w", err)
	}
	metricsSrv := serveMetrics(metricsAddr, rpcMetrics.Handler(), log)

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(rpcMetrics.UnaryServerInterceptor()),
	)
	coord.Register(server)

	log.Info(ctx, "coordinator listening", logging.String("addr", lis.Addr().String()), logging.Int("size", size))
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	var result error
	select {
	case <-ctx.Done():
		log.Info(context.Background(), "coordinator interrupted")
		server.Stop()
	case <-coord.Done():
		result = coord.Err()
		if result != nil {
			log.Error(ctx, "barrier broke", logging.Err(result))
		} else {
			log.Info(ctx, "all ranks left")
		}
		server.GracefulStop()
	case err := <-errCh:
		if err != nil {
			result = fmt.Errorf("barrier service exited: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownMetrics(shutdownCtx, metricsSrv)
	return result
}
