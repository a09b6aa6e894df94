package api

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/spikenet/core"
	"github.com/signalsfoundry/spikenet/internal/observability"
	"github.com/signalsfoundry/spikenet/model"
	"github.com/signalsfoundry/spikenet/nodes"
)

const bufSize = 1 << 20

// startServer serves a fresh kernel over an in-memory listener.
func startServer(t *testing.T, collector *observability.RPCCollector) (*Client, *core.Kernel) {
	t.Helper()
	k, err := core.New(core.WithSeed(3))
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	t.Cleanup(func() { _ = k.Close() })

	interceptors := []grpc.UnaryServerInterceptor{
		RunIDUnaryServerInterceptor(nil),
		TracingUnaryServerInterceptor(),
		LoggingUnaryServerInterceptor(),
	}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	NewServer(k, nil).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(RunIDUnaryClientInterceptor()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close() })
	return NewClient(cc), k
}

func TestRemoteSimulation(t *testing.T) {
	ctx := context.Background()
	c, k := startServer(t, nil)

	gen, err := c.Create(ctx, nodes.SpikeGenerator, 1, model.Dict{"spike_times": model.Floats([]float64{1, 2, 3})})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec, err := c.Create(ctx, nodes.SpikeRecorder, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.First() != 2 {
		t.Fatalf("recorder id = %d, want 2", rec.First())
	}
	w := core.Scalar(2.5)
	if err := c.Connect(ctx, gen, rec, core.NewConnSpec(core.AllToAll), core.SynSpec{Weight: &w}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	now, err := c.Simulate(ctx, 10)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if now != 10 || k.Time() != 10 {
		t.Fatalf("time = %v (kernel %v), want 10", now, k.Time())
	}

	got, err := c.Get(ctx, rec, "n_events")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n, _ := got["n_events"][0].AsInt(); n != 3 {
		t.Fatalf("n_events = %d, want 3", n)
	}

	conns, err := c.GetConnections(ctx, core.ConnQuery{Source: &gen})
	if err != nil {
		t.Fatalf("GetConnections: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("%d connections, want 1", len(conns))
	}
	if wt, _, _ := conns[0].Float("weight"); wt != 2.5 {
		t.Fatalf("weight = %v, want 2.5", wt)
	}
	n, err := c.SetConnectionStatus(ctx, core.ConnQuery{Target: &rec}, model.Dict{"weight": model.Float(4)})
	if err != nil || n != 1 {
		t.Fatalf("SetConnectionStatus = %d, %v", n, err)
	}

	st, err := c.KernelStatus(ctx)
	if err != nil {
		t.Fatalf("KernelStatus: %v", err)
	}
	if frozen, _, _ := st.Bool("delays_frozen"); !frozen {
		t.Fatalf("delays_frozen = false after a run")
	}
	if size, _, _ := st.Int("network_size"); size != 2 {
		t.Fatalf("network_size = %d, want 2", size)
	}
}

func TestRemoteErrorsKeepTheirKind(t *testing.T) {
	ctx := context.Background()
	c, _ := startServer(t, nil)

	_, err := c.Create(ctx, "no_such_model", 1, nil)
	var ke *model.KernelError
	if !errors.As(err, &ke) {
		t.Fatalf("Create error %T %v is not a KernelError", err, err)
	}
	if ke.Kind != model.KindUnknownModel || ke.Command != "Create" {
		t.Fatalf("error = %+v, want UnknownModel in Create", ke)
	}
	if !errors.Is(err, model.ErrKernelException) {
		t.Fatalf("error does not match the root kind")
	}

	pop, err := c.Create(ctx, nodes.IAFPscDelta, 2, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = c.SetStatus(ctx, pop, model.Dict{"C_m": model.Float(-3)})
	if !errors.Is(err, model.ErrBadParameter) {
		t.Fatalf("SetStatus error = %v, want BadParameter", err)
	}

	if err := c.ResetKernel(ctx); err != nil {
		t.Fatalf("ResetKernel: %v", err)
	}
	if _, err := c.GetStatus(ctx, pop); !errors.Is(err, model.ErrUnknownNode) {
		t.Fatalf("stale collection error = %v, want UnknownNode", err)
	}

	if _, err := c.Simulate(ctx, 0.05); !errors.Is(err, model.ErrBadParameter) {
		t.Fatalf("off-grid Simulate error = %v, want BadParameter", err)
	}
}

func TestBindingErrorsAreNotKernelErrors(t *testing.T) {
	ctx := context.Background()
	c, _ := startServer(t, nil)

	_, err := c.call(ctx, "Create", model.Dict{"model": model.String(nodes.IAFPscDelta), "n": model.String("three")})
	var be *BindingError
	if !errors.As(err, &be) {
		t.Fatalf("error %T %v is not a BindingError", err, err)
	}
	if be.Path != "n" {
		t.Fatalf("path = %q, want n", be.Path)
	}
	if errors.Is(err, model.ErrKernelException) {
		t.Fatalf("binding error matched a kernel kind")
	}

	_, err = c.call(ctx, "GetStatus", model.Dict{"nodes": model.Int(4)})
	if !errors.As(err, &be) {
		t.Fatalf("malformed collection error = %v, want BindingError", err)
	}
}

// wireCollection builds the request form of a collection with one span.
func wireCollection(first, count, step int64, epoch uint64) model.Value {
	return model.DictValue(model.Dict{
		"spans": model.List(model.DictValue(model.Dict{
			"first": model.Int(first),
			"count": model.Int(count),
			"step":  model.Int(step),
		})),
		"epoch": model.Int(int64(epoch)),
	})
}

func TestOversizedRequestsAreRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, k := startServer(t, nil)

	if _, err := c.Create(ctx, nodes.IAFPscDelta, 1<<52, nil); !errors.Is(err, model.ErrBadParameter) {
		t.Fatalf("Create(2^52) error = %v, want BadParameter", err)
	}
	pop, err := c.Create(ctx, nodes.IAFPscDelta, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name  string
		nodes model.Value
		want  error
	}{
		{name: "span past the network", nodes: wireCollection(1, 1<<50, 1, pop.Epoch()), want: model.ErrUnknownNode},
		{name: "span past the id range", nodes: wireCollection(1, 1<<40, 1<<40, pop.Epoch()), want: model.ErrBadParameter},
		{name: "stale span past the network", nodes: wireCollection(1, 1<<50, 1, pop.Epoch()+1), want: model.ErrUnknownNode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.call(ctx, "GetStatus", model.Dict{"nodes": tt.nodes})
			if !errors.Is(err, tt.want) {
				t.Fatalf("GetStatus error = %v, want %v", err, tt.want)
			}
		})
	}

	repeated := model.DictValue(model.Dict{
		"spans": model.List(
			model.DictValue(model.Dict{"first": model.Int(1), "count": model.Int(1), "step": model.Int(1)}),
			model.DictValue(model.Dict{"first": model.Int(1), "count": model.Int(1), "step": model.Int(1)}),
		),
		"epoch": model.Int(int64(pop.Epoch())),
	})
	if _, err := c.call(ctx, "GetStatus", model.Dict{"nodes": repeated}); !errors.Is(err, model.ErrBadParameter) {
		t.Fatalf("repeated span error = %v, want BadParameter", err)
	}
	if size, _, _ := k.KernelStatus().Int("network_size"); size != 1 {
		t.Fatalf("network_size = %d, want 1", size)
	}
}

func TestModelsAndDefaults(t *testing.T) {
	ctx := context.Background()
	c, _ := startServer(t, nil)

	if err := c.CopyModel(ctx, nodes.IAFPscDelta, "fast", model.Dict{"tau_m": model.Float(2)}); err != nil {
		t.Fatalf("CopyModel: %v", err)
	}
	if err := c.SetDefaults(ctx, core.StaticSynapse, model.Dict{"weight": model.Float(0.5)}); err != nil {
		t.Fatalf("SetDefaults: %v", err)
	}
	d, err := c.GetDefaults(ctx, "fast")
	if err != nil {
		t.Fatalf("GetDefaults: %v", err)
	}
	if tau, _, _ := d.Float("tau_m"); tau != 2 {
		t.Fatalf("tau_m = %v, want 2", tau)
	}
	nodeModels, synModels, err := c.Models(ctx)
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if !slices.Contains(nodeModels, "fast") || !slices.Contains(synModels, core.StaticSynapse) {
		t.Fatalf("models = %v / %v", nodeModels, synModels)
	}

	pop, err := c.Create(ctx, "fast", 2, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := c.SetStatusEach(ctx, pop, []model.Dict{{"I_e": model.Float(1)}, {"I_e": model.Float(2)}}); err != nil {
		t.Fatalf("SetStatusEach: %v", err)
	}
	got, err := c.Get(ctx, pop, "I_e")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ie0, _ := got["I_e"][0].AsFloat()
	ie1, _ := got["I_e"][1].AsFloat()
	if ie0 != 1 || ie1 != 2 {
		t.Fatalf("I_e = %v, %v", ie0, ie1)
	}
	if err := c.SetKernelStatus(ctx, model.Dict{"rng_seed": model.Int(11)}); err != nil {
		t.Fatalf("SetKernelStatus: %v", err)
	}
	if err := c.ResetNetwork(ctx); err != nil {
		t.Fatalf("ResetNetwork: %v", err)
	}
}

func TestRPCMetricsCountCodes(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	collector, err := observability.NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}
	c, _ := startServer(t, collector)

	if _, err := c.KernelStatus(ctx); err != nil {
		t.Fatalf("KernelStatus: %v", err)
	}
	_, _ = c.Create(ctx, "missing", 1, nil)

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("KernelService", "GetKernelStatus", "OK")); got != 1 {
		t.Fatalf("GetKernelStatus OK count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("KernelService", "Create", "NotFound")); got != 1 {
		t.Fatalf("Create NotFound count = %v, want 1", got)
	}
}
