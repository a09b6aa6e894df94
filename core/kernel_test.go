package core

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/signalsfoundry/spikenet/model"
	"github.com/signalsfoundry/spikenet/nodes"
)

func newKernel(t *testing.T, opts ...Option) *Kernel {
	t.Helper()
	k, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func mustCreate(t *testing.T, k *Kernel, name string, n int, params model.Dict) model.NodeCollection {
	t.Helper()
	nc, err := k.Create(context.Background(), name, n, params)
	if err != nil {
		t.Fatalf("Create(%s, %d): %v", name, n, err)
	}
	return nc
}

func mustConnect(t *testing.T, k *Kernel, pre, post model.NodeCollection, conn ConnSpec, syn SynSpec) {
	t.Helper()
	if err := k.Connect(context.Background(), pre, post, conn, syn); err != nil {
		t.Fatalf("Connect(%s): %v", conn.Rule, err)
	}
}

func mustSimulate(t *testing.T, k *Kernel, ms float64) {
	t.Helper()
	if err := k.Simulate(context.Background(), ms); err != nil {
		t.Fatalf("Simulate(%v): %v", ms, err)
	}
}

func element(t *testing.T, nc model.NodeCollection, i int) model.NodeCollection {
	t.Helper()
	sub, err := nc.Slice(i, i+1, 1)
	if err != nil {
		t.Fatalf("Slice(%d): %v", i, err)
	}
	return sub
}

func param(x float64) *Param {
	p := Scalar(x)
	return &p
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

func statusFloat(t *testing.T, d model.Dict, key string) float64 {
	t.Helper()
	f, ok, err := d.Float(key)
	if !ok || err != nil {
		t.Fatalf("status %q: ok=%v err=%v in %v", key, ok, err, d)
	}
	return f
}

func statusInt(t *testing.T, d model.Dict, key string) int64 {
	t.Helper()
	i, ok, err := d.Int(key)
	if !ok || err != nil {
		t.Fatalf("status %q: ok=%v err=%v in %v", key, ok, err, d)
	}
	return i
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(WithThreads(0)); !errors.Is(err, model.ErrBadParameter) {
		t.Fatalf("New(WithThreads(0)) error = %v, want BadParameter", err)
	}
	if _, err := New(WithResolution(-0.1)); !errors.Is(err, model.ErrBadParameter) {
		t.Fatalf("New(WithResolution(-0.1)) error = %v, want BadParameter", err)
	}
	if _, err := New(WithSeed(math.MaxUint64)); !errors.Is(err, model.ErrBadParameter) {
		t.Fatalf("New(WithSeed(max)) error = %v, want BadParameter", err)
	}
}

func TestFreshKernelStatus(t *testing.T) {
	k := newKernel(t, WithThreads(3), WithSeed(99))
	st := k.KernelStatus()

	if got := statusFloat(t, st, "resolution"); got != 0.1 {
		t.Fatalf("resolution = %v, want 0.1", got)
	}
	if got := statusFloat(t, st, "min_delay"); !almostEqual(got, 1) {
		t.Fatalf("min_delay = %v, want the 1 ms default", got)
	}
	if got := statusInt(t, st, "local_num_threads"); got != 3 {
		t.Fatalf("local_num_threads = %d, want 3", got)
	}
	if got := statusInt(t, st, "total_num_virtual_procs"); got != 3 {
		t.Fatalf("total_num_virtual_procs = %d, want 3", got)
	}
	if got := statusInt(t, st, "rng_seed"); got != 99 {
		t.Fatalf("rng_seed = %d, want 99", got)
	}
	if frozen, _, _ := st.Bool("delays_frozen"); frozen {
		t.Fatalf("fresh kernel reports frozen delays")
	}
}

func TestResetKernelRestoresFreshConfiguration(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)
	fresh := k.KernelStatus()

	if err := k.SetKernelStatus(model.Dict{"resolution": model.Float(0.2), "local_num_threads": model.Int(2)}); err != nil {
		t.Fatalf("SetKernelStatus: %v", err)
	}
	if err := k.CopyModel(nodes.IAFPscDelta, "fast_iaf", model.Dict{"tau_m": model.Float(5)}); err != nil {
		t.Fatalf("CopyModel: %v", err)
	}
	if err := k.SetDefaults(StaticSynapse, model.Dict{"delay": model.Float(2)}); err != nil {
		t.Fatalf("SetDefaults: %v", err)
	}
	pop := mustCreate(t, k, "fast_iaf", 4, model.Dict{"I_e": model.Float(400)})
	mustConnect(t, k, pop, pop, NewConnSpec(AllToAll), SynSpec{})
	mustSimulate(t, k, 10)
	if err := k.SetKernelStatus(model.Dict{"rng_seed": model.Int(5)}); err != nil {
		t.Fatalf("SetKernelStatus(rng_seed): %v", err)
	}

	k.ResetKernel()

	if got := k.KernelStatus(); !got.Equal(fresh) {
		t.Fatalf("status after reset = %v\nwant %v", got, fresh)
	}
	if _, err := k.GetStatus(pop); !errors.Is(err, model.ErrUnknownNode) {
		t.Fatalf("GetStatus on stale collection error = %v, want UnknownNode", err)
	}
	if _, err := k.GetDefaults("fast_iaf"); !errors.Is(err, model.ErrUnknownModel) {
		t.Fatalf("copied model survived reset: %v", err)
	}
	d, err := k.GetDefaults(StaticSynapse)
	if err != nil {
		t.Fatalf("GetDefaults: %v", err)
	}
	if got := statusFloat(t, d, "delay"); got != 1 {
		t.Fatalf("synapse delay after reset = %v, want 1", got)
	}
	if k.Time() != 0 {
		t.Fatalf("Time() = %v after reset, want 0", k.Time())
	}

	// the reset kernel is fully usable again
	again := mustCreate(t, k, nodes.IAFPscDelta, 2, nil)
	if again.First() != 1 {
		t.Fatalf("first id after reset = %d, want 1", again.First())
	}
	if err := k.Simulate(ctx, 1); err != nil {
		t.Fatalf("Simulate after reset: %v", err)
	}
}

func TestResetNetworkKeepsStructureAndTime(t *testing.T) {
	k := newKernel(t)
	gen := mustCreate(t, k, nodes.SpikeGenerator, 1, model.Dict{"spike_times": model.Floats([]float64{1, 2})})
	rec := mustCreate(t, k, nodes.SpikeRecorder, 1, nil)
	mustConnect(t, k, gen, rec, NewConnSpec(AllToAll), SynSpec{})
	mustSimulate(t, k, 5)

	got, err := k.Get(rec, "n_events")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n, _ := got["n_events"][0].AsInt(); n != 2 {
		t.Fatalf("n_events = %d before reset, want 2", n)
	}

	if err := k.ResetNetwork(); err != nil {
		t.Fatalf("ResetNetwork: %v", err)
	}
	got, _ = k.Get(rec, "n_events")
	if n, _ := got["n_events"][0].AsInt(); n != 0 {
		t.Fatalf("n_events = %d after ResetNetwork, want 0", n)
	}
	if !almostEqual(k.Time(), 5) {
		t.Fatalf("Time() = %v, want 5", k.Time())
	}
	if n := statusInt(t, k.KernelStatus(), "num_connections"); n != 1 {
		t.Fatalf("num_connections = %d, want 1", n)
	}
}

func TestNumericalFailureFaultsKernel(t *testing.T) {
	ctx := context.Background()
	k := newKernel(t)
	mustCreate(t, k, nodes.IAFPscDelta, 1, model.Dict{"C_m": model.Float(1e-300), "I_e": model.Float(1e308)})

	err := k.Simulate(ctx, 1)
	if !errors.Is(err, model.ErrNumerical) {
		t.Fatalf("Simulate error = %v, want NumericalInstability", err)
	}
	var ke *model.KernelError
	if !errors.As(err, &ke) || ke.Command != "Simulate" {
		t.Fatalf("error %v does not name the Simulate command", err)
	}

	_, err = k.Create(ctx, nodes.IAFPscDelta, 1, nil)
	if model.KindOf(err) != model.KindKernelException {
		t.Fatalf("Create on faulted kernel error = %v, want KernelException", err)
	}
	if !errors.Is(err, model.ErrNumerical) {
		t.Fatalf("faulted error %v does not carry the original failure", err)
	}

	k.ResetKernel()
	mustCreate(t, k, nodes.IAFPscDelta, 1, nil)
}

func TestKernelsAreIndependent(t *testing.T) {
	a := newKernel(t)
	b := newKernel(t)
	na := mustCreate(t, a, nodes.IAFPscDelta, 3, nil)
	mustCreate(t, b, nodes.IAFPscDelta, 1, nil)

	if _, err := b.GetStatus(na); !errors.Is(err, model.ErrUnknownNode) {
		t.Fatalf("kernel b accepted a collection of kernel a: %v", err)
	}
	if n := statusInt(t, a.KernelStatus(), "network_size"); n != 3 {
		t.Fatalf("network_size of a = %d, want 3", n)
	}
}
