package scenario

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/signalsfoundry/spikenet/core"
	"github.com/signalsfoundry/spikenet/internal/exchange"
	"github.com/signalsfoundry/spikenet/model"
)

const relay = `
name: relay
kernel:
  resolution: 0.1
  local_num_threads: 2
  rng_seed: 5
populations:
  - name: gen
    model: spike_generator
    n: 1
    params:
      spike_times: [[1.0, 2.0, 3.0]]
  - name: parrots
    model: parrot_neuron
    n: 2
  - name: rec
    model: spike_recorder
    n: 1
connections:
  - pre: gen
    post: {population: parrots, stop: 1}
    syn_spec: {delay: 1.0}
  - pre: parrots
    post: rec
    conn_spec: {rule: all_to_all}
simulate: [5, 5]
record: [rec]
`

// network mirrors the kernel test network: driven neurons with random
// recurrent wiring, recorded by a single recorder.
const network = `
name: recurrent
populations:
  - name: drive
    model: poisson_generator
    n: 20
    params: {rate: 2000.0}
  - name: neurons
    model: iaf_psc_delta
    n: 20
  - name: rec
    model: spike_recorder
    n: 1
connections:
  - pre: drive
    post: neurons
    conn_spec: {rule: one_to_one}
    syn_spec: {weight: 2.0}
  - pre: neurons
    post: neurons
    conn_spec: {rule: fixed_indegree, indegree: 4}
    syn_spec:
      weight: {distribution: normal, mean: 0.5, std: 1.0}
      delay: {distribution: uniform, low: 1.0, high: 3.0}
  - pre: neurons
    post: rec
simulate: [15.5, 24.5]
record: [rec, neurons]
`

func mustParse(t *testing.T, doc string) *Scenario {
	t.Helper()
	sc, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return sc
}

func newKernel(t *testing.T, opts ...core.Option) *core.Kernel {
	t.Helper()
	k, err := core.New(opts...)
	if err != nil {
		t.Fatalf("core.New: %v", err)
	}
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestParseSelections(t *testing.T) {
	sc := mustParse(t, `
populations:
  - {name: a, model: parrot_neuron, n: 4}
  - {name: b, model: parrot_neuron, n: 4}
connections:
  - {pre: a, post: [a, b]}
  - pre: {population: b, start: 1, step: 2}
    post: {population: a, stop: -1}
`)
	if got := sc.Connections[0].Post.Populations; !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("list selection = %v", got)
	}
	if sc.Connections[0].Pre.sliced() {
		t.Fatalf("plain name reported as sliced")
	}
	pre := sc.Connections[1].Pre
	if pre.Start != 1 || pre.Step != 2 || pre.Stop != nil {
		t.Fatalf("slice selection = %+v", pre)
	}
	post := sc.Connections[1].Post
	if post.Stop == nil || *post.Stop != -1 || post.Step != 1 {
		t.Fatalf("slice selection = %+v", post)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{name: "empty", doc: "", wantErr: "empty"},
		{name: "unknown field", doc: "populations: []\nsimulat: [1]\n", wantErr: "simulat"},
		{name: "missing model", doc: "populations: [{name: a, n: 1}]", wantErr: "model is required"},
		{name: "duplicate", doc: "populations: [{name: a, model: x, n: 1}, {name: a, model: x, n: 1}]", wantErr: "duplicate"},
		{name: "zero size", doc: "populations: [{name: a, model: x, n: 0}]", wantErr: "n must be positive"},
		{name: "unknown pre", doc: "populations: [{name: a, model: x, n: 1}]\nconnections: [{pre: b, post: a}]", wantErr: "unknown population \"b\""},
		{name: "missing post", doc: "populations: [{name: a, model: x, n: 1}]\nconnections: [{pre: a}]", wantErr: "post: no population"},
		{name: "slice and list accepted", doc: "populations: [{name: a, model: x, n: 1}]\nconnections: [{pre: a, post: {population: a, step: 2}}, {pre: [a, a], post: a}]", wantErr: ""},
		{name: "negative step", doc: "populations: [{name: a, model: x, n: 1}]\nsimulate: [1, -2]", wantErr: "simulate[1]"},
		{name: "unknown record", doc: "populations: [{name: a, model: x, n: 1}]\nrecord: [b]", wantErr: "record"},
		{name: "copy without name", doc: "models: [{from: iaf_psc_delta}]", wantErr: "models[0]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.doc))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Parse = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Parse = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestRunRelay(t *testing.T) {
	sc := mustParse(t, relay)
	k := newKernel(t)

	res, err := Run(context.Background(), sc, Local(k), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Time != 10 || sc.Duration() != 10 {
		t.Fatalf("time = %v, want 10", res.Time)
	}
	if got := res.Populations["parrots"].IDs(); !slices.Equal(got, []model.NodeID{2, 3}) {
		t.Fatalf("parrot ids = %v", got)
	}
	senders, times := res.Events("rec")
	if len(senders) != 3 {
		t.Fatalf("recorded %d events, want 3 relayed by the first parrot only", len(senders))
	}
	for i, s := range senders {
		if s != 2 {
			t.Fatalf("sender %d = %d, want parrot 2", i, s)
		}
	}
	if !slices.IsSorted(times) {
		t.Fatalf("times %v out of order", times)
	}
	st := k.KernelStatus()
	if n, _, _ := st.Int("local_num_threads"); n != 2 {
		t.Fatalf("local_num_threads = %d, want 2 from the scenario", n)
	}
	if n, _, _ := st.Int("num_connections"); n != 3 {
		t.Fatalf("num_connections = %d, want 3", n)
	}
}

func TestRunReportsKernelErrors(t *testing.T) {
	sc := mustParse(t, `
populations:
  - {name: a, model: no_such_model, n: 1}
`)
	_, err := Run(context.Background(), sc, Local(newKernel(t)), nil)
	if !errors.Is(err, model.ErrUnknownModel) {
		t.Fatalf("Run = %v, want UnknownModel", err)
	}
	if !strings.Contains(err.Error(), `population "a"`) {
		t.Fatalf("error %q does not name the population", err)
	}

	sc = mustParse(t, `
populations:
  - {name: a, model: parrot_neuron, n: 2}
connections:
  - {pre: a, post: a, conn_spec: {rule: fixed_indegree, indegree: 3, allow_multapses: false}}
`)
	if _, err := Run(context.Background(), sc, Local(newKernel(t)), nil); !errors.Is(err, model.ErrBadParameter) {
		t.Fatalf("Run = %v, want BadParameter for an unreachable indegree", err)
	}
}

func TestRunGroupMatchesSingleKernel(t *testing.T) {
	sc := mustParse(t, network)

	single, err := Run(context.Background(), sc, Local(newKernel(t, core.WithThreads(4), core.WithSeed(21))), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	comms := exchange.NewGroup(2)
	ranks := make([]Target, len(comms))
	for r, c := range comms {
		ranks[r] = Local(newKernel(t, core.WithThreads(2), core.WithSeed(21), core.WithCommunicator(c)))
	}
	merged, err := RunGroup(context.Background(), sc, ranks, nil)
	if err != nil {
		t.Fatalf("RunGroup: %v", err)
	}
	if merged.Time != 40 {
		t.Fatalf("group time = %v, want 40", merged.Time)
	}

	wantSenders, wantTimes := single.Events("rec")
	gotSenders, gotTimes := merged.Events("rec")
	if len(wantSenders) == 0 {
		t.Fatalf("network produced no spikes")
	}
	if !slices.Equal(gotSenders, wantSenders) || !slices.Equal(gotTimes, wantTimes) {
		t.Fatalf("group recorded %d events, single kernel %d", len(gotSenders), len(wantSenders))
	}
	for i, st := range merged.Recorded["neurons"] {
		if local, _, _ := st.Bool("local"); !local {
			t.Fatalf("neuron %d status taken from a rank that does not own it", i)
		}
		got, _, _ := st.Float("V_m")
		want, _, _ := single.Recorded["neurons"][i].Float("V_m")
		if got != want {
			t.Fatalf("neuron %d V_m = %v, want %v", i, got, want)
		}
	}
}

func TestRunGroupCancelsOnFailure(t *testing.T) {
	sc := mustParse(t, `
populations:
  - {name: a, model: parrot_neuron, n: 2}
simulate: [5]
`)
	comms := exchange.NewGroup(2)
	good := Local(newKernel(t, core.WithCommunicator(comms[0])))
	bad := failingTarget{Target: Local(newKernel(t, core.WithCommunicator(comms[1])))}

	_, err := RunGroup(context.Background(), sc, []Target{good, bad}, nil)
	if err == nil || !strings.Contains(err.Error(), "rank 1") {
		t.Fatalf("RunGroup = %v, want the failure of rank 1", err)
	}
}

// failingTarget refuses to create anything, so its rank never reaches the
// barrier.
type failingTarget struct{ Target }

func (failingTarget) Create(context.Context, string, int, model.Dict) (model.NodeCollection, error) {
	return model.NodeCollection{}, model.Errorf(model.KindBadParameter, "refused")
}
