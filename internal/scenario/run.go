package scenario

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/spikenet/core"
	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/model"
)

// Target is the kernel surface a scenario drives. *api.Client implements
// it directly; Local adapts an in-process *core.Kernel.
type Target interface {
	SetKernelStatus(ctx context.Context, d model.Dict) error
	CopyModel(ctx context.Context, existing, newName string, params model.Dict) error
	SetDefaults(ctx context.Context, name string, params model.Dict) error
	Create(ctx context.Context, modelName string, n int, params model.Dict) (model.NodeCollection, error)
	Connect(ctx context.Context, pre, post model.NodeCollection, conn core.ConnSpec, syn core.SynSpec) error
	Simulate(ctx context.Context, ms float64) (float64, error)
	GetStatus(ctx context.Context, nc model.NodeCollection) ([]model.Dict, error)
}

type localTarget struct{ k *core.Kernel }

// Local wraps k as a Target.
func Local(k *core.Kernel) Target { return localTarget{k: k} }

func (l localTarget) SetKernelStatus(_ context.Context, d model.Dict) error {
	return l.k.SetKernelStatus(d)
}

func (l localTarget) CopyModel(_ context.Context, existing, newName string, params model.Dict) error {
	return l.k.CopyModel(existing, newName, params)
}

func (l localTarget) SetDefaults(_ context.Context, name string, params model.Dict) error {
	return l.k.SetDefaults(name, params)
}

func (l localTarget) Create(ctx context.Context, modelName string, n int, params model.Dict) (model.NodeCollection, error) {
	return l.k.Create(ctx, modelName, n, params)
}

func (l localTarget) Connect(ctx context.Context, pre, post model.NodeCollection, conn core.ConnSpec, syn core.SynSpec) error {
	return l.k.Connect(ctx, pre, post, conn, syn)
}

func (l localTarget) Simulate(ctx context.Context, ms float64) (float64, error) {
	if err := l.k.Simulate(ctx, ms); err != nil {
		return l.k.Time(), err
	}
	return l.k.Time(), nil
}

func (l localTarget) GetStatus(_ context.Context, nc model.NodeCollection) ([]model.Dict, error) {
	return l.k.GetStatus(nc)
}

// Result is what a run leaves behind.
type Result struct {
	// Time is the biological time reached, in ms.
	Time        float64
	Populations map[string]model.NodeCollection
	// Recorded holds the final status of every recorded population, one
	// dictionary per node.
	Recorded map[string][]model.Dict
}

// Events returns the senders and spike times stored by the recorders of
// population name, concatenated in node order.
func (r *Result) Events(name string) ([]int64, []float64) {
	var senders []int64
	var times []float64
	for _, st := range r.Recorded[name] {
		ev, err := st["events"].AsDict()
		if err != nil {
			continue
		}
		s, _ := ev["senders"].AsInts()
		ts, _ := ev["times"].AsFloats()
		senders = append(senders, s...)
		times = append(times, ts...)
	}
	return senders, times
}

// Build applies the kernel settings, models, populations and connections.
func Build(ctx context.Context, sc *Scenario, t Target) (map[string]model.NodeCollection, error) {
	if len(sc.Kernel) > 0 {
		d, err := dict(sc.Kernel)
		if err != nil {
			return nil, fmt.Errorf("kernel: %w", err)
		}
		if err := t.SetKernelStatus(ctx, d); err != nil {
			return nil, fmt.Errorf("kernel: %w", err)
		}
	}
	for _, m := range sc.Models {
		d, err := dict(m.Params)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", m.Name, err)
		}
		if err := t.CopyModel(ctx, m.From, m.Name, d); err != nil {
			return nil, fmt.Errorf("model %q: %w", m.Name, err)
		}
	}
	for _, def := range sc.Defaults {
		d, err := dict(def.Params)
		if err != nil {
			return nil, fmt.Errorf("defaults of %q: %w", def.Model, err)
		}
		if err := t.SetDefaults(ctx, def.Model, d); err != nil {
			return nil, fmt.Errorf("defaults of %q: %w", def.Model, err)
		}
	}

	pops := make(map[string]model.NodeCollection, len(sc.Populations))
	for _, p := range sc.Populations {
		d, err := dict(p.Params)
		if err != nil {
			return nil, fmt.Errorf("population %q: %w", p.Name, err)
		}
		nc, err := t.Create(ctx, p.Model, p.N, d)
		if err != nil {
			return nil, fmt.Errorf("population %q: %w", p.Name, err)
		}
		pops[p.Name] = nc
	}

	for i, c := range sc.Connections {
		if err := connect(ctx, t, pops, c); err != nil {
			return nil, fmt.Errorf("connections[%d]: %w", i, err)
		}
	}
	return pops, nil
}

func connect(ctx context.Context, t Target, pops map[string]model.NodeCollection, c Connection) error {
	pre, err := c.Pre.resolve(pops)
	if err != nil {
		return fmt.Errorf("pre: %w", err)
	}
	post, err := c.Post.resolve(pops)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	cd, err := dict(c.Conn)
	if err != nil {
		return err
	}
	conn, err := core.ConnSpecFromDict(cd)
	if err != nil {
		return err
	}
	sd, err := dict(c.Syn)
	if err != nil {
		return err
	}
	syn, err := core.SynSpecFromDict(sd)
	if err != nil {
		return err
	}
	return t.Connect(ctx, pre, post, conn, syn)
}

func (s Selection) resolve(pops map[string]model.NodeCollection) (model.NodeCollection, error) {
	var out model.NodeCollection
	for i, name := range s.Populations {
		nc, ok := pops[name]
		if !ok {
			return model.NodeCollection{}, fmt.Errorf("unknown population %q", name)
		}
		if i == 0 {
			out = nc
			continue
		}
		joined, err := out.Concat(nc)
		if err != nil {
			return model.NodeCollection{}, err
		}
		out = joined
	}
	if !s.sliced() {
		return out, nil
	}
	stop := out.Len()
	if s.Stop != nil {
		stop = *s.Stop
	}
	return out.Slice(s.Start, stop, s.Step)
}

// Run builds the scenario on t, runs every simulate step and collects the
// recorded populations. A nil log falls back to the logger on ctx.
func Run(ctx context.Context, sc *Scenario, t Target, log logging.Logger) (*Result, error) {
	if log == nil {
		log = logging.FromContext(ctx, nil)
	}

	pops, err := Build(ctx, sc, t)
	if err != nil {
		return nil, err
	}
	log.Info(ctx, "scenario built",
		logging.String("scenario", sc.Name),
		logging.Int("populations", len(pops)),
		logging.Int("connection_specs", len(sc.Connections)),
	)

	res := &Result{Populations: pops, Recorded: make(map[string][]model.Dict, len(sc.Record))}
	for i, ms := range sc.Simulate {
		start := time.Now()
		now, err := t.Simulate(ctx, ms)
		res.Time = now
		if err != nil {
			return res, fmt.Errorf("simulate[%d]: %w", i, err)
		}
		log.Info(ctx, "simulate step done",
			logging.Int("step", i),
			logging.Float("duration_ms", ms),
			logging.Float("time_ms", now),
			logging.Any("wall", time.Since(start)),
		)
	}

	for _, name := range sc.Record {
		st, err := t.GetStatus(ctx, pops[name])
		if err != nil {
			return res, fmt.Errorf("record %q: %w", name, err)
		}
		res.Recorded[name] = st
	}
	return res, nil
}

// RunGroup runs sc on every rank of a group concurrently, as each process
// of a distributed run would, and merges the recordings: every node's
// status comes from the rank that owns it. The first failing rank cancels
// the others so that no rank is left waiting at the barrier.
func RunGroup(ctx context.Context, sc *Scenario, ranks []Target, log logging.Logger) (*Result, error) {
	if len(ranks) == 0 {
		return nil, fmt.Errorf("no ranks to run")
	}
	log = logging.OrNoop(log)
	results := make([]*Result, len(ranks))
	g, gctx := errgroup.WithContext(ctx)
	for r, t := range ranks {
		g.Go(func() error {
			res, err := Run(gctx, sc, t, log.With(logging.Int("rank", r)))
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			results[r] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mergeResults(results), nil
}

func mergeResults(results []*Result) *Result {
	out := &Result{
		Time:        results[0].Time,
		Populations: results[0].Populations,
		Recorded:    make(map[string][]model.Dict, len(results[0].Recorded)),
	}
	for name, first := range results[0].Recorded {
		merged := make([]model.Dict, len(first))
		for i := range first {
			merged[i] = first[i]
			for _, res := range results {
				st := res.Recorded[name][i]
				if local, _, _ := st.Bool("local"); local {
					merged[i] = st
					break
				}
			}
		}
		out.Recorded[name] = merged
	}
	return out
}
