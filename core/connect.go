package core

import (
	"context"
	"math"
	"math/rand/v2"

	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/internal/observability"
	"github.com/signalsfoundry/spikenet/model"
	"github.com/signalsfoundry/spikenet/nodes"
)

// Rule names a connection rule.
type Rule string

const (
	AllToAll          Rule = "all_to_all"
	OneToOne          Rule = "one_to_one"
	FixedIndegree     Rule = "fixed_indegree"
	FixedOutdegree    Rule = "fixed_outdegree"
	FixedTotalNumber  Rule = "fixed_total_number"
	PairwiseBernoulli Rule = "pairwise_bernoulli"
)

// ConnSpec selects a rule and its parameters.
type ConnSpec struct {
	Rule      Rule
	Indegree  int
	Outdegree int
	N         int
	P         float64

	AllowAutapses  bool
	AllowMultapses bool
}

// NewConnSpec returns rule with autapses and multapses allowed.
func NewConnSpec(rule Rule) ConnSpec {
	return ConnSpec{Rule: rule, AllowAutapses: true, AllowMultapses: true}
}

// ConnSpecFromDict reads {"rule": ..., "indegree"|"outdegree"|"N"|"p": ...,
// "allow_autapses": ..., "allow_multapses": ...}. The rule defaults to
// all_to_all.
func ConnSpecFromDict(d model.Dict) (ConnSpec, error) {
	r := model.NewDictReader(d)
	rule := string(AllToAll)
	r.String("rule", &rule)
	spec := NewConnSpec(Rule(rule))
	var n int64
	if r.Int("indegree", &n) {
		spec.Indegree = int(n)
	}
	if r.Int("outdegree", &n) {
		spec.Outdegree = int(n)
	}
	if r.Int("N", &n) {
		spec.N = int(n)
	}
	r.Float("p", &spec.P)
	r.Bool("allow_autapses", &spec.AllowAutapses)
	r.Bool("allow_multapses", &spec.AllowMultapses)
	if err := r.Err(); err != nil {
		return ConnSpec{}, err
	}
	return spec, spec.validate()
}

// Dict is the dictionary form of s.
func (s ConnSpec) Dict() model.Dict {
	d := model.Dict{
		"rule":            model.String(string(s.Rule)),
		"allow_autapses":  model.Bool(s.AllowAutapses),
		"allow_multapses": model.Bool(s.AllowMultapses),
	}
	switch s.Rule {
	case FixedIndegree:
		d["indegree"] = model.Int(int64(s.Indegree))
	case FixedOutdegree:
		d["outdegree"] = model.Int(int64(s.Outdegree))
	case FixedTotalNumber:
		d["N"] = model.Int(int64(s.N))
	case PairwiseBernoulli:
		d["p"] = model.Float(s.P)
	}
	return d
}

func (s ConnSpec) validate() error {
	switch s.Rule {
	case AllToAll, OneToOne:
	case FixedIndegree:
		if s.Indegree < 0 {
			return model.Errorf(model.KindBadParameter, "indegree must not be negative, got %d", s.Indegree)
		}
	case FixedOutdegree:
		if s.Outdegree < 0 {
			return model.Errorf(model.KindBadParameter, "outdegree must not be negative, got %d", s.Outdegree)
		}
	case FixedTotalNumber:
		if s.N < 0 {
			return model.Errorf(model.KindBadParameter, "N must not be negative, got %d", s.N)
		}
		if !s.AllowMultapses {
			return model.Errorf(model.KindBadParameter, "fixed_total_number cannot forbid multapses")
		}
	case PairwiseBernoulli:
		if s.P < 0 || s.P > 1 || math.IsNaN(s.P) {
			return model.Errorf(model.KindBadParameter, "p must lie in [0, 1], got %v", s.P)
		}
	default:
		return model.Errorf(model.KindBadParameter, "unknown connection rule %q", s.Rule)
	}
	return nil
}

// SynSpec selects the synapse model and optional weight and delay
// specifications; nil falls back to the model defaults.
type SynSpec struct {
	Model  string
	Weight *Param
	Delay  *Param
}

// SynSpecFromDict reads {"synapse_model": ..., "weight": ..., "delay": ...}.
func SynSpecFromDict(d model.Dict) (SynSpec, error) {
	var spec SynSpec
	for key, v := range d {
		switch key {
		case "synapse_model":
			s, err := v.AsString()
			if err != nil {
				return SynSpec{}, model.Wrap(model.KindDictError, err, "key %q", key)
			}
			spec.Model = s
		case "weight", "delay":
			p, err := ParamFromValue(v)
			if err != nil {
				return SynSpec{}, err
			}
			if key == "weight" {
				spec.Weight = &p
			} else {
				spec.Delay = &p
			}
		default:
			return SynSpec{}, model.Errorf(model.KindDictError, "unknown synapse parameter %q", key)
		}
	}
	return spec, nil
}

// Dict is the dictionary form of s; unset entries are omitted.
func (s SynSpec) Dict() model.Dict {
	d := model.Dict{}
	if s.Model != "" {
		d["synapse_model"] = model.String(s.Model)
	}
	if s.Weight != nil {
		d["weight"] = s.Weight.Value()
	}
	if s.Delay != nil {
		d["delay"] = s.Delay.Value()
	}
	return d
}

// Connect creates connections from pre to post following conn. Every
// connection and parameter is generated and validated before any is
// stored, so a failed call leaves the registry unchanged.
func (k *Kernel) Connect(ctx context.Context, pre, post model.NodeCollection, conn ConnSpec, syn SynSpec) error {
	ctx, span := observability.StartSpan(ctx, "kernel.Connect",
		attribute.String("rule", string(conn.Rule)),
		attribute.Int("pre", pre.Len()),
		attribute.Int("post", post.Len()),
	)
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	n, err := k.connectLocked(pre, post, conn, syn)
	if err != nil {
		span.RecordError(err)
		return model.InCommand("Connect", err)
	}
	logging.FromContext(ctx, k.log).Debug(ctx, "connected",
		logging.String("rule", string(conn.Rule)),
		logging.Int("created", n),
		logging.Int("rank", k.comm.Rank()),
	)
	return nil
}

// builder generates the connections of one Connect call into per-thread
// pending lists.
type builder struct {
	k      *Kernel
	spec   ConnSpec
	pre    []model.NodeID
	post   []model.NodeID
	syn    int
	weight Param
	delay  Param
	out    [][]connection
}

func (k *Kernel) connectLocked(pre, post model.NodeCollection, conn ConnSpec, syn SynSpec) (int, error) {
	if err := k.usableLocked(); err != nil {
		return 0, err
	}
	if err := conn.validate(); err != nil {
		return 0, err
	}
	for _, nc := range []model.NodeCollection{pre, post} {
		if err := k.checkCollectionLocked(nc); err != nil {
			return 0, err
		}
	}
	if syn.Model == "" {
		syn.Model = StaticSynapse
	}
	si, sm, err := k.synapses.lookup(syn.Model)
	if err != nil {
		return 0, err
	}
	b := &builder{
		k:      k,
		spec:   conn,
		pre:    pre.IDs(),
		post:   post.IDs(),
		syn:    si,
		weight: Scalar(sm.weight),
		delay:  Scalar(sm.delay),
		out:    make([][]connection, len(k.net.workers)),
	}
	if syn.Weight != nil {
		b.weight = *syn.Weight
	}
	if syn.Delay != nil {
		b.delay = *syn.Delay
	}
	if err := b.validate(); err != nil {
		return 0, err
	}
	if err := b.generate(); err != nil {
		return 0, err
	}

	created := 0
	for t, conns := range b.out {
		table := k.net.workers[t].table
		for _, c := range conns {
			table.add(c)
			if !k.delays.frozen {
				k.delays.observe(c.delay)
			}
		}
		created += len(conns)
	}
	k.updateMetricsLocked()
	return created, nil
}

func (b *builder) validate() error {
	for _, p := range []struct {
		name string
		p    Param
	}{{"weight", b.weight}, {"delay", b.delay}} {
		if err := p.p.validate(); err != nil {
			return err
		}
		if err := p.p.checkLen(p.name, b.fixedCount()); err != nil {
			return err
		}
	}
	for _, id := range b.pre {
		m, _ := b.k.net.modelOf(id)
		if m.ElementType == nodes.ElementRecorder {
			return model.Errorf(model.KindIllegalConnection, "node %d (%s) cannot send spikes", id, m.Name)
		}
	}
	for _, id := range b.post {
		m, _ := b.k.net.modelOf(id)
		if m.ElementType == nodes.ElementStimulator {
			return model.Errorf(model.KindIllegalConnection, "node %d (%s) cannot receive spikes", id, m.Name)
		}
	}

	n, m := len(b.pre), len(b.post)
	switch b.spec.Rule {
	case OneToOne:
		if n != m {
			return model.Errorf(model.KindBadParameter, "one_to_one needs collections of equal size, got %d and %d", n, m)
		}
	case FixedIndegree:
		if m > 0 {
			return checkDegree("indegree", b.spec.Indegree, n, overlap(b.pre, b.post), b.spec)
		}
	case FixedOutdegree:
		if n > 0 {
			return checkDegree("outdegree", b.spec.Outdegree, m, overlap(b.pre, b.post), b.spec)
		}
	case FixedTotalNumber:
		if b.spec.N > 0 && (n == 0 || m == 0) {
			return model.Errorf(model.KindBadParameter, "cannot place %d connections between empty collections", b.spec.N)
		}
	}
	return nil
}

// checkDegree makes sure a fixed degree can be met from pool candidates.
func checkDegree(name string, k, pool int, overlapping bool, spec ConnSpec) error {
	avail := pool
	if !spec.AllowAutapses && overlapping {
		avail--
	}
	if k > 0 && avail <= 0 {
		return model.Errorf(model.KindBadParameter, "%s %d cannot be met: no admissible partner", name, k)
	}
	if !spec.AllowMultapses && k > avail {
		return model.Errorf(model.KindBadParameter, "%s %d exceeds the %d admissible partners without multapses", name, k, avail)
	}
	return nil
}

func overlap(a, b []model.NodeID) bool {
	set := make(map[model.NodeID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// fixedCount is the connection count array parameters must match, or -1.
func (b *builder) fixedCount() int {
	n, m := len(b.pre), len(b.post)
	switch b.spec.Rule {
	case OneToOne:
		return n
	case AllToAll:
		return n * m
	case FixedIndegree:
		return b.spec.Indegree * m
	case FixedOutdegree:
		return b.spec.Outdegree * n
	case FixedTotalNumber:
		return b.spec.N
	}
	return -1
}

// add draws the synapse parameters for connection idx from the stream of
// the target's virtual process and queues the connection.
func (b *builder) add(w *worker, source model.NodeID, target *localNode, idx int) error {
	weight := b.weight.at(idx, w.rng)
	delayMs := b.delay.at(idx, w.rng)
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return model.Errorf(model.KindBadParameter, "weight must be finite, got %v", weight)
	}
	steps, err := b.k.delayStepsLocked(delayMs)
	if err != nil {
		return err
	}
	b.out[w.thread] = append(b.out[w.thread], connection{
		source: source,
		target: target,
		weight: weight,
		delay:  steps,
		syn:    b.syn,
	})
	return nil
}

// localTargets lists the post positions owned by w.
func (b *builder) localTargets(w *worker) []int {
	var out []int
	for j, id := range b.post {
		if b.k.net.vpOf(id) == w.vp {
			out = append(out, j)
		}
	}
	return out
}

func (b *builder) generate() error {
	switch b.spec.Rule {
	case FixedOutdegree:
		return b.fixedOutdegree()
	case FixedTotalNumber:
		return b.fixedTotalNumber()
	}
	return b.k.net.forEachWorker(func(w *worker) error {
		for _, j := range b.localTargets(w) {
			target := b.k.net.local[b.post[j]]
			var err error
			switch b.spec.Rule {
			case AllToAll:
				err = b.allToAll(w, j, target)
			case OneToOne:
				err = b.oneToOne(w, j, target)
			case FixedIndegree:
				err = b.fixedIndegree(w, j, target)
			case PairwiseBernoulli:
				err = b.pairwiseBernoulli(w, target)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *builder) allToAll(w *worker, j int, target *localNode) error {
	for i, s := range b.pre {
		if s == target.id && !b.spec.AllowAutapses {
			continue
		}
		if err := b.add(w, s, target, j*len(b.pre)+i); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) oneToOne(w *worker, j int, target *localNode) error {
	s := b.pre[j]
	if s == target.id && !b.spec.AllowAutapses {
		return nil
	}
	return b.add(w, s, target, j)
}

func (b *builder) fixedIndegree(w *worker, j int, target *localNode) error {
	chosen := make(map[model.NodeID]struct{}, b.spec.Indegree)
	for c := 0; c < b.spec.Indegree; c++ {
		s := b.draw(w.rng, b.pre, target.id, chosen)
		if err := b.add(w, s, target, j*b.spec.Indegree+c); err != nil {
			return err
		}
	}
	return nil
}

// draw picks a partner uniformly from pool, skipping self when autapses are
// forbidden and already chosen partners when multapses are.
func (b *builder) draw(r *rand.Rand, pool []model.NodeID, self model.NodeID, chosen map[model.NodeID]struct{}) model.NodeID {
	for {
		id := pool[r.IntN(len(pool))]
		if id == self && !b.spec.AllowAutapses {
			continue
		}
		if !b.spec.AllowMultapses {
			if _, dup := chosen[id]; dup {
				continue
			}
			chosen[id] = struct{}{}
		}
		return id
	}
}

func (b *builder) pairwiseBernoulli(w *worker, target *localNode) error {
	for _, s := range b.pre {
		if s == target.id && !b.spec.AllowAutapses {
			continue
		}
		if w.rng.Float64() < b.spec.P {
			if err := b.add(w, s, target, -1); err != nil {
				return err
			}
		}
	}
	return nil
}

// fixedOutdegree draws targets from the rank-synchronised stream so every
// rank sees the same global connectivity; each rank keeps the connections
// whose target it owns.
func (b *builder) fixedOutdegree() error {
	k := b.spec.Outdegree
	chosen := make(map[model.NodeID]struct{}, k)
	for i, s := range b.pre {
		clear(chosen)
		for c := 0; c < k; c++ {
			t := b.draw(b.k.syncRNG, b.post, s, chosen)
			thread := b.k.net.threadOf(t)
			if thread < 0 {
				continue
			}
			if err := b.add(b.k.net.workers[thread], s, b.k.net.local[t], i*k+c); err != nil {
				return err
			}
		}
	}
	return nil
}

// fixedTotalNumber splits N over the virtual processes with a multinomial
// drawn from the synchronised stream, weighted by the admissible
// source-target pairs each virtual process owns; each virtual process then
// draws its share.
func (b *builder) fixedTotalNumber() error {
	vps := b.k.net.numVPs()
	inPre := make(map[model.NodeID]struct{}, len(b.pre))
	for _, id := range b.pre {
		inPre[id] = struct{}{}
	}
	targets := make([][]model.NodeID, vps)
	pairs := make([]int, vps)
	for _, id := range b.post {
		vp := b.k.net.vpOf(id)
		targets[vp] = append(targets[vp], id)
		pairs[vp] += len(b.pre)
		if _, self := inPre[id]; self && !b.spec.AllowAutapses {
			pairs[vp]--
		}
	}
	pool := 0
	for _, n := range pairs {
		pool += n
	}
	if b.spec.N > 0 && pool == 0 {
		return model.Errorf(model.KindBadParameter, "no admissible pair for %d connections", b.spec.N)
	}

	share := make([]int, vps)
	offset := make([]int, vps)
	remaining := b.spec.N
	for vp := range share {
		offset[vp] = b.spec.N - remaining
		if pairs[vp] == 0 || remaining == 0 {
			continue
		}
		if pairs[vp] == pool {
			share[vp] = remaining
		} else {
			p := float64(pairs[vp]) / float64(pool)
			share[vp] = int(distuv.Binomial{N: float64(remaining), P: p, Src: model.RandSource{R: b.k.syncRNG}}.Rand())
		}
		remaining -= share[vp]
		pool -= pairs[vp]
	}

	return b.k.net.forEachWorker(func(w *worker) error {
		local := targets[w.vp]
		for c := 0; c < share[w.vp]; c++ {
			var s, t model.NodeID
			for {
				s = b.pre[w.rng.IntN(len(b.pre))]
				t = local[w.rng.IntN(len(local))]
				if s != t || b.spec.AllowAutapses {
					break
				}
			}
			if err := b.add(w, s, b.k.net.local[t], offset[w.vp]+c); err != nil {
				return err
			}
		}
		return nil
	})
}
