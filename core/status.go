package core

import (
	"context"
	"fmt"
	"math"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/spikenet/internal/logging"
	"github.com/signalsfoundry/spikenet/internal/observability"
	"github.com/signalsfoundry/spikenet/model"
	"github.com/signalsfoundry/spikenet/nodes"
	"github.com/signalsfoundry/spikenet/timectrl"
)

// MaxNodes is the largest network a kernel holds. Create rejects counts
// that would grow the network beyond it before allocating anything.
const MaxNodes = math.MaxInt32

// readOnlyNodeKeys are added by GetStatus and cannot be set.
var readOnlyNodeKeys = []string{"global_id", "model", "element_type", "vp", "thread", "local"}

// Create adds n nodes of the named model. Each params value is either
// broadcast to every node or a list with one entry per node.
func (k *Kernel) Create(ctx context.Context, modelName string, n int, params model.Dict) (model.NodeCollection, error) {
	ctx, span := observability.StartSpan(ctx, "kernel.Create",
		attribute.String("model", modelName),
		attribute.Int("n", n),
	)
	defer span.End()

	k.mu.Lock()
	defer k.mu.Unlock()
	nc, err := k.createLocked(modelName, n, params)
	if err != nil {
		span.RecordError(err)
		return model.NodeCollection{}, model.InCommand("Create", err)
	}
	logging.FromContext(ctx, k.log).Debug(ctx, "nodes created",
		logging.String("model", modelName),
		logging.Int("n", n),
		logging.Int64("first", int64(nc.First())),
	)
	return nc, nil
}

func (k *Kernel) createLocked(name string, n int, params model.Dict) (model.NodeCollection, error) {
	if err := k.usableLocked(); err != nil {
		return model.NodeCollection{}, err
	}
	if n < 1 {
		return model.NodeCollection{}, model.Errorf(model.KindBadParameter, "number of nodes must be positive, got %d", n)
	}
	if n > MaxNodes-k.net.size {
		return model.NodeCollection{}, model.Errorf(model.KindBadParameter,
			"creating %d nodes would grow the network of %d beyond %d nodes", n, k.net.size, MaxNodes)
	}
	m, err := k.catalog.Lookup(name)
	if err != nil {
		return model.NodeCollection{}, err
	}
	if err := rejectReadOnly(params); err != nil {
		return model.NodeCollection{}, err
	}
	listValued, err := k.listValuedKeys([]*nodes.Model{m})
	if err != nil {
		return model.NodeCollection{}, err
	}
	per, err := splitParams(params, n, listValued)
	if err != nil {
		return model.NodeCollection{}, err
	}

	first := model.NodeID(k.net.size + 1)
	instances := make([]model.Node, n)
	for i := range instances {
		node, _, err := k.catalog.New(name)
		if err != nil {
			return model.NodeCollection{}, err
		}
		if len(per[i]) > 0 {
			if err := node.SetStatus(per[i]); err != nil {
				return model.NodeCollection{}, elementError(i, err)
			}
			nodes.MarkInitial(node)
		}
		// remote nodes are only built to validate the parameters
		if k.net.threadOf(first+model.NodeID(i)) >= 0 {
			instances[i] = node
		}
	}
	k.net.add(m, instances)
	k.updateMetricsLocked()
	return model.NewRange(first, n, k.epoch), nil
}

func elementError(i int, err error) error {
	return model.Wrap(kindOr(err), err, "element %d", i)
}

// kindOr is the kind of err, KernelException for foreign errors.
func kindOr(err error) model.ErrorKind {
	if kind := model.KindOf(err); kind != "" {
		return kind
	}
	return model.KindKernelException
}

// splitParams maps a parameter dictionary onto n elements. A list of
// length n is spread one entry per element; for a list-valued parameter it
// is spread only when every entry is itself a list. Anything else is
// broadcast.
func splitParams(d model.Dict, n int, listValued func(string) bool) ([]model.Dict, error) {
	out := make([]model.Dict, n)
	for i := range out {
		out[i] = make(model.Dict, len(d))
	}
	for key, v := range d {
		items, spread, err := spreadable(key, v, n, listValued(key))
		if err != nil {
			return nil, err
		}
		for i := range out {
			if spread {
				out[i][key] = items[i]
			} else {
				out[i][key] = v
			}
		}
	}
	return out, nil
}

func spreadable(key string, v model.Value, n int, listValued bool) ([]model.Value, bool, error) {
	if !v.IsList() {
		return nil, false, nil
	}
	items, _ := v.AsList()
	if listValued {
		if len(items) != n {
			return nil, false, nil
		}
		for _, it := range items {
			if !it.IsList() {
				return nil, false, nil
			}
		}
		return items, true, nil
	}
	if len(items) != n {
		return nil, false, model.Errorf(model.KindDictError, "%q has %d values for %d elements", key, len(items), n)
	}
	return items, true, nil
}

// listValuedKeys reports which parameters of the given models hold lists.
func (k *Kernel) listValuedKeys(models []*nodes.Model) (func(string) bool, error) {
	keys := map[string]bool{}
	for _, m := range models {
		d, err := k.catalog.Defaults(m.Name)
		if err != nil {
			return nil, err
		}
		for key, v := range d {
			if v.IsList() {
				keys[key] = true
			}
		}
	}
	return func(key string) bool { return keys[key] }, nil
}

func rejectReadOnly(d model.Dict) error {
	for _, key := range readOnlyNodeKeys {
		if _, ok := d[key]; ok {
			return model.Errorf(model.KindBadParameter, "%q is read-only", key)
		}
	}
	return nil
}

// checkCollectionLocked rejects collections from an earlier epoch or with
// ids beyond the network.
func (k *Kernel) checkCollectionLocked(nc model.NodeCollection) error {
	if nc.Empty() {
		return nil
	}
	if nc.Epoch() != k.epoch {
		return model.Errorf(model.KindUnknownNode, "node collection predates the last ResetKernel")
	}
	for _, s := range nc.Spans() {
		if s.Count > 0 && int(max(s.First, s.Last())) > k.net.size {
			return model.Errorf(model.KindUnknownNode, "node %d does not exist", max(s.First, s.Last()))
		}
	}
	return nil
}

// Collection builds a node collection from explicit ids of this network.
func (k *Kernel) Collection(ids []model.NodeID) (model.NodeCollection, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	nc, err := model.FromIDs(ids, k.epoch)
	if err == nil {
		err = k.checkCollectionLocked(nc)
	}
	if err != nil {
		return model.NodeCollection{}, model.InCommand("Collection", err)
	}
	return nc, nil
}

// CollectionFromSpans rebuilds a node collection of the given epoch from
// its spans, e.g. after it crossed a process boundary. The spans are
// checked against the network before they are expanded.
func (k *Kernel) CollectionFromSpans(spans []model.Span, epoch uint64) (model.NodeCollection, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	nc, err := k.collectionFromSpansLocked(spans, epoch)
	if err != nil {
		return model.NodeCollection{}, model.InCommand("Collection", err)
	}
	return nc, nil
}

func (k *Kernel) collectionFromSpansLocked(spans []model.Span, epoch uint64) (model.NodeCollection, error) {
	total := 0
	for _, s := range spans {
		if err := s.Validate(); err != nil {
			return model.NodeCollection{}, err
		}
		if s.Count == 0 {
			continue
		}
		if epoch != k.epoch {
			return model.NodeCollection{}, model.Errorf(model.KindUnknownNode, "node collection predates the last ResetKernel")
		}
		if last := s.Last(); last > model.NodeID(k.net.size) {
			return model.NodeCollection{}, model.Errorf(model.KindUnknownNode, "node %d does not exist", last)
		}
		// distinct ids cannot outnumber the network
		if total += s.Count; total > k.net.size {
			return model.NodeCollection{}, model.Errorf(model.KindBadParameter,
				"spans name %d or more ids in a network of %d nodes", total, k.net.size)
		}
	}
	return model.FromSpans(spans, epoch)
}

// Nodes returns every node created so far.
func (k *Kernel) Nodes() model.NodeCollection {
	k.mu.Lock()
	defer k.mu.Unlock()
	return model.NewRange(1, k.net.size, k.epoch)
}

// GetStatus returns one dictionary per element. Remote nodes only report
// where they live.
func (k *Kernel) GetStatus(nc model.NodeCollection) ([]model.Dict, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out, err := k.getStatusLocked(nc)
	return out, model.InCommand("GetStatus", err)
}

func (k *Kernel) getStatusLocked(nc model.NodeCollection) ([]model.Dict, error) {
	if err := k.checkCollectionLocked(nc); err != nil {
		return nil, err
	}
	out := make([]model.Dict, 0, nc.Len())
	for _, id := range nc.All() {
		info, _ := k.net.info(id)
		m, _ := k.net.modelOf(id)
		d := model.Dict{}
		if ln, ok := k.net.local[id]; ok {
			d = ln.node.Status()
		}
		d["global_id"] = model.Int(int64(id))
		d["model"] = model.String(info.Model)
		d["element_type"] = model.String(string(m.ElementType))
		d["vp"] = model.Int(int64(info.VP))
		d["thread"] = model.Int(int64(info.Thread))
		d["local"] = model.Bool(info.Local)
		out = append(out, d)
	}
	return out, nil
}

// Get returns, for each key, the per-element values in collection order.
// Without keys every parameter of the first element is returned. Remote
// elements yield null values.
func (k *Kernel) Get(nc model.NodeCollection, keys ...string) (map[string][]model.Value, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	statuses, err := k.getStatusLocked(nc)
	if err != nil {
		return nil, model.InCommand("Get", err)
	}
	if len(keys) == 0 && len(statuses) > 0 {
		keys = statuses[0].Keys()
	}
	out := make(map[string][]model.Value, len(keys))
	for _, key := range keys {
		vals := make([]model.Value, len(statuses))
		for i, d := range statuses {
			v, ok := d[key]
			if !ok {
				if local, _ := d["local"].AsBool(); local {
					id, _ := d["global_id"].AsInt()
					return nil, model.InCommand("Get", model.Errorf(model.KindDictError, "node %d has no parameter %q", id, key))
				}
				v = model.Null()
			}
			vals[i] = v
		}
		out[key] = vals
	}
	return out, nil
}

// SetStatus applies d to every element of nc. Values are broadcast or
// spread as in Create. Either every node is updated or none.
func (k *Kernel) SetStatus(nc model.NodeCollection, d model.Dict) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return model.InCommand("SetStatus", k.setStatusLocked(nc, d))
}

func (k *Kernel) setStatusLocked(nc model.NodeCollection, d model.Dict) error {
	if err := k.usableLocked(); err != nil {
		return err
	}
	if err := k.checkCollectionLocked(nc); err != nil {
		return err
	}
	listValued, err := k.listValuedKeys(k.modelsOfLocked(nc))
	if err != nil {
		return err
	}
	per, err := splitParams(d, nc.Len(), listValued)
	if err != nil {
		return err
	}
	return k.setEachLocked(nc, per)
}

// SetStatusEach applies ds[i] to element i.
func (k *Kernel) SetStatusEach(nc model.NodeCollection, ds []model.Dict) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	err := k.usableLocked()
	if err == nil {
		err = k.checkCollectionLocked(nc)
	}
	if err == nil && len(ds) != nc.Len() {
		err = model.Errorf(model.KindBadParameter, "%d dictionaries for %d elements", len(ds), nc.Len())
	}
	if err == nil {
		err = k.setEachLocked(nc, ds)
	}
	return model.InCommand("SetStatus", err)
}

func (k *Kernel) modelsOfLocked(nc model.NodeCollection) []*nodes.Model {
	var out []*nodes.Model
	for _, id := range nc.All() {
		m, _ := k.net.modelOf(id)
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

// setEachLocked validates every update on a copy before swapping the
// copies in. Remote elements are checked against a fresh instance.
func (k *Kernel) setEachLocked(nc model.NodeCollection, ds []model.Dict) error {
	type swap struct {
		ln   *localNode
		node model.Node
	}
	var swaps []swap
	for i, id := range nc.All() {
		d := ds[i]
		if err := rejectReadOnly(d); err != nil {
			return err
		}
		if len(d) == 0 {
			continue
		}
		ln, local := k.net.local[id]
		var target model.Node
		if local {
			target = ln.node.Clone()
		} else {
			m, _ := k.net.modelOf(id)
			probe, _, err := k.catalog.New(m.Name)
			if err != nil {
				return err
			}
			target = probe
		}
		if err := target.SetStatus(d); err != nil {
			return model.Wrap(kindOr(err), err, "node %d", id)
		}
		if local {
			swaps = append(swaps, swap{ln: ln, node: target})
		}
	}
	for _, s := range swaps {
		s.ln.node = s.node
	}
	return nil
}

// KernelStatus returns the kernel-wide parameters.
func (k *Kernel) KernelStatus() model.Dict {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kernelStatusLocked()
}

func (k *Kernel) kernelStatusLocked() model.Dict {
	res := k.clock.Resolution()
	lo, hi := k.currentExtremaLocked()
	return model.Dict{
		"resolution":              model.Float(res),
		"min_delay":               model.Float(float64(lo) * res),
		"max_delay":               model.Float(float64(hi) * res),
		"local_num_threads":       model.Int(int64(k.threads)),
		"rng_seed":                model.Int(int64(k.seed)),
		"num_processes":           model.Int(int64(k.comm.Size())),
		"rank":                    model.Int(int64(k.comm.Rank())),
		"total_num_virtual_procs": model.Int(int64(k.net.numVPs())),
		"biological_time":         model.Float(k.clock.NowMs()),
		"network_size":            model.Int(int64(k.net.size)),
		"num_connections":         model.Int(int64(k.net.numConnections())),
		"delays_frozen":           model.Bool(k.delays.frozen),
		"simulation_mode":         model.String(k.clock.Mode().String()),
	}
}

var readOnlyKernelKeys = []string{
	"num_processes", "rank", "total_num_virtual_procs", "biological_time",
	"network_size", "num_connections", "delays_frozen",
}

// SetKernelStatus changes kernel parameters. Entries equal to the current
// value are accepted and ignored, so a status read back can be set again.
// Nothing changes when any entry is rejected.
func (k *Kernel) SetKernelStatus(d model.Dict) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return model.InCommand("SetKernelStatus", k.setKernelStatusLocked(d))
}

func (k *Kernel) setKernelStatusLocked(d model.Dict) error {
	if err := k.usableLocked(); err != nil {
		return err
	}
	cur := k.kernelStatusLocked()
	changed := model.Dict{}
	for key, v := range d {
		if old, ok := cur[key]; ok && old.Equal(v) {
			continue
		}
		if slices.Contains(readOnlyKernelKeys, key) {
			return model.Errorf(model.KindBadParameter, "%q is read-only", key)
		}
		changed[key] = v
	}
	if len(changed) == 0 {
		return nil
	}

	r := model.NewDictReader(changed)
	res := k.clock.Resolution()
	resSet := r.Float("resolution", &res)
	var threads, seed int64
	threadsSet := r.Int("local_num_threads", &threads)
	seedSet := r.Int("rng_seed", &seed)
	minMs, maxMs := k.delays.presetMin, k.delays.presetMax
	minSet := r.Float("min_delay", &minMs)
	maxSet := r.Float("max_delay", &maxMs)
	var modeName string
	modeSet := r.String("simulation_mode", &modeName)
	if err := r.Err(); err != nil {
		return err
	}

	empty := k.net.size == 0 && k.clock.Now() == 0
	if (resSet || threadsSet) && !empty {
		return model.Errorf(model.KindBadParameter, "resolution and local_num_threads can only change before nodes are created")
	}
	if threadsSet && threads < 1 {
		return model.Errorf(model.KindBadParameter, "local_num_threads must be at least 1, got %d", threads)
	}
	if seedSet && seed < 0 {
		return model.Errorf(model.KindBadParameter, "rng_seed must not be negative, got %d", seed)
	}
	mode := k.clock.Mode()
	if modeSet {
		m, err := timectrl.ParseMode(modeName)
		if err != nil {
			return model.Wrap(model.KindBadParameter, err, "simulation_mode")
		}
		mode = m
	}

	oldRes := k.clock.Resolution()
	if resSet {
		if err := k.clock.SetResolution(res); err != nil {
			return err
		}
	}
	if minSet || maxSet {
		for _, v := range []float64{minMs, maxMs} {
			if v < 0 || math.IsNaN(v) {
				_ = k.clock.SetResolution(oldRes)
				return model.Errorf(model.KindBadDelay, "delay extrema must be positive, got %v", v)
			}
		}
		if err := k.validatePresetsLocked(minMs, maxMs); err != nil {
			_ = k.clock.SetResolution(oldRes)
			return err
		}
		if minMs > 0 && minMs < res*(1-1e-9) {
			_ = k.clock.SetResolution(oldRes)
			return model.Errorf(model.KindBadDelay, "min_delay %v ms is below the resolution %v ms", minMs, res)
		}
	}

	if threadsSet {
		k.threads = int(threads)
		k.net = newNetwork(placement{rank: k.comm.Rank(), size: k.comm.Size(), threads: k.threads}, k.seed)
	}
	if seedSet {
		k.reseedLocked(uint64(seed))
	}
	k.delays.presetMin, k.delays.presetMax = minMs, maxMs
	k.clock.SetMode(mode)
	k.updateMetricsLocked()
	k.log.Debug(context.Background(), "kernel status changed", logging.String("keys", fmt.Sprint(changed.Keys())))
	return nil
}

// CopyModel registers newName as a copy of an existing node or synapse
// model with params applied on top of its defaults.
func (k *Kernel) CopyModel(existing, newName string, params model.Dict) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return model.InCommand("CopyModel", k.copyModelLocked(existing, newName, params))
}

func (k *Kernel) copyModelLocked(existing, newName string, params model.Dict) error {
	if err := k.usableLocked(); err != nil {
		return err
	}
	if _, err := k.catalog.Lookup(newName); err == nil || k.synapses.has(newName) {
		return model.Errorf(model.KindBadParameter, "model name %q is already in use", newName)
	}
	if k.synapses.has(existing) {
		if newName == "" {
			return model.Errorf(model.KindBadParameter, "model name must not be empty")
		}
		return k.copySynapseLocked(existing, newName, params)
	}
	return k.catalog.CopyModel(existing, newName, params)
}

// SetDefaults changes the defaults of a node or synapse model.
func (k *Kernel) SetDefaults(name string, d model.Dict) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	err := k.usableLocked()
	if err == nil {
		if k.synapses.has(name) {
			err = k.setSynapseDefaultsLocked(name, d)
		} else if err = rejectReadOnly(d); err == nil {
			err = k.catalog.SetDefaults(name, d)
		}
	}
	if err == nil {
		k.updateMetricsLocked()
	}
	return model.InCommand("SetDefaults", err)
}

// GetDefaults returns the defaults of a node or synapse model.
func (k *Kernel) GetDefaults(name string) (model.Dict, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.synapses.has(name) {
		_, m, _ := k.synapses.lookup(name)
		return m.status(), nil
	}
	d, err := k.catalog.Defaults(name)
	return d, model.InCommand("GetDefaults", err)
}

// Models lists the node models, SynapseModels the synapse models.
func (k *Kernel) Models() []string { return k.catalog.Names() }

func (k *Kernel) SynapseModels() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.synapses.names()
}
