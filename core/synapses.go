package core

import (
	"math"
	"slices"

	"github.com/signalsfoundry/spikenet/model"
)

// StaticSynapse is the built-in synapse model: fixed weight and delay.
const StaticSynapse = "static_synapse"

type synapseModel struct {
	name   string
	weight float64
	delay  float64 // ms
	// delaySet marks a delay given explicitly through defaults; it then
	// takes part in the delay extrema.
	delaySet bool
}

// synapseCatalog holds the synapse models. Connections refer to models by
// index.
type synapseCatalog struct {
	models []*synapseModel
	byName map[string]int
}

func newSynapseCatalog() *synapseCatalog {
	c := &synapseCatalog{}
	c.reset()
	return c
}

func (c *synapseCatalog) reset() {
	c.models = []*synapseModel{{name: StaticSynapse, weight: 1, delay: 1}}
	c.byName = map[string]int{StaticSynapse: 0}
}

func (c *synapseCatalog) lookup(name string) (int, *synapseModel, error) {
	i, ok := c.byName[name]
	if !ok {
		return 0, nil, model.Errorf(model.KindUnknownModel, "synapse model %q is not registered", name)
	}
	return i, c.models[i], nil
}

func (c *synapseCatalog) has(name string) bool {
	_, ok := c.byName[name]
	return ok
}

func (c *synapseCatalog) names() []string {
	out := make([]string, len(c.models))
	for i, m := range c.models {
		out[i] = m.name
	}
	slices.Sort(out)
	return out
}

// applied returns a copy of m with d applied. Only weight and delay can be
// set.
func (m synapseModel) applied(d model.Dict) (synapseModel, error) {
	r := model.NewDictReader(d)
	r.Float("weight", &m.weight)
	if r.Float("delay", &m.delay) {
		m.delaySet = true
	}
	r.Ignore("synapse_model")
	if err := r.Err(); err != nil {
		return m, err
	}
	if math.IsNaN(m.weight) || math.IsInf(m.weight, 0) {
		return m, model.Errorf(model.KindBadParameter, "weight must be finite, got %v", m.weight)
	}
	return m, nil
}

func (m synapseModel) status() model.Dict {
	return model.Dict{
		"synapse_model": model.String(m.name),
		"weight":        model.Float(m.weight),
		"delay":         model.Float(m.delay),
		"element_type":  model.String("synapse"),
	}
}

// setSynapseDefaultsLocked validates and applies d to the named synapse
// model. An explicit delay widens the extrema before the first run and must
// lie within them afterwards.
func (k *Kernel) setSynapseDefaultsLocked(name string, d model.Dict) error {
	i, m, err := k.synapses.lookup(name)
	if err != nil {
		return err
	}
	next, err := m.applied(d)
	if err != nil {
		return err
	}
	if _, ok := d["delay"]; ok {
		if err := k.checkDelayMsLocked(next.delay); err != nil {
			return err
		}
	}
	k.synapses.models[i] = &next
	return nil
}

func (k *Kernel) copySynapseLocked(existing, newName string, params model.Dict) error {
	_, src, err := k.synapses.lookup(existing)
	if err != nil {
		return err
	}
	next, err := src.applied(params)
	if err != nil {
		return err
	}
	if _, ok := params["delay"]; ok {
		if err := k.checkDelayMsLocked(next.delay); err != nil {
			return err
		}
	}
	next.name = newName
	k.synapses.byName[newName] = len(k.synapses.models)
	k.synapses.models = append(k.synapses.models, &next)
	return nil
}

// synapseDelayBoundsLocked returns the step range spanned by explicitly set
// synapse default delays; 0, 0 when none is set.
func (k *Kernel) synapseDelayBoundsLocked() (lo, hi int) {
	for _, m := range k.synapses.models {
		if !m.delaySet {
			continue
		}
		steps, err := k.clock.DelaySteps(m.delay)
		if err != nil {
			continue
		}
		lo, hi = widen(lo, hi, steps)
	}
	return lo, hi
}
