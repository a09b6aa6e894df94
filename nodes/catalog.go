// Package nodes holds the built-in node models and the catalog the kernel
// instantiates them from.
package nodes

import (
	"slices"
	"sync"

	"github.com/signalsfoundry/spikenet/model"
)

// ElementType classifies what a model does in a network.
type ElementType string

const (
	ElementNeuron     ElementType = "neuron"
	ElementStimulator ElementType = "stimulator"
	ElementRecorder   ElementType = "recorder"
)

// initialMarker is implemented by nodes whose ResetState restores the state
// they had right after construction with the model defaults.
type initialMarker interface {
	MarkInitial()
}

// Factory builds a node with built-in parameters. The catalog applies the
// model's defaults on top afterwards.
type Factory func() model.Node

// Model is one entry in the catalog.
type Model struct {
	Name        string
	Base        string
	ElementType ElementType
	factory     Factory
	defaults    model.Dict
}

// Builtin reports whether the model ships with the kernel.
func (m *Model) Builtin() bool { return m.Base == m.Name }

// Catalog maps model names to factories and their current defaults.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewCatalog returns a catalog holding the built-in models.
func NewCatalog() *Catalog {
	c := &Catalog{}
	c.Reset()
	return c
}

func builtins() []*Model {
	return []*Model{
		{Name: IAFPscDelta, ElementType: ElementNeuron, factory: func() model.Node { return NewIAFPscDelta() }},
		{Name: ParrotNeuron, ElementType: ElementNeuron, factory: func() model.Node { return NewParrot() }},
		{Name: PoissonGenerator, ElementType: ElementStimulator, factory: func() model.Node { return NewPoissonGenerator() }},
		{Name: SpikeGenerator, ElementType: ElementStimulator, factory: func() model.Node { return NewSpikeGenerator() }},
		{Name: SpikeRecorder, ElementType: ElementRecorder, factory: func() model.Node { return NewSpikeRecorder() }},
	}
}

// Reset drops copied models and restores built-in defaults.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models = make(map[string]*Model)
	for _, m := range builtins() {
		m.Base = m.Name
		m.defaults = model.Dict{}
		c.models[m.Name] = m
	}
}

// Names lists the registered models, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.models))
	for n := range c.models {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Lookup returns the named model or an UnknownModel error.
func (c *Catalog) Lookup(name string) (*Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked(name)
}

func (c *Catalog) lookupLocked(name string) (*Model, error) {
	m, ok := c.models[name]
	if !ok {
		return nil, model.Errorf(model.KindUnknownModel, "node model %q is not registered", name)
	}
	return m, nil
}

// New instantiates a node of the named model with the model's defaults.
func (c *Catalog) New(name string) (model.Node, *Model, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, err := c.lookupLocked(name)
	if err != nil {
		return nil, nil, err
	}
	n, err := m.instantiate(m.defaults)
	if err != nil {
		return nil, nil, err
	}
	return n, m, nil
}

func (m *Model) instantiate(defaults model.Dict) (model.Node, error) {
	n := m.factory()
	if len(defaults) > 0 {
		if err := n.SetStatus(defaults); err != nil {
			return nil, err
		}
	}
	MarkInitial(n)
	return n, nil
}

// MarkInitial makes n's current dynamic state the one ResetState returns
// to. The kernel calls it after applying creation-time parameters.
func MarkInitial(n model.Node) {
	if im, ok := n.(initialMarker); ok {
		im.MarkInitial()
	}
}

// Defaults returns the full status a fresh node of the model would report.
func (c *Catalog) Defaults(name string) (model.Dict, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, err := c.lookupLocked(name)
	if err != nil {
		return nil, err
	}
	n, err := m.instantiate(m.defaults)
	if err != nil {
		return nil, err
	}
	d := n.Status()
	d["model"] = model.String(m.Name)
	d["element_type"] = model.String(string(m.ElementType))
	return d, nil
}

// SetDefaults changes the defaults future nodes of the model start with.
// The update is validated against a probe node and applied atomically.
func (c *Catalog) SetDefaults(name string, d model.Dict) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.lookupLocked(name)
	if err != nil {
		return err
	}
	merged := m.defaults.Merge(d)
	if _, err := m.instantiate(merged); err != nil {
		return err
	}
	m.defaults = merged
	return nil
}

// CopyModel registers newName as a copy of existing with params applied on
// top of the existing defaults.
func (c *Catalog) CopyModel(existing, newName string, params model.Dict) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, err := c.lookupLocked(existing)
	if err != nil {
		return err
	}
	if _, taken := c.models[newName]; taken {
		return model.Errorf(model.KindBadParameter, "model name %q is already in use", newName)
	}
	if newName == "" {
		return model.Errorf(model.KindBadParameter, "model name must not be empty")
	}
	merged := src.defaults.Merge(params)
	if _, err := src.instantiate(merged); err != nil {
		return err
	}
	c.models[newName] = &Model{
		Name:        newName,
		Base:        src.Base,
		ElementType: src.ElementType,
		factory:     src.factory,
		defaults:    merged,
	}
	return nil
}
