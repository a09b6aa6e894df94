// Package scenario describes a network in YAML (or JSON, which YAML reads)
// and replays it against a kernel: kernel settings, model copies,
// populations, connections and a sequence of simulate steps.
package scenario

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/spikenet/model"
)

// Scenario is the decoded file. Parameter maps stay untyped until they
// reach the kernel, which owns their validation.
type Scenario struct {
	Name string `yaml:"name"`

	// Kernel is applied with SetKernelStatus before anything is created.
	Kernel map[string]any `yaml:"kernel"`

	Models      []ModelCopy  `yaml:"models"`
	Defaults    []Defaults   `yaml:"defaults"`
	Populations []Population `yaml:"populations"`
	Connections []Connection `yaml:"connections"`

	// Simulate lists durations in ms, run one after another.
	Simulate []float64 `yaml:"simulate"`

	// Record names the populations whose status is reported after the run.
	Record []string `yaml:"record"`
}

// ModelCopy registers Name as a copy of From, node or synapse model alike.
type ModelCopy struct {
	From   string         `yaml:"from"`
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

type Defaults struct {
	Model  string         `yaml:"model"`
	Params map[string]any `yaml:"params"`
}

type Population struct {
	Name   string         `yaml:"name"`
	Model  string         `yaml:"model"`
	N      int            `yaml:"n"`
	Params map[string]any `yaml:"params"`
}

type Connection struct {
	Pre  Selection      `yaml:"pre"`
	Post Selection      `yaml:"post"`
	Conn map[string]any `yaml:"conn_spec"`
	Syn  map[string]any `yaml:"syn_spec"`
}

// Selection picks nodes out of named populations. In YAML it is either a
// population name, a list of names (concatenated in order), or a mapping
// {population, start, stop, step} slicing one population.
type Selection struct {
	Populations []string
	Start       int
	Stop        *int
	Step        int
}

func (s *Selection) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return err
		}
		*s = Selection{Populations: []string{name}, Step: 1}
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		*s = Selection{Populations: names, Step: 1}
		return nil
	case yaml.MappingNode:
		var raw struct {
			Population string `yaml:"population"`
			Start      int    `yaml:"start"`
			Stop       *int   `yaml:"stop"`
			Step       int    `yaml:"step"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		if raw.Step == 0 {
			raw.Step = 1
		}
		*s = Selection{Populations: []string{raw.Population}, Start: raw.Start, Stop: raw.Stop, Step: raw.Step}
		return nil
	}
	return fmt.Errorf("line %d: selection must be a name, a list of names or a slice mapping", node.Line)
}

func (s Selection) sliced() bool {
	return s.Start != 0 || s.Stop != nil || s.Step != 1
}

// Load reads and validates the scenario file at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	sc, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a scenario. Unknown fields are rejected.
func Parse(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty scenario")
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks the references between sections. Parameter values are
// left to the kernel.
func (sc *Scenario) Validate() error {
	pops := make(map[string]bool, len(sc.Populations))
	for i, p := range sc.Populations {
		switch {
		case p.Name == "":
			return fmt.Errorf("populations[%d]: name is required", i)
		case pops[p.Name]:
			return fmt.Errorf("populations[%d]: duplicate name %q", i, p.Name)
		case p.Model == "":
			return fmt.Errorf("population %q: model is required", p.Name)
		case p.N < 1:
			return fmt.Errorf("population %q: n must be positive, got %d", p.Name, p.N)
		}
		pops[p.Name] = true
	}
	for i, m := range sc.Models {
		if m.From == "" || m.Name == "" {
			return fmt.Errorf("models[%d]: from and name are required", i)
		}
	}
	for i, d := range sc.Defaults {
		if d.Model == "" {
			return fmt.Errorf("defaults[%d]: model is required", i)
		}
	}
	for i, c := range sc.Connections {
		for _, side := range []struct {
			name string
			sel  Selection
		}{{"pre", c.Pre}, {"post", c.Post}} {
			sel := side.sel
			if len(sel.Populations) == 0 {
				return fmt.Errorf("connections[%d].%s: no population selected", i, side.name)
			}
			if sel.sliced() && len(sel.Populations) != 1 {
				return fmt.Errorf("connections[%d].%s: only a single population can be sliced", i, side.name)
			}
			for _, name := range sel.Populations {
				if !pops[name] {
					return fmt.Errorf("connections[%d].%s: unknown population %q", i, side.name, name)
				}
			}
		}
	}
	for i, ms := range sc.Simulate {
		if ms < 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
			return fmt.Errorf("simulate[%d]: duration must be a finite non-negative number, got %v", i, ms)
		}
	}
	for _, name := range sc.Record {
		if !pops[name] {
			return fmt.Errorf("record: unknown population %q", name)
		}
	}
	return nil
}

// Duration is the total simulated time in ms.
func (sc *Scenario) Duration() float64 {
	var total float64
	for _, ms := range sc.Simulate {
		total += ms
	}
	return total
}

func dict(m map[string]any) (model.Dict, error) {
	if m == nil {
		return model.Dict{}, nil
	}
	return model.DictFromMap(m)
}
