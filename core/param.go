package core

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/signalsfoundry/spikenet/model"
)

type paramKind uint8

const (
	paramScalar paramKind = iota
	paramArray
	paramRandom
)

// Param is a synapse parameter specification: a scalar shared by every
// connection, an array with one value per connection, or a distribution
// drawn from the random stream of the target's virtual process.
type Param struct {
	kind   paramKind
	value  float64
	values []float64

	dist   string
	a, b   float64
	lo, hi float64
}

// Scalar is the same value for every connection.
func Scalar(x float64) Param { return Param{kind: paramScalar, value: x} }

// Array gives connection i the value xs[i].
func Array(xs []float64) Param { return Param{kind: paramArray, values: xs} }

func random(dist string, a, b float64) Param {
	return Param{kind: paramRandom, dist: dist, a: a, b: b, lo: math.Inf(-1), hi: math.Inf(1)}
}

// Uniform draws from [low, high).
func Uniform(low, high float64) Param { return random("uniform", low, high) }

// Normal draws from a normal distribution.
func Normal(mean, std float64) Param { return random("normal", mean, std) }

// Lognormal draws exp(X) with X normal(mu, sigma).
func Lognormal(mu, sigma float64) Param { return random("lognormal", mu, sigma) }

// Exponential draws with scale beta (mean beta).
func Exponential(beta float64) Param { return random("exponential", beta, 0) }

// Clip bounds the drawn values to [lo, hi].
func (p Param) Clip(lo, hi float64) Param {
	p.lo, p.hi = lo, hi
	return p
}

// IsArray reports whether p holds per-connection values.
func (p Param) IsArray() bool { return p.kind == paramArray }

// ParamFromValue reads a number, a list of numbers or a distribution
// dictionary such as {"distribution": "normal", "mean": 1, "std": 0.2,
// "min": 0}.
func ParamFromValue(v model.Value) (Param, error) {
	switch v.Kind() {
	case model.KindInt, model.KindDouble:
		f, _ := v.AsFloat()
		return Scalar(f), nil
	case model.KindList:
		fs, err := v.AsFloats()
		if err != nil {
			return Param{}, err
		}
		return Array(fs), nil
	case model.KindDict:
		d, _ := v.AsDict()
		return paramFromDict(d)
	}
	return Param{}, model.Errorf(model.KindDictError, "parameter must be a number, list or distribution, got %s", v.Kind())
}

func paramFromDict(d model.Dict) (Param, error) {
	r := model.NewDictReader(d)
	var dist string
	if !r.String("distribution", &dist) {
		if err := r.Err(); err != nil {
			return Param{}, err
		}
		return Param{}, model.Errorf(model.KindDictError, "distribution parameter needs a \"distribution\" entry")
	}
	var p Param
	switch dist {
	case "uniform":
		low, high := 0.0, 1.0
		r.Float("low", &low)
		r.Float("high", &high)
		p = Uniform(low, high)
	case "normal":
		mean, std := 0.0, 1.0
		r.Float("mean", &mean)
		r.Float("std", &std)
		p = Normal(mean, std)
	case "lognormal":
		mu, sigma := 0.0, 1.0
		r.Float("mean", &mu)
		r.Float("std", &sigma)
		p = Lognormal(mu, sigma)
	case "exponential":
		beta := 1.0
		r.Float("beta", &beta)
		p = Exponential(beta)
	default:
		return Param{}, model.Errorf(model.KindBadParameter, "unknown distribution %q", dist)
	}
	r.Float("min", &p.lo)
	r.Float("max", &p.hi)
	if err := r.Err(); err != nil {
		return Param{}, err
	}
	return p, p.validate()
}

// Value converts p back into its dictionary form.
func (p Param) Value() model.Value {
	switch p.kind {
	case paramScalar:
		return model.Float(p.value)
	case paramArray:
		return model.Floats(p.values)
	}
	d := model.Dict{"distribution": model.String(p.dist)}
	switch p.dist {
	case "uniform":
		d["low"], d["high"] = model.Float(p.a), model.Float(p.b)
	case "normal", "lognormal":
		d["mean"], d["std"] = model.Float(p.a), model.Float(p.b)
	case "exponential":
		d["beta"] = model.Float(p.a)
	}
	if !math.IsInf(p.lo, -1) {
		d["min"] = model.Float(p.lo)
	}
	if !math.IsInf(p.hi, 1) {
		d["max"] = model.Float(p.hi)
	}
	return model.DictValue(d)
}

func (p Param) validate() error {
	if p.kind != paramRandom {
		return nil
	}
	switch p.dist {
	case "uniform":
		if !(p.a < p.b) {
			return model.Errorf(model.KindBadParameter, "uniform distribution needs low < high, got [%v, %v)", p.a, p.b)
		}
	case "normal", "lognormal":
		if p.b < 0 {
			return model.Errorf(model.KindBadParameter, "%s distribution needs std >= 0, got %v", p.dist, p.b)
		}
	case "exponential":
		if p.a <= 0 {
			return model.Errorf(model.KindBadParameter, "exponential distribution needs beta > 0, got %v", p.a)
		}
	}
	if p.lo > p.hi {
		return model.Errorf(model.KindBadParameter, "clipping bounds [%v, %v] are empty", p.lo, p.hi)
	}
	return nil
}

// checkLen verifies an array parameter against the connection count a rule
// produces. n < 0 means the rule has no fixed count.
func (p Param) checkLen(name string, n int) error {
	if p.kind != paramArray {
		return nil
	}
	if n < 0 {
		return model.Errorf(model.KindBadParameter, "%s arrays are not supported by this rule", name)
	}
	if len(p.values) != n {
		return model.Errorf(model.KindBadParameter, "%s array has %d entries, the rule creates %d connections", name, len(p.values), n)
	}
	return nil
}

// at returns the value for connection i, drawing from r for distributions.
func (p Param) at(i int, r *rand.Rand) float64 {
	switch p.kind {
	case paramScalar:
		return p.value
	case paramArray:
		return p.values[i]
	}
	src := model.RandSource{R: r}
	var x float64
	switch p.dist {
	case "uniform":
		x = distuv.Uniform{Min: p.a, Max: p.b, Src: src}.Rand()
	case "normal":
		x = distuv.Normal{Mu: p.a, Sigma: p.b, Src: src}.Rand()
	case "lognormal":
		x = distuv.LogNormal{Mu: p.a, Sigma: p.b, Src: src}.Rand()
	case "exponential":
		x = distuv.Exponential{Rate: 1 / p.a, Src: src}.Rand()
	}
	return math.Max(p.lo, math.Min(p.hi, x))
}
