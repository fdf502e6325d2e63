// Package optim implements parameter update rules and learning-rate schedules.
package optim

import (
	"fmt"
	"math"
	"strings"

	"github.com/sidtrain/sidtrain/sid/nn"
)

// Optimizer applies one update per Step using the schedule's current rate.
type Optimizer interface {
	Step(params []*nn.Param)
	// LR returns the learning rate the next Step will use.
	LR() float64
	// Steps returns the number of updates applied so far.
	Steps() int
	State() State
	Load(State) error
}

// State is the serializable optimizer state. Slots are keyed
// "<slot>/<param name>", e.g. "moment1/backbone.proj.weight".
type State struct {
	Type  string
	Steps int
	Slots map[string][]float32
}

// Config selects and parameterizes an Optimizer.
type Config struct {
	Type         string  `yaml:"type"`
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	Momentum     float64 `yaml:"momentum"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`
}

// ValidOptimizers is the set of recognized optimizer names. Empty means adam.
var ValidOptimizers = map[string]bool{"": true, "sgd": true, "adam": true}

// Validate checks names and ranges.
func (c Config) Validate() error {
	if !ValidOptimizers[c.Type] {
		return fmt.Errorf("unknown optimizer type %q; valid: sgd, adam", c.Type)
	}
	if c.LearningRate < 0 || math.IsNaN(c.LearningRate) {
		return fmt.Errorf("optimizer.learning_rate must be non-negative, got %g", c.LearningRate)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("optimizer.weight_decay must be non-negative, got %g", c.WeightDecay)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("optimizer.momentum must be in [0, 1), got %g", c.Momentum)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("optimizer betas must be in [0, 1), got %g and %g", c.Beta1, c.Beta2)
	}
	return nil
}

// Build constructs the optimizer named by cfg, driven by sched.
func Build(cfg Config, sched Schedule) (Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "sgd":
		return &SGD{cfg: cfg, sched: sched, velocity: map[string][]float32{}}, nil
	case "", "adam":
		if cfg.Beta1 == 0 {
			cfg.Beta1 = 0.9
		}
		if cfg.Beta2 == 0 {
			cfg.Beta2 = 0.999
		}
		if cfg.Epsilon == 0 {
			cfg.Epsilon = 1e-8
		}
		return &Adam{cfg: cfg, sched: sched, m: map[string][]float32{}, v: map[string][]float32{}}, nil
	default:
		return nil, fmt.Errorf("unhandled optimizer type %q", cfg.Type)
	}
}

// SGD is stochastic gradient descent with optional momentum and L2 weight decay.
type SGD struct {
	cfg      Config
	sched    Schedule
	steps    int
	velocity map[string][]float32
}

func (o *SGD) LR() float64 { return o.sched.LR(o.steps) }
func (o *SGD) Steps() int  { return o.steps }

func (o *SGD) Step(params []*nn.Param) {
	lr := float32(o.LR())
	wd, mu := float32(o.cfg.WeightDecay), float32(o.cfg.Momentum)
	for _, p := range params {
		vel := slot(o.velocity, p)
		for i, g := range p.Grad {
			g += wd * p.Value[i]
			if mu > 0 {
				vel[i] = mu*vel[i] + g
				g = vel[i]
			}
			p.Value[i] -= lr * g
		}
	}
	o.steps++
}

func (o *SGD) State() State {
	return State{Type: "sgd", Steps: o.steps, Slots: prefixed("velocity", o.velocity)}
}

func (o *SGD) Load(s State) error {
	if s.Type != "sgd" {
		return fmt.Errorf("optimizer state is %q, want sgd", s.Type)
	}
	o.steps = s.Steps
	o.velocity = unprefixed("velocity", s.Slots)
	return nil
}

// Adam is Adam with bias correction and L2 weight decay.
type Adam struct {
	cfg   Config
	sched Schedule
	steps int
	m, v  map[string][]float32
}

func (o *Adam) LR() float64 { return o.sched.LR(o.steps) }
func (o *Adam) Steps() int  { return o.steps }

func (o *Adam) Step(params []*nn.Param) {
	lr := o.LR()
	t := float64(o.steps + 1)
	b1, b2 := o.cfg.Beta1, o.cfg.Beta2
	bc1 := 1 - math.Pow(b1, t)
	bc2 := 1 - math.Pow(b2, t)
	for _, p := range params {
		m, v := slot(o.m, p), slot(o.v, p)
		for i, g32 := range p.Grad {
			g := float64(g32) + o.cfg.WeightDecay*float64(p.Value[i])
			mi := b1*float64(m[i]) + (1-b1)*g
			vi := b2*float64(v[i]) + (1-b2)*g*g
			m[i], v[i] = float32(mi), float32(vi)
			p.Value[i] -= float32(lr * (mi / bc1) / (math.Sqrt(vi/bc2) + o.cfg.Epsilon))
		}
	}
	o.steps++
}

func (o *Adam) State() State {
	slots := prefixed("moment1", o.m)
	for k, v := range prefixed("moment2", o.v) {
		slots[k] = v
	}
	return State{Type: "adam", Steps: o.steps, Slots: slots}
}

func (o *Adam) Load(s State) error {
	if s.Type != "adam" {
		return fmt.Errorf("optimizer state is %q, want adam", s.Type)
	}
	o.steps = s.Steps
	o.m = unprefixed("moment1", s.Slots)
	o.v = unprefixed("moment2", s.Slots)
	return nil
}

func slot(slots map[string][]float32, p *nn.Param) []float32 {
	s, ok := slots[p.Name]
	if !ok || len(s) != len(p.Value) {
		s = make([]float32, len(p.Value))
		slots[p.Name] = s
	}
	return s
}

func prefixed(prefix string, slots map[string][]float32) map[string][]float32 {
	out := make(map[string][]float32, len(slots))
	for name, s := range slots {
		out[prefix+"/"+name] = append([]float32(nil), s...)
	}
	return out
}

func unprefixed(prefix string, slots map[string][]float32) map[string][]float32 {
	out := map[string][]float32{}
	p := prefix + "/"
	for k, s := range slots {
		if name, ok := strings.CutPrefix(k, p); ok && name != "" {
			out[name] = append([]float32(nil), s...)
		}
	}
	return out
}
