package nn

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Param is a named trainable tensor and its accumulated gradient.
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32
}

// NewParam allocates a zero-valued parameter.
func NewParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float32, n),
		Grad:  make([]float32, n),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	clear(p.Grad)
}

// xavierUniform fills p with U(-a, a), a = sqrt(6 / (fanIn + fanOut)).
func (p *Param) xavierUniform(fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range p.Value {
		p.Value[i] = float32((rng.Float64()*2 - 1) * limit)
	}
}

// Module is anything that owns parameters.
type Module interface {
	Params() []*Param
}

// Collect returns the parameters of all modules in order.
func Collect(modules ...Module) []*Param {
	var ps []*Param
	for _, m := range modules {
		ps = append(ps, m.Params()...)
	}
	return ps
}

// ZeroGrads clears every gradient in ps.
func ZeroGrads(ps []*Param) {
	for _, p := range ps {
		p.ZeroGrad()
	}
}

// NumValues returns the total element count of ps.
func NumValues(ps []*Param) int {
	n := 0
	for _, p := range ps {
		n += len(p.Value)
	}
	return n
}

// GatherGrads copies all gradients into dst (grown as needed) and returns it.
func GatherGrads(ps []*Param, dst []float32) []float32 {
	dst = dst[:0]
	for _, p := range ps {
		dst = append(dst, p.Grad...)
	}
	return dst
}

// ScatterGrads is the inverse of GatherGrads.
func ScatterGrads(ps []*Param, src []float32) {
	off := 0
	for _, p := range ps {
		off += copy(p.Grad, src[off:off+len(p.Grad)])
	}
}

// Tensor is the serialized form of a parameter.
type Tensor struct {
	Shape  []int
	Values []float32
}

// StateDict maps parameter names to values.
type StateDict map[string]Tensor

// StateDictOf snapshots the values of ps.
func StateDictOf(ps []*Param) StateDict {
	sd := make(StateDict, len(ps))
	for _, p := range ps {
		sd[p.Name] = Tensor{Shape: append([]int(nil), p.Shape...), Values: append([]float32(nil), p.Value...)}
	}
	return sd
}

// Keys returns the state dict keys in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadStateDict copies sd into ps. Every parameter must be present with a matching shape.
func LoadStateDict(ps []*Param, sd StateDict) error {
	for _, p := range ps {
		t, ok := sd[p.Name]
		if !ok {
			return fmt.Errorf("state dict missing %q", p.Name)
		}
		if !sameShape(t.Shape, p.Shape) || len(t.Values) != len(p.Value) {
			return fmt.Errorf("state dict %q: shape %v, want %v", p.Name, t.Shape, p.Shape)
		}
		copy(p.Value, t.Values)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
