// sid/nn/layers.go

package nn

import "math/rand"

// Linear computes y = W x + b for a batch of row vectors.
// W is stored row-major as [out][in].
type Linear struct {
	W, B    *Param
	in, out int
	input   [][]float32 // cached by Forward for Backward
}

// NewLinear creates a Xavier-initialized linear layer with parameters named
// prefix+".weight" and prefix+".bias".
func NewLinear(prefix string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		W:   NewParam(prefix+".weight", out, in),
		B:   NewParam(prefix+".bias", out),
		in:  in,
		out: out,
	}
	l.W.xavierUniform(in, out, rng)
	return l
}

func (l *Linear) Params() []*Param { return []*Param{l.W, l.B} }

// Forward applies the layer and caches x.
func (l *Linear) Forward(x [][]float32) [][]float32 {
	l.input = x
	y := make([][]float32, len(x))
	for i, row := range x {
		out := make([]float32, l.out)
		for o := 0; o < l.out; o++ {
			w := l.W.Value[o*l.in : (o+1)*l.in]
			sum := l.B.Value[o]
			for j, v := range row {
				sum += w[j] * v
			}
			out[o] = sum
		}
		y[i] = out
	}
	return y
}

// Backward accumulates parameter gradients for dy and returns dx.
func (l *Linear) Backward(dy [][]float32) [][]float32 {
	dx := make([][]float32, len(dy))
	for i, g := range dy {
		x := l.input[i]
		d := make([]float32, l.in)
		for o, gy := range g {
			if gy == 0 {
				continue
			}
			l.B.Grad[o] += gy
			w := l.W.Value[o*l.in : (o+1)*l.in]
			gw := l.W.Grad[o*l.in : (o+1)*l.in]
			for j := range w {
				gw[j] += gy * x[j]
				d[j] += gy * w[j]
			}
		}
		dx[i] = d
	}
	return dx
}

// meanPool averages the first lengths[i] frames of each sample.
// A sample with no frames pools to the zero vector.
func meanPool(feats [][][]float32, lengths []int, dim int) [][]float32 {
	out := make([][]float32, len(feats))
	for i, frames := range feats {
		pooled := make([]float32, dim)
		n := lengths[i]
		if n > len(frames) {
			n = len(frames)
		}
		for t := 0; t < n; t++ {
			for j, v := range frames[t] {
				pooled[j] += v
			}
		}
		if n > 0 {
			inv := 1 / float32(n)
			for j := range pooled {
				pooled[j] *= inv
			}
		}
		out[i] = pooled
	}
	return out
}
