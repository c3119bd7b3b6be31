package model

import (
	"math"

	"github.com/hpungsan/upbeat/internal/autograd"
)

// linear computes w @ x for w [out, in] and x [in].
func linear(w *Tensor, x []*autograd.Value) []*autograd.Value {
	out := make([]*autograd.Value, w.Rows)
	for i := range w.Rows {
		out[i] = autograd.Dot(w.Row(i), x)
	}
	return out
}

// rmsNorm scales x by 1/sqrt(mean(x^2) + eps).
func rmsNorm(x []*autograd.Value) []*autograd.Value {
	const eps = 1e-5

	sq := make([]*autograd.Value, len(x))
	for i, v := range x {
		sq[i] = v.Mul(v)
	}
	inv := autograd.Mean(sq).Add(autograd.Constant(eps)).Pow(-0.5)

	out := make([]*autograd.Value, len(x))
	for i, v := range x {
		out[i] = v.Mul(inv)
	}
	return out
}

// attend computes scaled dot-product attention of one query over keys.
// With no keys the result is a zero vector.
func attend(q []*autograd.Value, keys, values [][]*autograd.Value) []*autograd.Value {
	out := make([]*autograd.Value, len(q))
	if len(keys) == 0 {
		for i := range out {
			out[i] = autograd.Constant(0)
		}
		return out
	}

	scale := 1 / math.Sqrt(float64(len(q)))
	scores := make([]*autograd.Value, len(keys))
	for i, k := range keys {
		scores[i] = autograd.Dot(q, k).Scale(scale)
	}
	probs := autograd.Softmax(scores)

	col := make([]*autograd.Value, len(values))
	for j := range out {
		for i, v := range values {
			col[i] = v[j]
		}
		out[j] = autograd.Dot(probs, col)
	}
	return out
}

// feedForward computes out @ relu(in @ x).
func feedForward(in, out *Tensor, x []*autograd.Value) []*autograd.Value {
	h := linear(in, x)
	for i, v := range h {
		h[i] = v.ReLU()
	}
	return linear(out, h)
}
