package model

import (
	"math/rand/v2"

	"github.com/hpungsan/upbeat/internal/autograd"
)

// Tensor is a named row-major matrix of trainable scalars.
type Tensor struct {
	Name       string
	Rows, Cols int
	Values     []*autograd.Value
}

// Shape describes a tensor without its values.
type Shape struct {
	Name       string
	Rows, Cols int
}

// Size returns Rows*Cols.
func (s Shape) Size() int { return s.Rows * s.Cols }

func newTensor(s Shape, std float64, rng *rand.Rand) *Tensor {
	values := make([]*autograd.Value, s.Size())
	for i := range values {
		values[i] = autograd.New(rng.NormFloat64() * std)
	}
	return &Tensor{Name: s.Name, Rows: s.Rows, Cols: s.Cols, Values: values}
}

func tensorFrom(s Shape, data []float64) *Tensor {
	values := make([]*autograd.Value, len(data))
	for i, d := range data {
		values[i] = autograd.New(d)
	}
	return &Tensor{Name: s.Name, Rows: s.Rows, Cols: s.Cols, Values: values}
}

// Row returns a view of one row.
func (t *Tensor) Row(r int) []*autograd.Value {
	start := r * t.Cols
	return t.Values[start : start+t.Cols]
}

// Data copies the forward values out of the tensor.
func (t *Tensor) Data() []float64 {
	return autograd.Data(t.Values)
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return Shape{Name: t.Name, Rows: t.Rows, Cols: t.Cols}
}
