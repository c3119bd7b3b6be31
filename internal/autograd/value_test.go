package autograd

import (
	"math"
	"testing"
)

const tol = 1e-6

func approx(a, b float64) bool {
	return math.Abs(a-b) < tol
}

func TestBackward_Arithmetic(t *testing.T) {
	a := New(2)
	b := New(-3)
	c := New(10)

	// f = a*b + c
	f := a.Mul(b).Add(c)
	f.Backward()

	if f.Data != 4 {
		t.Errorf("f = %v, want 4", f.Data)
	}
	if a.Grad != -3 {
		t.Errorf("df/da = %v, want -3", a.Grad)
	}
	if b.Grad != 2 {
		t.Errorf("df/db = %v, want 2", b.Grad)
	}
	if c.Grad != 1 {
		t.Errorf("df/dc = %v, want 1", c.Grad)
	}
}

func TestBackward_SharedNode(t *testing.T) {
	a := New(3)
	// f = a*a + a, df/da = 2a + 1
	f := a.Mul(a).Add(a)
	f.Backward()

	if a.Grad != 7 {
		t.Errorf("df/da = %v, want 7", a.Grad)
	}
}

func TestUnaryOps(t *testing.T) {
	tests := []struct {
		name string
		op   func(*Value) *Value
		f    func(float64) float64
		x    float64
	}{
		{"exp", (*Value).Exp, math.Exp, 0.5},
		{"log", (*Value).Log, math.Log, 1.7},
		{"tanh", (*Value).Tanh, math.Tanh, -0.3},
		{"relu_pos", (*Value).ReLU, func(x float64) float64 { return math.Max(0, x) }, 1.2},
		{"relu_neg", (*Value).ReLU, func(x float64) float64 { return math.Max(0, x) }, -1.2},
		{"pow", func(v *Value) *Value { return v.Pow(-0.5) }, func(x float64) float64 { return math.Pow(x, -0.5) }, 2.3},
		{"neg", (*Value).Neg, func(x float64) float64 { return -x }, 0.9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := New(tt.x)
			y := tt.op(x)
			y.Backward()

			if !approx(y.Data, tt.f(tt.x)) {
				t.Errorf("forward = %v, want %v", y.Data, tt.f(tt.x))
			}
			h := 1e-6
			numeric := (tt.f(tt.x+h) - tt.f(tt.x-h)) / (2 * h)
			if math.Abs(x.Grad-numeric) > 1e-4 {
				t.Errorf("grad = %v, numeric %v", x.Grad, numeric)
			}
		})
	}
}

func TestBackward_DeepChain(t *testing.T) {
	// Long chains must not overflow the stack.
	x := New(1)
	y := x
	for range 100000 {
		y = y.Add(Constant(0))
	}
	y.Backward()

	if x.Grad != 1 {
		t.Errorf("grad = %v, want 1", x.Grad)
	}
}
