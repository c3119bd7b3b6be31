// Package optim implements the Adam optimizer with optional decoupled
// weight decay (AdamW) over scalar autograd parameters.
package optim

import (
	"math"

	"github.com/hpungsan/upbeat/internal/autograd"
)

// Config holds Adam hyper-parameters. Zero fields take defaults.
type Config struct {
	LR          float64 // default 0.01
	Beta1       float64 // default 0.9
	Beta2       float64 // default 0.999
	Eps         float64 // default 1e-8
	WeightDecay float64 // decoupled; 0 disables
}

// Adam updates parameters with bias-corrected moment estimates:
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g^2
//	p -= lr * (m/(1-beta1^t)) / (sqrt(v/(1-beta2^t)) + eps) + lr*wd*p
type Adam struct {
	params []*autograd.Value
	cfg    Config
	m, v   []float64
	t      int
}

// NewAdam creates an optimizer for params.
func NewAdam(params []*autograd.Value, cfg Config) *Adam {
	if cfg.LR == 0 {
		cfg.LR = 0.01
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}
	return &Adam{
		params: params,
		cfg:    cfg,
		m:      make([]float64, len(params)),
		v:      make([]float64, len(params)),
	}
}

// LR returns the constant learning rate.
func (a *Adam) LR() float64 { return a.cfg.LR }

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int { return a.t }

// Step applies one update using the accumulated gradients, then zeroes them.
func (a *Adam) Step() {
	a.t++
	c := a.cfg
	bc1 := 1 - math.Pow(c.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(c.Beta2, float64(a.t))

	for i, p := range a.params {
		g := p.Grad
		a.m[i] = c.Beta1*a.m[i] + (1-c.Beta1)*g
		a.v[i] = c.Beta2*a.v[i] + (1-c.Beta2)*g*g

		mHat := a.m[i] / bc1
		vHat := a.v[i] / bc2

		if c.WeightDecay != 0 {
			p.Data -= c.LR * c.WeightDecay * p.Data
		}
		p.Data -= c.LR * mHat / (math.Sqrt(vHat) + c.Eps)
		p.Grad = 0
	}
}

// ZeroGrad clears gradients without updating.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.Grad = 0
	}
}
