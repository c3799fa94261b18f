package optim

import (
	"math"

	"sknet-train/internal/model"
)

// AdamConfig holds the Adam hyperparameters.
type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

// DefaultAdamConfig returns lr=0.001, betas=(0.9, 0.999), eps=1e-8 and
// weight decay 1e-4.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{LR: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: 1e-4}
}

// Adam implements Adam with bias correction. Weight decay is applied as L2
// regularization folded into the gradient.
//
//	g    = grad + wd·w
//	m    = β1·m + (1-β1)·g
//	v    = β2·v + (1-β2)·g²
//	w   -= lr · m̂ / (√v̂ + ε)
type Adam struct {
	cfg    AdamConfig
	params []*model.Param
	m, v   [][]float64
	t      int
}

// NewAdam creates an optimizer over params with zeroed moment estimates.
func NewAdam(params []*model.Param, cfg AdamConfig) *Adam {
	def := DefaultAdamConfig()
	if cfg.LR <= 0 {
		cfg.LR = def.LR
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = def.Beta1
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = def.Beta2
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = def.Epsilon
	}
	a := &Adam{
		cfg:    cfg,
		params: params,
		m:      make([][]float64, len(params)),
		v:      make([][]float64, len(params)),
	}
	for i, p := range params {
		n := len(p.Value.RawMatrix().Data)
		a.m[i] = make([]float64, n)
		a.v[i] = make([]float64, n)
	}
	return a
}

// ZeroGrad clears the gradients of every managed parameter.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.Grad.Zero()
	}
}

// Step applies one update using the accumulated gradients.
func (a *Adam) Step() {
	a.t++
	bc1 := 1 - math.Pow(a.cfg.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.cfg.Beta2, float64(a.t))

	for i, p := range a.params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		m, v := a.m[i], a.v[i]
		for j := range w {
			grad := g[j]
			if a.cfg.WeightDecay != 0 {
				grad += a.cfg.WeightDecay * w[j]
			}
			m[j] = a.cfg.Beta1*m[j] + (1-a.cfg.Beta1)*grad
			v[j] = a.cfg.Beta2*v[j] + (1-a.cfg.Beta2)*grad*grad
			w[j] -= a.cfg.LR * (m[j] / bc1) / (math.Sqrt(v[j]/bc2) + a.cfg.Epsilon)
		}
	}
}

// LR returns the current learning rate.
func (a *Adam) LR() float64 { return a.cfg.LR }

// SetLR updates the learning rate.
func (a *Adam) SetLR(lr float64) { a.cfg.LR = lr }

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int { return a.t }
