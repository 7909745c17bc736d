package optim

import (
	"fmt"
	"math"
)

// AdamW implements Adam with bias correction and decoupled weight decay.
type AdamW struct {
	lr          float64
	beta1       float64
	beta2       float64
	weightDecay float64
	eps         float64
	step        int
}

// NewAdamW validates the hyperparameters and returns an optimizer.
func NewAdamW(lr, beta1, beta2, weightDecay, eps float64) (*AdamW, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", lr)
	}
	if beta1 < 0 || beta1 >= 1 || beta2 < 0 || beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %f and %f", beta1, beta2)
	}
	if eps <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", eps)
	}
	return &AdamW{lr: lr, beta1: beta1, beta2: beta2, weightDecay: weightDecay, eps: eps}, nil
}

// LR returns the current base learning rate.
func (o *AdamW) LR() float64 { return o.lr }

// SetLR updates the base learning rate; the trainer drives this from the
// learning-rate schedule before each step.
func (o *AdamW) SetLR(lr float64) { o.lr = lr }

// Step applies one update to every parameter from its accumulated gradient.
func (o *AdamW) Step(params []*Param) {
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))

	for _, p := range params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		m := p.m.RawMatrix().Data
		v := p.v.RawMatrix().Data

		for i := range w {
			m[i] = o.beta1*m[i] + (1-o.beta1)*g[i]
			v[i] = o.beta2*v[i] + (1-o.beta2)*g[i]*g[i]
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			w[i] -= o.lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.weightDecay*w[i])
		}
	}
}
