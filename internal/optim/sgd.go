// Package optim implements parameter update rules and gradient clipping.
package optim

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/blas/blas64"

	"drrn-forge/internal/model"
)

// Optimizer applies updates to the parameters it was built with.
type Optimizer interface {
	ZeroGrad()
	Step(lr float64) error
}

// ErrInvalidRate is returned by Step for a negative or NaN learning rate.
// A zero rate is valid: a decayed schedule may reach it.
var ErrInvalidRate = errors.New("optim: learning rate must be >= 0")

// SGD is stochastic gradient descent with classical momentum and L2 weight
// decay folded into the gradient:
//
//	d = g + wd*w
//	buf = momentum*buf + d
//	w -= lr*buf
type SGD struct {
	params      []*model.Parameter
	momentum    float64
	weightDecay float64
	buf         [][]float64
}

// NewSGD builds an optimizer with empty momentum buffers.
func NewSGD(params []*model.Parameter, momentum, weightDecay float64) *SGD {
	buf := make([][]float64, len(params))
	for i, p := range params {
		buf[i] = make([]float64, len(p.Value))
	}
	return &SGD{params: params, momentum: momentum, weightDecay: weightDecay, buf: buf}
}

// ZeroGrad resets every accumulated gradient.
func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Step applies one update with the same rate to every parameter.
func (o *SGD) Step(lr float64) error {
	if !(lr >= 0) {
		return ErrInvalidRate
	}
	for i, p := range o.params {
		w := vec(p.Value)
		g := vec(p.Grad)
		b := vec(o.buf[i])
		blas64.Scal(o.momentum, b)
		blas64.Axpy(1, g, b)
		if o.weightDecay != 0 {
			blas64.Axpy(o.weightDecay, w, b)
		}
		blas64.Axpy(-lr, b, w)
	}
	return nil
}

// ClipGradNorm rescales all gradients together so their global L2 norm does
// not exceed maxNorm, and returns the norm measured before clipping.
func ClipGradNorm(params []*model.Parameter, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		n := blas64.Nrm2(vec(p.Grad))
		total += n * n
	}
	total = math.Sqrt(total)
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			blas64.Scal(coef, vec(p.Grad))
		}
	}
	return total
}

func vec(s []float64) blas64.Vector {
	return blas64.Vector{N: len(s), Data: s, Inc: 1}
}
