// Package loss provides training criteria.
package loss

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"drrn-forge/internal/tensor"
)

var (
	// ErrShapeMismatch reports a prediction and target of different shapes.
	ErrShapeMismatch = errors.New("loss: prediction and target shapes differ")
	// ErrDiverged reports a non-finite loss value.
	ErrDiverged = errors.New("loss: non-finite value")
)

// Criterion scores a prediction and returns the gradient with respect to it.
type Criterion interface {
	Evaluate(pred, target *tensor.Tensor) (float64, *tensor.Tensor, error)
}

// SumSquared is the squared error summed over every element. It is not
// divided by the batch size.
type SumSquared struct{}

// Evaluate returns sum((pred-target)^2) and its gradient 2*(pred-target).
func (SumSquared) Evaluate(pred, target *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if !pred.SameShape(target) {
		return 0, nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, pred, target)
	}
	if !pred.Finite() {
		return 0, nil, fmt.Errorf("%w: prediction", ErrDiverged)
	}
	grad := tensor.New(pred.Shape...)
	floats.SubTo(grad.Data, pred.Data, target.Data)
	value := floats.Dot(grad.Data, grad.Data)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, nil, fmt.Errorf("%w: %v", ErrDiverged, value)
	}
	floats.Scale(2, grad.Data)
	return value, grad, nil
}
