package model

import (
	"errors"

	"drrn-forge/internal/tensor"
)

var (
	// ErrShape reports an input or gradient whose shape the model cannot accept.
	ErrShape = errors.New("model: shape mismatch")
	// ErrNotTraining is returned by Backward outside training mode.
	ErrNotTraining = errors.New("model: backward requires training mode")
	// ErrNoForward is returned by Backward when no forward pass is cached.
	ErrNoForward = errors.New("model: backward called before forward")
)

// Parameter is a named trainable tensor with its accumulated gradient.
type Parameter struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

// Model is the capability set the trainer needs from a network.
type Model interface {
	// Forward maps an [N,C,H,W] batch to a prediction of the same layout.
	Forward(in *tensor.Tensor) (*tensor.Tensor, error)
	// Backward accumulates parameter gradients for the last Forward call.
	Backward(gradOut *tensor.Tensor) error
	Parameters() []*Parameter
	SetTraining(training bool)
	Architecture() Config
}
