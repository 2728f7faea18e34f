package model

import (
	"fmt"

	"drrn-forge/internal/tensor"
)

// StateDict maps parameter names to copies of their values.
type StateDict map[string]*tensor.Tensor

// State copies every parameter of m into a StateDict.
func State(m Model) StateDict {
	state := make(StateDict, len(m.Parameters()))
	for _, p := range m.Parameters() {
		state[p.Name] = &tensor.Tensor{
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Value...),
		}
	}
	return state
}

// LoadState copies state into the parameters of m. Every parameter must be
// present with a matching shape, and state may not carry unknown names.
func LoadState(m Model, state StateDict) error {
	params := m.Parameters()
	if len(state) != len(params) {
		return fmt.Errorf("%w: state has %d tensors, model has %d parameters", ErrShape, len(state), len(params))
	}
	for _, p := range params {
		t, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("%w: state is missing %s", ErrShape, p.Name)
		}
		if !t.SameShape(&tensor.Tensor{Shape: p.Shape}) || len(t.Data) != len(p.Value) {
			return fmt.Errorf("%w: %s has shape %v, want %v", ErrShape, p.Name, t.Shape, p.Shape)
		}
	}
	for _, p := range params {
		copy(p.Value, state[p.Name].Data)
	}
	return nil
}
