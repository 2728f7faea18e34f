package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"

	"drrn-forge/internal/tensor"
)

func randomTensor(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float64()
	}
	return t
}

// randomizeBiases moves biases off zero so that no pre-activation sits exactly
// on a ReLU corner, which zero biases produce over all-zero receptive fields.
func randomizeBiases(m *SRNet, rng *rand.Rand) {
	for _, p := range m.Parameters() {
		if strings.HasSuffix(p.Name, ".bias") {
			for i := range p.Value {
				p.Value[i] = 0.2*rng.Float64() - 0.1
			}
		}
	}
}

func TestSRNetGradientMatchesFiniteDifference(t *testing.T) {
	cases := []struct {
		cfg  Config
		seed int64
	}{
		{Config{Features: 3, Units: 2}, 5},
		{Config{Features: 2, Units: 3}, 1},
		{Config{Features: 2, Units: 3}, 7},
		{Config{Features: 4, Units: 1}, 2},
		{Config{Features: 2, Units: 2}, 13},
		{Config{Features: 1, Units: 0}, 3},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("f%d_u%d_seed%d", tc.cfg.Features, tc.cfg.Units, tc.seed), func(t *testing.T) {
			checkGradient(t, tc.cfg, tc.seed)
		})
	}
}

func checkGradient(t *testing.T, cfg Config, seed int64) {
	t.Helper()
	m, err := NewSRNet(cfg, seed)
	if err != nil {
		t.Fatalf("NewSRNet: %v", err)
	}
	rng := rand.New(rand.NewSource(seed + 100))
	randomizeBiases(m, rng)
	in := randomTensor(rng, 2, 1, 4, 5)
	weights := randomTensor(rng, 2, 1, 4, 5)

	m.SetTraining(true)
	if _, err := m.Forward(in); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := m.Backward(weights); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	analytic := append([]float64(nil), m.grads...)

	start := append([]float64(nil), m.values...)
	m.SetTraining(false)
	objective := func(x []float64) float64 {
		copy(m.values, x)
		out, err := m.Forward(in)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		return floats.Dot(out.Data, weights.Data)
	}
	numeric := fd.Gradient(nil, objective, start, &fd.Settings{Formula: fd.Central, Step: 1e-6})

	near := func(a, b float64) bool {
		return math.Abs(a-b)/math.Max(1, math.Abs(b)) <= 1e-4
	}
	for i := range numeric {
		if near(analytic[i], numeric[i]) {
			continue
		}
		// A perturbation that crosses a ReLU corner averages two slopes; the
		// analytic gradient must then match one side.
		along := func(v float64) float64 {
			x := append([]float64(nil), start...)
			x[i] = v
			return objective(x)
		}
		fwd := fd.Derivative(along, start[i], &fd.Settings{Formula: fd.Forward, Step: 1e-7})
		bwd := fd.Derivative(along, start[i], &fd.Settings{Formula: fd.Backward, Step: 1e-7})
		if !near(analytic[i], fwd) && !near(analytic[i], bwd) {
			t.Fatalf("gradient %d: analytic=%g central=%g forward=%g backward=%g", i, analytic[i], numeric[i], fwd, bwd)
		}
	}
	copy(m.values, start)
}

func TestSRNetWorkerCountDoesNotChangeGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	in := randomTensor(rng, 6, 1, 5, 5)
	grad := randomTensor(rng, 6, 1, 5, 5)

	run := func(workers int) ([]float64, []float64) {
		m, err := NewSRNet(Config{Features: 4, Units: 2}, 9)
		if err != nil {
			t.Fatalf("NewSRNet: %v", err)
		}
		m.SetWorkers(workers)
		m.SetTraining(true)
		out, err := m.Forward(in)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		if err := m.Backward(grad); err != nil {
			t.Fatalf("Backward: %v", err)
		}
		return out.Data, append([]float64(nil), m.grads...)
	}

	out1, g1 := run(1)
	out4, g4 := run(4)
	for i := range out1 {
		if out1[i] != out4[i] {
			t.Fatalf("output %d differs: %v vs %v", i, out1[i], out4[i])
		}
	}
	for i := range g1 {
		if g1[i] != g4[i] {
			t.Fatalf("gradient %d differs: %v vs %v", i, g1[i], g4[i])
		}
	}
}

func TestSRNetBackwardErrors(t *testing.T) {
	m, err := NewSRNet(Config{Features: 2, Units: 1}, 1)
	if err != nil {
		t.Fatalf("NewSRNet: %v", err)
	}
	in := tensor.New(1, 1, 3, 3)
	if err := m.Backward(in); !errors.Is(err, ErrNotTraining) {
		t.Fatalf("expected ErrNotTraining, got %v", err)
	}
	m.SetTraining(true)
	if err := m.Backward(in); !errors.Is(err, ErrNoForward) {
		t.Fatalf("expected ErrNoForward, got %v", err)
	}
	if _, err := m.Forward(in); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := m.Backward(tensor.New(1, 1, 3, 4)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	if _, err := m.Forward(tensor.New(1, 3, 3, 3)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for 3 channels, got %v", err)
	}
}

func TestSRNetZeroUnitsIsResidualOnly(t *testing.T) {
	m, err := NewSRNet(Config{Features: 2, Units: 0}, 1)
	if err != nil {
		t.Fatalf("NewSRNet: %v", err)
	}
	for _, p := range m.Parameters() {
		for i := range p.Value {
			p.Value[i] = 0
		}
	}
	in := randomTensor(rand.New(rand.NewSource(1)), 1, 1, 3, 3)
	out, err := m.Forward(in)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i := range in.Data {
		if out.Data[i] != in.Data[i] {
			t.Fatalf("zero weights should pass the input through; got %v want %v", out.Data[i], in.Data[i])
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	a, _ := NewSRNet(Config{Features: 2, Units: 1}, 1)
	b, _ := NewSRNet(Config{Features: 2, Units: 1}, 2)
	if err := LoadState(b, State(a)); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	for i, p := range a.Parameters() {
		q := b.Parameters()[i]
		for j := range p.Value {
			if math.Float64bits(p.Value[j]) != math.Float64bits(q.Value[j]) {
				t.Fatalf("%s[%d] differs after load", p.Name, j)
			}
		}
	}

	wide, _ := NewSRNet(Config{Features: 3, Units: 1}, 1)
	if err := LoadState(wide, State(a)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for mismatched architecture, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if _, err := NewSRNet(Config{Features: 0}, 1); err == nil {
		t.Fatal("expected error for zero features")
	}
}
