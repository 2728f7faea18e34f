// Package device selects the execution device for training.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"drrn-forge/internal/tensor"
)

// ErrUnavailable is returned when acceleration is requested on hardware that
// cannot provide it.
var ErrUnavailable = errors.New("device: acceleration unavailable")

// Capabilities describes the host as seen by the probe.
type Capabilities struct {
	Brand        string
	LogicalCores int
	Features     []string
	Vector       bool
}

// Device is where batches are placed and how many compute workers run.
type Device struct {
	Name        string
	Accelerated bool
	Workers     int
	Caps        Capabilities
}

var probe = probeCPU

func probeCPU() Capabilities {
	caps := Capabilities{
		Brand:        cpuid.CPU.BrandName,
		LogicalCores: cpuid.CPU.LogicalCores,
	}
	if caps.LogicalCores <= 0 {
		caps.LogicalCores = runtime.NumCPU()
	}
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		caps.Features = []string{"avx512f", "avx512dq"}
		caps.Vector = true
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		caps.Features = []string{"avx2", "fma3"}
		caps.Vector = true
	case cpuid.CPU.Supports(cpuid.ASIMD):
		caps.Features = []string{"asimd"}
		caps.Vector = true
	}
	return caps
}

// Select returns the CPU device, or the accelerated device running one
// compute worker per logical core when accelerate is set.
func Select(accelerate bool) (Device, error) {
	caps := probe()
	if !accelerate {
		return Device{Name: "cpu", Workers: 1, Caps: caps}, nil
	}
	if !caps.Vector {
		return Device{}, fmt.Errorf("%w: no vector unit on %q", ErrUnavailable, caps.Brand)
	}
	if caps.LogicalCores < 2 {
		return Device{}, fmt.Errorf("%w: %d logical core(s)", ErrUnavailable, caps.LogicalCores)
	}
	return Device{
		Name:        "accel/" + strings.Join(caps.Features, "+"),
		Accelerated: true,
		Workers:     caps.LogicalCores,
		Caps:        caps,
	}, nil
}

// Place makes t usable by the device. Both devices compute from host
// memory, so the tensor is returned as is.
func (d Device) Place(t *tensor.Tensor) *tensor.Tensor {
	return t
}

func (d Device) String() string {
	return fmt.Sprintf("%s workers=%d cpu=%q", d.Name, d.Workers, d.Caps.Brand)
}
