package model

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"

	"drrn-forge/internal/tensor"
)

// Config describes the SRNet architecture. It is stored in checkpoints so a
// network can be rebuilt without the flags of the run that wrote it.
type Config struct {
	Features int
	Units    int
}

// DefaultConfig returns the architecture used when nothing is configured.
func DefaultConfig() Config {
	return Config{Features: 16, Units: 3}
}

// Validate reports whether c describes a buildable network.
func (c Config) Validate() error {
	if c.Features <= 0 {
		return fmt.Errorf("model: features must be > 0 (got %d)", c.Features)
	}
	if c.Units < 0 {
		return fmt.Errorf("model: units must be >= 0 (got %d)", c.Units)
	}
	return nil
}

// SRNet is a recursive residual network for single-channel super-resolution.
// An input conv lifts the image to Features maps, Units recursive blocks share
// one pair of convs and add their output back onto the trunk, and an output
// conv maps back to one channel which is added to the input image.
type SRNet struct {
	cfg      Config
	convIn   *conv
	convA    *conv
	convB    *conv
	convOut  *conv
	params   []*Parameter
	values   []float64
	grads    []float64
	training bool
	workers  int

	last   *tensor.Tensor
	caches []sampleCache
}

type sampleCache struct {
	// trunk[u] is the trunk before unit u; trunk[Units] feeds the output conv.
	trunk [][]float64
	// inner[u] is the pre-activation between convA and convB of unit u.
	inner [][]float64
}

// NewSRNet builds a network with Kaiming-style initialization drawn from seed.
func NewSRNet(cfg Config, seed int64) (*SRNet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := cfg.Features
	m := &SRNet{cfg: cfg, workers: 1}
	m.convIn = &conv{in: 1, out: f}
	m.convA = &conv{in: f, out: f}
	m.convB = &conv{in: f, out: f}
	m.convOut = &conv{in: f, out: 1}

	layers := []struct {
		name string
		c    *conv
	}{
		{"conv_in", m.convIn},
		{"recursive.conv_a", m.convA},
		{"recursive.conv_b", m.convB},
		{"conv_out", m.convOut},
	}
	total := 0
	for _, l := range layers {
		total += l.c.out*l.c.in*kernel*kernel + l.c.out
	}
	m.values = make([]float64, total)
	m.grads = make([]float64, total)

	rng := rand.New(rand.NewSource(seed))
	offset := 0
	for _, l := range layers {
		n := l.c.out * l.c.in * kernel * kernel
		l.c.weight = &Parameter{
			Name:  l.name + ".weight",
			Shape: []int{l.c.out, l.c.in, kernel, kernel},
			Value: m.values[offset : offset+n : offset+n],
			Grad:  m.grads[offset : offset+n : offset+n],
		}
		std := math.Sqrt(2.0 / float64(kernel*kernel*l.c.out))
		for i := range l.c.weight.Value {
			l.c.weight.Value[i] = rng.NormFloat64() * std
		}
		offset += n
		l.c.bias = &Parameter{
			Name:  l.name + ".bias",
			Shape: []int{l.c.out},
			Value: m.values[offset : offset+l.c.out : offset+l.c.out],
			Grad:  m.grads[offset : offset+l.c.out : offset+l.c.out],
		}
		offset += l.c.out
		m.params = append(m.params, l.c.weight, l.c.bias)
	}
	return m, nil
}

// Architecture returns the configuration the network was built from.
func (m *SRNet) Architecture() Config {
	return m.cfg
}

// Parameters returns the trainable tensors in a fixed order.
func (m *SRNet) Parameters() []*Parameter {
	return m.params
}

// SetTraining toggles activation caching for Backward.
func (m *SRNet) SetTraining(training bool) {
	m.training = training
	if !training {
		m.last = nil
		m.caches = nil
	}
}

// SetWorkers sets how many goroutines share the samples of a batch.
func (m *SRNet) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	m.workers = n
}

// Forward runs the network on an [N,1,H,W] batch.
func (m *SRNet) Forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	if in == nil || len(in.Shape) != 4 || in.Shape[1] != 1 || in.Shape[2] <= 0 || in.Shape[3] <= 0 {
		return nil, fmt.Errorf("%w: want [N,1,H,W], got %v", ErrShape, in)
	}
	n, h, w := in.Shape[0], in.Shape[2], in.Shape[3]
	out := tensor.New(n, 1, h, w)
	var caches []sampleCache
	if m.training {
		caches = make([]sampleCache, n)
	}
	m.parallel(n, func(i int) {
		var cache *sampleCache
		if caches != nil {
			cache = &caches[i]
		}
		m.forwardSample(out.Sample(i), in.Sample(i), h, w, cache)
	})
	if m.training {
		m.last = in
		m.caches = caches
	}
	return out, nil
}

func (m *SRNet) forwardSample(dst, x []float64, h, w int, cache *sampleCache) {
	plane := h * w
	f := m.cfg.Features
	trunk := make([]float64, f*plane)
	m.convIn.forward(trunk, x, h, w)
	relu(trunk, trunk)

	act := make([]float64, f*plane)
	inner := make([]float64, f*plane)
	res := make([]float64, f*plane)
	for u := 0; u < m.cfg.Units; u++ {
		if cache != nil {
			cache.trunk = append(cache.trunk, trunk)
		}
		relu(act, trunk)
		m.convA.forward(inner, act, h, w)
		if cache != nil {
			cache.inner = append(cache.inner, append([]float64(nil), inner...))
		}
		relu(inner, inner)
		m.convB.forward(res, inner, h, w)
		next := make([]float64, f*plane)
		floats.AddTo(next, trunk, res)
		trunk = next
	}
	if cache != nil {
		cache.trunk = append(cache.trunk, trunk)
	}
	relu(act, trunk)
	m.convOut.forward(dst, act, h, w)
	floats.Add(dst, x)
}

// Backward accumulates gradients for the last training-mode Forward call.
// Per-sample gradients are reduced in sample order, so the result does not
// depend on the worker count.
func (m *SRNet) Backward(gradOut *tensor.Tensor) error {
	if !m.training {
		return ErrNotTraining
	}
	if m.last == nil {
		return ErrNoForward
	}
	if !gradOut.SameShape(m.last) {
		return fmt.Errorf("%w: gradient %v does not match output %v", ErrShape, gradOut, m.last)
	}
	n, h, w := m.last.Shape[0], m.last.Shape[2], m.last.Shape[3]
	sampleGrads := make([][]float64, n)
	m.parallel(n, func(i int) {
		g := make([]float64, len(m.grads))
		m.backwardSample(g, gradOut.Sample(i), m.last.Sample(i), &m.caches[i], h, w)
		sampleGrads[i] = g
	})
	for _, g := range sampleGrads {
		floats.Add(m.grads, g)
	}
	return nil
}

func (m *SRNet) backwardSample(grads, gy, x []float64, cache *sampleCache, h, w int) {
	plane := h * w
	f := m.cfg.Features
	view := func(p *Parameter) []float64 {
		off := m.offsetOf(p)
		return grads[off : off+len(p.Value)]
	}

	act := make([]float64, f*plane)
	gTrunk := make([]float64, f*plane)
	top := cache.trunk[m.cfg.Units]
	relu(act, top)
	m.convOut.backward(gTrunk, view(m.convOut.weight), view(m.convOut.bias), gy, act, h, w)
	reluMask(gTrunk, top)

	gInner := make([]float64, f*plane)
	gAct := make([]float64, f*plane)
	q := make([]float64, f*plane)
	for u := m.cfg.Units - 1; u >= 0; u-- {
		p := cache.inner[u]
		relu(q, p)
		zero(gInner)
		m.convB.backward(gInner, view(m.convB.weight), view(m.convB.bias), gTrunk, q, h, w)
		reluMask(gInner, p)

		trunk := cache.trunk[u]
		relu(act, trunk)
		zero(gAct)
		m.convA.backward(gAct, view(m.convA.weight), view(m.convA.bias), gInner, act, h, w)
		reluMask(gAct, trunk)
		floats.Add(gTrunk, gAct)
	}

	// trunk[0] is relu(convIn(x)); a positive value implies a positive pre-activation.
	var base []float64
	if m.cfg.Units > 0 {
		base = cache.trunk[0]
	} else {
		base = top
	}
	reluMask(gTrunk, base)
	m.convIn.backward(nil, view(m.convIn.weight), view(m.convIn.bias), gTrunk, x, h, w)
}

func (m *SRNet) offsetOf(p *Parameter) int {
	off := 0
	for _, q := range m.params {
		if q == p {
			return off
		}
		off += len(q.Value)
	}
	panic("model: unknown parameter " + p.Name)
}

func (m *SRNet) parallel(n int, fn func(i int)) {
	workers := m.workers
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	jobs := make(chan int, workers)
	var wg sync.WaitGroup
	for k := 0; k < workers; k++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

func zero(s []float64) {
	for i := range s {
		s[i] = 0
	}
}
