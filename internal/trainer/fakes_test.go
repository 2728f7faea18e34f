package trainer

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math"

	"drrn-forge/internal/config"
	"drrn-forge/internal/dataset"
	"drrn-forge/internal/loss"
	"drrn-forge/internal/model"
	"drrn-forge/internal/tensor"
)

type callLog struct {
	calls []string
}

func (c *callLog) add(name string) {
	c.calls = append(c.calls, name)
}

type fakeModel struct {
	log      *callLog
	params   []*model.Parameter
	training bool
	gradFill float64
	failAt   int
	forwards int
}

func newFakeModel(log *callLog) *fakeModel {
	p := &model.Parameter{Name: "w", Shape: []int{4}, Value: make([]float64, 4), Grad: make([]float64, 4)}
	return &fakeModel{log: log, params: []*model.Parameter{p}, gradFill: 1}
}

func (m *fakeModel) Forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	m.forwards++
	if m.failAt > 0 && m.forwards == m.failAt {
		return nil, fmt.Errorf("%w: injected", model.ErrShape)
	}
	m.log.add("forward")
	return in.Clone(), nil
}

func (m *fakeModel) Backward(grad *tensor.Tensor) error {
	m.log.add("backward")
	for _, p := range m.params {
		for i := range p.Grad {
			p.Grad[i] += m.gradFill
		}
	}
	return nil
}

func (m *fakeModel) Parameters() []*model.Parameter { return m.params }

func (m *fakeModel) SetTraining(training bool) {
	m.training = training
	m.log.add(fmt.Sprintf("train=%v", training))
}

func (m *fakeModel) Architecture() model.Config { return model.Config{Features: 1} }

type fakeOptimizer struct {
	log    *callLog
	params []*model.Parameter
	rates  []float64
	norms  []float64
}

func (o *fakeOptimizer) ZeroGrad() {
	o.log.add("zero")
	for _, p := range o.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func (o *fakeOptimizer) Step(lr float64) error {
	o.log.add("step")
	o.rates = append(o.rates, lr)
	sum := 0.0
	for _, p := range o.params {
		for _, g := range p.Grad {
			sum += g * g
		}
	}
	o.norms = append(o.norms, math.Sqrt(sum))
	return nil
}

type fakeProvider struct {
	batches int
	size    int
	epochs  []int
}

func (p *fakeProvider) NumBatches() int { return p.batches }

func (p *fakeProvider) Batches(ctx context.Context, epoch int) (<-chan dataset.Batch, <-chan error) {
	p.epochs = append(p.epochs, epoch)
	out := make(chan dataset.Batch)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for i := 1; i <= p.batches; i++ {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}
			b := dataset.Batch{Index: i, Input: tensor.New(p.size, 1, 2, 2), Target: tensor.New(p.size, 1, 2, 2)}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- b:
			}
		}
	}()
	return out, errCh
}

type fakeSaver struct {
	epochs []int
	err    error
}

func (s *fakeSaver) Save(epoch int, m model.Model) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.epochs = append(s.epochs, epoch)
	return fmt.Sprintf("mem/model_epoch_%d.pth", epoch), nil
}

type harness struct {
	tc    *TrainingContext
	calls *callLog
	model *fakeModel
	opt   *fakeOptimizer
	saver *fakeSaver
	out   *bytes.Buffer
}

func newHarness() *harness {
	calls := &callLog{}
	m := newFakeModel(calls)
	opt := &fakeOptimizer{log: calls, params: m.params}
	saver := &fakeSaver{}
	out := &bytes.Buffer{}
	cfg := config.Default()
	return &harness{
		tc: &TrainingContext{
			Config:      cfg,
			Model:       m,
			Optimizer:   opt,
			Criterion:   loss.SumSquared{},
			Checkpoints: saver,
			Logger:      log.New(out, "", 0),
		},
		calls: calls,
		model: m,
		opt:   opt,
		saver: saver,
		out:   out,
	}
}
