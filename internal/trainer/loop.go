package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"drrn-forge/internal/dataset"
	"drrn-forge/internal/metrics"
	"drrn-forge/internal/optim"
	"drrn-forge/internal/schedule"
)

// Run trains epochs start through end inclusive and checkpoints after each
// one. Any failure aborts the run; the epoch in progress is not saved.
func Run(ctx context.Context, tc *TrainingContext, data dataset.Provider, start, end int) error {
	if err := tc.validate(); err != nil {
		return err
	}
	if data == nil {
		return errors.New("trainer: dataset provider is required")
	}
	tc.logf("===> run %s: epochs %d-%d, seed %d", tc.RunID, start, end, tc.Seed)
	for epoch := start; epoch <= end; epoch++ {
		if err := runEpoch(ctx, tc, data, epoch); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		path, err := tc.Checkpoints.Save(epoch, tc.Model)
		if err != nil {
			return fmt.Errorf("epoch %d: save checkpoint: %w", epoch, err)
		}
		tc.Epoch = epoch
		tc.logf("Checkpoint saved to %s", path)
	}
	return nil
}

func runEpoch(ctx context.Context, tc *TrainingContext, data dataset.Provider, epoch int) error {
	cfg := tc.Config
	lr := schedule.StepDecay(cfg.LR, cfg.Step, epoch-1)
	tc.logf("Epoch=%d, lr=%v", epoch, lr)

	tc.Model.SetTraining(true)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := data.Batches(ctx, epoch)
	total := data.NumBatches()

	logEvery := cfg.LogEvery
	if logEvery <= 0 {
		logEvery = 100
	}

	var window metrics.Window
	iteration := 0
	startData := time.Now()
	for batch := range batches {
		iteration++
		dataTime := time.Since(startData)

		startCompute := time.Now()
		value, err := step(tc, batch, lr)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", iteration, err)
		}
		window.Record(batch.Input.Dim(0), dataTime, time.Since(startCompute), value)

		if iteration%logEvery == 0 {
			snap := window.Snapshot()
			tc.logf("===> %s Epoch[%d](%d/%d): Loss: %.10f patches_per_sec=%.1f data_ms=%.2f compute_ms=%.2f mean_loss=%.6f",
				time.Now().Format(time.ANSIC),
				epoch,
				iteration,
				total,
				value,
				snap.PatchesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.MeanLoss,
			)
		}
		startData = time.Now()
	}
	if err, ok := <-errs; ok && err != nil {
		return err
	}
	return ctx.Err()
}

// step runs forward, loss, backward, clipping and the update for one batch.
func step(tc *TrainingContext, batch dataset.Batch, lr float64) (float64, error) {
	input := tc.Device.Place(batch.Input)
	target := tc.Device.Place(batch.Target)

	pred, err := tc.Model.Forward(input)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	value, grad, err := tc.Criterion.Evaluate(pred, target)
	if err != nil {
		return 0, fmt.Errorf("loss: %w", err)
	}
	tc.Optimizer.ZeroGrad()
	if err := tc.Model.Backward(grad); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	// The bound is clip/lr; a rate decayed to zero leaves nothing to clip.
	if lr > 0 {
		optim.ClipGradNorm(tc.Model.Parameters(), tc.Config.Clip/lr)
	}
	if err := tc.Optimizer.Step(lr); err != nil {
		return 0, fmt.Errorf("update: %w", err)
	}
	return value, nil
}
