package trainer

import (
	"errors"
	"fmt"

	"drrn-forge/internal/checkpoint"
	"drrn-forge/internal/model"
)

// Restore applies the configured resume checkpoint or pretrained weights to
// tc.Model and returns the first epoch to train.
//
// A resume checkpoint restores weights and the data seed and continues at
// its epoch + 1. When it is applied, a pretrained path is ignored. Pretrained weights alone keep
// the configured start epoch. Missing files are logged and skipped. The
// optimizer is not touched; callers build it after Restore.
func Restore(tc *TrainingContext) (int, error) {
	cfg := tc.Config
	start := cfg.StartEpoch
	resumed := false

	if path := cfg.Resume; path != "" {
		ckpt, err := loadInto(tc.Model, path)
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			tc.logf("===> no checkpoint found at %s", path)
		case err != nil:
			return 0, fmt.Errorf("resume: %w", err)
		default:
			tc.logf("===> loaded checkpoint: %s (epoch %d, run %s)", path, ckpt.Epoch, ckpt.RunID)
			start = ckpt.Epoch + 1
			resumed = true
			if ckpt.Seed != 0 {
				tc.Seed = ckpt.Seed
				tc.logf("===> reusing data seed %d from %s", ckpt.Seed, path)
			}
		}
	}

	if path := cfg.Pretrained; path != "" {
		if resumed {
			tc.logf("===> skipping pretrained model %s: resumed from %s", path, cfg.Resume)
		} else {
			_, err := loadInto(tc.Model, path)
			switch {
			case errors.Is(err, checkpoint.ErrNotFound):
				tc.logf("===> no model found at %s", path)
			case err != nil:
				return 0, fmt.Errorf("pretrained: %w", err)
			default:
				tc.logf("===> load model %s", path)
			}
		}
	}

	tc.Epoch = start - 1
	return start, nil
}

func loadInto(m model.Model, path string) (*checkpoint.Checkpoint, error) {
	ckpt, err := checkpoint.Load(path)
	if err != nil {
		return nil, err
	}
	if ckpt.Arch != m.Architecture() {
		return nil, fmt.Errorf("%s: architecture %+v does not match model %+v", path, ckpt.Arch, m.Architecture())
	}
	if err := model.LoadState(m, ckpt.State); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ckpt, nil
}
