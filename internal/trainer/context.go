package trainer

import (
	"errors"
	"log"

	"drrn-forge/internal/config"
	"drrn-forge/internal/device"
	"drrn-forge/internal/loss"
	"drrn-forge/internal/model"
	"drrn-forge/internal/optim"
)

// Saver persists a completed epoch.
type Saver interface {
	Save(epoch int, m model.Model) (string, error)
}

// TrainingContext carries everything one run mutates or reads. Epoch is the
// last completed epoch. Seed is the data shuffle seed; Restore replaces it
// with the one stored in a resumed checkpoint.
type TrainingContext struct {
	Config      *config.Config
	Model       model.Model
	Optimizer   optim.Optimizer
	Criterion   loss.Criterion
	Device      device.Device
	Checkpoints Saver
	Logger      *log.Logger
	RunID       string
	Seed        int64
	Epoch       int
}

func (tc *TrainingContext) validate() error {
	switch {
	case tc == nil:
		return errors.New("trainer: nil training context")
	case tc.Config == nil:
		return errors.New("trainer: config is required")
	case tc.Model == nil:
		return errors.New("trainer: model is required")
	case tc.Optimizer == nil:
		return errors.New("trainer: optimizer is required")
	case tc.Criterion == nil:
		return errors.New("trainer: criterion is required")
	case tc.Checkpoints == nil:
		return errors.New("trainer: checkpoint saver is required")
	}
	return nil
}

func (tc *TrainingContext) logf(format string, args ...any) {
	if tc.Logger != nil {
		tc.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
