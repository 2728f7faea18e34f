package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"drrn-forge/internal/model"
)

// Config captures the hyperparameters and paths of a training run.
type Config struct {
	DataPath      string  `yaml:"data_path"`
	CheckpointDir string  `yaml:"checkpoint_dir"`
	BatchSize     int     `yaml:"batch_size"`
	Epochs        int     `yaml:"epochs"`
	LR            float64 `yaml:"lr"`
	Step          int     `yaml:"step"`
	Momentum      float64 `yaml:"momentum"`
	WeightDecay   float64 `yaml:"weight_decay"`
	Clip          float64 `yaml:"clip"`
	StartEpoch    int     `yaml:"start_epoch"`
	Threads       int     `yaml:"threads"`
	Accelerate    bool    `yaml:"accelerate"`
	Resume        string  `yaml:"resume"`
	Pretrained    string  `yaml:"pretrained"`
	KeepLast      int     `yaml:"keep_last"`
	LogEvery      int     `yaml:"log_every"`
	Features      int     `yaml:"features"`
	Units         int     `yaml:"units"`
}

// Overrides captures CLI supplied values. Zero values mean "not set" except
// for the pointer fields, whose zero is a legal setting.
type Overrides struct {
	DataPath      string
	CheckpointDir string
	BatchSize     int
	Epochs        int
	LR            float64
	Step          *int
	Momentum      *float64
	WeightDecay   *float64
	Clip          float64
	StartEpoch    int
	Threads       int
	Accelerate    bool
	Resume        string
	Pretrained    string
	KeepLast      *int
	LogEvery      int
}

// Default returns the stock DRRN training recipe.
func Default() *Config {
	arch := model.DefaultConfig()
	return &Config{
		DataPath:      "data/train_291_32_x234",
		CheckpointDir: "model",
		BatchSize:     128,
		Epochs:        50,
		LR:            0.1,
		Step:          5,
		Momentum:      0.9,
		WeightDecay:   1e-4,
		Clip:          0.01,
		StartEpoch:    1,
		Threads:       1,
		LogEvery:      100,
		Features:      arch.Features,
		Units:         arch.Units,
	}
}

// Load reads and validates a Config from YAML. Keys missing from the file
// keep their Default value. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero or non-nil override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataPath != "" {
		c.DataPath = o.DataPath
	}
	if o.CheckpointDir != "" {
		c.CheckpointDir = o.CheckpointDir
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.LR > 0 {
		c.LR = o.LR
	}
	if o.Step != nil {
		c.Step = *o.Step
	}
	if o.Momentum != nil {
		c.Momentum = *o.Momentum
	}
	if o.WeightDecay != nil {
		c.WeightDecay = *o.WeightDecay
	}
	if o.Clip > 0 {
		c.Clip = o.Clip
	}
	if o.StartEpoch > 0 {
		c.StartEpoch = o.StartEpoch
	}
	if o.Threads > 0 {
		c.Threads = o.Threads
	}
	if o.Accelerate {
		c.Accelerate = true
	}
	if o.Resume != "" {
		c.Resume = o.Resume
	}
	if o.Pretrained != "" {
		c.Pretrained = o.Pretrained
	}
	if o.KeepLast != nil {
		c.KeepLast = *o.KeepLast
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataPath == "" {
		return errors.New("data_path must be set")
	}
	if c.CheckpointDir == "" {
		return errors.New("checkpoint_dir must be set")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if !(c.LR > 0) {
		return fmt.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.Step < 0 {
		return fmt.Errorf("step must be >= 0 (got %d)", c.Step)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1) (got %g)", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be >= 0 (got %g)", c.WeightDecay)
	}
	if !(c.Clip > 0) {
		return fmt.Errorf("clip must be > 0 (got %g)", c.Clip)
	}
	if c.StartEpoch < 1 {
		return fmt.Errorf("start_epoch must be >= 1 (got %d)", c.StartEpoch)
	}
	if c.Threads <= 0 {
		return fmt.Errorf("threads must be > 0 (got %d)", c.Threads)
	}
	if c.KeepLast < 0 {
		return fmt.Errorf("keep_last must be >= 0 (got %d)", c.KeepLast)
	}
	if c.Features <= 0 {
		return fmt.Errorf("features must be > 0 (got %d)", c.Features)
	}
	if c.Units < 0 {
		return fmt.Errorf("units must be >= 0 (got %d)", c.Units)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 100
	}
	return nil
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: missing ':'", lineNo)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, "\"'")
		var err error
		switch key {
		case "data_path":
			cfg.DataPath = value
		case "checkpoint_dir":
			cfg.CheckpointDir = value
		case "resume":
			cfg.Resume = value
		case "pretrained":
			cfg.Pretrained = value
		case "batch_size":
			cfg.BatchSize, err = strconv.Atoi(value)
		case "epochs":
			cfg.Epochs, err = strconv.Atoi(value)
		case "step":
			cfg.Step, err = strconv.Atoi(value)
		case "start_epoch":
			cfg.StartEpoch, err = strconv.Atoi(value)
		case "threads":
			cfg.Threads, err = strconv.Atoi(value)
		case "keep_last":
			cfg.KeepLast, err = strconv.Atoi(value)
		case "log_every":
			cfg.LogEvery, err = strconv.Atoi(value)
		case "features":
			cfg.Features, err = strconv.Atoi(value)
		case "units":
			cfg.Units, err = strconv.Atoi(value)
		case "lr":
			cfg.LR, err = strconv.ParseFloat(value, 64)
		case "momentum":
			cfg.Momentum, err = strconv.ParseFloat(value, 64)
		case "weight_decay":
			cfg.WeightDecay, err = strconv.ParseFloat(value, 64)
		case "clip":
			cfg.Clip, err = strconv.ParseFloat(value, 64)
		case "accelerate":
			cfg.Accelerate, err = strconv.ParseBool(value)
		default:
			return nil, fmt.Errorf("line %d: unknown key %s", lineNo, key)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", lineNo, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}
