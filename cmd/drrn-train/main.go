package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"drrn-forge/internal/checkpoint"
	"drrn-forge/internal/config"
	"drrn-forge/internal/dataset"
	"drrn-forge/internal/device"
	"drrn-forge/internal/loss"
	"drrn-forge/internal/model"
	"drrn-forge/internal/optim"
	"drrn-forge/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (built-in defaults when empty)")
	dataPath := flag.String("data", "", "Override patch archive path")
	checkpointDir := flag.String("checkpoint-dir", "", "Override checkpoint directory")
	batchSize := flag.Int("batch-size", 0, "Training batch size")
	epochs := flag.Int("epochs", 0, "Number of epochs to train for")
	lr := flag.Float64("lr", 0, "Base learning rate")
	step := flag.Int("step", 0, "Halve the learning rate every n epochs")
	accelerate := flag.Bool("accelerate", false, "Use the accelerated multi-core device")
	resume := flag.String("resume", "", "Path to checkpoint to resume from")
	startEpoch := flag.Int("start-epoch", 0, "Manual epoch number (useful on restarts)")
	clip := flag.Float64("clip", 0, "Gradient clipping threshold, divided by the current lr")
	threads := flag.Int("threads", 0, "Number of data loader workers")
	momentum := flag.Float64("momentum", 0, "SGD momentum")
	weightDecay := flag.Float64("weight-decay", 0, "SGD weight decay")
	pretrained := flag.String("pretrained", "", "Path to pretrained model weights")
	keepLast := flag.Int("keep-last", 0, "Keep only the newest n checkpoints (0 keeps all)")
	logEvery := flag.Int("log-every", 0, "Log every N iterations")

	flag.Parse()

	// Zero is a meaningful value for these flags, so only pass them on when
	// they were given.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var stepOverride, keepLastOverride *int
	var momentumOverride, weightDecayOverride *float64
	if set["step"] {
		stepOverride = step
	}
	if set["keep-last"] {
		keepLastOverride = keepLast
	}
	if set["momentum"] {
		momentumOverride = momentum
	}
	if set["weight-decay"] {
		weightDecayOverride = weightDecay
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		DataPath:      *dataPath,
		CheckpointDir: *checkpointDir,
		BatchSize:     *batchSize,
		Epochs:        *epochs,
		LR:            *lr,
		Step:          stepOverride,
		Momentum:      momentumOverride,
		WeightDecay:   weightDecayOverride,
		Clip:          *clip,
		StartEpoch:    *startEpoch,
		Threads:       *threads,
		Accelerate:    *accelerate,
		Resume:        *resume,
		Pretrained:    *pretrained,
		KeepLast:      keepLastOverride,
		LogEvery:      *logEvery,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	log.Printf("config: %+v", *cfg)

	dev, err := device.Select(cfg.Accelerate)
	if err != nil {
		log.Fatalf("%v, please run without -accelerate", err)
	}

	seed := rand.Int63n(10000) + 1
	log.Printf("Random Seed: %d", seed)
	runID := uuid.New().String()
	log.Printf("run=%s", runID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("===> Loading datasets")
	data, err := dataset.Open(ctx, dataset.Options{
		Path:       cfg.DataPath,
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.Threads,
		Seed:       seed,
	})
	if err != nil {
		log.Fatalf("load dataset %s: %v", cfg.DataPath, err)
	}
	h, w := data.PatchSize()
	log.Printf("patches=%d size=%dx%d batches=%d", data.Len(), h, w, data.NumBatches())

	log.Printf("===> Building model")
	net, err := model.NewSRNet(model.Config{Features: cfg.Features, Units: cfg.Units}, seed)
	if err != nil {
		log.Fatalf("build model: %v", err)
	}

	log.Printf("===> Setting device: %s", dev)
	net.SetWorkers(dev.Workers)

	checkpoints := checkpoint.NewManager(cfg.CheckpointDir, cfg.KeepLast, runID)
	tc := &trainer.TrainingContext{
		Config:      cfg,
		Model:       net,
		Criterion:   loss.SumSquared{},
		Device:      dev,
		Checkpoints: checkpoints,
		Logger:      log.Default(),
		RunID:       runID,
		Seed:        seed,
	}

	start, err := trainer.Restore(tc)
	if err != nil {
		log.Fatalf("restore: %v", err)
	}
	data.Reseed(tc.Seed)
	checkpoints.Seed = tc.Seed

	log.Printf("===> Setting Optimizer")
	tc.Optimizer = optim.NewSGD(net.Parameters(), cfg.Momentum, cfg.WeightDecay)

	log.Printf("===> Training")
	if err := trainer.Run(ctx, tc, data, start, cfg.Epochs); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}
