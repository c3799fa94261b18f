package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sknet-train/internal/config"
	"sknet-train/internal/dataset"
	"sknet-train/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/demo.yaml", "Path to YAML config")
	trainRoot := flag.String("train-root", "", "Override training shard root")
	valRoot := flag.String("val-root", "", "Override validation shard root")
	testRoot := flag.String("test-root", "", "Override test shard root")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	lr := flag.Float64("lr", 0, "Initial learning rate")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of shard decoding workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log running loss every N batches")
	dev := flag.String("device", "", "Compute device")
	ckptPath := flag.String("checkpoint", "", "Checkpoint file path")
	plotPath := flag.String("plot", "", "Write the loss plot to this file (.png, .svg, .pdf)")
	resume := flag.Bool("resume", false, "Load parameters from the checkpoint before training")

	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		TrainRoot:      *trainRoot,
		ValRoot:        *valRoot,
		TestRoot:       *testRoot,
		Epochs:         *epochs,
		LR:             *lr,
		BatchSize:      *batchSize,
		NumWorkers:     *numWorkers,
		Seed:           *seed,
		LogEvery:       *logEvery,
		Device:         *dev,
		CheckpointPath: *ckptPath,
		PlotPath:       *plotPath,
		Resume:         *resume,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	roots := map[string]string{"train": cfg.TrainRoot, "val": cfg.ValRoot}
	if cfg.TestRoot != "" {
		roots["test"] = cfg.TestRoot
	}
	shards, err := dataset.DiscoverSplits(roots)
	if err != nil {
		log.Fatalf("discover shards: %v", err)
	}
	for split, paths := range shards {
		log.Printf("split=%s root=%s shards=%d", split, roots[split], len(paths))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCfg := trainer.RunConfig{
		Shards:      shards,
		BatchSize:   cfg.BatchSize,
		NumWorkers:  cfg.NumWorkers,
		Seed:        cfg.Seed,
		Shuffle:     cfg.Shuffle,
		NumClasses:  cfg.NumClasses,
		FeatureGrid: cfg.FeatureGrid,
		Hidden:      cfg.Hidden,
		Dropout:     cfg.Dropout,
		Device:      cfg.Device,
		Resume:      cfg.Resume,
		PlotPath:    cfg.PlotPath,
		Train: trainer.Options{
			Epochs:           cfg.Epochs,
			LR:               cfg.LR,
			WeightDecay:      weightDecay(cfg.WeightDecay),
			MinBatchSize:     cfg.MinBatchSize,
			LogEvery:         cfg.LogEvery,
			CheckpointPath:   cfg.CheckpointPath,
			CheckpointPolicy: trainer.CheckpointPolicy(cfg.CheckpointPolicy),
			BestLoss:         cfg.BestLoss,
			SchedulerStep:    cfg.SchedulerStep,
		},
	}

	if err := trainer.Run(ctx, runCfg); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}

// weightDecay maps an explicit zero in the config to the trainer's
// "disabled" value.
func weightDecay(v float64) float64 {
	if v == 0 {
		return -1
	}
	return v
}
