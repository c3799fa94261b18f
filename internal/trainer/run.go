package trainer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"

	"sknet-train/internal/checkpoint"
	"sknet-train/internal/dataset"
	"sknet-train/internal/device"
	"sknet-train/internal/metrics"
	"sknet-train/internal/model"
)

// RunConfig captures everything the CLI needs for an end to end run.
type RunConfig struct {
	// Shards per split; "train" and "val" are required, "test" is optional.
	Shards      map[string][]string
	BatchSize   int
	NumWorkers  int
	Seed        int64
	Shuffle     bool
	NumClasses  int
	FeatureGrid int
	Hidden      int
	Dropout     float64
	Device      string
	Resume      bool
	PlotPath    string
	Train       Options
}

// Run loads the datasets, builds the model, trains it, evaluates the test
// split if present and renders the loss plot.
func Run(ctx context.Context, cfg RunConfig) error {
	logger := log.Default()
	if cfg.BatchSize <= 0 {
		return errors.New("trainer: batch size must be > 0")
	}
	if len(cfg.Shards["train"]) == 0 || len(cfg.Shards["val"]) == 0 {
		return errors.New("trainer: train and val shards are required")
	}

	dev, err := device.Parse(cfg.Device)
	if err != nil {
		return err
	}
	logger.Print(dev.Describe())

	trainLoader, err := loadSplit(ctx, "train", cfg, cfg.Shuffle, logger)
	if err != nil {
		return err
	}
	valLoader, err := loadSplit(ctx, "val", cfg, false, logger)
	if err != nil {
		return err
	}

	mdl, err := buildModel(cfg)
	if err != nil {
		return err
	}
	if cfg.Resume {
		if err := resume(mdl, cfg.Train.CheckpointPath, logger); err != nil {
			return err
		}
	}

	res, err := Train(ctx, mdl, dev, trainLoader, valLoader, cfg.Train, logger)
	if err != nil {
		return err
	}

	if len(cfg.Shards["test"]) > 0 {
		testLoader, err := loadSplit(ctx, "test", cfg, false, logger)
		if err != nil {
			return err
		}
		if _, err := Test(ctx, mdl, dev, testLoader, logger); err != nil {
			return err
		}
	}

	if cfg.PlotPath != "" {
		if err := metrics.SavePlot(res.Plot, cfg.PlotPath); err != nil {
			return err
		}
		logger.Printf("loss plot written path=%s", cfg.PlotPath)
	}
	return nil
}

func loadSplit(ctx context.Context, split string, cfg RunConfig, shuffle bool, logger *log.Logger) (*dataset.Loader, error) {
	examples, stats, err := dataset.LoadShards(ctx, dataset.LoadOptions{
		Shards:      cfg.Shards[split],
		NumWorkers:  cfg.NumWorkers,
		FeatureGrid: cfg.FeatureGrid,
		NumClasses:  cfg.NumClasses,
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", split, err)
	}
	logger.Printf("split=%s shards=%d samples=%d undecodable=%d", split, stats.Shards, stats.Samples, stats.Undecodable)
	loader, err := dataset.NewLoader(examples, dataset.LoaderOptions{
		BatchSize: cfg.BatchSize,
		Shuffle:   shuffle,
		Seed:      cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", split, err)
	}
	return loader, nil
}

func buildModel(cfg RunConfig) (model.Model, error) {
	inputSize := cfg.FeatureGrid * cfg.FeatureGrid
	if cfg.Hidden == 0 {
		return model.NewLinear(inputSize, cfg.NumClasses, cfg.Seed), nil
	}
	return model.NewMLP(model.MLPConfig{
		InputSize:  inputSize,
		HiddenSize: cfg.Hidden,
		NumClasses: cfg.NumClasses,
		Dropout:    cfg.Dropout,
		Seed:       cfg.Seed,
	})
}

func resume(m model.Model, path string, logger *log.Logger) error {
	if path == "" {
		path = "SKNET.pt"
	}
	snap, err := checkpoint.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Printf("no checkpoint at %s, starting fresh", path)
		return nil
	}
	if err != nil {
		return err
	}
	if err := checkpoint.Restore(m, snap); err != nil {
		return err
	}
	logger.Printf("resumed from path=%s run=%s epoch=%d val_loss=%.6f", path, snap.RunID, snap.Epoch, snap.ValLoss)
	return nil
}
