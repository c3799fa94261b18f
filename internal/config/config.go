package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Checkpoint policies.
const (
	// PolicyThreshold saves whenever val loss is below the fixed best_loss.
	PolicyThreshold = "threshold"
	// PolicyBest tightens best_loss to every saved val loss.
	PolicyBest = "best"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainRoot string `yaml:"train_root"`
	ValRoot   string `yaml:"val_root"`
	TestRoot  string `yaml:"test_root"`

	Epochs       int     `yaml:"epochs"`
	LR           float64 `yaml:"lr"`
	WeightDecay  float64 `yaml:"weight_decay"`
	BatchSize    int     `yaml:"batch_size"`
	MinBatchSize int     `yaml:"min_batch_size"`
	NumWorkers   int     `yaml:"num_workers"`
	Seed         int64   `yaml:"seed"`
	LogEvery     int     `yaml:"log_every"`
	Shuffle      bool    `yaml:"shuffle"`

	NumClasses  int     `yaml:"num_classes"`
	FeatureGrid int     `yaml:"feature_grid"`
	Hidden      int     `yaml:"hidden"`
	Dropout     float64 `yaml:"dropout"`
	Device      string  `yaml:"device"`

	CheckpointPath   string  `yaml:"checkpoint_path"`
	CheckpointPolicy string  `yaml:"checkpoint_policy"`
	BestLoss         float64 `yaml:"best_loss"`
	SchedulerStep    bool    `yaml:"scheduler_step"`
	Resume           bool    `yaml:"resume"`
	PlotPath         string  `yaml:"plot_path"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainRoot      string
	ValRoot        string
	TestRoot       string
	Epochs         int
	LR             float64
	BatchSize      int
	NumWorkers     int
	Seed           int64
	LogEvery       int
	Device         string
	CheckpointPath string
	PlotPath       string
	Resume         bool
}

// Default returns a config with every default applied and no data roots.
func Default() *Config {
	return &Config{
		Epochs:           30,
		LR:               0.001,
		WeightDecay:      1e-4,
		BatchSize:        64,
		MinBatchSize:     5,
		NumWorkers:       2,
		LogEvery:         300,
		NumClasses:       10,
		FeatureGrid:      16,
		Hidden:           128,
		Dropout:          0.2,
		Device:           "cpu",
		CheckpointPath:   "SKNET.pt",
		CheckpointPolicy: PolicyThreshold,
		BestLoss:         1.0,
	}
}

// Load reads and validates a Config from YAML. Keys absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.TrainRoot != "" {
		c.TrainRoot = o.TrainRoot
	}
	if o.ValRoot != "" {
		c.ValRoot = o.ValRoot
	}
	if o.TestRoot != "" {
		c.TestRoot = o.TestRoot
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.LR > 0 {
		c.LR = o.LR
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.CheckpointPath != "" {
		c.CheckpointPath = o.CheckpointPath
	}
	if o.PlotPath != "" {
		c.PlotPath = o.PlotPath
	}
	if o.Resume {
		c.Resume = true
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TrainRoot == "" || c.ValRoot == "" {
		return errors.New("train_root and val_root must be set")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be >= 0 (got %g)", c.WeightDecay)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.MinBatchSize < 1 {
		return fmt.Errorf("min_batch_size must be >= 1 (got %d)", c.MinBatchSize)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.NumClasses < 2 {
		return fmt.Errorf("num_classes must be >= 2 (got %d)", c.NumClasses)
	}
	if c.FeatureGrid <= 0 {
		return fmt.Errorf("feature_grid must be > 0 (got %d)", c.FeatureGrid)
	}
	if c.Hidden < 0 {
		return fmt.Errorf("hidden must be >= 0 (got %d)", c.Hidden)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1) (got %g)", c.Dropout)
	}
	switch c.CheckpointPolicy {
	case "":
		c.CheckpointPolicy = PolicyThreshold
	case PolicyThreshold, PolicyBest:
	default:
		return fmt.Errorf("unknown checkpoint_policy %q", c.CheckpointPolicy)
	}
	if c.CheckpointPath == "" {
		c.CheckpointPath = "SKNET.pt"
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 300
	}
	return nil
}
