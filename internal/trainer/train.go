package trainer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/plot"

	"sknet-train/internal/checkpoint"
	"sknet-train/internal/device"
	"sknet-train/internal/metrics"
	"sknet-train/internal/model"
	"sknet-train/internal/optim"
)

// ErrEmptyLoader is returned when a loader yields no batches or no examples.
var ErrEmptyLoader = errors.New("trainer: loader is empty")

// Loader yields a fixed sequence of batches.
type Loader interface {
	Len() int
	Batch(i int) (model.Batch, error)
}

// shuffler is implemented by loaders that reorder examples between epochs.
type shuffler interface {
	Shuffle()
}

// CheckpointPolicy decides which epochs past the halfway point persist the
// model.
type CheckpointPolicy string

const (
	// CheckpointThreshold saves every epoch whose val loss is below the
	// fixed BestLoss; the last such epoch wins.
	CheckpointThreshold CheckpointPolicy = "threshold"
	// CheckpointBest saves only on strict improvement over the best val
	// loss saved so far, starting from BestLoss.
	CheckpointBest CheckpointPolicy = "best"
)

// Options captures the knobs of the training loop. Zero values select the
// defaults noted on each field.
type Options struct {
	Epochs      int     // 30
	LR          float64 // 0.001
	WeightDecay float64 // 1e-4; negative disables
	Beta1       float64 // 0.9
	Beta2       float64 // 0.999

	// MinBatchSize drops smaller training batches; 1 disables skipping. 5
	MinBatchSize int
	LogEvery     int // 300

	CheckpointPath   string           // SKNET.pt
	CheckpointPolicy CheckpointPolicy // threshold
	BestLoss         float64          // 1.0

	// SchedulerStep feeds the val loss to ReduceLROnPlateau after every
	// epoch. When false the scheduler is built but never stepped.
	SchedulerStep bool

	RunID string

	validate func(ctx context.Context, m model.Model, dev device.Device, l Loader, c model.Criterion) (float64, float64, error)
}

func (o Options) withDefaults() Options {
	if o.Epochs <= 0 {
		o.Epochs = 30
	}
	if o.LR <= 0 {
		o.LR = 0.001
	}
	switch {
	case o.WeightDecay == 0:
		o.WeightDecay = 1e-4
	case o.WeightDecay < 0:
		o.WeightDecay = 0
	}
	if o.Beta1 == 0 {
		o.Beta1 = 0.9
	}
	if o.Beta2 == 0 {
		o.Beta2 = 0.999
	}
	if o.MinBatchSize <= 0 {
		o.MinBatchSize = 5
	}
	if o.LogEvery <= 0 {
		o.LogEvery = 300
	}
	if o.CheckpointPath == "" {
		o.CheckpointPath = "SKNET.pt"
	}
	if o.CheckpointPolicy == "" {
		o.CheckpointPolicy = CheckpointThreshold
	}
	if o.BestLoss == 0 {
		o.BestLoss = 1.0
	}
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.validate == nil {
		o.validate = Val
	}
	return o
}

// EpochStats summarizes one epoch.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	ValAcc    float64
	Skipped   int
	LR        float64
	Duration  time.Duration
}

// Result is what Train hands back besides the mutated model.
type Result struct {
	RunID   string
	Epochs  []EpochStats
	History metrics.History
	// SavedEpochs lists the 1-based epochs that wrote a checkpoint.
	SavedEpochs []int
	// Plot holds the train/val loss curves; rendering it is up to the caller.
	Plot    *plot.Plot
	FinalLR float64
	Elapsed time.Duration
}

// Train runs opts.Epochs passes over trainLoader, validating on valLoader
// after each pass. The model is updated in place.
func Train(ctx context.Context, m model.Model, dev device.Device, trainLoader, valLoader Loader, opts Options, logger *log.Logger) (*Result, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	numBatches := trainLoader.Len()
	if numBatches == 0 {
		return nil, fmt.Errorf("train: %w", ErrEmptyLoader)
	}
	switch opts.CheckpointPolicy {
	case CheckpointThreshold, CheckpointBest:
	default:
		return nil, fmt.Errorf("train: unknown checkpoint policy %q", opts.CheckpointPolicy)
	}

	criterion := model.CrossEntropy{}
	opt := optim.NewAdam(m.Params(), optim.AdamConfig{
		LR:          opts.LR,
		Beta1:       opts.Beta1,
		Beta2:       opts.Beta2,
		WeightDecay: opts.WeightDecay,
	})
	scheduler := optim.NewReduceLROnPlateau(opt, optim.PlateauConfig{Patience: 1, Factor: 0.5, Verbose: true}, logger)
	bestLoss := opts.BestLoss

	res := &Result{RunID: opts.RunID}
	start := time.Now()
	logger.Printf("training started at=%s run=%s epochs=%d batches=%d", start.Format("15:04:05"), opts.RunID, opts.Epochs, numBatches)

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		epochStart := time.Now()
		stats, err := trainEpoch(ctx, m, dev, trainLoader, opt, criterion, epoch, opts, logger)
		if err != nil {
			return nil, err
		}

		valAcc, valLoss, err := opts.validate(ctx, m, dev, valLoader, criterion)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: validate: %w", epoch+1, err)
		}
		stats.ValAcc, stats.ValLoss = valAcc, valLoss
		stats.LR = opt.LR()
		stats.Duration = time.Since(epochStart)
		res.History.Append(stats.TrainLoss, valLoss)
		res.Epochs = append(res.Epochs, stats)
		logger.Printf("epoch=%d complete train_loss=%.6f val_loss=%.6f val_acc=%.2f lr=%.2e time=%.2fs",
			epoch+1, stats.TrainLoss, valLoss, valAcc, stats.LR, stats.Duration.Seconds())

		if float64(epoch) > float64(opts.Epochs)/2 && valLoss < bestLoss {
			snap, err := checkpoint.FromModel(m, opts.RunID, epoch+1, valLoss)
			if err != nil {
				return nil, err
			}
			if err := checkpoint.Save(opts.CheckpointPath, snap); err != nil {
				return nil, err
			}
			res.SavedEpochs = append(res.SavedEpochs, epoch+1)
			logger.Printf("model saved epoch=%d val_loss=%.6f path=%s", epoch+1, valLoss, opts.CheckpointPath)
			if opts.CheckpointPolicy == CheckpointBest {
				bestLoss = valLoss
			}
		}

		if opts.SchedulerStep {
			scheduler.Step(valLoss)
		}
	}

	res.Elapsed = time.Since(start)
	res.FinalLR = opt.LR()
	logger.Printf("training finished at=%s total=%.2fs", time.Now().Format("15:04:05"), res.Elapsed.Seconds())

	p, err := res.History.Plot()
	if err != nil {
		return nil, err
	}
	res.Plot = p
	return res, nil
}

func trainEpoch(ctx context.Context, m model.Model, dev device.Device, loader Loader, opt *optim.Adam, criterion model.Criterion, epoch int, opts Options, logger *log.Logger) (EpochStats, error) {
	stats := EpochStats{Epoch: epoch + 1}
	m.SetTraining(true)
	if s, ok := loader.(shuffler); ok {
		s.Shuffle()
	}

	numBatches := loader.Len()
	var window metrics.Window
	epochLoss := 0.0
	for i := 0; i < numBatches; i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch, err := loader.Batch(i)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch+1, i+1, err)
		}
		batch, err = dev.Load(batch)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch+1, i+1, err)
		}
		if batch.Size() < opts.MinBatchSize {
			stats.Skipped++
			continue
		}

		stepStart := time.Now()
		opt.ZeroGrad()
		logits, err := m.Forward(batch.Inputs)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: forward: %w", epoch+1, i+1, err)
		}
		loss, grad, err := criterion.Loss(logits, batch.Labels)
		if err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: %w", epoch+1, i+1, err)
		}
		if err := m.Backward(grad); err != nil {
			return stats, fmt.Errorf("epoch %d batch %d: backward: %w", epoch+1, i+1, err)
		}
		opt.Step()
		window.Record(batch.Size(), time.Since(stepStart), loss)
		epochLoss += loss

		if i != 0 && (i+1)%opts.LogEvery == 0 {
			snap := window.Snapshot()
			logger.Printf("epoch=%d batch=%d loss=%.6f examples_per_sec=%.1f compute_ms=%.2f",
				epoch+1, i+1, snap.LossSum/float64(opts.LogEvery), snap.ExamplesPerSec, snap.AvgComputeMS)
		}
	}

	// Skipped batches still count in the denominator.
	stats.TrainLoss = epochLoss / float64(numBatches)
	return stats, nil
}
