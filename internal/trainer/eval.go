package trainer

import (
	"context"
	"fmt"
	"log"

	"gonum.org/v1/gonum/mat"

	"sknet-train/internal/device"
	"sknet-train/internal/model"
)

// Val runs one inference pass over loader. Accuracy is weighted by example
// while the loss is the plain mean of the per-batch losses.
func Val(ctx context.Context, m model.Model, dev device.Device, loader Loader, criterion model.Criterion) (float64, float64, error) {
	m.SetTraining(false)
	n := loader.Len()
	if n == 0 {
		return 0, 0, fmt.Errorf("val: %w", ErrEmptyLoader)
	}

	correct, total := 0, 0
	lossSum := 0.0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		batch, logits, err := infer(m, dev, loader, i)
		if err != nil {
			return 0, 0, fmt.Errorf("val: %w", err)
		}
		correct += countCorrect(model.Argmax(logits), batch.Labels)
		total += batch.Size()
		batchLoss, _, err := criterion.Loss(logits, batch.Labels)
		if err != nil {
			return 0, 0, fmt.Errorf("val batch %d: %w", i+1, err)
		}
		lossSum += batchLoss
	}
	if total == 0 {
		return 0, 0, fmt.Errorf("val: %w", ErrEmptyLoader)
	}
	return 100 * float64(correct) / float64(total), lossSum / float64(n), nil
}

// Test runs one inference pass over loader and logs the accuracy of the
// softmax predictions.
func Test(ctx context.Context, m model.Model, dev device.Device, loader Loader, logger *log.Logger) (float64, error) {
	if logger == nil {
		logger = log.Default()
	}
	m.SetTraining(false)

	correct, total := 0, 0
	for i := 0; i < loader.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, logits, err := infer(m, dev, loader, i)
		if err != nil {
			return 0, fmt.Errorf("test: %w", err)
		}
		correct += countCorrect(model.Argmax(model.Softmax(logits)), batch.Labels)
		total += batch.Size()
	}
	if total == 0 {
		return 0, fmt.Errorf("test: %w", ErrEmptyLoader)
	}
	accuracy := 100 * float64(correct) / float64(total)
	logger.Printf("test accuracy=%.2f%% examples=%d", accuracy, total)
	return accuracy, nil
}

func infer(m model.Model, dev device.Device, loader Loader, i int) (model.Batch, *mat.Dense, error) {
	batch, err := loader.Batch(i)
	if err != nil {
		return model.Batch{}, nil, fmt.Errorf("batch %d: %w", i+1, err)
	}
	batch, err = dev.Load(batch)
	if err != nil {
		return model.Batch{}, nil, fmt.Errorf("batch %d: %w", i+1, err)
	}
	logits, err := m.Forward(batch.Inputs)
	if err != nil {
		return model.Batch{}, nil, fmt.Errorf("batch %d: forward: %w", i+1, err)
	}
	return batch, logits, nil
}

func countCorrect(pred, labels []int) int {
	n := 0
	for i, p := range pred {
		if p == labels[i] {
			n++
		}
	}
	return n
}
