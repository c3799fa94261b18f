package dataset

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"sknet-train/internal/model"
)

// Loader partitions a fixed example set into consecutive batches. The final
// batch holds the remainder and may be smaller than the batch size.
type Loader struct {
	examples  []Example
	order     []int
	batchSize int
	width     int
	rng       *rand.Rand
}

// LoaderOptions configures NewLoader.
type LoaderOptions struct {
	BatchSize int
	// Shuffle reorders examples on every call to Shuffle, seeded by Seed.
	Shuffle bool
	Seed    int64
}

// NewLoader validates that every example has the same width.
func NewLoader(examples []Example, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if len(examples) == 0 {
		return nil, errors.New("loader: no examples")
	}
	width := len(examples[0].Features)
	for _, ex := range examples {
		if len(ex.Features) != width {
			return nil, fmt.Errorf("loader: example %s has %d features, want %d", ex.Key, len(ex.Features), width)
		}
	}
	l := &Loader{
		examples:  examples,
		order:     make([]int, len(examples)),
		batchSize: opts.BatchSize,
		width:     width,
	}
	for i := range l.order {
		l.order[i] = i
	}
	if opts.Shuffle {
		l.rng = rand.New(rand.NewSource(opts.Seed))
	}
	return l, nil
}

// Len returns the number of batches.
func (l *Loader) Len() int {
	return (len(l.examples) + l.batchSize - 1) / l.batchSize
}

// Examples returns the number of examples.
func (l *Loader) Examples() int { return len(l.examples) }

// Shuffle permutes the example order if the loader was built with
// shuffling enabled.
func (l *Loader) Shuffle() {
	if l.rng == nil {
		return
	}
	l.rng.Shuffle(len(l.order), func(i, j int) {
		l.order[i], l.order[j] = l.order[j], l.order[i]
	})
}

// Batch assembles batch i.
func (l *Loader) Batch(i int) (model.Batch, error) {
	if i < 0 || i >= l.Len() {
		return model.Batch{}, fmt.Errorf("loader: batch %d out of range [0, %d)", i, l.Len())
	}
	start := i * l.batchSize
	end := min(start+l.batchSize, len(l.examples))
	inputs := mat.NewDense(end-start, l.width, nil)
	labels := make([]int, 0, end-start)
	for row, idx := range l.order[start:end] {
		ex := l.examples[idx]
		inputs.SetRow(row, ex.Features)
		labels = append(labels, ex.Label)
	}
	return model.Batch{Inputs: inputs, Labels: labels}, nil
}
