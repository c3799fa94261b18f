package dataset

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Example is a decoded, labelled feature vector.
type Example struct {
	Key      string
	Features []float64
	Label    int
}

// LoadOptions configures LoadShards.
type LoadOptions struct {
	Shards      []string
	NumWorkers  int
	FeatureGrid int
	NumClasses  int
	PendingCap  int
}

// LoadStats reports what LoadShards read.
type LoadStats struct {
	Shards  int
	Samples int
	// Undecodable counts samples dropped because the image did not decode.
	Undecodable int
}

// LoadShards decodes all shards with a bounded worker pool. Examples are
// returned in shard order, then archive order, regardless of which worker
// finished first.
func LoadShards(parent context.Context, opts LoadOptions) ([]Example, LoadStats, error) {
	if len(opts.Shards) == 0 {
		return nil, LoadStats{}, errors.New("dataset: no shards provided")
	}
	if opts.FeatureGrid <= 0 {
		return nil, LoadStats{}, errors.New("dataset: feature grid must be > 0")
	}
	if opts.NumClasses <= 0 {
		return nil, LoadStats{}, errors.New("dataset: num classes must be > 0")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	jobs := make(chan shardJob)
	results := make(chan shardResult, opts.NumWorkers)

	go func() {
		defer close(jobs)
		for id, path := range opts.Shards {
			select {
			case <-ctx.Done():
				return
			case jobs <- shardJob{id: id, path: path}:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, results, opts)
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	byShard := make([]shardResult, len(opts.Shards))
	var firstErr error
	for res := range results {
		if res.err != nil && firstErr == nil {
			firstErr = res.err
			cancel()
		}
		byShard[res.id] = res
	}
	if firstErr != nil {
		return nil, LoadStats{}, firstErr
	}
	if err := parent.Err(); err != nil {
		return nil, LoadStats{}, err
	}

	stats := LoadStats{Shards: len(opts.Shards)}
	var out []Example
	for _, res := range byShard {
		out = append(out, res.examples...)
		stats.Samples += res.samples
		stats.Undecodable += res.undecodable
	}
	return out, stats, nil
}

type shardJob struct {
	id   int
	path string
}

type shardResult struct {
	id          int
	examples    []Example
	samples     int
	undecodable int
	err         error
}

func worker(ctx context.Context, jobs <-chan shardJob, results chan<- shardResult, opts LoadOptions) {
	for job := range jobs {
		res := decodeShard(ctx, job, opts)
		select {
		case <-ctx.Done():
			return
		case results <- res:
		}
	}
}

func decodeShard(ctx context.Context, job shardJob, opts LoadOptions) shardResult {
	res := shardResult{id: job.id}
	samples, err := ReadShard(ctx, job.path, opts.PendingCap)
	if err != nil {
		res.err = err
		return res
	}
	res.samples = len(samples)
	for _, s := range samples {
		if s.Label < 0 || s.Label >= opts.NumClasses {
			res.err = fmt.Errorf("%s: sample %s label %d out of range [0, %d)", job.path, s.Key, s.Label, opts.NumClasses)
			return res
		}
		features, err := Features(s.Image, opts.FeatureGrid)
		if err != nil {
			res.undecodable++
			continue
		}
		res.examples = append(res.examples, Example{Key: s.Key, Features: features, Label: s.Label})
	}
	return res
}
