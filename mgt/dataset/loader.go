package dataset

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/sourcegraph/conc/pool"
)

// ErrEpochDone signals that the current epoch has no full batches left.
var ErrEpochDone = errors.New("epoch exhausted")

// Batch is one training batch: per-image NCHW pixel buffers and class ids.
type Batch struct {
	Pixels   [][]float32
	ClassIDs []int64
}

// Loader streams preprocessed batches off a dataset. Image decode and
// preprocessing fan out over a bounded worker pool; batches always come back
// in sampler order so a fixed seed yields an identical stream.
type Loader struct {
	ds        *Dataset
	pre       *Preprocessor
	sampler   *EpochSampler
	batchSize int
	workers   int
	train     bool
	seed      uint64
	epoch     int
}

// NewLoader creates a loader. Training loaders draw per-sample rngs for the
// random crop and flip augmentations; eval loaders preprocess
// deterministically.
func NewLoader(ds *Dataset, pre *Preprocessor, batchSize, workers int, seed uint64, train bool) *Loader {
	if workers <= 0 {
		workers = 1
	}
	return &Loader{
		ds:        ds,
		pre:       pre,
		sampler:   NewEpochSampler(ds.Len(), seed),
		batchSize: batchSize,
		workers:   workers,
		train:     train,
		seed:      seed,
	}
}

// SetEpoch reshuffles the sample order for a new epoch.
func (l *Loader) SetEpoch(epoch int) {
	l.epoch = epoch
	l.sampler.SetEpoch(epoch)
}

// Steps returns the number of full batches per epoch (trailing partial
// batches are dropped).
func (l *Loader) Steps() int {
	return l.sampler.Steps(l.batchSize)
}

// Next assembles the next batch, or returns ErrEpochDone when the epoch's
// full batches are exhausted.
func (l *Loader) Next(ctx context.Context) (*Batch, error) {
	indices := l.sampler.NextBatch(l.batchSize, true)
	if indices == nil {
		return nil, ErrEpochDone
	}

	batch := &Batch{
		Pixels:   make([][]float32, len(indices)),
		ClassIDs: make([]int64, len(indices)),
	}

	p := pool.New().WithMaxGoroutines(l.workers).WithContext(ctx)
	for slot, sampleIdx := range indices {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sample := l.ds.Sample(sampleIdx)

			var rng *rand.Rand
			if l.train {
				// Keyed by sample and epoch so augmentations are reproducible
				rng = rand.New(rand.NewPCG(l.seed^uint64(l.epoch)<<32, uint64(sampleIdx)))
			}

			pixels, err := l.pre.Load(sample.Path, rng)
			if err != nil {
				return err
			}
			batch.Pixels[slot] = pixels
			batch.ClassIDs[slot] = sample.ClassID
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	return batch, nil
}
