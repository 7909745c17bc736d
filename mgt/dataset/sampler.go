package dataset

import (
	"math/rand/v2"

	roaring "github.com/RoaringBitmap/roaring"
)

// EpochSampler draws sample indices without replacement in a seeded random
// order. The remaining-set bitmap makes mid-epoch progress cheap to inspect
// and to snapshot alongside a checkpoint.
type EpochSampler struct {
	n         int
	seed      uint64
	epoch     int
	perm      []int
	pos       int
	remaining *roaring.Bitmap
}

// NewEpochSampler creates a sampler over n samples, shuffled for epoch 0.
func NewEpochSampler(n int, seed uint64) *EpochSampler {
	s := &EpochSampler{n: n, seed: seed}
	s.SetEpoch(0)
	return s
}

// SetEpoch reshuffles the draw order for the given epoch. The permutation is
// a pure function of (seed, epoch), so resuming an epoch reproduces it.
func (s *EpochSampler) SetEpoch(epoch int) {
	s.epoch = epoch
	s.pos = 0
	s.perm = rand.New(rand.NewPCG(s.seed, uint64(epoch))).Perm(s.n)
	s.remaining = roaring.New()
	s.remaining.AddRange(0, uint64(s.n))
}

// NextBatch returns the next batch of sample indices, or nil when the epoch
// is exhausted. With dropLast set, a trailing partial batch is discarded, so
// every returned batch has exactly size entries.
func (s *EpochSampler) NextBatch(size int, dropLast bool) []int {
	if size <= 0 || s.pos >= s.n {
		return nil
	}
	end := s.pos + size
	if end > s.n {
		if dropLast {
			return nil
		}
		end = s.n
	}
	batch := s.perm[s.pos:end]
	for _, i := range batch {
		s.remaining.Remove(uint32(i))
	}
	s.pos = end
	return batch
}

// Remaining returns how many samples have not been drawn this epoch.
func (s *EpochSampler) Remaining() uint64 {
	return s.remaining.GetCardinality()
}

// Steps returns the number of full batches one epoch yields.
func (s *EpochSampler) Steps(batchSize int) int {
	if batchSize <= 0 {
		return 0
	}
	return s.n / batchSize
}
