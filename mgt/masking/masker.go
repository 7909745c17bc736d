package masking

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"

	"github.com/sourcegraph/conc/pool"
	"gonum.org/v1/gonum/stat"
)

// IgnoreLabel marks a position excluded from the loss computation.
const IgnoreLabel int64 = -100

// Masker turns a batch of discrete image tokens and class labels into the
// corrupted input sequence and supervision labels for masked-token prediction.
//
// It holds no state across batches: each MaskBatch call is a pure function of
// its inputs and the batch seed, so identical calls produce identical outputs
// regardless of worker interleaving.
type Masker struct {
	schedule       Schedule
	maskTokenID    int64
	vocabSize      int
	minMaskingRate float64
	maxWorkers     int
}

// MaskedBatch is the output of one mask construction pass.
// InputIDs and Labels have shape (N, L+1): one class slot prepended to the
// L token slots. MaskProbs carries the per-image sampled masking probability
// for diagnostic aggregation only.
type MaskedBatch struct {
	InputIDs  [][]int64
	Labels    [][]int64
	MaskProbs []float64
}

// NewMasker validates the token-space layout once at setup and returns a
// Masker. A mask token id inside [0, vocabSize) would make corrupted inputs
// indistinguishable from real tokens, so it is rejected here rather than at
// batch time. A nil schedule defaults to CosineSchedule.
func NewMasker(schedule Schedule, maskTokenID int64, vocabSize int, minMaskingRate float64) (*Masker, error) {
	if vocabSize <= 0 {
		return nil, fmt.Errorf("vocab size must be positive, got %d", vocabSize)
	}
	if maskTokenID >= 0 && maskTokenID < int64(vocabSize) {
		return nil, fmt.Errorf("mask token id %d collides with the token vocabulary [0, %d)", maskTokenID, vocabSize)
	}
	if maskTokenID < 0 {
		return nil, fmt.Errorf("mask token id must be non-negative, got %d", maskTokenID)
	}
	if minMaskingRate < 0 || minMaskingRate >= 1 {
		return nil, fmt.Errorf("min masking rate must be in [0, 1), got %f", minMaskingRate)
	}
	if schedule == nil {
		schedule = CosineSchedule
	}

	return &Masker{
		schedule:       schedule,
		maskTokenID:    maskTokenID,
		vocabSize:      vocabSize,
		minMaskingRate: minMaskingRate,
		maxWorkers:     min(max(runtime.NumCPU(), 2), 32),
	}, nil
}

// MaskTokenID returns the reserved mask id fed into corrupted positions.
func (m *Masker) MaskTokenID() int64 { return m.maskTokenID }

// VocabSize returns the tokenizer vocabulary size used for class id shifting.
func (m *Masker) VocabSize() int { return m.vocabSize }

// MaskBatch builds masked inputs and labels for one training batch.
//
// For each image independently: a timestep t ~ U(0,1) is sampled, the schedule
// maps it to a masking probability (floored at the configured minimum), and
// round(L*p) positions, clamped to [1, L], are selected uniformly at random by
// ranking L independent uniform draws. Masked positions carry the mask token id
// in the input and the original token in the label; unmasked positions keep the
// original token and an IgnoreLabel label. The class id, shifted by the
// vocabulary size, is prepended as slot 0 with an IgnoreLabel label.
//
// Rows are processed on a bounded worker pool. Each row draws from its own
// PCG source keyed by (seed, row), so output is deterministic for a fixed seed.
func (m *Masker) MaskBatch(ctx context.Context, tokens [][]int64, classIDs []int64, seed uint64) (*MaskedBatch, error) {
	n := len(tokens)
	if n == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(classIDs) != n {
		return nil, fmt.Errorf("batch size mismatch: %d token rows, %d class ids", n, len(classIDs))
	}
	seqLen := len(tokens[0])
	if seqLen == 0 {
		// Unsatisfiable: the masking floor requires at least one position.
		return nil, fmt.Errorf("token sequence length is zero; masking floor of 1 is unsatisfiable")
	}
	for i, row := range tokens {
		if len(row) != seqLen {
			return nil, fmt.Errorf("ragged batch: row %d has length %d, want %d", i, len(row), seqLen)
		}
	}

	out := &MaskedBatch{
		InputIDs:  make([][]int64, n),
		Labels:    make([][]int64, n),
		MaskProbs: make([]float64, n),
	}

	p := pool.New().WithMaxGoroutines(m.maxWorkers).WithContext(ctx)
	for i := range n {
		p.Go(func(ctx context.Context) error {
			rng := rand.New(rand.NewPCG(seed, uint64(i)))
			input, labels, prob := m.maskRow(rng, tokens[i], classIDs[i])
			out.InputIDs[i] = input
			out.Labels[i] = labels
			out.MaskProbs[i] = prob
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// maskRow corrupts a single token sequence. The returned slices have length
// len(tokens)+1 with the shifted class id occupying slot 0.
func (m *Masker) maskRow(rng *rand.Rand, tokens []int64, classID int64) (input, labels []int64, prob float64) {
	seqLen := len(tokens)

	t := rng.Float64()
	prob = m.schedule(t)
	prob = math.Min(math.Max(prob, m.minMaskingRate), 1)

	// Round half away from zero; clamp to [1, seqLen] so every example has at
	// least one supervised position and the class slot is never counted.
	numMasked := int(math.Round(float64(seqLen) * prob))
	if numMasked < 1 {
		numMasked = 1
	}
	if numMasked > seqLen {
		numMasked = seqLen
	}

	// Uniform k-subset via rank of independent uniform draws: positions whose
	// rank is below numMasked are masked.
	draws := make([]float64, seqLen)
	order := make([]int, seqLen)
	for j := range draws {
		draws[j] = rng.Float64()
		order[j] = j
	}
	sort.Slice(order, func(a, b int) bool { return draws[order[a]] < draws[order[b]] })

	masked := make([]bool, seqLen)
	for _, j := range order[:numMasked] {
		masked[j] = true
	}

	input = make([]int64, seqLen+1)
	labels = make([]int64, seqLen+1)
	input[0] = classID + int64(m.vocabSize)
	labels[0] = IgnoreLabel
	for j, tok := range tokens {
		if masked[j] {
			input[j+1] = m.maskTokenID
			labels[j+1] = tok
		} else {
			input[j+1] = tok
			labels[j+1] = IgnoreLabel
		}
	}
	return input, labels, prob
}

// MeanMaskProb aggregates the per-image masking probabilities of a batch.
func MeanMaskProb(probs []float64) float64 {
	if len(probs) == 0 {
		return 0
	}
	return stat.Mean(probs, nil)
}
