package masking

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasker(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"ConstructorValidation", testMaskerConstructorValidation},
		{"OutputShapes", testMaskerOutputShapes},
		{"ClassSlot", testMaskerClassSlot},
		{"MaskedCountMatchesProb", testMaskerMaskedCountMatchesProb},
		{"InputLabelCorrespondence", testMaskerInputLabelCorrespondence},
		{"MinMaskingRateFloor", testMaskerMinMaskingRateFloor},
		{"MaskedCountFloorAndCap", testMaskerMaskedCountFloorAndCap},
		{"Rounding", testMaskerRounding},
		{"WorkedExample", testMaskerWorkedExample},
		{"Determinism", testMaskerDeterminism},
		{"IndependentRows", testMaskerIndependentRows},
		{"InvalidBatches", testMaskerInvalidBatches},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func newTestMasker(t *testing.T, schedule Schedule, minRate float64) *Masker {
	t.Helper()
	m, err := NewMasker(schedule, 200, 100, minRate)
	require.NoError(t, err)
	return m
}

func testBatch(n, seqLen int) ([][]int64, []int64) {
	tokens := make([][]int64, n)
	classIDs := make([]int64, n)
	for i := range tokens {
		row := make([]int64, seqLen)
		for j := range row {
			row[j] = int64((i*seqLen + j) % 100)
		}
		tokens[i] = row
		classIDs[i] = int64(i % 10)
	}
	return tokens, classIDs
}

func testMaskerConstructorValidation(t *testing.T) {
	// Mask id inside the vocabulary is ambiguous
	_, err := NewMasker(nil, 50, 100, 0)
	assert.Error(t, err)

	_, err = NewMasker(nil, -1, 100, 0)
	assert.Error(t, err)

	_, err = NewMasker(nil, 200, 0, 0)
	assert.Error(t, err)

	_, err = NewMasker(nil, 200, 100, 1.0)
	assert.Error(t, err)

	_, err = NewMasker(nil, 200, 100, -0.1)
	assert.Error(t, err)

	m, err := NewMasker(nil, 100, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), m.MaskTokenID())
	assert.Equal(t, 100, m.VocabSize())
}

func testMaskerOutputShapes(t *testing.T) {
	m := newTestMasker(t, nil, 0)
	tokens, classIDs := testBatch(8, 16)

	out, err := m.MaskBatch(context.Background(), tokens, classIDs, 1)
	require.NoError(t, err)

	require.Len(t, out.InputIDs, 8)
	require.Len(t, out.Labels, 8)
	require.Len(t, out.MaskProbs, 8)
	for i := range out.InputIDs {
		assert.Len(t, out.InputIDs[i], 17)
		assert.Len(t, out.Labels[i], 17)
	}
}

func testMaskerClassSlot(t *testing.T) {
	m := newTestMasker(t, nil, 0)
	tokens, classIDs := testBatch(8, 16)

	out, err := m.MaskBatch(context.Background(), tokens, classIDs, 1)
	require.NoError(t, err)

	for i := range out.InputIDs {
		assert.Equal(t, classIDs[i]+100, out.InputIDs[i][0], "class slot must carry the shifted class id")
		assert.Equal(t, IgnoreLabel, out.Labels[i][0], "class slot must be excluded from the loss")
	}
}

func testMaskerMaskedCountMatchesProb(t *testing.T) {
	m := newTestMasker(t, nil, 0)
	tokens, classIDs := testBatch(16, 32)

	out, err := m.MaskBatch(context.Background(), tokens, classIDs, 7)
	require.NoError(t, err)

	for i, row := range out.InputIDs {
		want := int(math.Round(32 * out.MaskProbs[i]))
		if want < 1 {
			want = 1
		}
		if want > 32 {
			want = 32
		}
		got := 0
		for _, id := range row[1:] {
			if id == m.MaskTokenID() {
				got++
			}
		}
		assert.Equal(t, want, got, "row %d: masked count must be clamp(round(L*p), 1, L)", i)
	}
}

func testMaskerInputLabelCorrespondence(t *testing.T) {
	m := newTestMasker(t, nil, 0)
	tokens, classIDs := testBatch(8, 24)

	out, err := m.MaskBatch(context.Background(), tokens, classIDs, 3)
	require.NoError(t, err)

	for i := range out.InputIDs {
		for j := range 24 {
			input := out.InputIDs[i][j+1]
			label := out.Labels[i][j+1]
			if input == m.MaskTokenID() {
				assert.Equal(t, tokens[i][j], label, "masked position must be supervised with the original token")
			} else {
				assert.Equal(t, tokens[i][j], input, "unmasked position must keep the original token")
				assert.Equal(t, IgnoreLabel, label, "unmasked position must be excluded from the loss")
			}
		}
	}
}

func testMaskerMinMaskingRateFloor(t *testing.T) {
	m := newTestMasker(t, nil, 0.3)
	tokens, classIDs := testBatch(32, 16)

	out, err := m.MaskBatch(context.Background(), tokens, classIDs, 11)
	require.NoError(t, err)

	for i, p := range out.MaskProbs {
		assert.GreaterOrEqual(t, p, 0.3, "row %d: mask prob must be floored at the min masking rate", i)
		assert.LessOrEqual(t, p, 1.0)
	}
}

func testMaskerMaskedCountFloorAndCap(t *testing.T) {
	// A schedule that always returns 0 still yields one masked position
	floor := newTestMasker(t, func(float64) float64 { return 0 }, 0)
	tokens, classIDs := testBatch(4, 8)

	out, err := floor.MaskBatch(context.Background(), tokens, classIDs, 1)
	require.NoError(t, err)
	for _, row := range out.InputIDs {
		assert.Equal(t, 1, countMasked(row[1:], floor.MaskTokenID()))
	}

	// A schedule pinned at 1 masks everything but never the class slot
	cap := newTestMasker(t, func(float64) float64 { return 1 }, 0)
	out, err = cap.MaskBatch(context.Background(), tokens, classIDs, 1)
	require.NoError(t, err)
	for i, row := range out.InputIDs {
		assert.Equal(t, 8, countMasked(row[1:], cap.MaskTokenID()))
		assert.Equal(t, classIDs[i]+100, row[0])
	}
}

func testMaskerRounding(t *testing.T) {
	// Half-away-from-zero: L=4, p=0.375 -> 1.5 -> 2 masked positions
	m := newTestMasker(t, func(float64) float64 { return 0.375 }, 0)
	tokens, classIDs := testBatch(4, 4)

	out, err := m.MaskBatch(context.Background(), tokens, classIDs, 5)
	require.NoError(t, err)
	for _, row := range out.InputIDs {
		assert.Equal(t, 2, countMasked(row[1:], m.MaskTokenID()))
	}

	// L=4, p=0.625 -> 2.5 -> 3
	m = newTestMasker(t, func(float64) float64 { return 0.625 }, 0)
	out, err = m.MaskBatch(context.Background(), tokens, classIDs, 5)
	require.NoError(t, err)
	for _, row := range out.InputIDs {
		assert.Equal(t, 3, countMasked(row[1:], m.MaskTokenID()))
	}
}

func testMaskerWorkedExample(t *testing.T) {
	// L=4, tokens=[5,6,7,8], class=2, V=100, mask=200, p=0.5 -> 2 masked
	m := newTestMasker(t, func(float64) float64 { return 0.5 }, 0)

	out, err := m.MaskBatch(context.Background(), [][]int64{{5, 6, 7, 8}}, []int64{2}, 9)
	require.NoError(t, err)

	input := out.InputIDs[0]
	labels := out.Labels[0]
	require.Len(t, input, 5)
	assert.Equal(t, int64(102), input[0])
	assert.Equal(t, IgnoreLabel, labels[0])
	assert.Equal(t, 2, countMasked(input[1:], 200))
	for j, tok := range []int64{5, 6, 7, 8} {
		if input[j+1] == 200 {
			assert.Equal(t, tok, labels[j+1])
		} else {
			assert.Equal(t, tok, input[j+1])
			assert.Equal(t, IgnoreLabel, labels[j+1])
		}
	}
}

func testMaskerDeterminism(t *testing.T) {
	m := newTestMasker(t, nil, 0.1)
	tokens, classIDs := testBatch(16, 32)

	a, err := m.MaskBatch(context.Background(), tokens, classIDs, 1234)
	require.NoError(t, err)
	b, err := m.MaskBatch(context.Background(), tokens, classIDs, 1234)
	require.NoError(t, err)

	assert.Equal(t, a.InputIDs, b.InputIDs)
	assert.Equal(t, a.Labels, b.Labels)
	assert.Equal(t, a.MaskProbs, b.MaskProbs)

	c, err := m.MaskBatch(context.Background(), tokens, classIDs, 1235)
	require.NoError(t, err)
	assert.NotEqual(t, a.InputIDs, c.InputIDs, "a different seed should produce a different corruption")
}

func testMaskerIndependentRows(t *testing.T) {
	// With a pinned probability, identical rows must still draw independent
	// permutations: not every row can end up with the same masked subset.
	m := newTestMasker(t, func(float64) float64 { return 0.5 }, 0)

	tokens := make([][]int64, 16)
	classIDs := make([]int64, 16)
	for i := range tokens {
		tokens[i] = []int64{1, 2, 3, 4, 5, 6, 7, 8}
	}

	out, err := m.MaskBatch(context.Background(), tokens, classIDs, 21)
	require.NoError(t, err)

	distinct := map[string]bool{}
	for _, row := range out.InputIDs {
		key := ""
		for _, id := range row[1:] {
			if id == m.MaskTokenID() {
				key += "M"
			} else {
				key += "."
			}
		}
		distinct[key] = true
	}
	assert.Greater(t, len(distinct), 1, "masked subsets must vary across rows")
}

func testMaskerInvalidBatches(t *testing.T) {
	m := newTestMasker(t, nil, 0)

	_, err := m.MaskBatch(context.Background(), nil, nil, 1)
	assert.Error(t, err)

	_, err = m.MaskBatch(context.Background(), [][]int64{{}}, []int64{0}, 1)
	assert.Error(t, err, "zero-length sequences make the masking floor unsatisfiable")

	_, err = m.MaskBatch(context.Background(), [][]int64{{1, 2}, {3}}, []int64{0, 1}, 1)
	assert.Error(t, err)

	_, err = m.MaskBatch(context.Background(), [][]int64{{1, 2}}, []int64{0, 1}, 1)
	assert.Error(t, err)
}

func countMasked(row []int64, maskID int64) int {
	n := 0
	for _, id := range row {
		if id == maskID {
			n++
		}
	}
	return n
}
