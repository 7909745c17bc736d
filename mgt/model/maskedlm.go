package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/optim"
)

// MaskedLM is a small reference masked language model over image tokens:
// token and position embeddings feeding a linear projection onto the token
// vocabulary. It exists to exercise the full training pipeline; a production
// run swaps in a transformer behind the same Model interface.
type MaskedLM struct {
	config Config

	embed *optim.Param // (inputVocab, hidden) token embedding table
	pos   *optim.Param // (seqLen+1, hidden) position embeddings
	proj  *optim.Param // (hidden, vocabSize) output projection

	params []*optim.Param
}

// NewMaskedLM builds a model with seeded Gaussian initialization.
func NewMaskedLM(config Config, seed uint64) (*MaskedLM, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(seed, 0))
	gauss := func(int, int) float64 { return rng.NormFloat64() * 0.02 }

	m := &MaskedLM{
		config: config,
		embed:  optim.NewParam("embed", config.inputVocab(), config.HiddenSize, gauss),
		pos:    optim.NewParam("pos", config.SeqLen+1, config.HiddenSize, gauss),
		proj:   optim.NewParam("proj", config.HiddenSize, config.VocabSize, gauss),
	}
	m.params = []*optim.Param{m.embed, m.pos, m.proj}
	return m, nil
}

// Config returns the model's token-space layout.
func (m *MaskedLM) Config() Config { return m.config }

// Params returns the trainable parameters.
func (m *MaskedLM) Params() []*optim.Param { return m.params }

// ZeroGrad clears all accumulated gradients.
func (m *MaskedLM) ZeroGrad() {
	for _, p := range m.params {
		p.ZeroGrad()
	}
}

// Forward computes mean cross-entropy over every position whose label is not
// the ignore sentinel. In train mode it also accumulates gradients for the
// embedding tables and the projection.
func (m *MaskedLM) Forward(inputIDs, labels [][]int64, train bool) (float64, error) {
	if len(inputIDs) == 0 || len(inputIDs) != len(labels) {
		return 0, fmt.Errorf("batch shape mismatch: %d inputs, %d labels", len(inputIDs), len(labels))
	}
	wantLen := m.config.SeqLen + 1

	// Count supervised positions first so gradients can be mean-normalized
	// in a single pass.
	supervised := 0
	for i := range inputIDs {
		if len(inputIDs[i]) != wantLen || len(labels[i]) != wantLen {
			return 0, fmt.Errorf("row %d: sequence length %d, want %d", i, len(inputIDs[i]), wantLen)
		}
		for _, label := range labels[i] {
			if label >= 0 {
				supervised++
			}
		}
	}
	if supervised == 0 {
		return 0, fmt.Errorf("batch has no supervised positions")
	}

	hidden := m.config.HiddenSize
	vocab := m.config.VocabSize
	inv := 1 / float64(supervised)

	embedData := m.embed.Value.RawMatrix().Data
	posData := m.pos.Value.RawMatrix().Data
	projData := m.proj.Value.RawMatrix().Data

	var embedGrad, posGrad, projGrad []float64
	if train {
		embedGrad = m.embed.Grad.RawMatrix().Data
		posGrad = m.pos.Grad.RawMatrix().Data
		projGrad = m.proj.Grad.RawMatrix().Data
	}

	h := make([]float64, hidden)
	logits := make([]float64, vocab)
	var totalLoss float64

	for i := range inputIDs {
		for j := 0; j < wantLen; j++ {
			label := labels[i][j]
			if label < 0 {
				continue
			}
			if label >= int64(vocab) {
				return 0, fmt.Errorf("label %d at (%d, %d) outside vocabulary [0, %d)", label, i, j, vocab)
			}
			token := inputIDs[i][j]
			if token < 0 || token >= int64(m.config.inputVocab()) {
				return 0, fmt.Errorf("input id %d at (%d, %d) outside embedding table", token, i, j)
			}

			// h = embed[token] + pos[j]
			eOff := int(token) * hidden
			pOff := j * hidden
			for k := 0; k < hidden; k++ {
				h[k] = embedData[eOff+k] + posData[pOff+k]
			}

			// logits = h . proj, with a stable log-softmax
			maxLogit := math.Inf(-1)
			for v := 0; v < vocab; v++ {
				var sum float64
				for k := 0; k < hidden; k++ {
					sum += h[k] * projData[k*vocab+v]
				}
				logits[v] = sum
				if sum > maxLogit {
					maxLogit = sum
				}
			}
			var z float64
			for v := 0; v < vocab; v++ {
				logits[v] = math.Exp(logits[v] - maxLogit)
				z += logits[v]
			}
			totalLoss += -math.Log(logits[label] / z)

			if !train {
				continue
			}

			// dlogits = softmax - onehot(label), scaled for the batch mean
			for v := 0; v < vocab; v++ {
				dlogit := logits[v] / z
				if int64(v) == label {
					dlogit -= 1
				}
				dlogit *= inv

				// dproj[k][v] += h[k] * dlogit; dh[k] += proj[k][v] * dlogit
				for k := 0; k < hidden; k++ {
					projGrad[k*vocab+v] += h[k] * dlogit
					dh := projData[k*vocab+v] * dlogit
					embedGrad[eOff+k] += dh
					posGrad[pOff+k] += dh
				}
			}
		}
	}

	return totalLoss * inv, nil
}
