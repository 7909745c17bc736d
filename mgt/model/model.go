package model

import (
	"fmt"

	"github.com/ZanzyTHEbar/maskgit-trainer/mgt/optim"
)

// Model is the masked-prediction model boundary the trainer drives. The loss
// convention excludes IgnoreLabel positions from the loss computation.
type Model interface {
	// Forward computes the mean cross-entropy over supervised positions.
	// When train is set, parameter gradients are accumulated as a side effect.
	Forward(inputIDs, labels [][]int64, train bool) (float64, error)
	Params() []*optim.Param
	ZeroGrad()
}

// Config describes the token-space layout and capacity of the masked LM.
type Config struct {
	VocabSize   int   `json:"vocab_size"`
	NumClasses  int   `json:"num_classes"`
	SeqLen      int   `json:"seq_len"`
	HiddenSize  int   `json:"hidden_size"`
	MaskTokenID int64 `json:"mask_token_id"`
}

// Validate rejects layouts that would make training ill-defined.
func (c Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("num classes must be positive, got %d", c.NumClasses)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("sequence length must be positive, got %d", c.SeqLen)
	}
	if c.HiddenSize <= 0 {
		return fmt.Errorf("hidden size must be positive, got %d", c.HiddenSize)
	}
	if c.MaskTokenID < int64(c.VocabSize+c.NumClasses) {
		return fmt.Errorf("mask token id %d collides with tokens or shifted class ids (< %d)",
			c.MaskTokenID, c.VocabSize+c.NumClasses)
	}
	return nil
}

// inputVocab is the size of the input embedding table: image tokens, shifted
// class ids and the mask token all index into it.
func (c Config) inputVocab() int {
	return int(c.MaskTokenID) + 1
}
