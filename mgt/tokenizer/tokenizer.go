package tokenizer

import (
	"context"
	"fmt"
	"strings"
)

// Tokenizer encodes batches of pixel data into fixed-length sequences of
// discrete token ids in [0, VocabSize()).
type Tokenizer interface {
	VocabSize() int
	SeqLen() int
	// Encode maps each image, given as a flat NCHW float32 buffer of length
	// 3*resolution*resolution with values in [0, 1], to SeqLen() token ids.
	Encode(ctx context.Context, pixels [][]float32) ([][]int64, error)
}

// Options configures tokenizer construction.
type Options struct {
	VocabSize  int
	SeqLen     int
	Resolution int
	ModelPath  string
}

// NewTokenizer selects a tokenizer by kind (e.g., "quantizer", "vqgan").
// Unknown kinds fall back to the deterministic patch quantizer, so the
// trainer always has a working token source.
func NewTokenizer(kind string, opts Options) (Tokenizer, error) {
	name := strings.ToLower(strings.TrimSpace(kind))
	switch name {
	case "quantizer", "", "dev":
		return NewPatchQuantizer(opts)
	case "vqgan", "onnx":
		return newONNXEncoder(opts)
	default:
		if strings.HasPrefix(name, "onnx") {
			return newONNXEncoder(opts)
		}
		return NewPatchQuantizer(opts)
	}
}

func validateOptions(opts Options) error {
	if opts.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", opts.VocabSize)
	}
	if opts.SeqLen <= 0 {
		return fmt.Errorf("sequence length must be positive, got %d", opts.SeqLen)
	}
	if opts.Resolution <= 0 {
		return fmt.Errorf("resolution must be positive, got %d", opts.Resolution)
	}
	return nil
}
