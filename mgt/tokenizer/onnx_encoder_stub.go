//go:build !onnx
// +build !onnx

package tokenizer

import (
	"fmt"
)

// newONNXEncoder is a stub used when built without the "onnx" build tag.
func newONNXEncoder(opts Options) (Tokenizer, error) {
	return nil, fmt.Errorf("onnx tokenizer not available: build with -tags onnx and provide an exported VQ-GAN encoder")
}
