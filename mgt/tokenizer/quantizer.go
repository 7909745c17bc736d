package tokenizer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// PatchQuantizer is a deterministic development tokenizer: it divides each
// image into a square grid of patches and hashes the quantized mean color of
// each patch into a token id. It stands in for a pretrained VQ-GAN encoder in
// tests and dry runs; visually similar patches map to identical tokens.
type PatchQuantizer struct {
	vocabSize  int
	seqLen     int
	resolution int
	grid       int
}

// NewPatchQuantizer builds a quantizer. SeqLen must be a perfect square so
// the token sequence maps onto a grid of image patches.
func NewPatchQuantizer(opts Options) (*PatchQuantizer, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	grid := int(math.Sqrt(float64(opts.SeqLen)))
	if grid*grid != opts.SeqLen {
		return nil, fmt.Errorf("sequence length %d is not a perfect square", opts.SeqLen)
	}
	if opts.Resolution < grid {
		return nil, fmt.Errorf("resolution %d is smaller than the %dx%d patch grid", opts.Resolution, grid, grid)
	}
	return &PatchQuantizer{
		vocabSize:  opts.VocabSize,
		seqLen:     opts.SeqLen,
		resolution: opts.Resolution,
		grid:       grid,
	}, nil
}

func (q *PatchQuantizer) VocabSize() int { return q.vocabSize }

func (q *PatchQuantizer) SeqLen() int { return q.seqLen }

// Encode maps each image to seqLen token ids, one per grid patch.
func (q *PatchQuantizer) Encode(ctx context.Context, pixels [][]float32) ([][]int64, error) {
	out := make([][]int64, len(pixels))
	planeSize := q.resolution * q.resolution
	for i, img := range pixels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(img) != 3*planeSize {
			return nil, fmt.Errorf("image %d: expected %d floats, got %d", i, 3*planeSize, len(img))
		}
		tokens := make([]int64, q.seqLen)
		for py := 0; py < q.grid; py++ {
			for px := 0; px < q.grid; px++ {
				tokens[py*q.grid+px] = q.patchToken(img, px, py)
			}
		}
		out[i] = tokens
	}
	return out, nil
}

// patchToken hashes the quantized mean RGB of one patch into [0, vocabSize).
func (q *PatchQuantizer) patchToken(img []float32, px, py int) int64 {
	planeSize := q.resolution * q.resolution
	patchW := q.resolution / q.grid
	x0, y0 := px*patchW, py*patchW

	var sum [3]float64
	for c := 0; c < 3; c++ {
		for y := y0; y < y0+patchW; y++ {
			for x := x0; x < x0+patchW; x++ {
				sum[c] += float64(img[c*planeSize+y*q.resolution+x])
			}
		}
	}

	area := float64(patchW * patchW)
	var quantized [3]byte
	for c := 0; c < 3; c++ {
		quantized[c] = byte(math.Min(math.Max(sum[c]/area, 0), 1) * 255)
	}

	digest := sha256.Sum256(quantized[:])
	return int64(binary.BigEndian.Uint32(digest[:4]) % uint32(q.vocabSize))
}
