//go:build onnx
// +build onnx

package tokenizer

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNX-backed VQ-GAN encoder under the onnx build tag.
// Initializes ORT lazily and opens a dynamic session over the exported
// encoder graph. The graph is expected to take an NCHW float32 pixel tensor
// and produce either an int64 index tensor (N, L) or a float32 logits tensor
// (N, L, V) over the codebook, which is argmaxed into token ids.
type onnxEncoder struct {
	vocabSize  int
	seqLen     int
	resolution int
	modelPath  string
	mu         sync.Mutex
	session    *ort.DynamicAdvancedSession
	inputName  string
	outputName string
	outputInts bool
}

func newONNXEncoder(opts Options) (Tokenizer, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("onnx tokenizer requires a model path")
	}
	return &onnxEncoder{
		vocabSize:  opts.VocabSize,
		seqLen:     opts.SeqLen,
		resolution: opts.Resolution,
		modelPath:  opts.ModelPath,
	}, nil
}

func (e *onnxEncoder) VocabSize() int { return e.vocabSize }

func (e *onnxEncoder) SeqLen() int { return e.seqLen }

func (e *onnxEncoder) ensureSession() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return nil
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}
	// Probe IO
	ins, outs, err := ort.GetInputOutputInfo(e.modelPath)
	if err != nil {
		return fmt.Errorf("get IO info: %w", err)
	}
	for _, ii := range ins {
		if ii.DataType == ort.TensorElementDataTypeFloat {
			e.inputName = ii.Name
			break
		}
	}
	if e.inputName == "" {
		return fmt.Errorf("could not determine ONNX pixel input name")
	}
	// Prefer an int64 index output; fall back to float logits
	for _, oi := range outs {
		if oi.DataType == ort.TensorElementDataTypeInt64 {
			e.outputName = oi.Name
			e.outputInts = true
			break
		}
	}
	if e.outputName == "" {
		for _, oi := range outs {
			if oi.DataType == ort.TensorElementDataTypeFloat {
				e.outputName = oi.Name
				break
			}
		}
	}
	if e.outputName == "" {
		return fmt.Errorf("could not determine ONNX token output name")
	}

	s, err := ort.NewDynamicAdvancedSession(e.modelPath, []string{e.inputName}, []string{e.outputName}, nil)
	if err != nil {
		return fmt.Errorf("create onnx session: %w", err)
	}
	e.session = s
	return nil
}

func (e *onnxEncoder) Encode(ctx context.Context, pixels [][]float32) ([][]int64, error) {
	if err := e.ensureSession(); err != nil {
		return nil, err
	}
	if len(pixels) == 0 {
		return [][]int64{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := len(pixels)
	planeSize := e.resolution * e.resolution
	flat := make([]float32, batch*3*planeSize)
	for i, img := range pixels {
		if len(img) != 3*planeSize {
			return nil, fmt.Errorf("image %d: expected %d floats, got %d", i, 3*planeSize, len(img))
		}
		copy(flat[i*3*planeSize:], img)
	}

	shape := ort.NewShape(int64(batch), 3, int64(e.resolution), int64(e.resolution))
	pixelTensor, err := ort.NewTensor(shape, flat)
	if err != nil {
		return nil, fmt.Errorf("pixel tensor: %w", err)
	}
	defer pixelTensor.Destroy()

	outVals := make([]ort.Value, 1)
	if err := e.session.Run([]ort.Value{pixelTensor}, outVals); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer func() {
		if outVals[0] != nil {
			outVals[0].Destroy()
		}
	}()

	if e.outputInts {
		t, ok := outVals[0].(*ort.Tensor[int64])
		if !ok {
			return nil, fmt.Errorf("unexpected output type for index tensor")
		}
		return e.splitIndices(t.GetData(), batch)
	}

	t, ok := outVals[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type for logits tensor")
	}
	return e.argmaxLogits(t.GetData(), batch)
}

// splitIndices reshapes a flat (N*L) index buffer into per-image rows.
func (e *onnxEncoder) splitIndices(data []int64, batch int) ([][]int64, error) {
	if len(data) != batch*e.seqLen {
		return nil, fmt.Errorf("unexpected index tensor size %d, want %d", len(data), batch*e.seqLen)
	}
	out := make([][]int64, batch)
	for i := range out {
		row := make([]int64, e.seqLen)
		copy(row, data[i*e.seqLen:(i+1)*e.seqLen])
		for j, id := range row {
			if id < 0 || id >= int64(e.vocabSize) {
				return nil, fmt.Errorf("token id %d at (%d, %d) outside vocabulary [0, %d)", id, i, j, e.vocabSize)
			}
		}
		out[i] = row
	}
	return out, nil
}

// argmaxLogits reduces a flat (N*L*V) logits buffer into per-image token rows.
func (e *onnxEncoder) argmaxLogits(data []float32, batch int) ([][]int64, error) {
	if len(data) != batch*e.seqLen*e.vocabSize {
		return nil, fmt.Errorf("unexpected logits tensor size %d, want %d", len(data), batch*e.seqLen*e.vocabSize)
	}
	out := make([][]int64, batch)
	for i := range out {
		row := make([]int64, e.seqLen)
		for j := 0; j < e.seqLen; j++ {
			base := (i*e.seqLen + j) * e.vocabSize
			best := 0
			for v := 1; v < e.vocabSize; v++ {
				if data[base+v] > data[base+best] {
					best = v
				}
			}
			row[j] = int64(best)
		}
		out[i] = row
	}
	return out, nil
}
