package optim

import (
	"gonum.org/v1/gonum/mat"
)

// Param is one named trainable matrix together with its gradient and the
// AdamW moment estimates.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense

	m *mat.Dense
	v *mat.Dense
}

// NewParam allocates a parameter of the given shape, filled by init (which
// may be nil for zero initialization).
func NewParam(name string, rows, cols int, init func(i, j int) float64) *Param {
	value := mat.NewDense(rows, cols, nil)
	if init != nil {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				value.Set(i, j, init(i, j))
			}
		}
	}
	return &Param{
		Name:  name,
		Value: value,
		Grad:  mat.NewDense(rows, cols, nil),
		m:     mat.NewDense(rows, cols, nil),
		v:     mat.NewDense(rows, cols, nil),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// ScaleGrads multiplies every gradient by f. Used to average gradients over
// accumulation micro-batches before an optimizer step.
func ScaleGrads(params []*Param, f float64) {
	for _, p := range params {
		p.Grad.Scale(f, p.Grad)
	}
}
