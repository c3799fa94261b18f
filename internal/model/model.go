package model

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ErrNoGraph is returned by Backward when no training-mode forward pass
// has recorded activations.
var ErrNoGraph = errors.New("model: backward called without a training forward pass")

// Batch represents a minibatch of features and labels. Row i of Inputs
// is labelled by Labels[i].
type Batch struct {
	Inputs *mat.Dense
	Labels []int
}

// Size returns the number of examples in the batch.
func (b Batch) Size() int {
	if b.Inputs == nil {
		return 0
	}
	rows, _ := b.Inputs.Dims()
	return rows
}

// Param is a trainable tensor together with its accumulated gradient.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(name string, value *mat.Dense) *Param {
	r, c := value.Dims()
	return &Param{Name: name, Value: value, Grad: mat.NewDense(r, c, nil)}
}

// Model is a differentiable classifier producing one row of logits per
// input row.
type Model interface {
	Forward(x *mat.Dense) (*mat.Dense, error)
	// Backward accumulates parameter gradients for the last Forward call.
	Backward(gradLogits *mat.Dense) error
	Params() []*Param
	// SetTraining toggles dropout and activation tracking.
	SetTraining(training bool)
	ZeroGrad()
}

func zeroGrads(params []*Param) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// addBias adds the 1xN row vector b to every row of m in place.
func addBias(m, b *mat.Dense) {
	rows, _ := m.Dims()
	bias := b.RawRowView(0)
	for i := 0; i < rows; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
}

// accumulateColSums adds the column sums of g to the 1xN gradient dst.
func accumulateColSums(dst, g *mat.Dense) {
	rows, _ := g.Dims()
	out := dst.RawRowView(0)
	for i := 0; i < rows; i++ {
		for j, v := range g.RawRowView(i) {
			out[j] += v
		}
	}
}
