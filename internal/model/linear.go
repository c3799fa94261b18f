package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear is a single affine layer mapping features straight to logits.
type Linear struct {
	numClasses int
	inputSize  int
	weights    *Param
	bias       *Param

	training bool
	input    *mat.Dense
}

// NewLinear constructs the model with small random weights.
func NewLinear(inputSize, numClasses int, seed int64) *Linear {
	if numClasses <= 0 {
		numClasses = 10
	}
	if inputSize <= 0 {
		inputSize = 64
	}
	rng := rand.New(rand.NewSource(seed))
	weights := make([]float64, inputSize*numClasses)
	for i := range weights {
		weights[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return &Linear{
		numClasses: numClasses,
		inputSize:  inputSize,
		weights:    newParam("linear.weight", mat.NewDense(inputSize, numClasses, weights)),
		bias:       newParam("linear.bias", mat.NewDense(1, numClasses, nil)),
		training:   true,
	}
}

// Forward returns x·W + b.
func (m *Linear) Forward(x *mat.Dense) (*mat.Dense, error) {
	_, cols := x.Dims()
	if cols != m.inputSize {
		return nil, fmt.Errorf("linear: input has %d features, want %d", cols, m.inputSize)
	}
	var out mat.Dense
	out.Mul(x, m.weights.Value)
	addBias(&out, m.bias.Value)
	if m.training {
		m.input = x
	} else {
		m.input = nil
	}
	return &out, nil
}

// Backward accumulates dL/dW = xᵀ·g and dL/db = Σ rows of g.
func (m *Linear) Backward(gradLogits *mat.Dense) error {
	if m.input == nil {
		return ErrNoGraph
	}
	var dW mat.Dense
	dW.Mul(m.input.T(), gradLogits)
	m.weights.Grad.Add(m.weights.Grad, &dW)
	accumulateColSums(m.bias.Grad, gradLogits)
	m.input = nil
	return nil
}

func (m *Linear) Params() []*Param { return []*Param{m.weights, m.bias} }

func (m *Linear) SetTraining(training bool) {
	m.training = training
	if !training {
		m.input = nil
	}
}

func (m *Linear) ZeroGrad() { zeroGrads(m.Params()) }
