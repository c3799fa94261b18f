package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// MLP is a two layer perceptron: affine, ReLU, inverted dropout, affine.
type MLP struct {
	inputSize  int
	hiddenSize int
	numClasses int
	dropout    float64
	rng        *rand.Rand

	w1, b1, w2, b2 *Param

	training bool
	// activations recorded by the last training-mode Forward
	input  *mat.Dense
	hidden *mat.Dense
	mask   *mat.Dense
}

// MLPConfig sizes an MLP.
type MLPConfig struct {
	InputSize  int
	HiddenSize int
	NumClasses int
	Dropout    float64
	Seed       int64
}

// NewMLP constructs an MLP with He-initialized weights.
func NewMLP(cfg MLPConfig) (*MLP, error) {
	if cfg.InputSize <= 0 || cfg.HiddenSize <= 0 || cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("mlp: sizes must be > 0 (input=%d hidden=%d classes=%d)",
			cfg.InputSize, cfg.HiddenSize, cfg.NumClasses)
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("mlp: dropout must be in [0, 1) (got %g)", cfg.Dropout)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	return &MLP{
		inputSize:  cfg.InputSize,
		hiddenSize: cfg.HiddenSize,
		numClasses: cfg.NumClasses,
		dropout:    cfg.Dropout,
		rng:        rng,
		w1:         newParam("fc1.weight", heInit(rng, cfg.InputSize, cfg.HiddenSize)),
		b1:         newParam("fc1.bias", mat.NewDense(1, cfg.HiddenSize, nil)),
		w2:         newParam("fc2.weight", heInit(rng, cfg.HiddenSize, cfg.NumClasses)),
		b2:         newParam("fc2.bias", mat.NewDense(1, cfg.NumClasses, nil)),
		training:   true,
	}, nil
}

func heInit(rng *rand.Rand, fanIn, fanOut int) *mat.Dense {
	std := math.Sqrt(2 / float64(fanIn))
	data := make([]float64, fanIn*fanOut)
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return mat.NewDense(fanIn, fanOut, data)
}

func (m *MLP) Forward(x *mat.Dense) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != m.inputSize {
		return nil, fmt.Errorf("mlp: input has %d features, want %d", cols, m.inputSize)
	}

	hidden := mat.NewDense(rows, m.hiddenSize, nil)
	hidden.Mul(x, m.w1.Value)
	addBias(hidden, m.b1.Value)
	hidden.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, hidden)

	var mask *mat.Dense
	if m.training && m.dropout > 0 {
		keep := 1 - m.dropout
		mask = mat.NewDense(rows, m.hiddenSize, nil)
		mask.Apply(func(_, _ int, _ float64) float64 {
			if m.rng.Float64() < keep {
				return 1 / keep
			}
			return 0
		}, mask)
		hidden.MulElem(hidden, mask)
	}

	var out mat.Dense
	out.Mul(hidden, m.w2.Value)
	addBias(&out, m.b2.Value)

	if m.training {
		m.input, m.hidden, m.mask = x, hidden, mask
	} else {
		m.input, m.hidden, m.mask = nil, nil, nil
	}
	return &out, nil
}

func (m *MLP) Backward(gradLogits *mat.Dense) error {
	if m.input == nil {
		return ErrNoGraph
	}
	var dW2 mat.Dense
	dW2.Mul(m.hidden.T(), gradLogits)
	m.w2.Grad.Add(m.w2.Grad, &dW2)
	accumulateColSums(m.b2.Grad, gradLogits)

	var dHidden mat.Dense
	dHidden.Mul(gradLogits, m.w2.Value.T())
	if m.mask != nil {
		dHidden.MulElem(&dHidden, m.mask)
	}
	// hidden is post-ReLU (and post-dropout): zero entries pass no gradient.
	dHidden.Apply(func(i, j int, v float64) float64 {
		if m.hidden.At(i, j) <= 0 {
			return 0
		}
		return v
	}, &dHidden)

	var dW1 mat.Dense
	dW1.Mul(m.input.T(), &dHidden)
	m.w1.Grad.Add(m.w1.Grad, &dW1)
	accumulateColSums(m.b1.Grad, &dHidden)

	m.input, m.hidden, m.mask = nil, nil, nil
	return nil
}

func (m *MLP) Params() []*Param { return []*Param{m.w1, m.b1, m.w2, m.b2} }

func (m *MLP) SetTraining(training bool) {
	m.training = training
	if !training {
		m.input, m.hidden, m.mask = nil, nil, nil
	}
}

func (m *MLP) ZeroGrad() { zeroGrads(m.Params()) }
