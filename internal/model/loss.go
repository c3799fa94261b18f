package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Criterion scores logits against integer class labels.
type Criterion interface {
	// Loss returns the batch loss and its gradient with respect to logits.
	Loss(logits *mat.Dense, labels []int) (float64, *mat.Dense, error)
}

// CrossEntropy is softmax cross-entropy averaged over the batch.
type CrossEntropy struct{}

func (CrossEntropy) Loss(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	rows, classes := logits.Dims()
	if rows != len(labels) {
		return 0, nil, fmt.Errorf("cross entropy: %d logit rows for %d labels", rows, len(labels))
	}
	probs := Softmax(logits)
	n := float64(rows)
	total := 0.0
	for i, label := range labels {
		if label < 0 || label >= classes {
			return 0, nil, fmt.Errorf("cross entropy: label %d out of range [0, %d)", label, classes)
		}
		total += -math.Log(math.Max(probs.At(i, label), 1e-12))
		row := probs.RawRowView(i)
		row[label] -= 1
	}
	probs.Scale(1/n, probs)
	return total / n, probs, nil
}

// Softmax normalizes each row of logits into a probability distribution.
func Softmax(logits *mat.Dense) *mat.Dense {
	rows, cols := logits.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		src := logits.RawRowView(i)
		dst := out.RawRowView(i)
		maxLogit := floats.Max(src)
		for j, v := range src {
			dst[j] = math.Exp(v - maxLogit)
		}
		floats.Scale(1/floats.Sum(dst), dst)
	}
	return out
}

// Argmax returns the index of the largest value in every row.
func Argmax(m *mat.Dense) []int {
	rows, _ := m.Dims()
	out := make([]int, rows)
	for i := range out {
		out[i] = floats.MaxIdx(m.RawRowView(i))
	}
	return out
}
