package metrics

import (
	"errors"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// History holds per-epoch train and validation losses in epoch order.
type History struct {
	Train []float64
	Val   []float64
}

// Append records one epoch.
func (h *History) Append(trainLoss, valLoss float64) {
	h.Train = append(h.Train, trainLoss)
	h.Val = append(h.Val, valLoss)
}

// Len returns the number of recorded epochs.
func (h *History) Len() int { return len(h.Train) }

// Plot draws both loss curves against the 1-based epoch number.
func (h *History) Plot() (*plot.Plot, error) {
	if h.Len() == 0 {
		return nil, errors.New("metrics: empty history")
	}
	p := plot.New()
	p.Title.Text = "Loss"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	if err := plotutil.AddLinePoints(p, "train", series(h.Train), "val", series(h.Val)); err != nil {
		return nil, fmt.Errorf("plot losses: %w", err)
	}
	p.Legend.Top = true
	return p, nil
}

// SavePlot renders p to path; the format follows the file extension.
func SavePlot(p *plot.Plot, path string) error {
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

func series(values []float64) plotter.XYs {
	pts := make(plotter.XYs, len(values))
	for i, v := range values {
		pts[i].X = float64(i + 1)
		pts[i].Y = v
	}
	return pts
}
