package optim

import (
	"log"
	"math"
)

// RateSetter is anything with an adjustable learning rate.
type RateSetter interface {
	LR() float64
	SetLR(lr float64)
}

// PlateauConfig configures ReduceLROnPlateau in min mode.
type PlateauConfig struct {
	Patience int
	Factor   float64
	// Threshold is the relative improvement required to reset patience.
	Threshold float64
	MinLR     float64
	Verbose   bool
}

// ReduceLROnPlateau lowers the learning rate once the monitored metric has
// stopped decreasing for more than Patience consecutive epochs.
type ReduceLROnPlateau struct {
	opt    RateSetter
	cfg    PlateauConfig
	logger *log.Logger

	best       float64
	badEpochs  int
	lastEpoch  int
	reductions int
}

// NewReduceLROnPlateau wraps opt. A nil logger falls back to log.Default.
func NewReduceLROnPlateau(opt RateSetter, cfg PlateauConfig, logger *log.Logger) *ReduceLROnPlateau {
	if cfg.Patience < 0 {
		cfg.Patience = 0
	}
	if cfg.Factor <= 0 || cfg.Factor >= 1 {
		cfg.Factor = 0.1
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1e-4
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ReduceLROnPlateau{opt: opt, cfg: cfg, logger: logger, best: math.Inf(1)}
}

// Step records metric for the next epoch and returns true if the
// learning rate was reduced.
func (s *ReduceLROnPlateau) Step(metric float64) bool {
	s.lastEpoch++
	if metric < s.best*(1-s.cfg.Threshold) {
		s.best = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
	}
	if s.badEpochs <= s.cfg.Patience {
		return false
	}
	s.badEpochs = 0

	old := s.opt.LR()
	next := math.Max(old*s.cfg.Factor, s.cfg.MinLR)
	if old-next <= 1e-8 {
		return false
	}
	s.opt.SetLR(next)
	s.reductions++
	if s.cfg.Verbose {
		s.logger.Printf("epoch=%d reducing learning rate lr=%.4e", s.lastEpoch, next)
	}
	return true
}

// Best returns the lowest metric seen so far.
func (s *ReduceLROnPlateau) Best() float64 { return s.best }

// BadEpochs returns the current patience counter.
func (s *ReduceLROnPlateau) BadEpochs() int { return s.badEpochs }

// Reductions returns how many times the learning rate was lowered.
func (s *ReduceLROnPlateau) Reductions() int { return s.reductions }
