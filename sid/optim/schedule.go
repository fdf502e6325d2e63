// sid/optim/schedule.go

package optim

import (
	"fmt"
	"math"
)

// Schedule maps a step count to a learning rate.
type Schedule interface {
	LR(step int) float64
}

// SchedulerConfig selects and parameterizes a Schedule.
type SchedulerConfig struct {
	Type       string  `yaml:"type"`
	BaseLR     float64 `yaml:"base_lr"`
	MaxLR      float64 `yaml:"max_lr"`
	StepSize   int     `yaml:"step_size"`
	Gamma      float64 `yaml:"gamma"`
	TotalSteps int     `yaml:"total_steps"`
}

// ValidSchedulers is the set of recognized schedule names. Empty means constant.
var ValidSchedulers = map[string]bool{"": true, "constant": true, "cyclic": true, "cosine": true, "step_decay": true}

// Validate checks names and ranges.
func (c SchedulerConfig) Validate() error {
	if !ValidSchedulers[c.Type] {
		return fmt.Errorf("unknown lr_scheduler type %q; valid: constant, cyclic, cosine, step_decay", c.Type)
	}
	switch c.Type {
	case "cyclic":
		if c.StepSize <= 0 {
			return fmt.Errorf("lr_scheduler.step_size must be positive for cyclic, got %d", c.StepSize)
		}
		if c.BaseLR < 0 || c.MaxLR < c.BaseLR {
			return fmt.Errorf("lr_scheduler requires 0 <= base_lr <= max_lr, got %g and %g", c.BaseLR, c.MaxLR)
		}
	case "cosine":
		if c.TotalSteps <= 0 {
			return fmt.Errorf("lr_scheduler.total_steps must be positive for cosine, got %d", c.TotalSteps)
		}
	case "step_decay":
		if c.StepSize <= 0 {
			return fmt.Errorf("lr_scheduler.step_size must be positive for step_decay, got %d", c.StepSize)
		}
		if c.Gamma <= 0 || c.Gamma > 1 {
			return fmt.Errorf("lr_scheduler.gamma must be in (0, 1], got %g", c.Gamma)
		}
	}
	return nil
}

// NewSchedule builds the schedule named by cfg. baseLR is the optimizer's
// learning rate, used by every schedule except cyclic.
func NewSchedule(cfg SchedulerConfig, baseLR float64) (Schedule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "", "constant":
		return Constant(baseLR), nil
	case "cyclic":
		return Cyclic{Base: cfg.BaseLR, Max: cfg.MaxLR, StepSize: cfg.StepSize}, nil
	case "cosine":
		return Cosine{Base: baseLR, TotalSteps: cfg.TotalSteps}, nil
	case "step_decay":
		return StepDecay{Base: baseLR, StepSize: cfg.StepSize, Gamma: cfg.Gamma}, nil
	default:
		return nil, fmt.Errorf("unhandled lr_scheduler type %q", cfg.Type)
	}
}

// Constant never changes.
type Constant float64

func (c Constant) LR(int) float64 { return float64(c) }

// Cyclic is the triangular cyclical schedule: it ramps linearly from Base to
// Max over StepSize steps and back down over the next StepSize steps.
type Cyclic struct {
	Base, Max float64
	StepSize  int
}

func (c Cyclic) LR(step int) float64 {
	cycle := math.Floor(1 + float64(step)/float64(2*c.StepSize))
	x := math.Abs(float64(step)/float64(c.StepSize) - 2*cycle + 1)
	return c.Base + (c.Max-c.Base)*math.Max(0, 1-x)
}

// Cosine anneals from Base to 0 over TotalSteps and stays at 0 afterwards.
type Cosine struct {
	Base       float64
	TotalSteps int
}

func (c Cosine) LR(step int) float64 {
	t := math.Min(float64(step), float64(c.TotalSteps))
	return 0.5 * c.Base * (1 + math.Cos(math.Pi*t/float64(c.TotalSteps)))
}

// StepDecay multiplies Base by Gamma every StepSize steps.
type StepDecay struct {
	Base     float64
	StepSize int
	Gamma    float64
}

func (s StepDecay) LR(step int) float64 {
	return s.Base * math.Pow(s.Gamma, float64(step/s.StepSize))
}
