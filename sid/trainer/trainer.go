// Package trainer runs one training epoch and one validation pass over
// loader batches, averaging gradients across ranks through a dist.Group.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/sirupsen/logrus"

	"github.com/sidtrain/sidtrain/sid/dist"
	"github.com/sidtrain/sidtrain/sid/loader"
	"github.com/sidtrain/sidtrain/sid/nn"
	"github.com/sidtrain/sidtrain/sid/optim"
)

// ErrNonFiniteLoss is returned when a step or validation pass yields NaN or Inf.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// Model bundles the trainable modules and the loss.
type Model struct {
	Backbone   nn.Backbone
	Classifier nn.Classifier
	Loss       nn.Loss
}

// Params returns backbone parameters followed by classifier parameters.
func (m Model) Params() []*nn.Param { return nn.Collect(m.Backbone, m.Classifier) }

// Forward runs a batch through backbone and classifier.
func (m Model) Forward(b *loader.Batch) [][]float32 {
	return m.Classifier.Forward(m.Backbone.Forward(b.Features, b.Lengths))
}

// Options tune logging.
type Options struct {
	LogInterval int // steps between progress lines; <= 0 logs only epoch summaries
}

// Trainer owns the step counter and the gradient exchange buffer of one rank.
type Trainer struct {
	model   Model
	params  []*nn.Param
	opt     optim.Optimizer
	group   dist.Group
	log     *logrus.Entry
	scalars *ScalarLog
	opts    Options

	// Iteration counts optimizer steps across epochs. It is restored on resume.
	Iteration int

	buf []float32
}

// New creates a Trainer. scalars may be nil (ranks other than 0 pass nil).
func New(model Model, opt optim.Optimizer, group dist.Group, log *logrus.Entry, scalars *ScalarLog, opts Options) *Trainer {
	if group == nil {
		group = dist.Single()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	params := model.Params()
	return &Trainer{
		model:   model,
		params:  params,
		opt:     opt,
		group:   group,
		log:     log,
		scalars: scalars,
		opts:    opts,
		buf:     make([]float32, 0, nn.NumValues(params)+1),
	}
}

// Params returns the trainable parameters in checkpoint order.
func (t *Trainer) Params() []*nn.Param { return t.params }

// Optimizer returns the optimizer driven by the trainer.
func (t *Trainer) Optimizer() optim.Optimizer { return t.opt }

// EpochStats summarizes one training epoch on this rank.
type EpochStats struct {
	Epoch    int
	Steps    int
	Samples  int     // samples this rank trained on
	Loss     float64 // mean of the globally averaged per-step losses
	LR       float64 // learning rate after the last step
	Coverage *roaring.Bitmap
}

// TrainEpoch runs exactly steps optimizer steps. Every rank must pass the same
// steps so collectives stay in lockstep; a rank whose batches run out
// contributes zero weight to the remaining all-reduces.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, batches iter.Seq2[*loader.Batch, error], steps int) (EpochStats, error) {
	next, stop := iter.Pull2(batches)
	defer stop()

	stats := EpochStats{Epoch: epoch, Coverage: roaring.New()}
	n := nn.NumValues(t.params)
	runningLoss, running := 0.0, 0

	for step := 0; step < steps; step++ {
		b, err, ok := next()
		if ok && err != nil {
			return stats, fmt.Errorf("epoch %d step %d: %w", epoch, step, err)
		}
		if !ok {
			b = nil
		}

		nn.ZeroGrads(t.params)
		loss, weight := 0.0, 0.0
		if b.Size() > 0 {
			for _, idx := range b.Indices {
				if !stats.Coverage.CheckedAdd(uint32(idx)) {
					return stats, fmt.Errorf("epoch %d: sample %d drawn twice", epoch, idx)
				}
			}
			logits := t.model.Forward(b)
			var dLogits [][]float32
			loss, dLogits = t.model.Loss.Compute(logits, b.Labels)
			t.model.Backbone.Backward(t.model.Classifier.Backward(dLogits))
			weight = float64(b.Size())
			stats.Samples += b.Size()
		}

		t.buf = append(nn.GatherGrads(t.params, t.buf), float32(loss))
		if err := t.group.AllReduceMean(ctx, t.buf, weight); err != nil {
			return stats, fmt.Errorf("epoch %d step %d: all-reduce: %w", epoch, step, err)
		}
		nn.ScatterGrads(t.params, t.buf[:n])
		globalLoss := float64(t.buf[n])
		if !finite(globalLoss) {
			return stats, fmt.Errorf("epoch %d step %d: %w %v", epoch, step, ErrNonFiniteLoss, globalLoss)
		}

		lr := t.opt.LR()
		t.opt.Step(t.params)
		t.Iteration++
		stats.Steps++
		stats.Loss += globalLoss
		runningLoss += globalLoss
		running++

		if t.opts.LogInterval > 0 && stats.Steps%t.opts.LogInterval == 0 {
			avg := runningLoss / float64(running)
			t.log.Infof("Train epoch %d [%d/%d] loss %.6f lr %.6g", epoch, stats.Steps, steps, avg, lr)
			if err := t.scalars.Add("train/loss", t.Iteration, avg); err != nil {
				return stats, err
			}
			if err := t.scalars.Add("train/lr", t.Iteration, lr); err != nil {
				return stats, err
			}
			runningLoss, running = 0, 0
		}
	}

	if stats.Steps > 0 {
		stats.Loss /= float64(stats.Steps)
	}
	stats.LR = t.opt.LR()
	t.log.Infof("Train epoch %d done: %d steps, %d samples on this rank, mean loss %.6f",
		epoch, stats.Steps, stats.Samples, stats.Loss)
	return stats, nil
}

// ValStats summarizes a validation pass.
type ValStats struct {
	Loss     float64 // sample-weighted mean loss
	Accuracy float64
	Samples  int
}

// Valid evaluates every batch without updating parameters. An empty dev set
// yields zero loss and accuracy.
func (t *Trainer) Valid(ctx context.Context, epoch int, batches iter.Seq2[*loader.Batch, error]) (ValStats, error) {
	var stats ValStats
	total, correct := 0.0, 0
	for b, err := range batches {
		if err != nil {
			return stats, fmt.Errorf("validate epoch %d: %w", epoch, err)
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		logits := t.model.Forward(b)
		loss, _ := t.model.Loss.Compute(logits, b.Labels)
		total += loss * float64(b.Size())
		correct += nn.Correct(logits, b.Labels)
		stats.Samples += b.Size()
	}
	if stats.Samples > 0 {
		stats.Loss = total / float64(stats.Samples)
		stats.Accuracy = float64(correct) / float64(stats.Samples)
	}
	if !finite(stats.Loss) {
		return stats, fmt.Errorf("validate epoch %d: %w %v", epoch, ErrNonFiniteLoss, stats.Loss)
	}
	t.log.Infof("Valid epoch %d: loss %.6f acc %.4f (%d samples)", epoch, stats.Loss, stats.Accuracy, stats.Samples)
	if err := t.scalars.Add("valid/loss", epoch, stats.Loss); err != nil {
		return stats, err
	}
	if err := t.scalars.Add("valid/acc", epoch, stats.Accuracy); err != nil {
		return stats, err
	}
	return stats, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
