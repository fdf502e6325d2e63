// Package nn defines the model, classifier and loss contracts the trainer
// drives, plus small host-side reference implementations selected by name.
//
// Production architectures plug in by implementing Backbone, Classifier and
// Loss; the reference implementations exist so that every training path runs
// without an external framework.
package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// Backbone maps a padded batch of [frames][featDim] matrices to embeddings.
// Backward must be called after the Forward whose output it differentiates.
type Backbone interface {
	Module
	Forward(feats [][][]float32, lengths []int) [][]float32
	Backward(dEmb [][]float32)
	EmbeddingDim() int
}

// Classifier maps embeddings to per-class logits.
type Classifier interface {
	Module
	Forward(emb [][]float32) [][]float32
	Backward(dLogits [][]float32) [][]float32
}

// Loss reduces logits against labels to a scalar mean loss and its gradient.
type Loss interface {
	Compute(logits [][]float32, labels []int) (float64, [][]float32)
}

// ModelConfig selects the backbone.
type ModelConfig struct {
	Type   string `yaml:"type"`
	EmbDim int    `yaml:"emb_dim"`
}

// ClassifierConfig selects the classification head.
type ClassifierConfig struct {
	Type string `yaml:"type"`
}

// LossConfig selects the loss.
type LossConfig struct {
	Type    string  `yaml:"type"`
	Epsilon float64 `yaml:"epsilon"` // label smoothing weight
}

// Valid registries. Empty string selects the first listed default.
var (
	ValidModels      = map[string]bool{"": true, "mean_pool_linear": true}
	ValidClassifiers = map[string]bool{"": true, "linear": true}
	ValidLosses      = map[string]bool{"": true, "ce": true, "label_smoothing_ce": true}
)

// Validate checks names and ranges.
func (c ModelConfig) Validate() error {
	if !ValidModels[c.Type] {
		return fmt.Errorf("unknown model type %q; valid: mean_pool_linear", c.Type)
	}
	if c.EmbDim <= 0 {
		return fmt.Errorf("model.emb_dim must be positive, got %d", c.EmbDim)
	}
	return nil
}

func (c ClassifierConfig) Validate() error {
	if !ValidClassifiers[c.Type] {
		return fmt.Errorf("unknown classifier type %q; valid: linear", c.Type)
	}
	return nil
}

func (c LossConfig) Validate() error {
	if !ValidLosses[c.Type] {
		return fmt.Errorf("unknown loss type %q; valid: ce, label_smoothing_ce", c.Type)
	}
	if math.IsNaN(c.Epsilon) || c.Epsilon < 0 || c.Epsilon >= 1 {
		return fmt.Errorf("loss.epsilon must be in [0, 1), got %f", c.Epsilon)
	}
	return nil
}

// BuildBackbone constructs the backbone named by cfg.
func BuildBackbone(cfg ModelConfig, featDim int, rng *rand.Rand) (Backbone, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if featDim <= 0 {
		return nil, fmt.Errorf("feat_dim must be positive, got %d", featDim)
	}
	switch cfg.Type {
	case "", "mean_pool_linear":
		return &MeanPoolLinear{proj: NewLinear("backbone.proj", featDim, cfg.EmbDim, rng), featDim: featDim}, nil
	default:
		return nil, fmt.Errorf("unhandled model type %q", cfg.Type)
	}
}

// BuildClassifier constructs the head named by cfg.
func BuildClassifier(cfg ClassifierConfig, embDim, nClass int, rng *rand.Rand) (Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if nClass <= 1 {
		return nil, fmt.Errorf("n_class must be at least 2, got %d", nClass)
	}
	switch cfg.Type {
	case "", "linear":
		return &LinearClassifier{fc: NewLinear("classifier.fc", embDim, nClass, rng)}, nil
	default:
		return nil, fmt.Errorf("unhandled classifier type %q", cfg.Type)
	}
}

// BuildLoss constructs the loss named by cfg.
func BuildLoss(cfg LossConfig) (Loss, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "", "ce":
		return CrossEntropy{}, nil
	case "label_smoothing_ce":
		return CrossEntropy{Epsilon: cfg.Epsilon}, nil
	default:
		return nil, fmt.Errorf("unhandled loss type %q", cfg.Type)
	}
}

// MeanPoolLinear averages frames over time and projects the result.
type MeanPoolLinear struct {
	proj    *Linear
	featDim int
}

func (m *MeanPoolLinear) Params() []*Param { return m.proj.Params() }

func (m *MeanPoolLinear) EmbeddingDim() int { return m.proj.out }

func (m *MeanPoolLinear) Forward(feats [][][]float32, lengths []int) [][]float32 {
	return m.proj.Forward(meanPool(feats, lengths, m.featDim))
}

// Backward stops at the pooled features; inputs are not trainable.
func (m *MeanPoolLinear) Backward(dEmb [][]float32) {
	m.proj.Backward(dEmb)
}

// LinearClassifier is a fully connected softmax head.
type LinearClassifier struct {
	fc *Linear
}

func (c *LinearClassifier) Params() []*Param { return c.fc.Params() }

func (c *LinearClassifier) Forward(emb [][]float32) [][]float32 { return c.fc.Forward(emb) }

func (c *LinearClassifier) Backward(dLogits [][]float32) [][]float32 { return c.fc.Backward(dLogits) }

// CrossEntropy is softmax cross-entropy averaged over the batch, with
// optional label smoothing: the target puts 1-Epsilon on the label and spreads
// Epsilon uniformly over all classes.
type CrossEntropy struct {
	Epsilon float64
}

func (ce CrossEntropy) Compute(logits [][]float32, labels []int) (float64, [][]float32) {
	n := len(logits)
	grads := make([][]float32, n)
	if n == 0 {
		return 0, grads
	}
	total := 0.0
	for i, row := range logits {
		probs := softmax(row)
		k := float64(len(row))
		g := make([]float32, len(row))
		for c, p := range probs {
			target := ce.Epsilon / k
			if c == labels[i] {
				target += 1 - ce.Epsilon
			}
			if target > 0 {
				total -= target * math.Log(math.Max(p, 1e-12))
			}
			g[c] = float32((p - target) / float64(n))
		}
		grads[i] = g
	}
	return total / float64(n), grads
}

// Correct counts rows whose argmax equals the label.
func Correct(logits [][]float32, labels []int) int {
	correct := 0
	for i, row := range logits {
		best := 0
		for c := range row {
			if row[c] > row[best] {
				best = c
			}
		}
		if best == labels[i] {
			correct++
		}
	}
	return correct
}

func softmax(row []float32) []float64 {
	maxV := math.Inf(-1)
	for _, v := range row {
		maxV = math.Max(maxV, float64(v))
	}
	out := make([]float64, len(row))
	sum := 0.0
	for i, v := range row {
		e := math.Exp(float64(v) - maxV)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
