// sid/config.go

package sid

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sidtrain/sidtrain/sid/checkpoint"
	"github.com/sidtrain/sidtrain/sid/nn"
	"github.com/sidtrain/sidtrain/sid/optim"
	"github.com/sidtrain/sidtrain/sid/sampler"
)

// Config is the training configuration file.
//
// Shuffle and DropLast are pointers so an omitted key keeps its default:
// shuffling only in distributed runs, and dropping the last short batch.
// NClass may be 0, in which case it is inferred from the training labels.
type Config struct {
	Seed            int64  `yaml:"seed"`
	BatchSize       int    `yaml:"batch_size"`
	NEpoch          int    `yaml:"n_epoch"`
	Sortagrad       bool   `yaml:"sortagrad"`
	SortagradEpochs int    `yaml:"sortagrad_epochs"`
	Shuffle         *bool  `yaml:"shuffle"`
	ShuffleMethod   string `yaml:"shuffle_method"`
	DropLast        *bool  `yaml:"drop_last"`
	NumWorkers      int    `yaml:"num_workers"`
	LogInterval     int    `yaml:"log_interval"`
	FeatDim         int    `yaml:"feat_dim"`
	NClass          int    `yaml:"n_class"`

	Model       nn.ModelConfig        `yaml:"model"`
	Classifier  nn.ClassifierConfig   `yaml:"classifier"`
	Loss        nn.LossConfig         `yaml:"loss"`
	Optimizer   optim.Config          `yaml:"optimizer"`
	LRScheduler optim.SchedulerConfig `yaml:"lr_scheduler"`
	Checkpoint  checkpoint.Config     `yaml:"checkpoint"`
}

// LoadConfig reads and strictly parses a YAML config file: unrecognized keys
// (typos) are rejected. Defaults are applied but the result is not validated.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig strictly decodes YAML bytes and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills fields the file left unset.
func (c *Config) ApplyDefaults() {
	if c.NEpoch == 0 {
		c.NEpoch = 10
	}
	if c.SortagradEpochs == 0 {
		c.SortagradEpochs = 1
	}
	if c.ShuffleMethod == "" {
		c.ShuffleMethod = sampler.ShuffleBatch
	}
	if c.DropLast == nil {
		c.DropLast = boolPtr(true)
	}
	if c.LogInterval == 0 {
		c.LogInterval = 10
	}
	if c.Model.EmbDim == 0 {
		c.Model.EmbDim = 192
	}
	if c.Optimizer.LearningRate == 0 {
		c.Optimizer.LearningRate = 1e-3
	}
	c.Checkpoint.ApplyDefaults()
}

// Validate checks every field and nested section.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size %d: %w", c.BatchSize, sampler.ErrInvalidBatchSize)
	}
	if c.NEpoch <= 0 {
		return fmt.Errorf("n_epoch must be positive, got %d", c.NEpoch)
	}
	if c.Sortagrad && c.SortagradEpochs < 1 {
		return fmt.Errorf("sortagrad_epochs must be >= 1, got %d", c.SortagradEpochs)
	}
	if !sampler.ValidShuffleMethods[c.ShuffleMethod] {
		return fmt.Errorf("unknown shuffle_method %q; valid: none, batch_shuffle, instance_shuffle", c.ShuffleMethod)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be >= 0, got %d", c.NumWorkers)
	}
	if c.LogInterval < 0 {
		return fmt.Errorf("log_interval must be >= 0, got %d", c.LogInterval)
	}
	if c.FeatDim <= 0 {
		return fmt.Errorf("feat_dim must be positive, got %d", c.FeatDim)
	}
	if c.NClass < 0 || c.NClass == 1 {
		return fmt.Errorf("n_class must be 0 (infer) or at least 2, got %d", c.NClass)
	}
	if math.IsNaN(c.Optimizer.LearningRate) || math.IsInf(c.Optimizer.LearningRate, 0) {
		return fmt.Errorf("optimizer.learning_rate must be finite, got %v", c.Optimizer.LearningRate)
	}
	for _, v := range []interface{ Validate() error }{c.Model, c.Classifier, c.Loss, c.Optimizer, c.LRScheduler, c.Checkpoint} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ShuffleFor reports whether a run of world ranks shuffles. Distributed runs
// always shuffle; a single rank shuffles only when the key says so.
func (c *Config) ShuffleFor(world int) bool {
	return world > 1 || (c.Shuffle != nil && *c.Shuffle)
}

// DropLastEnabled reports the effective drop-last flag.
func (c *Config) DropLastEnabled() bool { return c.DropLast == nil || *c.DropLast }

func boolPtr(b bool) *bool { return &b }
