package trainer

import (
	"context"
	"errors"
	"iter"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidtrain/sidtrain/sid/dataset"
	"github.com/sidtrain/sidtrain/sid/dist"
	"github.com/sidtrain/sidtrain/sid/loader"
	"github.com/sidtrain/sidtrain/sid/nn"
	"github.com/sidtrain/sidtrain/sid/optim"
	"github.com/sidtrain/sidtrain/sid/sampler"
)

// twoSpeakers is a linearly separable toy corpus: label 0 frames sit near
// (+1, 0), label 1 frames near (-1, 0).
type twoSpeakers struct{ n int }

func (d twoSpeakers) Len() int               { return d.n }
func (d twoSpeakers) Duration(i int) float64 { return float64(1 + i%4) }

func (d twoSpeakers) Load(i int) (dataset.Sample, error) {
	label := i % 2
	sign := float32(1)
	if label == 1 {
		sign = -1
	}
	frames := make([][]float32, 1+i%4)
	for f := range frames {
		frames[f] = []float32{sign * (1 + 0.1*float32(f)), 0.05 * float32(i%3)}
	}
	return dataset.Sample{Key: string(rune('a' + i)), Features: frames, Label: label}, nil
}

func buildModel(t *testing.T, seed int64) Model {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	bb, err := nn.BuildBackbone(nn.ModelConfig{EmbDim: 4}, 2, rng)
	require.NoError(t, err)
	cls, err := nn.BuildClassifier(nn.ClassifierConfig{}, 4, 2, rng)
	require.NoError(t, err)
	loss, err := nn.BuildLoss(nn.LossConfig{})
	require.NoError(t, err)
	return Model{Backbone: bb, Classifier: cls, Loss: loss}
}

func newLoader(t *testing.T, ds twoSpeakers, opts sampler.Options) (*loader.Loader, *sampler.BatchSampler) {
	t.Helper()
	s, err := sampler.New(ds, opts)
	require.NoError(t, err)
	return loader.New(ds, s, nil, loader.Options{}), s
}

func newTrainer(t *testing.T, model Model, group dist.Group, scalars *ScalarLog) *Trainer {
	t.Helper()
	opt, err := optim.Build(optim.Config{Type: "sgd", LearningRate: 0.5}, optim.Constant(0.5))
	require.NoError(t, err)
	return New(model, opt, group, nil, scalars, Options{LogInterval: 2})
}

func TestTrainEpoch_ReducesValidationLoss(t *testing.T) {
	// GIVEN a separable corpus and a single-rank trainer
	ds := twoSpeakers{n: 16}
	train, s := newLoader(t, ds, sampler.Options{BatchSize: 4, Shuffle: true, DropLast: true, Seed: 3})
	dev, _ := newLoader(t, ds, sampler.Options{BatchSize: 4})
	tr := newTrainer(t, buildModel(t, 1), dist.Single(), nil)
	ctx := context.Background()

	before, err := tr.Valid(ctx, 0, dev.Iterate(ctx, 0))
	require.NoError(t, err)

	// WHEN it trains for several epochs
	for epoch := 0; epoch < 20; epoch++ {
		stats, err := tr.TrainEpoch(ctx, epoch, train.Iterate(ctx, epoch), s.StepsPerReplica())
		require.NoError(t, err)
		assert.Equal(t, 4, stats.Steps)
		assert.Equal(t, uint64(16), stats.Coverage.GetCardinality())
	}

	// THEN validation loss drops and the corpus is classified
	after, err := tr.Valid(ctx, 20, dev.Iterate(ctx, 20))
	require.NoError(t, err)
	assert.Less(t, after.Loss, before.Loss)
	assert.Equal(t, 1.0, after.Accuracy)
	assert.Equal(t, 16, after.Samples)
	assert.Equal(t, 80, tr.Iteration)
}

func TestTrainEpoch_ReplicasStayInLockstepAndAgree(t *testing.T) {
	// GIVEN 2 ranks over 5 batches: rank 0 gets 3 batches, rank 1 gets 2
	ds := twoSpeakers{n: 18}
	groups := dist.NewLocalGroups(2)
	trainers := make([]*Trainer, 2)
	covered := make([]uint64, 2)

	// WHEN both ranks train one epoch with identical initial weights
	err := dist.LocalLauncher{}.Launch(context.Background(), 2, func(ctx context.Context, rank int) error {
		l, s := newLoader(t, ds, sampler.Options{BatchSize: 4, Shuffle: true, Seed: 9, NumReplicas: 2, Rank: rank})
		tr := newTrainer(t, buildModel(t, 7), groups[rank], nil)
		trainers[rank] = tr
		stats, err := tr.TrainEpoch(ctx, 1, l.Iterate(ctx, 1), s.StepsPerReplica())
		if err != nil {
			return err
		}
		covered[rank] = stats.Coverage.GetCardinality()
		return nil
	})
	require.NoError(t, err)

	// THEN both ran the same number of steps, every sample was seen once and
	// the parameters are identical on both ranks
	assert.Equal(t, trainers[0].Iteration, trainers[1].Iteration)
	assert.Equal(t, 3, trainers[0].Iteration)
	assert.Equal(t, uint64(18), covered[0]+covered[1])
	assert.Equal(t, nn.StateDictOf(trainers[0].Params()), nn.StateDictOf(trainers[1].Params()))
}

func TestTrainEpoch_LoaderErrorStopsEpoch(t *testing.T) {
	boom := errors.New("bad feature file")
	batches := func(yield func(*loader.Batch, error) bool) {
		yield(nil, boom)
	}
	tr := newTrainer(t, buildModel(t, 1), dist.Single(), nil)
	_, err := tr.TrainEpoch(context.Background(), 0, iter.Seq2[*loader.Batch, error](batches), 3)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 0, tr.Iteration)
}

func TestTrainEpoch_DuplicateIndex_ReturnsError(t *testing.T) {
	ds := twoSpeakers{n: 4}
	b, err := loader.SimpleCollator{}.Collate([]int{1, 1}, []dataset.Sample{must(ds.Load(1)), must(ds.Load(1))})
	require.NoError(t, err)
	batches := func(yield func(*loader.Batch, error) bool) { yield(b, nil) }

	tr := newTrainer(t, buildModel(t, 1), dist.Single(), nil)
	_, err = tr.TrainEpoch(context.Background(), 0, batches, 1)
	assert.Error(t, err)
}

func must(s dataset.Sample, err error) dataset.Sample {
	if err != nil {
		panic(err)
	}
	return s
}

// nanLoss reports NaN with zero gradients, as a diverged step would.
type nanLoss struct{}

func (nanLoss) Compute(logits [][]float32, labels []int) (float64, [][]float32) {
	grads := make([][]float32, len(logits))
	for i := range logits {
		grads[i] = make([]float32, len(logits[i]))
	}
	return math.NaN(), grads
}

func TestTrainEpoch_NonFiniteLoss_ReturnsError(t *testing.T) {
	// GIVEN a model whose loss diverges and an open scalar log
	ds := twoSpeakers{n: 8}
	train, s := newLoader(t, ds, sampler.Options{BatchSize: 4, DropLast: true})
	model := buildModel(t, 1)
	model.Loss = nanLoss{}
	scalars, err := OpenScalarLog(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = scalars.Close() }()
	tr := newTrainer(t, model, dist.Single(), scalars)
	ctx := context.Background()

	// WHEN an epoch runs
	_, err = tr.TrainEpoch(ctx, 0, train.Iterate(ctx, 0), s.StepsPerReplica())

	// THEN the training error names the divergence and no step was applied
	require.ErrorIs(t, err, ErrNonFiniteLoss)
	assert.Contains(t, err.Error(), "epoch 0 step 0")
	assert.Equal(t, 0, tr.Iteration)

	// AND validation reports it the same way
	_, err = tr.Valid(ctx, 0, train.Iterate(ctx, 0))
	assert.ErrorIs(t, err, ErrNonFiniteLoss)
}

func TestValid_EmptyDevSet(t *testing.T) {
	tr := newTrainer(t, buildModel(t, 1), dist.Single(), nil)
	empty := func(yield func(*loader.Batch, error) bool) {}
	stats, err := tr.Valid(context.Background(), 0, empty)
	require.NoError(t, err)
	assert.Equal(t, ValStats{}, stats)
}

func TestTrainer_WritesScalarLog(t *testing.T) {
	// GIVEN a scalar log in a temp dir
	dir := filepath.Join(t.TempDir(), "visualdl")
	scalars, err := OpenScalarLog(dir)
	require.NoError(t, err)

	ds := twoSpeakers{n: 8}
	l, s := newLoader(t, ds, sampler.Options{BatchSize: 2, DropLast: true})
	tr := newTrainer(t, buildModel(t, 2), dist.Single(), scalars)
	ctx := context.Background()

	// WHEN one epoch is trained (4 steps, logging every 2) and validated
	_, err = tr.TrainEpoch(ctx, 0, l.Iterate(ctx, 0), s.StepsPerReplica())
	require.NoError(t, err)
	_, err = tr.Valid(ctx, 0, l.Iterate(ctx, 0))
	require.NoError(t, err)
	require.NoError(t, scalars.Close())

	// THEN the log holds two loss/lr pairs and one validation pair
	f, err := os.Open(filepath.Join(dir, ScalarFile))
	require.NoError(t, err)
	defer f.Close()
	recs, err := ReadScalars(f)
	require.NoError(t, err)
	tags := make([]string, len(recs))
	for i, r := range recs {
		tags[i] = r.Tag
	}
	assert.Equal(t, []string{"train/loss", "train/lr", "train/loss", "train/lr", "valid/loss", "valid/acc"}, tags)
	assert.Equal(t, 2, recs[0].Step)
	assert.Equal(t, 4, recs[2].Step)
	assert.InDelta(t, 0.5, recs[1].Value, 1e-12)
}

func TestScalarLog_NilIsNoop(t *testing.T) {
	var s *ScalarLog
	assert.NoError(t, s.Add("x", 1, 2))
	assert.NoError(t, s.Close())
	assert.Equal(t, "", s.Path())
}

func TestScalarLog_CloseTwice(t *testing.T) {
	// GIVEN a scalar log with one record
	s, err := OpenScalarLog(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Add("train/loss", 1, 0.5))

	// WHEN it is closed twice
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "second close is a no-op")

	// THEN writes after close fail and the record survived
	assert.ErrorIs(t, s.Add("train/loss", 2, 0.4), os.ErrClosed)
	f, err := os.Open(s.Path())
	require.NoError(t, err)
	defer f.Close()
	recs, err := ReadScalars(f)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
