// sid/run.go

package sid

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sidtrain/sidtrain/sid/blob"
	"github.com/sidtrain/sidtrain/sid/checkpoint"
	"github.com/sidtrain/sidtrain/sid/dataset"
	"github.com/sidtrain/sidtrain/sid/device"
	"github.com/sidtrain/sidtrain/sid/dist"
	"github.com/sidtrain/sidtrain/sid/loader"
	"github.com/sidtrain/sidtrain/sid/nn"
	"github.com/sidtrain/sidtrain/sid/optim"
	"github.com/sidtrain/sidtrain/sid/sampler"
	"github.com/sidtrain/sidtrain/sid/trainer"
)

// ScalarDir is the directory under the output root that holds the scalar log.
const ScalarDir = "visualdl"

// RunOptions are the command-line inputs of a training run.
type RunOptions struct {
	Config        *Config
	NGPU          int
	TrainMetadata string
	DevMetadata   string // optional; validation is skipped when empty
	OutputDir     string
	Resume        bool

	Probe    device.Probe   // nil means device.NvidiaProbe
	Launcher dist.Launcher  // nil means dist.LocalLauncher
	Logger   *logrus.Logger // nil means the standard logger
	Store    blob.Store     // nil means open Config.Checkpoint.Storage
}

// EpochResult is what the leader recorded for one epoch.
type EpochResult struct {
	Epoch     int
	Step      int
	LR        float64
	TrainLoss float64
	ValLoss   float64
	ValAcc    float64
	Saved     string // location of the parameter file
}

// Result summarizes a finished run.
type Result struct {
	Device     device.Device
	WorldSize  int
	StartEpoch int
	Epochs     []EpochResult
}

// resumeState is loaded once before ranks start and shared read-only.
type resumeState struct {
	params nn.StateDict
	opt    optim.State
	step   int
}

// Run executes the epoch loop: every rank trains and validates each epoch,
// then rank 0 writes the checkpoint triple and logs the validation loss.
func Run(ctx context.Context, opts RunOptions) (*Result, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("run: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.TrainMetadata == "" {
		return nil, errors.New("train metadata path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	probe := opts.Probe
	if probe == nil {
		probe = device.NvidiaProbe
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = dist.LocalLauncher{}
	}

	dev := device.Select(opts.NGPU, probe)
	logger.Infof("Device: %s", dev)
	if dev.Kind == device.GPU {
		logger.Warnf("Reference backend computes on the host; %d accelerator(s) selected but unused", dev.Count)
	}
	world := device.WorldSize(opts.NGPU)
	logger.Infof("World size: %d", world)

	trainDS, err := loadDataset(opts.TrainMetadata, cfg.FeatDim)
	if err != nil {
		return nil, fmt.Errorf("train metadata: %w", err)
	}
	logger.Infof("Train metadata: %s (%d utterances)", opts.TrainMetadata, trainDS.Len())
	var devDS *dataset.Dataset
	if opts.DevMetadata != "" {
		if devDS, err = loadDataset(opts.DevMetadata, cfg.FeatDim); err != nil {
			return nil, fmt.Errorf("dev metadata: %w", err)
		}
		logger.Infof("Dev metadata: %s (%d utterances)", opts.DevMetadata, devDS.Len())
	} else {
		logger.Warn("No dev metadata given; validation is skipped and val_loss is recorded as 0")
	}

	nClass := cfg.NClass
	if nClass == 0 {
		nClass = trainDS.NumClasses()
		logger.Infof("n_class inferred from train labels: %d", nClass)
	}
	if err := checkLabels(trainDS, nClass); err != nil {
		return nil, fmt.Errorf("train metadata: %w", err)
	}
	if devDS != nil {
		if err := checkLabels(devDS, nClass); err != nil {
			return nil, fmt.Errorf("dev metadata: %w", err)
		}
	}

	store := opts.Store
	if store == nil {
		if store, err = blob.Open(ctx, cfg.Checkpoint.Storage, opts.OutputDir); err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
	}
	store = blob.Throttle(store, cfg.Checkpoint.UploadBytesPerSec)
	ckpt := checkpoint.NewManager(store, cfg.Checkpoint, logger.WithField("rank", 0))

	res := &Result{Device: dev, WorldSize: world}
	var resume *resumeState
	if opts.Resume {
		if resume, res.StartEpoch, err = loadResume(ctx, ckpt, logger); err != nil {
			return nil, err
		}
	}

	scalars, err := trainer.OpenScalarLog(filepath.Join(opts.OutputDir, ScalarDir))
	if err != nil {
		return nil, err
	}

	r := &runner{
		cfg:     cfg,
		nClass:  nClass,
		world:   world,
		trainDS: trainDS,
		devDS:   devDS,
		ckpt:    ckpt,
		scalars: scalars,
		resume:  resume,
		logger:  logger,
		groups:  dist.NewLocalGroups(world),
		where: func(name string) string {
			return location(cfg.Checkpoint.Storage, opts.OutputDir, name)
		},
		result: res,
	}
	err = launcher.Launch(ctx, world, r.rank)
	return res, errors.Join(err, scalars.Close())
}

func loadDataset(path string, featDim int) (*dataset.Dataset, error) {
	records, err := dataset.LoadMetadata(path)
	if err != nil {
		return nil, err
	}
	return dataset.New(records, featDim)
}

// checkLabels rejects records whose label has no classifier output.
func checkLabels(ds *dataset.Dataset, nClass int) error {
	for i := 0; i < ds.Len(); i++ {
		if rec := ds.Record(i); rec.Label >= nClass {
			return fmt.Errorf("record %q: label %d outside n_class %d", rec.Key, rec.Label, nClass)
		}
	}
	return nil
}

func loadResume(ctx context.Context, ckpt *checkpoint.Manager, logger *logrus.Logger) (*resumeState, int, error) {
	rec, err := ckpt.Latest(ctx)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		logger.Info("Resume requested but no complete checkpoint found; starting from epoch 0")
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("resume: %w", err)
	}
	params, opt, err := ckpt.Load(ctx, rec.Epoch)
	if err != nil {
		return nil, 0, fmt.Errorf("resume from epoch %d: %w", rec.Epoch, err)
	}
	logger.Infof("Resuming after epoch %d (step %d, val loss %.6f)", rec.Epoch, rec.Step, rec.ValLoss)
	return &resumeState{params: params, opt: opt, step: rec.Step}, rec.Epoch + 1, nil
}

// runner holds what every rank shares. Datasets are immutable and safe to
// read concurrently; scalars, ckpt and result are touched by rank 0 only.
type runner struct {
	cfg     *Config
	nClass  int
	world   int
	trainDS *dataset.Dataset
	devDS   *dataset.Dataset
	ckpt    *checkpoint.Manager
	scalars *trainer.ScalarLog
	resume  *resumeState
	logger  *logrus.Logger
	groups  []dist.Group
	where   func(name string) string

	mu     sync.Mutex
	result *Result
}

func (r *runner) rank(ctx context.Context, rank int) error {
	cfg := r.cfg
	log := r.logger.WithField("rank", rank)
	log.Infof("Rank %d: pid %d, parent pid %d", rank, os.Getpid(), os.Getppid())
	leader := rank == 0

	rng := NewInitStreams(cfg.Seed)

	trainSampler, err := sampler.New(r.trainDS, trainSamplerOptions(cfg, r.world, rank, rng.SamplerSeed()))
	if err != nil {
		return fmt.Errorf("train sampler: %w", err)
	}
	loaderOpts := loader.Options{NumWorkers: cfg.NumWorkers}
	trainLoader := loader.New(r.trainDS, trainSampler, nil, loaderOpts)

	var devLoader *loader.Loader
	if r.devDS != nil {
		devSampler, err := sampler.New(r.devDS, sampler.Options{BatchSize: cfg.BatchSize})
		if err != nil {
			return fmt.Errorf("dev sampler: %w", err)
		}
		devLoader = loader.New(r.devDS, devSampler, nil, loaderOpts)
	}

	model, opt, err := r.build(rng)
	if err != nil {
		return err
	}
	var scalars *trainer.ScalarLog
	if leader {
		scalars = r.scalars
	}
	tr := trainer.New(model, opt, r.groups[rank], log, scalars, trainer.Options{LogInterval: cfg.LogInterval})
	if r.resume != nil {
		if err := nn.LoadStateDict(tr.Params(), r.resume.params); err != nil {
			return fmt.Errorf("restore parameters: %w", err)
		}
		if err := opt.Load(r.resume.opt); err != nil {
			return fmt.Errorf("restore optimizer: %w", err)
		}
		tr.Iteration = r.resume.step
	}

	start := r.result.StartEpoch
	for epoch := start; epoch < cfg.NEpoch; epoch++ {
		if trainSampler.SortagradActive(epoch) {
			log.Debugf("Epoch %d: sortagrad ordering by duration", epoch)
		}
		stats, err := tr.TrainEpoch(ctx, epoch, trainLoader.Iterate(ctx, epoch), trainSampler.StepsPerReplica())
		if err != nil {
			return err
		}
		val, err := tr.Valid(ctx, epoch, devBatches(ctx, devLoader, epoch))
		if err != nil {
			return err
		}
		if !leader {
			continue
		}
		rec := checkpoint.Record{Step: tr.Iteration, Epoch: epoch, LR: opt.LR(), ValLoss: val.Loss}
		name, err := r.ckpt.Save(ctx, nn.StateDictOf(tr.Params()), opt.State(), rec)
		if err != nil {
			return fmt.Errorf("checkpoint epoch %d: %w", epoch, err)
		}
		log.Infof("Saved model to %s", r.where(name))
		log.Infof("Epoch %d: val loss %.6f", epoch, val.Loss)

		r.mu.Lock()
		r.result.Epochs = append(r.result.Epochs, EpochResult{
			Epoch: epoch, Step: rec.Step, LR: rec.LR,
			TrainLoss: stats.Loss, ValLoss: val.Loss, ValAcc: val.Accuracy,
			Saved: r.where(name),
		})
		r.mu.Unlock()
	}
	return nil
}

// trainSamplerOptions configures the train split sampler for one rank.
func trainSamplerOptions(cfg *Config, world, rank int, seed int64) sampler.Options {
	return sampler.Options{
		BatchSize:       cfg.BatchSize,
		Shuffle:         cfg.ShuffleFor(world),
		ShuffleMethod:   cfg.ShuffleMethod,
		DropLast:        cfg.DropLastEnabled(),
		Sortagrad:       cfg.Sortagrad,
		SortagradEpochs: cfg.SortagradEpochs,
		Seed:            seed,
		NumReplicas:     world,
		Rank:            rank,
	}
}

// build constructs the model, loss and optimizer. Every rank draws from the
// same seeded streams, so replicas start from identical parameters.
func (r *runner) build(rng *InitStreams) (trainer.Model, optim.Optimizer, error) {
	cfg := r.cfg
	backbone, err := nn.BuildBackbone(cfg.Model, cfg.FeatDim, rng.For(StreamModel))
	if err != nil {
		return trainer.Model{}, nil, fmt.Errorf("build model: %w", err)
	}
	classifier, err := nn.BuildClassifier(cfg.Classifier, backbone.EmbeddingDim(), r.nClass, rng.For(StreamClassifier))
	if err != nil {
		return trainer.Model{}, nil, fmt.Errorf("build classifier: %w", err)
	}
	loss, err := nn.BuildLoss(cfg.Loss)
	if err != nil {
		return trainer.Model{}, nil, fmt.Errorf("build loss: %w", err)
	}
	sched, err := optim.NewSchedule(cfg.LRScheduler, cfg.Optimizer.LearningRate)
	if err != nil {
		return trainer.Model{}, nil, fmt.Errorf("build lr scheduler: %w", err)
	}
	opt, err := optim.Build(cfg.Optimizer, sched)
	if err != nil {
		return trainer.Model{}, nil, fmt.Errorf("build optimizer: %w", err)
	}
	return trainer.Model{Backbone: backbone, Classifier: classifier, Loss: loss}, opt, nil
}

func devBatches(ctx context.Context, l *loader.Loader, epoch int) iter.Seq2[*loader.Batch, error] {
	if l == nil {
		return func(func(*loader.Batch, error) bool) {}
	}
	return l.Iterate(ctx, epoch)
}

// location renders a store name for log lines.
func location(cfg blob.Config, outputDir, name string) string {
	switch cfg.Backend {
	case blob.BackendS3, blob.BackendMinIO:
		prefix := cfg.Prefix
		if prefix != "" {
			prefix += "/"
		}
		return fmt.Sprintf("%s://%s/%s%s", cfg.Backend, cfg.Bucket, prefix, name)
	default:
		return filepath.Join(outputDir, filepath.FromSlash(name))
	}
}
