package sid

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidtrain/sidtrain/sid/blob"
	"github.com/sidtrain/sidtrain/sid/checkpoint"
	"github.com/sidtrain/sidtrain/sid/dataset"
	"github.com/sidtrain/sidtrain/sid/trainer"
)

// writeMetadata writes n two-speaker utterances with inline 3-dim features.
func writeMetadata(t *testing.T, dir, name string, n int) string {
	t.Helper()
	m := make(map[string]dataset.Record, n)
	for i := 0; i < n; i++ {
		label := i % 2
		sign := float32(1 - 2*label)
		frames := make([][]float32, 2+i%3)
		for f := range frames {
			frames[f] = []float32{sign, 0.1 * float32(f), -sign}
		}
		m[fmt.Sprintf("spk%d-utt%03d", label, i)] = dataset.Record{
			Wav:      fmt.Sprintf("wav/%03d.wav", i),
			Features: frames,
			Duration: float64(len(frames)) * 0.01,
			Label:    label,
			Speaker:  fmt.Sprintf("spk%d", label),
		}
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testConfig(t *testing.T, nEpoch int) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
seed: 3
batch_size: 4
n_epoch: %d
sortagrad: true
feat_dim: 3
log_interval: 1
model: {emb_dim: 4}
optimizer: {type: sgd, learning_rate: 0.1}
`, nEpoch)))
	require.NoError(t, err)
	return cfg
}

func quietLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func noProbe(t *testing.T) func() int {
	return func() int {
		t.Error("accelerator probe called")
		return 0
	}
}

func TestRun_CPU_WritesOneTriplePerEpoch(t *testing.T) {
	// GIVEN train/dev metadata and a CPU run of 2 epochs
	dir := t.TempDir()
	out := filepath.Join(dir, "exp")
	logger, hook := quietLogger()

	// WHEN the run completes
	res, err := Run(context.Background(), RunOptions{
		Config:        testConfig(t, 2),
		NGPU:          0,
		TrainMetadata: writeMetadata(t, dir, "train.json", 16),
		DevMetadata:   writeMetadata(t, dir, "dev.json", 6),
		OutputDir:     out,
		Probe:         noProbe(t),
		Logger:        logger,
	})
	require.NoError(t, err)

	// THEN every epoch left params, optimizer and JSON files with matching epoch
	assert.Equal(t, 1, res.WorldSize)
	require.Len(t, res.Epochs, 2)
	for epoch := 0; epoch < 2; epoch++ {
		for _, ext := range []string{".pdparams", ".pdopt"} {
			assert.FileExists(t, filepath.Join(out, "model", fmt.Sprintf("%d%s", epoch, ext)))
		}
		data, err := os.ReadFile(filepath.Join(out, "model", fmt.Sprintf("%d.json", epoch)))
		require.NoError(t, err)
		var rec checkpoint.Record
		require.NoError(t, json.Unmarshal(data, &rec))
		assert.Equal(t, epoch, rec.Epoch)
		assert.Equal(t, 4*(epoch+1), rec.Step, "16 samples / batch 4 with drop-last")
		assert.Equal(t, filepath.Join(out, "model", fmt.Sprintf("%d.pdparams", epoch)), res.Epochs[epoch].Saved)
	}

	// AND the scalar log and the expected log lines exist
	assert.FileExists(t, filepath.Join(out, ScalarDir, trainer.ScalarFile))
	var sawSave, sawPid bool
	for _, e := range hook.AllEntries() {
		switch {
		case e.Message == fmt.Sprintf("Saved model to %s", res.Epochs[0].Saved):
			sawSave = true
		case e.Data["rank"] == 0 && strings.HasPrefix(e.Message, "Rank 0: pid"):
			sawPid = true
		}
	}
	assert.True(t, sawSave, "save path logged")
	assert.True(t, sawPid, "rank/pid logged")
}

func TestRun_Resume_ContinuesAfterNewestCheckpoint(t *testing.T) {
	// GIVEN a finished 2-epoch run in an in-memory store
	dir := t.TempDir()
	train := writeMetadata(t, dir, "train.json", 16)
	store := blob.NewMemory()
	logger, _ := quietLogger()
	opts := RunOptions{Config: testConfig(t, 2), TrainMetadata: train, OutputDir: dir, Store: store, Logger: logger, Probe: noProbe(t)}
	_, err := Run(context.Background(), opts)
	require.NoError(t, err)

	// WHEN it is resumed with n_epoch raised to 3
	opts.Config = testConfig(t, 3)
	opts.Resume = true
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)

	// THEN only epoch 2 runs and the step counter carries over
	assert.Equal(t, 2, res.StartEpoch)
	require.Len(t, res.Epochs, 1)
	assert.Equal(t, 2, res.Epochs[0].Epoch)
	assert.Equal(t, 12, res.Epochs[0].Step)

	recs, err := checkpoint.NewManager(store, checkpoint.Config{}, nil).List(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestRun_ResumeWithoutCheckpoint_StartsFresh(t *testing.T) {
	dir := t.TempDir()
	logger, _ := quietLogger()
	res, err := Run(context.Background(), RunOptions{
		Config: testConfig(t, 1), TrainMetadata: writeMetadata(t, dir, "train.json", 8),
		OutputDir: dir, Store: blob.NewMemory(), Resume: true, Logger: logger, Probe: noProbe(t),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.StartEpoch)
	assert.Len(t, res.Epochs, 1)
}

func TestRun_MultiRank_OnlyLeaderCheckpoints(t *testing.T) {
	// GIVEN ngpu=2 on a host without accelerators
	dir := t.TempDir()
	store := blob.NewMemory()
	logger, _ := quietLogger()

	// WHEN the run completes
	res, err := Run(context.Background(), RunOptions{
		Config:        testConfig(t, 2),
		NGPU:          2,
		TrainMetadata: writeMetadata(t, dir, "train.json", 20),
		DevMetadata:   writeMetadata(t, dir, "dev.json", 4),
		OutputDir:     dir,
		Store:         store,
		Logger:        logger,
		Probe:         func() int { return 0 },
	})
	require.NoError(t, err)

	// THEN two ranks ran, the device fell back to CPU and one triple per epoch exists
	assert.Equal(t, 2, res.WorldSize)
	assert.Equal(t, "cpu", string(res.Device.Kind))
	names, err := store.List(context.Background(), checkpoint.Dir+"/")
	require.NoError(t, err)
	assert.Len(t, names, 6)
	// 20 samples / batch 4 = 5 batches, split 3 + 2: three lockstep steps per epoch
	assert.Equal(t, 3, res.Epochs[0].Step)
	assert.Equal(t, 6, res.Epochs[1].Step)
}

func TestRun_InvalidInputs(t *testing.T) {
	_, err := Run(context.Background(), RunOptions{})
	assert.Error(t, err)

	cfg := testConfig(t, 1)
	cfg.BatchSize = 0
	_, err = Run(context.Background(), RunOptions{Config: cfg, TrainMetadata: "x"})
	assert.Error(t, err)

	_, err = Run(context.Background(), RunOptions{Config: testConfig(t, 1)})
	assert.Error(t, err, "train metadata is required")

	_, err = Run(context.Background(), RunOptions{Config: testConfig(t, 1), TrainMetadata: filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}

func TestRun_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	logger, _ := quietLogger()
	_, err := Run(ctx, RunOptions{
		Config: testConfig(t, 2), TrainMetadata: writeMetadata(t, dir, "train.json", 8),
		OutputDir: dir, Store: blob.NewMemory(), Logger: logger, Probe: noProbe(t),
	})
	assert.Error(t, err)
}

func TestRun_LabelOutsideNClass_ReturnsError(t *testing.T) {
	// GIVEN train labels {0,1} (n_class inferred as 2) and a dev speaker with label 7
	dir := t.TempDir()
	dev := map[string]dataset.Record{
		"spk7-utt000": {Features: [][]float32{{1, 0, -1}}, Duration: 0.01, Label: 7},
	}
	data, err := json.Marshal(dev)
	require.NoError(t, err)
	devPath := filepath.Join(dir, "dev.json")
	require.NoError(t, os.WriteFile(devPath, data, 0o644))
	store := blob.NewMemory()
	logger, _ := quietLogger()

	// WHEN the run starts
	_, err = Run(context.Background(), RunOptions{
		Config: testConfig(t, 1), TrainMetadata: writeMetadata(t, dir, "train.json", 8), DevMetadata: devPath,
		OutputDir: dir, Store: store, Logger: logger, Probe: noProbe(t),
	})

	// THEN it fails before training and no checkpoint is written
	require.Error(t, err)
	assert.Contains(t, err.Error(), "label 7 outside n_class 2")
	names, err := store.List(context.Background(), checkpoint.Dir+"/")
	require.NoError(t, err)
	assert.Empty(t, names)

	// AND a configured n_class that leaves out a dev label is rejected too
	cfg := testConfig(t, 1)
	cfg.NClass = 2
	data, err = json.Marshal(map[string]dataset.Record{
		"spk2-utt000": {Features: [][]float32{{1, 0, -1}}, Duration: 0.01, Label: 2},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(devPath, data, 0o644))
	_, err = Run(context.Background(), RunOptions{
		Config: cfg, TrainMetadata: writeMetadata(t, dir, "train.json", 8), DevMetadata: devPath,
		OutputDir: dir, Store: blob.NewMemory(), Logger: logger, Probe: noProbe(t),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev metadata")
}
