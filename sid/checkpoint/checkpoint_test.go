package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidtrain/sidtrain/sid/blob"
	"github.com/sidtrain/sidtrain/sid/nn"
	"github.com/sidtrain/sidtrain/sid/optim"
)

func fixtureState(v float32) (nn.StateDict, optim.State) {
	params := nn.StateDict{
		"backbone.proj.weight": {Shape: []int{2, 2}, Values: []float32{v, v, v, v}},
		"backbone.proj.bias":   {Shape: []int{2}, Values: []float32{0, v}},
	}
	opt := optim.State{Type: "adam", Steps: int(v), Slots: map[string][]float32{"m.backbone.proj.bias": {v, v}}}
	return params, opt
}

func save(t *testing.T, m *Manager, epoch int, valLoss float64) {
	t.Helper()
	params, opt := fixtureState(float32(epoch))
	_, err := m.Save(context.Background(), params, opt, Record{Step: 10 * (epoch + 1), Epoch: epoch, LR: 1e-3, ValLoss: valLoss})
	require.NoError(t, err)
}

func TestSave_KeepAll_OneTriplePerEpoch(t *testing.T) {
	// GIVEN a local store and the default keep_all policy
	store, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	m := NewManager(store, Config{}, nil)
	ctx := context.Background()

	for epoch := 0; epoch < 3; epoch++ {
		// WHEN epoch E is saved
		save(t, m, epoch, 1.0/float64(epoch+1))

		// THEN exactly one params, one optimizer and one JSON file exist for E
		// and the JSON epoch equals the filename index
		names, err := store.List(ctx, Dir+"/")
		require.NoError(t, err)
		assert.Len(t, names, 3*(epoch+1))
		for _, name := range []string{ParamsName(epoch), OptName(epoch), RecordName(ParamsName(epoch))} {
			assert.Contains(t, names, name)
		}
		data, err := store.Get(ctx, RecordName(ParamsName(epoch)))
		require.NoError(t, err)
		var rec map[string]any
		require.NoError(t, json.Unmarshal(data, &rec))
		assert.Equal(t, float64(epoch), rec["epoch"])
		assert.ElementsMatch(t, []string{"step", "epoch", "lr", "val_loss"}, keys(rec))
	}
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestNames(t *testing.T) {
	assert.Equal(t, "model/7.pdparams", ParamsName(7))
	assert.Equal(t, "model/7.pdopt", OptName(7))
	assert.Equal(t, "model/7.json", RecordName(ParamsName(7)))
}

func TestSaveLoad_RoundTripsWithEveryCompression(t *testing.T) {
	for _, comp := range []string{"none", "zstd", "lz4"} {
		t.Run(comp, func(t *testing.T) {
			m := NewManager(blob.NewMemory(), Config{Compression: comp}, nil)
			wantParams, wantOpt := fixtureState(3)
			_, err := m.Save(context.Background(), wantParams, wantOpt, Record{Epoch: 3})
			require.NoError(t, err)

			gotParams, gotOpt, err := m.Load(context.Background(), 3)
			require.NoError(t, err)
			assert.Equal(t, wantParams, gotParams)
			assert.Equal(t, wantOpt, gotOpt)
		})
	}
}

func TestLoad_ReadsCheckpointWrittenWithOtherCompression(t *testing.T) {
	store := blob.NewMemory()
	params, _ := fixtureState(1)
	_, err := NewManager(store, Config{Compression: "zstd"}, nil).Save(context.Background(), params, optim.State{Type: "sgd"}, Record{Epoch: 0})
	require.NoError(t, err)

	_, opt, err := NewManager(store, Config{Compression: "none"}, nil).Load(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "sgd", opt.Type)
}

func TestLatest_SkipsIncompleteTriples(t *testing.T) {
	// GIVEN epoch 0 complete and epoch 1 interrupted before its JSON was written
	store := blob.NewMemory()
	m := NewManager(store, Config{}, nil)
	save(t, m, 0, 0.5)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, ParamsName(1), []byte("partial")))

	// WHEN the newest checkpoint is requested
	rec, err := m.Latest(ctx)

	// THEN epoch 0 is returned
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Epoch)
	assert.Equal(t, 10, rec.Step)
}

func TestLatest_EmptyStore(t *testing.T) {
	_, err := NewManager(blob.NewMemory(), Config{}, nil).Latest(context.Background())
	assert.True(t, errors.Is(err, ErrNoCheckpoint))
}

func TestList_OrdersNumerically(t *testing.T) {
	m := NewManager(blob.NewMemory(), Config{}, nil)
	for _, e := range []int{10, 2, 1} {
		save(t, m, e, 1)
	}
	recs, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{recs[0].Epoch, recs[1].Epoch, recs[2].Epoch})
}

func TestList_MismatchedEpoch_ReturnsError(t *testing.T) {
	store := blob.NewMemory()
	require.NoError(t, store.Put(context.Background(), "model/4.json", []byte(`{"epoch":5}`)))
	_, err := NewManager(store, Config{}, nil).List(context.Background())
	assert.Error(t, err)
}

func TestSave_KeepBest_RetainsLowestLoss(t *testing.T) {
	store := blob.NewMemory()
	m := NewManager(store, Config{Policy: KeepBest}, nil)
	save(t, m, 0, 0.9)
	save(t, m, 1, 0.4)
	save(t, m, 2, 0.6)

	recs, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Epoch)

	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"model/1.json", "model/1.pdopt", "model/1.pdparams"}, names)
}

func TestSave_KeepLast(t *testing.T) {
	m := NewManager(blob.NewMemory(), Config{Policy: KeepLast, Keep: 2}, nil)
	for e := 0; e < 5; e++ {
		save(t, m, e, float64(e))
	}
	recs, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 3, recs[0].Epoch)
	assert.Equal(t, 4, recs[1].Epoch)
}

func TestSave_NonFiniteLoss_WritesNothing(t *testing.T) {
	store := blob.NewMemory()
	params, opt := fixtureState(1)
	_, err := NewManager(store, Config{}, nil).Save(context.Background(), params, opt, Record{Epoch: 0, ValLoss: math.NaN()})
	assert.Error(t, err)
	names, _ := store.List(context.Background(), "")
	assert.Empty(t, names)
}

func TestBest(t *testing.T) {
	_, ok := Best(nil)
	assert.False(t, ok)

	best, ok := Best([]Record{{Epoch: 0, ValLoss: 0.3}, {Epoch: 1, ValLoss: 0.2}, {Epoch: 2, ValLoss: 0.2}})
	require.True(t, ok)
	assert.Equal(t, 1, best.Epoch, "ties keep the earlier epoch")
}

func TestConfig_Validate(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.NoError(t, c.Validate())
	assert.Equal(t, KeepAll, c.Policy)

	assert.Error(t, Config{Policy: "keep_some"}.Validate())
	assert.Error(t, Config{Policy: KeepLast}.Validate())
	assert.Error(t, Config{Compression: "gzip"}.Validate())
	assert.Error(t, Config{UploadBytesPerSec: -1}.Validate())
	assert.Error(t, Config{Storage: blob.Config{Backend: "s3"}}.Validate())
}
