// Package checkpoint persists one checkpoint triple per epoch:
//
//	model/E.pdparams   model parameters (gob-encoded state dict)
//	model/E.pdopt      optimizer state (gob)
//	model/E.json       {"step", "epoch", "lr", "val_loss"}
//
// The JSON record is written last; its presence marks the triple complete.
// Binary files may be zstd or lz4 compressed; readers detect the codec from the
// frame header, so a run can resume under a different compression setting.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sidtrain/sidtrain/sid/blob"
	"github.com/sidtrain/sidtrain/sid/codec"
	"github.com/sidtrain/sidtrain/sid/nn"
	"github.com/sidtrain/sidtrain/sid/optim"
)

// ErrNoCheckpoint is returned when the store holds no complete checkpoint.
var ErrNoCheckpoint = errors.New("no complete checkpoint found")

// Dir is the store prefix under which checkpoint files live.
const Dir = "model"

const (
	paramsExt = ".pdparams"
	optExt    = ".pdopt"
	recordExt = ".json"
)

// Retention policies.
const (
	KeepAll  = "keep_all"
	KeepBest = "keep_best"
	KeepLast = "keep_last"
)

// ValidPolicies lists the accepted retention policy names. Empty means keep_all.
var ValidPolicies = map[string]bool{"": true, KeepAll: true, KeepBest: true, KeepLast: true}

// Config is the checkpoint section of the run configuration.
type Config struct {
	Policy            string      `yaml:"policy"`
	Keep              int         `yaml:"keep"`
	Compression       string      `yaml:"compression"`
	UploadBytesPerSec int64       `yaml:"upload_bytes_per_sec"`
	Storage           blob.Config `yaml:"storage"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Policy == "" {
		c.Policy = KeepAll
	}
	if c.Keep == 0 {
		c.Keep = 3
	}
	if c.Compression == "" {
		c.Compression = string(codec.None)
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = blob.BackendLocal
	}
}

func (c Config) Validate() error {
	if !ValidPolicies[c.Policy] {
		return fmt.Errorf("unknown checkpoint policy %q; valid: keep_all, keep_best, keep_last", c.Policy)
	}
	if c.Policy == KeepLast && c.Keep < 1 {
		return fmt.Errorf("checkpoint.keep must be >= 1 for keep_last, got %d", c.Keep)
	}
	if !codec.ValidCompressions[c.Compression] {
		return fmt.Errorf("unknown checkpoint compression %q; valid: none, zstd, lz4", c.Compression)
	}
	if c.UploadBytesPerSec < 0 {
		return fmt.Errorf("checkpoint.upload_bytes_per_sec must be >= 0, got %d", c.UploadBytesPerSec)
	}
	return c.Storage.Validate()
}

// Record is the JSON side-car of one checkpoint.
type Record struct {
	Step    int     `json:"step"`
	Epoch   int     `json:"epoch"`
	LR      float64 `json:"lr"`
	ValLoss float64 `json:"val_loss"`
}

// ParamsName returns the store name of the parameter file for epoch.
func ParamsName(epoch int) string { return path.Join(Dir, strconv.Itoa(epoch)+paramsExt) }

// OptName returns the store name of the optimizer file for epoch.
func OptName(epoch int) string { return path.Join(Dir, strconv.Itoa(epoch)+optExt) }

// RecordName derives the JSON side-car name from a parameter file name.
func RecordName(paramsName string) string {
	return strings.TrimSuffix(paramsName, paramsExt) + recordExt
}

// Manager writes, lists, loads and prunes checkpoints in a blob store.
type Manager struct {
	store  blob.Store
	comp   codec.Compression
	policy string
	keep   int
	log    *logrus.Entry
}

// NewManager wraps store. cfg must have passed Validate.
func NewManager(store blob.Store, cfg Config, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	policy := cfg.Policy
	if policy == "" {
		policy = KeepAll
	}
	return &Manager{
		store:  store,
		comp:   codec.Compression(cfg.Compression),
		policy: policy,
		keep:   cfg.Keep,
		log:    log,
	}
}

// Save writes the triple for rec.Epoch (params, optimizer, JSON in that order)
// and then applies the retention policy. It returns the parameter file name.
func (m *Manager) Save(ctx context.Context, params nn.StateDict, opt optim.State, rec Record) (string, error) {
	if math.IsNaN(rec.ValLoss) || math.IsInf(rec.ValLoss, 0) {
		return "", fmt.Errorf("epoch %d: non-finite validation loss %v", rec.Epoch, rec.ValLoss)
	}
	paramsName := ParamsName(rec.Epoch)
	if err := m.putGob(ctx, paramsName, params); err != nil {
		return "", fmt.Errorf("save params: %w", err)
	}
	if err := m.putGob(ctx, OptName(rec.Epoch), opt); err != nil {
		return "", fmt.Errorf("save optimizer: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	if err := m.store.Put(ctx, RecordName(paramsName), data); err != nil {
		return "", fmt.Errorf("save record: %w", err)
	}
	if err := m.prune(ctx); err != nil {
		return "", fmt.Errorf("apply %s retention: %w", m.policy, err)
	}
	return paramsName, nil
}

// List returns the complete checkpoints ordered by epoch.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	names, err := m.store.List(ctx, Dir+"/")
	if err != nil {
		return nil, err
	}
	var recs []Record
	for _, name := range names {
		epoch, ok := recordEpoch(name)
		if !ok {
			continue
		}
		data, err := m.store.Get(ctx, name)
		if errors.Is(err, blob.ErrNotFound) {
			continue // pruned between List and Get
		}
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if rec.Epoch != epoch {
			return nil, fmt.Errorf("%s records epoch %d", name, rec.Epoch)
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Epoch < recs[j].Epoch })
	return recs, nil
}

// Latest returns the newest complete checkpoint or ErrNoCheckpoint.
func (m *Manager) Latest(ctx context.Context) (Record, error) {
	recs, err := m.List(ctx)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNoCheckpoint
	}
	return recs[len(recs)-1], nil
}

// Load reads the parameter and optimizer files of epoch.
func (m *Manager) Load(ctx context.Context, epoch int) (nn.StateDict, optim.State, error) {
	var params nn.StateDict
	var opt optim.State
	if err := m.getGob(ctx, ParamsName(epoch), &params); err != nil {
		return nil, optim.State{}, fmt.Errorf("load params: %w", err)
	}
	if err := m.getGob(ctx, OptName(epoch), &opt); err != nil {
		return nil, optim.State{}, fmt.Errorf("load optimizer: %w", err)
	}
	return params, opt, nil
}

// Best returns the record with the lowest finite validation loss; ties go to
// the earlier epoch. ok is false when recs is empty.
func Best(recs []Record) (best Record, ok bool) {
	for _, r := range recs {
		if !ok || lossLess(r.ValLoss, best.ValLoss) {
			best, ok = r, true
		}
	}
	return best, ok
}

func lossLess(a, b float64) bool {
	if math.IsNaN(b) {
		return !math.IsNaN(a)
	}
	return a < b
}

func (m *Manager) prune(ctx context.Context) error {
	if m.policy == KeepAll {
		return nil
	}
	recs, err := m.List(ctx)
	if err != nil {
		return err
	}
	keep := make(map[int]bool)
	switch m.policy {
	case KeepBest:
		if best, ok := Best(recs); ok {
			keep[best.Epoch] = true
		}
	case KeepLast:
		for i := max(0, len(recs)-m.keep); i < len(recs); i++ {
			keep[recs[i].Epoch] = true
		}
	}
	for _, r := range recs {
		if keep[r.Epoch] {
			continue
		}
		if err := m.remove(ctx, r.Epoch); err != nil {
			return err
		}
		m.log.Debugf("Removed checkpoint of epoch %d (val loss %.6f)", r.Epoch, r.ValLoss)
	}
	return nil
}

// remove deletes the JSON first so a partially removed triple is never
// reported as complete.
func (m *Manager) remove(ctx context.Context, epoch int) error {
	paramsName := ParamsName(epoch)
	for _, name := range []string{RecordName(paramsName), paramsName, OptName(epoch)} {
		if err := m.store.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) putGob(ctx context.Context, name string, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	data, err := codec.Encode(m.comp, buf.Bytes())
	if err != nil {
		return err
	}
	return m.store.Put(ctx, name, data)
}

func (m *Manager) getGob(ctx context.Context, name string, v any) error {
	data, err := m.store.Get(ctx, name)
	if err != nil {
		return err
	}
	raw, err := codec.Decode(codec.Detect(data), data)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func recordEpoch(name string) (int, bool) {
	base, ok := strings.CutPrefix(name, Dir+"/")
	if !ok {
		return 0, false
	}
	stem, ok := strings.CutSuffix(base, recordExt)
	if !ok {
		return 0, false
	}
	epoch, err := strconv.Atoi(stem)
	if err != nil || epoch < 0 {
		return 0, false
	}
	return epoch, true
}
