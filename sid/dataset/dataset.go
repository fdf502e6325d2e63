// Package dataset loads speaker-identification metadata and exposes it as an
// immutable, indexable dataset.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sidtrain/sidtrain/sid/codec"
)

var (
	// ErrNoFeatures is returned by Load when a record carries neither inline
	// features nor a feature file.
	ErrNoFeatures = errors.New("record has no features")
	// ErrFeatureDim is returned when a feature matrix does not match the configured dimension.
	ErrFeatureDim = errors.New("feature dimension mismatch")
)

// Record is one metadata entry.
type Record struct {
	Key      string      `json:"key,omitempty"`
	Wav      string      `json:"wav,omitempty"`
	Feat     string      `json:"feat,omitempty"`
	Features [][]float32 `json:"features,omitempty"`
	Duration float64     `json:"duration"`
	Label    int         `json:"label"`
	Speaker  string      `json:"speaker,omitempty"`
}

// Sample is a loaded record: a [frames][featDim] matrix and its label.
type Sample struct {
	Key      string
	Features [][]float32
	Label    int
}

// Dataset is an ordered view over records, sorted by key.
type Dataset struct {
	records []Record
	featDim int
}

// New builds a Dataset. Records are copied and sorted by key; keys must be unique.
func New(records []Record, featDim int) (*Dataset, error) {
	if featDim <= 0 {
		return nil, fmt.Errorf("feat_dim must be positive, got %d", featDim)
	}
	rs := append([]Record(nil), records...)
	sort.Slice(rs, func(i, j int) bool { return rs[i].Key < rs[j].Key })
	for i, r := range rs {
		if r.Key == "" {
			return nil, fmt.Errorf("record %d: empty key", i)
		}
		if i > 0 && rs[i-1].Key == r.Key {
			return nil, fmt.Errorf("duplicate key %q", r.Key)
		}
		if r.Label < 0 {
			return nil, fmt.Errorf("record %q: negative label %d", r.Key, r.Label)
		}
		if r.Duration < 0 || math.IsNaN(r.Duration) || math.IsInf(r.Duration, 0) {
			return nil, fmt.Errorf("record %q: invalid duration %f", r.Key, r.Duration)
		}
	}
	return &Dataset{records: rs, featDim: featDim}, nil
}

// Len returns the number of records.
func (d *Dataset) Len() int { return len(d.records) }

// Duration returns the duration of record i.
func (d *Dataset) Duration(i int) float64 { return d.records[i].Duration }

// Record returns record i.
func (d *Dataset) Record(i int) Record { return d.records[i] }

// FeatDim returns the feature dimension every sample must have.
func (d *Dataset) FeatDim() int { return d.featDim }

// NumClasses returns max(label)+1, or 0 for an empty dataset.
func (d *Dataset) NumClasses() int {
	n := 0
	for _, r := range d.records {
		if r.Label+1 > n {
			n = r.Label + 1
		}
	}
	return n
}

// Load reads sample i. Inline features take precedence over the feature file.
func (d *Dataset) Load(i int) (Sample, error) {
	r := d.records[i]
	s := Sample{Key: r.Key, Label: r.Label}
	switch {
	case len(r.Features) > 0:
		for f, frame := range r.Features {
			if len(frame) != d.featDim {
				return Sample{}, fmt.Errorf("%w: %q frame %d has %d values, want %d", ErrFeatureDim, r.Key, f, len(frame), d.featDim)
			}
		}
		s.Features = r.Features
	case r.Feat != "":
		feats, err := ReadFeatureFile(r.Feat, d.featDim)
		if err != nil {
			return Sample{}, fmt.Errorf("load %q: %w", r.Key, err)
		}
		s.Features = feats
	default:
		return Sample{}, fmt.Errorf("%w: %q", ErrNoFeatures, r.Key)
	}
	return s, nil
}

// ReadFeatureFile reads a raw little-endian float32 matrix with featDim columns.
// The file may be zstd or lz4 compressed, selected by extension.
func ReadFeatureFile(path string, featDim int) ([][]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, err := codec.Decode(codec.FromExtension(path), raw)
	if err != nil {
		return nil, err
	}
	rowBytes := 4 * featDim
	if len(data)%rowBytes != 0 {
		return nil, fmt.Errorf("%w: %s has %d bytes, not a multiple of %d", ErrFeatureDim, path, len(data), rowBytes)
	}
	frames := make([][]float32, len(data)/rowBytes)
	for f := range frames {
		row := make([]float32, featDim)
		off := f * rowBytes
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4*j:]))
		}
		frames[f] = row
	}
	return frames, nil
}

// WriteFeatureFile is the inverse of ReadFeatureFile.
func WriteFeatureFile(path string, frames [][]float32) error {
	var buf bytes.Buffer
	for _, row := range frames {
		if err := binary.Write(&buf, binary.LittleEndian, row); err != nil {
			return err
		}
	}
	data, err := codec.Encode(codec.FromExtension(path), buf.Bytes())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadMetadata reads a metadata blob. Files ending in ".jsonl" (before any
// compression suffix) hold one record per line with a "key" field; any other
// file holds one JSON object mapping key to record. Relative wav/feat paths
// are resolved against the metadata file's directory.
func LoadMetadata(path string) ([]Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	comp := codec.FromExtension(path)
	data, err := codec.Decode(comp, raw)
	if err != nil {
		return nil, fmt.Errorf("decompressing metadata %s: %w", path, err)
	}

	plain := strings.TrimSuffix(path, filepath.Ext(path))
	if comp == codec.None {
		plain = path
	}

	var records []Record
	if strings.EqualFold(filepath.Ext(plain), ".jsonl") {
		records, err = parseLines(data)
	} else {
		records, err = parseObject(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing metadata %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range records {
		records[i].Wav = resolve(base, records[i].Wav)
		records[i].Feat = resolve(base, records[i].Feat)
	}
	return records, nil
}

func parseObject(data []byte) ([]Record, error) {
	var m map[string]Record
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(m))
	for k, r := range m {
		r.Key = k
		records = append(records, r)
	}
	return records, nil
}

func parseLines(data []byte) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(text, &r); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, r)
	}
	return records, scanner.Err()
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
