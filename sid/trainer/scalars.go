// sid/trainer/scalars.go

package trainer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ScalarFile is the name of the scalar log inside the visualization directory.
const ScalarFile = "scalars.jsonl"

// ScalarRecord is one line of the scalar log.
type ScalarRecord struct {
	Tag   string  `json:"tag"`
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// ScalarLog appends ScalarRecords as JSON lines. A nil *ScalarLog discards
// everything, so non-leader ranks can share the same code path.
type ScalarLog struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
	path string
	done bool
}

// OpenScalarLog opens (appending) dir/scalars.jsonl, creating dir as needed.
func OpenScalarLog(dir string) (*ScalarLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scalar log dir: %w", err)
	}
	path := filepath.Join(dir, ScalarFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open scalar log: %w", err)
	}
	w := bufio.NewWriter(f)
	return &ScalarLog{f: f, w: w, enc: json.NewEncoder(w), path: path}, nil
}

// Path returns the file being written, or "" for a nil log.
func (s *ScalarLog) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Add writes one record and flushes it.
func (s *ScalarLog) Add(tag string, step int, value float64) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("write scalar %s: %w", tag, os.ErrClosed)
	}
	if err := s.enc.Encode(ScalarRecord{Tag: tag, Step: step, Value: value}); err != nil {
		return fmt.Errorf("write scalar %s: %w", tag, err)
	}
	return s.w.Flush()
}

// Close flushes and closes the file. Later calls return nil.
func (s *ScalarLog) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	return errors.Join(s.w.Flush(), s.f.Close())
}

// ReadScalars decodes every record from r.
func ReadScalars(r io.Reader) ([]ScalarRecord, error) {
	var out []ScalarRecord
	dec := json.NewDecoder(r)
	for {
		var rec ScalarRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
