// Package blob stores checkpoint files by name in a flat, prefix-listable
// namespace. The local backend is always available; object-store backends
// register themselves from their own packages (sid/blob/s3, sid/blob/minio).
package blob

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the named blob does not exist.
// It maps to os.ErrNotExist so errors.Is works for local files too.
var ErrNotFound = os.ErrNotExist

// Store is a minimal whole-object store.
type Store interface {
	// Put writes data under name, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error
	// Get returns the content of name or an error satisfying errors.Is(err, ErrNotFound).
	Get(ctx context.Context, name string) ([]byte, error)
	// Delete removes name. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names that start with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Backend names accepted in Config.Backend.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendMinIO = "minio"
)

// ValidBackends lists the storage backends a config may name.
var ValidBackends = map[string]bool{"": true, BackendLocal: true, BackendS3: true, BackendMinIO: true}

// Config selects and parameterizes a storage backend.
type Config struct {
	Backend   string `yaml:"backend"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Validate checks the backend name and the fields it requires.
func (c Config) Validate() error {
	if !ValidBackends[c.Backend] {
		return fmt.Errorf("unknown storage backend %q; valid options: %s", c.Backend, validNames())
	}
	switch c.Backend {
	case BackendS3, BackendMinIO:
		if c.Bucket == "" {
			return fmt.Errorf("storage backend %q requires a bucket", c.Backend)
		}
	}
	if c.Backend == BackendMinIO && c.Endpoint == "" {
		return fmt.Errorf("storage backend %q requires an endpoint", c.Backend)
	}
	return nil
}

// OpenFunc opens a backend. root is the run's local output directory.
type OpenFunc func(ctx context.Context, cfg Config, root string) (Store, error)

var (
	mu      sync.RWMutex
	openers = map[string]OpenFunc{
		BackendLocal: func(_ context.Context, cfg Config, root string) (Store, error) {
			return NewLocal(root)
		},
	}
)

// Register installs the opener for a backend. Backend packages call it from init().
func Register(backend string, fn OpenFunc) {
	mu.Lock()
	defer mu.Unlock()
	openers[backend] = fn
}

// Open validates cfg and opens the configured backend.
func Open(ctx context.Context, cfg Config, root string) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend := cfg.Backend
	if backend == "" {
		backend = BackendLocal
	}
	mu.RLock()
	fn := openers[backend]
	mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("storage backend %q is not linked into this binary (import sid/blob/%s)", backend, backend)
	}
	return fn(ctx, cfg, root)
}

func validNames() string {
	names := make([]string, 0, len(ValidBackends))
	for k := range ValidBackends {
		if k != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
