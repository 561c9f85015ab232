package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/tailvisor/internal/process"
)

// DefaultPath is where the file store keeps its snapshot.
const DefaultPath = "./cfg.json"

// FileStore keeps the snapshot as a JSON document. Saves go to a temporary
// file in the same directory which then replaces the target, so a crash mid
// write leaves the previous snapshot intact.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	return &FileStore{path: filepath.Clean(path)}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Load(_ context.Context) (Snapshot, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read %s: %v", ErrPersistence, f.path, err)
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode %s: %v", ErrPersistence, f.path, err)
	}
	return s, nil
}

func (f *FileStore) Save(_ context.Context, s Snapshot) error {
	if s.Processes == nil {
		s.Processes = []process.Durable{}
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, f.path, err)
	}
	if _, err := tmp.Write(b); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: replace %s: %v", ErrPersistence, f.path, err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
