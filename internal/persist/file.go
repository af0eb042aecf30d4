package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Rajchodisetti/flowcore/internal/observ"
)

// FileStore keeps one JSON file per key. Writes go to a temp file in the same directory
// followed by a rename, so a crash mid-write leaves the previous snapshot intact.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Save atomically replaces the snapshot for key
func (s *FileStore) Save(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return &Error{Op: "save", Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Op: "save", Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return &Error{Op: "save", Key: key, Err: err}
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return &Error{Op: "save", Key: key, Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return &Error{Op: "save", Key: key, Err: fmt.Errorf("sync temp file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &Error{Op: "save", Key: key, Err: fmt.Errorf("close temp file: %w", err)}
	}
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		cleanup()
		return &Error{Op: "save", Key: key, Err: fmt.Errorf("rename snapshot: %w", err)}
	}

	observ.Log("snapshot_saved", map[string]any{
		"backend": "file",
		"key":     key,
		"bytes":   len(data),
	})
	return nil
}

// Load reads the snapshot for key
func (s *FileStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, &Error{Op: "load", Key: key, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "load", Key: key, Err: err}
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Op: "load", Key: key, Err: ErrNotFound}
		}
		return nil, &Error{Op: "load", Key: key, Err: err}
	}
	return data, nil
}

// Close is a no-op
func (s *FileStore) Close() error { return nil }
