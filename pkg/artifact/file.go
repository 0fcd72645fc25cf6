package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileConfig configures a local filesystem artifact store.
type FileConfig struct {
	// Dir is the destination directory (required). Created if missing.
	Dir string

	// Prefix is prepended to keys as a subdirectory path. Optional.
	Prefix string
}

func (c FileConfig) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("artifact dir is required")
	}
	return nil
}

// FileStore publishes artifacts by copying them into a directory tree.
// Keys are treated as relative paths under Dir.
type FileStore struct {
	dir    string
	prefix string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a filesystem-backed artifact store.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FileStore{dir: filepath.Clean(cfg.Dir), prefix: cfg.Prefix}, nil
}

// Publish copies the file at path into the store and returns the
// absolute destination path.
func (s *FileStore) Publish(ctx context.Context, key, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", s.wrap("Publish", key, err)
	}
	dst, err := s.resolve(key)
	if err != nil {
		return "", s.wrap("Publish", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", s.wrap("Publish", key, err)
	}

	in, err := os.Open(path)
	if err != nil {
		return "", s.wrap("Publish", key, err)
	}
	defer in.Close()

	// Write to a temp file in the destination directory, then rename, so a
	// partially copied artifact is never visible under the final key.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return "", s.wrap("Publish", key, err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", s.wrap("Publish", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", s.wrap("Publish", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", s.wrap("Publish", key, err)
	}

	abs, err := filepath.Abs(dst)
	if err != nil {
		return dst, nil
	}
	return abs, nil
}

// Delete removes an artifact. Missing keys are ignored.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return s.wrap("Delete", key, err)
	}
	dst, err := s.resolve(key)
	if err != nil {
		return s.wrap("Delete", key, err)
	}
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return s.wrap("Delete", key, err)
	}
	return nil
}

// resolve maps a key to a path under the store directory, rejecting keys
// that would escape it.
func (s *FileStore) resolve(key string) (string, error) {
	rel := filepath.FromSlash(joinKey(s.prefix, key))
	dst := filepath.Join(s.dir, rel)
	if dst != s.dir && !strings.HasPrefix(dst, s.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes store directory", key)
	}
	return dst, nil
}

func (s *FileStore) wrap(op, key string, err error) error {
	return &StoreError{Op: op, Store: "file", Key: key, Err: err}
}
