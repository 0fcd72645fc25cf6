// Package artifact publishes composed scene videos to a destination store.
//
// Two backends are supported: a local filesystem store and an S3-compatible
// object store. Both implement the Store interface so the scene pipeline can
// publish results without caring where they land.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ljc0311/clipforge/pkg/manifest"
)

// Sentinel errors for artifact store failures.
var (
	// ErrNotFound indicates the requested artifact does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrAccessDenied indicates the store rejected the credentials or policy.
	ErrAccessDenied = errors.New("access denied")

	// ErrThrottled indicates the store is rate limiting requests.
	ErrThrottled = errors.New("store throttled request")

	// ErrUnavailable indicates the store is temporarily unreachable.
	ErrUnavailable = errors.New("store unavailable")
)

// StoreError wraps a store failure with operation context.
type StoreError struct {
	Op    string
	Store string
	Key   string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("artifact %s [%s] key=%s: %v", e.Op, e.Store, e.Key, e.Err)
	}
	return fmt.Sprintf("artifact %s [%s]: %v", e.Op, e.Store, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store publishes finished videos under string keys.
type Store interface {
	// Publish copies the local file at path to the store under key and
	// returns the destination location (URL or absolute path).
	Publish(ctx context.Context, key, path string) (string, error)

	// Delete removes a previously published artifact. Deleting a key that
	// does not exist is not an error.
	Delete(ctx context.Context, key string) error
}

// New builds a Store from manifest artifact configuration.
func New(ctx context.Context, cfg *manifest.ArtifactConfig) (Store, error) {
	if cfg == nil {
		return nil, errors.New("artifact config is nil")
	}
	switch cfg.Store {
	case "file":
		return NewFileStore(FileConfig{Dir: cfg.Path, Prefix: cfg.Prefix})
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.Bucket,
			Prefix:   cfg.Prefix,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
			Profile:  cfg.Profile,
		})
	default:
		return nil, fmt.Errorf("unknown artifact store %q", cfg.Store)
	}
}

// joinKey prepends the configured prefix to a key using "/" separators.
func joinKey(prefix, key string) string {
	key = strings.TrimPrefix(key, "/")
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}
