// Package remote abstracts the durable object store behind the upload
// engine and cache-miss fetches. Backends are injected at mount time; the
// core never sees more than get/put/delete/list by key.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-billy/v5/osfs"

	"blobfs/internal/config"
)

// ErrNoSuchObject is returned by Get and Delete when the key does not exist.
// Callers must treat it as possibly transient right after an upload: the
// store is only eventually consistent.
var ErrNoSuchObject = errors.New("no such object")

// ObjectStore is the capability interface every backend implements.
// Objects are immutable once written; Put with an existing key is
// idempotent because keys are content addresses.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// New constructs the backend selected by the config.
func New(ctx context.Context, cfg *config.RemoteConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, cfg)
	case "local":
		return NewDirStore(osfs.New(cfg.LocalDir)), nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.Backend)
	}
}
