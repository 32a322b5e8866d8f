// Package storage persists commit reports to the local filesystem or to
// any gocloud.dev blob bucket.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-shuffle-pusher/internal/config"
)

// ErrNotFound is returned by Read for keys that do not exist.
var ErrNotFound = errors.New("object not found")

// ReportStore stores small immutable objects under slash-separated keys.
// Keys are relative to the store's prefix.
type ReportStore interface {
	// Write stores data under key. Readers never observe a partial object:
	// data is written to a temporary key first and then moved into place.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the object stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, without temp objects.
	List(ctx context.Context, prefix string) ([]string, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, blob: <scheme>://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// NewReportStore creates a storage backend based on configuration.
func NewReportStore(ctx context.Context, cfg config.ReportConfig) (ReportStore, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local backend")
		}
		store, err := NewLocalStore(cfg.LocalDir, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "blob":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("bucket_url required for blob backend")
		}
		store, err := OpenBlobStore(ctx, cfg.BucketURL, cfg.Prefix)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

const tempMarker = ".tmp."
