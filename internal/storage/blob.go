package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"
)

// BlobStore writes reports to a gocloud.dev bucket. Works with GCS, S3
// (and S3-compatible endpoints such as MinIO or R2), file:// and mem://.
type BlobStore struct {
	bucket *blob.Bucket
	base   string // bucket URL without query, for URI
	prefix string
}

// OpenBlobStore opens the bucket named by bucketURL, e.g.
// "gs://bucket", "s3://bucket?region=us-east-1" or "mem://".
func OpenBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBlobStore(bucket, bucketURL, prefix), nil
}

// NewBlobStore wraps an already opened bucket. The store owns the bucket
// and closes it on Close.
func NewBlobStore(bucket *blob.Bucket, bucketURL, prefix string) *BlobStore {
	base, _, _ := strings.Cut(bucketURL, "?")
	base = strings.TrimSuffix(base, "/")
	return &BlobStore{bucket: bucket, base: base, prefix: prefix}
}

// Write writes to a temp key and then copies it into place.
func (s *BlobStore) Write(ctx context.Context, key string, data []byte) error {
	path := s.prefix + key
	tempKey := path + tempMarker + uuid.New().String()

	if err := s.bucket.WriteAll(ctx, tempKey, data, nil); err != nil {
		return fmt.Errorf("write temp object %s: %w", tempKey, err)
	}

	if err := s.bucket.Copy(ctx, path, tempKey, nil); err != nil {
		s.bucket.Delete(ctx, tempKey)
		return fmt.Errorf("finalize %s -> %s: %w", tempKey, path, err)
	}

	// Delete temp object after successful copy
	s.bucket.Delete(ctx, tempKey) // ignore errors
	return nil
}

func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, s.prefix+key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.prefix+key)
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, s.prefix+key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: s.prefix + prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		// Skip temp files
		if obj.IsDir || strings.Contains(obj.Key, tempMarker) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, s.prefix))
	}

	sort.Strings(keys)
	return keys, nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.base + "/" + s.prefix + key
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Verify BlobStore implements ReportStore.
var _ ReportStore = (*BlobStore)(nil)
