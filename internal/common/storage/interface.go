package storage

import (
	"context"
	"io"
)

// ObjectStorage defines minimal object storage operations required by the
// workspace archive flow. It is intentionally small so MinIO/AWS-S3
// implementations can be swapped without touching business logic.
type ObjectStorage interface {
	// PutObject uploads an object of the given size from the reader.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, size int64, contentType string) error

	// GetObject opens a reader for an object.
	// Caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// RemoveObject deletes an object.
	RemoveObject(ctx context.Context, bucket, objectKey string) error

	// EnsureBucket creates the bucket if it does not already exist.
	EnsureBucket(ctx context.Context, bucket string) error
}
