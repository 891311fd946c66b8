package storage

import (
	"context"
	"time"
)

// ObjectInfo holds metadata about a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
}

// BlobStore abstracts the object storage the agent uses to fetch task
// inputs and publish task outputs.
type BlobStore interface {
	// EnsureBucket creates the configured bucket if it does not exist yet.
	EnsureBucket(ctx context.Context) error

	// DownloadPrefix fetches every object under the given prefix into
	// destDir, preserving relative paths. A prefix that matches exactly
	// one object key is downloaded as a single file.
	DownloadPrefix(ctx context.Context, prefix, destDir string) (int, error)

	// UploadFile stores a local file under the given object key.
	UploadFile(ctx context.Context, objectKey, filePath, contentType string) (*ObjectInfo, error)

	// PresignGet returns a time-limited download URL for an object.
	PresignGet(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}
