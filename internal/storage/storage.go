// Package storage provides the object storage used for aggregate
// checkpoints: a local filesystem backend and an S3 backend.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/trustlens/trustlens/internal/config"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage stores small immutable blobs under slash-separated paths.
type ObjectStorage interface {
	// Put writes data to objectPath, replacing any previous object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads the object, or returns ErrObjectNotFound.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// New creates the storage backend selected by cfg.Type.
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	switch cfg.Type {
	case config.StorageTypeLocal, "":
		return NewLocalStorage(cfg.Path)
	case config.StorageTypeS3:
		return NewS3Storage(ctx, cfg.S3.Bucket, S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("storage: unknown type %q", cfg.Type)
	}
}
