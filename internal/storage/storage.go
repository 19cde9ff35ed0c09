// Package storage defines the object-store abstraction used by the tile
// worker. The minio-go implementation works with any S3-compatible provider
// (Cloudflare R2, MinIO, AWS S3); Memory backs tests and local runs.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a key or multipart upload does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Part identifies one uploaded part of a multipart upload.
type Part struct {
	Number int    `json:"partNumber"`
	ETag   string `json:"etag"`
}

// Storage is the interface for storing and retrieving objects.
type Storage interface {
	// Put streams data to the store under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error)
	// Get opens the object at key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	// Head returns metadata for key, or ErrNotFound.
	Head(ctx context.Context, key string) (ObjectInfo, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns up to limit objects under prefix in key order, and whether
	// more remain.
	List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, bool, error)
	// PublicURL constructs the browser-accessible URL for key.
	PublicURL(key string) string

	InitiateMultipart(ctx context.Context, key, contentType string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader, size int64) (etag string, err error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (ObjectInfo, error)
	AbortMultipart(ctx context.Context, key, uploadID string) error
}
