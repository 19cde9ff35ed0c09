package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MinioConfig configures a MinioStorage.
type MinioConfig struct {
	Endpoint   string // host[:port], e.g. "{account}.r2.cloudflarestorage.com"
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	PublicBase string
	UseSSL     bool
}

// MinioStorage implements Storage on top of minio-go. Multipart calls go
// through minio.Core so that upload ids and part etags stay visible to the
// caller.
type MinioStorage struct {
	client     *minio.Client
	core       *minio.Core
	bucket     string
	publicBase string
}

// NewMinioStorage creates a client and checks that the bucket exists.
func NewMinioStorage(ctx context.Context, cfg MinioConfig) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %q does not exist", cfg.Bucket)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("storage: bucket ready")

	return &MinioStorage{
		client:     client,
		core:       &minio.Core{Client: client},
		bucket:     cfg.Bucket,
		publicBase: strings.TrimRight(cfg.PublicBase, "/"),
	}, nil
}

// Put uploads r under key.
func (s *MinioStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put object %q: %w", key, err)
	}
	return ObjectInfo{Key: key, Size: info.Size, ETag: info.ETag, ContentType: contentType, LastModified: info.LastModified}, nil
}

// Get opens the object at key.
func (s *MinioStorage) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ObjectInfo{}, mapErr(key, err)
	}
	// GetObject is lazy; Stat surfaces NoSuchKey.
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, ObjectInfo{}, mapErr(key, err)
	}
	return obj, toInfo(st), nil
}

// Head returns metadata for key.
func (s *MinioStorage) Head(ctx context.Context, key string) (ObjectInfo, error) {
	st, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapErr(key, err)
	}
	return toInfo(st), nil
}

// Delete removes the object at key from the bucket.
func (s *MinioStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %q: %w", key, err)
	}
	return nil
}

// List returns up to limit objects under prefix.
func (s *MinioStorage) List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, false, fmt.Errorf("list objects %q: %w", prefix, obj.Err)
		}
		if limit > 0 && len(out) == limit {
			return out, true, nil
		}
		out = append(out, toInfo(obj))
	}
	return out, false, nil
}

// PublicURL returns the browser-accessible URL for the given key.
func (s *MinioStorage) PublicURL(key string) string {
	return s.publicBase + "/" + key
}

// InitiateMultipart starts a multipart upload.
func (s *MinioStorage) InitiateMultipart(ctx context.Context, key, contentType string) (string, error) {
	id, err := s.core.NewMultipartUpload(ctx, s.bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("initiate multipart %q: %w", key, err)
	}
	return id, nil
}

// UploadPart uploads one part.
func (s *MinioStorage) UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader, size int64) (string, error) {
	part, err := s.core.PutObjectPart(ctx, s.bucket, key, uploadID, number, r, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", mapErr(key, err)
	}
	return part.ETag, nil
}

// CompleteMultipart stitches the parts together. parts must be ascending.
func (s *MinioStorage) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (ObjectInfo, error) {
	cp := make([]minio.CompletePart, len(parts))
	for i, p := range parts {
		cp[i] = minio.CompletePart{PartNumber: p.Number, ETag: p.ETag}
	}
	info, err := s.core.CompleteMultipartUpload(ctx, s.bucket, key, uploadID, cp, minio.PutObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapErr(key, err)
	}
	return ObjectInfo{Key: key, Size: info.Size, ETag: info.ETag, LastModified: info.LastModified}, nil
}

// AbortMultipart discards an upload and its parts.
func (s *MinioStorage) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := s.core.AbortMultipartUpload(ctx, s.bucket, key, uploadID); err != nil {
		return mapErr(key, err)
	}
	return nil
}

func toInfo(o minio.ObjectInfo) ObjectInfo {
	return ObjectInfo{
		Key:          o.Key,
		Size:         o.Size,
		ETag:         o.ETag,
		ContentType:  o.ContentType,
		LastModified: o.LastModified,
	}
}

func mapErr(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchUpload":
		return fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	return fmt.Errorf("object %q: %w", key, err)
}
