package uploader

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mapstats/service/internal/storage"
)

const (
	DefaultPartSize        = 100 << 20
	DefaultPartConcurrency = 3
)

// PartClient is the part of the worker LargeFileUploader needs.
type PartClient interface {
	Presigned(ctx context.Context, key, contentType string) (UploadURL, error)
	Put(ctx context.Context, url string, body io.Reader, size int64, contentType string) error
	InitiateMultipart(ctx context.Context, key, contentType string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, number int, body io.Reader, size int64) (storage.Part, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.Part) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// ByteProgress reports bytes sent so far.
type ByteProgress struct {
	Loaded     int64
	Total      int64
	Percentage float64
}

// LargeFileUploader sends one file. Files smaller than PartSize go in a
// single PUT; larger ones are split into parts uploaded in parallel.
type LargeFileUploader struct {
	Client      PartClient
	PartSize    int64
	Concurrency int
	Logger      zerolog.Logger
}

// UploadFile uploads the file at path under key.
func (u *LargeFileUploader) UploadFile(ctx context.Context, path, key, contentType string, onProgress func(ByteProgress)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return u.Upload(ctx, key, contentType, f, info.Size(), onProgress)
}

// Upload sends size bytes of r under key.
func (u *LargeFileUploader) Upload(ctx context.Context, key, contentType string, r io.ReaderAt, size int64, onProgress func(ByteProgress)) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	partSize := u.PartSize
	if partSize <= 0 {
		partSize = DefaultPartSize
	}

	var mu sync.Mutex
	var loaded int64
	report := func(n int64) {
		mu.Lock()
		defer mu.Unlock()
		loaded += n
		if onProgress != nil && size > 0 {
			onProgress(ByteProgress{Loaded: loaded, Total: size, Percentage: float64(loaded) / float64(size) * 100})
		}
	}

	if size < partSize {
		grant, err := u.Client.Presigned(ctx, key, contentType)
		if err != nil {
			return err
		}
		if err := u.Client.Put(ctx, grant.URL, io.NewSectionReader(r, 0, size), size, contentType); err != nil {
			return err
		}
		report(size)
		return nil
	}
	return u.multipart(ctx, key, contentType, r, size, partSize, report)
}

func (u *LargeFileUploader) multipart(ctx context.Context, key, contentType string, r io.ReaderAt, size, partSize int64, report func(int64)) error {
	uploadID, err := u.Client.InitiateMultipart(ctx, key, contentType)
	if err != nil {
		return err
	}
	log := u.Logger.With().Str("key", key).Str("upload_id", uploadID).Logger()

	conc := u.Concurrency
	if conc <= 0 {
		conc = DefaultPartConcurrency
	}
	count := int((size + partSize - 1) / partSize)
	parts := make([]storage.Part, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for i := 0; i < count; i++ {
		off := int64(i) * partSize
		n := min(partSize, size-off)
		g.Go(func() error {
			p, err := u.Client.UploadPart(gctx, key, uploadID, i+1, io.NewSectionReader(r, off, n), n)
			if err != nil {
				return fmt.Errorf("part %d: %w", i+1, err)
			}
			parts[i] = p
			report(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		u.abort(ctx, log, key, uploadID)
		return err
	}

	// parts is indexed by part number, so it is already ascending.
	if err := u.Client.CompleteMultipart(ctx, key, uploadID, parts); err != nil {
		u.abort(ctx, log, key, uploadID)
		return err
	}
	log.Info().Int("parts", count).Int64("size", size).Msg("multipart upload completed")
	return nil
}

func (u *LargeFileUploader) abort(ctx context.Context, log zerolog.Logger, key, uploadID string) {
	if err := u.Client.AbortMultipart(context.WithoutCancel(ctx), key, uploadID); err != nil {
		log.Warn().Err(err).Msg("abort multipart upload failed")
	}
}
