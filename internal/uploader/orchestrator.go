package uploader

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mapstats/service/internal/metrics"
	"github.com/mapstats/service/internal/tilekey"
)

const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 10
)

// TileUploader is the part of the worker the orchestrator needs.
type TileUploader interface {
	BatchUploadURLs(ctx context.Context, courseID string, tiles []tilekey.Tile) ([]UploadURL, error)
	Put(ctx context.Context, url string, body io.Reader, size int64, contentType string) error
}

// Progress is reported after every settled item. Uploaded counts settled
// items, failed ones included, and never decreases.
type Progress struct {
	Uploaded    int
	Total       int
	Percentage  float64
	CurrentItem string
}

// ItemFailure names an item that could not be uploaded.
type ItemFailure struct {
	Path string
	Err  error
}

func (f ItemFailure) Error() string { return f.Path + ": " + f.Err.Error() }

func (f ItemFailure) Unwrap() error { return f.Err }

// Summary is the outcome of Upload.
type Summary struct {
	Succeeded int
	Failed    int
	Total     int
	Failures  []ItemFailure
}

// Orchestrator uploads tiles batch by batch. Within a batch at most
// Concurrency PUTs are in flight; the next batch starts once every item of
// the current one has settled. Failed items are recorded, never retried.
type Orchestrator struct {
	Client      TileUploader
	BatchSize   int
	Concurrency int
	Logger      zerolog.Logger
}

type tracker struct {
	mu         sync.Mutex
	sum        *Summary
	settled    int
	onProgress func(Progress)
	log        zerolog.Logger
}

// settle records one outcome. The progress callback runs under the lock so
// callers observe Uploaded in order.
func (t *tracker) settle(it Item, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settled++
	if err != nil {
		t.sum.Failed++
		t.sum.Failures = append(t.sum.Failures, ItemFailure{Path: it.Path, Err: err})
		metrics.UploadItems.WithLabelValues("failed").Inc()
		t.log.Warn().Err(err).Str("path", it.Path).Msg("tile upload failed")
	} else {
		t.sum.Succeeded++
		metrics.UploadItems.WithLabelValues("succeeded").Inc()
	}
	if t.onProgress != nil {
		t.onProgress(Progress{
			Uploaded:    t.settled,
			Total:       t.sum.Total,
			Percentage:  float64(t.settled) / float64(t.sum.Total) * 100,
			CurrentItem: it.Tile.String(),
		})
	}
}

// Upload sends items to courseID. onProgress may be nil. When ctx is
// cancelled, items not yet settled fail with the context error and Upload
// returns that error along with the summary; objects already stored stay.
func (o *Orchestrator) Upload(ctx context.Context, courseID string, items []Item, onProgress func(Progress)) (*Summary, error) {
	size := o.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	conc := o.Concurrency
	if conc <= 0 {
		conc = DefaultConcurrency
	}

	t := &tracker{sum: &Summary{Total: len(items)}, onProgress: onProgress, log: o.Logger}
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			for _, it := range items[start:] {
				t.settle(it, err)
			}
			return t.sum, err
		}
		o.uploadBatch(ctx, courseID, items[start:min(start+size, len(items))], conc, t)
	}

	o.Logger.Info().
		Str("course", courseID).
		Int("succeeded", t.sum.Succeeded).
		Int("failed", t.sum.Failed).
		Msg("tile upload finished")
	if err := ctx.Err(); err != nil {
		return t.sum, err
	}
	return t.sum, nil
}

func (o *Orchestrator) uploadBatch(ctx context.Context, courseID string, batch []Item, conc int, t *tracker) {
	tiles := make([]tilekey.Tile, len(batch))
	for i, it := range batch {
		tiles[i] = it.Tile
	}
	urls, err := o.Client.BatchUploadURLs(ctx, courseID, tiles)
	if err != nil {
		err = fmt.Errorf("request upload urls: %w", err)
		for _, it := range batch {
			t.settle(it, err)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(conc)
	for i, it := range batch {
		url := urls[i].URL
		g.Go(func() error {
			t.settle(it, o.put(ctx, url, it))
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) put(ctx context.Context, url string, it Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rc, err := it.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return o.Client.Put(ctx, url, rc, it.Size, "image/png")
}
