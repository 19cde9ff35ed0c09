package multipart

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapstats/service/internal/storage"
)

func newRegistry() (*Registry, *storage.Memory) {
	mem := storage.NewMemory("https://tiles.example.com")
	return NewRegistry(mem), mem
}

func TestLifecycle_OutOfOrderConcurrentParts(t *testing.T) {
	ctx := context.Background()
	reg, mem := newRegistry()

	s, err := reg.Initiate(ctx, "club/1/course.zip", "application/zip")
	require.NoError(t, err)
	assert.Equal(t, Initiated, s.State)

	chunks := []string{"aaa", "bbb", "ccc", "ddd"}
	parts := make([]storage.Part, len(chunks))
	var wg sync.WaitGroup
	for i := len(chunks) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := reg.UploadPart(ctx, s.Key, s.UploadID, i+1, strings.NewReader(chunks[i]), 3)
			assert.NoError(t, err)
			parts[i] = p
		}(i)
	}
	wg.Wait()

	got, ok := reg.Get(s.UploadID)
	require.True(t, ok)
	assert.Equal(t, PartsUploading, got.State)
	assert.Len(t, got.Parts, 4)

	info, err := reg.Complete(ctx, s.Key, s.UploadID, parts)
	require.NoError(t, err)
	assert.Equal(t, int64(12), info.Size)

	rc, _, err := mem.Get(ctx, s.Key)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "aaabbbcccddd", string(data))

	got, _ = reg.Get(s.UploadID)
	assert.Equal(t, Completed, got.State)
	assert.Empty(t, reg.Open())
}

func TestComplete_RejectsBadPartLists(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()
	s, err := reg.Initiate(ctx, "k", "")
	require.NoError(t, err)
	p1, err := reg.UploadPart(ctx, "k", s.UploadID, 1, strings.NewReader("one"), 3)
	require.NoError(t, err)
	p2, err := reg.UploadPart(ctx, "k", s.UploadID, 2, strings.NewReader("two"), 3)
	require.NoError(t, err)

	cases := map[string]struct {
		parts []storage.Part
		want  error
	}{
		"empty":         {nil, ErrIncompleteParts},
		"missing part":  {[]storage.Part{p1}, ErrIncompleteParts},
		"descending":    {[]storage.Part{p2, p1}, ErrIncompleteParts},
		"gap":           {[]storage.Part{p1, {Number: 3, ETag: p2.ETag}}, ErrIncompleteParts},
		"etag mismatch": {[]storage.Part{p1, {Number: 2, ETag: "bogus"}}, ErrPartMismatch},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Complete(ctx, "k", s.UploadID, tc.parts)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// Quoted etags, as S3 returns them, are accepted.
	_, err = reg.Complete(ctx, "k", s.UploadID, []storage.Part{p1, {Number: 2, ETag: `"` + p2.ETag + `"`}})
	assert.NoError(t, err)
}

func TestTerminalStatesRejectFurtherWork(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()
	s, err := reg.Initiate(ctx, "k", "")
	require.NoError(t, err)
	_, err = reg.UploadPart(ctx, "k", s.UploadID, 1, strings.NewReader("x"), 1)
	require.NoError(t, err)

	require.NoError(t, reg.Abort(ctx, "k", s.UploadID))
	require.NoError(t, reg.Abort(ctx, "k", s.UploadID), "second abort is a no-op")

	_, err = reg.UploadPart(ctx, "k", s.UploadID, 2, strings.NewReader("y"), 1)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = reg.Complete(ctx, "k", s.UploadID, []storage.Part{{Number: 1}})
	assert.ErrorIs(t, err, ErrTerminal)

	got, _ := reg.Get(s.UploadID)
	assert.Equal(t, Aborted, got.State)
}

func TestUploadPart_Validation(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()
	s, err := reg.Initiate(ctx, "k", "")
	require.NoError(t, err)

	_, err = reg.UploadPart(ctx, "k", s.UploadID, 0, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrInvalidPart)
	_, err = reg.UploadPart(ctx, "k", s.UploadID, MaxParts+1, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrInvalidPart)
	_, err = reg.UploadPart(ctx, "other", s.UploadID, 1, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrKeyMismatch)
	_, err = reg.UploadPart(ctx, "k", "nope", 1, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, reg.Abort(ctx, "k", "nope"), ErrUnknownSession)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return start }

	idle, err := reg.Initiate(ctx, "idle", "")
	require.NoError(t, err)
	done, err := reg.Initiate(ctx, "done", "")
	require.NoError(t, err)
	require.NoError(t, reg.Abort(ctx, "done", done.UploadID))

	reg.now = func() time.Time { return start.Add(2 * time.Hour) }
	fresh, err := reg.Initiate(ctx, "fresh", "")
	require.NoError(t, err)

	removed := reg.Prune(ctx, start.Add(time.Hour))
	assert.Equal(t, 2, removed)
	_, ok := reg.Get(idle.UploadID)
	assert.False(t, ok)
	assert.Equal(t, []string{fresh.UploadID}, reg.Open())
}
