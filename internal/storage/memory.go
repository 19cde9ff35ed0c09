package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memObject struct {
	data []byte
	info ObjectInfo
}

type memUpload struct {
	key         string
	contentType string
	parts       map[int][]byte
}

// Memory is an in-process Storage. Safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	objects    map[string]memObject
	uploads    map[string]*memUpload
	publicBase string
	now        func() time.Time
}

// NewMemory returns an empty store whose public URLs start with publicBase.
func NewMemory(publicBase string) *Memory {
	return &Memory{
		objects:    make(map[string]memObject),
		uploads:    make(map[string]*memUpload),
		publicBase: strings.TrimRight(publicBase, "/"),
		now:        time.Now,
	}
}

func etagOf(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// Put stores the full contents of r.
func (m *Memory) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) (ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read body for %q: %w", key, err)
	}
	return m.store(key, data, contentType), nil
}

func (m *Memory) store(key string, data []byte, contentType string) ObjectInfo {
	info := ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ETag:         etagOf(data),
		ContentType:  contentType,
		LastModified: m.now().UTC(),
	}
	m.mu.Lock()
	m.objects[key] = memObject{data: data, info: info}
	m.mu.Unlock()
	return info
}

// Get returns a reader over a copy-free view of the stored bytes.
func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ObjectInfo{}, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info, nil
}

// Head returns metadata for key.
func (m *Memory) Head(ctx context.Context, key string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	return obj.info, nil
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

// List returns objects under prefix in key order.
func (m *Memory) List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, bool, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]ObjectInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.objects[k].info)
	}
	m.mu.RUnlock()

	if limit > 0 && len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

// PublicURL returns publicBase + "/" + key.
func (m *Memory) PublicURL(key string) string {
	return m.publicBase + "/" + key
}

// InitiateMultipart opens an upload session.
func (m *Memory) InitiateMultipart(ctx context.Context, key, contentType string) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	m.uploads[id] = &memUpload{key: key, contentType: contentType, parts: make(map[int][]byte)}
	m.mu.Unlock()
	return id, nil
}

// UploadPart stores one part; re-uploading a part number replaces it.
func (m *Memory) UploadPart(ctx context.Context, key, uploadID string, number int, r io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read part %d: %w", number, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return "", fmt.Errorf("upload %q: %w", uploadID, ErrNotFound)
	}
	up.parts[number] = data
	return etagOf(data), nil
}

// CompleteMultipart concatenates parts in the given order. Every listed part
// must exist with a matching etag.
func (m *Memory) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (ObjectInfo, error) {
	m.mu.Lock()
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		m.mu.Unlock()
		return ObjectInfo{}, fmt.Errorf("upload %q: %w", uploadID, ErrNotFound)
	}
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 && p.Number <= parts[i-1].Number {
			m.mu.Unlock()
			return ObjectInfo{}, fmt.Errorf("part %d out of order", p.Number)
		}
		data, ok := up.parts[p.Number]
		if !ok || etagOf(data) != p.ETag {
			m.mu.Unlock()
			return ObjectInfo{}, fmt.Errorf("part %d missing or etag mismatch", p.Number)
		}
		buf.Write(data)
	}
	delete(m.uploads, uploadID)
	contentType := up.contentType
	m.mu.Unlock()

	return m.store(key, buf.Bytes(), contentType), nil
}

// AbortMultipart drops an upload session.
func (m *Memory) AbortMultipart(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[uploadID]; !ok {
		return fmt.Errorf("upload %q: %w", uploadID, ErrNotFound)
	}
	delete(m.uploads, uploadID)
	return nil
}
