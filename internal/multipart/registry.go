// Package multipart tracks large-file upload sessions. Each session moves
// Initiated -> PartsUploading -> Completed | Aborted, and records the etag of
// every part it has seen so completion can be checked before the store is
// asked to stitch the object together.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mapstats/service/internal/metrics"
	"github.com/mapstats/service/internal/storage"
)

// MaxParts is the S3 limit on parts per upload.
const MaxParts = 10000

// State of a session.
type State int

const (
	Initiated State = iota
	PartsUploading
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Initiated:
		return "initiated"
	case PartsUploading:
		return "parts_uploading"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Completed || s == Aborted }

var (
	ErrUnknownSession  = errors.New("multipart: unknown upload")
	ErrKeyMismatch     = errors.New("multipart: key does not match upload")
	ErrTerminal        = errors.New("multipart: upload already completed or aborted")
	ErrBusy            = errors.New("multipart: upload is being completed")
	ErrInvalidPart     = errors.New("multipart: part number out of range")
	ErrIncompleteParts = errors.New("multipart: part list must be 1..n ascending and cover every uploaded part")
	ErrPartMismatch    = errors.New("multipart: part etag does not match uploaded part")
)

// Session is a snapshot of one upload.
type Session struct {
	Key         string
	UploadID    string
	ContentType string
	State       State
	Parts       map[int]string // part number -> etag
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type session struct {
	Session
	completing bool
}

func (s *session) snapshot() Session {
	out := s.Session
	out.Parts = make(map[int]string, len(s.Parts))
	for n, e := range s.Parts {
		out.Parts[n] = e
	}
	return out
}

// Registry is the arena of live sessions, keyed by upload id.
type Registry struct {
	store storage.Storage

	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

// NewRegistry creates a Registry over store.
func NewRegistry(store storage.Storage) *Registry {
	return &Registry{store: store, sessions: make(map[string]*session), now: time.Now}
}

func transition(s *session, to State, at time.Time) {
	s.State = to
	s.UpdatedAt = at
	metrics.MultipartSessions.WithLabelValues(to.String()).Inc()
}

// Initiate opens an upload for key.
func (r *Registry) Initiate(ctx context.Context, key, contentType string) (Session, error) {
	id, err := r.store.InitiateMultipart(ctx, key, contentType)
	if err != nil {
		return Session{}, err
	}
	now := r.now()
	s := &session{Session: Session{
		Key:         key,
		UploadID:    id,
		ContentType: contentType,
		Parts:       make(map[int]string),
		CreatedAt:   now,
	}}
	transition(s, Initiated, now)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s.snapshot(), nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(uploadID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[uploadID]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// lookup must be called with r.mu held.
func (r *Registry) lookup(key, uploadID string) (*session, error) {
	s, ok := r.sessions[uploadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, uploadID)
	}
	if s.Key != key {
		return nil, ErrKeyMismatch
	}
	if s.State.Terminal() {
		return nil, ErrTerminal
	}
	return s, nil
}

// UploadPart streams one part to the store. Parts may arrive in any order
// and concurrently; re-sending a part number replaces it.
func (r *Registry) UploadPart(ctx context.Context, key, uploadID string, number int, body io.Reader, size int64) (storage.Part, error) {
	if number < 1 || number > MaxParts {
		return storage.Part{}, fmt.Errorf("%w: %d", ErrInvalidPart, number)
	}

	r.mu.Lock()
	s, err := r.lookup(key, uploadID)
	if err == nil && s.completing {
		err = ErrBusy
	}
	if err != nil {
		r.mu.Unlock()
		return storage.Part{}, err
	}
	if s.State == Initiated {
		transition(s, PartsUploading, r.now())
	}
	r.mu.Unlock()

	etag, err := r.store.UploadPart(ctx, key, uploadID, number, body, size)
	if err != nil {
		return storage.Part{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s.State.Terminal() {
		return storage.Part{}, ErrTerminal
	}
	s.Parts[number] = etag
	s.UpdatedAt = r.now()
	return storage.Part{Number: number, ETag: etag}, nil
}

func normalizeETag(e string) string {
	return strings.Trim(e, `"`)
}

// checkParts requires parts to be exactly 1..n, ascending, n == number of
// recorded parts, with matching etags.
func checkParts(recorded map[int]string, parts []storage.Part) error {
	if len(parts) == 0 || len(parts) != len(recorded) {
		return ErrIncompleteParts
	}
	for i, p := range parts {
		if p.Number != i+1 {
			return ErrIncompleteParts
		}
		etag, ok := recorded[p.Number]
		if !ok {
			return ErrIncompleteParts
		}
		if normalizeETag(etag) != normalizeETag(p.ETag) {
			return fmt.Errorf("%w: part %d", ErrPartMismatch, p.Number)
		}
	}
	return nil
}

// Complete validates the caller's part list against the recorded parts and
// asks the store to assemble the object. On a store failure the session
// stays open so the caller can retry or abort.
func (r *Registry) Complete(ctx context.Context, key, uploadID string, parts []storage.Part) (storage.ObjectInfo, error) {
	r.mu.Lock()
	s, err := r.lookup(key, uploadID)
	if err == nil && s.completing {
		err = ErrBusy
	}
	if err == nil {
		err = checkParts(s.Parts, parts)
	}
	if err != nil {
		r.mu.Unlock()
		return storage.ObjectInfo{}, err
	}
	// Hand the store the etags it issued, whatever quoting the caller used.
	final := make([]storage.Part, len(parts))
	for i, p := range parts {
		final[i] = storage.Part{Number: p.Number, ETag: s.Parts[p.Number]}
	}
	s.completing = true
	r.mu.Unlock()

	info, err := r.store.CompleteMultipart(ctx, key, uploadID, final)

	r.mu.Lock()
	defer r.mu.Unlock()
	s.completing = false
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	transition(s, Completed, r.now())
	return info, nil
}

// Abort discards the upload. Aborting an aborted session is a no-op.
func (r *Registry) Abort(ctx context.Context, key, uploadID string) error {
	r.mu.Lock()
	s, ok := r.sessions[uploadID]
	switch {
	case !ok:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, uploadID)
	case s.Key != key:
		r.mu.Unlock()
		return ErrKeyMismatch
	case s.State == Aborted:
		r.mu.Unlock()
		return nil
	case s.State == Completed:
		r.mu.Unlock()
		return ErrTerminal
	case s.completing:
		r.mu.Unlock()
		return ErrBusy
	}
	transition(s, Aborted, r.now())
	r.mu.Unlock()

	if err := r.store.AbortMultipart(ctx, key, uploadID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// Prune forgets terminal sessions last touched before cutoff and aborts
// open ones that have been idle since then. It returns how many sessions
// were removed.
func (r *Registry) Prune(ctx context.Context, cutoff time.Time) int {
	type stale struct{ key, id string }
	var abort []stale

	r.mu.Lock()
	removed := 0
	for id, s := range r.sessions {
		if !s.UpdatedAt.Before(cutoff) || s.completing {
			continue
		}
		if !s.State.Terminal() {
			transition(s, Aborted, r.now())
			abort = append(abort, stale{s.Key, id})
		}
		delete(r.sessions, id)
		removed++
	}
	r.mu.Unlock()

	for _, a := range abort {
		_ = r.store.AbortMultipart(ctx, a.key, a.id)
	}
	return removed
}

// Open returns the ids of sessions that are not yet terminal, sorted.
func (r *Registry) Open() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, s := range r.sessions {
		if !s.State.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
