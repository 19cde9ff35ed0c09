// Package s3test provides an in-process, single-bucket S3-compatible server
// that enforces presigned SigV4 authentication. It backs integration tests of
// the signing service and the tile proxy.
package s3test

import (
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mapstats/service/internal/sigv4"
	"github.com/mapstats/service/internal/storage"
)

// Server is a fake bucket reachable at its httptest URL root.
type Server struct {
	*httptest.Server

	Store *storage.Memory
	// PublicRead lets unsigned GETs through, like an R2 public bucket.
	PublicRead bool

	verifier *sigv4.Verifier
	mu       sync.Mutex
	now      time.Time
	requests []string
}

// New starts a server that accepts URLs signed with creds.
func New(creds sigv4.Credentials) *Server {
	s := &Server{Store: storage.NewMemory("")}
	s.verifier = &sigv4.Verifier{Lookup: sigv4.StaticCredentials(creds), Now: s.clock}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Host returns host:port of the server, the value to sign as the endpoint host.
func (s *Server) Host() string {
	u, _ := url.Parse(s.URL)
	return u.Host
}

// SetNow pins the verifier clock; the zero time restores the wall clock.
func (s *Server) SetNow(t time.Time) {
	s.mu.Lock()
	s.now = t
	s.mu.Unlock()
}

// Requests returns "METHOD /path" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now.IsZero() {
		return time.Now()
	}
	return s.now
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.mu.Unlock()

	if err := s.verifier.Verify(r); err != nil {
		anonymousRead := s.PublicRead && r.Method == http.MethodGet && errors.Is(err, sigv4.ErrAuthMissing)
		if !anonymousRead {
			code := "SignatureDoesNotMatch"
			if errors.Is(err, sigv4.ErrRequestExpired) {
				code = "AccessDenied"
			}
			writeError(w, http.StatusForbidden, code, err.Error())
			return
		}
	}

	key := strings.TrimPrefix(r.URL.Path, "/")
	ctx := r.Context()

	if key == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "bucket root supports GET only")
			return
		}
		s.list(w, r)
		return
	}

	switch r.Method {
	case http.MethodPut:
		info, err := s.Store.Put(ctx, key, r.Body, r.ContentLength, r.Header.Get("Content-Type"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
			return
		}
		w.Header().Set("ETag", `"`+info.ETag+`"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		rc, info, err := s.Store.Get(ctx, key)
		if err != nil {
			writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
			return
		}
		defer rc.Close()
		if info.ContentType != "" {
			w.Header().Set("Content-Type", info.ContentType)
		}
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, rc)
	case http.MethodDelete:
		_ = s.Store.Delete(ctx, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

type listResult struct {
	XMLName     xml.Name   `xml:"ListBucketResult"`
	Xmlns       string     `xml:"xmlns,attr"`
	Name        string     `xml:"Name"`
	Prefix      string     `xml:"Prefix"`
	KeyCount    int        `xml:"KeyCount"`
	MaxKeys     int        `xml:"MaxKeys"`
	IsTruncated bool       `xml:"IsTruncated"`
	Contents    []contents `xml:"Contents"`
}

type contents struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	items, truncated, err := s.Store.List(r.Context(), prefix, 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	res := listResult{
		Xmlns:       "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:        "bucket",
		Prefix:      prefix,
		KeyCount:    len(items),
		MaxKeys:     1000,
		IsTruncated: truncated,
	}
	for _, it := range items {
		res.Contents = append(res.Contents, contents{
			Key:          it.Key,
			LastModified: it.LastModified.Format(time.RFC3339),
			ETag:         `"` + it.ETag + `"`,
			Size:         it.Size,
		})
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(res)
}

type errorBody struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(errorBody{Code: code, Message: msg})
}
