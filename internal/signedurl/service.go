// Package signedurl issues presigned object-store URLs to authenticated
// callers, and performs the few operations (delete, inline upload, listing)
// that the service executes on the caller's behalf.
package signedurl

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mapstats/service/internal/authz"
	"github.com/mapstats/service/internal/metrics"
	"github.com/mapstats/service/internal/sigv4"
)

// Expiry bounds, in seconds.
const (
	MinTTL     = 60
	MaxTTL     = 3600
	DefaultTTL = 900

	deleteTTL = 60
	listTTL   = 60
	inlineTTL = 900
)

var (
	// ErrUnauthorized means no verified identity accompanied the request.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadRequest marks malformed input.
	ErrBadRequest = errors.New("bad request")
	// ErrForbidden is the authorizer's denial.
	ErrForbidden = authz.ErrForbidden
)

// UpstreamError reports a non-2xx object-store response.
type UpstreamError struct {
	Op     string
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %d", e.Op, e.Status)
}

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, msg)
}

// Config locates the bucket and holds its credentials.
type Config struct {
	Credentials sigv4.Credentials
	Region      string
	Host        string // virtual-hosted bucket host
	Scheme      string // defaults to https
}

// Grant is an ephemeral capability to perform one method on one key.
type Grant struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// InlineResult is returned by UploadInline.
type InlineResult struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
	URL     string `json:"url"`
}

// Listing is returned by List.
type Listing struct {
	Items  []string `json:"items"`
	Prefix string   `json:"prefix"`
}

// Service wraps the authorizer and the signer.
type Service struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
	log    zerolog.Logger
}

// NewService validates cfg by presigning a probe URL, so a missing
// credential fails at startup rather than on the first request.
func NewService(cfg Config, client *http.Client, logger zerolog.Logger) (*Service, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	s := &Service{cfg: cfg, client: client, now: time.Now, log: logger}
	if _, err := s.presign(http.MethodGet, "probe", MinTTL, sigv4.PayloadEmpty); err != nil {
		return nil, err
	}
	return s, nil
}

// ClampTTL maps a requested lifetime into [MinTTL, MaxTTL]; zero selects
// DefaultTTL.
func ClampTTL(seconds int) int {
	if seconds == 0 {
		seconds = DefaultTTL
	}
	if seconds < MinTTL {
		return MinTTL
	}
	if seconds > MaxTTL {
		return MaxTTL
	}
	return seconds
}

func (s *Service) request(method, key string, ttl int, mode sigv4.PayloadMode) (sigv4.Request, time.Time) {
	now := s.now().UTC()
	return sigv4.Request{
		Method:      method,
		Scheme:      s.cfg.Scheme,
		Host:        s.cfg.Host,
		Key:         key,
		Credentials: s.cfg.Credentials,
		Region:      s.cfg.Region,
		ExpiresIn:   ttl,
		Payload:     mode,
		Time:        now,
	}, now.Add(time.Duration(ttl) * time.Second)
}

func (s *Service) presign(method, key string, ttl int, mode sigv4.PayloadMode) (*Grant, error) {
	req, expiresAt := s.request(method, key, ttl, mode)
	u, err := sigv4.Presign(req)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", method, err)
	}
	metrics.Presigns.WithLabelValues(method).Inc()
	return &Grant{URL: u, Key: key, Method: method, ExpiresAt: expiresAt}, nil
}

// GetUploadURL returns a PUT grant for key, valid for ttl seconds after
// clamping. Admins only.
func (s *Service) GetUploadURL(ctx context.Context, id authz.Identity, key, contentType string, ttl int) (*Grant, error) {
	if key == "" {
		return nil, badRequest("Missing key")
	}
	if contentType == "" {
		return nil, badRequest("Missing contentType")
	}
	if err := authz.Check(id, authz.ActionWrite, key); err != nil {
		return nil, err
	}
	return s.presign(http.MethodPut, key, ClampTTL(ttl), sigv4.PayloadUnsigned)
}

// GetDownloadURL returns a GET grant for key, valid for ttl seconds after
// clamping.
func (s *Service) GetDownloadURL(ctx context.Context, id authz.Identity, key string, ttl int) (*Grant, error) {
	if key == "" {
		return nil, badRequest("Missing key")
	}
	if err := authz.Check(id, authz.ActionRead, key); err != nil {
		return nil, err
	}
	return s.presign(http.MethodGet, key, ClampTTL(ttl), sigv4.PayloadEmpty)
}

// DeleteObject removes key immediately.
func (s *Service) DeleteObject(ctx context.Context, id authz.Identity, key string) error {
	if key == "" {
		return badRequest("Missing key")
	}
	if err := authz.Check(id, authz.ActionDelete, key); err != nil {
		return err
	}
	g, err := s.presign(http.MethodDelete, key, deleteTTL, sigv4.PayloadEmpty)
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodDelete, g.URL, nil, "")
	if err != nil {
		return err
	}
	defer drain(resp)
	if !ok2xx(resp.StatusCode) {
		return &UpstreamError{Op: "Delete", Status: resp.StatusCode}
	}
	s.log.Info().Str("key", key).Str("subject", id.Subject).Msg("object deleted")
	return nil
}

// UploadInline PUTs data to key from the server side.
func (s *Service) UploadInline(ctx context.Context, id authz.Identity, key, contentType string, data []byte) (*InlineResult, error) {
	if key == "" || contentType == "" || len(data) == 0 {
		return nil, badRequest("Missing key, fileData, or contentType")
	}
	if err := authz.Check(id, authz.ActionWrite, key); err != nil {
		return nil, err
	}
	g, err := s.presign(http.MethodPut, key, inlineTTL, sigv4.PayloadUnsigned)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(ctx, http.MethodPut, g.URL, data, contentType)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if !ok2xx(resp.StatusCode) {
		return nil, &UpstreamError{Op: "Upload", Status: resp.StatusCode}
	}
	s.log.Info().Str("key", key).Int("bytes", len(data)).Str("subject", id.Subject).Msg("inline upload stored")
	return &InlineResult{Success: true, Key: key, URL: g.URL}, nil
}

// listBucketResult is the subset of ListObjectsV2 output we read.
type listBucketResult struct {
	Contents []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

// List returns the keys under the caller's effective prefix. The bucket
// root listing is fetched once and filtered here, so at most one listing
// page (1000 keys on R2) is considered.
func (s *Service) List(ctx context.Context, id authz.Identity, prefix string) (*Listing, error) {
	if err := authz.Check(id, authz.ActionList, prefix); err != nil {
		return nil, err
	}
	effective := authz.EffectiveListPrefix(id, prefix)

	req, _ := s.request(http.MethodGet, "", listTTL, sigv4.PayloadEmpty)
	u, err := sigv4.PresignBucket(req)
	if err != nil {
		return nil, fmt.Errorf("presign list: %w", err)
	}
	metrics.Presigns.WithLabelValues(http.MethodGet).Inc()

	resp, err := s.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if !ok2xx(resp.StatusCode) {
		return nil, &UpstreamError{Op: "List", Status: resp.StatusCode}
	}

	var res listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	items := make([]string, 0, len(res.Contents))
	for _, c := range res.Contents {
		if strings.HasPrefix(c.Key, effective) {
			items = append(items, c.Key)
		}
	}
	return &Listing{Items: items, Prefix: effective}, nil
}

func (s *Service) do(ctx context.Context, method, url string, body []byte, contentType string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if body != nil {
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s object store: %w", strings.ToLower(method), err)
	}
	return resp, nil
}

func ok2xx(code int) bool { return code >= 200 && code < 300 }

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
