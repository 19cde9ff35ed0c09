// Package tileproxy serves map tiles from the bucket's public endpoint to
// browsers that hold no credentials. A missing or unreachable tile is
// answered with a transparent pixel so map widgets never render a broken
// image.
package tileproxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mapstats/service/internal/metrics"
	"github.com/mapstats/service/internal/sigv4"
)

// Cache lifetimes for each outcome.
const (
	CacheHit     = "public, max-age=86400"
	CacheMissing = "public, max-age=3600"
	CacheError   = "public, max-age=60"
)

// DefaultMaxTileBytes is the largest upstream body relayed as a tile.
const DefaultMaxTileBytes = 8 << 20

// TransparentPNG is the 1x1 fully transparent PNG served in place of
// absent tiles.
var TransparentPNG = mustDecode("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNk+M9QDwADhgGAWjR9awAAAABJRU5ErkJggg==")

func mustDecode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// tilePath is a scope followed by z/x/y and an image extension.
var tilePath = regexp.MustCompile(`^/?(.+)/(\d+)/(\d+)/(\d+)\.(png|jpe?g|webp)$`)

var (
	errUpstream = errors.New("upstream error")
	errTooLarge = errors.New("tile too large")
)

// Config tunes the proxy.
type Config struct {
	// PublicBaseURL is the unauthenticated bucket endpoint, without trailing slash.
	PublicBaseURL string
	Client        *http.Client

	// MaxTileBytes bounds a relayed tile; larger objects are served as
	// the fallback. Zero means DefaultMaxTileBytes.
	MaxTileBytes int64

	// Breaker settings; zero values take the defaults below.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Handler is the public tile endpoint. Mount it with the route prefix
// stripped, so r.URL.Path is the object key with a leading slash.
type Handler struct {
	base    string
	client  *http.Client
	maxBody int64
	breaker *gobreaker.CircuitBreaker[*tile]
	log     zerolog.Logger
}

type tile struct {
	found bool
	body  []byte
}

// NewHandler creates a tile proxy Handler.
func NewHandler(cfg Config, logger zerolog.Logger) *Handler {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	maxBody := cfg.MaxTileBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxTileBytes
	}

	h := &Handler{
		base:    strings.TrimRight(cfg.PublicBaseURL, "/"),
		client:  client,
		maxBody: maxBody,
		log:     logger,
	}
	h.breaker = gobreaker.NewCircuitBreaker[*tile](gobreaker.Settings{
		Name:        "tile-proxy",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// An oversized object says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errTooLarge)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	metrics.CircuitBreakerState.WithLabelValues("tile-proxy").Set(0)
	return h
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
}

// ContentType maps a tile extension to its media type; unknown ones are PNG.
func ContentType(name string) string {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(name), ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w.Header())
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/")
	if !tilePath.MatchString(r.URL.Path) || hasDotSegment(key) {
		metrics.TileProxyResults.WithLabelValues("bad_request").Inc()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "Invalid tile path\n")
		return
	}

	t, err := h.breaker.Execute(func() (*tile, error) {
		return h.fetch(r.Context(), key)
	})
	switch {
	case err != nil:
		metrics.TileProxyResults.WithLabelValues("error").Inc()
		h.log.Warn().Err(err).Str("key", key).Msg("tile fetch failed")
		writeImage(w, TransparentPNG, "image/png", CacheError)
	case !t.found:
		metrics.TileProxyResults.WithLabelValues("missing").Inc()
		writeImage(w, TransparentPNG, "image/png", CacheMissing)
	default:
		metrics.TileProxyResults.WithLabelValues("hit").Inc()
		writeImage(w, t.body, ContentType(key), CacheHit)
	}
}

// fetch reports a missing tile as a result, not an error, so sparse tile
// sets do not trip the breaker.
func (h *Handler) fetch(ctx context.Context, key string) (*tile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/"+sigv4.EncodePath(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &tile{}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", errUpstream, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read tile: %w", err)
	}
	if int64(len(body)) > h.maxBody {
		return nil, fmt.Errorf("%w: over %d bytes", errTooLarge, h.maxBody)
	}
	return &tile{found: true, body: body}, nil
}

func writeImage(w http.ResponseWriter, body []byte, contentType, cache string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", cache)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func hasDotSegment(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." || seg == "" {
			return true
		}
	}
	return false
}
