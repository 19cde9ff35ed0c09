// Package uploader drives bulk tile uploads against the tile worker: it asks
// for upload URLs in batches and PUTs the tiles with bounded concurrency.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mapstats/service/internal/storage"
	"github.com/mapstats/service/internal/tilekey"
)

// StatusError is a non-2xx answer from the worker or the upload target.
type StatusError struct {
	Op      string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s failed: %d: %s", e.Op, e.Status, e.Message)
}

// UploadURL is one upload capability handed out by the worker.
type UploadURL struct {
	Z         int       `json:"z"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ListedTile is one entry of ListTiles.
type ListedTile struct {
	CourseID string    `json:"courseId"`
	Z        int       `json:"z"`
	X        int       `json:"x"`
	Y        int       `json:"y"`
	Size     int64     `json:"size"`
	Uploaded time.Time `json:"uploaded"`
}

// Client talks to the worker mount, e.g. https://api.example.com/worker.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a worker client authenticating with a bearer token.
// A nil hc uses http.DefaultClient.
func NewClient(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: hc}
}

type tileRef struct {
	CourseID string `json:"courseId"`
	Z        int    `json:"z"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
}

type xyz struct {
	Z int `json:"z"`
	X int `json:"x"`
	Y int `json:"y"`
}

// UploadURL asks for one tile's upload URL.
func (c *Client) UploadURL(ctx context.Context, courseID string, z, x, y int) (UploadURL, error) {
	var out UploadURL
	err := c.call(ctx, "UploadURL", http.MethodPost, "/upload-url", tileRef{courseID, z, x, y}, &out)
	out.Z, out.X, out.Y = z, x, y
	return out, err
}

// BatchUploadURLs asks for upload URLs of many tiles in one request. The
// result is in the order of tiles.
func (c *Client) BatchUploadURLs(ctx context.Context, courseID string, tiles []tilekey.Tile) ([]UploadURL, error) {
	req := struct {
		CourseID string `json:"courseId"`
		Tiles    []xyz  `json:"tiles"`
	}{CourseID: courseID, Tiles: make([]xyz, len(tiles))}
	for i, t := range tiles {
		req.Tiles[i] = xyz{t.Z, t.X, t.Y}
	}

	var out struct {
		URLs []UploadURL `json:"urls"`
	}
	if err := c.call(ctx, "BatchUploadURLs", http.MethodPost, "/batch-upload-urls", req, &out); err != nil {
		return nil, err
	}
	if len(out.URLs) != len(tiles) {
		return nil, fmt.Errorf("batch upload urls: asked for %d, got %d", len(tiles), len(out.URLs))
	}
	return out.URLs, nil
}

// Presigned asks for an upload URL for an arbitrary key.
func (c *Client) Presigned(ctx context.Context, key, contentType string) (UploadURL, error) {
	var out UploadURL
	err := c.call(ctx, "Presigned", http.MethodPost, "/presigned", map[string]string{"key": key, "contentType": contentType}, &out)
	return out, err
}

// Put uploads body to an upload URL. The URL carries its own credentials.
// size < 0 sends the body chunked.
func (c *Client) Put(ctx context.Context, url string, body io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	if size >= 0 {
		req.ContentLength = size
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus("Upload", resp)
}

// TileExists reports whether a tile is stored.
func (c *Client) TileExists(ctx context.Context, courseID string, z, x, y int) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	err := c.call(ctx, "TileExists", http.MethodPost, "/tile-exists", tileRef{courseID, z, x, y}, &out)
	return out.Exists, err
}

// ListTiles lists a course's tiles, optionally under a sub-prefix.
func (c *Client) ListTiles(ctx context.Context, courseID, prefix string) ([]ListedTile, bool, error) {
	var out struct {
		Tiles     []ListedTile `json:"tiles"`
		Truncated bool         `json:"truncated"`
	}
	req := map[string]string{"courseId": courseID, "prefix": prefix}
	if err := c.call(ctx, "ListTiles", http.MethodPost, "/list-tiles", req, &out); err != nil {
		return nil, false, err
	}
	return out.Tiles, out.Truncated, nil
}

// DeleteTile removes a tile.
func (c *Client) DeleteTile(ctx context.Context, courseID string, z, x, y int) error {
	return c.call(ctx, "DeleteTile", http.MethodDelete, "/delete-tile", tileRef{courseID, z, x, y}, nil)
}

// InitiateMultipart opens a multipart upload and returns its id.
func (c *Client) InitiateMultipart(ctx context.Context, key, contentType string) (string, error) {
	var out struct {
		UploadID string `json:"uploadId"`
	}
	err := c.call(ctx, "InitiateMultipart", http.MethodPost, "/multipart/initiate",
		map[string]string{"key": key, "contentType": contentType}, &out)
	return out.UploadID, err
}

// UploadPart sends one part and returns its etag.
func (c *Client) UploadPart(ctx context.Context, key, uploadID string, number int, body io.Reader, size int64) (storage.Part, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/multipart/part", body)
	if err != nil {
		return storage.Part{}, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Key", key)
	req.Header.Set("X-Upload-Id", uploadID)
	req.Header.Set("X-Part-Number", strconv.Itoa(number))

	var out storage.Part
	if err := c.send(req, "UploadPart", &out); err != nil {
		return storage.Part{}, err
	}
	return out, nil
}

// CompleteMultipart assembles the object from parts, which must be 1..n ascending.
func (c *Client) CompleteMultipart(ctx context.Context, key, uploadID string, parts []storage.Part) error {
	req := struct {
		Key      string         `json:"key"`
		UploadID string         `json:"uploadId"`
		Parts    []storage.Part `json:"parts"`
	}{key, uploadID, parts}
	return c.call(ctx, "CompleteMultipart", http.MethodPost, "/multipart/complete", req, nil)
}

// AbortMultipart discards a multipart upload.
func (c *Client) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return c.call(ctx, "AbortMultipart", http.MethodPost, "/multipart/abort",
		map[string]string{"key": key, "uploadId": uploadID}, nil)
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, op, out)
}

func (c *Client) send(req *http.Request, op string, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var env struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	_ = json.Unmarshal(data, &env)
	return &StatusError{Op: op, Status: resp.StatusCode, Message: env.Error}
}
