// Package tileworker is the first-party tile upload surface. Upload URLs it
// hands out point back at the worker itself and carry a short-lived upload
// token instead of a SigV4 signature.
package tileworker

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/mapstats/service/internal/authz"
	"github.com/mapstats/service/internal/middleware"
	"github.com/mapstats/service/internal/multipart"
	"github.com/mapstats/service/internal/response"
	"github.com/mapstats/service/internal/storage"
	"github.com/mapstats/service/internal/tilekey"
	"github.com/mapstats/service/internal/uploadtoken"
)

const (
	tileContentType = "image/png"
	tileCache       = "public, max-age=31536000, immutable"
	listLimit       = 1000
)

var courseIDRe = regexp.MustCompile(`^[\w-]+$`)

// Config wires the worker.
type Config struct {
	Store    storage.Storage
	Tokens   *uploadtoken.Issuer
	Sessions *multipart.Registry

	// BaseURL is the externally visible URL of the worker mount, e.g.
	// https://api.example.com/worker. Empty derives it from each request.
	BaseURL   string
	MountPath string // used with request-derived base URLs; default /worker

	MaxTileBytes int64 // default 16 MiB
	MaxPartBytes int64 // default 100 MiB
}

// Handler holds the worker's HTTP handlers.
type Handler struct {
	cfg      Config
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates a worker Handler.
func NewHandler(cfg Config, logger zerolog.Logger) *Handler {
	if cfg.MountPath == "" {
		cfg.MountPath = "/worker"
	}
	if cfg.MaxTileBytes == 0 {
		cfg.MaxTileBytes = 16 << 20
	}
	if cfg.MaxPartBytes == 0 {
		cfg.MaxPartBytes = 100 << 20
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	_ = v.RegisterValidation("course", func(fl validator.FieldLevel) bool {
		return courseIDRe.MatchString(fl.Field().String())
	})
	return &Handler{cfg: cfg, validate: v, log: logger}
}

// Routes returns the worker router. Tile reads and token-authenticated
// direct uploads are public; everything else needs a bearer identity.
func (h *Handler) Routes(jwtSecret string) chi.Router {
	r := chi.NewRouter()
	r.Put("/direct-upload", h.DirectUpload)
	r.Get("/tiles/{course}/{z}/{x}/{file}", h.ServeTile)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(jwtSecret))
		r.Post("/tile-exists", h.TileExists)
		r.Post("/list-tiles", h.ListTiles)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Post("/upload-url", h.UploadURL)
			r.Post("/presigned", h.Presigned)
			r.Post("/batch-upload-urls", h.BatchUploadURLs)
			r.Put("/upload-tile", h.UploadTile)
			r.Delete("/delete-tile", h.DeleteTile)

			r.Route("/multipart", func(r chi.Router) {
				r.Post("/initiate", h.InitiateMultipart)
				r.Put("/part", h.UploadPart)
				r.Post("/complete", h.CompleteMultipart)
				r.Post("/abort", h.AbortMultipart)
			})
		})
	})
	return r
}

// tileRef names one tile of a course.
type tileRef struct {
	CourseID string `json:"courseId" validate:"required,course" example:"augusta-national"`
	Z        int    `json:"z"        validate:"gte=0,lte=30"    example:"17"`
	X        int    `json:"x"        validate:"gte=0"           example:"35210"`
	Y        int    `json:"y"        validate:"gte=0"           example:"52330"`
}

func (t tileRef) key() string { return tilekey.TileKey(t.CourseID, t.Z, t.X, t.Y) }

type uploadURLData struct {
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type presignedRequest struct {
	Key         string `json:"key"         validate:"required" example:"club/42/course-imagery.tif"`
	ContentType string `json:"contentType"                     example:"image/tiff"`
}

type xyz struct {
	Z int `json:"z" validate:"gte=0,lte=30"`
	X int `json:"x" validate:"gte=0"`
	Y int `json:"y" validate:"gte=0"`
}

type batchRequest struct {
	CourseID string `json:"courseId" validate:"required,course"`
	Tiles    []xyz  `json:"tiles"    validate:"required,min=1,max=1000,dive"`
}

type batchURL struct {
	Z         int       `json:"z"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	URL       string    `json:"url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type batchData struct {
	URLs []batchURL `json:"urls"`
}

type keyResult struct {
	Success bool   `json:"success" example:"true"`
	Key     string `json:"key"     example:"augusta-national/tiles/17/35210/52330.png"`
}

type existsData struct {
	Exists bool   `json:"exists"`
	Key    string `json:"key"`
}

type listRequest struct {
	CourseID string `json:"courseId" validate:"required,course"`
	Prefix   string `json:"prefix"`
}

type listedTile struct {
	CourseID string    `json:"courseId"`
	Z        int       `json:"z"`
	X        int       `json:"x"`
	Y        int       `json:"y"`
	Size     int64     `json:"size"`
	Uploaded time.Time `json:"uploaded"`
}

type listData struct {
	Tiles     []listedTile `json:"tiles"`
	Truncated bool         `json:"truncated"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		response.BadRequest(w, "invalid request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			if ve[0].Tag() == "required" {
				response.BadRequest(w, "Missing "+ve[0].Field())
				return false
			}
			response.BadRequest(w, "Invalid "+ve[0].Field())
			return false
		}
		response.BadRequest(w, "invalid request body")
		return false
	}
	return true
}

func (h *Handler) baseURL(r *http.Request) string {
	if h.cfg.BaseURL != "" {
		return h.cfg.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + h.cfg.MountPath
}

func (h *Handler) uploadURL(r *http.Request, key, contentType, subject string) (string, time.Time, error) {
	tok, exp, err := h.cfg.Tokens.Issue(key, contentType, subject)
	if err != nil {
		return "", time.Time{}, err
	}
	q := url.Values{"key": {key}, "token": {tok}}
	return h.baseURL(r) + "/direct-upload?" + q.Encode(), exp, nil
}

func subject(r *http.Request) string {
	id, _ := middleware.IdentityFrom(r.Context())
	return id.Subject
}

// UploadURL godoc
//
//	@Summary		Upload URL for one tile
//	@Description	Returns a worker URL that accepts a PUT of the tile's PNG bytes until the embedded token expires.
//	@Tags			worker
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		tileRef	true	"Tile"
//	@Success		200		{object}	uploadURLData
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		403		{object}	response.Envelope
//	@Router			/worker/upload-url [post]
func (h *Handler) UploadURL(w http.ResponseWriter, r *http.Request) {
	var req tileRef
	if !h.decode(w, r, &req) {
		return
	}
	key := req.key()
	u, exp, err := h.uploadURL(r, key, tileContentType, subject(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, uploadURLData{URL: u, Key: key, ExpiresAt: exp})
}

// Presigned godoc
//
//	@Summary		Upload URL for an arbitrary key
//	@Description	Same as upload-url but addressed by object key, for files that are not tiles.
//	@Tags			worker
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		presignedRequest	true	"Key and content type"
//	@Success		200		{object}	uploadURLData
//	@Failure		400		{object}	response.Envelope
//	@Failure		403		{object}	response.Envelope
//	@Router			/worker/presigned [post]
func (h *Handler) Presigned(w http.ResponseWriter, r *http.Request) {
	var req presignedRequest
	if !h.decode(w, r, &req) {
		return
	}
	ct := req.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	u, exp, err := h.uploadURL(r, req.Key, ct, subject(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, uploadURLData{URL: u, Key: req.Key, ExpiresAt: exp})
}

// BatchUploadURLs godoc
//
//	@Summary		Upload URLs for many tiles
//	@Tags			worker
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		batchRequest	true	"Course and tiles (at most 1000)"
//	@Success		200		{object}	batchData
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		403		{object}	response.Envelope
//	@Router			/worker/batch-upload-urls [post]
func (h *Handler) BatchUploadURLs(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	sub := subject(r)
	out := batchData{URLs: make([]batchURL, 0, len(req.Tiles))}
	for _, t := range req.Tiles {
		key := tilekey.TileKey(req.CourseID, t.Z, t.X, t.Y)
		u, exp, err := h.uploadURL(r, key, tileContentType, sub)
		if err != nil {
			h.fail(w, err)
			return
		}
		out.URLs = append(out.URLs, batchURL{Z: t.Z, X: t.X, Y: t.Y, URL: u, Key: key, ExpiresAt: exp})
	}
	response.JSON(w, http.StatusOK, out)
}

// DirectUpload godoc
//
//	@Summary		Store one object using an upload token
//	@Tags			worker
//	@Accept			image/png
//	@Produce		json
//	@Param			key		query		string	true	"Object key"
//	@Param			token	query		string	true	"Upload token from upload-url"
//	@Success		200		{object}	keyResult
//	@Failure		400		{object}	response.Envelope
//	@Failure		403		{object}	response.Envelope
//	@Router			/worker/direct-upload [put]
func (h *Handler) DirectUpload(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		response.BadRequest(w, "Missing key parameter")
		return
	}
	grant, err := h.cfg.Tokens.Verify(r.URL.Query().Get("token"), key)
	if err != nil {
		response.Forbidden(w, "invalid or expired upload token")
		return
	}
	ct := grant.ContentType
	if ct == "" {
		ct = tileContentType
	}
	h.put(w, r, key, ct)
}

// UploadTile godoc
//
//	@Summary		Store one tile addressed by headers
//	@Tags			worker
//	@Accept			image/png
//	@Produce		json
//	@Security		BearerAuth
//	@Param			X-Course-Id	header		string	true	"Course id"
//	@Param			X-Z			header		int		true	"Zoom"
//	@Param			X-X			header		int		true	"Column"
//	@Param			X-Y			header		int		true	"Row"
//	@Success		200			{object}	keyResult
//	@Failure		400			{object}	response.Envelope
//	@Router			/worker/upload-tile [put]
func (h *Handler) UploadTile(w http.ResponseWriter, r *http.Request) {
	course := r.Header.Get("X-Course-Id")
	z, ez := strconv.Atoi(r.Header.Get("X-Z"))
	x, ex := strconv.Atoi(r.Header.Get("X-X"))
	y, ey := strconv.Atoi(r.Header.Get("X-Y"))
	if !courseIDRe.MatchString(course) || ez != nil || ex != nil || ey != nil || z < 0 || x < 0 || y < 0 {
		response.BadRequest(w, "Missing headers")
		return
	}
	h.put(w, r, tilekey.TileKey(course, z, x, y), tileContentType)
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request, key, contentType string) {
	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxTileBytes)
	if _, err := h.cfg.Store.Put(r.Context(), key, body, r.ContentLength, contentType); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			response.Error(w, http.StatusRequestEntityTooLarge, "tile too large")
			return
		}
		h.fail(w, err)
		return
	}
	h.log.Debug().Str("key", key).Msg("tile stored")
	response.JSON(w, http.StatusOK, keyResult{Success: true, Key: key})
}

// ServeTile godoc
//
//	@Summary		Read a tile
//	@Tags			worker
//	@Produce		png
//	@Param			course	path	string	true	"Course id"
//	@Param			z		path	int		true	"Zoom"
//	@Param			x		path	int		true	"Column"
//	@Param			file	path	string	true	"Row with .png suffix"
//	@Success		200
//	@Failure		404
//	@Router			/worker/tiles/{course}/{z}/{x}/{file} [get]
func (h *Handler) ServeTile(w http.ResponseWriter, r *http.Request) {
	course := chi.URLParam(r, "course")
	z, ez := strconv.Atoi(chi.URLParam(r, "z"))
	x, ex := strconv.Atoi(chi.URLParam(r, "x"))
	file := chi.URLParam(r, "file")
	y, ey := strconv.Atoi(strings.TrimSuffix(file, ".png"))
	if !courseIDRe.MatchString(course) || !strings.HasSuffix(file, ".png") || ez != nil || ex != nil || ey != nil {
		http.Error(w, "Tile not found", http.StatusNotFound)
		return
	}

	rc, info, err := h.cfg.Store.Get(r.Context(), tilekey.TileKey(course, z, x, y))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.log.Error().Err(err).Str("course", course).Msg("tile read failed")
		}
		http.Error(w, "Tile not found", http.StatusNotFound)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", tileContentType)
	w.Header().Set("Cache-Control", tileCache)
	if info.ETag != "" {
		w.Header().Set("ETag", `"`+strings.Trim(info.ETag, `"`)+`"`)
	}
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

// TileExists godoc
//
//	@Summary		Check whether a tile is stored
//	@Tags			worker
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		tileRef	true	"Tile"
//	@Success		200		{object}	existsData
//	@Failure		400		{object}	response.Envelope
//	@Failure		403		{object}	response.Envelope
//	@Router			/worker/tile-exists [post]
func (h *Handler) TileExists(w http.ResponseWriter, r *http.Request) {
	var req tileRef
	if !h.decode(w, r, &req) {
		return
	}
	key := req.key()
	id, _ := middleware.IdentityFrom(r.Context())
	if err := authz.Check(id, authz.ActionRead, key); err != nil {
		h.fail(w, err)
		return
	}

	_, err := h.cfg.Store.Head(r.Context(), key)
	switch {
	case err == nil:
		response.JSON(w, http.StatusOK, existsData{Exists: true, Key: key})
	case errors.Is(err, storage.ErrNotFound):
		response.JSON(w, http.StatusOK, existsData{Exists: false, Key: key})
	default:
		h.fail(w, err)
	}
}

// ListTiles godoc
//
//	@Summary		List a course's tiles
//	@Description	Returns up to 1000 tiles under the course, optionally narrowed by a sub-prefix such as "tiles/17/".
//	@Tags			worker
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		listRequest	true	"Course and optional prefix"
//	@Success		200		{object}	listData
//	@Failure		400		{object}	response.Envelope
//	@Failure		403		{object}	response.Envelope
//	@Router			/worker/list-tiles [post]
func (h *Handler) ListTiles(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if !h.decode(w, r, &req) {
		return
	}
	prefix := req.CourseID + "/"
	if req.Prefix != "" {
		prefix += strings.TrimPrefix(req.Prefix, "/")
	}
	id, _ := middleware.IdentityFrom(r.Context())
	if err := authz.Check(id, authz.ActionRead, prefix); err != nil {
		h.fail(w, err)
		return
	}

	objs, truncated, err := h.cfg.Store.List(r.Context(), prefix, listLimit)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := listData{Tiles: make([]listedTile, 0, len(objs)), Truncated: truncated}
	for _, o := range objs {
		t, ok := tilekey.ParseTileKey(o.Key)
		if !ok {
			continue
		}
		out.Tiles = append(out.Tiles, listedTile{
			CourseID: t.Scope, Z: t.Z, X: t.X, Y: t.Y,
			Size: o.Size, Uploaded: o.LastModified,
		})
	}
	response.JSON(w, http.StatusOK, out)
}

// DeleteTile godoc
//
//	@Summary		Delete a tile
//	@Tags			worker
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		tileRef	true	"Tile"
//	@Success		200		{object}	keyResult
//	@Failure		400		{object}	response.Envelope
//	@Failure		403		{object}	response.Envelope
//	@Router			/worker/delete-tile [delete]
func (h *Handler) DeleteTile(w http.ResponseWriter, r *http.Request) {
	var req tileRef
	if !h.decode(w, r, &req) {
		return
	}
	key := req.key()
	if err := h.cfg.Store.Delete(r.Context(), key); err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Str("key", key).Str("subject", subject(r)).Msg("tile deleted")
	response.JSON(w, http.StatusOK, keyResult{Success: true, Key: key})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authz.ErrForbidden):
		response.Forbidden(w, "Forbidden")
	case errors.Is(err, multipart.ErrUnknownSession), errors.Is(err, storage.ErrNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, multipart.ErrTerminal), errors.Is(err, multipart.ErrBusy):
		response.Conflict(w, err.Error())
	case errors.Is(err, multipart.ErrKeyMismatch),
		errors.Is(err, multipart.ErrInvalidPart),
		errors.Is(err, multipart.ErrIncompleteParts),
		errors.Is(err, multipart.ErrPartMismatch):
		response.BadRequest(w, err.Error())
	default:
		h.log.Error().Err(err).Msg("worker request failed")
		response.InternalError(w)
	}
}
