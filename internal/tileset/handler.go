package tileset

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/mapstats/service/internal/authz"
	"github.com/mapstats/service/internal/middleware"
	"github.com/mapstats/service/internal/response"
	"github.com/mapstats/service/internal/sigv4"
)

// Handler holds HTTP handlers for tileset endpoints.
type Handler struct {
	svc       *Service
	proxyBase string
	log       zerolog.Logger
}

// NewHandler creates a tileset Handler. proxyBase is where the tile proxy is
// mounted, e.g. "/tile-proxy".
func NewHandler(svc *Service, proxyBase string, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, proxyBase: strings.TrimRight(proxyBase, "/"), log: logger}
}

// Routes returns the tileset router. Tile and TileJSON reads are public so
// map widgets can load them without a token.
func (h *Handler) Routes(jwtSecret string) chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/tilejson", h.TileJSON)
	r.Get("/{id}/tiles/{z}/{x}/{y}", h.Tile)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(jwtSecret))
		r.Get("/club/{clubID}", h.ListForClub)
		r.Get("/club/{clubID}/active", h.ActiveForClub)
		r.With(middleware.RequireAdmin).Post("/", h.Create)
	})
	return r
}

type createRequest struct {
	GolfClubID string `json:"golfClubId" example:"42"`
	Metadata
}

// Create godoc
//
//	@Summary		Register a tileset
//	@Description	Accepts metadata in the nested or TileJSON-style layout; missing zoom, size, format and folder fall back to defaults.
//	@Tags			tilesets
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		createRequest	true	"Club id and tileset metadata"
//	@Success		201		{object}	response.Envelope{data=Tileset}
//	@Failure		400		{object}	response.Envelope
//	@Failure		403		{object}	response.Envelope
//	@Failure		409		{object}	response.Envelope
//	@Router			/api/v1/tilesets [post]
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	t, err := h.svc.Create(r.Context(), req.GolfClubID, req.Metadata)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.log.Info().Str("tileset", t.ID).Str("club", t.GolfClubID).Msg("tileset created")
	response.Created(w, t)
}

// ListForClub godoc
//
//	@Summary		List a club's tilesets
//	@Tags			tilesets
//	@Produce		json
//	@Security		BearerAuth
//	@Param			clubID	path		string	true	"Golf club id"
//	@Success		200		{object}	response.Envelope{data=[]Tileset}
//	@Failure		403		{object}	response.Envelope
//	@Router			/api/v1/tilesets/club/{clubID} [get]
func (h *Handler) ListForClub(w http.ResponseWriter, r *http.Request) {
	clubID, ok := h.club(w, r)
	if !ok {
		return
	}
	list, err := h.svc.ListForClub(r.Context(), clubID)
	if err != nil {
		h.fail(w, err)
		return
	}
	response.OK(w, list)
}

// ActiveForClub godoc
//
//	@Summary		A club's current tileset
//	@Tags			tilesets
//	@Produce		json
//	@Security		BearerAuth
//	@Param			clubID	path		string	true	"Golf club id"
//	@Success		200		{object}	response.Envelope{data=Tileset}
//	@Failure		403		{object}	response.Envelope
//	@Failure		404		{object}	response.Envelope
//	@Router			/api/v1/tilesets/club/{clubID}/active [get]
func (h *Handler) ActiveForClub(w http.ResponseWriter, r *http.Request) {
	clubID, ok := h.club(w, r)
	if !ok {
		return
	}
	t, err := h.svc.ActiveForClub(r.Context(), clubID)
	if err != nil {
		h.fail(w, err)
		return
	}
	response.OK(w, t)
}

// club authorizes the caller for the club named in the path.
func (h *Handler) club(w http.ResponseWriter, r *http.Request) (string, bool) {
	clubID := chi.URLParam(r, "clubID")
	id, _ := middleware.IdentityFrom(r.Context())
	if err := authz.Check(id, authz.ActionRead, authz.ScopeForClub(clubID)); err != nil {
		h.fail(w, err)
		return "", false
	}
	return clubID, true
}

// TileJSON godoc
//
//	@Summary		TileJSON document of a tileset
//	@Tags			tilesets
//	@Produce		json
//	@Param			id	path		string	true	"Tileset id"
//	@Success		200	{object}	TileJSON
//	@Failure		404	{object}	response.Envelope
//	@Router			/api/v1/tilesets/{id}/tilejson [get]
func (h *Handler) TileJSON(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	response.JSON(w, http.StatusOK, t.TileJSON(requestBase(r)+h.proxyBase))
}

// Tile godoc
//
//	@Summary		Redirect to one tile of a tileset
//	@Description	Resolves the tile through the tileset's folder and URL pattern and redirects to the tile proxy.
//	@Tags			tilesets
//	@Param			id	path	string	true	"Tileset id"
//	@Param			z	path	int		true	"Zoom"
//	@Param			x	path	int		true	"Column"
//	@Param			y	path	string	true	"Row, optionally with an extension"
//	@Success		302
//	@Failure		404	{object}	response.Envelope
//	@Router			/api/v1/tilesets/{id}/tiles/{z}/{x}/{y} [get]
func (h *Handler) Tile(w http.ResponseWriter, r *http.Request) {
	z, ez := strconv.Atoi(chi.URLParam(r, "z"))
	x, ex := strconv.Atoi(chi.URLParam(r, "x"))
	yRaw, _, _ := strings.Cut(chi.URLParam(r, "y"), ".")
	y, ey := strconv.Atoi(yRaw)
	if ez != nil || ex != nil || ey != nil || z < 0 || x < 0 || y < 0 {
		response.BadRequest(w, "invalid tile coordinates")
		return
	}

	t, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if !t.Covers(z) {
		response.NotFound(w, "zoom outside tileset range")
		return
	}
	http.Redirect(w, r, h.proxyBase+"/"+sigv4.EncodePath(t.TileKey(z, x, y)), http.StatusFound)
}

func requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalid):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrNotFound):
		response.NotFound(w, "tileset not found")
	case errors.Is(err, ErrAlreadyExists):
		response.Conflict(w, "tileset already exists")
	case errors.Is(err, authz.ErrForbidden):
		response.Forbidden(w, "Forbidden")
	default:
		h.log.Error().Err(err).Msg("tileset request failed")
		response.InternalError(w)
	}
}
