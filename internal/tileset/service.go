package tileset

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/mapstats/service/internal/tilekey"
)

// ErrInvalid wraps every metadata validation failure.
var ErrInvalid = errors.New("invalid tileset metadata")

// Bounds accepts {minLat,maxLat,minLon,maxLon} or [minLon,minLat,maxLon,maxLat].
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`
}

func (b *Bounds) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != 4 {
			return fmt.Errorf("%w: bounds array needs 4 numbers", ErrInvalid)
		}
		*b = Bounds{MinLon: arr[0], MinLat: arr[1], MaxLon: arr[2], MaxLat: arr[3]}
		return nil
	}
	type plain Bounds
	return json.Unmarshal(data, (*plain)(b))
}

// Center accepts {lat,lon} or [lon,lat,zoom].
type Center struct {
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Zoom int     `json:"-"`
}

func (c *Center) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) < 2 {
			return fmt.Errorf("%w: center array needs lon and lat", ErrInvalid)
		}
		*c = Center{Lon: arr[0], Lat: arr[1]}
		if len(arr) > 2 {
			c.Zoom = int(arr[2])
		}
		return nil
	}
	type plain Center
	return json.Unmarshal(data, (*plain)(c))
}

// ZoomRange is the nested zoom form of Metadata.
type ZoomRange struct {
	Min     int `json:"min"`
	Max     int `json:"max"`
	Default int `json:"default"`
}

// Metadata is a tileset description as exported by tiling tools. Both the
// nested and the TileJSON-style fields are accepted.
type Metadata struct {
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Bounds         *Bounds    `json:"bounds"`
	Center         *Center    `json:"center,omitempty"`
	Zoom           *ZoomRange `json:"zoom,omitempty"`
	MinZoom        int        `json:"minzoom,omitempty"`
	MaxZoom        int        `json:"maxzoom,omitempty"`
	R2FolderPath   string     `json:"r2FolderPath,omitempty"`
	TileURLPattern string     `json:"tileUrlPattern,omitempty"`
	TileSize       int        `json:"tileSize,omitempty"`
	Format         string     `json:"format,omitempty"`
	Attribution    string     `json:"attribution,omitempty"`
}

// Normalize turns metadata into an active Tileset for clubID, filling the
// defaults: zoom 14..20 (default 17), 256px png tiles, pattern {z}/{x}/{y}.png
// and a folder derived from the name.
func Normalize(clubID string, m Metadata) (*Tileset, error) {
	if clubID == "" {
		return nil, fmt.Errorf("%w: missing golf club id", ErrInvalid)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalid)
	}
	if m.Bounds == nil {
		return nil, fmt.Errorf("%w: missing bounds", ErrInvalid)
	}
	b := *m.Bounds
	if b.MinLat > b.MaxLat || b.MinLon > b.MaxLon {
		return nil, fmt.Errorf("%w: bounds are inverted", ErrInvalid)
	}

	t := &Tileset{
		GolfClubID:     clubID,
		Name:           m.Name,
		MinLat:         b.MinLat,
		MaxLat:         b.MaxLat,
		MinLon:         b.MinLon,
		MaxLon:         b.MaxLon,
		MinZoom:        firstPositive(m.MinZoom, zoomField(m.Zoom, func(z ZoomRange) int { return z.Min }), 14),
		MaxZoom:        firstPositive(m.MaxZoom, zoomField(m.Zoom, func(z ZoomRange) int { return z.Max }), 20),
		R2FolderPath:   strings.Trim(m.R2FolderPath, "/"),
		TileURLPattern: m.TileURLPattern,
		TileSize:       firstPositive(m.TileSize, 256),
		Format:         m.Format,
		IsActive:       true,
	}
	if m.Description != "" {
		t.Description = &m.Description
	}
	if m.Attribution != "" {
		t.Attribution = &m.Attribution
	}
	if t.MinZoom > t.MaxZoom {
		return nil, fmt.Errorf("%w: min zoom above max zoom", ErrInvalid)
	}

	defaultZoom := zoomField(m.Zoom, func(z ZoomRange) int { return z.Default })
	if m.Center != nil {
		t.CenterLat, t.CenterLon = m.Center.Lat, m.Center.Lon
		defaultZoom = firstPositive(m.Center.Zoom, defaultZoom)
	} else {
		t.CenterLat = (b.MinLat + b.MaxLat) / 2
		t.CenterLon = (b.MinLon + b.MaxLon) / 2
	}
	t.DefaultZoom = firstPositive(defaultZoom, 17)

	if t.R2FolderPath == "" {
		t.R2FolderPath = tilekey.SanitizeSlug(m.Name) + "/tiles"
	}
	if t.TileURLPattern == "" {
		t.TileURLPattern = "{z}/{x}/{y}.png"
	}
	switch t.Format {
	case "":
		t.Format = "png"
	case "png", "jpg", "webp":
	default:
		return nil, fmt.Errorf("%w: format %q", ErrInvalid, t.Format)
	}
	return t, nil
}

func zoomField(z *ZoomRange, f func(ZoomRange) int) int {
	if z == nil {
		return 0
	}
	return f(*z)
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// TileKey returns the object key of tile z/x/y of t.
func (t *Tileset) TileKey(z, x, y int) string {
	return t.R2FolderPath + "/" + tilekey.ExpandTemplate(t.TileURLPattern, z, x, y)
}

// Covers reports whether z is inside the tileset's zoom range.
func (t *Tileset) Covers(z int) bool { return z >= t.MinZoom && z <= t.MaxZoom }

// TileJSON is a TileJSON 3.0.0 document.
type TileJSON struct {
	TileJSON    string     `json:"tilejson"`
	Name        string     `json:"name"`
	Description *string    `json:"description,omitempty"`
	Version     string     `json:"version"`
	Scheme      string     `json:"scheme"`
	Tiles       []string   `json:"tiles"`
	MinZoom     int        `json:"minzoom"`
	MaxZoom     int        `json:"maxzoom"`
	Bounds      [4]float64 `json:"bounds"`
	Center      [3]float64 `json:"center"`
	Attribution *string    `json:"attribution,omitempty"`
	Format      string     `json:"format"`
	TileSize    int        `json:"tileSize"`
}

// TileJSON describes t with tiles served from tileBase, e.g.
// https://api.example.com/tile-proxy.
func (t *Tileset) TileJSON(tileBase string) TileJSON {
	return TileJSON{
		TileJSON:    "3.0.0",
		Name:        t.Name,
		Description: t.Description,
		Version:     "1.0.0",
		Scheme:      "xyz",
		Tiles:       []string{strings.TrimRight(tileBase, "/") + "/" + t.R2FolderPath + "/" + t.TileURLPattern},
		MinZoom:     t.MinZoom,
		MaxZoom:     t.MaxZoom,
		Bounds:      [4]float64{t.MinLon, t.MinLat, t.MaxLon, t.MaxLat},
		Center:      [3]float64{t.CenterLon, t.CenterLat, float64(t.DefaultZoom)},
		Attribution: t.Attribution,
		Format:      t.Format,
		TileSize:    t.TileSize,
	}
}

// Store is the persistence the service needs.
type Store interface {
	Create(ctx context.Context, t *Tileset) (*Tileset, error)
	GetByID(ctx context.Context, id string) (*Tileset, error)
	ActiveForClub(ctx context.Context, clubID string) (*Tileset, error)
	ListForClub(ctx context.Context, clubID string) ([]*Tileset, error)
}

// Service contains tileset business logic.
type Service struct {
	repo Store
}

// NewService creates a new tileset Service.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// Create validates metadata and stores it as a new active tileset.
func (s *Service) Create(ctx context.Context, clubID string, m Metadata) (*Tileset, error) {
	t, err := Normalize(clubID, m)
	if err != nil {
		return nil, err
	}
	return s.repo.Create(ctx, t)
}

// Get returns a tileset by id.
func (s *Service) Get(ctx context.Context, id string) (*Tileset, error) {
	return s.repo.GetByID(ctx, id)
}

// ActiveForClub returns the club's current tileset.
func (s *Service) ActiveForClub(ctx context.Context, clubID string) (*Tileset, error) {
	return s.repo.ActiveForClub(ctx, clubID)
}

// ListForClub returns every tileset of the club.
func (s *Service) ListForClub(ctx context.Context, clubID string) ([]*Tileset, error) {
	return s.repo.ListForClub(ctx, clubID)
}
