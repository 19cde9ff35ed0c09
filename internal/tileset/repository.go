// Package tileset stores golf course tileset metadata and resolves tile
// coordinates of a tileset to object keys.
package tileset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tileset describes one imagery set of a golf club.
type Tileset struct {
	ID             string    `json:"id"`
	GolfClubID     string    `json:"golfClubId"`
	Name           string    `json:"name"`
	Description    *string   `json:"description,omitempty"`
	MinLat         float64   `json:"minLat"`
	MaxLat         float64   `json:"maxLat"`
	MinLon         float64   `json:"minLon"`
	MaxLon         float64   `json:"maxLon"`
	CenterLat      float64   `json:"centerLat"`
	CenterLon      float64   `json:"centerLon"`
	MinZoom        int       `json:"minZoom"`
	MaxZoom        int       `json:"maxZoom"`
	DefaultZoom    int       `json:"defaultZoom"`
	R2FolderPath   string    `json:"r2FolderPath"`
	TileURLPattern string    `json:"tileUrlPattern"`
	TileSize       int       `json:"tileSize"`
	Format         string    `json:"format"`
	Attribution    *string   `json:"attribution,omitempty"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ErrNotFound is returned when a tileset does not exist.
var ErrNotFound = errors.New("tileset not found")

// ErrAlreadyExists is returned when a club already has a tileset of that name.
var ErrAlreadyExists = errors.New("tileset already exists")

const columns = `id, golf_club_id, name, description, min_lat, max_lat, min_lon, max_lon,
	center_lat, center_lon, min_zoom, max_zoom, default_zoom, r2_folder_path,
	tile_url_pattern, tile_size, format, attribution, is_active, created_at, updated_at`

// Querier is the subset of *pgxpool.Pool the repository uses.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles tileset persistence.
type Repository struct {
	db Querier
}

// NewRepository creates a Repository over the pool.
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

func scan(row pgx.Row) (*Tileset, error) {
	t := &Tileset{}
	err := row.Scan(&t.ID, &t.GolfClubID, &t.Name, &t.Description,
		&t.MinLat, &t.MaxLat, &t.MinLon, &t.MaxLon, &t.CenterLat, &t.CenterLon,
		&t.MinZoom, &t.MaxZoom, &t.DefaultZoom, &t.R2FolderPath, &t.TileURLPattern,
		&t.TileSize, &t.Format, &t.Attribution, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// Create inserts t and returns the stored row.
func (r *Repository) Create(ctx context.Context, t *Tileset) (*Tileset, error) {
	out, err := scan(r.db.QueryRow(ctx,
		`INSERT INTO golf_course_tilesets (golf_club_id, name, description,
			min_lat, max_lat, min_lon, max_lon, center_lat, center_lon,
			min_zoom, max_zoom, default_zoom, r2_folder_path, tile_url_pattern,
			tile_size, format, attribution, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING `+columns,
		t.GolfClubID, t.Name, t.Description,
		t.MinLat, t.MaxLat, t.MinLon, t.MaxLon, t.CenterLat, t.CenterLon,
		t.MinZoom, t.MaxZoom, t.DefaultZoom, t.R2FolderPath, t.TileURLPattern,
		t.TileSize, t.Format, t.Attribution, t.IsActive,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create tileset: %w", err)
	}
	return out, nil
}

// GetByID fetches a tileset by id. Ids that are not UUIDs cannot exist.
func (r *Repository) GetByID(ctx context.Context, id string) (*Tileset, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	t, err := scan(r.db.QueryRow(ctx, `SELECT `+columns+` FROM golf_course_tilesets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tileset: %w", err)
	}
	return t, nil
}

// ActiveForClub returns the club's newest active tileset.
func (r *Repository) ActiveForClub(ctx context.Context, clubID string) (*Tileset, error) {
	t, err := scan(r.db.QueryRow(ctx,
		`SELECT `+columns+` FROM golf_course_tilesets
		 WHERE golf_club_id = $1 AND is_active
		 ORDER BY created_at DESC LIMIT 1`,
		clubID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active tileset: %w", err)
	}
	return t, nil
}

// ListForClub returns every tileset of the club, newest first.
func (r *Repository) ListForClub(ctx context.Context, clubID string) ([]*Tileset, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+columns+` FROM golf_course_tilesets
		 WHERE golf_club_id = $1 ORDER BY created_at DESC`,
		clubID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tilesets: %w", err)
	}
	defer rows.Close()

	out := []*Tileset{}
	for rows.Next() {
		t, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tileset: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// isUniqueViolation checks whether an error is a PostgreSQL unique_violation (code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
