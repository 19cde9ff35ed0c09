package tileset

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapstats/service/internal/middleware"
)

func TestNormalize_Formats(t *testing.T) {
	cases := map[string]struct {
		body string
		want func(t *testing.T, ts *Tileset)
	}{
		"nested with defaults": {
			body: `{"name":"Augusta National","bounds":{"minLat":33.49,"maxLat":33.51,"minLon":-82.03,"maxLon":-82.01}}`,
			want: func(t *testing.T, ts *Tileset) {
				assert.Equal(t, "augusta-national/tiles", ts.R2FolderPath)
				assert.Equal(t, "{z}/{x}/{y}.png", ts.TileURLPattern)
				assert.Equal(t, 14, ts.MinZoom)
				assert.Equal(t, 20, ts.MaxZoom)
				assert.Equal(t, 17, ts.DefaultZoom)
				assert.Equal(t, 256, ts.TileSize)
				assert.Equal(t, "png", ts.Format)
				assert.InDelta(t, 33.50, ts.CenterLat, 1e-9)
				assert.InDelta(t, -82.02, ts.CenterLon, 1e-9)
				assert.True(t, ts.IsActive)
			},
		},
		"tilejson style arrays": {
			body: `{"name":"Pine Valley","bounds":[-74.98,39.78,-74.96,39.80],"center":[-74.97,39.79,18],
				"minzoom":15,"maxzoom":21,"format":"webp","tileSize":512,"r2FolderPath":"/pine/v2/"}`,
			want: func(t *testing.T, ts *Tileset) {
				assert.Equal(t, -74.98, ts.MinLon)
				assert.Equal(t, 39.80, ts.MaxLat)
				assert.Equal(t, 39.79, ts.CenterLat)
				assert.Equal(t, 18, ts.DefaultZoom)
				assert.Equal(t, 15, ts.MinZoom)
				assert.Equal(t, 21, ts.MaxZoom)
				assert.Equal(t, "webp", ts.Format)
				assert.Equal(t, 512, ts.TileSize)
				assert.Equal(t, "pine/v2", ts.R2FolderPath)
			},
		},
		"nested zoom": {
			body: `{"name":"x","bounds":[0,0,1,1],"center":{"lat":0.5,"lon":0.5},"zoom":{"min":12,"max":19,"default":16}}`,
			want: func(t *testing.T, ts *Tileset) {
				assert.Equal(t, 12, ts.MinZoom)
				assert.Equal(t, 19, ts.MaxZoom)
				assert.Equal(t, 16, ts.DefaultZoom)
			},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var m Metadata
			require.NoError(t, json.Unmarshal([]byte(tc.body), &m))
			ts, err := Normalize("42", m)
			require.NoError(t, err)
			tc.want(t, ts)
		})
	}
}

func TestNormalize_Rejects(t *testing.T) {
	b := &Bounds{MinLat: 0, MaxLat: 1, MinLon: 0, MaxLon: 1}
	cases := map[string]struct {
		club string
		m    Metadata
	}{
		"no club":        {"", Metadata{Name: "a", Bounds: b}},
		"no name":        {"1", Metadata{Bounds: b}},
		"no bounds":      {"1", Metadata{Name: "a"}},
		"inverted":       {"1", Metadata{Name: "a", Bounds: &Bounds{MinLat: 2, MaxLat: 1}}},
		"zoom inverted":  {"1", Metadata{Name: "a", Bounds: b, MinZoom: 18, MaxZoom: 15}},
		"unknown format": {"1", Metadata{Name: "a", Bounds: b, Format: "tiff"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(tc.club, tc.m)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestTileKeyAndTileJSON(t *testing.T) {
	ts := &Tileset{Name: "A", R2FolderPath: "augusta/tiles", TileURLPattern: "{z}/{x}/{y}.png",
		MinZoom: 14, MaxZoom: 20, DefaultZoom: 17, MinLon: 1, MinLat: 2, MaxLon: 3, MaxLat: 4,
		CenterLon: 2, CenterLat: 3, Format: "png", TileSize: 256}
	assert.Equal(t, "augusta/tiles/17/35210/52330.png", ts.TileKey(17, 35210, 52330))
	assert.True(t, ts.Covers(14))
	assert.False(t, ts.Covers(21))

	tj := ts.TileJSON("https://api.example.com/tile-proxy/")
	assert.Equal(t, []string{"https://api.example.com/tile-proxy/augusta/tiles/{z}/{x}/{y}.png"}, tj.Tiles)
	assert.Equal(t, [4]float64{1, 2, 3, 4}, tj.Bounds)
	assert.Equal(t, [3]float64{2, 3, 17}, tj.Center)
}

// memStore is an in-process Store.
type memStore struct {
	mu   sync.Mutex
	rows []*Tileset
}

func (m *memStore) Create(_ context.Context, t *Tileset) (*Tileset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.GolfClubID == t.GolfClubID && r.Name == t.Name {
			return nil, ErrAlreadyExists
		}
	}
	c := *t
	c.ID = strconv.Itoa(len(m.rows) + 1)
	c.CreatedAt = time.Date(2025, 1, 1, 0, len(m.rows), 0, 0, time.UTC)
	m.rows = append(m.rows, &c)
	return &c, nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*Tileset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ActiveForClub(ctx context.Context, clubID string) (*Tileset, error) {
	list, _ := m.ListForClub(ctx, clubID)
	for _, r := range list {
		if r.IsActive {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ListForClub(_ context.Context, clubID string) ([]*Tileset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Tileset{}
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].GolfClubID == clubID {
			out = append(out, m.rows[i])
		}
	}
	return out, nil
}

const jwtSecret = "tileset-test-secret"

func bearer(t *testing.T, c middleware.Claims) string {
	t.Helper()
	tok, err := middleware.IssueToken(jwtSecret, c, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := NewHandler(NewService(&memStore{}), "/tile-proxy", zerolog.Nop())
	r := chi.NewRouter()
	r.Mount("/api/v1/tilesets", h.Routes(jwtSecret))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func send(t *testing.T, method, url, auth, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandler_CreateAndResolve(t *testing.T) {
	srv := newServer(t)
	base := srv.URL + "/api/v1/tilesets"
	admin := bearer(t, middleware.Claims{Role: "admin", RegisteredClaims: jwt.RegisteredClaims{Subject: "a1"}})
	member := bearer(t, middleware.Claims{Role: "client", ClubID: "42", RegisteredClaims: jwt.RegisteredClaims{Subject: "m42"}})
	outsider := bearer(t, middleware.Claims{Role: "client", ClubID: "7", RegisteredClaims: jwt.RegisteredClaims{Subject: "m7"}})

	body := `{"golfClubId":"42","name":"Augusta National","bounds":[-82.03,33.49,-82.01,33.51]}`
	assert.Equal(t, http.StatusForbidden, send(t, http.MethodPost, base, member, body).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, send(t, http.MethodPost, base, "", body).StatusCode)

	resp := send(t, http.MethodPost, base, admin, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		Success bool    `json:"success"`
		Data    Tileset `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "augusta-national/tiles", created.Data.R2FolderPath)

	assert.Equal(t, http.StatusConflict, send(t, http.MethodPost, base, admin, body).StatusCode)
	assert.Equal(t, http.StatusBadRequest, send(t, http.MethodPost, base, admin, `{"golfClubId":"42","name":"x"}`).StatusCode)

	assert.Equal(t, http.StatusOK, send(t, http.MethodGet, base+"/club/42", member, "").StatusCode)
	assert.Equal(t, http.StatusOK, send(t, http.MethodGet, base+"/club/42/active", admin, "").StatusCode)
	assert.Equal(t, http.StatusForbidden, send(t, http.MethodGet, base+"/club/42", outsider, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, send(t, http.MethodGet, base+"/club/7/active", outsider, "").StatusCode)

	resp = send(t, http.MethodGet, base+"/"+created.Data.ID+"/tiles/17/35210/52330.png", "", "")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/tile-proxy/augusta-national/tiles/17/35210/52330.png", resp.Header.Get("Location"))

	assert.Equal(t, http.StatusNotFound, send(t, http.MethodGet, base+"/"+created.Data.ID+"/tiles/3/0/0", "", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, send(t, http.MethodGet, base+"/"+created.Data.ID+"/tiles/a/0/0", "", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, send(t, http.MethodGet, base+"/999/tiles/17/0/0", "", "").StatusCode)

	resp = send(t, http.MethodGet, base+"/"+created.Data.ID+"/tilejson", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tj TileJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tj))
	assert.Equal(t, []string{srv.URL + "/tile-proxy/augusta-national/tiles/{z}/{x}/{y}.png"}, tj.Tiles)
}
