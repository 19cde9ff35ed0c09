package signedurl

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapstats/service/internal/authz"
	"github.com/mapstats/service/internal/sigv4"
	"github.com/mapstats/service/internal/storage/s3test"
)

var testCreds = sigv4.Credentials{AccessKeyID: "test-access", SecretAccessKey: "test-secret"}

var (
	admin    = authz.Identity{Subject: "admin-1", Role: authz.RoleAdmin}
	augusta  = authz.Identity{Subject: "u1", Role: authz.RoleClient, ScopePrefix: "augusta/"}
	pineview = authz.Identity{Subject: "u2", Role: authz.RoleClient, ScopePrefix: "pinevalley/"}
)

func newTestService(t *testing.T) (*Service, *s3test.Server) {
	t.Helper()
	srv := s3test.New(testCreds)
	t.Cleanup(srv.Close)
	svc, err := NewService(Config{
		Credentials: testCreds,
		Region:      "auto",
		Host:        srv.Host(),
		Scheme:      "http",
	}, srv.Client(), zerolog.Nop())
	require.NoError(t, err)
	return svc, srv
}

func doRequest(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNewService_RejectsMissingCredentials(t *testing.T) {
	_, err := NewService(Config{Region: "auto", Host: "bucket.acct.r2.cloudflarestorage.com"}, nil, zerolog.Nop())
	assert.ErrorIs(t, err, sigv4.ErrMissingCredentials)

	_, err = NewService(Config{Credentials: testCreds, Host: "bucket.acct.r2.cloudflarestorage.com"}, nil, zerolog.Nop())
	assert.ErrorIs(t, err, sigv4.ErrMissingRegion)
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, ClampTTL(0))
	assert.Equal(t, MinTTL, ClampTTL(1))
	assert.Equal(t, MinTTL, ClampTTL(-5))
	assert.Equal(t, 600, ClampTTL(600))
	assert.Equal(t, MaxTTL, ClampTTL(86400))
}

func TestUploadThenRead(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	key := "augusta/tiles/15/1000/2000.png"

	put, err := svc.GetUploadURL(ctx, admin, key, "image/png", 0)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, put.Method)
	assert.Equal(t, key, put.Key)
	assert.Contains(t, put.URL, "X-Amz-Expires=900")

	resp := doRequest(t, http.MethodPut, put.URL, []byte{1, 2, 3, 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get, err := svc.GetDownloadURL(ctx, augusta, key, 0)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, get.Method)

	resp = doRequest(t, http.MethodGet, get.URL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, body)
}

func TestScopeViolation(t *testing.T) {
	svc, srv := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetDownloadURL(ctx, pineview, "augusta/tiles/0/0/0.png", 0)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.GetUploadURL(ctx, augusta, "augusta/tiles/0/0/0.png", "image/png", 0)
	assert.ErrorIs(t, err, ErrForbidden)

	err = svc.DeleteObject(ctx, augusta, "augusta/tiles/0/0/0.png")
	assert.ErrorIs(t, err, ErrForbidden)

	// Denials never reach the store.
	assert.Empty(t, srv.Requests())
}

func TestBadRequests(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetUploadURL(ctx, admin, "", "image/png", 0)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.GetUploadURL(ctx, admin, "a.png", "", 0)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.GetDownloadURL(ctx, admin, "", 0)
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.ErrorIs(t, svc.DeleteObject(ctx, admin, ""), ErrBadRequest)
	_, err = svc.UploadInline(ctx, admin, "a.png", "image/png", nil)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestDownloadURLExpires(t *testing.T) {
	svc, srv := newTestService(t)
	ctx := context.Background()
	key := "augusta/tiles/1/0/0.png"

	_, err := srv.Store.Put(ctx, key, strings.NewReader("tile"), 4, "image/png")
	require.NoError(t, err)

	signedAt := time.Now().UTC().Truncate(time.Second)
	svc.now = func() time.Time { return signedAt }

	g, err := svc.GetDownloadURL(ctx, augusta, key, 60)
	require.NoError(t, err)
	assert.Equal(t, signedAt.Add(60*time.Second), g.ExpiresAt)

	srv.SetNow(signedAt.Add(60 * time.Second))
	resp := doRequest(t, http.MethodGet, g.URL, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	srv.SetNow(signedAt.Add(61 * time.Second))
	resp = doRequest(t, http.MethodGet, g.URL, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeleteObject(t *testing.T) {
	svc, srv := newTestService(t)
	ctx := context.Background()
	key := "augusta/tiles/2/1/1.png"

	_, err := srv.Store.Put(ctx, key, strings.NewReader("tile"), 4, "image/png")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteObject(ctx, admin, key))
	_, err = srv.Store.Head(ctx, key)
	assert.Error(t, err)
	assert.Contains(t, srv.Requests(), "DELETE /"+key)
}

func TestUploadInline(t *testing.T) {
	svc, srv := newTestService(t)
	ctx := context.Background()
	key := "club/42/logo.webp"

	res, err := svc.UploadInline(ctx, admin, key, "image/webp", []byte("webp-bytes"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, key, res.Key)
	assert.NotEmpty(t, res.URL)

	rc, info, err := srv.Store.Get(ctx, key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "webp-bytes", string(data))
	assert.Equal(t, "image/webp", info.ContentType)
}

func TestUpstreamErrorCarriesStatus(t *testing.T) {
	srv := s3test.New(testCreds)
	t.Cleanup(srv.Close)
	svc, err := NewService(Config{
		Credentials: sigv4.Credentials{AccessKeyID: testCreds.AccessKeyID, SecretAccessKey: "wrong"},
		Region:      "auto",
		Host:        srv.Host(),
		Scheme:      "http",
	}, srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	err = svc.DeleteObject(context.Background(), admin, "a/b.png")
	var up *UpstreamError
	require.ErrorAs(t, err, &up)
	assert.Equal(t, "Delete", up.Op)
	assert.Equal(t, http.StatusForbidden, up.Status)
	assert.Equal(t, "Delete failed: 403", up.Error())

	_, err = svc.List(context.Background(), admin, "")
	require.ErrorAs(t, err, &up)
	assert.Equal(t, "List", up.Op)
}

func TestList_FiltersByEffectivePrefix(t *testing.T) {
	svc, srv := newTestService(t)
	ctx := context.Background()
	for _, k := range []string{
		"club/42/tiles/1/0/0.png",
		"club/42/a&b.png",
		"club/7/tiles/1/0/0.png",
		"user/u9/notes.txt",
	} {
		_, err := srv.Store.Put(ctx, k, strings.NewReader("x"), 1, "")
		require.NoError(t, err)
	}

	club42 := authz.Identity{Subject: "u1", Role: authz.RoleClient, ScopePrefix: "club/42/"}
	l, err := svc.List(ctx, club42, "club/")
	require.NoError(t, err)
	assert.Equal(t, "club/42/", l.Prefix)
	assert.ElementsMatch(t, []string{"club/42/tiles/1/0/0.png", "club/42/a&b.png"}, l.Items)

	l, err = svc.List(ctx, admin, "club/")
	require.NoError(t, err)
	assert.Equal(t, "club/", l.Prefix)
	assert.Len(t, l.Items, 3)

	l, err = svc.List(ctx, admin, "")
	require.NoError(t, err)
	assert.Len(t, l.Items, 4)

	unscoped := authz.Identity{Subject: "u9", Role: authz.RoleClient}
	l, err = svc.List(ctx, unscoped, "")
	require.NoError(t, err)
	assert.Equal(t, "user/u9/", l.Prefix)
	assert.Equal(t, []string{"user/u9/notes.txt"}, l.Items)
}
