package signedurl

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapstats/service/internal/middleware"
	"github.com/mapstats/service/internal/sigv4"
	"github.com/mapstats/service/internal/storage/s3test"
)

const jwtSecret = "handler-test-secret"

func newTestHandler(t *testing.T) (http.Handler, *s3test.Server) {
	t.Helper()
	svc, srv := newTestService(t)
	h := NewHandler(svc, zerolog.Nop())
	return middleware.RequireAuth(jwtSecret)(http.HandlerFunc(h.Sign)), srv
}

func bearer(t *testing.T, c middleware.Claims) string {
	t.Helper()
	tok, err := middleware.IssueToken(jwtSecret, c, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func adminToken(t *testing.T) string {
	return bearer(t, middleware.Claims{Role: "admin", RegisteredClaims: jwt.RegisteredClaims{Subject: "admin-1"}})
}

func clubToken(t *testing.T, club string) string {
	return bearer(t, middleware.Claims{Role: "client", ClubID: club, RegisteredClaims: jwt.RegisteredClaims{Subject: "u-" + club}})
}

func post(t *testing.T, h http.Handler, auth string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/r2-sign", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestSign_RequiresBearer(t *testing.T) {
	h, _ := newTestHandler(t)
	rec, out := post(t, h, "", `{"action":"getGetUrl","key":"a.png"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Missing Authorization", out["error"])

	rec, _ = post(t, h, "Bearer not-a-jwt", `{"action":"getGetUrl","key":"a.png"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSign_RejectsMalformedRequests(t *testing.T) {
	h, _ := newTestHandler(t)
	auth := adminToken(t)

	cases := map[string]struct {
		body string
		want string
	}{
		"not json":            {`{`, "invalid request body"},
		"missing action":      {`{"key":"a.png"}`, "Missing action"},
		"unknown action":      {`{"action":"renameObject","key":"a.png"}`, "Invalid action"},
		"put without key":     {`{"action":"getPutUrl","contentType":"image/png"}`, "Missing key"},
		"put without type":    {`{"action":"getPutUrl","key":"a.png"}`, "Missing contentType"},
		"negative expiry":     {`{"action":"getGetUrl","key":"a.png","expiresInSeconds":-1}`, "Invalid expiresInSeconds"},
		"upload without data": {`{"action":"uploadFile","key":"a.png","contentType":"image/png"}`, "Missing fileData"},
		"upload bad base64":   {`{"action":"uploadFile","key":"a.png","contentType":"image/png","fileData":"%%%"}`, "fileData is not valid base64"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec, out := post(t, h, auth, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.want, out["error"])
		})
	}
}

func TestSign_GetPutURL(t *testing.T) {
	h, _ := newTestHandler(t)

	rec, out := post(t, h, adminToken(t), `{"action":"getPutUrl","key":"club/42/tiles/1/0/0.png","contentType":"image/png"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PUT", out["method"])
	assert.Equal(t, "club/42/tiles/1/0/0.png", out["key"])
	assert.Contains(t, out["url"], "X-Amz-Signature=")

	rec, out = post(t, h, clubToken(t, "42"), `{"action":"getPutUrl","key":"club/42/tiles/1/0/0.png","contentType":"image/png"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden", out["error"])
}

func TestSign_GetPutURLHonoursExpiry(t *testing.T) {
	h, _ := newTestHandler(t)
	cases := map[string]struct {
		body string
		want string
	}{
		"default": {`{"action":"getPutUrl","key":"a.png","contentType":"image/png"}`, "X-Amz-Expires=900"},
		"minimum": {`{"action":"getPutUrl","key":"a.png","contentType":"image/png","expiresInSeconds":60}`, "X-Amz-Expires=60&"},
		"raised":  {`{"action":"getPutUrl","key":"a.png","contentType":"image/png","expiresInSeconds":5}`, "X-Amz-Expires=60&"},
		"capped":  {`{"action":"getPutUrl","key":"a.png","contentType":"image/png","expiresInSeconds":86400}`, "X-Amz-Expires=3600"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec, out := post(t, h, adminToken(t), tc.body)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, out["url"], tc.want)
		})
	}
}

func TestSign_GetGetURLWithinScope(t *testing.T) {
	h, srv := newTestHandler(t)
	_, err := srv.Store.Put(context.Background(), "club/42/tiles/1/0/0.png", strings.NewReader("png"), 3, "image/png")
	require.NoError(t, err)

	rec, out := post(t, h, clubToken(t, "42"), `{"action":"getGetUrl","key":"club/42/tiles/1/0/0.png","expiresInSeconds":120}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GET", out["method"])
	assert.Contains(t, out["url"], "X-Amz-Expires=120")

	resp, err := http.Get(out["url"].(string))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "png", string(body))

	rec, _ = post(t, h, clubToken(t, "7"), `{"action":"getGetUrl","key":"club/42/tiles/1/0/0.png"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSign_UploadFileAndList(t *testing.T) {
	h, srv := newTestHandler(t)
	data := base64.StdEncoding.EncodeToString([]byte("hello"))

	rec, out := post(t, h, adminToken(t), `{"action":"uploadFile","key":"club/42/readme.txt","contentType":"text/plain","fileData":"data:text/plain;base64,`+data+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "club/42/readme.txt", out["key"])

	_, err := srv.Store.Head(context.Background(), "club/42/readme.txt")
	require.NoError(t, err)

	rec, out = post(t, h, clubToken(t, "42"), `{"action":"listObjects","prefix":""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "club/42/", out["prefix"])
	assert.Equal(t, []any{"club/42/readme.txt"}, out["items"])
}

func TestSign_DeleteObject(t *testing.T) {
	h, srv := newTestHandler(t)
	ctx := context.Background()
	_, err := srv.Store.Put(ctx, "club/42/old.png", strings.NewReader("x"), 1, "image/png")
	require.NoError(t, err)

	rec, out := post(t, h, clubToken(t, "42"), `{"action":"deleteObject","key":"club/42/old.png"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Forbidden", out["error"])

	rec, out = post(t, h, adminToken(t), `{"action":"deleteObject","key":"club/42/old.png"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"success": true}, out)

	_, err = srv.Store.Head(ctx, "club/42/old.png")
	assert.Error(t, err)
}

func TestSign_UpstreamRejectionIs502(t *testing.T) {
	srv := s3test.New(testCreds)
	t.Cleanup(srv.Close)
	svc, err := NewService(Config{
		Credentials: sigv4.Credentials{AccessKeyID: testCreds.AccessKeyID, SecretAccessKey: "rotated"},
		Region:      "auto",
		Host:        srv.Host(),
		Scheme:      "http",
	}, srv.Client(), zerolog.Nop())
	require.NoError(t, err)
	h := middleware.RequireAuth(jwtSecret)(http.HandlerFunc(NewHandler(svc, zerolog.Nop()).Sign))

	rec, out := post(t, h, adminToken(t), `{"action":"deleteObject","key":"a.png"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Delete failed: 403", out["error"])
}

func TestSign_TransportFailureIs500(t *testing.T) {
	h, srv := newTestHandler(t)
	srv.Close()

	rec, _ := post(t, h, adminToken(t), `{"action":"deleteObject","key":"a.png"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
