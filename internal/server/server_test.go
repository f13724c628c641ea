package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/auth"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/handlers"
	"github.com/memohai/chatgate/internal/pairing"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/auth/login", want: true},
		{path: "/auth/login/", want: true},
		{path: "/auth/refresh", want: false},
		{path: "/pairing/telegram", want: false},
		{path: "/channels", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

func do(t *testing.T, srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

func TestOperatorPairingFlow(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)

	store := pairing.NewMemoryStore(pairing.Options{})
	req, created, err := store.UpsertRequest(context.Background(), "telegram", "42", map[string]string{"username": "alice"})
	require.NoError(t, err)
	require.True(t, created)

	const secret = "jwt-secret"
	srv := NewServer(log, ":0", secret,
		handlers.NewPingHandler(log),
		handlers.NewAuthHandler(log, config.AdminConfig{Username: "admin", PasswordHash: hash}, secret, time.Hour),
		handlers.NewPairingHandler(log, store),
	)

	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/ping", "", "").Code)
	assert.NotEqual(t, http.StatusOK, do(t, srv, http.MethodGet, "/pairing/telegram", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodPost, "/auth/login", "", `{"username":"admin","password":"nope"}`).Code)

	rec := do(t, srv, http.MethodPost, "/auth/login", "", `{"username":"admin","password":"s3cret"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var login handlers.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.AccessToken)

	rec = do(t, srv, http.MethodGet, "/pairing/telegram", login.AccessToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []pairing.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, req.Code, pending[0].Code)

	rec = do(t, srv, http.MethodPost, "/pairing/telegram/approve", login.AccessToken, `{"code":"`+strings.ToLower(req.Code)+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	allow, err := store.ReadAllowFrom(context.Background(), "telegram")
	require.NoError(t, err)
	assert.Contains(t, allow, "42")

	rec = do(t, srv, http.MethodPost, "/pairing/telegram/approve", login.AccessToken, `{"code":"`+req.Code+`"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
