package server_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/kittygram/internal/blob/fsstore"
	"github.com/sakif/kittygram/internal/config"
	"github.com/sakif/kittygram/internal/repository/sqlite"
	"github.com/sakif/kittygram/internal/server"
)

var (
	pngBytes  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")
	jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
)

const (
	testPassword = "correct horse battery"
	uploadLimit  = 1024
)

func testConfig() *config.Config {
	return &config.Config{
		HTTP:     config.HTTPConfig{Port: 8080},
		Log:      config.LogConfig{Level: "error", Format: "text"},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:", Timeout: 5 * time.Second},
		Auth: config.AuthConfig{
			JWTSecret:           "test-secret-0123456789abcdef",
			TokenTTL:            time.Hour,
			BcryptCost:          4,
			AllowAnonymousReads: true,
			OwnerCacheSize:      128,
		},
		Media: config.MediaConfig{
			Backend:        "fs",
			BaseURL:        "/media/",
			MaxUploadBytes: uploadLimit,
			PutTimeout:     5 * time.Second,
			MaxRetries:     1,
			RetryBase:      time.Millisecond,
			OrphanGrace:    time.Nanosecond,
		},
	}
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	srv     *server.Server
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := server.Build(cfg, logger, store, fsstore.NewWithFs(afero.NewMemMapFs()))
	require.NoError(t, err)

	return &testServer{t: t, handler: srv.Handler(), srv: srv}
}

// do sends a request and returns the recorded response. body may be nil,
// a []byte or anything JSON-encodable.
func (ts *testServer) do(method, path, token string, body any, header ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var r io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(ts.t, err)
		r = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req := httptest.NewRequest(method, path, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) signUp(login string) string {
	ts.t.Helper()
	rr := ts.do(http.MethodPost, "/api/users", "", map[string]string{"username": login, "password": testPassword})
	require.Equal(ts.t, http.StatusCreated, rr.Code, rr.Body.String())
	return ts.login(login, testPassword)
}

func (ts *testServer) login(login, password string) string {
	ts.t.Helper()
	rr := ts.do(http.MethodPost, "/api/auth/token/login", "", map[string]string{"username": login, "password": password})
	require.Equal(ts.t, http.StatusOK, rr.Code, rr.Body.String())
	var tok struct {
		AuthToken string `json:"auth_token"`
	}
	decode(ts.t, rr, &tok)
	require.NotEmpty(ts.t, tok.AuthToken)
	return tok.AuthToken
}

func (ts *testServer) createCat(token, name string) catJSON {
	ts.t.Helper()
	rr := ts.do(http.MethodPost, "/api/cats", token, map[string]any{"name": name, "color": "Gray", "birthYear": 2020})
	require.Equal(ts.t, http.StatusCreated, rr.Code, rr.Body.String())
	var cat catJSON
	decode(ts.t, rr, &cat)
	return cat
}

type catJSON struct {
	ID           string   `json:"id"`
	Owner        string   `json:"owner"`
	Name         string   `json:"name"`
	Color        string   `json:"color"`
	BirthYear    int      `json:"birthYear"`
	Achievements []string `json:"achievements"`
	ImageURL     string   `json:"imageUrl"`
}

type errorJSON struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(dst), "body: %s", rr.Body.String())
}

func errorOf(t *testing.T, rr *httptest.ResponseRecorder) errorJSON {
	t.Helper()
	var e errorJSON
	decode(t, rr, &e)
	return e
}

func multipartBody(t *testing.T, field, filename string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestAuthEndpoints(t *testing.T) {
	t.Run("register and fetch own account", func(t *testing.T) {
		ts := newTestServer(t)
		token := ts.signUp("whiskers")

		rr := ts.do(http.MethodGet, "/api/users/me", token, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var me struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		}
		decode(t, rr, &me)
		assert.Equal(t, "whiskers", me.Username)
		assert.NotEmpty(t, me.ID)
	})

	t.Run("duplicate username", func(t *testing.T) {
		ts := newTestServer(t)
		ts.signUp("whiskers")
		rr := ts.do(http.MethodPost, "/api/users", "", map[string]string{"username": "whiskers", "password": testPassword})
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("short password names the field", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.do(http.MethodPost, "/api/users", "", map[string]string{"username": "whiskers", "password": "short"})
		require.Equal(t, http.StatusBadRequest, rr.Code)
		e := errorOf(t, rr)
		assert.Equal(t, "validation_error", e.Error)
		assert.Equal(t, "password", e.Field)
	})

	t.Run("unknown JSON field is rejected", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.do(http.MethodPost, "/api/users", "", map[string]string{"username": "whiskers", "password": testPassword, "admin": "yes"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("bad credentials look alike", func(t *testing.T) {
		ts := newTestServer(t)
		ts.signUp("whiskers")

		wrong := ts.do(http.MethodPost, "/api/auth/token/login", "", map[string]string{"username": "whiskers", "password": "not the password"})
		unknown := ts.do(http.MethodPost, "/api/auth/token/login", "", map[string]string{"username": "nobody", "password": testPassword})

		assert.Equal(t, http.StatusUnauthorized, wrong.Code)
		assert.Equal(t, http.StatusUnauthorized, unknown.Code)
		assert.Equal(t, wrong.Body.String(), unknown.Body.String())
		assert.NotEmpty(t, wrong.Header().Get("WWW-Authenticate"))
	})

	t.Run("protected route without token", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.do(http.MethodGet, "/api/users/me", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "unauthenticated", errorOf(t, rr).Error)
	})

	t.Run("garbage token on a public route is still rejected", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.do(http.MethodGet, "/api/cats", "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("bearer scheme and cookie are accepted", func(t *testing.T) {
		ts := newTestServer(t)
		token := ts.signUp("whiskers")

		rr := ts.do(http.MethodGet, "/api/users/me", "", nil, "Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusOK, rr.Code)

		rr = ts.do(http.MethodGet, "/api/users/me", "", nil, "Cookie", "token="+token)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("set password", func(t *testing.T) {
		ts := newTestServer(t)
		token := ts.signUp("whiskers")

		rr := ts.do(http.MethodPost, "/api/users/set_password", token,
			map[string]string{"current_password": "wrong password", "new_password": "another long password"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)

		rr = ts.do(http.MethodPost, "/api/users/set_password", token,
			map[string]string{"current_password": testPassword, "new_password": "another long password"})
		require.Equal(t, http.StatusNoContent, rr.Code)

		ts.login("whiskers", "another long password")
		rr = ts.do(http.MethodPost, "/api/auth/token/login", "", map[string]string{"username": "whiskers", "password": testPassword})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("logout revokes only that token", func(t *testing.T) {
		ts := newTestServer(t)
		first := ts.signUp("whiskers")
		second := ts.login("whiskers", testPassword)

		rr := ts.do(http.MethodPost, "/api/auth/token/logout", first, nil)
		require.Equal(t, http.StatusNoContent, rr.Code)

		assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/users/me", first, nil).Code)
		assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/users/me", second, nil).Code)
	})

	t.Run("github routes absent when not configured", func(t *testing.T) {
		ts := newTestServer(t)
		assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/auth/github/login", "", nil).Code)
	})

	t.Run("github login sets state and redirects", func(t *testing.T) {
		ts := newTestServer(t, func(c *config.Config) {
			c.Auth.GitHub = config.GitHubConfig{ClientID: "id", ClientSecret: "secret", CallbackURL: "http://localhost/cb"}
		})
		rr := ts.do(http.MethodGet, "/auth/github/login", "", nil)
		require.Equal(t, http.StatusTemporaryRedirect, rr.Code)
		assert.Contains(t, rr.Header().Get("Location"), "github.com")
		assert.Contains(t, rr.Header().Get("Set-Cookie"), "oauth_state=")

		// A callback without the matching state cookie never reaches GitHub.
		rr = ts.do(http.MethodGet, "/auth/github/callback?code=abc&state=forged", "", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestCatEndpoints(t *testing.T) {
	t.Run("create get list", func(t *testing.T) {
		ts := newTestServer(t)
		token := ts.signUp("alice")

		rr := ts.do(http.MethodPost, "/api/cats", token, map[string]any{
			"name": "Barsik", "color": "Gray", "birthYear": 2020, "achievements": []string{"caught a mouse"},
		})
		require.Equal(t, http.StatusCreated, rr.Code)
		var cat catJSON
		decode(t, rr, &cat)
		assert.Equal(t, "/api/cats/"+cat.ID, rr.Header().Get("Location"))
		assert.Equal(t, []string{"caught a mouse"}, cat.Achievements)
		assert.Empty(t, cat.ImageURL)

		ts.createCat(token, "Murka")

		rr = ts.do(http.MethodGet, "/api/cats/"+cat.ID, "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var got catJSON
		decode(t, rr, &got)
		assert.Equal(t, "Barsik", got.Name)

		rr = ts.do(http.MethodGet, "/api/cats?limit=1", "", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var page struct {
			Results []catJSON `json:"results"`
			Count   int       `json:"count"`
		}
		decode(t, rr, &page)
		require.Len(t, page.Results, 1)
		assert.Equal(t, "Murka", page.Results[0].Name)
	})

	t.Run("create requires a token", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.do(http.MethodPost, "/api/cats", "", map[string]any{"name": "Barsik"})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("missing name", func(t *testing.T) {
		ts := newTestServer(t)
		token := ts.signUp("alice")
		rr := ts.do(http.MethodPost, "/api/cats", token, map[string]any{"color": "Gray"})
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "name", errorOf(t, rr).Field)
	})

	t.Run("bad pagination", func(t *testing.T) {
		ts := newTestServer(t)
		rr := ts.do(http.MethodGet, "/api/cats?limit=many", "", nil)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "limit", errorOf(t, rr).Field)
	})

	t.Run("owner edits, stranger is forbidden", func(t *testing.T) {
		ts := newTestServer(t)
		alice := ts.signUp("alice")
		bob := ts.signUp("bob")
		cat := ts.createCat(alice, "Barsik")

		rr := ts.do(http.MethodPatch, "/api/cats/"+cat.ID, alice, map[string]any{"color": "Black"})
		require.Equal(t, http.StatusOK, rr.Code)
		var patched catJSON
		decode(t, rr, &patched)
		assert.Equal(t, "Black", patched.Color)
		assert.Equal(t, "Barsik", patched.Name)

		rr = ts.do(http.MethodPut, "/api/cats/"+cat.ID, alice, map[string]any{"name": "Barsik II", "color": "White"})
		require.Equal(t, http.StatusOK, rr.Code)

		for _, method := range []string{http.MethodPatch, http.MethodPut} {
			rr = ts.do(method, "/api/cats/"+cat.ID, bob, map[string]any{"name": "Stolen"})
			assert.Equal(t, http.StatusForbidden, rr.Code, method)
		}
		assert.Equal(t, http.StatusForbidden, ts.do(http.MethodDelete, "/api/cats/"+cat.ID, bob, nil).Code)

		rr = ts.do(http.MethodGet, "/api/cats/"+cat.ID, "", nil)
		var after catJSON
		decode(t, rr, &after)
		assert.Equal(t, "Barsik II", after.Name)
	})

	t.Run("delete", func(t *testing.T) {
		ts := newTestServer(t)
		alice := ts.signUp("alice")
		cat := ts.createCat(alice, "Barsik")

		assert.Equal(t, http.StatusNoContent, ts.do(http.MethodDelete, "/api/cats/"+cat.ID, alice, nil).Code)
		assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/cats/"+cat.ID, "", nil).Code)
		assert.Equal(t, http.StatusNotFound, ts.do(http.MethodDelete, "/api/cats/"+cat.ID, alice, nil).Code)
	})

	t.Run("anonymous reads can be turned off", func(t *testing.T) {
		ts := newTestServer(t, func(c *config.Config) { c.Auth.AllowAnonymousReads = false })
		alice := ts.signUp("alice")
		cat := ts.createCat(alice, "Barsik")

		assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/cats/"+cat.ID, "", nil).Code)
		assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/cats/"+cat.ID, alice, nil).Code)
	})
}

func TestUploadFormats(t *testing.T) {
	tests := []struct {
		name   string
		build  func(t *testing.T) ([]byte, string)
		status  int
		reason  string
		message string
	}{
		{
			name: "multipart png",
			build: func(t *testing.T) ([]byte, string) {
				return multipartBody(t, "image", "cat.png", pngBytes)
			},
			status: http.StatusOK,
		},
		{
			name: "data uri jpeg",
			build: func(t *testing.T) ([]byte, string) {
				body, _ := json.Marshal(map[string]string{"image": "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegBytes)})
				return body, "application/json"
			},
			status: http.StatusOK,
		},
		{
			name:   "raw body",
			build:  func(*testing.T) ([]byte, string) { return pngBytes, "image/png" },
			status: http.StatusOK,
		},
		{
			name: "multipart without image field",
			build: func(t *testing.T) ([]byte, string) {
				return multipartBody(t, "photo", "cat.png", pngBytes)
			},
			status: http.StatusBadRequest,
			reason: "validation_error",
		},
		{
			name: "data uri not base64",
			build: func(t *testing.T) ([]byte, string) {
				body, _ := json.Marshal(map[string]string{"image": "data:image/png,rawbytes"})
				return body, "application/json"
			},
			status: http.StatusBadRequest,
			reason: "validation_error",
		},
		{
			name:   "text disguised as png",
			build:  func(*testing.T) ([]byte, string) { return []byte("<?php echo 'meow'; ?>"), "image/png" },
			status: http.StatusUnsupportedMediaType,
			reason: "unsupported_format",
		},
		{
			name: "raw body over the limit",
			build: func(*testing.T) ([]byte, string) {
				return append(append([]byte{}, pngBytes...), make([]byte, uploadLimit)...), "image/png"
			},
			status: http.StatusRequestEntityTooLarge,
			reason: "too_large",
		},
		{
			name: "data uri over the limit",
			build: func(t *testing.T) ([]byte, string) {
				big := append(append([]byte{}, pngBytes...), make([]byte, uploadLimit)...)
				body, _ := json.Marshal(map[string]string{"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(big)})
				return body, "application/json"
			},
			status: http.StatusRequestEntityTooLarge,
			reason: "too_large",
		},
		{
			name: "data uri past the transport cap",
			build: func(t *testing.T) ([]byte, string) {
				big := append(append([]byte{}, pngBytes...), make([]byte, 128<<10)...)
				body, _ := json.Marshal(map[string]string{"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(big)})
				return body, "application/json"
			},
			status:  http.StatusRequestEntityTooLarge,
			reason:  "too_large",
			message: "maximum size of 1024 bytes",
		},
		{
			name: "multipart past the transport cap",
			build: func(t *testing.T) ([]byte, string) {
				return multipartBody(t, "image", "cat.png", append(append([]byte{}, pngBytes...), make([]byte, 128<<10)...))
			},
			status:  http.StatusRequestEntityTooLarge,
			reason:  "too_large",
			message: "maximum size of 1024 bytes",
		},
		{
			name:   "empty body",
			build:  func(*testing.T) ([]byte, string) { return []byte{}, "image/png" },
			status: http.StatusBadRequest,
			reason: "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			alice := ts.signUp("alice")
			cat := ts.createCat(alice, "Barsik")

			body, contentType := tt.build(t)
			rr := ts.do(http.MethodPut, "/api/cats/"+cat.ID+"/image", alice, body, "Content-Type", contentType)
			require.Equal(t, tt.status, rr.Code, rr.Body.String())

			if tt.status != http.StatusOK {
				e := errorOf(t, rr)
				assert.Equal(t, tt.reason, e.Error)
				if tt.message != "" {
					assert.Contains(t, e.Message, tt.message)
				}
				rr = ts.do(http.MethodGet, "/api/cats/"+cat.ID, "", nil)
				var unchanged catJSON
				decode(t, rr, &unchanged)
				assert.Empty(t, unchanged.ImageURL)
				return
			}

			var updated catJSON
			decode(t, rr, &updated)
			require.True(t, strings.HasPrefix(updated.ImageURL, "/media/cats/"), updated.ImageURL)

			served := ts.do(http.MethodGet, updated.ImageURL, "", nil)
			require.Equal(t, http.StatusOK, served.Code)
			assert.True(t, strings.HasPrefix(served.Header().Get("Content-Type"), "image/"))
			assert.Equal(t, "nosniff", served.Header().Get("X-Content-Type-Options"))
			assert.Contains(t, served.Header().Get("Cache-Control"), "immutable")
		})
	}
}

func TestServeMedia_UnknownKey(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/media/cats/2024/01/01/missing.png", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/media/../etc/passwd", "", nil).Code)
}

func TestServeMedia_AbsoluteBaseURLDisablesLocalRoute(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Media.BaseURL = "https://cdn.example.com/kittygram/" })
	alice := ts.signUp("alice")
	cat := ts.createCat(alice, "Barsik")

	rr := ts.do(http.MethodPut, "/api/cats/"+cat.ID+"/image", alice, pngBytes, "Content-Type", "image/png")
	require.Equal(t, http.StatusOK, rr.Code)
	var updated catJSON
	decode(t, rr, &updated)
	assert.True(t, strings.HasPrefix(updated.ImageURL, "https://cdn.example.com/kittygram/cats/"), updated.ImageURL)

	key := strings.TrimPrefix(updated.ImageURL, "https://cdn.example.com/kittygram/")
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/media/"+key, "", nil).Code)
}

// TestKittygramScenario walks through a whole session: two users, one cat,
// a photo replaced once, a stranger turned away, a logout, and the
// housekeeper collecting the replaced photo.
func TestKittygramScenario(t *testing.T) {
	ts := newTestServer(t)

	alice := ts.signUp("alice")
	bob := ts.signUp("bob")
	cat := ts.createCat(alice, "Barsik")

	// First photo.
	rr := ts.do(http.MethodPut, "/api/cats/"+cat.ID+"/image", alice, pngBytes, "Content-Type", "image/png")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var first catJSON
	decode(t, rr, &first)
	require.NotEmpty(t, first.ImageURL)

	// Bob cannot touch Alice's cat or its photo.
	rr = ts.do(http.MethodPut, "/api/cats/"+cat.ID+"/image", bob, jpegBytes, "Content-Type", "image/jpeg")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = ts.do(http.MethodPatch, "/api/cats/"+cat.ID, bob, map[string]any{"name": "Mine now"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Replacing the photo links a new key; the old one becomes an orphan.
	rr = ts.do(http.MethodPut, "/api/cats/"+cat.ID+"/image", alice, jpegBytes, "Content-Type", "image/jpeg")
	require.Equal(t, http.StatusOK, rr.Code)
	var second catJSON
	decode(t, rr, &second)
	require.NotEqual(t, first.ImageURL, second.ImageURL)

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, first.ImageURL, "", nil).Code)

	// Logout ends Alice's session.
	require.Equal(t, http.StatusNoContent, ts.do(http.MethodPost, "/api/auth/token/logout", alice, nil).Code)
	rr = ts.do(http.MethodPatch, "/api/cats/"+cat.ID, alice, map[string]any{"name": "Barsik II"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// The sweep removes the replaced photo and leaves the linked one.
	time.Sleep(5 * time.Millisecond)
	report, err := ts.srv.Housekeeper().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansDeleted)
	assert.Zero(t, report.OrphansFailed)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, first.ImageURL, "", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, second.ImageURL, "", nil).Code)

	// Request metrics made it to the scrape endpoint.
	rr = ts.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "kittygram_media_ingest_total")
}
