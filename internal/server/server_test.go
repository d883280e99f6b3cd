package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/paths"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundledProvider = `
var catalog = [{ title: "Latest", filter: "/latest" }];
function getPosts(filter, page) {
	return [{ title: "post " + filter + " " + page, link: "/p/1", image: "p.jpg" }];
}
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Development = true
	cfg.Storage.DataDir = t.TempDir()
	cfg.RateLimit.Enabled = false
	cfg.Updates.Interval = time.Hour
	cfg.Sandbox.Budget = time.Second

	bundled := t.TempDir()
	dir := filepath.Join(bundled, "starter")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte("name: Starter\nversion: 1.0.0\nentry: index.js\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(bundledProvider), 0o644))
	cfg.Storage.BundledDir = bundled
	return cfg
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	srv, err := NewServer(ctx, testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, srv.Shutdown(context.Background())) })
	require.NoError(t, srv.Start(ctx))
	return srv
}

func call(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestStartInstallsBundled(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	w, body := call(t, h, http.MethodGet, "/extensions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, body = call(t, h, http.MethodGet, "/extensions/starter/posts?filter=/latest&page=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	posts := body["posts"].([]any)
	require.Len(t, posts, 1)
	assert.Equal(t, "post /latest 2", posts[0].(map[string]any)["title"])
	assert.Equal(t, "starter", posts[0].(map[string]any)["provider"])

	w, body = call(t, h, http.MethodGet, "/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "starter", body["id"])

	w, body = call(t, h, http.MethodGet, "/sandboxes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])
}

func TestInstallOverHTTP(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/remote/manifest.json":
			fmt.Fprint(w, `{"id":"remote","name":"Remote","version":"2.0.0","entry":"main.js"}`)
		case "/remote/main.js":
			fmt.Fprint(w, `module.exports.echo = function (v) { return { echoed: v }; };`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	srv := newTestServer(t)
	h := srv.Handler()

	w, body := call(t, h, http.MethodPost, "/extensions", `{"sourceUrl":"`+origin.URL+`/remote/manifest.json"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "2.0.0", body["version"])

	w, body = call(t, h, http.MethodPost, "/extensions/remote/invoke/echo", `{"args":["hi"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]any{"echoed": "hi"}, body["result"])

	w, _ = call(t, h, http.MethodPut, "/extensions/remote/enabled", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	w, body = call(t, h, http.MethodPost, "/extensions/remote/invoke/echo", `{"args":["hi"]}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "pool", body["kind"])

	w, _ = call(t, h, http.MethodDelete, "/extensions/remote", "")
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = call(t, h, http.MethodGet, "/extensions/remote", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = call(t, h, http.MethodPost, "/extensions", `{"sourceUrl":"`+origin.URL+`/missing/manifest.json"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "network", body["kind"])
}

func TestMiddlewareStack(t *testing.T) {
	srv := newTestServer(t)
	w, _ := call(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))

	w, _ = call(t, srv.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "streambox_http_requests_total")
}

func TestDataLayout(t *testing.T) {
	cfg := testConfig(t)
	gin.SetMode(gin.TestMode)
	srv, err := NewServer(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Shutdown(context.Background()))

	layout := paths.New(cfg.Storage.DataDir)
	for _, p := range []string{layout.Database(), layout.Prefs(), layout.Payloads()} {
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestBadTrustedKeysFailCleanly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Installer.TrustedKeys = map[string]string{"main": "not base64!"}
	_, err := NewServer(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trusted keys")
}
