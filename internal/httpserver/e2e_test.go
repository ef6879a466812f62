package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"odindex/internal/auth"
	"odindex/internal/config"
	"odindex/internal/drive"
	"odindex/internal/logging"
	"odindex/internal/session"
)

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "private"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello world"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "private", ".password"), []byte("s3cret\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "private", "notes.txt"), []byte("top secret"), 0o644))

	img := image.NewRGBA(image.Rect(0, 0, 300, 300))
	img.Set(10, 10, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(filepath.Join(root, "private", "pic.png"), buf.Bytes(), 0o644))
	return root
}

func TestEndToEndLocal(t *testing.T) {
	root := writeTree(t)

	ts := httptest.NewUnstartedServer(nil)
	base := "http://" + ts.Listener.Addr().String()

	linkKey, err := session.DeriveKey("e2e", "local links")
	require.NoError(t, err)
	local, err := drive.NewLocal(root, t.TempDir(), base, linkKey)
	require.NoError(t, err)

	res, err := auth.NewResolver([]string{"/private"}, local, time.Minute)
	require.NoError(t, err)
	key, err := session.DeriveKey("e2e", "session")
	require.NoError(t, err)
	mgr, err := session.NewManager(session.NewMemoryStore(), session.Options{CookieName: "sid", Key: key, TTL: time.Hour})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Drive.Backend = config.BackendLocal
	ts.Config.Handler = mustServer(t, Options{
		Config:   cfg,
		Drive:    local,
		Tokens:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "local"}),
		Resolver: res,
		Sessions: mgr,
		Logger:   logging.Nop(),
		Local:    local.Handler(),
	}).Handler()
	ts.Start()
	defer ts.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}
	noFollow := &http.Client{Jar: jar, CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	get := func(c *http.Client, target string) (int, string) {
		resp, err := c.Get(base + target)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	// public file: redirect to a signed local link that serves the bytes
	code, body := get(client, "/api/raw?path=/hello.txt")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello world", body)

	code, body = get(client, "/api/raw?path=/hello.txt&proxy=true")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello world", body)

	// marker never leaves the server
	code, _ = get(client, "/api/raw?path=/private/.password")
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = get(noFollow, "/api/raw?path=/private/notes.txt")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(noFollow, "/api/thumbnail?path=/private/pic.png&size=small")
	assert.Equal(t, http.StatusUnauthorized, code)

	// a shared token opens one file without a session
	it, err := local.Item(context.Background(), "", "/private/notes.txt", drive.MetadataQuery)
	require.NoError(t, err)
	code, body = get(noFollow, "/api/raw?path=/private/notes.txt&proxy=true&odpt="+auth.HashToken("s3cret", it.ID))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "top secret", body)

	payload, err := json.Marshal(loginRequest{Path: "/private", Password: "s3cret"})
	require.NoError(t, err)
	resp, err := client.Post(base+"/api/auth", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	code, body = get(client, "/api/raw?path=/private/notes.txt")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "top secret", body)

	resp, err = client.Get(base + "/api/thumbnail?path=/private/pic.png&size=small")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
}

func mustServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	return s
}
