package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:3000", cfg.Listen)
	assert.Equal(t, "/", cfg.BaseDirectory)
	assert.Equal(t, BackendGraph, cfg.Drive.Backend)
	assert.Equal(t, BackendMemory, cfg.Session.Backend)
	assert.Equal(t, 30*time.Second, cfg.MarkerCacheTTL.Std())
	assert.Empty(t, cfg.ProtectedRoutes)
}

func TestLoadJSON(t *testing.T) {
	p := writeFile(t, "odindex.json", `{
  "listen": "127.0.0.1:8080",
  "baseDirectory": "share/",
  "protectedRoutes": ["/private/", "private", "/a/../b"],
  "markerCacheTTL": "5s",
  "session": {"ttl": "1h", "cookieName": "sid"}
}`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "/share", cfg.BaseDirectory)
	assert.Equal(t, []string{"/b", "/private"}, cfg.ProtectedRoutes)
	assert.Equal(t, 5*time.Second, cfg.MarkerCacheTTL.Std())
	assert.Equal(t, time.Hour, cfg.Session.TTL.Std())
	assert.Equal(t, "sid", cfg.Session.CookieName)
	// untouched defaults survive
	assert.Equal(t, "max-age=0, s-maxage=60, stale-while-revalidate", cfg.CacheControl)
}

func TestLoadTOML(t *testing.T) {
	p := writeFile(t, "odindex.toml", `
listen = ":9000"
protectedRoutes = ["/secret"]

[drive]
backend = "local"
localRoot = "/srv/files"

[session]
backend = "redis"
redisAddr = "127.0.0.1:6379"
prefix = "od:"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, []string{"/secret"}, cfg.ProtectedRoutes)
	assert.Equal(t, BackendLocal, cfg.Drive.Backend)
	assert.Equal(t, "/srv/files", cfg.Drive.LocalRoot)
	assert.Equal(t, BackendRedis, cfg.Session.Backend)
	assert.Equal(t, "od:", cfg.Session.Prefix)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PROTECTED_ROUTES", `["/env/one", "/env/two/"]`)
	t.Setenv("ODINDEX_LISTEN", ":7000")
	t.Setenv("KV_PREFIX", "kv:")
	t.Setenv("ODINDEX_REDIS_ADDR", "redis:6379")
	t.Setenv("ODINDEX_RATE_LIMIT", "2.5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"/env/one", "/env/two"}, cfg.ProtectedRoutes)
	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, "kv:", cfg.Session.Prefix)
	assert.Equal(t, BackendRedis, cfg.Session.Backend)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
}

func TestLoadRejectsMalformedProtectedRoutes(t *testing.T) {
	t.Setenv("PROTECTED_ROUTES", `/private`)
	_, err := Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("local without root", func(t *testing.T) {
		cfg := Default()
		cfg.Drive.Backend = BackendLocal
		assert.Error(t, cfg.Validate())
	})
	t.Run("unknown drive backend", func(t *testing.T) {
		cfg := Default()
		cfg.Drive.Backend = "s3"
		assert.Error(t, cfg.Validate())
	})
	t.Run("redis without addr", func(t *testing.T) {
		cfg := Default()
		cfg.Session.Backend = BackendRedis
		assert.Error(t, cfg.Validate())
	})
	t.Run("bad duration", func(t *testing.T) {
		var d Duration
		assert.Error(t, d.UnmarshalText([]byte("soon")))
	})
}
