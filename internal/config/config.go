package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"odindex/internal/fsutil"
)

// Config is intentionally small and JSON/TOML-friendly.
// If ProtectedRoutes is empty, every path is public.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `json:"listen" toml:"listen"`

	// BaseDirectory is the drive folder shown as "/" of the index.
	BaseDirectory string `json:"baseDirectory" toml:"baseDirectory"`

	// ProtectedRoutes lists folders that carry a .password marker.
	// Example: ["/private", "/private/deeper"]
	ProtectedRoutes []string `json:"protectedRoutes,omitempty" toml:"protectedRoutes"`

	// CacheControl is sent with proxied public content.
	CacheControl string `json:"cacheControl" toml:"cacheControl"`

	// CORSOrigins may fetch raw links cross-origin. Default: ["*"].
	CORSOrigins []string `json:"corsOrigins,omitempty" toml:"corsOrigins"`

	// MarkerCacheTTL caches successful .password reads. 0 disables caching.
	MarkerCacheTTL Duration `json:"markerCacheTTL" toml:"markerCacheTTL"`

	Drive     Drive     `json:"drive" toml:"drive"`
	Session   Session   `json:"session" toml:"session"`
	RateLimit RateLimit `json:"rateLimit" toml:"rateLimit"`
	Log       Log       `json:"log" toml:"log"`
}

const (
	BackendGraph  = "graph"
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Drive selects and configures the storage backend.
type Drive struct {
	// Backend is "graph" (default) or "local".
	Backend string `json:"backend" toml:"backend"`

	// Graph settings. AccessToken pins a static token (testing); otherwise
	// RefreshToken is exchanged through the Microsoft identity platform.
	APIBase      string `json:"apiBase,omitempty" toml:"apiBase"`
	ClientID     string `json:"clientId,omitempty" toml:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty" toml:"clientSecret"`
	TenantID     string `json:"tenantId,omitempty" toml:"tenantId"`
	RefreshToken string `json:"refreshToken,omitempty" toml:"refreshToken"`
	AccessToken  string `json:"accessToken,omitempty" toml:"accessToken"`

	// Local settings. LocalURL is the externally reachable server URL used
	// in signed download links, e.g. "http://127.0.0.1:3000".
	LocalRoot     string `json:"localRoot,omitempty" toml:"localRoot"`
	LocalStateDir string `json:"localStateDir,omitempty" toml:"localStateDir"`
	LocalURL      string `json:"localUrl,omitempty" toml:"localUrl"`
}

// Session configures the visitor session (passKey) store.
type Session struct {
	// Secret signs session cookies. Empty: a random key per process.
	Secret     string   `json:"secret,omitempty" toml:"secret"`
	CookieName string   `json:"cookieName" toml:"cookieName"`
	TTL        Duration `json:"ttl" toml:"ttl"`
	Secure     bool     `json:"secure,omitempty" toml:"secure"`

	// Backend is "memory" (default) or "redis".
	Backend       string `json:"backend" toml:"backend"`
	RedisAddr     string `json:"redisAddr,omitempty" toml:"redisAddr"`
	RedisPassword string `json:"redisPassword,omitempty" toml:"redisPassword"`
	RedisDB       int    `json:"redisDb,omitempty" toml:"redisDb"`
	// Prefix namespaces keys in a shared KV store.
	Prefix string `json:"prefix,omitempty" toml:"prefix"`
}

// RateLimit is per client IP. RPS <= 0 disables limiting.
type RateLimit struct {
	RPS   float64 `json:"rps" toml:"rps"`
	Burst int     `json:"burst" toml:"burst"`
}

type Log struct {
	Format string `json:"format" toml:"format"` // text|json
	Level  string `json:"level" toml:"level"`   // debug|info|warn|error
}

// Duration decodes "30s"-style strings from JSON and TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Listen:         "0.0.0.0:3000",
		BaseDirectory:  "/",
		CacheControl:   "max-age=0, s-maxage=60, stale-while-revalidate",
		CORSOrigins:    []string{"*"},
		MarkerCacheTTL: Duration(30 * time.Second),
		Drive:          Drive{Backend: BackendGraph},
		Session: Session{
			CookieName: "odindex_session",
			TTL:        Duration(30 * 24 * time.Hour),
			Backend:    BackendMemory,
		},
		RateLimit: RateLimit{RPS: 10, Burst: 20},
		Log:       Log{Format: "text", Level: "info"},
	}
}

// Load reads an optional config file (.json or .toml) over the defaults,
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("load config %q: %w", path, err)
		}
	default:
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	return nil
}

// applyEnv overrides from ODINDEX_* variables. PROTECTED_ROUTES,
// BASE_DIRECTORY and KV_PREFIX keep their historical unprefixed names.
func applyEnv(cfg *Config) error {
	setString(&cfg.Listen, "ODINDEX_LISTEN")
	setString(&cfg.BaseDirectory, "BASE_DIRECTORY")
	setString(&cfg.BaseDirectory, "ODINDEX_BASE_DIRECTORY")
	setString(&cfg.CacheControl, "ODINDEX_CACHE_CONTROL")

	if v, ok := os.LookupEnv("PROTECTED_ROUTES"); ok && strings.TrimSpace(v) != "" {
		var routes []string
		// A malformed list must not silently unprotect everything.
		if err := json.Unmarshal([]byte(v), &routes); err != nil {
			return fmt.Errorf("PROTECTED_ROUTES: want a JSON array of paths: %w", err)
		}
		cfg.ProtectedRoutes = routes
	}

	setString(&cfg.Drive.Backend, "ODINDEX_DRIVE_BACKEND")
	setString(&cfg.Drive.APIBase, "ODINDEX_GRAPH_API")
	setString(&cfg.Drive.ClientID, "ODINDEX_CLIENT_ID")
	setString(&cfg.Drive.ClientSecret, "ODINDEX_CLIENT_SECRET")
	setString(&cfg.Drive.TenantID, "ODINDEX_TENANT_ID")
	setString(&cfg.Drive.RefreshToken, "ODINDEX_REFRESH_TOKEN")
	setString(&cfg.Drive.AccessToken, "ODINDEX_ACCESS_TOKEN")
	setString(&cfg.Drive.LocalRoot, "ODINDEX_LOCAL_ROOT")
	setString(&cfg.Drive.LocalURL, "ODINDEX_LOCAL_URL")

	setString(&cfg.Session.Secret, "ODINDEX_SESSION_SECRET")
	setString(&cfg.Session.Backend, "ODINDEX_SESSION_BACKEND")
	if v := getEnv("ODINDEX_REDIS_ADDR", ""); v != "" {
		cfg.Session.RedisAddr = v
		if cfg.Session.Backend == BackendMemory {
			cfg.Session.Backend = BackendRedis
		}
	}
	setString(&cfg.Session.RedisPassword, "ODINDEX_REDIS_PASSWORD")
	setString(&cfg.Session.Prefix, "KV_PREFIX")

	cfg.RateLimit.RPS = getEnvAsFloat("ODINDEX_RATE_LIMIT", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = getEnvAsInt("ODINDEX_RATE_BURST", cfg.RateLimit.Burst)

	setString(&cfg.Log.Format, "ODINDEX_LOG_FORMAT")
	setString(&cfg.Log.Level, "ODINDEX_LOG_LEVEL")
	return nil
}

// Validate normalizes paths and checks backend names.
func (c *Config) Validate() error {
	c.BaseDirectory = fsutil.Normalize(c.BaseDirectory)

	seen := map[string]bool{}
	routes := make([]string, 0, len(c.ProtectedRoutes))
	for _, r := range c.ProtectedRoutes {
		if strings.TrimSpace(r) == "" {
			continue
		}
		r = fsutil.Normalize(r)
		if !seen[r] {
			seen[r] = true
			routes = append(routes, r)
		}
	}
	sort.Strings(routes)
	c.ProtectedRoutes = routes

	switch c.Drive.Backend {
	case BackendGraph:
	case BackendLocal:
		if c.Drive.LocalRoot == "" {
			return errors.New("config: drive.localRoot is required for the local backend")
		}
	default:
		return fmt.Errorf("config: unknown drive backend %q", c.Drive.Backend)
	}

	switch c.Session.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Session.RedisAddr == "" {
			return errors.New("config: session.redisAddr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown session backend %q", c.Session.Backend)
	}
	if c.Session.CookieName == "" {
		return errors.New("config: session.cookieName is required")
	}
	if c.Session.TTL <= 0 {
		return errors.New("config: session.ttl must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
