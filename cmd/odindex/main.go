package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/redis/go-redis/v9"

	"odindex/internal/auth"
	"odindex/internal/config"
	"odindex/internal/drive"
	"odindex/internal/httpserver"
	"odindex/internal/logging"
	"odindex/internal/ratelimit"
	"odindex/internal/session"
)

type options struct {
	Serve serveCmd `command:"serve" description:"run the index API server"`
	Token tokenCmd `command:"token" description:"print the protected-file token (odpt) for one item"`
}

type serveCmd struct {
	Config string `short:"c" long:"config" env:"ODINDEX_CONFIG" description:"config file (.json or .toml)"`
	Listen string `short:"l" long:"listen" description:"listen address, overrides the config"`
}

type tokenCmd struct {
	Password string `short:"p" long:"password" required:"true" description:"folder password (content of .password)"`
	ID       string `short:"i" long:"id" required:"true" description:"drive item id"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func (c *tokenCmd) Execute([]string) error {
	fmt.Println(auth.HashToken(c.Password, c.ID))
	return nil
}

func (c *serveCmd) Execute([]string) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}
	lg := logging.New(cfg.Log.Format, cfg.Log.Level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, lg)
	if err != nil {
		lg.Error("server init", "err", err)
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		lg.Info("odindex listening", "addr", cfg.Listen, "backend", cfg.Drive.Backend,
			"sessions", cfg.Session.Backend)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			lg.Error("listen", "err", err)
			return err
		}
	case <-ctx.Done():
		lg.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Warn("shutdown", "err", err)
		}
	}
	return nil
}

// app is a wired server plus the resources it owns.
type app struct {
	handler http.Handler
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config, lg *slog.Logger) (*app, error) {
	a := &app{}

	tokens, err := drive.NewTokenSource(ctx, cfg.Drive)
	if err != nil {
		return nil, err
	}

	var (
		d     drive.Drive
		local http.Handler
	)
	switch cfg.Drive.Backend {
	case config.BackendLocal:
		key, err := session.DeriveKey(cfg.Session.Secret, "local links")
		if err != nil {
			return nil, err
		}
		base := cfg.Drive.LocalURL
		if base == "" {
			base = "http://" + cfg.Listen
		}
		l, err := drive.NewLocal(cfg.Drive.LocalRoot, cfg.Drive.LocalStateDir, base, key)
		if err != nil {
			return nil, fmt.Errorf("local drive: %w", err)
		}
		l.SetLogger(lg)
		d, local = l, l.Handler()
	default:
		d = drive.NewGraph(cfg.Drive.APIBase, cfg.BaseDirectory, &http.Client{Timeout: time.Minute})
	}

	resolver, err := auth.NewResolver(cfg.ProtectedRoutes, d, cfg.MarkerCacheTTL.Std())
	if err != nil {
		return nil, err
	}
	lg.Info("protected routes", "routes", resolver.Routes())

	var store session.Store
	switch cfg.Session.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		store = session.NewRedisStore(rdb, cfg.Session.Prefix)
	default:
		store = session.NewMemoryStore()
	}
	if cfg.Session.Secret == "" {
		lg.Warn("session.secret is empty; sessions end on restart")
	}
	key, err := session.DeriveKey(cfg.Session.Secret, "session")
	if err != nil {
		a.close()
		return nil, err
	}
	sessions, err := session.NewManager(store, session.Options{
		CookieName: cfg.Session.CookieName,
		Key:        key,
		TTL:        cfg.Session.TTL.Std(),
		Secure:     cfg.Session.Secure,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.RPS > 0 {
		limiter = ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		a.closers = append(a.closers, limiter.Stop)
	}

	srv, err := httpserver.New(httpserver.Options{
		Config:   cfg,
		Drive:    d,
		Tokens:   tokens,
		Resolver: resolver,
		Sessions: sessions,
		Limiter:  limiter,
		Logger:   lg,
		Local:    local,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.handler = srv.Handler()
	return a, nil
}
