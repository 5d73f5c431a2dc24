package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/mohammad-safakhou/memgraph/config"
	"github.com/mohammad-safakhou/memgraph/internal/audit"
	"github.com/mohammad-safakhou/memgraph/internal/authz"
	"github.com/mohammad-safakhou/memgraph/internal/export"
	"github.com/mohammad-safakhou/memgraph/internal/mutation"
	"github.com/mohammad-safakhou/memgraph/internal/runtime"
	"github.com/mohammad-safakhou/memgraph/internal/sanitize"
	"github.com/mohammad-safakhou/memgraph/internal/sessionctx"
	"github.com/mohammad-safakhou/memgraph/internal/store"
	"github.com/mohammad-safakhou/memgraph/internal/vector"
	"github.com/mohammad-safakhou/memgraph/internal/vector/chromem"
)

func Run(cfg *appconfig.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization", "X-API-Key", "If-None-Match"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn, err := cfg.Databases.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Databases.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Databases.Redis.Host, cfg.Databases.Redis.Port),
			Password: cfg.Databases.Redis.Password,
			DB:       cfg.Databases.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Databases.Redis.Host, cfg.Databases.Redis.Port, err)
		}
	}

	var index vector.Index
	if cfg.Vector.Enabled {
		if cfg.Vector.Path != "" {
			cs, err := chromem.NewPersistent(cfg.Vector.Path, nil)
			if err != nil {
				return err
			}
			index = cs
		} else {
			index = chromem.New(nil)
		}
	}

	secret := cfg.Server.JWTSecret
	if secret == "" && !cfg.Auth.DevMode {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	authMW := runtime.EchoAuthMiddleware(runtime.AuthConfig{
		Secret:  []byte(secret),
		Keys:    st,
		DevMode: cfg.Auth.DevMode,
	})
	opts := authz.Options{LegacyAPIKeyPassthrough: cfg.Auth.LegacyAPIKeyPassthrough}

	exporter, err := export.NewEngine(st, export.Config{
		DefaultLimit: cfg.Export.DefaultLimit,
		MaxLimit:     cfg.Export.MaxLimit,
		CacheTTL:     cfg.Export.CacheTTL,
	}, nil)
	if err != nil {
		return err
	}
	recorder := audit.NewRecorder(st, nil, nil)
	mutator := mutation.NewEngine(st, index, cfg.Vector.Timeout, nil)
	assembler := sessionctx.NewAssembler(st, sessionctx.Config{
		DefaultMaxTokens:    cfg.Session.DefaultMaxTokens,
		RecentWindowDays:    cfg.Session.RecentWindowDays,
		MaxWarmObservations: cfg.Session.MaxWarmObservations,
		MaxRecentDecisions:  cfg.Session.MaxRecentDecisions,
	}, nil, nil)

	api := e.Group("/api")

	ah := &AuthHandler{Store: st, Secret: []byte(secret), TokenTTL: cfg.Auth.TokenTTL}
	ah.Register(api.Group("/auth"), authMW)

	screener := sanitize.NewScreener(cfg.Sanitizer.MaxContentBytes)

	gh := &GraphHandler{
		Engine:   exporter,
		Store:    st,
		Mutator:  mutator,
		Screener: screener,
		Audit:    recorder,
		Index:    index,
		Rdb:      rdb,
		CacheTTL: cfg.Export.CacheTTL,
		Opts:     opts,
	}
	gh.Register(api.Group("/graph"), authMW)

	mh := &MutationsHandler{Engine: mutator, Screener: screener, Audit: recorder, Opts: opts}
	mh.Register(api.Group("/graph"), authMW)

	sh := &SessionHandler{Assembler: assembler, Store: st, Screener: screener, Audit: recorder, Opts: opts}
	sh.Register(api.Group(""), authMW)

	oh := &OpsHandler{Store: st, Opts: opts}
	oh.Register(api.Group("/ops"), authMW)

	sweeper := &mutation.Sweeper{
		Store:       st,
		Index:       index,
		Rdb:         rdb,
		Stop:        make(chan struct{}),
		Cron:        cfg.Sweep.Cron,
		BatchSize:   cfg.Sweep.BatchSize,
		MaxAttempts: cfg.Sweep.MaxAttempts,
		LockTTL:     cfg.Sweep.LockTTL,
		Timeout:     cfg.Vector.Timeout,
	}
	sweeper.Start()

	if addr == "" {
		addr = cfg.Server.Addr
		if addr != "" && addr[0] != ':' {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":8080"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
