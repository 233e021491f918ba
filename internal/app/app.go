// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — database, vault, Redis when configured
//  2. initServices — rate limiter, breaker, key selector, routing, metrics
//  3. initAudit    — async request trail (ClickHouse or slog sink)
//  4. initGateway  — dispatch engine + HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/keygateio/keygate/internal/audit"
	"github.com/keygateio/keygate/internal/breaker"
	"github.com/keygateio/keygate/internal/config"
	"github.com/keygateio/keygate/internal/keyselect"
	"github.com/keygateio/keygate/internal/metrics"
	"github.com/keygateio/keygate/internal/proxy"
	"github.com/keygateio/keygate/internal/ratelimit"
	"github.com/keygateio/keygate/internal/router"
	"github.com/keygateio/keygate/internal/store"
	"github.com/keygateio/keygate/internal/vault"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	st  *store.Store
	vlt *vault.Vault

	// Optional external connection — nil when REDIS_URL is unset.
	rdb *redis.Client

	limiter  *ratelimit.Limiter
	brk      breaker.Breaker
	selector *keyselect.Selector
	routes   *router.Router
	prom     *metrics.Registry

	trail  *audit.Trail
	health *proxy.HealthChecker
	gw     *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"audit", a.initAudit},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting keygate",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("breaker_mode", a.cfg.CircuitBreaker.Mode),
		slog.String("key_strategy", a.cfg.KeyStrategy),
		slog.Bool("redis", a.rdb != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.trail != nil {
		if err := a.trail.Close(); err != nil {
			a.log.Error("audit close error", slog.String("error", err.Error()))
		}
		a.trail = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
