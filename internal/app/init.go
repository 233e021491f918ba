package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/keygateio/keygate/internal/audit"
	"github.com/keygateio/keygate/internal/breaker"
	"github.com/keygateio/keygate/internal/keyselect"
	"github.com/keygateio/keygate/internal/metrics"
	"github.com/keygateio/keygate/internal/proxy"
	"github.com/keygateio/keygate/internal/ratelimit"
	"github.com/keygateio/keygate/internal/router"
	"github.com/keygateio/keygate/internal/store"
	"github.com/keygateio/keygate/internal/vault"
)

// initInfra opens the configuration store, the key vault, and the optional
// Redis connection. Redis is required only when CB_MODE=redis; otherwise a
// connection failure would abort startup for a soft dependency, so it is
// logged and the gateway degrades (limits open, breaker in-memory).
func (a *App) initInfra(ctx context.Context) error {
	st, err := store.Open(a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.st = st

	vlt, err := vault.New(a.cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	a.vlt = vlt

	if a.cfg.RedisURL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		switch {
		case err == nil:
			a.rdb = rdb
			a.log.Info("redis connected")
		case a.cfg.CircuitBreaker.Mode == "redis":
			return fmt.Errorf("redis: %w", err)
		default:
			a.log.Warn("redis unavailable, running degraded", slog.String("error", err.Error()))
		}
	}

	return nil
}

// initServices builds the request-path subsystems around the store and Redis.
func (a *App) initServices(_ context.Context) error {
	a.limiter = ratelimit.New(a.rdb, a.cfg.RateLimit.Window, ratelimit.Limits{
		GlobalRPM: a.cfg.RateLimit.GlobalRPM,
		KeyRPM:    a.cfg.RateLimit.KeyRPM,
		IPRPM:     a.cfg.RateLimit.IPRPM,
	})

	cbCfg := breaker.Config{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		Window:           a.cfg.CircuitBreaker.Window,
		OpenDuration:     a.cfg.CircuitBreaker.OpenDuration,
		MaxOpenDuration:  a.cfg.CircuitBreaker.MaxOpenDuration,
		ProbeCount:       a.cfg.CircuitBreaker.ProbeCount,
	}
	if a.cfg.CircuitBreaker.Mode == "redis" && a.rdb != nil {
		a.brk = breaker.NewRedis(a.rdb, cbCfg)
		a.log.Info("circuit breaker: redis (shared)")
	} else {
		a.brk = breaker.NewMemory(cbCfg)
		a.log.Info("circuit breaker: memory (per-process)")
	}

	a.selector = keyselect.New(a.st, a.limiter, a.rdb, a.cfg.KeyStrategy, keyselect.DefaultFailureThreshold)
	a.routes = router.New(a.st, a.cfg.MappingCacheTTL)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initAudit starts the async request trail. ClickHouse when configured,
// structured log lines otherwise.
func (a *App) initAudit(ctx context.Context) error {
	var sink audit.Sink
	if a.cfg.ClickHouseURL != "" {
		ch, err := audit.NewClickHouse(ctx, a.cfg.ClickHouseURL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.log.Info("audit sink: clickhouse")
	} else {
		sink = &audit.SlogSink{Log: a.log}
		a.log.Info("audit sink: slog")
	}

	trail, err := audit.New(a.baseCtx, sink, a.log)
	if err != nil {
		return fmt.Errorf("trail: %w", err)
	}
	a.trail = trail

	return nil
}

// initGateway wires the dispatch engine and the HTTP surface.
func (a *App) initGateway(_ context.Context) error {
	engine := proxy.NewEngine(
		a.routes, a.brk, a.selector, a.vlt, a.limiter, proxy.NewAdapterCache(),
		proxy.EngineOptions{
			Logger:  a.log,
			Metrics: a.prom,
		},
	)

	a.health = proxy.NewHealthChecker(a.baseCtx, a.st, a.rdb, a.log)

	a.gw = proxy.New(engine, a.st, a.vlt, proxy.GatewayOptions{
		Logger:         a.log,
		Metrics:        a.prom,
		Trail:          a.trail,
		ClientAPIKeys:  a.cfg.ClientAPIKeys,
		AdminAPIKey:    a.cfg.AdminAPIKey,
		CORSOrigins:    a.cfg.CORSOrigins,
		RequestTimeout: a.cfg.RequestTimeout,
		Health:         a.health,
	})

	if len(a.cfg.ClientAPIKeys) == 0 {
		a.log.Warn("client auth disabled: CLIENT_API_KEYS is empty")
	}
	if a.cfg.AdminAPIKey == "" {
		a.log.Info("admin surface disabled: ADMIN_API_KEY is empty")
	}

	return nil
}
