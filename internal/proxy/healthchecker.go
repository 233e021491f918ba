package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keygateio/keygate/internal/store"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// componentStatus is the probe result for one dependency.
type componentStatus struct {
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Snapshot is the /health response body.
type Snapshot struct {
	Status        string          `json:"status"` // ok | degraded
	UptimeSeconds int64           `json:"uptime_seconds"`
	Database      componentStatus `json:"database"`
	Redis         componentStatus `json:"redis"`
}

// HealthChecker probes the configuration store and Redis in the background.
// The database is required for readiness; Redis only degrades (limits open,
// breaker falls back) so a Redis outage keeps /readiness green.
type HealthChecker struct {
	store *store.Store
	rdb   *redis.Client // nil when the deployment runs without Redis
	log   *slog.Logger

	started time.Time

	mu       sync.RWMutex
	database componentStatus
	redis    componentStatus

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthChecker starts the background probe loop immediately.
func NewHealthChecker(ctx context.Context, st *store.Store, rdb *redis.Client, log *slog.Logger) *HealthChecker {
	if log == nil {
		log = slog.Default()
	}
	probeCtx, cancel := context.WithCancel(ctx)

	h := &HealthChecker{
		store:   st,
		rdb:     rdb,
		log:     log,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.probe(probeCtx)

	go h.run(probeCtx)
	return h
}

func (h *HealthChecker) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

func (h *HealthChecker) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	now := time.Now()

	db := componentStatus{OK: true, CheckedAt: now}
	if err := h.store.Ping(); err != nil {
		db.OK = false
		db.Error = err.Error()
		h.log.WarnContext(ctx, "database probe failed", slog.String("error", err.Error()))
	}

	rd := componentStatus{OK: true, CheckedAt: now}
	if h.rdb == nil {
		rd.Error = "not configured"
	} else if err := h.rdb.Ping(probeCtx).Err(); err != nil {
		rd.OK = false
		rd.Error = err.Error()
		h.log.WarnContext(ctx, "redis probe failed", slog.String("error", err.Error()))
	}

	h.mu.Lock()
	h.database = db
	h.redis = rd
	h.mu.Unlock()
}

// Snapshot returns the current component view (GET /health).
func (h *HealthChecker) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "ok"
	if !h.database.OK || !h.redis.OK {
		status = "degraded"
	}
	return Snapshot{
		Status:        status,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Database:      h.database,
		Redis:         h.redis,
	}
}

// ReadinessOK reports whether the gateway can serve traffic.
func (h *HealthChecker) ReadinessOK() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.database.OK
}

// Close stops the probe loop.
func (h *HealthChecker) Close() {
	h.cancel()
	<-h.done
}
