// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
// Increments are fire-and-forget: nothing here blocks or fails a request.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// requests_total{endpoint,status}
	requestsTotal *prometheus.CounterVec

	// request_duration_seconds{endpoint}
	requestDuration *prometheus.HistogramVec

	// provider_requests_total{provider,model,outcome}
	providerRequests *prometheus.CounterVec

	// provider_request_duration_seconds{provider,outcome}
	providerDuration *prometheus.HistogramVec

	// fallbacks_total{alias,reason}
	fallbacksTotal *prometheus.CounterVec

	// gateway_ratelimit_total{axis,result}
	rateLimitTotal *prometheus.CounterVec

	// circuit_breaker_state{provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_rejections_total{provider}
	cbRejections *prometheus.CounterVec

	// gateway_tokens_total{provider,model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_key_demotions_total{provider}
	keyDemotions *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "requests_total",
				Help: "Total number of client requests by endpoint and HTTP status",
			},
			[]string{"endpoint", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "request_duration_seconds",
				Help:    "End-to-end request duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"endpoint"},
		),

		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_requests_total",
				Help: "Upstream provider attempts by outcome (includes fallback attempts)",
			},
			[]string{"provider", "model", "outcome"},
		),

		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_request_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fallbacks_total",
				Help: "Cross-provider fallbacks by alias and the outcome that caused them",
			},
			[]string{"alias", "reason"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions by axis",
			},
			[]string{"axis", "result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Candidates skipped because the provider's breaker was open",
			},
			[]string{"provider"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "model", "direction"},
		),

		keyDemotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_key_demotions_total",
				Help: "Upstream keys auto-demoted to failed status",
			},
			[]string{"provider"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.requestsTotal,
		r.requestDuration,
		r.providerRequests,
		r.providerDuration,
		r.fallbacksTotal,
		r.rateLimitTotal,
		r.circuitBreakerState,
		r.cbRejections,
		r.tokensTotal,
		r.keyDemotions,
		r.providerHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveRequest records one finished client request.
func (r *Registry) ObserveRequest(endpoint string, statusCode int, dur time.Duration) {
	r.requestsTotal.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	r.requestDuration.WithLabelValues(endpoint).Observe(dur.Seconds())
}

// ObserveProviderRequest records one upstream attempt.
func (r *Registry) ObserveProviderRequest(provider, model, outcome string, dur time.Duration) {
	r.providerRequests.WithLabelValues(provider, model, outcome).Inc()
	r.providerDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// RecordFallback records a switch to a different provider for the same
// request, labeled with the outcome that caused it.
func (r *Registry) RecordFallback(alias, reason string) {
	r.fallbacksTotal.WithLabelValues(alias, reason).Inc()
}

func (r *Registry) RecordRateLimit(axis, result string) {
	r.rateLimitTotal.WithLabelValues(axis, result).Inc()
}

func (r *Registry) RecordCircuitBreakerRejection(provider string) {
	r.cbRejections.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordKeyDemotion(provider string) {
	r.keyDemotions.WithLabelValues(provider).Inc()
}

func (r *Registry) AddTokens(provider, model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
		return
	}
	r.providerHealth.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge. The last reported
// state per provider is remembered so transition logging stays cheap.
func (r *Registry) SetCircuitBreaker(provider string, state int64) {
	r.circuitBreakerState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	r.lastCBState[provider] = float64(state)
	r.cbMu.Unlock()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
