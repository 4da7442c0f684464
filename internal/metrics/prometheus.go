// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
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

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_http_response_size_bytes{route,status}
	httpRespSize *prometheus.HistogramVec

	// gateway_auth_failures_total
	authFailures prometheus.Counter

	// gateway_upstream_attempts_total{api_version,method,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{api_version,method,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_model_resolutions_total{api_version,source}
	modelResolutions *prometheus.CounterVec

	// gateway_stream_events_total{kind} — data/done/error
	streamEvents *prometheus.CounterVec

	// gateway_streams_total{outcome}
	streamsTotal *prometheus.CounterVec

	// gateway_catalog_cache_operations_total{op,result}
	catalogCacheOps *prometheus.CounterVec

	// circuit_breaker_state{api_version} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{api_version,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_circuit_breaker_rejections_total{api_version,state}
	cbRejections *prometheus.CounterVec

	// gateway_upstream_health
	upstreamHealth prometheus.Gauge

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

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		httpRespSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 14), // 256B .. ~2MB
			},
			[]string{"route", "status"},
		),

		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_auth_failures_total",
			Help: "Requests rejected for a missing or mismatched API token",
		}),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream generative-language API attempts",
			},
			[]string{"api_version", "method", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"api_version", "method", "outcome"},
		),

		modelResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_model_resolutions_total",
				Help: "Model resolutions by source (pinned, catalog, none)",
			},
			[]string{"api_version", "source"},
		),

		streamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_events_total",
				Help: "SSE events relayed to clients by kind (data, done, error)",
			},
			[]string{"kind"},
		),

		streamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_streams_total",
				Help: "Completed streaming sessions by outcome",
			},
			[]string{"outcome"},
		),

		catalogCacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_catalog_cache_operations_total",
				Help: "Model catalog cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"api_version"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"api_version", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"api_version", "state"},
		),

		upstreamHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_upstream_health",
			Help: "Upstream reachability (1=ok, 0=degraded)",
		}),

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
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.httpRespSize,
		r.authFailures,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.modelResolutions,
		r.streamEvents,
		r.streamsTotal,
		r.catalogCacheOps,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.upstreamHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

func (r *Registry) RecordAuthFailure() {
	r.authFailures.Inc()
}

// ObserveUpstreamAttempt records one generative-language API attempt.
func (r *Registry) ObserveUpstreamAttempt(apiVersion, method, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(apiVersion, method, outcome).Inc()
	r.upstreamDuration.WithLabelValues(apiVersion, method, outcome).Observe(dur.Seconds())
}

// RecordModelResolution records where a model name came from:
// "pinned" (configuration), "catalog" (first-match scan) or "none"
// (no eligible model).
func (r *Registry) RecordModelResolution(apiVersion, source string) {
	r.modelResolutions.WithLabelValues(apiVersion, source).Inc()
}

func (r *Registry) RecordStreamEvent(kind string) {
	r.streamEvents.WithLabelValues(kind).Inc()
}

func (r *Registry) RecordStream(outcome string) {
	r.streamsTotal.WithLabelValues(outcome).Inc()
}

func (r *Registry) CatalogCacheHit() {
	r.catalogCacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CatalogCacheMiss() {
	r.catalogCacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CatalogCacheSetOK() {
	r.catalogCacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CatalogCacheSetError() {
	r.catalogCacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) SetUpstreamHealth(ok bool) {
	if ok {
		r.upstreamHealth.Set(1)
		return
	}
	r.upstreamHealth.Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(apiVersion string, state int64) {
	r.circuitBreakerState.WithLabelValues(apiVersion).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[apiVersion]
	if !ok || prev != float64(state) {
		r.lastCBState[apiVersion] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(apiVersion, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(apiVersion, state string) {
	r.cbRejections.WithLabelValues(apiVersion, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
