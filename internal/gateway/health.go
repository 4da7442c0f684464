package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/gemini-gateway/internal/metrics"
	"github.com/nulpointcorp/gemini-gateway/internal/upstream"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
// The upstream probe lists the v1 model catalog — the cheapest authenticated
// call the provider offers, so it also verifies the credential.
type HealthChecker struct {
	client     *upstream.Client
	cacheReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	upstreamStatus componentStatus
	cacheStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background probes.
func NewHealthChecker(
	ctx context.Context,
	client *upstream.Client,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		client:     client,
		cacheReady: cacheReady,
		startTime:  time.Now(),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		metrics:    met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Upstream      string `json:"upstream"`
	CatalogCache  string `json:"catalog_cache"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	up := hc.upstreamStatus.get()
	cache := hc.cacheStatus.get()

	overall := "ok"
	if up != "ok" || cache == "degraded" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Upstream:      up,
		CatalogCache:  cache,
	}
}

// ReadinessOK returns true when the upstream is reachable
// (used by GET /readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.upstreamStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, status, err := hc.client.ListModels(ctx, upstream.VersionV1)
		ok := err == nil && status >= 200 && status < 300
		if ok {
			hc.upstreamStatus.set("ok")
		} else {
			hc.upstreamStatus.set("degraded")
		}
		if hc.metrics != nil {
			hc.metrics.SetUpstreamHealth(ok)
		}
	}()

	// Cache probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	wg.Wait()
}
