package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/gemini-gateway/internal/upstream"
)

func healthClient(t *testing.T, status int) *upstream.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	t.Cleanup(srv.Close)
	return upstream.New("health-key", upstream.WithBaseURL(srv.URL))
}

// --- NewHealthChecker -------------------------------------------------------

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewHealthChecker(nil, healthClient(t, http.StatusOK), nil, nil)
}

func TestNewHealthChecker_RunsInitialProbe(t *testing.T) {
	hc := NewHealthChecker(context.Background(), healthClient(t, http.StatusOK), nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Upstream != "ok" {
		t.Errorf("expected upstream=ok after initial probe, got %s", snap.Upstream)
	}
}

// --- Snapshot ---------------------------------------------------------------

func TestSnapshot_AllHealthy(t *testing.T) {
	hc := NewHealthChecker(context.Background(), healthClient(t, http.StatusOK), func() bool { return true }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if snap.CatalogCache != "ok" {
		t.Errorf("expected catalog_cache=ok, got %s", snap.CatalogCache)
	}
	if snap.UptimeSeconds < 0 {
		t.Error("uptime should be non-negative")
	}
}

func TestSnapshot_UpstreamDegraded(t *testing.T) {
	hc := NewHealthChecker(context.Background(), healthClient(t, http.StatusForbidden), nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected status=degraded when upstream rejects the probe, got %s", snap.Status)
	}
	if snap.Upstream != "degraded" {
		t.Errorf("upstream should be degraded, got %s", snap.Upstream)
	}
}

func TestSnapshot_CacheDegraded(t *testing.T) {
	hc := NewHealthChecker(context.Background(), healthClient(t, http.StatusOK), func() bool { return false }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected status=degraded when cache is down, got %s", snap.Status)
	}
	if snap.CatalogCache != "degraded" {
		t.Errorf("expected catalog_cache=degraded, got %s", snap.CatalogCache)
	}
}

func TestSnapshot_NilCacheProbe(t *testing.T) {
	hc := NewHealthChecker(context.Background(), healthClient(t, http.StatusOK), nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	// Nil cache probe means "not configured" → ok.
	if snap.CatalogCache != "ok" {
		t.Errorf("expected catalog_cache=ok when probe is nil, got %s", snap.CatalogCache)
	}
}

// --- ReadinessOK ------------------------------------------------------------

func TestReadinessOK(t *testing.T) {
	hc := NewHealthChecker(context.Background(), healthClient(t, http.StatusOK), nil, nil)
	defer hc.Close()
	if !hc.ReadinessOK() {
		t.Error("expected ReadinessOK with healthy upstream")
	}

	down := NewHealthChecker(context.Background(), healthClient(t, http.StatusBadGateway), nil, nil)
	defer down.Close()
	if down.ReadinessOK() {
		t.Error("expected ReadinessOK=false with unhealthy upstream")
	}
}
