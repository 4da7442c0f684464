package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/gemini-gateway/internal/cache"
	"github.com/nulpointcorp/gemini-gateway/internal/metrics"
)

// Resolver selects a usable model name for a generation call.
//
// A pinned model name short-circuits resolution entirely. Otherwise the
// resolver scans the upstream catalog in the order the provider returned it
// and picks the first model whose supported-methods set contains the
// requested capability — first-match, not best-match: no scoring, no name
// preferences. The optional cache holds the raw catalog per API version so
// high-traffic deployments don't refetch it on every request.
type Resolver struct {
	client  *Client
	cache   cache.Cache // nil disables caching
	ttl     time.Duration
	log     *slog.Logger
	metrics *metrics.Registry // nil disables cache-op metrics
}

// NewResolver creates a Resolver. catalogCache may be nil; log may be nil.
func NewResolver(client *Client, catalogCache cache.Cache, ttl time.Duration, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Resolver{client: client, cache: catalogCache, ttl: ttl, log: log}
}

// SetMetrics enables catalog cache hit/miss metrics.
func (r *Resolver) SetMetrics(m *metrics.Registry) {
	r.metrics = m
}

// Resolve returns the model to call for the given capability.
//
// pinned, when non-empty, is returned immediately without any upstream call.
// A catalog fetch failure or non-success status yields an ErrUnavailable
// wrap; an exhausted scan yields *NoEligibleModelError naming the capability.
func (r *Resolver) Resolve(ctx context.Context, version, pinned, capability string) (string, error) {
	if pinned != "" {
		return pinned, nil
	}

	models, err := r.catalog(ctx, version)
	if err != nil {
		return "", err
	}

	for _, m := range models {
		if m.Supports(capability) {
			r.log.DebugContext(ctx, "model_resolved",
				slog.String("model", m.Name),
				slog.String("capability", capability),
				slog.String("api_version", version),
			)
			return m.Name, nil
		}
	}

	return "", &NoEligibleModelError{Capability: capability}
}

// catalog returns the parsed model list for an API version, consulting the
// cache first when one is configured.
func (r *Resolver) catalog(ctx context.Context, version string) ([]ModelDescriptor, error) {
	key := "catalog:" + version

	if r.cache != nil {
		if raw, ok := r.cache.Get(ctx, key); ok {
			var cat modelCatalog
			if err := json.Unmarshal(raw, &cat); err == nil {
				if r.metrics != nil {
					r.metrics.CatalogCacheHit()
				}
				return cat.Models, nil
			}
			// Corrupt entry; drop it and fall through to a live fetch.
			_ = r.cache.Delete(ctx, key)
		}
		if r.metrics != nil {
			r.metrics.CatalogCacheMiss()
		}
	}

	raw, status, err := r.client.ListModels(ctx, version)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: catalog returned status %d", ErrUnavailable, status)
	}

	var cat modelCatalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %w", ErrUnavailable, err)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
			if r.metrics != nil {
				r.metrics.CatalogCacheSetError()
			}
			r.log.WarnContext(ctx, "catalog_cache_set_failed", slog.String("error", err.Error()))
		} else if r.metrics != nil {
			r.metrics.CatalogCacheSetOK()
		}
	}

	return cat.Models, nil
}
