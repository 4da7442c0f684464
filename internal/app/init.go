package app

import (
	"context"
	"fmt"
	"log/slog"

	ggCache "github.com/nulpointcorp/gemini-gateway/internal/cache"
	"github.com/nulpointcorp/gemini-gateway/internal/gateway"
	"github.com/nulpointcorp/gemini-gateway/internal/logger"
	"github.com/nulpointcorp/gemini-gateway/internal/metrics"
	"github.com/nulpointcorp/gemini-gateway/internal/upstream"
)

// initInfra establishes optional external connections.
// Redis is only required when CATALOG_CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.CatalogCache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.CatalogCache.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.CatalogCache.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initUpstream builds the generative-language API client and the model
// resolver. GEMINI_API_KEY presence is enforced by config validation.
func (a *App) initUpstream(ctx context.Context) error {
	a.client = upstream.New(a.cfg.GeminiAPIKey,
		upstream.WithBaseURL(a.cfg.BaseURL),
		upstream.WithTimeout(a.cfg.UpstreamTimeout),
	)

	var catalogCache ggCache.Cache
	switch a.cfg.CatalogCache.Mode {
	case "redis":
		catalogCache = ggCache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("catalog cache backend: redis")
	case "memory":
		a.memCache = ggCache.NewMemoryCache(ctx)
		catalogCache = a.memCache
		a.log.Info("catalog cache backend: memory (in-process)")
	case "none":
		// nil cache — the resolver refetches the catalog per request,
		// matching the behavior browsers saw before caching existed.
		a.log.Info("catalog cache backend: disabled")
	}

	a.resolver = upstream.NewResolver(a.client, catalogCache, a.cfg.CatalogCache.TTL, a.log)

	if a.cfg.TextModel != "" {
		a.log.Info("text model pinned", slog.String("model", a.cfg.TextModel))
	}
	if a.cfg.ImageModel != "" {
		a.log.Info("image model pinned", slog.String("model", a.cfg.ImageModel))
	}

	return nil
}

// initServices creates the async request logger and Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// The resolver is built before the registry exists; attach it here.
	a.resolver.SetMetrics(a.prom)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	var cacheReady func() bool
	switch a.cfg.CatalogCache.Mode {
	case "redis":
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheReady = func() bool { return true }
	}

	opts := gateway.Options{
		Logger:            a.log,
		UpstreamTimeout:   a.cfg.UpstreamTimeout,
		StreamIdleTimeout: a.cfg.StreamIdleTimeout,
		TextModel:         a.cfg.TextModel,
		ImageModel:        a.cfg.ImageModel,
		Breaker:           a.cfg.Breaker,
		Metrics:           a.prom,
	}

	gw := gateway.NewWithOptions(a.baseCtx, a.client, a.resolver, a.cfg.APIToken, cacheReady, opts)
	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.mgmt = &gateway.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
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
