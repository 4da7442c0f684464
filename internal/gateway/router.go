package gateway

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/nulpointcorp/gemini-gateway/internal/upstream"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start without management endpoints.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// Every generation and catalog route sits behind the X-API-KEY gate; only
// the liveness and readiness probes (and /metrics, meant for a scraper on a
// private network) are open.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/chat", g.requireKey(g.handleChat))
	r.POST("/chat/stream", g.requireKey(g.handleChatStream))
	r.POST("/generate-image", g.requireKey(g.handleGenerateImage))
	r.GET("/models/v1", g.requireKey(g.handleModels(upstream.VersionV1)))
	r.GET("/models/v1beta", g.requireKey(g.handleModels(upstream.VersionV1Beta)))
	r.GET("/", g.handleRoot)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: SSE responses are open-ended; the relay enforces
		// its own idle timeout instead.
	}

	return srv.ListenAndServe(addr)
}
