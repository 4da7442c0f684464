// Package gateway is the core request dispatcher.
//
// The Gateway authenticates incoming browser requests, resolves a target
// model, reshapes the prompt into the provider's generation payload, and
// forwards the call to the Google generative-language API — relaying the
// answer back either as a single JSON response or as a pass-through SSE
// stream.
//
// Key design constraints:
//   - The credential gate runs before any outbound call on every protected path.
//   - Upstream error bodies pass through with the upstream's own status code;
//     the gateway never invents a status for errors the provider classified.
//   - Metrics, request logger, and circuit breaker are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/gemini-gateway/internal/config"
	"github.com/nulpointcorp/gemini-gateway/internal/logger"
	"github.com/nulpointcorp/gemini-gateway/internal/metrics"
	"github.com/nulpointcorp/gemini-gateway/internal/upstream"
	"github.com/nulpointcorp/gemini-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// Version is reported by GET / and the build-info metric.
const Version = "0.2.0"

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// UpstreamTimeout bounds unary upstream calls. Default: 30s.
	UpstreamTimeout time.Duration

	// StreamIdleTimeout aborts a streaming relay when no line arrives from
	// the upstream within the window. Default: 2m.
	StreamIdleTimeout time.Duration

	// TextModel pins the model used by /chat and /chat/stream. Empty means
	// the model is resolved from the upstream catalog per request.
	TextModel string

	// ImageModel pins the model used by /generate-image. Same semantics.
	ImageModel string

	// Breaker configures the per-API-version circuit breaker thresholds.
	// Zero values use the package-level defaults.
	Breaker config.BreakerConfig

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry
}

// Gateway is the main proxy — all dependencies are injected via the
// constructor so they can be replaced with test doubles.
type Gateway struct {
	client   *upstream.Client
	resolver *upstream.Resolver
	cb       *CircuitBreaker
	health   *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry

	apiToken []byte

	textModel  string
	imageModel string

	upstreamTimeout   time.Duration
	streamIdleTimeout time.Duration

	// Optional dependencies — nil-safe when not configured.
	reqLogger *logger.Logger

	// CORS allowed origins. Empty slice or ["*"] means allow all.
	corsOrigins []string
}

// New creates a Gateway with default settings.
func New(ctx context.Context, client *upstream.Client, resolver *upstream.Resolver, apiToken string) *Gateway {
	return NewWithOptions(ctx, client, resolver, apiToken, nil, Options{})
}

// NewWithOptions creates a fully configured Gateway. cacheReady is an
// optional readiness probe for the catalog cache backend (used by
// GET /readiness); pass nil when no external cache is configured.
func NewWithOptions(
	baseCtx context.Context,
	client *upstream.Client,
	resolver *upstream.Resolver,
	apiToken string,
	cacheReady func() bool,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if client == nil {
		panic("gateway: upstream client must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	upstreamTimeout := opts.UpstreamTimeout
	if upstreamTimeout <= 0 {
		upstreamTimeout = upstream.DefaultTimeout
	}

	streamIdleTimeout := opts.StreamIdleTimeout
	if streamIdleTimeout <= 0 {
		streamIdleTimeout = 2 * time.Minute
	}

	gw := &Gateway{
		client:            client,
		resolver:          resolver,
		cb:                NewCircuitBreaker(opts.Breaker, upstream.VersionV1, upstream.VersionV1Beta),
		baseCtx:           baseCtx,
		log:               log,
		metrics:           opts.Metrics,
		apiToken:          []byte(apiToken),
		textModel:         opts.TextModel,
		imageModel:        opts.ImageModel,
		upstreamTimeout:   upstreamTimeout,
		streamIdleTimeout: streamIdleTimeout,
	}

	// Initialise circuit breaker gauges (closed) for both API versions.
	if gw.metrics != nil {
		for _, v := range []string{upstream.VersionV1, upstream.VersionV1Beta} {
			gw.metrics.SetCircuitBreaker(v, int64(gw.cb.State(v)))
		}
	}

	gw.health = NewHealthChecker(baseCtx, client, cacheReady, gw.metrics)

	return gw
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// Close stops background workers owned by the gateway.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

type chatRequest struct {
	Prompt string `json:"prompt"`
}

type chatResponse struct {
	Response  string `json:"response"`
	ModelUsed string `json:"model_used,omitempty"`
}

// handleChat serves POST /chat: one prompt in, one complete answer out.
func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat"
	reqBytes := len(ctx.PostBody())
	model := ""
	upStatus := 0

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
	}()
	defer func() {
		g.logRequest(ctx, route, upstream.VersionV1, model, start, upStatus, false)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Prompt == "" {
		apierr.WriteBadRequest(ctx, apierr.MsgPromptRequired)
		return
	}

	var err error
	model, err = g.resolveModel(ctx, upstream.VersionV1, g.textModel)
	if err != nil {
		g.writeUpstreamError(ctx, err)
		return
	}

	g.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.Int("prompt_chars", len(req.Prompt)),
	)

	raw, err := g.callUnary(ctx, upstream.VersionV1, model, "chat", upstream.Translate(req.Prompt))
	upStatus = upstreamStatusOf(err)
	if err != nil {
		g.writeUpstreamError(ctx, err)
		return
	}

	// Best-effort extraction: a response with no candidates is a valid empty
	// answer, not an error.
	writeJSON(ctx, fasthttp.StatusOK, chatResponse{
		Response:  upstream.CandidateText(raw),
		ModelUsed: model,
	})
}

// handleGenerateImage serves POST /generate-image. The client supplies the
// full generation payload under a "payload" key and the upstream response
// body is returned verbatim, so multimodal shapes the gateway has never
// heard of keep working.
func (g *Gateway) handleGenerateImage(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "generate_image"
	reqBytes := len(ctx.PostBody())
	model := ""
	upStatus := 0

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
	}()
	defer func() {
		g.logRequest(ctx, route, upstream.VersionV1Beta, model, start, upStatus, false)
	}()

	var req struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if emptyJSON(req.Payload) {
		apierr.WriteBadRequest(ctx, apierr.MsgPayloadRequired)
		return
	}

	var err error
	model, err = g.resolveModel(ctx, upstream.VersionV1Beta, g.imageModel)
	if err != nil {
		g.writeUpstreamError(ctx, err)
		return
	}

	raw, err := g.callUnary(ctx, upstream.VersionV1Beta, model, route, req.Payload)
	upStatus = upstreamStatusOf(err)
	if err != nil {
		g.writeUpstreamError(ctx, err)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(raw)
}

// handleModels serves GET /models/v1 and GET /models/v1beta: the upstream
// catalog is passed through byte-for-byte; a catalog error becomes the
// detail of the error envelope with the upstream's status.
func (g *Gateway) handleModels(version string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		route := "models_" + version

		if g.metrics != nil {
			g.metrics.IncInFlight()
		}
		defer func() {
			if g.metrics == nil {
				return
			}
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), 0, len(ctx.Response.Body()))
		}()

		callCtx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
		defer cancel()

		raw, status, err := g.client.ListModels(callCtx, version)
		if err != nil {
			g.writeUpstreamError(ctx, err)
			return
		}

		if status < 200 || status >= 300 {
			apierr.WriteRaw(ctx, status, raw)
			return
		}

		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(raw)
	}
}

// handleRoot serves GET / — unauthenticated liveness probe.
func (g *Gateway) handleRoot(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}

// handleReadiness reports whether the upstream and the catalog cache are
// reachable (used by Kubernetes-style probes).
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
		return
	}
	writeJSON(ctx, fasthttp.StatusServiceUnavailable, g.health.Snapshot())
}

// resolveModel resolves the model for an API version, honoring a pinned name
// and recording where the answer came from.
func (g *Gateway) resolveModel(ctx *fasthttp.RequestCtx, version, pinned string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
	defer cancel()

	model, err := g.resolver.Resolve(callCtx, version, pinned, upstream.CapabilityGenerateContent)
	if g.metrics != nil {
		switch {
		case err != nil:
			g.metrics.RecordModelResolution(version, "none")
		case pinned != "":
			g.metrics.RecordModelResolution(version, "pinned")
		default:
			g.metrics.RecordModelResolution(version, "catalog")
		}
	}
	return model, err
}

// callUnary performs one bounded generateContent call through the circuit
// breaker, recording the attempt outcome.
func (g *Gateway) callUnary(ctx *fasthttp.RequestCtx, version, model, route string, payload any) (json.RawMessage, error) {
	if !g.cb.Allow(version) {
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection(version, g.cb.StateLabel(version))
		}
		return nil, errBreakerOpen
	}

	callCtx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
	defer cancel()

	upStart := time.Now()
	raw, err := g.client.GenerateContent(callCtx, version, model, payload)
	upDur := time.Since(upStart)

	outcome := "success"
	if err != nil {
		outcome = classifyError(err)
		g.cb.RecordFailure(version)
	} else {
		g.cb.RecordSuccess(version)
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(version, route, outcome, upDur)
		g.metrics.SetCircuitBreaker(version, int64(g.cb.State(version)))
	}

	return raw, err
}

// errBreakerOpen is returned when the circuit breaker rejects a call before
// it reaches the upstream.
var errBreakerOpen = errors.New("upstream circuit open")

// upstreamStatusOf reports the HTTP status the provider answered with:
// 200 for a successful call, the provider's own status for a structured
// error, 0 when the call never produced an upstream response.
func upstreamStatusOf(err error) int {
	if err == nil {
		return fasthttp.StatusOK
	}
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		return upErr.StatusCode
	}
	return 0
}

// classifyError buckets an upstream error for metrics labels.
func classifyError(err error) string {
	var upErr *upstream.Error
	switch {
	case errors.As(err, &upErr):
		return fmt.Sprintf("http_%d", upErr.StatusCode)
	case upstream.IsTimeout(err):
		return "timeout"
	case errors.Is(err, upstream.ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// writeUpstreamError maps an upstream failure to the client-facing error
// envelope:
//
//	*upstream.Error (non-2xx upstream body) → upstream's own status, body as detail
//	timeout                                 → 504 Gateway Timeout
//	*upstream.NoEligibleModelError          → 502 Bad Gateway
//	upstream.ErrUnavailable (transport)     → 502 Bad Gateway
//	circuit breaker open                    → 503 Service Unavailable
//	anything else                           → 500 Internal Server Error
func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	reqID, _ := ctx.UserValue("request_id").(string)
	g.log.ErrorContext(ctx, "upstream_error",
		slog.String("request_id", reqID),
		slog.String("path", string(ctx.Path())),
		slog.String("error", err.Error()),
	)

	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		apierr.WriteRaw(ctx, upErr.HTTPStatus(), upErr.Body)
		return
	}
	if upstream.IsTimeout(err) {
		apierr.WriteTimeout(ctx)
		return
	}
	var noModel *upstream.NoEligibleModelError
	if errors.As(err, &noModel) {
		apierr.WriteError(ctx, fasthttp.StatusBadGateway, noModel.Error())
		return
	}
	if errors.Is(err, upstream.ErrUnavailable) {
		apierr.WriteError(ctx, fasthttp.StatusBadGateway, err.Error())
		return
	}
	if errors.Is(err, errBreakerOpen) {
		apierr.WriteUnavailable(ctx, errBreakerOpen.Error())
		return
	}

	apierr.WriteInternal(ctx, err.Error())
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(ctx *fasthttp.RequestCtx, route, version, model string, start time.Time, upStatus int, streamed bool) {
	if g.reqLogger == nil {
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	reqUUID, _ := uuid.Parse(reqID)

	g.reqLogger.Log(logger.RequestLog{
		ID:             reqUUID,
		Route:          route,
		APIVersion:     version,
		Model:          model,
		Status:         uint16(ctx.Response.StatusCode()),
		UpstreamStatus: uint16(upStatus),
		LatencyMs:      uint32(time.Since(start).Milliseconds()),
		Streamed:       streamed,
		CreatedAt:      time.Now(),
	})
}

// emptyJSON reports whether a raw JSON field is absent or carries no usable
// value (null, "", {}, []).
func emptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", `""`, "{}", "[]":
		return true
	}
	return false
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
