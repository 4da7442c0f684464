package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/gemini-gateway/internal/logger"
	"github.com/nulpointcorp/gemini-gateway/internal/upstream"
	"github.com/nulpointcorp/gemini-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// maxStreamLine caps a single upstream SSE line. Generation chunks are small;
// anything bigger than this is a protocol violation worth aborting on.
const maxStreamLine = 1 << 20

// streamErrorFallback is emitted when the upstream fails before or during a
// stream with a body we cannot parse.
var streamErrorFallback = json.RawMessage(`{"error":"stream error"}`)

// handleChatStream serves POST /chat/stream.
//
// Validation and model resolution happen before the response is committed so
// auth and payload failures still produce proper JSON errors. Once the
// response status is written the only remaining channel to the client is the
// SSE body: an upstream failure after that point becomes a single `data:`
// error event and the stream ends without the [DONE] marker.
func (g *Gateway) handleChatStream(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_stream"
	reqBytes := len(ctx.PostBody())

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}

	var req chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		g.finishStreamEarly(ctx, route, "", start, reqBytes)
		return
	}
	if req.Prompt == "" {
		apierr.WriteBadRequest(ctx, apierr.MsgPromptRequired)
		g.finishStreamEarly(ctx, route, "", start, reqBytes)
		return
	}

	model, err := g.resolveModel(ctx, upstream.VersionV1Beta, g.textModel)
	if err != nil {
		g.writeUpstreamError(ctx, err)
		g.finishStreamEarly(ctx, route, model, start, reqBytes)
		return
	}

	if !g.cb.Allow(upstream.VersionV1Beta) {
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection(upstream.VersionV1Beta, g.cb.StateLabel(upstream.VersionV1Beta))
		}
		g.writeUpstreamError(ctx, errBreakerOpen)
		g.finishStreamEarly(ctx, route, model, start, reqBytes)
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	g.log.InfoContext(ctx, "stream_request",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.Int("prompt_chars", len(req.Prompt)),
	)

	payload := upstream.Translate(req.Prompt)

	// The upstream connection is opened inside the stream writer; the cancel
	// func is how a client disconnect propagates back to the provider.
	relayCtx, cancel := context.WithCancel(g.baseCtx)

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer func() { _ = recover() }()

		outcome, upStatus := g.relay(relayCtx, cancel, w, model, payload)

		if g.metrics != nil {
			dur := time.Since(start)
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur, reqBytes, -1)
			g.metrics.RecordStream(outcome)
			g.metrics.DecInFlight()
		}
		if g.reqLogger != nil {
			g.logStreamRequest(reqID, route, model, start, upStatus)
		}
		g.log.DebugContext(relayCtx, "stream_done",
			slog.String("request_id", reqID),
			slog.String("model", model),
			slog.String("outcome", outcome),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// relay opens the upstream stream and forwards its SSE data lines to w.
//
// Only lines starting with "data:" are forwarded, each re-terminated with
// the SSE event separator; blank lines and any other framing are dropped.
// A successful drain ends with "data: [DONE]". An upstream non-success
// status produces exactly one error event and no [DONE]. The returned
// outcome labels the stream for metrics; the status is what the provider
// answered with (0 when the connection never opened).
func (g *Gateway) relay(relayCtx context.Context, cancel context.CancelFunc, w *bufio.Writer, model string, payload any) (string, int) {
	resp, err := g.client.StreamGenerateContent(relayCtx, upstream.VersionV1Beta, model, payload)
	if err != nil {
		g.cb.RecordFailure(upstream.VersionV1Beta)
		g.writeEvent(w, streamErrorFallback)
		return "connect_error", 0
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.cb.RecordFailure(upstream.VersionV1Beta)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxStreamLine))
		detail := json.RawMessage(body)
		if !json.Valid(body) {
			detail = streamErrorFallback
		}
		g.writeEvent(w, detail)
		if g.metrics != nil {
			g.metrics.RecordStreamEvent("error")
		}
		return "upstream_error", resp.StatusCode
	}

	g.cb.RecordSuccess(upstream.VersionV1Beta)

	// Reader goroutine feeds lines through a channel so the relay loop can
	// enforce the idle timeout without blocking on the socket read.
	lines := make(chan string, 16)
	var readErr error
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-relayCtx.Done():
				return
			}
		}
		readErr = sc.Err()
	}()

	idle := time.NewTimer(g.streamIdleTimeout)
	defer idle.Stop()

	for {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(g.streamIdleTimeout)

		select {
		case line, ok := <-lines:
			if !ok {
				if readErr != nil || relayCtx.Err() != nil {
					// Upstream died mid-stream: the client sees a stream
					// that ends without [DONE] and can tell it was cut.
					return "truncated", resp.StatusCode
				}
				fmt.Fprint(w, "data: [DONE]\n\n")
				w.Flush() //nolint:errcheck
				if g.metrics != nil {
					g.metrics.RecordStreamEvent("done")
				}
				return "completed", resp.StatusCode
			}

			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			fmt.Fprint(w, line+"\n\n")
			if err := w.Flush(); err != nil {
				// Client went away; stop pulling from the upstream.
				cancel()
				return "client_disconnected", resp.StatusCode
			}
			if g.metrics != nil {
				g.metrics.RecordStreamEvent("data")
			}

		case <-idle.C:
			cancel()
			return "idle_timeout", resp.StatusCode
		}
	}
}

// writeEvent emits a single SSE data event carrying a JSON detail.
func (g *Gateway) writeEvent(w *bufio.Writer, detail json.RawMessage) {
	fmt.Fprintf(w, "data: %s\n\n", detail)
	w.Flush() //nolint:errcheck
}

// finishStreamEarly records metrics for stream requests rejected before the
// response was committed to SSE.
func (g *Gateway) finishStreamEarly(ctx *fasthttp.RequestCtx, route, model string, start time.Time, reqBytes int) {
	if g.metrics != nil {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
	}
	g.logRequest(ctx, route, upstream.VersionV1Beta, model, start, 0, false)
}

// logStreamRequest enqueues the async log entry for a drained stream. The
// fasthttp context is not safe to touch from the stream writer, so the entry
// is built from captured values.
func (g *Gateway) logStreamRequest(reqID, route, model string, start time.Time, upStatus int) {
	reqUUID, _ := uuid.Parse(reqID)
	g.reqLogger.Log(logger.RequestLog{
		ID:             reqUUID,
		Route:          route,
		APIVersion:     upstream.VersionV1Beta,
		Model:          model,
		Status:         fasthttp.StatusOK,
		UpstreamStatus: uint16(upStatus),
		LatencyMs:      uint32(time.Since(start).Milliseconds()),
		Streamed:       true,
		CreatedAt:      time.Now(),
	})
}
