// Package apierr writes the gateway's outward error envelope.
//
// Every error response, regardless of which internal failure produced it,
// has the shape {"detail": <payload>} where payload is either a structured
// mapping (passed through from the upstream provider, or a locally built
// {"error": message}) or a plain string. Clients handle one shape.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Fixed detail messages for locally detected failures.
const (
	MsgInvalidToken    = "Invalid API Token"
	MsgPromptRequired  = "prompt is required"
	MsgPayloadRequired = "payload is required"
)

type envelope struct {
	Detail json.RawMessage `json:"detail"`
}

// Write sets status and writes {"detail": detail} where detail is any
// JSON-serializable value.
func Write(ctx *fasthttp.RequestCtx, status int, detail any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")

	raw, err := json.Marshal(detail)
	if err != nil {
		// Serialization of the detail itself failed; degrade to a string.
		raw, _ = json.Marshal(err.Error())
	}
	body, _ := json.Marshal(envelope{Detail: raw})
	ctx.SetBody(body)
}

// WriteRaw writes {"detail": raw} with raw embedded verbatim — used to pass
// an upstream error body through without re-serializing it.
func WriteRaw(ctx *fasthttp.RequestCtx, status int, raw json.RawMessage) {
	if !json.Valid(raw) {
		WriteError(ctx, status, string(raw))
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Detail: raw})
	ctx.SetBody(body)
}

// WriteError writes {"detail": {"error": message}}.
func WriteError(ctx *fasthttp.RequestCtx, status int, message string) {
	Write(ctx, status, map[string]string{"error": message})
}

// WriteUnauthorized writes the fixed 401 envelope for a failed key check.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	WriteError(ctx, fasthttp.StatusUnauthorized, MsgInvalidToken)
}

// WriteBadRequest writes a 400 envelope for a missing or invalid field.
func WriteBadRequest(ctx *fasthttp.RequestCtx, message string) {
	WriteError(ctx, fasthttp.StatusBadRequest, message)
}

// WriteInternal writes a 500 envelope. Used at the outermost handler
// boundary so no inbound request can crash the process.
func WriteInternal(ctx *fasthttp.RequestCtx, message string) {
	WriteError(ctx, fasthttp.StatusInternalServerError, message)
}

// WriteTimeout writes a 504 envelope for an upstream deadline.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	WriteError(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out")
}

// WriteUnavailable writes a 503 envelope (circuit breaker open).
func WriteUnavailable(ctx *fasthttp.RequestCtx, message string) {
	WriteError(ctx, fasthttp.StatusServiceUnavailable, message)
}
