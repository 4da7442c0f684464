package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nulpointcorp/gemini-gateway/internal/logger"
	"github.com/nulpointcorp/gemini-gateway/internal/upstream"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

const testToken = "secret-token"

// --- fake upstream ----------------------------------------------------------

// fakeUpstream mimics the generative-language API. Per-endpoint responses
// are configurable and generation calls are counted so tests can assert
// "no outbound call was made".
type fakeUpstream struct {
	*httptest.Server

	genStatus int
	genBody   string
	catalog   string

	genCalls    atomic.Int64
	streamCalls atomic.Int64

	lastGenPath string
	lastGenBody []byte

	// streamFn, when set, takes over :streamGenerateContent handling.
	streamFn http.HandlerFunc
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()

	f := &fakeUpstream{
		genStatus: http.StatusOK,
		genBody:   `{"candidates":[{"content":{"parts":[{"text":"Hello!"}]}}]}`,
		catalog: `{"models":[
			{"name":"models/a","supportedGenerationMethods":["embedContent"]},
			{"name":"models/b","supportedGenerationMethods":["generateContent"]}
		]}`,
	}

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, ":streamGenerateContent"):
			f.streamCalls.Add(1)
			if f.streamFn != nil {
				f.streamFn(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"t\":\"hi\"}\r\n\r\n")

		case strings.Contains(r.URL.Path, ":generateContent"):
			f.genCalls.Add(1)
			f.lastGenPath = r.URL.Path
			f.lastGenBody, _ = io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.genStatus)
			fmt.Fprint(w, f.genBody)

		case strings.HasSuffix(r.URL.Path, "/models"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, f.catalog)

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Server.Close)
	return f
}

// newTestGateway wires a Gateway against the fake upstream. The text model
// is pinned by default so unary tests don't exercise catalog resolution.
func newTestGateway(t *testing.T, up *fakeUpstream, opts Options) *Gateway {
	t.Helper()

	client := upstream.New("gk", upstream.WithBaseURL(up.URL))
	resolver := upstream.NewResolver(client, nil, 0, nil)

	gw := NewWithOptions(context.Background(), client, resolver, testToken, nil, opts)
	t.Cleanup(gw.Close)
	return gw
}

// serveGateway starts the full route set on an in-memory listener and
// returns an HTTP client that dials it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := applyMiddleware(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/chat":
				gw.requireKey(gw.handleChat)(ctx)
			case "/chat/stream":
				gw.requireKey(gw.handleChatStream)(ctx)
			case "/generate-image":
				gw.requireKey(gw.handleGenerateImage)(ctx)
			case "/models/v1":
				gw.requireKey(gw.handleModels(upstream.VersionV1))(ctx)
			case "/models/v1beta":
				gw.requireKey(gw.handleModels(upstream.VersionV1Beta))(ctx)
			case "/":
				gw.handleRoot(ctx)
			case "/readiness":
				gw.handleReadiness(ctx)
			default:
				ctx.SetStatusCode(404)
			}
		},
		recovery,
		requestID,
		timing,
	)

	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

// doPost sends an authenticated POST unless token is empty.
func doPost(t *testing.T, client *http.Client, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-API-KEY", token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func doGet(t *testing.T, client *http.Client, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", "http://test"+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("X-API-KEY", token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// detailOf decodes the error envelope and returns the detail value.
func detailOf(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var env struct {
		Detail map[string]any `json:"detail"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("response is not an error envelope: %v (%s)", err, body)
	}
	return env.Detail
}

// --- auth gate --------------------------------------------------------------

func TestAuth_MissingKey(t *testing.T) {
	up := newFakeUpstream(t)
	gw := newTestGateway(t, up, Options{TextModel: "gemini-1.5-pro"})
	client := serveGateway(t, gw)

	for _, path := range []string{"/chat", "/chat/stream", "/generate-image"} {
		resp := doPost(t, client, path, "", []byte(`{"prompt":"hi","payload":{"x":1}}`))
		body := readBody(t, resp)

		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, resp.StatusCode)
		}
		if detail := detailOf(t, body); detail["error"] != "Invalid API Token" {
			t.Errorf("%s: unexpected detail %v", path, detail)
		}
	}

	for _, path := range []string{"/models/v1", "/models/v1beta"} {
		resp := doGet(t, client, path, "wrong-token")
		readBody(t, resp)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, resp.StatusCode)
		}
	}

	if n := up.genCalls.Load() + up.streamCalls.Load(); n != 0 {
		t.Errorf("expected zero generation calls for rejected requests, got %d", n)
	}
}

func TestAuth_ValidKeyPasses(t *testing.T) {
	up := newFakeUpstream(t)
	gw := newTestGateway(t, up, Options{TextModel: "gemini-1.5-pro"})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/chat", testToken, []byte(`{"prompt":"hi"}`))
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

// --- /chat ------------------------------------------------------------------

func TestChat_Success(t *testing.T) {
	up := newFakeUpstream(t)
	gw := newTestGateway(t, up, Options{TextModel: "gemini-1.5-pro"})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/chat", testToken, []byte(`{"prompt":"say hello"}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if out.Response != "Hello!" {
		t.Errorf("expected response 'Hello!', got %q", out.Response)
	}
	if out.ModelUsed != "gemini-1.5-pro" {
		t.Errorf("expected model_used gemini-1.5-pro, got %q", out.ModelUsed)
	}
	if !strings.Contains(up.lastGenPath, "/v1/models/gemini-1.5-pro:generateContent") {
		t.Errorf("unexpected upstream path %q", up.lastGenPath)
	}
}

func TestChat_EmptyCandidates(t *testing.T) {
	up := newFakeUpstream(t)
	up.genBody = `{"candidates":[]}`
	gw := newTestGateway(t, up, Options{TextModel: "gemini-1.5-pro"})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/chat", testToken, []byte(`{"prompt":"hi"}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for empty candidates, got %d", resp.StatusCode)
	}
	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Response != "" {
		t.Errorf("expected empty response, got %q", out.Response)
	}
}

func TestChat_MissingPrompt(t *testing.T) {
	up := newFakeUpstream(t)
	gw := newTestGateway(t, up, Options{TextModel: "gemini-1.5-pro"})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/chat", testToken, []byte(`{}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if detail := detailOf(t, body); detail["error"] != "prompt is required" {
		t.Errorf("unexpected detail %v", detail)
	}
	if up.genCalls.Load() != 0 {
		t.Errorf("expected zero upstream calls, got %d", up.genCalls.Load())
	}
}

func TestChat_UpstreamErrorPassThrough(t *testing.T) {
	up := newFakeUpstream(t)
	up.genStatus = http.StatusTooManyRequests
	up.genBody = `{"error":{"message":"quota exceeded"}}`
	gw := newTestGateway(t, up, Options{TextModel: "gemini-1.5-pro"})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/chat", testToken, []byte(`{"prompt":"hi"}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected upstream 429 passed through, got %d", resp.StatusCode)
	}
	if detail := detailOf(t, body); detail["message"] != "quota exceeded" {
		t.Errorf("expected error sub-object as detail, got %s", body)
	}
}

func TestChat_ResolvesModelFromCatalog(t *testing.T) {
	up := newFakeUpstream(t)
	gw := newTestGateway(t, up, Options{}) // no pin: first eligible catalog entry
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/chat", testToken, []byte(`{"prompt":"hi"}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	// Exact match: the catalog reports "models/b", and the request path must
	// carry the bare name, not a doubled "models/models/b" segment.
	if up.lastGenPath != "/v1/models/b:generateContent" {
		t.Errorf("expected generation against /v1/models/b:generateContent, got %q", up.lastGenPath)
	}
}

func TestChat_NoEligibleModel(t *testing.T) {
	up := newFakeUpstream(t)
	up.catalog = `{"models":[{"name":"models/a","supportedGenerationMethods":["embedContent"]}]}`
	gw := newTestGateway(t, up, Options{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/chat", testToken, []byte(`{"prompt":"hi"}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 when no model supports generation, got %d", resp.StatusCode)
	}
	if up.genCalls.Load() != 0 {
		t.Errorf("expected no generation call, got %d", up.genCalls.Load())
	}
}

// --- /generate-image --------------------------------------------------------

func TestGenerateImage_MissingPayload(t *testing.T) {
	up := newFakeUpstream(t)
	gw := newTestGateway(t, up, Options{ImageModel: "gemini-1.5-flash"})
	client := serveGateway(t, gw)

	for _, body := range []string{`{}`, `{"payload":null}`, `{"payload":{}}`} {
		resp := doPost(t, client, "/generate-image", testToken, []byte(body))
		respBody := readBody(t, resp)

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
		if detail := detailOf(t, respBody); detail["error"] != "payload is required" {
			t.Errorf("body %s: unexpected detail %v", body, detail)
		}
	}
	if up.genCalls.Load() != 0 {
		t.Errorf("expected zero upstream calls, got %d", up.genCalls.Load())
	}
}

func TestGenerateImage_PayloadAndResponsePassThrough(t *testing.T) {
	up := newFakeUpstream(t)
	up.genBody = `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"aGk="}}]}}]}`
	gw := newTestGateway(t, up, Options{ImageModel: "gemini-1.5-flash"})
	client := serveGateway(t, gw)

	payload := `{"contents":[{"role":"user","parts":[{"text":"draw a cat"}]}],"generationConfig":{"candidateCount":1}}`
	resp := doPost(t, client, "/generate-image", testToken, []byte(`{"payload":`+payload+`}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if string(body) != up.genBody {
		t.Errorf("expected upstream body verbatim, got %s", body)
	}
	if string(up.lastGenBody) != payload {
		t.Errorf("expected inner payload forwarded verbatim, got %s", up.lastGenBody)
	}
	if !strings.Contains(up.lastGenPath, "/v1beta/models/gemini-1.5-flash:generateContent") {
		t.Errorf("unexpected upstream path %q", up.lastGenPath)
	}
}

// --- /models ----------------------------------------------------------------

func TestModels_CatalogPassThrough(t *testing.T) {
	up := newFakeUpstream(t)
	gw := newTestGateway(t, up, Options{})
	client := serveGateway(t, gw)

	for _, path := range []string{"/models/v1", "/models/v1beta"} {
		resp := doGet(t, client, path, testToken)
		body := readBody(t, resp)

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		if string(body) != up.catalog {
			t.Errorf("%s: expected raw catalog pass-through, got %s", path, body)
		}
	}
}

// --- root / readiness -------------------------------------------------------

func TestRoot_NoAuthRequired(t *testing.T) {
	up := newFakeUpstream(t)
	gw := newTestGateway(t, up, Options{})
	client := serveGateway(t, gw)

	resp := doGet(t, client, "/", "")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" || out["version"] == "" {
		t.Errorf("unexpected liveness body: %s", body)
	}
}

func TestReadiness_UpstreamReachable(t *testing.T) {
	up := newFakeUpstream(t)
	gw := newTestGateway(t, up, Options{})
	client := serveGateway(t, gw)

	resp := doGet(t, client, "/readiness", "")
	readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

// --- request logging --------------------------------------------------------

func TestRequestLog_CarriesUpstreamStatus(t *testing.T) {
	up := newFakeUpstream(t)
	up.genStatus = http.StatusTooManyRequests
	up.genBody = `{"error":{"message":"quota exceeded"}}`

	gw := newTestGateway(t, up, Options{TextModel: "gemini-1.5-pro"})

	var logBuf bytes.Buffer
	reqLogger, err := logger.New(context.Background(), slog.New(slog.NewJSONHandler(&logBuf, nil)))
	if err != nil {
		t.Fatal(err)
	}
	gw.SetLogger(reqLogger)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/chat", testToken, []byte(`{"prompt":"hi"}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 passed through, got %d", resp.StatusCode)
	}

	// Close drains the batch; the buffer is safe to read afterwards.
	if err := reqLogger.Close(); err != nil {
		t.Fatal(err)
	}

	out := logBuf.String()
	if !strings.Contains(out, `"upstream_status":429`) {
		t.Errorf("expected the provider's status in the request log, got %s", out)
	}
	if !strings.Contains(out, `"route":"chat"`) {
		t.Errorf("expected the route in the request log, got %s", out)
	}
}

// --- constructor ------------------------------------------------------------

func TestNew_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewWithOptions(nil, upstream.New("k"), nil, "t", nil, Options{})
}

func TestNew_PanicsOnNilClient(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil client")
		}
	}()
	NewWithOptions(context.Background(), nil, nil, "t", nil, Options{})
}
