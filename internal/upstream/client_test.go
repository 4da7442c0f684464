package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGenerateContent_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if !strings.Contains(r.URL.Path, "/v1/models/gemini-1.5-pro:generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("key"); got != "mock-credential" {
			t.Errorf("expected key query param, got %q", got)
		}

		var body GenerationPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if len(body.Contents) != 1 {
			t.Errorf("expected 1 turn, got %d", len(body.Contents))
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"Hello!"}]}}]}`)
	}))
	defer srv.Close()

	c := New("mock-credential", WithBaseURL(srv.URL))

	raw, err := c.GenerateContent(context.Background(), VersionV1, "gemini-1.5-pro", Translate("Hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := CandidateText(raw); got != "Hello!" {
		t.Errorf("expected extracted text 'Hello!', got %q", got)
	}
}

func TestGenerateContent_QualifiedModelName(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	c := New("k", WithBaseURL(srv.URL))

	// Catalog entries are fully qualified ("models/x"); the URL must carry
	// the bare name.
	if _, err := c.GenerateContent(context.Background(), VersionV1, "models/gemini-1.5-pro", Translate("Hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/v1/models/gemini-1.5-pro:generateContent" {
		t.Errorf("expected bare model name in path, got %q", gotPath)
	}

	if _, err := c.GenerateContent(context.Background(), VersionV1, "gemini-1.5-pro", Translate("Hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/v1/models/gemini-1.5-pro:generateContent" {
		t.Errorf("expected unqualified name untouched, got %q", gotPath)
	}
}

func TestGenerateContent_UpstreamErrorSubObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	c := New("k", WithBaseURL(srv.URL))

	_, err := c.GenerateContent(context.Background(), VersionV1, "gemini-1.5-pro", Translate("Hi"))
	if err == nil {
		t.Fatal("expected error for 429")
	}

	var upErr *Error
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if upErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", upErr.StatusCode)
	}

	var detail map[string]any
	if err := json.Unmarshal(upErr.Body, &detail); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if detail["message"] != "quota exceeded" {
		t.Errorf("expected the error sub-object as detail, got %s", upErr.Body)
	}
}

func TestGenerateContent_UpstreamErrorWholeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"message":"no error field here"}`)
	}))
	defer srv.Close()

	c := New("k", WithBaseURL(srv.URL))

	_, err := c.GenerateContent(context.Background(), VersionV1, "m", Translate("x"))
	var upErr *Error
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if string(upErr.Body) != `{"message":"no error field here"}` {
		t.Errorf("expected whole body as detail, got %s", upErr.Body)
	}
}

func TestGenerateContent_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // kill it so the dial fails

	c := New("k", WithBaseURL(srv.URL))

	_, err := c.GenerateContent(context.Background(), VersionV1, "m", Translate("x"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestGenerateContent_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := New("k", WithBaseURL(srv.URL), WithTimeout(30*time.Millisecond))

	_, err := c.GenerateContent(context.Background(), VersionV1, "m", Translate("x"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTimeout(err) {
		t.Fatalf("expected a timeout classification, got %v", err)
	}
}

func TestStreamGenerateContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("expected streamGenerateContent in path, got %q", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse, got %q", r.URL.Query().Get("alt"))
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"t\":\"he\"}\r\n\r\ndata: {\"t\":\"llo\"}\r\n\r\n")
	}))
	defer srv.Close()

	c := New("k", WithBaseURL(srv.URL))

	resp, err := c.StreamGenerateContent(context.Background(), VersionV1Beta, "gemini-1.5-pro", Translate("Hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var dataLines int
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "data:") {
			dataLines++
		}
	}
	if dataLines != 2 {
		t.Errorf("expected 2 data lines, got %d", dataLines)
	}
}

func TestListModels_PassesStatusAndBodyThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"key not valid"}}`)
	}))
	defer srv.Close()

	c := New("k", WithBaseURL(srv.URL))

	raw, status, err := c.ListModels(context.Background(), VersionV1Beta)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusForbidden {
		t.Errorf("expected upstream status 403, got %d", status)
	}
	if !strings.Contains(string(raw), "key not valid") {
		t.Errorf("expected raw body pass-through, got %s", raw)
	}
}

func TestTranslate_ShapesOneUserTurn(t *testing.T) {
	data, err := json.Marshal(Translate("what is the capital of France?"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(decoded.Contents) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(decoded.Contents))
	}
	if decoded.Contents[0].Role != "user" {
		t.Errorf("expected role user, got %q", decoded.Contents[0].Role)
	}
	if len(decoded.Contents[0].Parts) != 1 || decoded.Contents[0].Parts[0].Text != "what is the capital of France?" {
		t.Errorf("expected one text part with the prompt, got %+v", decoded.Contents[0].Parts)
	}
}

func TestCandidateText_BestEffort(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"full shape", `{"candidates":[{"content":{"parts":[{"text":"hi"},{"text":"ignored"}]}}]}`, "hi"},
		{"empty candidates", `{"candidates":[]}`, ""},
		{"no candidates field", `{}`, ""},
		{"missing parts", `{"candidates":[{"content":{}}]}`, ""},
		{"part without text", `{"candidates":[{"content":{"parts":[{}]}}]}`, ""},
		{"not json", `<html>`, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CandidateText([]byte(tc.body)); got != tc.want {
				t.Errorf("CandidateText(%s) = %q, want %q", tc.body, got, tc.want)
			}
		})
	}
}
