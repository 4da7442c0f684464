// Command upstream runs a lightweight HTTP mock of the Google
// generative-language API. It is used for E2E/load testing the gateway
// without a real credential or quota.
//
// It serves both API versions:
//
//	POST /v1/models/{model}:generateContent
//	POST /v1/models/{model}:streamGenerateContent        (alt=sse)
//	GET  /v1/models
//	POST /v1beta/models/{model}:generateContent
//	POST /v1beta/models/{model}:streamGenerateContent    (alt=sse)
//	GET  /v1beta/models
//
// Behaviour flags (via env):
//
//	PORT_UPSTREAM     — listen port (default 19003)
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in a streaming response (default 10)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	port := os.Getenv("PORT_UPSTREAM")
	if port == "" {
		port = "19003"
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      newHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("mock upstream listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstream")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func newHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	for _, version := range []string{"v1", "v1beta"} {
		version := version
		prefix := "/" + version + "/models"

		mux.HandleFunc(prefix+"/", func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path // e.g. /v1/models/gemini-1.5-pro:generateContent
			model := extractModel(path, prefix+"/")

			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			applyLatency(cfg)
			if shouldError(cfg) {
				writeError(w, http.StatusInternalServerError, "mock internal error")
				return
			}

			switch {
			case strings.HasSuffix(path, ":generateContent"):
				handleGenerate(w, r, cfg, model)
			case strings.HasSuffix(path, ":streamGenerateContent"):
				handleStreamGenerate(w, r, cfg, model)
			default:
				writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
			}
		})

		mux.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"models": []map[string]any{
					{
						"name":                       "models/embedding-001",
						"displayName":                "Embedding 001",
						"supportedGenerationMethods": []string{"embedContent"},
					},
					{
						"name":                       "models/gemini-1.5-pro",
						"displayName":                "Gemini 1.5 Pro",
						"supportedGenerationMethods": []string{"generateContent", "countTokens"},
					},
					{
						"name":                       "models/gemini-1.5-flash",
						"displayName":                "Gemini 1.5 Flash",
						"supportedGenerationMethods": []string{"generateContent", "countTokens"},
					},
				},
			})
		})
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func handleGenerate(w http.ResponseWriter, r *http.Request, cfg Config, model string) {
	var req struct {
		Contents []struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	writeJSON(w, http.StatusOK, generateResponse(cfg, model, fakeSentence(cfg.StreamWords)))
}

// handleStreamGenerate emits the answer word by word as SSE data lines, the
// framing the real API uses when called with alt=sse.
func handleStreamGenerate(w http.ResponseWriter, _ *http.Request, cfg Config, model string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	words := strings.Fields(fakeSentence(cfg.StreamWords))
	for i, word := range words {
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}
		data, _ := json.Marshal(generateResponse(cfg, model, chunk))
		fmt.Fprintf(w, "data: %s\r\n\r\n", data)
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func generateResponse(cfg Config, model, text string) map[string]any {
	return map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role": "model",
					"parts": []map[string]string{
						{"text": text},
					},
				},
				"finishReason": "STOP",
				"index":        0,
			},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     10,
			"candidatesTokenCount": cfg.StreamWords,
			"totalTokenCount":      10 + cfg.StreamWords,
		},
		"responseId":   fmt.Sprintf("mock-%x", rand.Int64()),
		"modelVersion": model,
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "provider", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldError(cfg Config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

// extractModel pulls the model name out of a path like
// /v1/models/gemini-1.5-pro:generateContent
func extractModel(path, prefix string) string {
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-1.5-pro"
}
