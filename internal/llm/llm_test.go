package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/edgard/avito-autoanswer/internal/config"
	"github.com/edgard/avito-autoanswer/internal/logger"
)

const responsesBody = `{
  "id": "resp_1",
  "object": "response",
  "created_at": 1700000000,
  "status": "completed",
  "model": "gpt-4o",
  "output": [{
    "type": "message",
    "id": "msg_1",
    "status": "completed",
    "role": "assistant",
    "content": [{"type": "output_text", "text": " Добрый день! ", "annotations": []}]
  }],
  "usage": {"input_tokens": 12, "output_tokens": 5, "total_tokens": 17}
}`

func TestOpenAIComplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		model           string
		wantTemperature bool
	}{
		{"default model sends temperature", "", true},
		{"gpt-5 omits temperature", "gpt-5", false},
		{"gpt-5-mini omits temperature", "gpt-5-mini", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var body map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasSuffix(r.URL.Path, "/responses") {
					http.NotFound(w, r)
					return
				}
				raw, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(raw, &body)
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, responsesBody)
			}))
			t.Cleanup(srv.Close)

			c, err := NewOpenAI(config.LLMConfig{
				OpenAIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o", Timeout: 5 * time.Second,
			}, logger.Discard())
			if err != nil {
				t.Fatal(err)
			}

			resp, err := c.Complete(context.Background(), Request{
				Model: tt.model, System: "Ты ассистент", Prompt: "Привет", Temperature: 0.2,
			})
			if err != nil {
				t.Fatalf("Complete() error = %v", err)
			}
			if resp.Text != "Добрый день!" {
				t.Errorf("Text = %q", resp.Text)
			}
			if resp.Usage != (Usage{Prompt: 12, Completion: 5, Total: 17}) {
				t.Errorf("Usage = %+v", resp.Usage)
			}
			wantModel := tt.model
			if wantModel == "" {
				wantModel = "gpt-4o"
			}
			if resp.Model != wantModel || body["model"] != wantModel {
				t.Errorf("model = %q, request model = %v", resp.Model, body["model"])
			}
			if body["instructions"] != "Ты ассистент" || body["input"] != "Привет" {
				t.Errorf("request body = %v", body)
			}
			if _, ok := body["temperature"]; ok != tt.wantTemperature {
				t.Errorf("temperature present = %v, want %v", ok, tt.wantTemperature)
			}
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), config.LLMConfig{Provider: "openai"}, logger.Discard()); err == nil {
		t.Error("New(openai without key) succeeded")
	}
	if _, err := New(context.Background(), config.LLMConfig{Provider: "gemini"}, logger.Discard()); err == nil {
		t.Error("New(gemini without key) succeeded")
	}
	if _, err := New(context.Background(), config.LLMConfig{Provider: "claude", OpenAIKey: "x"}, logger.Discard()); err == nil {
		t.Error("New(unknown provider) succeeded")
	}
}

const geminiBody = `{
  "candidates": [{"content": {"role": "model", "parts": [{"text": "Готово"}]}, "finishReason": "STOP"}],
  "usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3, "totalTokenCount": 10}
}`

func newGeminiTest(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewGemini(context.Background(), config.LLMConfig{
		GeminiKey: "test-key", BaseURL: srv.URL, Model: "gpt-4o", MaxRetries: 2,
	}, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	c.retryDelay = time.Millisecond
	return c
}

func TestGeminiRetriesUnavailable(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var path atomic.Value
	c := newGeminiTest(t, func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`)
			return
		}
		_, _ = io.WriteString(w, geminiBody)
	})

	resp, err := c.Complete(context.Background(), Request{Model: "gpt-5", Prompt: "Привет"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "Готово" || resp.Usage.Total != 10 || resp.Usage.Prompt != 7 {
		t.Errorf("resp = %+v", resp)
	}
	if calls.Load() < 2 {
		t.Errorf("calls = %d, want a retry", calls.Load())
	}
	if p, _ := path.Load().(string); !strings.Contains(p, "gemini-2.0-flash") {
		t.Errorf("request path %q does not use the fallback model", p)
	}
}

func TestGeminiDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newGeminiTest(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`)
	})

	if _, err := c.Complete(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Fatal("Complete() succeeded on 400")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestGeminiGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newGeminiTest(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"code":500,"message":"internal","status":"INTERNAL"}}`)
	})

	_, err := c.Complete(context.Background(), Request{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "after 2 retries (code 500)") {
		t.Fatalf("Complete() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestAPIErrorCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		want   int
		wantOK bool
	}{
		{"value", genai.APIError{Code: 503}, 503, true},
		{"pointer", &genai.APIError{Code: 500}, 500, true},
		{"wrapped value", fmt.Errorf("call: %w", genai.APIError{Code: 429}), 429, true},
		{"other", errors.New("dial tcp: refused"), 0, false},
	}
	for _, tt := range tests {
		code, ok := apiErrorCode(tt.err)
		if code != tt.want || ok != tt.wantOK {
			t.Errorf("%s: apiErrorCode() = %d, %v, want %d, %v", tt.name, code, ok, tt.want, tt.wantOK)
		}
	}
}

func TestSupportsTemperature(t *testing.T) {
	t.Parallel()

	for model, want := range map[string]bool{"gpt-4o": true, "gpt-5": false, "GPT-5-mini": false, "gemini-2.0-flash": true} {
		if got := supportsTemperature(model); got != want {
			t.Errorf("supportsTemperature(%q) = %v, want %v", model, got, want)
		}
	}
}
