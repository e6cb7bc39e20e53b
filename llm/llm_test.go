package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{"gemini", Config{Provider: "gemini", APIKey: "k"}, "gemini", false},
		{"openai", Config{Provider: "openai", APIKey: "k"}, "openai", false},
		{"copilot", Config{Provider: "copilot", APIKey: "k"}, "copilot", false},
		{"mistral", Config{Provider: "Mistral", APIKey: "k"}, "mistral", false},
		{"groq", Config{Provider: "groq", APIKey: "k"}, "groq", false},
		{"anthropic", Config{Provider: "anthropic", APIKey: "k"}, "anthropic", false},
		{"missing key", Config{Provider: "gemini"}, "", true},
		{"unknown", Config{Provider: "nope", APIKey: "k"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Name() != tt.wantName {
				t.Errorf("name: got %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}

func TestGeminiComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		var req geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.GenerationConfig.ResponseMimeType != "application/json" {
			t.Errorf("expected json mime type")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content": map[string]any{"parts": []any{map[string]any{"text": "  {\"a\":1}  "}}},
			}},
		})
	}))
	defer server.Close()

	p, err := NewProvider(Config{Provider: "gemini", Model: "gemini-test", APIKey: "key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	out, err := p.Complete(context.Background(), "prompt", CompletionOpts{Format: "json"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"a":1}` {
		t.Fatalf("got %q", out)
	}
}

func TestOpenAICompatibleComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "mistral-small-latest" {
			t.Errorf("model = %s", req.Model)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("expected json_object response format")
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	p, _ := NewProvider(Config{Provider: "mistral", APIKey: "key", BaseURL: server.URL})
	out, err := p.Complete(context.Background(), "prompt", CompletionOpts{Format: "json"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "ok" {
		t.Fatalf("got %q", out)
	}
}

func TestAnthropicComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("missing version header")
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"hello"}]}`))
	}))
	defer server.Close()

	p, _ := NewProvider(Config{Provider: "anthropic", APIKey: "key", BaseURL: server.URL})
	out, err := p.Complete(context.Background(), "prompt", CompletionOpts{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "hello" {
		t.Fatalf("got %q", out)
	}
}

func TestCompleteAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`rate limited`))
	}))
	defer server.Close()

	p, _ := NewProvider(Config{Provider: "groq", APIKey: "key", BaseURL: server.URL})
	_, err := p.Complete(context.Background(), "prompt", CompletionOpts{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "status 429") {
		t.Fatalf("unexpected error: %v", err)
	}
}
