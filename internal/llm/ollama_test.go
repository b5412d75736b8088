package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaWireResponse_BasicChat(t *testing.T) {
	raw := `{
		"model": "qwen3:4b",
		"created_at": "2026-02-11T15:00:00.123456789Z",
		"message": {"role": "assistant", "content": "Paris is the capital of France."},
		"done": true,
		"total_duration": 1234567890,
		"prompt_eval_count": 42,
		"eval_count": 15
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp := wire.toChatResponse()

	if resp.Model != "qwen3:4b" {
		t.Errorf("Model = %q, want qwen3:4b", resp.Model)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("CreatedAt should be parsed")
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 42/15", resp.InputTokens, resp.OutputTokens)
	}
	if resp.Message.Content != "Paris is the capital of France." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
}

func TestBuildOllamaRequest_Schema(t *testing.T) {
	schema := map[string]any{"type": "object"}
	temp := 0.1
	req := buildOllamaRequest("m", nil, &Options{Temperature: &temp, Schema: &ResponseSchema{Name: "x", Schema: schema}}, false)

	if req.Format == nil || req.Format["type"] != "object" {
		t.Errorf("Format = %v, want schema", req.Format)
	}
	if req.Options == nil || *req.Options.Temperature != 0.1 {
		t.Errorf("Options = %+v", req.Options)
	}

	plain := buildOllamaRequest("m", nil, nil, true)
	if plain.Format != nil || plain.Options != nil || !plain.Stream {
		t.Errorf("plain request = %+v", plain)
	}
}

func TestOllamaClient_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req ollamaWireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		for _, tok := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, `{"model":"m","message":{"role":"assistant","content":%q},"done":false}`+"\n", tok)
		}
		fmt.Fprint(w, `{"model":"m","message":{"role":"assistant","content":""},"done":true,"eval_count":2}`+"\n")
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	var got []string
	resp, err := c.ChatStream(context.Background(), "m", []Message{{Role: "user", Content: "hi"}}, nil, func(tok string) {
		got = append(got, tok)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("tokens = %v, want 2", got)
	}
	if resp.Message.Content != "Hello" {
		t.Errorf("Content = %q, want Hello", resp.Message.Content)
	}
	if resp.OutputTokens != 2 {
		t.Errorf("OutputTokens = %d, want 2", resp.OutputTokens)
	}
}

func TestOllamaClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	if _, err := c.Chat(context.Background(), "missing", nil, nil); err == nil {
		t.Fatal("expected error for 404")
	}
}
