package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIClient_ChatStructuredOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req openaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_schema" || req.ResponseFormat.JSONSchema == nil {
			t.Errorf("response_format = %+v", req.ResponseFormat)
		} else if req.ResponseFormat.JSONSchema.Name != "decision" || !req.ResponseFormat.JSONSchema.Strict {
			t.Errorf("json_schema = %+v", req.ResponseFormat.JSONSchema)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"gpt-4o-mini","created":1700000000,"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}],"usage":{"prompt_tokens":9,"completion_tokens":3}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "sk-test", nil)
	resp, err := c.Chat(context.Background(), "gpt-4o-mini", []Message{{Role: "user", Content: "x"}}, &Options{
		Schema: &ResponseSchema{Name: "decision", Schema: map[string]any{"type": "object"}, Strict: true},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != `{"ok":true}` {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 9 || resp.OutputTokens != 3 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIClient_NullContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":null}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", nil)
	if _, err := c.Chat(context.Background(), "m", nil, nil); err == nil {
		t.Fatal("expected error for null content")
	}
}

func TestOpenAIClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"Hi \"}}]}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"there\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL, "", nil)
	var tokens []string
	resp, err := c.ChatStream(context.Background(), "m", nil, nil, func(tok string) { tokens = append(tokens, tok) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(tokens) != 2 || resp.Message.Content != "Hi there" {
		t.Errorf("tokens = %q content = %q", tokens, resp.Message.Content)
	}
	if !resp.Done {
		t.Error("Done = false after [DONE]")
	}
}
