package llm

import (
	"context"
	"testing"
)

type namedClient struct{ name string }

func (n *namedClient) Chat(_ context.Context, model string, _ []Message, _ *Options) (*ChatResponse, error) {
	return &ChatResponse{Model: model, Message: Message{Content: n.name}}, nil
}

func (n *namedClient) ChatStream(ctx context.Context, model string, msgs []Message, opts *Options, _ StreamCallback) (*ChatResponse, error) {
	return n.Chat(ctx, model, msgs, opts)
}

func (n *namedClient) Ping(context.Context) error { return nil }

func TestMultiClient_Routing(t *testing.T) {
	m := NewMultiClient(&namedClient{name: "ollama"})
	m.AddProvider("openai", &namedClient{name: "openai"})
	m.AddModel("gpt-4o-mini", "openai")

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", "openai"},
		{"qwen3:4b", "ollama"},
	}
	for _, tt := range tests {
		resp, err := m.Chat(context.Background(), tt.model, nil, nil)
		if err != nil {
			t.Fatalf("Chat(%s): %v", tt.model, err)
		}
		if resp.Message.Content != tt.want {
			t.Errorf("Chat(%s) routed to %q, want %q", tt.model, resp.Message.Content, tt.want)
		}
	}
}

func TestMultiClient_NoFallback(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "x", nil, nil); err == nil {
		t.Error("expected error without provider")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("expected Ping error without fallback")
	}
}
