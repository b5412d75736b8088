// Package toolrouter decides whether a request should be answered with
// the help of a web search, and with which query.
package toolrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/llm"
)

// ToolWebSearch is the only tool the router can select.
const ToolWebSearch = "web_search"

// MaxHistory is the number of trailing conversation messages sent to the
// routing model. Older messages are dropped, not summarized.
const MaxHistory = 6

const (
	reasonForced = "Forced web search mode"
	reasonError  = "Error determining tools, proceeding without search"
)

const routeTimeout = 10 * time.Second

const systemPrompt = `You decide whether answering the user's latest message requires a live web search.

Search when the answer depends on current events, recent releases, prices, schedules, weather, or facts likely to have changed after your training data. Do not search for greetings, opinions, creative writing, math, coding help, or stable general knowledge.

When a search is needed, write a concise search query that would find the answer. Respond with JSON only.`

// Request is a single routing question.
type Request struct {
	CurrentMessage string
	Messages       []chat.Message
	ForceWebSearch bool
}

// Result is the routing decision. Tools is empty or [ToolWebSearch].
type Result struct {
	Tools       []string `json:"tools"`
	SearchQuery string   `json:"searchQuery"`
	Reasoning   string   `json:"reasoning"`
}

// NeedsWebSearch reports whether the web_search tool was selected.
func (r Result) NeedsWebSearch() bool {
	for _, t := range r.Tools {
		if t == ToolWebSearch {
			return true
		}
	}
	return false
}

// Schema is the structured-output contract for the routing model.
func Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"needsWebSearch": map[string]any{"type": "boolean"},
			"searchQuery":    map[string]any{"type": "string"},
			"reasoning":      map[string]any{"type": "string"},
		},
		"required":             []string{"needsWebSearch", "searchQuery", "reasoning"},
		"additionalProperties": false,
	}
}

type decision struct {
	NeedsWebSearch *bool   `json:"needsWebSearch"`
	SearchQuery    *string `json:"searchQuery"`
	Reasoning      string  `json:"reasoning"`
}

// Router calls a small completion model to make routing decisions.
type Router struct {
	llm    llm.Client
	model  string
	logger *slog.Logger
}

// New creates a router that asks model through client.
func New(client llm.Client, model string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{llm: client, model: model, logger: logger.With("component", "toolrouter")}
}

// DetermineTool returns the routing decision for req. It never fails:
// any model or parsing error yields an empty tool list.
func (r *Router) DetermineTool(ctx context.Context, req Request) Result {
	if req.ForceWebSearch {
		return Result{
			Tools:       []string{ToolWebSearch},
			SearchQuery: req.CurrentMessage,
			Reasoning:   reasonForced,
		}
	}

	d, err := r.decide(ctx, req)
	if err != nil {
		r.logger.Warn("tool routing failed", "error", err)
		return Result{Tools: []string{}, Reasoning: reasonError}
	}

	if !*d.NeedsWebSearch {
		return Result{Tools: []string{}, Reasoning: d.Reasoning}
	}
	query := strings.TrimSpace(*d.SearchQuery)
	if query == "" {
		query = req.CurrentMessage
	}
	return Result{
		Tools:       []string{ToolWebSearch},
		SearchQuery: query,
		Reasoning:   d.Reasoning,
	}
}

func (r *Router) decide(ctx context.Context, req Request) (*decision, error) {
	if r.llm == nil {
		return nil, errors.New("no routing model configured")
	}

	ctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()

	resp, err := r.llm.Chat(ctx, r.model, BuildMessages(req.Messages), &llm.Options{
		Temperature: new(float64),
		Schema: &llm.ResponseSchema{
			Name:   "tool_routing",
			Schema: Schema(),
			Strict: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("routing completion: %w", err)
	}

	content := strings.TrimSpace(resp.Message.Content)
	if content == "" || content == "null" {
		return nil, errors.New("routing completion returned no content")
	}

	var d decision
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return nil, fmt.Errorf("parse routing decision: %w", err)
	}
	if d.NeedsWebSearch == nil || d.SearchQuery == nil {
		return nil, fmt.Errorf("routing decision missing required fields: %s", content)
	}
	return &d, nil
}

// BuildMessages returns the routing prompt: one system message followed
// by at most the last MaxHistory conversation messages, flattened to text.
func BuildMessages(history []chat.Message) []llm.Message {
	start := max(len(history)-MaxHistory, 0)
	out := make([]llm.Message, 0, 1+len(history)-start)
	out = append(out, llm.Message{Role: string(chat.RoleSystem), Content: systemPrompt})
	for _, m := range history[start:] {
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Text()})
	}
	return out
}
