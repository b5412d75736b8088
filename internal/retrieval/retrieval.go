// Package retrieval answers knowledge-base questions: it extracts the
// user's question, rewrites follow-ups into standalone search queries,
// searches the index and deduplicates the documents it returns.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/knowledge"
	"github.com/nugget/switchyard/internal/llm"
)

// ErrNotFound is returned when the knowledge-base id is not registered.
var ErrNotFound = errors.New("knowledge base not found")

// ErrNoUserMessage is returned when the conversation has no user message.
var ErrNoUserMessage = errors.New("no user message in conversation")

const reformulateTimeout = 10 * time.Second

// historyWindow bounds how many prior messages the reformulation prompt sees.
const historyWindow = 6

const reformulatePrompt = `Given the conversation below, rewrite the user's latest question as a single standalone search query. Resolve pronouns and references using the earlier messages. Output only the query, nothing else.

Conversation:
%s

Latest question: %s`

// DateRange spans the dates of a result set. Both ends are empty when no
// document carries a date.
type DateRange struct {
	Oldest string `json:"oldest"`
	Newest string `json:"newest"`
}

// Metadata describes a result set.
type Metadata struct {
	DateRange DateRange `json:"dateRange"`
}

// Result is the outcome of a knowledge-base search.
type Result struct {
	Query    string               `json:"query"`
	Docs     []knowledge.Document `json:"searchDocs"`
	Metadata Metadata             `json:"searchMetadata"`
}

// Index is the search surface retrieval needs from the knowledge layer.
type Index interface {
	Lookup(id string) (knowledge.Base, bool)
	Search(ctx context.Context, b knowledge.Base, query string) ([]knowledge.Document, error)
}

// Orchestrator performs knowledge-base retrieval.
type Orchestrator struct {
	index  Index
	llm    llm.Client
	model  string
	logger *slog.Logger
}

// New creates a retrieval orchestrator. If client is nil, queries are
// never reformulated.
func New(index Index, client llm.Client, model string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		index:  index,
		llm:    client,
		model:  model,
		logger: logger.With("component", "retrieval"),
	}
}

// PerformSearch runs a search for the latest user message against the
// knowledge base kbID. user identifies the caller for logging only.
func (o *Orchestrator) PerformSearch(ctx context.Context, messages []chat.Message, kbID, user string) (*Result, error) {
	base, ok := o.index.Lookup(kbID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, kbID)
	}

	last, ok := chat.LastUserMessage(messages)
	if !ok {
		return nil, ErrNoUserMessage
	}
	query := last.Text()

	if len(messages) > 1 {
		query = o.ReformulateQuery(ctx, messages, query)
	}

	docs, err := o.index.Search(ctx, base, query)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", kbID, err)
	}

	docs = DedupeByURL(docs)
	o.logger.Debug("knowledge search complete",
		"kb", kbID,
		"user", user,
		"query", query,
		"docs", len(docs),
	)

	return &Result{
		Query:    query,
		Docs:     docs,
		Metadata: Metadata{DateRange: ComputeDateRange(docs)},
	}, nil
}

// ReformulateQuery rewrites query into a standalone search query using
// the conversation history. It returns query unchanged on any error or
// empty model output; reformulation never blocks a search.
func (o *Orchestrator) ReformulateQuery(ctx context.Context, messages []chat.Message, query string) string {
	if o.llm == nil || o.model == "" {
		return query
	}

	ctx, cancel := context.WithTimeout(ctx, reformulateTimeout)
	defer cancel()

	prompt := fmt.Sprintf(reformulatePrompt, formatHistory(messages), query)
	resp, err := o.llm.Chat(ctx, o.model, []llm.Message{{Role: "user", Content: prompt}}, llm.Temperature(0))
	if err != nil {
		o.logger.Warn("query reformulation failed, using original", "error", err)
		return query
	}

	rewritten := strings.Trim(strings.TrimSpace(resp.Message.Content), `"`)
	if rewritten == "" {
		return query
	}
	o.logger.Debug("query reformulated", "original", query, "rewritten", rewritten)
	return rewritten
}

func formatHistory(messages []chat.Message) string {
	start := max(len(messages)-historyWindow, 0)
	var b strings.Builder
	for _, m := range messages[start:] {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text())
	}
	return strings.TrimRight(b.String(), "\n")
}

// DedupeByURL keeps the first document for each URL, in order.
func DedupeByURL(docs []knowledge.Document) []knowledge.Document {
	seen := make(map[string]bool, len(docs))
	out := make([]knowledge.Document, 0, len(docs))
	for _, d := range docs {
		if seen[d.URL] {
			continue
		}
		seen[d.URL] = true
		out = append(out, d)
	}
	return out
}

// ComputeDateRange returns the lexicographic min and max of the
// non-empty document dates. ISO dates order correctly as strings.
func ComputeDateRange(docs []knowledge.Document) DateRange {
	var r DateRange
	for _, d := range docs {
		if d.Date == "" {
			continue
		}
		if r.Oldest == "" || d.Date < r.Oldest {
			r.Oldest = d.Date
		}
		if r.Newest == "" || d.Date > r.Newest {
			r.Newest = d.Date
		}
	}
	return r
}
