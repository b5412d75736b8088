package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/switchyard/internal/agentsvc"
	"github.com/nugget/switchyard/internal/attach"
	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/fetch"
	"github.com/nugget/switchyard/internal/knowledge"
	"github.com/nugget/switchyard/internal/search"
)

// ErrNotAvailable is returned for agent types an executor cannot run.
var ErrNotAvailable = errors.New("agent not available")

// Task is one agent invocation.
type Task struct {
	Type  Type
	Query string
	// History is the prior conversation formatted by [History].
	History []string
	Model   chat.ModelConfig
	User    string
	// Timeout is the budget ctx is bounded by. Remote executors forward
	// it to the service.
	Timeout time.Duration
	// Config is passed through to the agent service.
	Config map[string]any
}

// Executor runs one agent workflow. Implementations do not impose their
// own timeout; callers bound ctx.
type Executor interface {
	Execute(ctx context.Context, task Task) (*Result, error)
}

// WebSearcher is the search capability the web_search agent uses.
type WebSearcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// KnowledgeSearcher is the index capability the local_knowledge agent uses.
type KnowledgeSearcher interface {
	SearchAll(ctx context.Context, query string) ([]knowledge.Document, error)
}

// PageFetcher is the capability the url_pull agent uses.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, maxChars int) (*fetch.Page, error)
}

// LocalExecutor runs agents in-process. Any capability may be nil, in
// which case its agent reports ErrNotAvailable.
type LocalExecutor struct {
	Search      WebSearcher
	SearchCount int
	Knowledge   KnowledgeSearcher
	Fetcher     PageFetcher
	// MaxURLs caps how many links one url_pull request fetches.
	MaxURLs int
}

// Execute implements [Executor].
func (e *LocalExecutor) Execute(ctx context.Context, task Task) (*Result, error) {
	switch task.Type {
	case WebSearch:
		return e.webSearch(ctx, task.Query)
	case LocalKnowledge:
		return e.localKnowledge(ctx, task.Query)
	case URLPull:
		return e.urlPull(ctx, task.Query)
	default:
		return nil, fmt.Errorf("%w: %s runs only on the agent service", ErrNotAvailable, task.Type)
	}
}

func (e *LocalExecutor) webSearch(ctx context.Context, query string) (*Result, error) {
	if e.Search == nil {
		return nil, fmt.Errorf("%w: no search provider", ErrNotAvailable)
	}
	results, err := e.Search.Search(ctx, query, search.Options{Count: e.SearchCount})
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}

	res := &Result{AgentType: WebSearch, Content: search.FormatResults(results)}
	if len(results) == 0 {
		res.Content = ""
	}
	for _, r := range results {
		content := r.Title
		if r.Snippet != "" {
			content += ": " + r.Snippet
		}
		if r.Date != "" {
			content += " (" + r.Date + ")"
		}
		res.Items = append(res.Items, Item{Source: r.URL, Content: content})
	}
	return res, nil
}

func (e *LocalExecutor) localKnowledge(ctx context.Context, query string) (*Result, error) {
	if e.Knowledge == nil {
		return nil, fmt.Errorf("%w: no knowledge index", ErrNotAvailable)
	}
	docs, err := e.Knowledge.SearchAll(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}

	res := &Result{AgentType: LocalKnowledge}
	for _, d := range docs {
		res.Items = append(res.Items, Item{Source: d.URL, Content: d.Title + "\n" + d.Chunk})
	}
	return res, nil
}

func (e *LocalExecutor) urlPull(ctx context.Context, query string) (*Result, error) {
	if e.Fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher", ErrNotAvailable)
	}
	urls := fetch.ExtractURLs(query)
	if len(urls) == 0 {
		return nil, errors.New("url pull: no URLs in message")
	}
	limit := e.MaxURLs
	if limit <= 0 {
		limit = 5
	}
	if len(urls) > limit {
		urls = urls[:limit]
	}

	pages := attach.Settle(ctx, urls, attach.DefaultConcurrency, func(ctx context.Context, u string) (*fetch.Page, error) {
		return e.Fetcher.Fetch(ctx, u, 0)
	})

	res := &Result{AgentType: URLPull}
	var summary strings.Builder
	var errs []error
	for i, p := range pages {
		if p.Err != nil {
			errs = append(errs, p.Err)
			fmt.Fprintf(&summary, "%s: could not be retrieved\n", urls[i])
			continue
		}
		page := p.Value
		header := page.URL
		if page.Title != "" {
			header = page.Title + " (" + page.URL + ")"
		}
		if page.Lang != "" {
			header += " [lang: " + page.Lang + "]"
		}
		if page.Published != "" {
			header += " [published: " + page.Published + "]"
		}
		fmt.Fprintf(&summary, "%s\n", header)
		res.Items = append(res.Items, Item{Source: page.URL, Content: header + "\n" + page.Content})
	}
	if len(res.Items) == 0 {
		return nil, fmt.Errorf("url pull: %w", errors.Join(errs...))
	}
	res.Content = strings.TrimSpace(summary.String())
	return res, nil
}

// RemoteExecutor runs agents on the agent-support service.
type RemoteExecutor struct {
	svc *agentsvc.Client
}

// NewRemoteExecutor creates an executor backed by svc.
func NewRemoteExecutor(svc *agentsvc.Client) *RemoteExecutor {
	return &RemoteExecutor{svc: svc}
}

// Execute implements [Executor]. A response without success or data is
// an error.
func (e *RemoteExecutor) Execute(ctx context.Context, task Task) (*Result, error) {
	t := task.Type
	resp, err := e.svc.Execute(ctx, agentsvc.ExecuteRequest{
		AgentType: string(t),
		Query:     task.Query,
		History:   agentsvc.HistoryEntries(task.History),
		Model:     agentsvc.ModelRef{ID: task.Model.ID, TokenLimit: task.Model.TokenLimit},
		Config:    task.Config,
		Timeout:   task.Timeout.Milliseconds(),
		User:      task.User,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success || resp.Data == nil {
		msg := resp.Error
		if msg == "" {
			msg = "no data"
		}
		return nil, fmt.Errorf("agent %s failed: %s", t, msg)
	}

	res := &Result{AgentType: t, Content: resp.Data.Content}
	if resp.Data.StructuredContent != nil {
		for _, it := range resp.Data.StructuredContent.Items {
			res.Items = append(res.Items, Item{Source: it.Source, Content: it.Content})
		}
	}
	return res, nil
}

// Chain tries executors in order until one succeeds. Errors other than
// ErrNotAvailable stop the chain.
type Chain []Executor

// Execute implements [Executor].
func (c Chain) Execute(ctx context.Context, task Task) (*Result, error) {
	err := fmt.Errorf("%w: %s", ErrNotAvailable, task.Type)
	for _, e := range c {
		var res *Result
		res, err = e.Execute(ctx, task)
		if err == nil || !errors.Is(err, ErrNotAvailable) {
			return res, err
		}
	}
	return nil, err
}
