// Package search provides the web search capability used by the
// tool-aware strategy and the web_search agent.
//
// Each search provider implements the [Provider] interface and is
// registered by name. The [Manager] selects a provider based on
// configuration and exposes a single [Manager.Search] method.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Result is a single search result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	// Date is the publication date as reported by the provider, in
	// whatever string form it uses. Empty when unknown.
	Date string `json:"date,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "searxng", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	order     []string
	primary   string
	logger    *slog.Logger
}

// NewManager creates a search manager. The primary provider name
// determines which backend is tried first.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger,
	}
}

// Register adds a provider to the manager. Registration order is the
// failover order after the primary.
func (m *Manager) Register(p Provider) {
	if _, ok := m.providers[p.Name()]; !ok {
		m.order = append(m.order, p.Name())
	}
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider, failing over to the
// remaining providers in registration order.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if len(m.providers) == 0 {
		return nil, fmt.Errorf("search provider %q not configured", m.primary)
	}

	var lastErr error
	for _, name := range m.candidates() {
		results, err := m.providers[name].Search(ctx, query, opts)
		if err == nil {
			return results, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("search provider failed", "provider", name, "error", err)
		lastErr = err
	}
	return nil, lastErr
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	return p.Search(ctx, query, opts)
}

func (m *Manager) candidates() []string {
	out := make([]string, 0, len(m.order))
	if _, ok := m.providers[m.primary]; ok {
		out = append(out, m.primary)
	}
	for _, name := range m.order {
		if name != m.primary {
			out = append(out, name)
		}
	}
	return out
}

// Providers returns the names of all registered providers.
func (m *Manager) Providers() []string {
	return append([]string(nil), m.order...)
}

// Configured reports whether at least one provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// FormatResults builds a human-readable numbered result list.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(r.Title)
		b.WriteString("\n   ")
		b.WriteString(r.URL)
		if r.Date != "" {
			b.WriteString(" (" + r.Date + ")")
		}
		if r.Snippet != "" {
			b.WriteString("\n   ")
			b.WriteString(r.Snippet)
		}
	}
	return b.String()
}
