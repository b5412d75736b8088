// Package agentsvc is a client for the remote agent-support service:
// intent analysis, agent execution and query optimization endpoints.
package agentsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/httpkit"
)

// Endpoint paths relative to the service base URL.
const (
	PathIntentAnalysis = "/intent-analysis"
	PathAgentExecute   = "/agent/execute"
	PathOptimizeQuery  = "/optimize-query"
)

// HistoryEntry is one prior conversation line.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// HistoryEntries converts "role: content" history lines.
func HistoryEntries(lines []string) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(lines))
	for _, line := range lines {
		role, content, _ := strings.Cut(line, ": ")
		out = append(out, HistoryEntry{Role: role, Content: content})
	}
	return out
}

// IntentRequest asks the service to classify a message.
type IntentRequest struct {
	Message       string         `json:"message"`
	History       []HistoryEntry `json:"conversationHistory,omitempty"`
	EnabledAgents []string       `json:"enabledAgents,omitempty"`
	User          string         `json:"user,omitempty"`
}

// IntentResponse is the service's classification.
type IntentResponse struct {
	RecommendedAgent string  `json:"recommendedAgent"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
	AnalysisMethod   string  `json:"analysisMethod"`
}

// ModelRef identifies the model the answer will be written with.
type ModelRef struct {
	ID         string `json:"id"`
	TokenLimit int    `json:"tokenLimit"`
}

// ExecuteRequest runs a named agent.
type ExecuteRequest struct {
	AgentType string         `json:"agentType"`
	Query     string         `json:"query"`
	History   []HistoryEntry `json:"conversationHistory"`
	Model     ModelRef       `json:"model"`
	Config    map[string]any `json:"config"`
	// Timeout is the execution budget in milliseconds.
	Timeout int64  `json:"timeout"`
	User    string `json:"user,omitempty"`
}

// StructuredItem is one sourced fragment of an agent result.
type StructuredItem struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// ExecuteResponse wraps an agent's output.
type ExecuteResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    *struct {
		AgentType         string `json:"agentType"`
		Content           string `json:"content"`
		StructuredContent *struct {
			Items []StructuredItem `json:"items"`
		} `json:"structuredContent,omitempty"`
	} `json:"data,omitempty"`
}

// OptimizeRequest asks the service to rewrite a search query.
type OptimizeRequest struct {
	Messages     []chat.Message `json:"messages"`
	CurrentQuery string         `json:"currentQuery"`
	ModelID      string         `json:"modelId"`
}

type optimizeResponse struct {
	OptimizedQuery string `json:"optimizedQuery"`
}

// Client calls the agent-support service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client. Callers bound each call with their own context
// deadline; the HTTP client timeout is only a backstop.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(60 * time.Second)),
	}
}

// Configured reports whether a service URL is set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// AnalyzeIntent calls the intent-analysis endpoint.
func (c *Client) AnalyzeIntent(ctx context.Context, req IntentRequest) (*IntentResponse, error) {
	var out IntentResponse
	if err := c.post(ctx, PathIntentAnalysis, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute calls the agent/execute endpoint. Nil history and config are
// sent as empty values.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	if req.History == nil {
		req.History = []HistoryEntry{}
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}
	var out ExecuteResponse
	if err := c.post(ctx, PathAgentExecute, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OptimizeQuery calls the optimize-query endpoint.
func (c *Client) OptimizeQuery(ctx context.Context, req OptimizeRequest) (string, error) {
	if req.Messages == nil {
		req.Messages = []chat.Message{}
	}
	var out optimizeResponse
	if err := c.post(ctx, PathOptimizeQuery, req, &out); err != nil {
		return "", err
	}
	return out.OptimizedQuery, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", path, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
