// Package intent classifies a user message into the agent best suited
// to answer it, with a confidence score the caller gates on.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/nugget/switchyard/internal/agentsvc"
	"github.com/nugget/switchyard/internal/llm"
)

// Analysis methods reported in [Result.AnalysisMethod].
const (
	MethodLLM    = "llm"
	MethodRemote = "remote"
	MethodForced = "forced"
)

// Request is the input to a classification.
type Request struct {
	Message string
	// History holds prior conversation lines, oldest first, already
	// formatted as "role: content".
	History       []string
	EnabledAgents []string
	User          string
}

// Result is a classification. RecommendedAgent is empty when no enabled
// agent fits.
type Result struct {
	RecommendedAgent string  `json:"recommendedAgent"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
	AnalysisMethod   string  `json:"analysisMethod"`
}

// Classifier recommends an agent for a message. Implementations do not
// impose their own timeout; callers bound ctx.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*Result, error)
}

// Descriptions tell the classifier model what each agent is for.
var Descriptions = map[string]string{
	"web_search":       "current events, news, prices, recent releases, or anything needing up-to-date information from the internet",
	"local_knowledge":  "questions about the organization's own documents, policies, handbooks, and internal knowledge bases",
	"url_pull":         "the message contains one or more URLs whose content must be read to answer",
	"code_interpreter": "calculations, data analysis, or tasks that require running code",
}

// normalize clamps confidence into [0,1] and clears agents that are not
// enabled. The analysis method is left as reported.
func (r *Result) normalize(enabled []string) {
	r.Confidence = max(0, min(1, r.Confidence))
	r.RecommendedAgent = strings.TrimSpace(strings.ToLower(r.RecommendedAgent))
	if !slices.Contains(enabled, r.RecommendedAgent) {
		r.RecommendedAgent = ""
	}
}

const classifyPrompt = `You route user requests to specialized agents. Pick the single best agent for the latest message, or "none" if a plain conversational answer is best.

Agents:
%s
Recent conversation:
%s
Latest message:
%s

Respond with JSON: {"recommendedAgent": "<agent or none>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

// LLMClassifier classifies with a prompted completion.
type LLMClassifier struct {
	llm    llm.Client
	model  string
	logger *slog.Logger
}

// NewLLMClassifier creates a classifier that asks model through client.
func NewLLMClassifier(client llm.Client, model string, logger *slog.Logger) *LLMClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClassifier{llm: client, model: model, logger: logger.With("component", "intent")}
}

// Classify implements [Classifier].
func (c *LLMClassifier) Classify(ctx context.Context, req Request) (*Result, error) {
	var agents strings.Builder
	for _, name := range req.EnabledAgents {
		fmt.Fprintf(&agents, "- %s: %s\n", name, Descriptions[name])
	}
	history := strings.Join(req.History, "\n")
	if history == "" {
		history = "(none)"
	}

	prompt := fmt.Sprintf(classifyPrompt, agents.String(), history, req.Message)
	resp, err := c.llm.Chat(ctx, c.model, []llm.Message{{Role: "user", Content: prompt}}, &llm.Options{
		Temperature: new(float64),
		Schema: &llm.ResponseSchema{
			Name: "intent",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"recommendedAgent": map[string]any{"type": "string", "enum": append(slices.Clone(req.EnabledAgents), "none")},
					"confidence":       map[string]any{"type": "number"},
					"reasoning":        map[string]any{"type": "string"},
				},
				"required":             []string{"recommendedAgent", "confidence", "reasoning"},
				"additionalProperties": false,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	res, err := ParseResult(resp.Message.Content)
	if err != nil {
		return nil, err
	}
	res.AnalysisMethod = MethodLLM
	res.normalize(req.EnabledAgents)
	c.logger.Debug("intent classified",
		"agent", res.RecommendedAgent,
		"confidence", res.Confidence,
		"reasoning", res.Reasoning,
	)
	return res, nil
}

// ParseResult extracts a classification from model output, tolerating
// code fences and prose around the JSON object.
func ParseResult(content string) (*Result, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in classifier output: %q", truncate(content, 120))
	}

	var raw struct {
		RecommendedAgent string          `json:"recommendedAgent"`
		Confidence       json.RawMessage `json:"confidence"`
		Reasoning        string          `json:"reasoning"`
		AnalysisMethod   string          `json:"analysisMethod"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("parse classifier output: %w", err)
	}

	res := &Result{
		RecommendedAgent: raw.RecommendedAgent,
		Reasoning:        raw.Reasoning,
		AnalysisMethod:   raw.AnalysisMethod,
	}
	// Some models quote numbers.
	conf := strings.Trim(string(raw.Confidence), `"`)
	if conf != "" {
		if _, err := fmt.Sscan(conf, &res.Confidence); err != nil {
			return nil, fmt.Errorf("parse confidence %q: %w", conf, err)
		}
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// RemoteClassifier delegates classification to the agent-support
// service's intent-analysis endpoint.
type RemoteClassifier struct {
	svc *agentsvc.Client
}

// NewRemoteClassifier creates a classifier backed by svc.
func NewRemoteClassifier(svc *agentsvc.Client) *RemoteClassifier {
	return &RemoteClassifier{svc: svc}
}

// Classify implements [Classifier].
func (c *RemoteClassifier) Classify(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.svc.AnalyzeIntent(ctx, agentsvc.IntentRequest{
		Message:       req.Message,
		History:       agentsvc.HistoryEntries(req.History),
		EnabledAgents: req.EnabledAgents,
		User:          req.User,
	})
	if err != nil {
		return nil, fmt.Errorf("remote classify: %w", err)
	}

	res := &Result{
		RecommendedAgent: resp.RecommendedAgent,
		Confidence:       resp.Confidence,
		Reasoning:        resp.Reasoning,
		AnalysisMethod:   resp.AnalysisMethod,
	}
	if res.AnalysisMethod == "" {
		res.AnalysisMethod = MethodRemote
	}
	res.normalize(req.EnabledAgents)
	return res, nil
}
