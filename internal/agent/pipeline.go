package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/nugget/switchyard/internal/agentsvc"
	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/intent"
)

// Pre-filter limits.
const (
	MaxMessageChars = 2000
	HistoryLines    = 5
	HistoryChars    = 500
)

// Fallback reasons reported by pipeline stages.
const (
	ReasonDisabled        = "agents_disabled"
	ReasonNoEnabledTypes  = "no_enabled_agents"
	ReasonNoMessages      = "no_messages"
	ReasonNotUser         = "not_user_message"
	ReasonAttachment      = "has_attachment"
	ReasonMultipart       = "multipart_content"
	ReasonTooLong         = "message_too_long"
	ReasonClassifyTimeout = "intent_timeout"
	ReasonClassifyError   = "intent_error"
	ReasonNoAgent         = "no_agent_recommended"
	ReasonTypeDisabled    = "agent_type_disabled"
	ReasonLowConfidence   = "below_confidence_threshold"
	ReasonExecTimeout     = "agent_timeout"
	ReasonExecError       = "agent_error"
	ReasonEmptyResult     = "agent_empty_result"
)

// Reformulator rewrites a query using conversation context. It returns
// the original query when it cannot improve it.
type Reformulator interface {
	ReformulateQuery(ctx context.Context, messages []chat.Message, query string) string
}

// QueryOptimizer rewrites a web search query before execution. modelID
// names the model the final answer is written with.
type QueryOptimizer interface {
	OptimizeQuery(ctx context.Context, messages []chat.Message, query, modelID string) (string, error)
}

// ReformulatingOptimizer optimizes queries with the retrieval
// reformulation prompt.
type ReformulatingOptimizer struct {
	R Reformulator
}

// OptimizeQuery implements [QueryOptimizer].
func (o ReformulatingOptimizer) OptimizeQuery(ctx context.Context, messages []chat.Message, query, _ string) (string, error) {
	return o.R.ReformulateQuery(ctx, messages, query), nil
}

// RemoteOptimizer optimizes queries on the agent-support service.
type RemoteOptimizer struct {
	Svc *agentsvc.Client
}

// OptimizeQuery implements [QueryOptimizer].
func (o RemoteOptimizer) OptimizeQuery(ctx context.Context, messages []chat.Message, query, modelID string) (string, error) {
	return o.Svc.OptimizeQuery(ctx, agentsvc.OptimizeRequest{
		Messages:     messages,
		CurrentQuery: query,
		ModelID:      modelID,
	})
}

// Decision is the gated classification handed to execution.
type Decision struct {
	Agent  Type
	Intent intent.Result
}

// Pipeline holds the stages of agent routing. Each stage returns an
// [Outcome]; the caller decides how to report and sequence them.
type Pipeline struct {
	settings   Settings
	classifier intent.Classifier
	executor   Executor
	optimizer  QueryOptimizer
	logger     *slog.Logger
}

// NewPipeline creates a pipeline. optimizer may be nil.
func NewPipeline(settings Settings, classifier intent.Classifier, executor Executor, optimizer QueryOptimizer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		settings:   settings,
		classifier: classifier,
		executor:   executor,
		optimizer:  optimizer,
		logger:     logger.With("component", "agent"),
	}
}

// Settings returns the pipeline configuration.
func (p *Pipeline) Settings() Settings {
	return p.settings
}

// PreFilter decides whether a conversation is eligible for agent
// routing. On success the value is the latest message's text.
func (p *Pipeline) PreFilter(conv chat.Conversation) Outcome[string] {
	if !p.settings.Enabled {
		return Fallback[string](ReasonDisabled)
	}
	if len(p.enabledTypes()) == 0 {
		return Fallback[string](ReasonNoEnabledTypes)
	}
	last, ok := conv.LastMessage()
	if !ok {
		return Fallback[string](ReasonNoMessages)
	}
	if last.Role != chat.RoleUser {
		return Fallback[string](ReasonNotUser)
	}
	if last.HasAttachment() {
		return Fallback[string](ReasonAttachment)
	}
	if last.PartCount() > 1 {
		return Fallback[string](ReasonMultipart)
	}
	text := last.Text()
	if utf8.RuneCountInString(text) > MaxMessageChars {
		return Fallback[string](ReasonTooLong)
	}
	return Ok(text)
}

func (p *Pipeline) enabledTypes() []string {
	var out []string
	for _, t := range p.settings.EnabledTypes {
		if p.settings.TypeEnabled(t) {
			out = append(out, string(t))
		}
	}
	return out
}

// Classify asks the classifier which agent fits text, bounded by the
// intent timeout.
func (p *Pipeline) Classify(ctx context.Context, conv chat.Conversation, text, user string) Outcome[intent.Result] {
	ctx, cancel := context.WithTimeout(ctx, p.settings.IntentTimeout)
	defer cancel()

	res, err := p.classifier.Classify(ctx, intent.Request{
		Message:       text,
		History:       History(conv.Messages),
		EnabledAgents: p.enabledTypes(),
		User:          user,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.logger.Warn("intent classification timed out", "timeout", p.settings.IntentTimeout)
			return Fallback[intent.Result](ReasonClassifyTimeout)
		}
		p.logger.Warn("intent classification failed", "error", err)
		return Fallback[intent.Result](ReasonClassifyError)
	}
	return Ok(*res)
}

// Gate applies the enabled set and confidence thresholds.
func (p *Pipeline) Gate(res intent.Result) Outcome[Decision] {
	if res.RecommendedAgent == "" {
		return Fallback[Decision](ReasonNoAgent)
	}
	t := Type(res.RecommendedAgent)
	if !p.settings.TypeEnabled(t) {
		return Fallback[Decision](ReasonTypeDisabled)
	}
	if threshold := p.settings.Threshold(t); res.Confidence < threshold {
		p.logger.Debug("agent below confidence threshold",
			"agent", t,
			"confidence", res.Confidence,
			"threshold", threshold,
		)
		return Fallback[Decision](ReasonLowConfidence)
	}
	return Ok(Decision{Agent: t, Intent: res})
}

// Execute runs agent t on query from conv, bounded by the execution
// timeout. web_search queries are optimized first under the intent
// timeout; optimization failures keep the original query.
func (p *Pipeline) Execute(ctx context.Context, t Type, query string, conv chat.Conversation, user string) Outcome[*Result] {
	if t == WebSearch && p.optimizer != nil {
		query = p.optimize(ctx, conv, query)
	}

	ctx, cancel := context.WithTimeout(ctx, p.settings.ExecutionTimeout)
	defer cancel()

	res, err := p.executor.Execute(ctx, Task{
		Type:    t,
		Query:   query,
		History: History(conv.Messages),
		Model:   conv.Model,
		User:    user,
		Timeout: p.settings.ExecutionTimeout,
		Config:  p.taskConfig(t),
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.logger.Warn("agent execution timed out", "agent", t, "timeout", p.settings.ExecutionTimeout)
			return Fallback[*Result](ReasonExecTimeout)
		}
		p.logger.Warn("agent execution failed", "agent", t, "error", err)
		return Fallback[*Result](ReasonExecError)
	}
	if res.Empty() {
		return Fallback[*Result](ReasonEmptyResult)
	}
	if res.AgentType == "" {
		res.AgentType = t
	}
	return Ok(res)
}

func (p *Pipeline) optimize(ctx context.Context, conv chat.Conversation, query string) string {
	ctx, cancel := context.WithTimeout(ctx, p.settings.IntentTimeout)
	defer cancel()

	optimized, err := p.optimizer.OptimizeQuery(ctx, conv.Messages, query, conv.Model.ID)
	if err != nil {
		p.logger.Warn("query optimization failed, using original", "error", err)
		return query
	}
	if optimized = strings.TrimSpace(optimized); optimized != "" {
		return optimized
	}
	return query
}

// taskConfig is the per-agent configuration sent with remote execution.
func (p *Pipeline) taskConfig(t Type) map[string]any {
	return map[string]any{
		"enabled":             p.settings.TypeEnabled(t),
		"confidenceThreshold": p.settings.Threshold(t),
	}
}

// History formats up to HistoryLines messages preceding the latest one
// as "role: content", each content truncated to HistoryChars runes.
func History(messages []chat.Message) []string {
	if len(messages) < 2 {
		return nil
	}
	prior := messages[:len(messages)-1]
	start := max(len(prior)-HistoryLines, 0)

	out := make([]string, 0, len(prior)-start)
	for _, m := range prior[start:] {
		out = append(out, fmt.Sprintf("%s: %s", m.Role, truncateRunes(m.Text(), HistoryChars)))
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
