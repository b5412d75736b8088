package orchestrator

import (
	"maps"
	"sync"
	"time"

	"github.com/nugget/switchyard/internal/intent"
)

// Precedence rules, in evaluation order.
const (
	RuleForcedStandard = "forced_standard"
	RuleForcedAgent    = "forced_agent"
	RuleAudio          = "audio"
	RuleKnowledgeBase  = "knowledge_base"
	RuleAgentMode      = "agent_mode"
	RuleSearchMode     = "search_mode"
	RuleIntentPipeline = "intent_pipeline"
	RuleDefault        = "default"
)

// DefaultAuditSize is how many decisions are kept in memory.
const DefaultAuditSize = 1000

// Decision records why a request was routed the way it was.
type Decision struct {
	RequestID      string    `json:"request_id"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Model          string    `json:"model"`
	MessageLength  int       `json:"message_length"`

	// Decision process
	RulesEvaluated []string `json:"rules_evaluated"`
	RuleMatched    string   `json:"rule_matched"`

	// Outcome
	Strategy       string         `json:"strategy"`
	Intent         *intent.Result `json:"intent,omitempty"`
	AgentType      string         `json:"agent_type,omitempty"`
	UsedAgent      bool           `json:"used_agent"`
	FallbackReason string         `json:"fallback_reason,omitempty"`

	// Post-execution
	LatencyMs int64  `json:"latency_ms"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

func (d *Decision) evaluate(rule string) {
	d.RulesEvaluated = append(d.RulesEvaluated, rule)
}

func (d *Decision) match(rule string) {
	d.RuleMatched = rule
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests  int64            `json:"total_requests"`
	StrategyCounts map[string]int64 `json:"strategy_counts"`
	RuleCounts     map[string]int64 `json:"rule_counts"`
	FallbackCounts map[string]int64 `json:"fallback_counts"`
	AgentCounts    map[string]int64 `json:"agent_counts"`
	AvgLatencyMs   map[string]int64 `json:"avg_latency_ms"`
}

// AuditLog is a bounded in-memory ring of recent decisions.
type AuditLog struct {
	mu      sync.RWMutex
	max     int
	entries []Decision
	stats   Stats
}

// NewAuditLog keeps up to max decisions. max <= 0 uses DefaultAuditSize.
func NewAuditLog(max int) *AuditLog {
	if max <= 0 {
		max = DefaultAuditSize
	}
	return &AuditLog{
		max: max,
		stats: Stats{
			StrategyCounts: make(map[string]int64),
			RuleCounts:     make(map[string]int64),
			FallbackCounts: make(map[string]int64),
			AgentCounts:    make(map[string]int64),
			AvgLatencyMs:   make(map[string]int64),
		},
	}
}

// Record adds a decision.
func (a *AuditLog) Record(d Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Trim if over capacity
	if len(a.entries) >= a.max {
		a.entries = a.entries[1:]
	}
	a.entries = append(a.entries, d)

	a.stats.TotalRequests++
	a.stats.StrategyCounts[d.Strategy]++
	a.stats.RuleCounts[d.RuleMatched]++
	if d.FallbackReason != "" {
		a.stats.FallbackCounts[d.FallbackReason]++
	}
	if d.UsedAgent {
		a.stats.AgentCounts[d.AgentType]++
	}
	if prev, ok := a.stats.AvgLatencyMs[d.Strategy]; ok {
		a.stats.AvgLatencyMs[d.Strategy] = (prev + d.LatencyMs) / 2
	} else {
		a.stats.AvgLatencyMs[d.Strategy] = d.LatencyMs
	}
}

// Recent returns up to limit decisions, oldest first.
func (a *AuditLog) Recent(limit int) []Decision {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if limit <= 0 || limit > len(a.entries) {
		limit = len(a.entries)
	}

	start := len(a.entries) - limit
	result := make([]Decision, limit)
	copy(result, a.entries[start:])
	return result
}

// Stats returns a copy of the routing statistics.
func (a *AuditLog) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := a.stats
	out.StrategyCounts = maps.Clone(a.stats.StrategyCounts)
	out.RuleCounts = maps.Clone(a.stats.RuleCounts)
	out.FallbackCounts = maps.Clone(a.stats.FallbackCounts)
	out.AgentCounts = maps.Clone(a.stats.AgentCounts)
	out.AvgLatencyMs = maps.Clone(a.stats.AvgLatencyMs)
	return out
}

// Explain returns the decision for requestID, or nil.
func (a *AuditLog) Explain(requestID string) *Decision {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := len(a.entries) - 1; i >= 0; i-- {
		if a.entries[i].RequestID == requestID {
			d := a.entries[i]
			return &d
		}
	}
	return nil
}

