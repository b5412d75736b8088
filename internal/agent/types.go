// Package agent runs the confidence-gated agent pipeline: pre-filter a
// message, classify its intent, execute the recommended agent and build
// the synthesis conversation that turns the agent's output into an answer.
package agent

import (
	"slices"
	"time"

	"github.com/nugget/switchyard/internal/config"
)

// Type names an autonomous agent workflow.
type Type string

const (
	WebSearch       Type = "web_search"
	LocalKnowledge  Type = "local_knowledge"
	URLPull         Type = "url_pull"
	CodeInterpreter Type = "code_interpreter"
)

// AllTypes lists every agent type in display order.
var AllTypes = []Type{WebSearch, LocalKnowledge, URLPull, CodeInterpreter}

// DisplayName is the human name used in status messages.
func (t Type) DisplayName() string {
	switch t {
	case WebSearch:
		return "web search"
	case LocalKnowledge:
		return "local knowledge"
	case URLPull:
		return "URL pull"
	case CodeInterpreter:
		return "code interpreter"
	default:
		return string(t)
	}
}

// Item is one sourced fragment of an agent result.
type Item struct {
	Source  string `json:"source"`
	Content string `json:"content"`
}

// Result is an agent's normalized output. It is consumed once to build
// the synthesis prompt.
type Result struct {
	AgentType Type   `json:"agentType"`
	Content   string `json:"content"`
	Items     []Item `json:"items,omitempty"`
}

// Empty reports whether the result carries nothing to synthesize from.
func (r *Result) Empty() bool {
	return r == nil || (r.Content == "" && len(r.Items) == 0)
}

// TypeSettings overrides global settings for one agent type.
type TypeSettings struct {
	Enabled bool
	// Threshold, when non-nil, replaces the global confidence threshold.
	Threshold *float64
}

// Settings control the pipeline.
type Settings struct {
	Enabled             bool
	EnabledTypes        []Type
	ConfidenceThreshold float64
	IntentTimeout       time.Duration
	ExecutionTimeout    time.Duration
	PerType             map[Type]TypeSettings
}

// SettingsFromConfig converts the agents section of the config file.
func SettingsFromConfig(c config.AgentsConfig) Settings {
	s := Settings{
		Enabled:             c.Enabled,
		ConfidenceThreshold: c.ConfidenceThreshold,
		IntentTimeout:       c.IntentTimeout(),
		ExecutionTimeout:    c.ExecutionTimeout(),
		PerType:             make(map[Type]TypeSettings, len(c.PerType)),
	}
	for _, name := range c.EnabledTypes {
		s.EnabledTypes = append(s.EnabledTypes, Type(name))
	}
	for name, tc := range c.PerType {
		s.PerType[Type(name)] = TypeSettings{Enabled: tc.Enabled, Threshold: tc.ConfidenceThreshold}
	}
	return s
}

// TypeEnabled reports whether t is in the enabled set and not disabled
// by its per-type settings.
func (s Settings) TypeEnabled(t Type) bool {
	if !slices.Contains(s.EnabledTypes, t) {
		return false
	}
	if ts, ok := s.PerType[t]; ok && !ts.Enabled {
		return false
	}
	return true
}

// Threshold returns the confidence threshold that applies to t.
func (s Settings) Threshold(t Type) float64 {
	if ts, ok := s.PerType[t]; ok && ts.Threshold != nil {
		return *ts.Threshold
	}
	return s.ConfidenceThreshold
}

// Outcome is the explicit result of an optional pipeline stage: either a
// value or the reason the caller should fall back to the default path.
type Outcome[T any] struct {
	Value  T
	Reason string
	ok     bool
}

// Ok wraps a successful stage value.
func Ok[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v, ok: true}
}

// Fallback records why a stage produced no usable value.
func Fallback[T any](reason string) Outcome[T] {
	return Outcome[T]{Reason: reason}
}

// OK reports whether the stage succeeded.
func (o Outcome[T]) OK() bool { return o.ok }
