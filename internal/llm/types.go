// Package llm provides clients for the hosted completion capability.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseSchema constrains the model's output to a JSON schema.
// Providers translate it into their structured-output mechanism.
type ResponseSchema struct {
	Name   string
	Schema map[string]any
	Strict bool
}

// Options are per-request generation parameters. A nil *Options means
// provider defaults.
type Options struct {
	Temperature *float64
	MaxTokens   int
	Schema      *ResponseSchema
}

// Temperature returns an Options pointer with only temperature set.
func Temperature(t float64) *Options {
	return &Options{Temperature: &t}
}

// ChatResponse is the unified response from any LLM provider.
// Wire format conversion happens at provider boundaries.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

// StreamCallback receives incremental text tokens.
type StreamCallback func(token string)
