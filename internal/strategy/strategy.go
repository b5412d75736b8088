// Package strategy implements the backend completion strategies a
// routed request ends in: standard, rag, agent, audio and tool-aware.
// Each strategy runs in-process or on a remote strategy service.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/nugget/switchyard/internal/chat"
)

// Name identifies a backend strategy endpoint.
type Name string

const (
	Standard  Name = "standard"
	RAG       Name = "rag"
	Agent     Name = "agent"
	Audio     Name = "audio"
	ToolAware Name = "tool-aware"
)

// Names lists every strategy.
var Names = []Name{Standard, RAG, Agent, Audio, ToolAware}

// ErrUnavailable is returned when no endpoint can serve a strategy.
var ErrUnavailable = errors.New("strategy unavailable")

// AudioExtensions are the file extensions routed to transcription.
var AudioExtensions = []string{".mp3", ".mp4", ".mpeg", ".mpga", ".m4a", ".wav", ".webm"}

// IsAudio reports whether ref names an audio or video file.
func IsAudio(ref chat.FileRef) bool {
	return slices.Contains(AudioExtensions, ref.Extension())
}

// AudioRefs returns the audio and video file references in m, in part
// order.
func AudioRefs(m chat.Message) []chat.FileRef {
	var refs []chat.FileRef
	for _, ref := range m.FileRefs() {
		if IsAudio(ref) {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Request is the payload every strategy endpoint accepts.
type Request struct {
	Strategy        Name             `json:"-"`
	Model           chat.ModelConfig `json:"model"`
	Messages        []chat.Message   `json:"messages"`
	Prompt          string           `json:"prompt,omitempty"`
	Temperature     float64          `json:"temperature,omitempty"`
	BotID           string           `json:"botId,omitempty"`
	ThreadID        string           `json:"threadId,omitempty"`
	ReasoningEffort string           `json:"reasoningEffort,omitempty"`
	Verbosity       string           `json:"verbosity,omitempty"`
	User            string           `json:"user,omitempty"`
	// PreferPrivacy asks backends to avoid the agent-hosting service.
	PreferPrivacy bool `json:"preferPrivacy,omitempty"`
	// ForceWebSearch skips the tool-routing model call.
	ForceWebSearch bool `json:"forceWebSearch,omitempty"`
}

// FromConversation builds a request for strategy n from conv.
func FromConversation(n Name, conv chat.Conversation, user string) Request {
	return Request{
		Strategy:        n,
		Model:           conv.Model,
		Messages:        conv.Messages,
		Prompt:          conv.Prompt,
		Temperature:     conv.Temperature,
		BotID:           conv.BotID,
		ThreadID:        conv.ThreadID,
		ReasoningEffort: conv.ReasoningEffort,
		Verbosity:       conv.Verbosity,
		User:            user,
	}
}

// Completion is the final answer of a strategy call. When streaming,
// Text repeats what was passed to the token callback.
type Completion struct {
	Text      string          `json:"text"`
	Citations []chat.Citation `json:"citations,omitempty"`
	Model     string          `json:"model,omitempty"`
}

// TokenFunc receives streamed text in arrival order.
type TokenFunc func(text string)

// Endpoint completes requests for one or more strategies.
type Endpoint interface {
	Complete(ctx context.Context, req Request, onToken TokenFunc) (*Completion, error)
}

// Mux dispatches requests to per-strategy endpoints.
type Mux struct {
	routes   map[Name]Endpoint
	fallback Endpoint
}

// NewMux creates a mux that sends unrouted strategies to fallback,
// which may be nil.
func NewMux(fallback Endpoint) *Mux {
	return &Mux{routes: make(map[Name]Endpoint), fallback: fallback}
}

// Handle routes strategy n to e.
func (m *Mux) Handle(n Name, e Endpoint) {
	m.routes[n] = e
}

// Complete implements [Endpoint].
func (m *Mux) Complete(ctx context.Context, req Request, onToken TokenFunc) (*Completion, error) {
	e, ok := m.routes[req.Strategy]
	if !ok {
		e = m.fallback
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, req.Strategy)
	}
	return e.Complete(ctx, req, onToken)
}

func emit(onToken TokenFunc, text string) {
	if onToken != nil && text != "" {
		onToken(text)
	}
}
