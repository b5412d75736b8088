package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/orchestrator"
)

// ChatCompletionRequest is the OpenAI-compatible request format.
type ChatCompletionRequest struct {
	Model    string         `json:"model"`
	Messages []chat.Message `json:"messages"`
	Stream   bool           `json:"stream,omitempty"`
	User     string         `json:"user,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible response format.
type ChatCompletionResponse struct {
	ID        string          `json:"id"`
	Object    string          `json:"object"`
	Created   int64           `json:"created"`
	Model     string          `json:"model"`
	Choices   []Choice        `json:"choices"`
	Citations []chat.Citation `json:"citations,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int           `json:"index"`
	Message      CompletionMsg `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// CompletionMsg is an assistant message in a completion response.
type CompletionMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is the SSE format for streaming responses.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// StreamChoice represents a streaming choice with delta content.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamDelta represents incremental content.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	data := make([]map[string]any, 0, len(s.models))
	for _, m := range s.models {
		data = append(data, map[string]any{
			"id":       m.ID,
			"object":   "model",
			"owned_by": "switchyard",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"object": "list",
		"data":   data,
	}, s.logger)
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// handleChatCompletions routes an OpenAI-style request through the
// orchestrator, so plain OpenAI clients get the same routing.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cr := ChatRequest{
		Conversation: chat.Conversation{
			Messages: req.Messages,
			Model:    chat.ModelConfig{ID: req.Model},
		},
		Options: orchestrator.Options{User: req.User},
	}
	if err := s.validateChat(&cr); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Stream {
		s.handleStreamingCompletion(w, r, cr)
		return
	}

	resp, err := s.router.Route(r.Context(), orchestrator.Request{
		Conversation: cr.Conversation,
		Options:      cr.Options,
	}, nil)
	if err != nil {
		s.logger.Error("completion routing failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "routing error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []Choice{{
			Message:      CompletionMsg{Role: "assistant", Content: resp.Content},
			FinishReason: "stop",
		}},
		Citations: resp.Citations,
	}, s.logger)
}

func (s *Server) handleStreamingCompletion(w http.ResponseWriter, r *http.Request, cr ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	id := completionID()
	created := time.Now().Unix()
	model := cr.Conversation.Model.ID

	var mu sync.Mutex
	chunk := func(delta StreamDelta, finish *string) {
		mu.Lock()
		defer mu.Unlock()
		s.writeSSE(w, StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []StreamChoice{{Delta: delta, FinishReason: finish}},
		})
		flusher.Flush()
	}

	chunk(StreamDelta{Role: "assistant"}, nil)

	_, err := s.router.Route(r.Context(), orchestrator.Request{
		Conversation: cr.Conversation,
		Options:      cr.Options,
		// Status changes become SSE comments so idle stretches keep
		// the connection alive.
		Observer: orchestrator.ObserverFunc(func(stage, _ string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(w, ": %s\n\n", stage)
			flusher.Flush()
		}),
	}, func(token string) {
		chunk(StreamDelta{Content: token}, nil)
	})
	if err != nil {
		s.logger.Error("completion routing failed", "error", err)
		// Can't change status code after streaming started, just close
		return
	}

	stop := "stop"
	chunk(StreamDelta{}, &stop)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, chunk StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE chunk", "error", err)
	}
}
