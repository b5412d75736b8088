package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/orchestrator"
	"github.com/nugget/switchyard/internal/strategy"
)

// Event types sent over SSE and WebSocket.
const (
	EventStatus    = "status"
	EventToken     = "token"
	EventCitations = "citations"
	EventDone      = "done"
	EventError     = "error"
)

// writeWait bounds each streamed write.
const writeWait = 120 * time.Second

// ChatRequest is the body of POST /v1/chat and of each WebSocket
// request frame.
type ChatRequest struct {
	Conversation chat.Conversation    `json:"conversation"`
	Options      orchestrator.Options `json:"options"`
	Stream       bool                 `json:"stream"`
}

// Event is one streamed chat event.
type Event struct {
	Type      string                 `json:"type"`
	Stage     string                 `json:"stage,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Token     string                 `json:"token,omitempty"`
	Citations []chat.Citation        `json:"citations,omitempty"`
	Response  *orchestrator.Response `json:"response,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// emitFunc delivers one event to the client. Calls are serialized by
// the caller.
type emitFunc func(Event) error

func (s *Server) validateChat(req *ChatRequest) error {
	if len(req.Conversation.Messages) == 0 {
		return errors.New("conversation.messages is required")
	}
	if req.Conversation.Model.ID == "" {
		return errors.New("conversation.model.id is required")
	}
	req.Conversation.Model = s.resolveModel(req.Conversation.Model)
	return nil
}

// streamChat routes req, emitting status and token events as they
// happen and a final citations and done pair, or an error event.
// Emission stops at the first failed write.
func (s *Server) streamChat(ctx context.Context, req ChatRequest, emit emitFunc) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	send := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := emit(ev); err != nil {
			s.logger.Debug("client write failed, stopping", "error", err)
			cancel()
		}
	}

	resp, err := s.router.Route(ctx, orchestrator.Request{
		Conversation: req.Conversation,
		Options:      req.Options,
		Observer: orchestrator.ObserverFunc(func(stage, message string) {
			send(Event{Type: EventStatus, Stage: stage, Message: message})
		}),
	}, func(token string) {
		send(Event{Type: EventToken, Token: token})
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("chat routing failed", "conversation_id", req.Conversation.ID, "error", err)
			send(Event{Type: EventError, Error: err.Error()})
		}
		return
	}

	if len(resp.Citations) > 0 {
		send(Event{Type: EventCitations, Citations: resp.Citations})
	}
	send(Event{Type: EventDone, Response: resp})
}

// handleChat serves POST /v1/chat. Streaming requests receive SSE
// events; others a single JSON response.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validateChat(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Stream {
		s.handleChatSSE(w, r, req)
		return
	}

	resp, err := s.router.Route(r.Context(), orchestrator.Request{
		Conversation: req.Conversation,
		Options:      req.Options,
	}, nil)
	if err != nil {
		s.logger.Error("chat routing failed", "conversation_id", req.Conversation.ID, "error", err)
		code := http.StatusInternalServerError
		if errors.Is(err, strategy.ErrUnavailable) {
			code = http.StatusServiceUnavailable
		}
		s.errorResponse(w, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleChatSSE(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	s.streamChat(r.Context(), req, func(ev Event) error {
		if err := rc.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
		if err := writeSSEEvent(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

func writeSSEEvent(w http.ResponseWriter, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
