package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum request frame size allowed from peer.
	maxFrameSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleChatWS serves GET /v1/chat/ws. The client sends ChatRequest
// frames; each is answered with status, token, citations and done (or
// error) frames. Requests on one connection run one at a time. Closing
// the connection cancels the request in flight.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	requests := make(chan ChatRequest)
	go s.readChatFrames(ctx, cancel, conn, requests)

	// Pings and event frames share the connection writer.
	var wmu sync.Mutex
	write := func(messageType int, v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if messageType == websocket.PingMessage {
			return conn.WriteMessage(websocket.PingMessage, nil)
		}
		return conn.WriteJSON(v)
	}
	emit := func(ev Event) error {
		return write(websocket.TextMessage, ev)
	}
	go s.pingLoop(ctx, cancel, write)

	for req := range requests {
		if err := s.validateChat(&req); err != nil {
			if emit(Event{Type: EventError, Error: err.Error()}) != nil {
				return
			}
			continue
		}
		s.streamChat(ctx, req, emit)
	}
}

// pingLoop keeps the peer's pongs flowing while requests run.
func (s *Server) pingLoop(ctx context.Context, cancel context.CancelFunc, write func(int, any) error) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				cancel()
				return
			}
		}
	}
}

// readChatFrames decodes request frames until the peer goes away, then
// cancels the connection context.
func (s *Server) readChatFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- ChatRequest) {
	defer cancel()
	defer close(out)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		// A request frame counts as liveness too.
		conn.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case out <- req:
		case <-ctx.Done():
			return
		}
	}
}
