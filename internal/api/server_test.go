package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/connwatch"
	"github.com/nugget/switchyard/internal/orchestrator"
	"github.com/nugget/switchyard/internal/retrieval"
	"github.com/nugget/switchyard/internal/strategy"
	"github.com/nugget/switchyard/internal/toolrouter"
	"github.com/nugget/switchyard/internal/usage"
)

type fakeRouter struct {
	err      error
	lastConv chat.Conversation
}

func (f *fakeRouter) Route(_ context.Context, req orchestrator.Request, onToken strategy.TokenFunc) (*orchestrator.Response, error) {
	f.lastConv = req.Conversation
	if req.Observer != nil {
		req.Observer.OnStatus(orchestrator.StageRouting, "Checking whether a web search is needed...")
	}
	if f.err != nil {
		return nil, f.err
	}
	for _, tok := range []string{"Sunny ", "[1]."} {
		if onToken != nil {
			onToken(tok)
		}
	}
	return &orchestrator.Response{
		RequestID: "req-1",
		Strategy:  strategy.ToolAware,
		Content:   "Sunny [1].",
		Citations: []chat.Citation{{Number: 1, URL: "https://weather.example", Title: "Weather"}},
		Model:     req.Conversation.Model.ID,
	}, nil
}

func newTestServer(t *testing.T, rtr Router) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("", 0, rtr, nil)
	s.SetModels([]chat.ModelConfig{
		{ID: "qwen3:4b-search", Name: "qwen3:4b", SearchModeEnabled: true},
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

const chatBody = `{"conversation":{"id":"c1","model":{"id":"qwen3:4b-search"},"messages":[{"role":"user","content":"weather?"}]},"stream":%s}`

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readSSE(t *testing.T, resp *http.Response) []Event {
	t.Helper()
	var events []Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("bad event %q: %v", data, err)
		}
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestHandleChat_JSON(t *testing.T) {
	rtr := &fakeRouter{}
	_, ts := newTestServer(t, rtr)

	resp := post(t, ts.URL+"/v1/chat", strings.Replace(chatBody, "%s", "false", 1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got orchestrator.Response
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Strategy != strategy.ToolAware || got.Content != "Sunny [1]." || len(got.Citations) != 1 {
		t.Errorf("response = %+v", got)
	}
	if !rtr.lastConv.Model.SearchModeEnabled || rtr.lastConv.Model.Name != "qwen3:4b" {
		t.Errorf("model not resolved from catalog: %+v", rtr.lastConv.Model)
	}
}

func TestHandleChat_SSE(t *testing.T) {
	_, ts := newTestServer(t, &fakeRouter{})

	resp := post(t, ts.URL+"/v1/chat", strings.Replace(chatBody, "%s", "true", 1))
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	events := readSSE(t, resp)

	want := []string{EventStatus, EventToken, EventToken, EventCitations, EventDone}
	if got := eventTypes(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if events[0].Stage != orchestrator.StageRouting {
		t.Errorf("status stage = %q", events[0].Stage)
	}
	if events[1].Token+events[2].Token != "Sunny [1]." {
		t.Errorf("tokens = %q %q", events[1].Token, events[2].Token)
	}
	if events[4].Response == nil || events[4].Response.RequestID != "req-1" {
		t.Errorf("done = %+v", events[4])
	}
}

func TestHandleChat_SSEError(t *testing.T) {
	_, ts := newTestServer(t, &fakeRouter{err: strategy.ErrUnavailable})

	events := readSSE(t, post(t, ts.URL+"/v1/chat", strings.Replace(chatBody, "%s", "true", 1)))
	if got := eventTypes(events); !reflect.DeepEqual(got, []string{EventStatus, EventError}) {
		t.Fatalf("events = %v", got)
	}
}

func TestHandleChat_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{name: "invalid json", body: `{`, want: http.StatusBadRequest},
		{name: "no messages", body: `{"conversation":{"model":{"id":"m"}}}`, want: http.StatusBadRequest},
		{name: "no model", body: `{"conversation":{"messages":[{"role":"user","content":"x"}]}}`, want: http.StatusBadRequest},
		{name: "unavailable", err: strategy.ErrUnavailable, body: strings.Replace(chatBody, "%s", "false", 1), want: http.StatusServiceUnavailable},
		{name: "failure", err: errors.New("boom"), body: strings.Replace(chatBody, "%s", "false", 1), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestServer(t, &fakeRouter{err: tt.err})
			if resp := post(t, ts.URL+"/v1/chat", tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestChatWebSocket(t *testing.T) {
	_, ts := newTestServer(t, &fakeRouter{})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/chat/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for round := range 2 {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(strings.Replace(chatBody, "%s", "true", 1))); err != nil {
			t.Fatalf("write: %v", err)
		}
		var types []string
		for {
			var ev Event
			if err := conn.ReadJSON(&ev); err != nil {
				t.Fatalf("round %d read: %v", round, err)
			}
			types = append(types, ev.Type)
			if ev.Type == EventDone || ev.Type == EventError {
				break
			}
		}
		want := []string{EventStatus, EventToken, EventToken, EventCitations, EventDone}
		if !reflect.DeepEqual(types, want) {
			t.Errorf("round %d frames = %v, want %v", round, types, want)
		}
	}

	if err := conn.WriteJSON(ChatRequest{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != EventError {
		t.Errorf("invalid request frame = %+v, %v", ev, err)
	}
}

type fakeRetriever struct{}

func (fakeRetriever) PerformSearch(_ context.Context, messages []chat.Message, kbID, _ string) (*retrieval.Result, error) {
	if kbID != "handbook" {
		return nil, retrieval.ErrNotFound
	}
	if _, ok := chat.LastUserMessage(messages); !ok {
		return nil, retrieval.ErrNoUserMessage
	}
	return &retrieval.Result{Query: "leave policy"}, nil
}

func TestKnowledgeSearch(t *testing.T) {
	s, ts := newTestServer(t, &fakeRouter{})
	s.SetRetriever(fakeRetriever{})

	tests := []struct {
		name string
		kb   string
		body string
		want int
	}{
		{name: "ok", kb: "handbook", body: `{"messages":[{"role":"user","content":"leave?"}]}`, want: http.StatusOK},
		{name: "unknown kb", kb: "nope", body: `{"messages":[{"role":"user","content":"leave?"}]}`, want: http.StatusNotFound},
		{name: "no user message", kb: "handbook", body: `{"messages":[{"role":"assistant","content":"hi"}]}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := post(t, ts.URL+"/v1/knowledge/"+tt.kb+"/search", tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

type fakeTools struct{ got toolrouter.Request }

func (f *fakeTools) DetermineTool(_ context.Context, req toolrouter.Request) toolrouter.Result {
	f.got = req
	return toolrouter.Result{Tools: []string{toolrouter.ToolWebSearch}, SearchQuery: "rain berlin"}
}

func TestToolRoute(t *testing.T) {
	s, ts := newTestServer(t, &fakeRouter{})
	tools := &fakeTools{}
	s.SetToolRouter(tools)

	resp := post(t, ts.URL+"/v1/tools/route", `{"messages":[{"role":"user","content":"will it rain in berlin?"}]}`)
	var got toolrouter.Result
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.NeedsWebSearch() || got.SearchQuery != "rain berlin" {
		t.Errorf("result = %+v", got)
	}
	if tools.got.CurrentMessage != "will it rain in berlin?" {
		t.Errorf("CurrentMessage = %q", tools.got.CurrentMessage)
	}
}

type fakeDecisions struct{ limit int }

func (f *fakeDecisions) Recent(_ context.Context, limit int) ([]usage.Record, error) {
	f.limit = limit
	return []usage.Record{{RequestID: "a", Strategy: "standard"}}, nil
}

func TestRoutingEndpoints(t *testing.T) {
	s, ts := newTestServer(t, &fakeRouter{})
	store := &fakeDecisions{}
	s.SetDecisionStore(store)
	audit := orchestrator.NewAuditLog(10)
	audit.Record(orchestrator.Decision{RequestID: "r1", Strategy: "rag", RuleMatched: orchestrator.RuleKnowledgeBase})
	s.SetAuditLog(audit)

	resp, err := http.Get(ts.URL + "/v1/routing/decisions?limit=7")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || store.limit != 7 {
		t.Errorf("decisions: status %d limit %d", resp.StatusCode, store.limit)
	}

	resp, err = http.Get(ts.URL + "/v1/routing/explain/r1")
	if err != nil {
		t.Fatal(err)
	}
	var d orchestrator.Decision
	json.NewDecoder(resp.Body).Decode(&d)
	resp.Body.Close()
	if d.RuleMatched != orchestrator.RuleKnowledgeBase {
		t.Errorf("explain = %+v", d)
	}

	resp, err = http.Get(ts.URL + "/v1/routing/explain/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing explain status = %d", resp.StatusCode)
	}
}

func TestRoutingEndpoints_Unconfigured(t *testing.T) {
	_, ts := newTestServer(t, &fakeRouter{})
	for _, path := range []string{"/v1/routing/decisions", "/v1/routing/stats", "/v1/routing/audit"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestChatCompletions_Stream(t *testing.T) {
	_, ts := newTestServer(t, &fakeRouter{})

	resp := post(t, ts.URL+"/v1/chat/completions", `{"model":"qwen3:4b-search","stream":true,"messages":[{"role":"user","content":"weather?"}]}`)
	var content strings.Builder
	var done bool
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			done = true
			continue
		}
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
	}
	if content.String() != "Sunny [1]." || !done {
		t.Errorf("content = %q done = %v", content.String(), done)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, &fakeRouter{})
	for _, path := range []string{"/health", "/metrics", "/v1/version", "/", "/v1/models"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

type fakeHealth struct{ services []connwatch.ServiceStatus }

func (f fakeHealth) Status() []connwatch.ServiceStatus { return f.services }

func (f fakeHealth) Healthy() bool {
	for _, s := range f.services {
		if !s.Ready {
			return false
		}
	}
	return true
}

func TestHealth_ProviderStatus(t *testing.T) {
	tests := []struct {
		name     string
		services []connwatch.ServiceStatus
		want     string
	}{
		{"all ready", []connwatch.ServiceStatus{{Name: "ollama", Ready: true}}, "healthy"},
		{
			"one down",
			[]connwatch.ServiceStatus{{Name: "ollama", Ready: true}, {Name: "openai", LastError: "refused", Failures: 2}},
			"degraded",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, ts := newTestServer(t, &fakeRouter{})
			srv.SetHealth(fakeHealth{services: tt.services})

			resp, err := http.Get(ts.URL + "/health")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d", resp.StatusCode)
			}
			var body struct {
				Status   string                    `json:"status"`
				Services []connwatch.ServiceStatus `json:"services"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Status != tt.want {
				t.Errorf("status = %q, want %q", body.Status, tt.want)
			}
			if len(body.Services) != len(tt.services) {
				t.Errorf("services = %+v", body.Services)
			}
		})
	}
}
