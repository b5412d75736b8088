package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/switchyard/internal/attach"
	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/llm"
	"github.com/nugget/switchyard/internal/search"
	"github.com/nugget/switchyard/internal/toolrouter"
)

type streamLLM struct {
	tokens []string
	err    error
	got    []llm.Message
}

func (s *streamLLM) Chat(ctx context.Context, model string, msgs []llm.Message, opts *llm.Options) (*llm.ChatResponse, error) {
	return s.ChatStream(ctx, model, msgs, opts, nil)
}

func (s *streamLLM) ChatStream(_ context.Context, model string, msgs []llm.Message, _ *llm.Options, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	s.got = msgs
	if s.err != nil {
		return nil, s.err
	}
	for _, tok := range s.tokens {
		if cb != nil {
			cb(tok)
		}
	}
	return &llm.ChatResponse{Model: model, Message: llm.Message{Role: "assistant", Content: strings.Join(s.tokens, "")}, Done: true}, nil
}

func (s *streamLLM) Ping(context.Context) error { return nil }

type fixedRouter struct{ res toolrouter.Result }

func (f fixedRouter) DetermineTool(context.Context, toolrouter.Request) toolrouter.Result { return f.res }

type fixedSearch struct {
	results []search.Result
	query   string
}

func (f *fixedSearch) Search(_ context.Context, q string, _ search.Options) ([]search.Result, error) {
	f.query = q
	return f.results, nil
}

func userMsg(s string) chat.Message {
	return chat.Message{Role: chat.RoleUser, Content: chat.Text(s)}
}

func collect() (TokenFunc, *strings.Builder) {
	var b strings.Builder
	return func(s string) { b.WriteString(s) }, &b
}

func TestIsAudio(t *testing.T) {
	tests := []struct {
		ref  chat.FileRef
		want bool
	}{
		{chat.FileRef{URL: "https://f/a.MP3"}, true},
		{chat.FileRef{URL: "https://f/upload?id=1", Name: "memo.m4a"}, true},
		{chat.FileRef{URL: "https://f/clip.webm?sig=x"}, true},
		{chat.FileRef{URL: "https://f/report.pdf"}, false},
		{chat.FileRef{URL: "https://f/noext"}, false},
	}
	for _, tt := range tests {
		if got := IsAudio(tt.ref); got != tt.want {
			t.Errorf("IsAudio(%+v) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestMux(t *testing.T) {
	local := &Local{LLM: &streamLLM{tokens: []string{"local"}}}
	remote := &Local{LLM: &streamLLM{tokens: []string{"remote"}}}

	m := NewMux(local)
	m.Handle(RAG, remote)

	out, err := m.Complete(context.Background(), Request{Strategy: Standard}, nil)
	if err != nil || out.Text != "local" {
		t.Errorf("standard = %+v, %v", out, err)
	}
	if _, err := m.Complete(context.Background(), Request{Strategy: Agent}, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("agent err = %v, want ErrUnavailable", err)
	}
	if _, err := NewMux(nil).Complete(context.Background(), Request{Strategy: Standard}, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("empty mux err = %v", err)
	}
}

func TestLocal_Standard(t *testing.T) {
	fake := &streamLLM{tokens: []string{"Hel", "lo"}}
	l := &Local{LLM: fake, DefaultModel: "m", SystemPrompt: "be brief"}
	onToken, got := collect()

	out, err := l.Complete(context.Background(), Request{Strategy: Standard, Messages: []chat.Message{userMsg("hi")}}, onToken)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.String() != "Hello" || out.Text != "Hello" || out.Model != "m" {
		t.Errorf("streamed %q, completion %+v", got.String(), out)
	}
	if len(fake.got) != 2 || fake.got[0].Role != "system" || fake.got[0].Content != "be brief" {
		t.Errorf("messages = %+v", fake.got)
	}
}

func TestLocal_ToolAwareCitations(t *testing.T) {
	fake := &streamLLM{tokens: []string{"Rain today [", "1][2]. Also [3", "]."}}
	srch := &fixedSearch{results: []search.Result{
		{Title: "Weather", URL: "https://w.example", Snippet: "rain", Date: "2025-05-01"},
		{Title: "Weather again", URL: "https://w.example"},
		{Title: "Radar", URL: "https://r.example"},
	}}
	l := &Local{
		LLM:    fake,
		Router: fixedRouter{res: toolrouter.Result{Tools: []string{toolrouter.ToolWebSearch}, SearchQuery: "weather today"}},
		Search: srch,
	}
	onToken, got := collect()

	out, err := l.Complete(context.Background(), Request{Strategy: ToolAware, Messages: []chat.Message{userMsg("weather?")}}, onToken)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if srch.query != "weather today" {
		t.Errorf("search query = %q", srch.query)
	}
	if got.String() != "Rain today [1][2]. Also [3]." {
		t.Errorf("streamed = %q", got.String())
	}
	if len(out.Citations) != 2 || out.Citations[0].Number != 1 || out.Citations[1].Number != 3 {
		t.Errorf("citations = %+v, want deduped [1 3]", out.Citations)
	}
	if !strings.Contains(fake.got[0].Content, "[1] Weather (https://w.example) 2025-05-01") {
		t.Errorf("system prompt missing sources:\n%s", fake.got[0].Content)
	}
}

func TestLocal_ToolAwareWithoutSearch(t *testing.T) {
	fake := &streamLLM{tokens: []string{"Hi"}}
	srch := &fixedSearch{}
	l := &Local{LLM: fake, Router: fixedRouter{res: toolrouter.Result{Tools: []string{}}}, Search: srch}

	out, err := l.Complete(context.Background(), Request{Strategy: ToolAware, Messages: []chat.Message{userMsg("hello")}}, nil)
	if err != nil || out.Text != "Hi" || len(out.Citations) != 0 {
		t.Errorf("Complete = %+v, %v", out, err)
	}
	if srch.query != "" {
		t.Error("search should not run")
	}
}

func TestLocal_AgentUnavailable(t *testing.T) {
	l := &Local{LLM: &streamLLM{}}
	if _, err := l.Complete(context.Background(), Request{Strategy: Agent}, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

type fakeDownloader struct{}

func (fakeDownloader) DownloadAll(_ context.Context, refs []chat.FileRef) ([]attach.File, error) {
	files := make([]attach.File, len(refs))
	for i, r := range refs {
		files[i] = attach.File{Ref: r, Data: []byte(r.Name)}
	}
	return files, nil
}

type slowTranscriber struct{ delays map[string]time.Duration }

func (s slowTranscriber) Transcribe(ctx context.Context, f attach.File) (string, error) {
	select {
	case <-time.After(s.delays[f.Ref.Name]):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "text of " + f.Ref.Name, nil
}

func TestLocal_AudioKeepsAttachmentOrder(t *testing.T) {
	l := &Local{
		Downloader: fakeDownloader{},
		Transcriber: slowTranscriber{delays: map[string]time.Duration{
			"a.mp3": 60 * time.Millisecond, "b.wav": 30 * time.Millisecond, "c.m4a": 0,
		}},
	}
	msg := chat.Message{Role: chat.RoleUser, Content: chat.Parts(
		chat.ContentPart{Type: chat.PartText, Text: "transcribe"},
		chat.ContentPart{Type: chat.PartFile, FileURL: &chat.FileRef{URL: "https://f/1", Name: "a.mp3"}},
		chat.ContentPart{Type: chat.PartFile, FileURL: &chat.FileRef{URL: "https://f/2", Name: "notes.pdf"}},
		chat.ContentPart{Type: chat.PartFile, FileURL: &chat.FileRef{URL: "https://f/3", Name: "b.wav"}},
		chat.ContentPart{Type: chat.PartFile, FileURL: &chat.FileRef{URL: "https://f/4", Name: "c.m4a"}},
	)}

	out, err := l.Complete(context.Background(), Request{Strategy: Audio, Messages: []chat.Message{msg}}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	ia := strings.Index(out.Text, "text of a.mp3")
	ib := strings.Index(out.Text, "text of b.wav")
	ic := strings.Index(out.Text, "text of c.m4a")
	if ia < 0 || ib < ia || ic < ib {
		t.Errorf("transcripts out of order:\n%s", out.Text)
	}
	if strings.Contains(out.Text, "notes.pdf") {
		t.Error("non-audio attachment transcribed")
	}
}

func TestRemote_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tool-aware" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["preferPrivacy"] != true || body["stream"] != false {
			t.Errorf("body = %v", body)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprint(w, `{"text":"answer [1]","citations":[{"number":1,"url":"https://a","title":"A","date":"2025-01-01"}]}`)
	}))
	defer srv.Close()

	out, err := NewRemote(srv.URL, "", nil).Complete(context.Background(), Request{Strategy: ToolAware, PreferPrivacy: true}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "answer [1]" || len(out.Citations) != 1 || out.Citations[0].URL != "https://a" {
		t.Errorf("completion = %+v", out)
	}
}

func TestRemote_StreamSplitsRunesSafely(t *testing.T) {
	payload := []byte("Grüße aus München")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		flusher := w.(http.Flusher)
		// Split inside the two-byte "ü".
		cut := strings.Index(string(payload), "ü") + 1
		w.Write(payload[:cut])
		flusher.Flush()
		time.Sleep(10 * time.Millisecond)
		w.Write(payload[cut:])
	}))
	defer srv.Close()

	var chunks []string
	out, err := NewRemote(srv.URL, "k", nil).Complete(context.Background(), Request{Strategy: Standard}, func(s string) {
		chunks = append(chunks, s)
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != string(payload) {
		t.Errorf("Text = %q", out.Text)
	}
	for _, c := range chunks {
		if !strings.HasPrefix(string(payload), c) && !strings.Contains(string(payload), c) {
			t.Errorf("chunk %q is not a valid substring", c)
		}
	}
}

func TestRemote_Unconfigured(t *testing.T) {
	if _, err := NewRemote("", "", nil).Complete(context.Background(), Request{Strategy: Agent}, nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestCompletePrefix(t *testing.T) {
	u := []byte("ü")
	tests := []struct {
		data []byte
		want int
	}{
		{[]byte("abc"), 3},
		{append([]byte("ab"), u[0]), 2},
		{append([]byte("ab"), u...), 4},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := completePrefix(tt.data); got != tt.want {
			t.Errorf("completePrefix(%q) = %d, want %d", tt.data, got, tt.want)
		}
	}
}

func TestOpenAITranscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if r.FormValue("model") != "whisper-1" {
			t.Errorf("model = %q", r.FormValue("model"))
		}
		if _, hdr, err := r.FormFile("file"); err != nil || hdr.Filename != "memo.m4a" {
			t.Errorf("file = %v, %v", hdr, err)
		}
		fmt.Fprint(w, `{"text":" hello there "}`)
	}))
	defer srv.Close()

	tr := NewOpenAITranscriber(srv.URL, "", "", nil)
	text, err := tr.Transcribe(context.Background(), attach.File{Ref: chat.FileRef{URL: "https://f/x", Name: "memo.m4a"}, Data: []byte("RIFF")})
	if err != nil || text != "hello there" {
		t.Errorf("Transcribe = %q, %v", text, err)
	}
}
