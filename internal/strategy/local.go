package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/switchyard/internal/attach"
	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/citation"
	"github.com/nugget/switchyard/internal/llm"
	"github.com/nugget/switchyard/internal/retrieval"
	"github.com/nugget/switchyard/internal/search"
	"github.com/nugget/switchyard/internal/toolrouter"
)

const groundingInstructions = `Answer the user's latest message using the numbered sources below. Cite sources inline as [n], where n is the source number. Only cite sources that support the sentence; never invent a source number.`

// ToolRouter decides whether a request needs web search.
type ToolRouter interface {
	DetermineTool(ctx context.Context, req toolrouter.Request) toolrouter.Result
}

// WebSearcher runs web searches.
type WebSearcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// Retriever runs knowledge-base searches.
type Retriever interface {
	PerformSearch(ctx context.Context, messages []chat.Message, kbID, user string) (*retrieval.Result, error)
}

// Downloader fetches attachments.
type Downloader interface {
	DownloadAll(ctx context.Context, refs []chat.FileRef) ([]attach.File, error)
}

// Local runs strategies in-process against a hosted completion
// capability. Optional capabilities may be nil; strategies that need a
// missing one return ErrUnavailable. The agent strategy is never local.
type Local struct {
	LLM          llm.Client
	DefaultModel string
	SystemPrompt string
	Router       ToolRouter
	Search       WebSearcher
	SearchCount  int
	Retrieval    Retriever
	Downloader   Downloader
	Transcriber  Transcriber
	Logger       *slog.Logger
}

// Complete implements [Endpoint].
func (l *Local) Complete(ctx context.Context, req Request, onToken TokenFunc) (*Completion, error) {
	switch req.Strategy {
	case Standard, "":
		return l.standard(ctx, req, onToken)
	case ToolAware:
		return l.toolAware(ctx, req, onToken)
	case RAG:
		return l.rag(ctx, req, onToken)
	case Audio:
		return l.audio(ctx, req, onToken)
	default:
		return nil, fmt.Errorf("%w: %s runs only on a remote service", ErrUnavailable, req.Strategy)
	}
}

func (l *Local) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l *Local) standard(ctx context.Context, req Request, onToken TokenFunc) (*Completion, error) {
	return l.generate(ctx, req, "", nil, onToken)
}

func (l *Local) toolAware(ctx context.Context, req Request, onToken TokenFunc) (*Completion, error) {
	if l.Router == nil {
		return l.standard(ctx, req, onToken)
	}
	last, _ := chat.LastUserMessage(req.Messages)
	decision := l.Router.DetermineTool(ctx, toolrouter.Request{
		CurrentMessage: last.Text(),
		Messages:       req.Messages,
		ForceWebSearch: req.ForceWebSearch,
	})
	if !decision.NeedsWebSearch() || l.Search == nil {
		l.logger().Debug("answering without web search", "reasoning", decision.Reasoning)
		return l.standard(ctx, req, onToken)
	}

	results, err := l.Search.Search(ctx, decision.SearchQuery, search.Options{Count: l.SearchCount})
	if err != nil {
		l.logger().Warn("web search failed, answering without it", "query", decision.SearchQuery, "error", err)
		return l.standard(ctx, req, onToken)
	}
	if len(results) == 0 {
		return l.standard(ctx, req, onToken)
	}

	sources := make([]chat.Citation, len(results))
	bodies := make([]string, len(results))
	for i, r := range results {
		sources[i] = chat.Citation{Number: i + 1, URL: r.URL, Title: r.Title, Date: r.Date}
		bodies[i] = r.Snippet
	}
	return l.generate(ctx, req, groundingBlock(sources, bodies), sources, onToken)
}

func (l *Local) rag(ctx context.Context, req Request, onToken TokenFunc) (*Completion, error) {
	if l.Retrieval == nil {
		return nil, fmt.Errorf("%w: no knowledge index", ErrUnavailable)
	}
	res, err := l.Retrieval.PerformSearch(ctx, req.Messages, req.BotID, req.User)
	if err != nil {
		return nil, err
	}

	sources := make([]chat.Citation, len(res.Docs))
	bodies := make([]string, len(res.Docs))
	for i, d := range res.Docs {
		sources[i] = chat.Citation{Number: i + 1, URL: d.URL, Title: d.Title, Date: d.Date}
		bodies[i] = d.Chunk
	}
	return l.generate(ctx, req, groundingBlock(sources, bodies), sources, onToken)
}

func (l *Local) audio(ctx context.Context, req Request, onToken TokenFunc) (*Completion, error) {
	if l.Downloader == nil || l.Transcriber == nil {
		return nil, fmt.Errorf("%w: transcription is not configured", ErrUnavailable)
	}
	last, ok := chat.LastUserMessage(req.Messages)
	if !ok {
		return nil, retrieval.ErrNoUserMessage
	}
	refs := AudioRefs(last)
	if len(refs) == 0 {
		return nil, errors.New("audio: no audio or video attachments")
	}

	files, err := l.Downloader.DownloadAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}
	texts, err := attach.Map(ctx, files, attach.DefaultConcurrency, l.Transcriber.Transcribe)
	if err != nil {
		return nil, fmt.Errorf("audio: %w", err)
	}

	var text string
	if len(texts) == 1 {
		text = texts[0]
	} else {
		parts := make([]string, len(texts))
		for i, t := range texts {
			name := files[i].Ref.Name
			if name == "" {
				name = files[i].Ref.URL
			}
			parts[i] = fmt.Sprintf("**%s**\n\n%s", name, t)
		}
		text = strings.Join(parts, "\n\n")
	}
	emit(onToken, text)
	return &Completion{Text: text}, nil
}

// generate streams a completion. With sources, the model is grounded on
// them and its output passes through a citation processor.
func (l *Local) generate(ctx context.Context, req Request, grounding string, sources []chat.Citation, onToken TokenFunc) (*Completion, error) {
	if l.LLM == nil {
		return nil, fmt.Errorf("%w: no completion model", ErrUnavailable)
	}
	model := req.Model.Name
	if model == "" {
		model = req.Model.ID
	}
	if model == "" {
		model = l.DefaultModel
	}

	system := req.Prompt
	if system == "" {
		system = l.SystemPrompt
	}
	if grounding != "" {
		system = strings.TrimSpace(system + "\n\n" + grounding)
	}

	msgs := make([]llm.Message, 0, len(req.Messages)+1)
	if system != "" {
		msgs = append(msgs, llm.Message{Role: string(chat.RoleSystem), Content: system})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Text()})
	}

	var opts *llm.Options
	if req.Temperature > 0 {
		opts = llm.Temperature(req.Temperature)
	}

	var proc *citation.Processor
	if len(sources) > 0 {
		proc = citation.NewProcessor(sources)
	}
	var text strings.Builder
	forward := func(s string) {
		text.WriteString(s)
		emit(onToken, s)
	}

	resp, err := l.LLM.ChatStream(ctx, model, msgs, opts, func(tok string) {
		if proc == nil {
			forward(tok)
			return
		}
		forward(proc.Feed(tok).Text)
	})
	if err != nil {
		return nil, err
	}

	out := &Completion{Model: resp.Model}
	if proc != nil {
		forward(proc.Flush())
		out.Citations = citation.Dedupe(proc.Used())
	}
	out.Text = text.String()
	if out.Text == "" {
		out.Text = resp.Message.Content
	}
	return out, nil
}

func groundingBlock(sources []chat.Citation, bodies []string) string {
	var b strings.Builder
	b.WriteString(groundingInstructions)
	b.WriteString("\n\nSources:\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "\n[%d] %s (%s)", s.Number, s.Title, s.URL)
		if s.Date != "" {
			fmt.Fprintf(&b, " %s", s.Date)
		}
		if bodies[i] != "" {
			fmt.Fprintf(&b, "\n%s", bodies[i])
		}
		b.WriteString("\n")
	}
	return b.String()
}
