package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/switchyard/internal/agent"
	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/intent"
	"github.com/nugget/switchyard/internal/strategy"
	"github.com/nugget/switchyard/internal/usage"
)

type fakeEndpoint struct {
	mu     sync.Mutex
	calls  []strategy.Request
	tokens []string
	err    error
	// fail holds per-strategy errors. With failLate the tokens are
	// streamed before the error is returned.
	fail     map[strategy.Name]error
	failLate bool
	// during runs after the first token is emitted.
	during func()
}

func (f *fakeEndpoint) Complete(_ context.Context, req strategy.Request, onToken strategy.TokenFunc) (*strategy.Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	failErr := f.fail[req.Strategy]
	if failErr != nil && !f.failLate {
		return nil, failErr
	}
	tokens := f.tokens
	if tokens == nil {
		tokens = []string{"answer from ", string(req.Strategy)}
	}
	for i, tok := range tokens {
		onToken(tok)
		if i == 0 && f.during != nil {
			f.during()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	return &strategy.Completion{Text: strings.Join(tokens, ""), Model: req.Model.ID}, nil
}

func (f *fakeEndpoint) strategies() []strategy.Name {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]strategy.Name, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Strategy)
	}
	return out
}

func (f *fakeEndpoint) last() strategy.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeClassifier struct {
	res   intent.Result
	err   error
	calls int
}

func (f *fakeClassifier) Classify(context.Context, intent.Request) (*intent.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r := f.res
	return &r, nil
}

type fakeExecutor struct {
	res    *agent.Result
	err    error
	before func()
	calls  int
}

func (f *fakeExecutor) Execute(_ context.Context, task agent.Task) (*agent.Result, error) {
	f.calls++
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return nil, f.err
	}
	res := *f.res
	res.AgentType = task.Type
	return &res, nil
}

type recordingObserver struct {
	mu     sync.Mutex
	stages []string
}

func (r *recordingObserver) OnStatus(stage, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

type memRecorder struct{ recs []usage.Record }

func (m *memRecorder) Record(_ context.Context, rec usage.Record) error {
	m.recs = append(m.recs, rec)
	return nil
}

func settings() agent.Settings {
	return agent.Settings{
		Enabled:             true,
		EnabledTypes:        []agent.Type{agent.WebSearch, agent.URLPull},
		ConfidenceThreshold: 0.7,
		IntentTimeout:       time.Second,
		ExecutionTimeout:    time.Second,
	}
}

func newPipeline(c intent.Classifier, e agent.Executor) *agent.Pipeline {
	return agent.NewPipeline(settings(), c, e, nil, nil)
}

func text(role chat.Role, s string) chat.Message {
	return chat.Message{Role: role, Content: chat.Text(s)}
}

func conversation(model chat.ModelConfig, msgs ...chat.Message) chat.Conversation {
	return chat.Conversation{ID: "conv-1", Model: model, Messages: msgs}
}

func TestRoute_Precedence(t *testing.T) {
	audio := chat.Message{Role: chat.RoleUser, Content: chat.Parts(
		chat.ContentPart{Type: chat.PartText, Text: "what does this say"},
		chat.ContentPart{Type: chat.PartFile, FileURL: &chat.FileRef{URL: "https://f/1", Name: "memo.m4a"}},
	)}
	pdf := chat.Message{Role: chat.RoleUser, Content: chat.Parts(
		chat.ContentPart{Type: chat.PartFile, FileURL: &chat.FileRef{URL: "https://f/2", Name: "report.pdf"}},
	)}
	agentModel := chat.ModelConfig{ID: "hosted", AzureAgentMode: true, AgentID: "asst_1"}
	searchModel := chat.ModelConfig{ID: "m", SearchModeEnabled: true}
	both := chat.ModelConfig{ID: "both", AzureAgentMode: true, AgentID: "asst_1", SearchModeEnabled: true}

	tests := []struct {
		name     string
		conv     chat.Conversation
		opts     Options
		want     strategy.Name
		wantRule string
	}{
		{name: "default", conv: conversation(chat.ModelConfig{ID: "m"}, text(chat.RoleUser, "hi")), want: strategy.Standard, wantRule: RuleDefault},
		{name: "forced standard beats everything", conv: conversation(searchModel, audio), opts: Options{ForceStandard: true}, want: strategy.Standard, wantRule: RuleForcedStandard},
		{name: "audio", conv: conversation(searchModel, audio), want: strategy.Audio, wantRule: RuleAudio},
		{name: "non-audio file is not audio", conv: conversation(chat.ModelConfig{ID: "m"}, pdf), want: strategy.Standard, wantRule: RuleDefault},
		{name: "knowledge base beats model flags", conv: func() chat.Conversation {
			c := conversation(both, text(chat.RoleUser, "policy?"))
			c.BotID = "handbook"
			return c
		}(), want: strategy.RAG, wantRule: RuleKnowledgeBase},
		{name: "agent mode", conv: conversation(agentModel, text(chat.RoleUser, "q")), want: strategy.Agent, wantRule: RuleAgentMode},
		{name: "agent mode beats search mode", conv: conversation(both, text(chat.RoleUser, "q")), want: strategy.Agent, wantRule: RuleAgentMode},
		{name: "agent mode needs an agent id", conv: conversation(chat.ModelConfig{ID: "m", AzureAgentMode: true}, text(chat.RoleUser, "q")), want: strategy.Standard, wantRule: RuleDefault},
		{name: "search mode", conv: conversation(searchModel, text(chat.RoleUser, "news?")), want: strategy.ToolAware, wantRule: RuleSearchMode},
		{name: "forced web search", conv: conversation(chat.ModelConfig{ID: "m"}, text(chat.RoleUser, "news?")), opts: Options{ForceWebSearch: true}, want: strategy.ToolAware, wantRule: RuleSearchMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := &fakeEndpoint{}
			o := New(ep, nil, nil)

			resp, err := o.Route(context.Background(), Request{RequestID: "r", Conversation: tt.conv, Options: tt.opts}, nil)
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if resp.Strategy != tt.want || ep.last().Strategy != tt.want {
				t.Errorf("strategy = %s (endpoint %s), want %s", resp.Strategy, ep.last().Strategy, tt.want)
			}
			if d := o.AuditLog().Explain("r"); d == nil || d.RuleMatched != tt.wantRule {
				t.Errorf("decision = %+v, want rule %s", d, tt.wantRule)
			}
			if tt.want == strategy.ToolAware && !ep.last().PreferPrivacy {
				t.Error("tool-aware request should prefer privacy")
			}
			if tt.opts.ForceWebSearch && !ep.last().ForceWebSearch {
				t.Error("ForceWebSearch not passed through")
			}
		})
	}
}

func TestRoute_SearchModeThenSwitchModel(t *testing.T) {
	ep := &fakeEndpoint{}
	o := New(ep, newPipeline(&fakeClassifier{res: intent.Result{}}, &fakeExecutor{}), nil)

	prior := []chat.Message{
		text(chat.RoleUser, "first question"),
		text(chat.RoleAssistant, "first answer [1]"),
	}
	conv := conversation(chat.ModelConfig{ID: "search", SearchModeEnabled: true}, append(prior, text(chat.RoleUser, "latest news?"))...)
	snapshot := append([]chat.Message(nil), conv.Messages...)

	resp, err := o.Route(context.Background(), Request{Conversation: conv}, nil)
	if err != nil || resp.Strategy != strategy.ToolAware {
		t.Fatalf("search model: %+v, %v", resp, err)
	}

	conv.Model = chat.ModelConfig{ID: "plain"}
	resp, err = o.Route(context.Background(), Request{Conversation: conv}, nil)
	if err != nil || resp.Strategy != strategy.Standard {
		t.Fatalf("plain model: %+v, %v", resp, err)
	}

	if !reflect.DeepEqual(conv.Messages, snapshot) {
		t.Error("conversation messages changed")
	}
	if got := ep.last().Messages; !reflect.DeepEqual(got, snapshot) {
		t.Errorf("standard call received altered messages: %+v", got)
	}
}

func TestRoute_BelowThresholdUsesStandard(t *testing.T) {
	ep := &fakeEndpoint{}
	exec := &fakeExecutor{res: &agent.Result{Content: "x"}}
	o := New(ep, newPipeline(&fakeClassifier{res: intent.Result{RecommendedAgent: "web_search", Confidence: 0.5}}, exec), nil)
	obs := &recordingObserver{}

	conv := conversation(chat.ModelConfig{ID: "m"}, text(chat.RoleUser, "what's new in go?"))
	resp, err := o.Route(context.Background(), Request{Conversation: conv, Observer: obs}, nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.UsedAgent || resp.Strategy != strategy.Standard {
		t.Errorf("resp = %+v, want standard without agent", resp)
	}
	if resp.FallbackReason != agent.ReasonLowConfidence {
		t.Errorf("FallbackReason = %q", resp.FallbackReason)
	}
	if exec.calls != 0 {
		t.Error("executor should not run below threshold")
	}
	if resp.Intent == nil || resp.Intent.Confidence != 0.5 {
		t.Errorf("Intent = %+v", resp.Intent)
	}
	if !reflect.DeepEqual(obs.stages, []string{StageAnalyzing, StageFallback}) {
		t.Errorf("stages = %v", obs.stages)
	}
}

func TestRoute_AgentSynthesis(t *testing.T) {
	ep := &fakeEndpoint{}
	exec := &fakeExecutor{res: &agent.Result{
		Content: "Go 1.25 released",
		Items:   []agent.Item{{Source: "https://go.dev/blog", Content: "release notes"}},
	}}
	o := New(ep, newPipeline(&fakeClassifier{res: intent.Result{RecommendedAgent: "web_search", Confidence: 0.9, AnalysisMethod: intent.MethodLLM}}, exec), nil)
	rec := &memRecorder{}
	o.SetRecorder(rec)
	obs := &recordingObserver{}

	conv := conversation(chat.ModelConfig{ID: "m"}, text(chat.RoleUser, "earlier"), text(chat.RoleAssistant, "reply"), text(chat.RoleUser, "what's new in go?"))
	var streamed strings.Builder
	resp, err := o.Route(context.Background(), Request{Conversation: conv, Observer: obs}, func(s string) { streamed.WriteString(s) })
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	if !resp.UsedAgent || resp.AgentType != agent.WebSearch || resp.Strategy != strategy.Standard {
		t.Errorf("resp = %+v", resp)
	}
	if streamed.String() != resp.Content {
		t.Errorf("streamed %q, content %q", streamed.String(), resp.Content)
	}

	sent := ep.last()
	if len(sent.Messages) != 3 {
		t.Fatalf("synthesis sent %d messages", len(sent.Messages))
	}
	prompt := sent.Messages[2].Text()
	if !strings.Contains(prompt, "[Source 1: https://go.dev/blog]") || !strings.Contains(prompt, "what's new in go?") {
		t.Errorf("synthesis prompt:\n%s", prompt)
	}
	if conv.Messages[2].Text() != "what's new in go?" {
		t.Error("original conversation mutated")
	}

	want := []string{StageAnalyzing, StageAgent, StageSynthesizing}
	if !reflect.DeepEqual(obs.stages, want) {
		t.Errorf("stages = %v, want %v", obs.stages, want)
	}

	if len(rec.recs) != 1 {
		t.Fatalf("recorded %d decisions, want 1", len(rec.recs))
	}
	if r := rec.recs[0]; !r.UsedAgent || r.AgentType != "web_search" || r.Confidence != 0.9 || r.AnalysisMethod != "llm" || !r.Success {
		t.Errorf("record = %+v", r)
	}
}

func TestRoute_ForcedAgentSkipsClassification(t *testing.T) {
	ep := &fakeEndpoint{}
	cls := &fakeClassifier{res: intent.Result{RecommendedAgent: "web_search", Confidence: 0.99}}
	exec := &fakeExecutor{res: &agent.Result{Content: "page text"}}
	o := New(ep, newPipeline(cls, exec), nil)

	conv := conversation(chat.ModelConfig{ID: "m", SearchModeEnabled: true}, text(chat.RoleUser, "summarize https://example.com"))
	resp, err := o.Route(context.Background(), Request{Conversation: conv, Options: Options{ForceAgent: agent.URLPull}}, nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if cls.calls != 0 {
		t.Error("classifier called for forced agent")
	}
	if resp.Intent == nil || resp.Intent.Confidence != 1.0 || resp.Intent.Reasoning != "forced_command" || resp.Intent.AnalysisMethod != intent.MethodForced {
		t.Errorf("Intent = %+v", resp.Intent)
	}
	if !resp.UsedAgent || resp.AgentType != agent.URLPull {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRoute_AgentFailureFallsBack(t *testing.T) {
	ep := &fakeEndpoint{}
	exec := &fakeExecutor{err: errors.New("upstream 500")}
	o := New(ep, newPipeline(&fakeClassifier{res: intent.Result{RecommendedAgent: "url_pull", Confidence: 0.95}}, exec), nil)

	resp, err := o.Route(context.Background(), Request{Conversation: conversation(chat.ModelConfig{ID: "m"}, text(chat.RoleUser, "read https://a.example"))}, nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.UsedAgent || resp.FallbackReason != agent.ReasonExecError || resp.Strategy != strategy.Standard {
		t.Errorf("resp = %+v", resp)
	}
	if ep.last().Messages[0].Text() != "read https://a.example" {
		t.Error("fallback should send the original message")
	}
}

func TestRoute_ClassifierErrorFallsBack(t *testing.T) {
	ep := &fakeEndpoint{}
	o := New(ep, newPipeline(&fakeClassifier{err: errors.New("bad json")}, &fakeExecutor{}), nil)

	resp, err := o.Route(context.Background(), Request{Conversation: conversation(chat.ModelConfig{ID: "m"}, text(chat.RoleUser, "q"))}, nil)
	if err != nil || resp.FallbackReason != agent.ReasonClassifyError || resp.Intent != nil {
		t.Errorf("Route = %+v, %v", resp, err)
	}
}

func TestRoute_CancelBeforeAgentExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &fakeEndpoint{}
	exec := &fakeExecutor{res: &agent.Result{Content: "x"}, before: cancel}
	o := New(ep, newPipeline(&fakeClassifier{res: intent.Result{RecommendedAgent: "web_search", Confidence: 0.9}}, exec), nil)

	_, err := o.Route(ctx, Request{Conversation: conversation(chat.ModelConfig{ID: "m"}, text(chat.RoleUser, "q"))}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(ep.calls) != 0 {
		t.Error("no completion should run after stop")
	}
}

func TestRoute_CancelStopsForwarding(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &fakeEndpoint{tokens: []string{"one ", "two ", "three"}, during: cancel}
	o := New(ep, nil, nil)

	var got []string
	_, err := o.Route(ctx, Request{Conversation: conversation(chat.ModelConfig{ID: "m"}, text(chat.RoleUser, "q"))}, func(s string) {
		got = append(got, s)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !reflect.DeepEqual(got, []string{"one "}) {
		t.Errorf("forwarded %q after stop", got)
	}
	if d := o.AuditLog().Recent(1); len(d) != 1 || d[0].Success {
		t.Errorf("audit = %+v", d)
	}
}

func TestRoute_AugmentedStrategyFailureFallsBack(t *testing.T) {
	hosted := chat.ModelConfig{ID: "hosted", AzureAgentMode: true, AgentID: "asst_1"}
	search := chat.ModelConfig{ID: "search", SearchModeEnabled: true}

	tests := []struct {
		name       string
		model      chat.ModelConfig
		failing    strategy.Name
		wantReason string
	}{
		{name: "hosted agent unavailable", model: hosted, failing: strategy.Agent, wantReason: ReasonHostedAgentError},
		{name: "tool-aware error", model: search, failing: strategy.ToolAware, wantReason: ReasonToolAwareError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := &fakeEndpoint{fail: map[strategy.Name]error{tt.failing: strategy.ErrUnavailable}}
			o := New(ep, nil, nil)
			obs := &recordingObserver{}

			var streamed strings.Builder
			resp, err := o.Route(context.Background(), Request{RequestID: "r", Conversation: conversation(tt.model, text(chat.RoleUser, "q")), Observer: obs},
				func(s string) { streamed.WriteString(s) })
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if resp.Strategy != strategy.Standard || resp.FallbackReason != tt.wantReason {
				t.Errorf("resp = %+v, want standard with %s", resp, tt.wantReason)
			}
			if got := ep.strategies(); !reflect.DeepEqual(got, []strategy.Name{tt.failing, strategy.Standard}) {
				t.Errorf("endpoint calls = %v", got)
			}
			if streamed.String() != "answer from standard" {
				t.Errorf("streamed %q", streamed.String())
			}
			if obs.stages[len(obs.stages)-1] != StageFallback {
				t.Errorf("stages = %v, want trailing fallback", obs.stages)
			}
			if d := o.AuditLog().Explain("r"); d == nil || !d.Success || d.FallbackReason != tt.wantReason {
				t.Errorf("decision = %+v", d)
			}
		})
	}
}

func TestRoute_FailureAfterOutputIsReturned(t *testing.T) {
	ep := &fakeEndpoint{fail: map[strategy.Name]error{strategy.Agent: strategy.ErrUnavailable}, failLate: true}
	o := New(ep, nil, nil)

	var got []string
	_, err := o.Route(context.Background(), Request{Conversation: conversation(chat.ModelConfig{ID: "hosted", AzureAgentMode: true, AgentID: "asst_1"}, text(chat.RoleUser, "q"))},
		func(s string) { got = append(got, s) })
	if !errors.Is(err, strategy.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if len(ep.calls) != 1 {
		t.Errorf("endpoint calls = %v, want no standard retry after partial output", ep.strategies())
	}
	if strings.Join(got, "") != "answer from agent" {
		t.Errorf("forwarded %q", got)
	}
}

func TestRoute_FinalCompletionErrorPropagates(t *testing.T) {
	tests := []struct {
		name  string
		model chat.ModelConfig
		fail  map[strategy.Name]error
	}{
		{name: "standard", model: chat.ModelConfig{ID: "m"}, fail: map[strategy.Name]error{strategy.Standard: strategy.ErrUnavailable}},
		{
			name:  "standard after hosted agent fallback",
			model: chat.ModelConfig{ID: "hosted", AzureAgentMode: true, AgentID: "a"},
			fail:  map[strategy.Name]error{strategy.Agent: errors.New("agent down"), strategy.Standard: strategy.ErrUnavailable},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(&fakeEndpoint{fail: tt.fail}, nil, nil)
			_, err := o.Route(context.Background(), Request{Conversation: conversation(tt.model, text(chat.RoleUser, "q"))}, nil)
			if !errors.Is(err, strategy.ErrUnavailable) {
				t.Errorf("err = %v, want ErrUnavailable", err)
			}
		})
	}
}

type countingListener struct{ n int }

func (c *countingListener) OnRoute(string, bool, string) { c.n++ }

func TestRoute_ListenersAndAudit(t *testing.T) {
	o := New(&fakeEndpoint{}, nil, nil)
	l := &countingListener{}
	o.AddListener(l)

	for range 3 {
		if _, err := o.Route(context.Background(), Request{Conversation: conversation(chat.ModelConfig{ID: "m"}, text(chat.RoleUser, "q"))}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if l.n != 3 {
		t.Errorf("listener calls = %d, want 3", l.n)
	}
	stats := o.AuditLog().Stats()
	if stats.TotalRequests != 3 || stats.StrategyCounts["standard"] != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAuditLog_Bounded(t *testing.T) {
	a := NewAuditLog(2)
	for _, id := range []string{"a", "b", "c"} {
		a.Record(Decision{RequestID: id, Strategy: "standard"})
	}
	recent := a.Recent(0)
	if len(recent) != 2 || recent[0].RequestID != "b" || recent[1].RequestID != "c" {
		t.Errorf("recent = %+v", recent)
	}
	if a.Explain("a") != nil {
		t.Error("evicted decision still explainable")
	}
}

func TestMultiObserver(t *testing.T) {
	var got []string
	m := Multi{
		ObserverFunc(func(stage, _ string) { got = append(got, "a:"+stage) }),
		nil,
		ObserverFunc(func(stage, _ string) { got = append(got, "b:"+stage) }),
	}
	m.OnStatus(StageRouting, "x")
	if !reflect.DeepEqual(got, []string{"a:routing", "b:routing"}) {
		t.Errorf("got %v", got)
	}
}
