// Package orchestrator is the top-level chat dispatcher. For each
// request it applies a fixed precedence order to pick a completion
// strategy, runs the agent pipeline when no explicit signal decides,
// and falls back to the standard strategy whenever an optional step
// fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/switchyard/internal/agent"
	"github.com/nugget/switchyard/internal/chat"
	"github.com/nugget/switchyard/internal/intent"
	"github.com/nugget/switchyard/internal/strategy"
	"github.com/nugget/switchyard/internal/usage"
)

const reasonForced = "forced_command"

// Fallback reasons for strategies that fail before answering.
const (
	ReasonHostedAgentError = "hosted_agent_error"
	ReasonToolAwareError   = "tool_aware_error"
)

// Options adjust routing for one request.
type Options struct {
	// ForceAgent skips classification and runs this agent type.
	ForceAgent agent.Type `json:"forceAgent,omitempty"`
	// ForceWebSearch routes to tool-aware and skips the tool-routing
	// model call.
	ForceWebSearch bool `json:"forceWebSearch,omitempty"`
	// ForceStandard bypasses all routing.
	ForceStandard bool   `json:"forceStandard,omitempty"`
	User          string `json:"user,omitempty"`
}

// Request is one routing request. The conversation is never modified.
type Request struct {
	RequestID    string
	Conversation chat.Conversation
	Options      Options
	// Observer receives status for this request only, in addition to
	// the orchestrator's own observer.
	Observer Observer
}

// Response describes the assistant turn that was produced and how.
type Response struct {
	RequestID      string          `json:"request_id"`
	Strategy       strategy.Name   `json:"strategy"`
	Content        string          `json:"content"`
	Citations      []chat.Citation `json:"citations,omitempty"`
	UsedAgent      bool            `json:"used_agent"`
	AgentType      agent.Type      `json:"agent_type,omitempty"`
	Intent         *intent.Result  `json:"intent,omitempty"`
	FallbackReason string          `json:"fallback_reason,omitempty"`
	Model          string          `json:"model,omitempty"`
}

// Recorder persists routing decisions.
type Recorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// RouteListener is told about every completed route.
type RouteListener interface {
	OnRoute(strategy string, usedAgent bool, fallbackReason string)
}

// Orchestrator routes chat requests. It is safe for concurrent use; all
// per-request state lives in the call.
type Orchestrator struct {
	endpoint  strategy.Endpoint
	pipeline  *agent.Pipeline
	observer  Observer
	recorder  Recorder
	listeners []RouteListener
	audit     *AuditLog
	logger    *slog.Logger
}

// New creates an orchestrator. pipeline may be nil, in which case
// requests with no explicit routing signal use the standard strategy.
func New(endpoint strategy.Endpoint, pipeline *agent.Pipeline, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")
	return &Orchestrator{
		endpoint: endpoint,
		pipeline: pipeline,
		observer: NewLogObserver(logger),
		audit:    NewAuditLog(DefaultAuditSize),
		logger:   logger,
	}
}

// SetObserver replaces the process-wide status observer.
func (o *Orchestrator) SetObserver(obs Observer) {
	o.observer = obs
}

// SetRecorder enables persistence of routing decisions.
func (o *Orchestrator) SetRecorder(r Recorder) {
	o.recorder = r
}

// AddListener registers a route listener.
func (o *Orchestrator) AddListener(l RouteListener) {
	o.listeners = append(o.listeners, l)
}

// AuditLog returns the in-memory decision log.
func (o *Orchestrator) AuditLog() *AuditLog {
	return o.audit
}

// route carries per-request state through the precedence chain.
type route struct {
	req      Request
	resp     *Response
	decision *Decision
	notify   Observer
	onToken  strategy.TokenFunc
	// streamed is set once any output has been forwarded.
	streamed bool
}

func (r *route) status(stage, message string) {
	statusEventsTotal.WithLabelValues(stage).Inc()
	r.notify.OnStatus(stage, message)
}

// Route picks a strategy for req and streams the answer to onToken,
// which may be nil. When ctx is cancelled no further output is emitted
// and ctx.Err() is returned. Only the final completion call's error is
// returned; failures of optional steps fall back to standard.
func (o *Orchestrator) Route(ctx context.Context, req Request, onToken strategy.TokenFunc) (*Response, error) {
	start := time.Now()
	if req.RequestID == "" {
		if id, err := uuid.NewV7(); err == nil {
			req.RequestID = id.String()
		}
	}

	conv := req.Conversation
	last, _ := chat.LastUserMessage(conv.Messages)
	r := &route{
		req:  req,
		resp: &Response{RequestID: req.RequestID, Model: conv.Model.ID},
		decision: &Decision{
			RequestID:      req.RequestID,
			Timestamp:      start,
			ConversationID: conv.ID,
			Model:          conv.Model.ID,
			MessageLength:  len(last.Text()),
		},
		notify:  Multi{o.observer, req.Observer},
		onToken: onToken,
	}

	resp, err := o.dispatch(ctx, r)
	o.finish(ctx, r, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, r *route) (*Response, error) {
	conv := r.req.Conversation
	opts := r.req.Options
	d := r.decision

	d.evaluate(RuleForcedStandard)
	if opts.ForceStandard {
		d.match(RuleForcedStandard)
		return o.complete(ctx, r, strategy.Standard, conv, false)
	}

	d.evaluate(RuleForcedAgent)
	if opts.ForceAgent != "" {
		d.match(RuleForcedAgent)
		res := intent.Result{
			RecommendedAgent: string(opts.ForceAgent),
			Confidence:       1.0,
			Reasoning:        reasonForced,
			AnalysisMethod:   intent.MethodForced,
		}
		r.resp.Intent = &res
		last, _ := chat.LastUserMessage(conv.Messages)
		return o.runAgent(ctx, r, opts.ForceAgent, last.Text())
	}

	d.evaluate(RuleAudio)
	if last, ok := chat.LastUserMessage(conv.Messages); ok && len(strategy.AudioRefs(last)) > 0 {
		d.match(RuleAudio)
		r.status(StageTranscribing, "Transcribing audio...")
		return o.complete(ctx, r, strategy.Audio, conv, false)
	}

	d.evaluate(RuleKnowledgeBase)
	if conv.BotID != "" {
		d.match(RuleKnowledgeBase)
		r.status(StageRetrieving, "Searching knowledge base...")
		return o.complete(ctx, r, strategy.RAG, conv, false)
	}

	d.evaluate(RuleAgentMode)
	if conv.Model.AgentModeActive() {
		d.match(RuleAgentMode)
		r.status(StageAgent, "Processing with hosted agent...")
		return o.completeOrFallback(ctx, r, strategy.Agent, conv, false, ReasonHostedAgentError)
	}

	d.evaluate(RuleSearchMode)
	if conv.Model.SearchModeEnabled || opts.ForceWebSearch {
		d.match(RuleSearchMode)
		r.status(StageRouting, "Checking whether a web search is needed...")
		return o.completeOrFallback(ctx, r, strategy.ToolAware, conv, true, ReasonToolAwareError)
	}

	d.evaluate(RuleIntentPipeline)
	if o.pipeline != nil && o.pipeline.Settings().Enabled {
		d.match(RuleIntentPipeline)
		return o.runPipeline(ctx, r)
	}

	d.evaluate(RuleDefault)
	d.match(RuleDefault)
	return o.complete(ctx, r, strategy.Standard, conv, false)
}

func (o *Orchestrator) runPipeline(ctx context.Context, r *route) (*Response, error) {
	conv := r.req.Conversation
	r.status(StageAnalyzing, "Analyzing your request...")

	pre := o.pipeline.PreFilter(conv)
	if !pre.OK() {
		return o.fallback(ctx, r, pre.Reason)
	}

	cls := o.pipeline.Classify(ctx, conv, pre.Value, r.req.Options.User)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !cls.OK() {
		return o.fallback(ctx, r, cls.Reason)
	}
	res := cls.Value
	r.resp.Intent = &res
	intentConfidence.Observe(res.Confidence)

	gate := o.pipeline.Gate(res)
	if !gate.OK() {
		return o.fallback(ctx, r, gate.Reason)
	}
	return o.runAgent(ctx, r, gate.Value.Agent, pre.Value)
}

func (o *Orchestrator) runAgent(ctx context.Context, r *route, t agent.Type, question string) (*Response, error) {
	if o.pipeline == nil {
		return o.fallback(ctx, r, agent.ReasonDisabled)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.status(StageAgent, fmt.Sprintf("Processing with %s agent...", t.DisplayName()))
	conv := r.req.Conversation
	out := o.pipeline.Execute(ctx, t, question, conv, r.req.Options.User)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !out.OK() {
		agentExecutionsTotal.WithLabelValues(string(t), "fallback").Inc()
		return o.fallback(ctx, r, out.Reason)
	}
	agentExecutionsTotal.WithLabelValues(string(t), "success").Inc()

	r.resp.UsedAgent = true
	r.resp.AgentType = t

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.status(StageSynthesizing, "Generating final response...")

	// The synthesis turn is dispatched with ForceStandard so it can
	// never select an agent again.
	synth := &route{
		req: Request{
			RequestID:    r.req.RequestID,
			Conversation: agent.SynthesisConversation(conv, question, out.Value),
			Options:      Options{ForceStandard: true, User: r.req.Options.User},
		},
		resp:     &Response{RequestID: r.req.RequestID, Model: conv.Model.ID},
		decision: &Decision{},
		notify:   r.notify,
		onToken:  r.onToken,
	}
	final, err := o.dispatch(ctx, synth)
	if err != nil {
		return nil, err
	}

	r.resp.Strategy = final.Strategy
	r.resp.Content = final.Content
	r.resp.Citations = final.Citations
	if final.Model != "" {
		r.resp.Model = final.Model
	}
	return r.resp, nil
}

func (o *Orchestrator) fallback(ctx context.Context, r *route, reason string) (*Response, error) {
	r.resp.FallbackReason = reason
	fallbacksTotal.WithLabelValues(reason).Inc()
	o.logger.Debug("falling back to standard", "request_id", r.req.RequestID, "reason", reason)
	r.status(StageFallback, "Generating a standard response...")
	return o.complete(ctx, r, strategy.Standard, r.req.Conversation, false)
}

// completeOrFallback runs an augmented strategy. If it fails before any
// output reached the caller, the request falls back to standard with
// reason. Once output has been forwarded the error is returned, since
// a second answer cannot be appended to a partial one.
func (o *Orchestrator) completeOrFallback(ctx context.Context, r *route, name strategy.Name, conv chat.Conversation, searchMode bool, reason string) (*Response, error) {
	resp, err := o.complete(ctx, r, name, conv, searchMode)
	if err == nil || ctx.Err() != nil || r.streamed {
		return resp, err
	}
	o.logger.Warn("strategy failed, falling back to standard",
		"request_id", r.req.RequestID,
		"strategy", name,
		"error", err,
	)
	return o.fallback(ctx, r, reason)
}

// complete makes the final, unaugmented completion call. Its error is
// the only one Route returns.
func (o *Orchestrator) complete(ctx context.Context, r *route, name strategy.Name, conv chat.Conversation, searchMode bool) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := strategy.FromConversation(name, conv, r.req.Options.User)
	if searchMode {
		req.PreferPrivacy = true
		req.ForceWebSearch = r.req.Options.ForceWebSearch
	}

	forward := func(text string) {
		if ctx.Err() != nil || r.onToken == nil {
			return
		}
		if text != "" {
			r.streamed = true
		}
		r.onToken(text)
	}

	r.resp.Strategy = name
	c, err := o.endpoint.Complete(ctx, req, forward)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", name, err)
	}

	r.resp.Content = c.Text
	r.resp.Citations = c.Citations
	if c.Model != "" {
		r.resp.Model = c.Model
	}
	return r.resp, nil
}

func (o *Orchestrator) finish(ctx context.Context, r *route, elapsed time.Duration, err error) {
	resp := r.resp
	d := r.decision
	d.Strategy = string(resp.Strategy)
	d.Intent = resp.Intent
	d.AgentType = string(resp.AgentType)
	d.UsedAgent = resp.UsedAgent
	d.FallbackReason = resp.FallbackReason
	d.LatencyMs = elapsed.Milliseconds()
	d.Success = err == nil
	if err != nil {
		d.Error = err.Error()
	}

	status := "success"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "canceled"
	case err != nil:
		status = "error"
	}
	routesTotal.WithLabelValues(d.Strategy, status).Inc()
	routeDuration.WithLabelValues(d.Strategy).Observe(elapsed.Seconds())

	o.audit.Record(*d)
	for _, l := range o.listeners {
		l.OnRoute(d.Strategy, d.UsedAgent, d.FallbackReason)
	}

	o.logger.Info("request routed",
		"request_id", d.RequestID,
		"rule", d.RuleMatched,
		"strategy", d.Strategy,
		"used_agent", d.UsedAgent,
		"agent_type", d.AgentType,
		"fallback_reason", d.FallbackReason,
		"elapsed", elapsed.Round(time.Millisecond),
		"status", status,
	)

	if o.recorder == nil {
		return
	}
	rec := usage.Record{
		Timestamp:      d.Timestamp,
		RequestID:      d.RequestID,
		ConversationID: d.ConversationID,
		User:           r.req.Options.User,
		Model:          resp.Model,
		Strategy:       d.Strategy,
		AgentType:      d.AgentType,
		UsedAgent:      d.UsedAgent,
		FallbackReason: d.FallbackReason,
		DurationMs:     d.LatencyMs,
		Success:        d.Success,
		Error:          d.Error,
	}
	if resp.Intent != nil {
		rec.Confidence = resp.Intent.Confidence
		rec.AnalysisMethod = resp.Intent.AnalysisMethod
	}
	// Record even when the request itself was cancelled.
	if err := o.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to record routing decision", "request_id", d.RequestID, "error", err)
	}
}
