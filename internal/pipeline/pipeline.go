package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/banter/internal/observe"
	"github.com/MrWong99/banter/internal/prompt"
	"github.com/MrWong99/banter/internal/structured"
	"github.com/MrWong99/banter/internal/tokenbudget"
	"github.com/MrWong99/banter/internal/tools"
	"github.com/MrWong99/banter/pkg/platform"
	"github.com/MrWong99/banter/pkg/provider/llm"
)

// Template ids the pipeline renders, one per LLM-backed stage.
const (
	templateAnalyze = "analyze_message"
	templateDecide  = "decide_action"
	templateRespond = "respond"
)

// Config tunes pipeline behaviour. Zero values get defaults in New.
type Config struct {
	// BotName is the agent's display name, injected into every prompt.
	BotName string

	// ReserveTokens is the context window share kept free for the prompt
	// scaffolding and the model's own output. Default: 1024.
	ReserveTokens int

	// MaxToolIterations bounds tool-call rounds in the act stage. Default: 4.
	MaxToolIterations int

	// StructuredRetries is the number of corrective re-prompts when a stage
	// returns malformed structured output. Zero uses the structured package
	// default.
	StructuredRetries int

	// MaxMessageLength is the platform's message size limit used for reply
	// chunking. Default: platform.DefaultMaxMessageLength.
	MaxMessageLength int
}

// Providers names the model backend for each LLM-backed stage. Stages may
// share a provider or use differently sized models.
type Providers struct {
	Analyzer  llm.Provider
	Decider   llm.Provider
	Responder llm.Provider
}

// Deps collects the pipeline's collaborators.
type Deps struct {
	Providers Providers

	// Prompts supplies the stage templates.
	Prompts *prompt.Store

	// Registry and Dispatcher provide tool calling in the act stage. Both may
	// be nil, in which case the responder model gets no tools.
	Registry   *tools.Registry
	Dispatcher *tools.Dispatcher

	// Sender delivers replies. Required.
	Sender platform.Responder

	// Delegator receives delegation records. May be nil; the record is then
	// only reported in the Outcome.
	Delegator platform.Delegator

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Pipeline drives one message at a time through Analyze, Decide, and Act.
// Safe for concurrent use; all mutable state is per-call.
type Pipeline struct {
	cfg     Config
	prov    Providers
	prompts *prompt.Store
	budget  *tokenbudget.Manager

	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	sender     platform.Responder
	delegator  platform.Delegator

	metrics *observe.Metrics
	logger  *slog.Logger
}

// New validates deps and creates a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Providers.Analyzer == nil || deps.Providers.Decider == nil || deps.Providers.Responder == nil {
		return nil, fmt.Errorf("pipeline: all three stage providers are required")
	}
	if deps.Prompts == nil {
		return nil, fmt.Errorf("pipeline: prompt store is required")
	}
	if deps.Sender == nil {
		return nil, fmt.Errorf("pipeline: sender is required")
	}
	if cfg.BotName == "" {
		return nil, fmt.Errorf("pipeline: bot name is required")
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = 1024
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 4
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = platform.DefaultMaxMessageLength
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	// Make sure the stage templates exist before the first message arrives.
	for _, id := range []string{templateAnalyze, templateDecide, templateRespond} {
		if _, err := deps.Prompts.Get(id); err != nil {
			return nil, err
		}
	}

	return &Pipeline{
		cfg:        cfg,
		prov:       deps.Providers,
		prompts:    deps.Prompts,
		budget:     tokenbudget.New(deps.Providers.Analyzer),
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		sender:     deps.Sender,
		delegator:  deps.Delegator,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}, nil
}

// Handle runs msg through the full pipeline. history is the channel context
// preceding msg, oldest first. The returned Outcome describes what happened;
// a non-nil error always carries the stage it occurred in via [StageError].
func (p *Pipeline) Handle(ctx context.Context, msg platform.Message, history platform.History) (*Outcome, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.Handle")
	defer span.End()

	p.metrics.ActiveConversations.Add(ctx, 1)
	defer p.metrics.ActiveConversations.Add(ctx, -1)

	window, dropped, err := p.fitHistory(history)
	if err != nil {
		return nil, &StageError{Stage: StageAnalyze, Err: err}
	}
	if dropped > 0 {
		p.metrics.DroppedHistoryMessages.Add(ctx, int64(dropped))
		p.logger.Debug("trimmed history to fit context window",
			"dropped", dropped, "kept", len(window))
	}

	numbered := numberedHistory(window)
	incoming := formatMessage(msg)

	analysis, err := p.analyze(ctx, numbered, incoming, len(window))
	if err != nil {
		return nil, &StageError{Stage: StageAnalyze, Err: err}
	}

	decision, err := p.decide(ctx, analysis)
	if err != nil {
		return nil, &StageError{Stage: StageDecide, Err: err}
	}
	decision = normalise(decision)
	p.metrics.RecordDecision(ctx, string(decision.Action))

	outcome := &Outcome{
		Action:          decision.Action,
		Analysis:        analysis,
		Decision:        decision,
		DroppedMessages: dropped,
	}

	switch decision.Action {
	case ActionNoOp:
		p.logger.Info("staying silent", "channel", msg.ChannelID, "rationale", decision.Rationale)
		return outcome, nil

	case ActionDelegate:
		rec := platform.DelegationRecord{
			ID:        uuid.NewString(),
			ChannelID: msg.ChannelID,
			Rationale: decision.Rationale,
			CreatedAt: time.Now(),
		}
		if p.delegator != nil {
			if err := p.delegator.Delegate(rec); err != nil {
				return nil, &StageError{Stage: StageAct, Err: fmt.Errorf("delegate: %w", err)}
			}
		}
		outcome.Delegation = &rec
		p.logger.Info("delegated", "channel", msg.ChannelID, "delegation_id", rec.ID)
		return outcome, nil

	case ActionRespond:
		if err := p.respond(ctx, msg, numbered, incoming, analysis, decision, outcome); err != nil {
			return nil, &StageError{Stage: StageAct, Err: err}
		}
		return outcome, nil
	}

	return nil, &StageError{Stage: StageDecide, Err: fmt.Errorf("unknown action %q", decision.Action)}
}

// fitHistory trims the oldest history messages until the window fits the
// analyzer's context budget. Returns the kept suffix and the drop count.
func (p *Pipeline) fitHistory(history platform.History) ([]platform.Message, int, error) {
	msgs := history.Messages()
	asLLM := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		asLLM[i] = llm.Message{Role: llm.RoleUser, Content: formatMessage(m)}
	}

	fitted, _, err := p.budget.Fit(asLLM, p.cfg.ReserveTokens)
	if err != nil {
		return nil, 0, err
	}
	kept := len(fitted)
	return msgs[len(msgs)-kept:], len(msgs) - kept, nil
}

// analyze runs the analyze stage and validates its excerpt references against
// the history window actually shown to the model.
func (p *Pipeline) analyze(ctx context.Context, numbered, incoming string, windowLen int) (Analysis, error) {
	start := time.Now()

	tmpl, err := p.prompts.Get(templateAnalyze)
	if err != nil {
		return Analysis{}, err
	}
	rendered, err := tmpl.Render(map[string]string{
		"bot_name":        p.cfg.BotName,
		"channel_history": numbered,
		"message":         incoming,
	})
	if err != nil {
		return Analysis{}, err
	}

	opts := structured.Options[Analysis]{
		MaxRetries: p.cfg.StructuredRetries,
		Check: func(a Analysis) error {
			for _, idx := range a.RelevantExcerpts {
				if idx < 0 || idx >= windowLen {
					return fmt.Errorf("excerpt index %d out of range [0, %d)", idx, windowLen)
				}
			}
			return nil
		},
	}
	analysis, attempts, err := structured.Extract(ctx, p.prov.Analyzer, requestFrom(rendered), opts)
	p.metrics.RecordStage(ctx, string(StageAnalyze), time.Since(start).Seconds(), statusOf(err))
	if err != nil {
		return Analysis{}, err
	}
	if attempts > 1 {
		p.logger.Debug("analysis needed corrective retries", "attempts", attempts)
	}
	return analysis, nil
}

// decide runs the decide stage on the analysis verdict.
func (p *Pipeline) decide(ctx context.Context, analysis Analysis) (ActionDecision, error) {
	start := time.Now()

	tmpl, err := p.prompts.Get(templateDecide)
	if err != nil {
		return ActionDecision{}, err
	}
	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return ActionDecision{}, fmt.Errorf("encode analysis: %w", err)
	}
	rendered, err := tmpl.Render(map[string]string{
		"bot_name": p.cfg.BotName,
		"analysis": string(analysisJSON),
	})
	if err != nil {
		return ActionDecision{}, err
	}

	opts := structured.Options[ActionDecision]{
		MaxRetries: p.cfg.StructuredRetries,
		Check: func(d ActionDecision) error {
			if !d.Action.IsValid() {
				return fmt.Errorf("unknown action %q", d.Action)
			}
			return nil
		},
	}
	decision, _, err := structured.Extract(ctx, p.prov.Decider, requestFrom(rendered), opts)
	p.metrics.RecordStage(ctx, string(StageDecide), time.Since(start).Seconds(), statusOf(err))
	if err != nil {
		return ActionDecision{}, err
	}
	return decision, nil
}

// respond runs the act stage for a respond decision: polish the draft into a
// final reply, running tool calls as the model requests them, then deliver
// the reply in platform-sized chunks.
func (p *Pipeline) respond(ctx context.Context, msg platform.Message, numbered, incoming string, analysis Analysis, decision ActionDecision, outcome *Outcome) error {
	start := time.Now()
	err := p.respondInner(ctx, msg, numbered, incoming, analysis, decision, outcome)
	p.metrics.RecordStage(ctx, string(StageAct), time.Since(start).Seconds(), statusOf(err))
	return err
}

func (p *Pipeline) respondInner(ctx context.Context, msg platform.Message, numbered, incoming string, analysis Analysis, decision ActionDecision, outcome *Outcome) error {
	tmpl, err := p.prompts.Get(templateRespond)
	if err != nil {
		return err
	}
	analysisJSON, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	rendered, err := tmpl.Render(map[string]string{
		"bot_name":        p.cfg.BotName,
		"channel_history": numbered,
		"message":         incoming,
		"analysis":        string(analysisJSON),
		"draft":           decision.ContentDraft,
	})
	if err != nil {
		return err
	}

	req := requestFrom(rendered)
	if p.registry != nil {
		req.Tools = p.registry.Definitions()
	}

	var final string
	for iteration := 0; ; iteration++ {
		if iteration >= p.cfg.MaxToolIterations {
			return fmt.Errorf("%w (limit %d)", ErrToolLoopExceeded, p.cfg.MaxToolIterations)
		}

		llmStart := time.Now()
		resp, err := p.prov.Responder.Complete(ctx, req)
		p.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())
		if err != nil {
			return fmt.Errorf("completion failed: %w", err)
		}
		if resp.FinishReason == llm.FinishContentFilter {
			return fmt.Errorf("%w (draft rationale: %s)", structured.ErrContentFiltered, decision.Rationale)
		}

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			outcome.ToolIterations = iteration
			break
		}
		if p.dispatcher == nil {
			return fmt.Errorf("model requested %d tool call(s) but no dispatcher is configured", len(resp.ToolCalls))
		}

		req.Messages = append(req.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		toolStart := time.Now()
		results := p.dispatcher.DispatchAll(ctx, resp.ToolCalls)
		p.metrics.ToolExecutionDuration.Record(ctx, time.Since(toolStart).Seconds())
		for i, res := range results {
			p.metrics.RecordToolCall(ctx, resp.ToolCalls[i].Name, statusOf(res.Err))
			req.Messages = append(req.Messages, res.Message)
		}
	}

	chunks := platform.ChunkMessage(final, p.cfg.MaxMessageLength)
	for _, chunk := range chunks {
		if err := p.sender.Send(msg.ChannelID, chunk); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}

	outcome.Reply = final
	outcome.ReplyChunks = len(chunks)
	p.logger.Info("replied",
		"channel", msg.ChannelID,
		"chunks", len(chunks),
		"tool_iterations", outcome.ToolIterations)
	return nil
}

// normalise enforces the draft/action invariant: a respond decision must
// carry a usable draft, and only respond decisions carry one. Models
// occasionally emit the literal placeholder "(none)" for an empty draft.
func normalise(d ActionDecision) ActionDecision {
	draft := strings.TrimSpace(d.ContentDraft)
	if strings.EqualFold(draft, "(none)") {
		draft = ""
	}
	if d.Action == ActionRespond && draft == "" {
		d.Action = ActionNoOp
		if d.Rationale != "" {
			d.Rationale += " "
		}
		d.Rationale += "(demoted to no_op: respond decision carried no draft)"
	}
	if d.Action != ActionRespond {
		draft = ""
	}
	d.ContentDraft = draft
	return d
}

// requestFrom converts rendered template messages into a completion request,
// lifting the leading system section into the request's system prompt.
func requestFrom(rendered []llm.Message) llm.CompletionRequest {
	var req llm.CompletionRequest
	for _, m := range rendered {
		if m.Role == llm.RoleSystem && req.SystemPrompt == "" {
			req.SystemPrompt = m.Content
			continue
		}
		req.Messages = append(req.Messages, m)
	}
	return req
}

// formatMessage renders a platform message the way it appears in prompts.
func formatMessage(m platform.Message) string {
	name := m.SpeakerName
	if name == "" {
		name = m.SpeakerID
	}
	return name + ": " + m.Content
}

// numberedHistory renders a history window as numbered lines, oldest first.
// The indices are the reference space for Analysis.RelevantExcerpts.
func numberedHistory(window []platform.Message) string {
	if len(window) == 0 {
		return "(no recent history)"
	}
	var sb strings.Builder
	for i, m := range window {
		fmt.Fprintf(&sb, "%d: %s\n", i, formatMessage(m))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
