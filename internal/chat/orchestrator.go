// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultMaxToolRounds is the hard ceiling on sequential tool-call
// round trips within one submission. Reaching it commits the turn with
// whatever content accumulated; the dangling calls are marked failed.
const DefaultMaxToolRounds = 5

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// UpdateFunc receives the conversation after every incremental change
// so the front end can re-render. Called from the submitting goroutine.
type UpdateFunc func(conv *Conversation)

// Options configures an Orchestrator.
type Options struct {
	Backend  Streamer
	Tools    ToolSource
	Invoker  ToolInvoker
	Builder  PromptBuilder
	Ledger   Ledger
	Saver    Saver
	Log      *logrus.Logger
	OnUpdate UpdateFunc

	// MaxToolRounds overrides DefaultMaxToolRounds when positive.
	MaxToolRounds int

	// SystemPrompt overrides the built-in system instruction template.
	SystemPrompt func(model, project string, tools []ToolDef) string
}

// Orchestrator drives one conversation's turns end to end. At most one
// submission is in flight at a time; starting a new one cancels and
// awaits the previous.
type Orchestrator struct {
	conv    *Conversation
	backend Streamer
	tools   ToolSource
	invoker ToolInvoker
	builder PromptBuilder
	ledger  Ledger
	saver   Saver
	log     *logrus.Logger

	onUpdate  UpdateFunc
	maxRounds int
	system    func(model, project string, tools []ToolDef) string

	mu       sync.Mutex
	inflight *inflight
}

// inflight tracks the cancellation token of the active submission. done
// closes when the submission has fully settled, so a successor can wait
// before touching the conversation.
type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator creates an orchestrator bound to one conversation.
func NewOrchestrator(conv *Conversation, opts Options) *Orchestrator {
	rounds := opts.MaxToolRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}
	log := opts.Log
	if log == nil {
		log = logrus.New()
	}
	system := opts.SystemPrompt
	if system == nil {
		system = DefaultSystemPrompt
	}
	return &Orchestrator{
		conv:      conv,
		backend:   opts.Backend,
		tools:     opts.Tools,
		invoker:   opts.Invoker,
		builder:   opts.Builder,
		ledger:    opts.Ledger,
		saver:     opts.Saver,
		log:       log,
		onUpdate:  opts.OnUpdate,
		maxRounds: rounds,
		system:    system,
	}
}

// Conversation returns the conversation this orchestrator drives.
func (o *Orchestrator) Conversation() *Conversation {
	return o.conv
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit drives one user request through to a committed turn, or to a
// committed error-as-message turn. An empty plainText is a no-op: no
// partial turn is created. Submit blocks until the turn settles; Cancel
// may be called concurrently to abort it.
func (o *Orchestrator) Submit(ctx context.Context, displayText, plainText string, items []ContextItem) error {
	if strings.TrimSpace(plainText) == "" {
		return nil
	}

	// Cancel any prior in-flight turn and wait for it to settle, so two
	// streams never interleave writes into the session's turn list.
	run := o.begin(ctx)
	defer run.finish()

	return o.submit(run.ctx, displayText, plainText, items)
}

// run bundles one submission's cancellation token.
type run struct {
	ctx    context.Context
	finish func()
}

// begin cancels the previous submission, waits for it to settle, and
// installs a fresh cancellation token. The check-cancel-wait loop runs
// under the mutex so two racing Submits can never both observe an empty
// slot and stream into the conversation at the same time: exactly one
// installs per settlement, the other re-checks and preempts it.
func (o *Orchestrator) begin(ctx context.Context) run {
	o.mu.Lock()
	for o.inflight != nil {
		prev := o.inflight
		o.mu.Unlock()
		prev.cancel()
		<-prev.done
		o.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	cur := &inflight{cancel: cancel, done: make(chan struct{})}
	o.inflight = cur
	o.mu.Unlock()

	return run{
		ctx: runCtx,
		finish: func() {
			cancel()
			close(cur.done)
			o.mu.Lock()
			if o.inflight == cur {
				o.inflight = nil
			}
			o.mu.Unlock()
		},
	}
}

// Cancel aborts the in-flight submission, if any, and waits for it to
// settle. Idempotent: cancelling with nothing in flight is a no-op.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cur := o.inflight
	o.mu.Unlock()

	if cur == nil {
		return
	}
	cur.cancel()
	<-cur.done
}

// submit runs the full turn sequence under an installed token.
func (o *Orchestrator) submit(ctx context.Context, displayText, plainText string, items []ContextItem) error {
	// Configuration failures surface before any network call.
	if err := o.backend.Ready(); err != nil {
		o.commitErrorTurn(err, ErrorNoModel)
		return nil
	}

	// An edit-intent context item switches the conversation to agent
	// mode, sticky until explicitly reset.
	for _, it := range items {
		if it.EditIntent {
			o.conv.Mode = ModeAgent
			break
		}
	}

	// Resolve context. Failures fall back to the raw prompt; they never
	// abort the turn.
	prompt := Prompt{Text: plainText}
	if o.builder != nil {
		resolved, err := o.builder.Build(ctx, plainText, items)
		switch {
		case err == nil:
			prompt = resolved
		case ctx.Err() != nil:
			return nil
		default:
			o.log.WithError(err).Warn("context resolution failed, using raw prompt")
		}
	}

	var toolset []ToolDef
	if o.tools != nil {
		toolset = o.tools.ToolsFor(o.conv.Mode, items)
	}

	modelID, baseURL := o.backend.Model()
	o.conv.Model = modelID
	system := o.system(modelID, o.conv.Project, toolset)

	history := append([]*Turn(nil), o.conv.Turns...)

	// Anchor turns: the user turn and a zero-segment loading assistant
	// turn, so the UI has something to attach to before the first token.
	userTurn := NewUserTurn(displayText, plainText, items)
	assistant := NewAssistantTurn()
	o.conv.Append(userTurn)
	o.conv.Append(assistant)
	o.emitUpdate()

	start := time.Now()
	outcome, err := o.stream(ctx, assistant, Request{
		History: history,
		Prompt:  prompt.Text,
		System:  system,
		Tools:   toolset,
	}, start)

	switch {
	case err == nil:
		o.commit(assistant, outcome, modelID, baseURL, start)
		return nil

	case errors.Is(err, context.Canceled):
		// User-triggered abort: no turn is committed, no error surfaced.
		o.discard(assistant, userTurn)
		return nil

	case errors.Is(err, ErrNoOutput):
		o.replaceWithError(assistant, err, ErrorNoOutput)
		return nil

	default:
		o.log.WithError(err).WithFields(logrus.Fields{
			"model":    modelID,
			"base_url": baseURL,
		}).Error("turn failed")
		o.replaceWithError(assistant, err, ErrorGeneric)
		return nil
	}
}

// streamOutcome carries the settled result of the round loop.
type streamOutcome struct {
	usage       Usage
	firstToken  time.Duration
	interrupted bool
}

// stream runs the bounded tool round loop, folding each round's event
// stream into the assistant turn's segments.
func (o *Orchestrator) stream(ctx context.Context, assistant *Turn, req Request, start time.Time) (streamOutcome, error) {
	var out streamOutcome

	onSnapshot := func(segs []Segment, done bool) {
		assistant.Segments = segs
		o.emitUpdate()
	}

	for round := 0; round < o.maxRounds; round++ {
		req.Partial = assistant.Segments

		events, err := o.backend.Stream(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if len(assistant.Segments) > 0 {
				// Partial content survives a failed follow-up round.
				o.log.WithError(err).Warn("tool follow-up request failed, keeping partial turn")
				out.interrupted = true
				return out, nil
			}
			return out, fmt.Errorf("stream request: %w", err)
		}

		red, err := Reduce(ctx, events, assistant.Segments, start, onSnapshot)
		assistant.Segments = red.Segments
		if err != nil {
			return out, err
		}
		if round == 0 {
			out.firstToken = red.FirstEvent
		}
		if red.Usage != nil {
			out.usage.Add(*red.Usage)
		}
		if red.Interrupted {
			out.interrupted = true
			return out, nil
		}

		pending := PendingToolCalls(assistant.Segments)
		if len(pending) == 0 {
			if len(assistant.Segments) == 0 {
				return out, ErrNoOutput
			}
			return out, nil
		}

		if round == o.maxRounds-1 {
			// Bound reached while the model still wants tools: commit
			// what accumulated and mark the dangling calls failed.
			assistant.Segments = FailPendingToolCalls(assistant.Segments)
			o.emitUpdate()
			return out, nil
		}

		for _, call := range pending {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			result := o.invoke(ctx, call)
			assistant.Segments = AppendToolResult(assistant.Segments, result)
			o.emitUpdate()
		}
	}

	return out, nil
}

// invoke executes one tool call, converting a missing invoker or a
// panic-free failure into an error-status result.
func (o *Orchestrator) invoke(ctx context.Context, call ToolCall) ToolResult {
	if o.invoker == nil {
		return ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Output:  mustJSON(map[string]string{"error": "no tool executor available"}),
			IsError: true,
		}
	}
	return o.invoker.Invoke(ctx, call)
}

// =============================================================================
// COMMIT PATHS
// =============================================================================

// commit finalizes a successful (possibly partial) assistant turn:
// settles segment statuses, derives the display text, records metrics
// and usage, and schedules a session save.
func (o *Orchestrator) commit(assistant *Turn, outcome streamOutcome, modelID, baseURL string, start time.Time) {
	assistant.Segments = SettleSegments(assistant.Segments)
	assistant.Display = JoinText(assistant.Segments)

	usage := outcome.usage
	cost := usage.Cost
	if cost == 0 && o.ledger != nil {
		cost = o.ledger.Cost(modelID, usage.PromptTokens, usage.CompletionTokens)
	}
	usage.Cost = cost

	assistant.Metrics = &TurnMetrics{
		FirstToken: outcome.firstToken,
		Total:      time.Since(start),
		Usage:      usage,
	}

	if outcome.interrupted {
		o.log.WithField("turn", assistant.ID).Warn("stream interrupted, committed partial content")
	}

	if o.ledger != nil {
		rec := UsageRecord{
			Timestamp:        time.Now().Unix(),
			Model:            modelID,
			BaseURL:          baseURL,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
			Cost:             cost,
			Category:         CategoryChat,
			Project:          o.conv.Project,
		}
		if err := o.ledger.Append(context.Background(), rec); err != nil {
			o.log.WithError(err).Warn("usage record append failed")
		}
	}

	o.emitUpdate()
	o.scheduleSave()
}

// discard removes the cancelled submission's anchor turns. The user
// turn is dropped too: a cancelled send commits nothing.
func (o *Orchestrator) discard(assistant, userTurn *Turn) {
	if o.conv.Last() == assistant {
		o.conv.RemoveLast()
	}
	if o.conv.Last() == userTurn {
		o.conv.RemoveLast()
	}
	o.emitUpdate()
}

// replaceWithError converts the loading assistant turn into a committed
// error-as-message turn. The turn's overall status is success: errors
// render as an assistant message, never as a separate failure state, so
// the UI has no distinct "request failed" path.
func (o *Orchestrator) replaceWithError(assistant *Turn, err error, kind ErrorKind) {
	assistant.Segments = []Segment{{
		Kind:   SegmentText,
		Status: StatusSuccess,
		Text:   formatErrorMessage(err, kind),
	}}
	assistant.Display = JoinText(assistant.Segments)
	assistant.ErrorKind = kind
	o.emitUpdate()
	o.scheduleSave()
}

// commitErrorTurn appends a fresh error-as-message exchange without a
// prior anchor. Used for failures detected before any turn exists.
func (o *Orchestrator) commitErrorTurn(err error, kind ErrorKind) {
	assistant := NewAssistantTurn()
	o.conv.Append(assistant)
	o.replaceWithError(assistant, err, kind)
}

// formatErrorMessage renders an error for the chat bubble.
func formatErrorMessage(err error, kind ErrorKind) string {
	switch kind {
	case ErrorNoModel:
		return "No model is configured. Add a model in settings before sending a message."
	case ErrorNoOutput:
		return "The model produced no output. You can retry this message."
	default:
		return fmt.Sprintf("The request failed: %v", err)
	}
}

// =============================================================================
// RETRY
// =============================================================================

// Retry locates the nearest user turn at or before turnIndex, truncates
// the conversation to just before it, and re-submits its original
// content with exactly the same context items. Repeated retries are
// deterministic given unchanged history.
func (o *Orchestrator) Retry(ctx context.Context, turnIndex int) error {
	o.mu.Lock()
	busy := o.inflight != nil
	o.mu.Unlock()
	if busy {
		o.Cancel()
	}

	user, idx := o.conv.UserTurnAtOrBefore(turnIndex)
	if user == nil {
		return fmt.Errorf("no user turn at or before index %d", turnIndex)
	}

	display := user.Display
	plain := user.Plain
	items := user.ContextItems

	o.conv.TruncateBefore(idx)
	o.emitUpdate()

	return o.Submit(ctx, display, plain, items)
}

// =============================================================================
// HELPERS
// =============================================================================

func (o *Orchestrator) emitUpdate() {
	if o.onUpdate != nil {
		o.onUpdate(o.conv)
	}
}

func (o *Orchestrator) scheduleSave() {
	if o.saver != nil {
		o.saver.Schedule(o.conv)
	}
}

// DefaultSystemPrompt is the built-in system instruction template,
// parameterized by model, project and the offered tool set.
func DefaultSystemPrompt(model, project string, tools []ToolDef) string {
	var sb strings.Builder
	sb.WriteString("You are a coding assistant")
	if project != "" {
		sb.WriteString(" working in the project ")
		sb.WriteString(project)
	}
	sb.WriteString(". You are running as ")
	sb.WriteString(model)
	sb.WriteString(".")
	if len(tools) > 0 {
		sb.WriteString(" You may call the following tools when they help: ")
		for i, t := range tools {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(t.Name)
		}
		sb.WriteString(".")
	}
	sb.WriteString(" Answer concisely and prefer showing code over describing it.")
	return sb.String()
}
