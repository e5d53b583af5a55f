// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// FAKES
// =============================================================================

// scriptedBackend replays one event script per Stream call. With
// holdFirst set, the first call emits its script and then blocks until
// cancellation, simulating a long-running stream. stepDelay spaces the
// emitted events out in time.
type scriptedBackend struct {
	rounds    [][]Event
	initErr   error
	notReady  bool
	holdFirst bool
	stepDelay time.Duration

	mu    sync.Mutex
	calls int
}

func (b *scriptedBackend) Ready() error {
	if b.notReady {
		return ErrNoModel
	}
	return nil
}

func (b *scriptedBackend) Model() (string, string) {
	return "test/model", "https://backend.test/v1"
}

func (b *scriptedBackend) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if b.initErr != nil {
		return nil, b.initErr
	}

	b.mu.Lock()
	idx := b.calls
	b.calls++
	var script []Event
	if idx < len(b.rounds) {
		script = b.rounds[idx]
	}
	b.mu.Unlock()

	ch := make(chan Event)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
			if b.stepDelay > 0 {
				select {
				case <-time.After(b.stepDelay):
				case <-ctx.Done():
					return
				}
			}
		}
		if b.holdFirst && idx == 0 {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (b *scriptedBackend) streamCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// recordingLedger computes a fixed per-token rate and keeps appended
// records.
type recordingLedger struct {
	rate    float64
	records []UsageRecord
}

func (l *recordingLedger) Cost(model string, promptTokens, completionTokens int) float64 {
	return l.rate * float64(promptTokens+completionTokens)
}

func (l *recordingLedger) Append(_ context.Context, rec UsageRecord) error {
	l.records = append(l.records, rec)
	return nil
}

// countingSaver counts save requests.
type countingSaver struct {
	scheduled int
}

func (s *countingSaver) Schedule(*Conversation) { s.scheduled++ }

// fixedTools offers a constant tool set.
type fixedTools struct {
	defs []ToolDef
}

func (f *fixedTools) ToolsFor(Mode, []ContextItem) []ToolDef { return f.defs }

// mapInvoker answers tool calls from a fixed table.
type mapInvoker struct {
	outputs map[string]string
}

func (m *mapInvoker) Invoke(_ context.Context, call ToolCall) ToolResult {
	out, ok := m.outputs[call.Name]
	if !ok {
		return ToolResult{CallID: call.ID, Name: call.Name, IsError: true}
	}
	return ToolResult{CallID: call.ID, Name: call.Name, Output: json.RawMessage(`{"output":"` + out + `"}`)}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func textEvents(deltas ...string) []Event {
	evs := make([]Event, 0, len(deltas))
	for _, d := range deltas {
		evs = append(evs, Event{Kind: EventText, Delta: d})
	}
	return evs
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmitEmptyPromptIsNoOp(t *testing.T) {
	conv := NewConversation("p")
	o := NewOrchestrator(conv, Options{
		Backend: &scriptedBackend{},
		Log:     quietLogger(),
	})

	if err := o.Submit(context.Background(), "  ", "  ", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(conv.Turns) != 0 {
		t.Errorf("turns = %d, want no partial turn from an empty prompt", len(conv.Turns))
	}
}

func TestSubmitNoModelConfigured(t *testing.T) {
	conv := NewConversation("p")
	o := NewOrchestrator(conv, Options{
		Backend: &scriptedBackend{notReady: true},
		Log:     quietLogger(),
	})

	if err := o.Submit(context.Background(), "hi", "hi", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(conv.Turns) != 1 {
		t.Fatalf("turns = %d, want one committed error turn", len(conv.Turns))
	}
	turn := conv.Turns[0]
	if turn.ErrorKind != ErrorNoModel {
		t.Errorf("ErrorKind = %q, want no-model classification", turn.ErrorKind)
	}
	if turn.Status() != StatusSuccess {
		t.Errorf("status = %q, error turns commit as success", turn.Status())
	}
}

func TestSubmitCommitsTextTurn(t *testing.T) {
	conv := NewConversation("p")
	ledger := &recordingLedger{rate: 0.001}
	saver := &countingSaver{}
	backend := &scriptedBackend{rounds: [][]Event{
		append(textEvents("Hello", " world"),
			Event{Kind: EventUsage, Usage: &Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}}),
	}}

	o := NewOrchestrator(conv, Options{
		Backend: backend,
		Ledger:  ledger,
		Saver:   saver,
		Log:     quietLogger(),
	})

	if err := o.Submit(context.Background(), "greet", "greet", nil); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if len(conv.Turns) != 2 {
		t.Fatalf("turns = %d, want user + assistant", len(conv.Turns))
	}
	assistant := conv.Turns[1]
	if assistant.Display != "Hello world" {
		t.Errorf("Display = %q", assistant.Display)
	}
	if assistant.Status() != StatusSuccess {
		t.Errorf("status = %q", assistant.Status())
	}
	if assistant.Metrics == nil {
		t.Fatal("metrics missing on committed turn")
	}
	if assistant.Metrics.Usage.TotalTokens != 14 {
		t.Errorf("usage = %+v", assistant.Metrics.Usage)
	}

	// No provider cost: the ledger rate applies.
	wantCost := 0.001 * 14
	if assistant.Metrics.Usage.Cost != wantCost {
		t.Errorf("cost = %v, want ledger-computed %v", assistant.Metrics.Usage.Cost, wantCost)
	}
	if len(ledger.records) != 1 || ledger.records[0].Category != CategoryChat {
		t.Errorf("ledger records = %+v", ledger.records)
	}
	if saver.scheduled == 0 {
		t.Error("commit should schedule a session save")
	}
}

func TestSubmitProviderCostWins(t *testing.T) {
	conv := NewConversation("p")
	ledger := &recordingLedger{rate: 100}
	backend := &scriptedBackend{rounds: [][]Event{
		append(textEvents("ok"),
			Event{Kind: EventUsage, Usage: &Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10, Cost: 0.42}}),
	}}

	o := NewOrchestrator(conv, Options{Backend: backend, Ledger: ledger, Log: quietLogger()})
	if err := o.Submit(context.Background(), "q", "q", nil); err != nil {
		t.Fatal(err)
	}

	got := conv.Turns[1].Metrics.Usage.Cost
	if got != 0.42 {
		t.Errorf("cost = %v, provider-supplied cost must skip local computation", got)
	}
}

func TestSubmitNoOutput(t *testing.T) {
	conv := NewConversation("p")
	backend := &scriptedBackend{rounds: [][]Event{
		{{Kind: EventError, Err: errors.New("upstream 502")}},
	}}

	o := NewOrchestrator(conv, Options{Backend: backend, Log: quietLogger()})
	if err := o.Submit(context.Background(), "q", "q", nil); err != nil {
		t.Fatal(err)
	}

	assistant := conv.Turns[1]
	if assistant.ErrorKind != ErrorNoOutput {
		t.Errorf("ErrorKind = %q, want the distinguishable no-output kind", assistant.ErrorKind)
	}
	if assistant.Status() != StatusSuccess {
		t.Errorf("status = %q, want success (error-as-message)", assistant.Status())
	}
}

func TestSubmitPartialContentSurvives(t *testing.T) {
	conv := NewConversation("p")
	backend := &scriptedBackend{rounds: [][]Event{
		append(textEvents("Hello "), Event{Kind: EventError, Err: errors.New("drop")}),
	}}

	o := NewOrchestrator(conv, Options{Backend: backend, Log: quietLogger()})
	if err := o.Submit(context.Background(), "q", "q", nil); err != nil {
		t.Fatal(err)
	}

	assistant := conv.Turns[1]
	if assistant.Display != "Hello " {
		t.Errorf("Display = %q, want exactly the partial content", assistant.Display)
	}
	if assistant.ErrorKind != ErrorNone {
		t.Errorf("ErrorKind = %q, partial commits are not errors", assistant.ErrorKind)
	}
	if assistant.Status() != StatusSuccess {
		t.Errorf("status = %q", assistant.Status())
	}
}

func TestSubmitStreamInitFailure(t *testing.T) {
	conv := NewConversation("p")
	backend := &scriptedBackend{initErr: errors.New("401 unauthorized")}

	o := NewOrchestrator(conv, Options{Backend: backend, Log: quietLogger()})
	if err := o.Submit(context.Background(), "q", "q", nil); err != nil {
		t.Fatal(err)
	}

	assistant := conv.Turns[1]
	if assistant.ErrorKind != ErrorGeneric {
		t.Errorf("ErrorKind = %q, want generic classification", assistant.ErrorKind)
	}
	if !strings.Contains(assistant.Display, "401") {
		t.Errorf("Display = %q, want the failure surfaced in the bubble", assistant.Display)
	}
}

// =============================================================================
// TOOL ROUNDS
// =============================================================================

func TestSubmitToolRound(t *testing.T) {
	conv := NewConversation("p")
	conv.Mode = ModeAgent
	backend := &scriptedBackend{rounds: [][]Event{
		{{Kind: EventToolCall, Call: &ToolCall{ID: "c1", Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)}}},
		textEvents("the file says hi"),
	}}

	o := NewOrchestrator(conv, Options{
		Backend: backend,
		Tools:   &fixedTools{defs: []ToolDef{{Name: "read_file"}}},
		Invoker: &mapInvoker{outputs: map[string]string{"read_file": "package a"}},
		Log:     quietLogger(),
	})

	if err := o.Submit(context.Background(), "read it", "read it", nil); err != nil {
		t.Fatal(err)
	}

	assistant := conv.Turns[1]
	kinds := make([]SegmentKind, 0, len(assistant.Segments))
	for _, s := range assistant.Segments {
		kinds = append(kinds, s.Kind)
	}
	want := []SegmentKind{SegmentToolCall, SegmentToolResult, SegmentText}
	if len(kinds) != len(want) {
		t.Fatalf("segment kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("segment kinds = %v, want %v", kinds, want)
		}
	}
	if assistant.Display != "the file says hi" {
		t.Errorf("Display = %q", assistant.Display)
	}
	if backend.streamCalls() != 2 {
		t.Errorf("stream calls = %d, want 2 rounds", backend.streamCalls())
	}
}

func TestSubmitToolRoundBound(t *testing.T) {
	conv := NewConversation("p")
	conv.Mode = ModeAgent

	// Every round requests another tool call; the loop must stop at the
	// bound and mark the dangling call failed. Call ids are unique per
	// round, as the data model requires within one turn.
	rounds := make([][]Event, DefaultMaxToolRounds)
	for i := range rounds {
		rounds[i] = []Event{
			{Kind: EventText, Delta: "step "},
			{Kind: EventToolCall, Call: &ToolCall{ID: fmt.Sprintf("c%d", i), Name: "loop", Input: json.RawMessage(`{}`)}},
		}
	}
	backend := &scriptedBackend{rounds: rounds}

	o := NewOrchestrator(conv, Options{
		Backend: backend,
		Invoker: &mapInvoker{outputs: map[string]string{"loop": "again"}},
		Log:     quietLogger(),
	})

	if err := o.Submit(context.Background(), "go", "go", nil); err != nil {
		t.Fatal(err)
	}

	if backend.streamCalls() != DefaultMaxToolRounds {
		t.Errorf("stream calls = %d, want the hard bound %d", backend.streamCalls(), DefaultMaxToolRounds)
	}

	assistant := conv.Turns[1]
	if assistant.ErrorKind != ErrorNone {
		t.Errorf("ErrorKind = %q, reaching the bound is not an error", assistant.ErrorKind)
	}

	var dangling *Segment
	for i := len(assistant.Segments) - 1; i >= 0; i-- {
		if assistant.Segments[i].Kind == SegmentToolCall {
			dangling = &assistant.Segments[i]
			break
		}
	}
	if dangling == nil {
		t.Fatal("expected a trailing tool call segment")
	}
	if dangling.Status != StatusError {
		t.Errorf("dangling call status = %q, want visibly failed", dangling.Status)
	}
}

func TestSubmitEditIntentSwitchesToAgentMode(t *testing.T) {
	conv := NewConversation("p")
	backend := &scriptedBackend{rounds: [][]Event{textEvents("done")}}

	o := NewOrchestrator(conv, Options{Backend: backend, Log: quietLogger()})
	items := []ContextItem{{Kind: ContextEditBlock, Name: "main.go", EditIntent: true}}
	if err := o.Submit(context.Background(), "fix", "fix", items); err != nil {
		t.Fatal(err)
	}

	if conv.Mode != ModeAgent {
		t.Errorf("mode = %q, want sticky agent mode after an edit-intent item", conv.Mode)
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancelIdempotent(t *testing.T) {
	conv := NewConversation("p")
	o := NewOrchestrator(conv, Options{Backend: &scriptedBackend{}, Log: quietLogger()})

	// Nothing in flight: both calls are no-ops.
	o.Cancel()
	o.Cancel()
	if len(conv.Turns) != 0 {
		t.Errorf("turns = %d, cancel must not change state", len(conv.Turns))
	}
}

func TestCancelDiscardsEverything(t *testing.T) {
	conv := NewConversation("p")
	updates := make(chan struct{}, 64)
	backend := &scriptedBackend{
		rounds:    [][]Event{textEvents("partial ")},
		holdFirst: true,
	}

	o := NewOrchestrator(conv, Options{
		Backend: backend,
		Log:     quietLogger(),
		OnUpdate: func(*Conversation) {
			select {
			case updates <- struct{}{}:
			default:
			}
		},
	})

	done := make(chan error, 1)
	go func() { done <- o.Submit(context.Background(), "long task", "long task", nil) }()

	// Wait for the anchor turns and the first streamed delta.
	for i := 0; i < 2; i++ {
		select {
		case <-updates:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for stream progress")
		}
	}

	o.Cancel()
	if err := <-done; err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if len(conv.Turns) != 0 {
		t.Errorf("turns = %d, a cancelled send must commit nothing", len(conv.Turns))
	}
}

func TestSecondSubmitPreemptsFirst(t *testing.T) {
	conv := NewConversation("p")
	updates := make(chan struct{}, 64)
	backend := &scriptedBackend{
		rounds: [][]Event{
			textEvents("FIRST partial"),
			textEvents("SECOND answer"),
		},
		holdFirst: true,
	}

	o := NewOrchestrator(conv, Options{
		Backend: backend,
		Log:     quietLogger(),
		OnUpdate: func(*Conversation) {
			select {
			case updates <- struct{}{}:
			default:
			}
		},
	})

	firstDone := make(chan error, 1)
	go func() { firstDone <- o.Submit(context.Background(), "first", "first", nil) }()

	for i := 0; i < 2; i++ {
		select {
		case <-updates:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the first stream")
		}
	}

	if err := o.Submit(context.Background(), "second", "second", nil); err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if err := <-firstDone; err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	if len(conv.Turns) != 2 {
		t.Fatalf("turns = %d, want exactly the second exchange", len(conv.Turns))
	}
	if conv.Turns[0].Display != "second" {
		t.Errorf("user turn = %q, want the second submission", conv.Turns[0].Display)
	}
	assistant := conv.Turns[1]
	if assistant.Display != "SECOND answer" {
		t.Errorf("assistant = %q", assistant.Display)
	}
	if strings.Contains(assistant.Display, "FIRST") {
		t.Error("first submission's partial output leaked into the second turn")
	}
}

func TestSimultaneousSubmitsNeverInterleave(t *testing.T) {
	conv := NewConversation("p")
	backend := &scriptedBackend{
		rounds: [][]Event{
			textEvents("first ", "answer"),
			textEvents("second ", "answer"),
		},
		stepDelay: 5 * time.Millisecond,
	}

	// Updates are documented to run on the submitting goroutine, one
	// submission at a time. Overlapping invocations mean two streams
	// were folding into the conversation concurrently.
	var busy, overlapped int32
	o := NewOrchestrator(conv, Options{
		Backend: backend,
		Log:     quietLogger(),
		OnUpdate: func(*Conversation) {
			if !atomic.CompareAndSwapInt32(&busy, 0, 1) {
				atomic.StoreInt32(&overlapped, 1)
				return
			}
			time.Sleep(time.Millisecond)
			atomic.StoreInt32(&busy, 0)
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			prompt := fmt.Sprintf("prompt %d", n)
			if err := o.Submit(context.Background(), prompt, prompt, nil); err != nil {
				t.Errorf("Submit() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&overlapped) != 0 {
		t.Fatal("two submissions streamed into the conversation at the same time")
	}

	// One exchange when the loser was preempted mid-flight, two when
	// they happened to run back to back; never a torn half-exchange.
	if len(conv.Turns)%2 != 0 || len(conv.Turns) > 4 {
		t.Fatalf("turns = %d, want whole exchanges only", len(conv.Turns))
	}
	for i, turn := range conv.Turns {
		if i%2 == 0 {
			if turn.Role != RoleUser {
				t.Fatalf("turn %d role = %q, exchanges interleaved", i, turn.Role)
			}
			continue
		}
		if turn.Role != RoleAssistant {
			t.Fatalf("turn %d role = %q, exchanges interleaved", i, turn.Role)
		}
		if turn.Status() != StatusSuccess {
			t.Errorf("assistant turn %d status = %q, want committed", i, turn.Status())
		}
	}
}

// =============================================================================
// RETRY
// =============================================================================

func TestRetryResubmitsOriginalContent(t *testing.T) {
	conv := NewConversation("p")
	backend := &scriptedBackend{rounds: [][]Event{
		textEvents("first answer"),
		textEvents("second answer"),
	}}

	o := NewOrchestrator(conv, Options{Backend: backend, Log: quietLogger()})
	items := []ContextItem{{Kind: ContextSelection, Name: "sel", Value: "x := 1"}}
	if err := o.Submit(context.Background(), "explain", "explain", items); err != nil {
		t.Fatal(err)
	}

	// Retry pointing at the assistant turn resolves to the user turn
	// before it.
	if err := o.Retry(context.Background(), 1); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	if len(conv.Turns) != 2 {
		t.Fatalf("turns = %d, want the retried exchange only", len(conv.Turns))
	}
	user := conv.Turns[0]
	if user.Display != "explain" || len(user.ContextItems) != 1 {
		t.Errorf("retried user turn = %+v, want original content and items", user)
	}
	if conv.Turns[1].Display != "second answer" {
		t.Errorf("assistant = %q", conv.Turns[1].Display)
	}
}

func TestRetryWithoutUserTurn(t *testing.T) {
	conv := NewConversation("p")
	o := NewOrchestrator(conv, Options{Backend: &scriptedBackend{}, Log: quietLogger()})

	if err := o.Retry(context.Background(), 0); err == nil {
		t.Error("Retry() on an empty conversation should fail")
	}
}
