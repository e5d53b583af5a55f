// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

// feed returns a closed channel pre-loaded with the given events.
func feed(events ...Event) <-chan Event {
	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestReduceCoalescesTextAndReasoning(t *testing.T) {
	events := feed(
		Event{Kind: EventText, Delta: "Hel"},
		Event{Kind: EventText, Delta: "lo"},
		Event{Kind: EventText, Delta: "!"},
		Event{Kind: EventReasoning, Delta: "hmm "},
		Event{Kind: EventReasoning, Delta: "ok"},
	)

	red, err := Reduce(context.Background(), events, nil, time.Now(), nil)
	if err != nil {
		t.Fatalf("Reduce() error = %v", err)
	}
	if len(red.Segments) != 2 {
		t.Fatalf("segments = %d, want exactly 2 (one per kind)", len(red.Segments))
	}
	if red.Segments[0].Kind != SegmentText || red.Segments[0].Text != "Hello!" {
		t.Errorf("text segment = %+v", red.Segments[0])
	}
	if red.Segments[1].Kind != SegmentReasoning || red.Segments[1].Text != "hmm ok" {
		t.Errorf("reasoning segment = %+v", red.Segments[1])
	}
}

func TestReduceToolCallsNeverMerge(t *testing.T) {
	events := feed(
		Event{Kind: EventToolCall, Call: &ToolCall{ID: "c1", Name: "read_file"}},
		Event{Kind: EventToolCall, Call: &ToolCall{ID: "c2", Name: "read_file"}},
	)

	red, err := Reduce(context.Background(), events, nil, time.Now(), nil)
	if err != nil {
		t.Fatalf("Reduce() error = %v", err)
	}
	if len(red.Segments) != 2 {
		t.Fatalf("segments = %d, want two distinct tool_call segments", len(red.Segments))
	}
}

func TestReduceImmediateFailureIsNoOutput(t *testing.T) {
	events := feed(Event{Kind: EventError, Err: errors.New("connection reset")})

	_, err := Reduce(context.Background(), events, nil, time.Now(), nil)
	if !errors.Is(err, ErrNoOutput) {
		t.Errorf("error = %v, want ErrNoOutput classification", err)
	}
}

func TestReduceEmptyCleanStream(t *testing.T) {
	red, err := Reduce(context.Background(), feed(), nil, time.Now(), nil)
	if err != nil {
		t.Fatalf("Reduce() error = %v", err)
	}
	if len(red.Segments) != 0 {
		t.Errorf("segments = %+v, want none", red.Segments)
	}
}

func TestReducePartialContentSurvivesFailure(t *testing.T) {
	events := feed(
		Event{Kind: EventText, Delta: "Hello "},
		Event{Kind: EventError, Err: errors.New("mid-stream drop")},
	)

	red, err := Reduce(context.Background(), events, nil, time.Now(), nil)
	if err != nil {
		t.Fatalf("partial failure must not surface an error, got %v", err)
	}
	if !red.Interrupted {
		t.Error("Interrupted should be set after a swallowed failure")
	}
	if len(red.Segments) != 1 || red.Segments[0].Text != "Hello " {
		t.Errorf("segments = %+v, want exactly the partial content", red.Segments)
	}
}

func TestReduceFailureAfterBaseGrowth(t *testing.T) {
	base := AppendDelta(nil, SegmentText, "prior")

	events := feed(
		Event{Kind: EventText, Delta: " more"},
		Event{Kind: EventError, Err: errors.New("drop")},
	)
	red, err := Reduce(context.Background(), events, base, time.Now(), nil)
	if err != nil {
		t.Fatalf("growth on the trailing base segment counts as content, got %v", err)
	}
	if red.Segments[0].Text != "prior more" {
		t.Errorf("text = %q", red.Segments[0].Text)
	}
}

func TestReduceFailureWithoutGrowthFromBase(t *testing.T) {
	base := AppendDelta(nil, SegmentText, "prior")

	events := feed(Event{Kind: EventError, Err: errors.New("drop")})
	_, err := Reduce(context.Background(), events, base, time.Now(), nil)
	if !errors.Is(err, ErrNoOutput) {
		t.Errorf("error = %v, want ErrNoOutput when this stream contributed nothing", err)
	}
}

func TestReduceCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event)

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = Reduce(ctx, events, nil, time.Now(), nil)
	}()

	cancel()
	<-done
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled, never ErrNoOutput", err)
	}
}

func TestReduceUsageAndFirstEvent(t *testing.T) {
	events := feed(
		Event{Kind: EventText, Delta: "hi"},
		Event{Kind: EventUsage, Usage: &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	)

	start := time.Now().Add(-50 * time.Millisecond)
	red, err := Reduce(context.Background(), events, nil, start, nil)
	if err != nil {
		t.Fatalf("Reduce() error = %v", err)
	}
	if red.Usage == nil || red.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", red.Usage)
	}
	if red.FirstEvent <= 0 {
		t.Error("FirstEvent should record the offset to the first event")
	}
}

func TestReduceSnapshots(t *testing.T) {
	events := feed(
		Event{Kind: EventText, Delta: "a"},
		Event{Kind: EventText, Delta: "b"},
	)

	var snapshots int
	var finals int
	_, err := Reduce(context.Background(), events, nil, time.Now(), func(segs []Segment, done bool) {
		snapshots++
		if done {
			finals++
		}
	})
	if err != nil {
		t.Fatalf("Reduce() error = %v", err)
	}
	if snapshots < 2 {
		t.Errorf("snapshots = %d, want one per folded event plus the final", snapshots)
	}
	if finals != 1 {
		t.Errorf("final snapshots = %d, want exactly 1", finals)
	}
}
