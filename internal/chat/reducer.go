// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// STREAM REDUCER
// =============================================================================

// SnapshotFunc receives the segment list after each folded event. The
// slice is immutable: the reducer never modifies segments it has
// already handed out. done is true exactly once, on the final snapshot.
type SnapshotFunc func(segs []Segment, done bool)

// Reduction is the outcome of folding one event stream.
type Reduction struct {
	// Segments is the final segment list.
	Segments []Segment

	// Usage is the provider-reported accounting, if any arrived.
	Usage *Usage

	// FirstEvent is the wall-clock offset from start to the first event
	// of any kind. Zero when no event arrived.
	FirstEvent time.Duration

	// Interrupted is true when the stream failed after content had
	// accumulated. The failure is swallowed and the partial content
	// kept; callers log it as a warning.
	Interrupted bool
}

// Reduce folds one event stream into a segment list, starting from
// base. It consumes exactly one stream and holds no cross-call state;
// restarting means calling it again on a fresh stream.
//
// Per-event reduction: text and reasoning deltas extend the trailing
// open segment of their kind or open a new one; tool calls and tool
// results always open fresh segments. A snapshot is emitted after every
// folded event.
//
// Failure behavior: an error before any content accumulated is returned
// as ErrNoOutput (wrapping context errors takes priority: cancellation
// is returned as-is). An error after content accumulated is swallowed
// and the partial snapshot returned as final.
func Reduce(ctx context.Context, events <-chan Event, base []Segment, start time.Time, onSnapshot SnapshotFunc) (Reduction, error) {
	red := Reduction{Segments: base}
	sawEvent := false

	emit := func(done bool) {
		if onSnapshot != nil {
			onSnapshot(red.Segments, done)
		}
	}

	fail := func(err error) (Reduction, error) {
		if ctx.Err() != nil {
			return red, ctx.Err()
		}
		if hasContent(red.Segments, base) {
			red.Interrupted = true
			emit(true)
			return red, nil
		}
		if err != nil {
			return red, fmt.Errorf("%w: %v", ErrNoOutput, err)
		}
		return red, ErrNoOutput
	}

	for {
		select {
		case <-ctx.Done():
			return red, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				emit(true)
				return red, nil
			}

			if !sawEvent {
				sawEvent = true
				red.FirstEvent = time.Since(start)
			}

			switch ev.Kind {
			case EventText:
				red.Segments = AppendDelta(red.Segments, SegmentText, ev.Delta)
			case EventReasoning:
				red.Segments = AppendDelta(red.Segments, SegmentReasoning, ev.Delta)
			case EventToolCall:
				if ev.Call != nil {
					red.Segments = AppendToolCall(red.Segments, *ev.Call)
				}
			case EventToolResult:
				if ev.Result != nil {
					red.Segments = AppendToolResult(red.Segments, *ev.Result)
				}
			case EventUsage:
				if ev.Usage != nil {
					u := *ev.Usage
					red.Usage = &u
				}
				continue
			case EventError:
				return fail(ev.Err)
			default:
				continue
			}

			emit(false)
		}
	}
}

// hasContent reports whether segments beyond the base accumulated any
// output: new segments of any kind, or text grown on the trailing base
// segment.
func hasContent(segs, base []Segment) bool {
	if len(segs) > len(base) {
		return true
	}
	if len(segs) == 0 || len(base) == 0 {
		return false
	}
	last := len(base) - 1
	return len(segs[last].Text) > len(base[last].Text)
}
