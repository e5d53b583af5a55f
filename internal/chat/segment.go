// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"encoding/json"
	"sort"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of a segment or turn.
type Status string

const (
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// =============================================================================
// SEGMENT KIND
// =============================================================================

// SegmentKind identifies the variant of a segment.
type SegmentKind string

const (
	// SegmentText is assistant prose.
	SegmentText SegmentKind = "text"

	// SegmentReasoning is the model's thinking trace. Shown to the user
	// but never replayed to the model (see backend history conversion).
	SegmentReasoning SegmentKind = "reasoning"

	// SegmentToolCall is a tool invocation requested by the model.
	SegmentToolCall SegmentKind = "tool_call"

	// SegmentToolResult is the output of an executed tool call.
	SegmentToolResult SegmentKind = "tool_result"
)

// =============================================================================
// SEGMENT
// =============================================================================

// Segment is one typed chunk of an assistant turn's content.
//
// Text and Reasoning segments carry Text. ToolCall segments carry
// CallID, ToolName and Input. ToolResult segments carry CallID,
// ToolName and Output.
type Segment struct {
	Kind   SegmentKind `json:"kind"`
	Status Status      `json:"status"`

	// Text content for text and reasoning segments.
	Text string `json:"text,omitempty"`

	// Tool call / tool result fields.
	CallID   string          `json:"call_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
}

// IsTextual reports whether the segment accumulates streamed text.
func (s Segment) IsTextual() bool {
	return s.Kind == SegmentText || s.Kind == SegmentReasoning
}

// open reports whether the segment can still absorb deltas of its kind.
func (s Segment) open() bool {
	return s.IsTextual() && s.Status == StatusLoading
}

// =============================================================================
// SEGMENT LIST REDUCTION
// =============================================================================

// The append helpers below are pure: they return a new slice and never
// mutate segments already handed out in a snapshot. The coalescing
// invariant is that at most one trailing open segment of a given
// textual kind exists at any time during a single stream.

// AppendDelta folds a text or reasoning delta into the segment list.
// If the trailing segment has the same kind and is still open, the
// delta extends it; otherwise a new loading segment is opened. Text and
// reasoning never coalesce with each other.
func AppendDelta(segs []Segment, kind SegmentKind, delta string) []Segment {
	if delta == "" {
		return segs
	}
	n := len(segs)
	if n > 0 && segs[n-1].Kind == kind && segs[n-1].open() {
		out := make([]Segment, n)
		copy(out, segs)
		out[n-1].Text += delta
		return out
	}
	out := make([]Segment, n, n+1)
	copy(out, segs)
	return append(out, Segment{
		Kind:   kind,
		Status: StatusLoading,
		Text:   delta,
	})
}

// AppendToolCall appends a tool call segment. Tool calls are never
// coalesced; every call opens a fresh segment.
func AppendToolCall(segs []Segment, call ToolCall) []Segment {
	out := make([]Segment, len(segs), len(segs)+1)
	copy(out, segs)
	return append(out, Segment{
		Kind:     SegmentToolCall,
		Status:   StatusLoading,
		CallID:   call.ID,
		ToolName: call.Name,
		Input:    call.Input,
	})
}

// AppendToolResult appends a tool result segment and settles the
// earliest still-unanswered tool call segment with the same id: success
// when the result carries output, error when the tool reported a
// failure. Pairing is positional so a provider that reuses a call id
// cannot have a later call settled by an earlier call's result.
func AppendToolResult(segs []Segment, res ToolResult) []Segment {
	out := make([]Segment, len(segs), len(segs)+1)
	copy(out, segs)

	callStatus := StatusSuccess
	resStatus := StatusSuccess
	if res.IsError {
		callStatus = StatusError
		resStatus = StatusError
	}
	for i := range out {
		if out[i].Kind == SegmentToolCall && out[i].CallID == res.CallID && out[i].Status == StatusLoading {
			out[i].Status = callStatus
			break
		}
	}

	return append(out, Segment{
		Kind:     SegmentToolResult,
		Status:   resStatus,
		CallID:   res.CallID,
		ToolName: res.Name,
		Output:   res.Output,
	})
}

// SettleSegments marks every non-error segment as success. Called when
// a stream completes so that no segment is left loading.
func SettleSegments(segs []Segment) []Segment {
	out := make([]Segment, len(segs))
	copy(out, segs)
	for i := range out {
		if out[i].Status != StatusError {
			out[i].Status = StatusSuccess
		}
	}
	return out
}

// unansweredCallIndexes pairs each tool result with the earliest
// preceding unanswered tool call carrying the same id and returns the
// indexes of the calls left without a result, in arrival order.
func unansweredCallIndexes(segs []Segment) []int {
	open := make(map[string][]int)
	for i, s := range segs {
		switch s.Kind {
		case SegmentToolCall:
			open[s.CallID] = append(open[s.CallID], i)
		case SegmentToolResult:
			if q := open[s.CallID]; len(q) > 0 {
				open[s.CallID] = q[1:]
			}
		}
	}

	var idx []int
	for _, q := range open {
		idx = append(idx, q...)
	}
	sort.Ints(idx)
	return idx
}

// PendingToolCalls returns the tool call segments that have no matching
// tool result segment yet, in arrival order. A result answers only one
// call, so a repeated call id stays pending until its own result lands.
func PendingToolCalls(segs []Segment) []ToolCall {
	var pending []ToolCall
	for _, i := range unansweredCallIndexes(segs) {
		pending = append(pending, ToolCall{
			ID:    segs[i].CallID,
			Name:  segs[i].ToolName,
			Input: segs[i].Input,
		})
	}
	return pending
}

// FailPendingToolCalls marks unanswered tool calls as error. Used when
// the tool round bound is reached while the model is still requesting
// tools: the turn commits with whatever content accumulated and the
// dangling calls are visibly marked failed.
func FailPendingToolCalls(segs []Segment) []Segment {
	out := make([]Segment, len(segs))
	copy(out, segs)
	for _, i := range unansweredCallIndexes(out) {
		out[i].Status = StatusError
	}
	return out
}

// JoinText concatenates the text segments of a segment list in order.
// This is the turn's top-level display content for assistant turns.
func JoinText(segs []Segment) string {
	var out string
	for _, s := range segs {
		if s.Kind == SegmentText {
			out += s.Text
		}
	}
	return out
}

// =============================================================================
// TOOL INVOCATION PAIRING
// =============================================================================

// ToolInvocation pairs a tool call segment with its result segment by
// call id. Result is nil while the call is outstanding or when the
// stream terminated before the result arrived.
type ToolInvocation struct {
	Call   Segment
	Result *Segment
}

// Invocations extracts the tool invocation records from a segment list,
// pairing each result with the earliest preceding unanswered call of
// the same id.
func Invocations(segs []Segment) []ToolInvocation {
	var inv []ToolInvocation
	open := make(map[string][]int)

	for _, s := range segs {
		switch s.Kind {
		case SegmentToolCall:
			open[s.CallID] = append(open[s.CallID], len(inv))
			inv = append(inv, ToolInvocation{Call: s})
		case SegmentToolResult:
			if q := open[s.CallID]; len(q) > 0 {
				res := s
				inv[q[0]].Result = &res
				open[s.CallID] = q[1:]
			}
		}
	}
	return inv
}
