// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"encoding/json"

	"github.com/parlancehq/parlance/internal/chat"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// Message is one wire-format chat message in the OpenAI-compatible
// request body.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a wire-format tool invocation attached to an assistant
// message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec is a wire-format tool definition in the request body.
type ToolSpec struct {
	Type     string       `json:"type"` // always "function"
	Function FunctionSpec `json:"function"`
}

// FunctionSpec describes one callable function to the model.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// =============================================================================
// HISTORY CONVERSION
// =============================================================================

// WireFromTurns converts the internal turn history to the wire message
// list. Each user turn becomes one user message. Each assistant turn's
// segments become, in original order, one message per segment: text
// segments become assistant text messages, tool call segments become
// assistant tool-call messages, tool result segments become tool-role
// messages. Reasoning segments are excluded from the replay; they are a
// UI artifact, not conversation state. Ordering is preserved exactly
// because tool call/result pairing on the wire is order-sensitive.
func WireFromTurns(turns []*chat.Turn) []Message {
	var msgs []Message
	for _, t := range turns {
		switch t.Role {
		case chat.RoleUser:
			msgs = append(msgs, Message{Role: "user", Content: t.Display})
		case chat.RoleAssistant:
			msgs = append(msgs, wireFromSegments(t.Segments)...)
		}
	}
	return msgs
}

// wireFromSegments converts one assistant turn's segments to wire
// messages in segment order.
func wireFromSegments(segs []chat.Segment) []Message {
	var msgs []Message
	for _, s := range segs {
		switch s.Kind {
		case chat.SegmentText:
			if s.Text != "" {
				msgs = append(msgs, Message{Role: "assistant", Content: s.Text})
			}
		case chat.SegmentToolCall:
			msgs = append(msgs, Message{
				Role: "assistant",
				ToolCalls: []ToolCall{{
					ID:   s.CallID,
					Type: "function",
					Function: FunctionCall{
						Name:      s.ToolName,
						Arguments: string(s.Input),
					},
				}},
			})
		case chat.SegmentToolResult:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    string(s.Output),
				ToolCallID: s.CallID,
			})
		case chat.SegmentReasoning:
			// Excluded from wire replay.
		}
	}
	return msgs
}

// TurnsFromWire reconstructs a turn list from wire messages. Used when
// importing a transcript; consecutive assistant and tool messages fold
// back into one assistant turn's segment sequence, preserving the
// original ordering of tool call/result pairs.
func TurnsFromWire(msgs []Message) []*chat.Turn {
	var turns []*chat.Turn
	var current *chat.Turn

	flush := func() {
		if current != nil {
			current.Display = chat.JoinText(current.Segments)
			turns = append(turns, current)
			current = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case "user":
			flush()
			turns = append(turns, chat.NewUserTurn(m.Content, m.Content, nil))

		case "assistant":
			if current == nil {
				current = chat.NewAssistantTurn()
			}
			if m.Content != "" {
				current.Segments = append(current.Segments, chat.Segment{
					Kind:   chat.SegmentText,
					Status: chat.StatusSuccess,
					Text:   m.Content,
				})
			}
			for _, tc := range m.ToolCalls {
				current.Segments = append(current.Segments, chat.Segment{
					Kind:     chat.SegmentToolCall,
					Status:   chat.StatusSuccess,
					CallID:   tc.ID,
					ToolName: tc.Function.Name,
					Input:    json.RawMessage(tc.Function.Arguments),
				})
			}

		case "tool":
			if current == nil {
				current = chat.NewAssistantTurn()
			}
			current.Segments = append(current.Segments, chat.Segment{
				Kind:   chat.SegmentToolResult,
				Status: chat.StatusSuccess,
				CallID: m.ToolCallID,
				Output: json.RawMessage(m.Content),
			})
		}
	}
	flush()
	return turns
}

// specsFromDefs converts the offered tool set to wire tool specs.
func specsFromDefs(defs []chat.ToolDef) []ToolSpec {
	if len(defs) == 0 {
		return nil
	}
	specs := make([]ToolSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, ToolSpec{
			Type: "function",
			Function: FunctionSpec{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Schema,
			},
		})
	}
	return specs
}
