// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"encoding/json"
	"errors"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoModel indicates no model is configured. Checked before any
	// network call is made.
	ErrNoModel = errors.New("no model configured")

	// ErrNoOutput indicates the stream ended or failed with zero
	// content received. Distinguished so the UI can offer a retry.
	ErrNoOutput = errors.New("no output generated")
)

// =============================================================================
// STREAM EVENTS
// =============================================================================

// EventKind identifies the variant of a stream event.
type EventKind string

const (
	// EventText is an incremental piece of assistant prose.
	EventText EventKind = "text"

	// EventReasoning is an incremental piece of the thinking trace.
	EventReasoning EventKind = "reasoning"

	// EventToolCall is a complete tool invocation request.
	EventToolCall EventKind = "tool_call"

	// EventToolResult is a completed tool invocation's output.
	EventToolResult EventKind = "tool_result"

	// EventUsage carries the provider's token accounting, typically as
	// the final event before the stream closes.
	EventUsage EventKind = "usage"

	// EventError carries an in-band stream failure. The stream closes
	// after emitting it.
	EventError EventKind = "error"
)

// ToolCall is a normalized tool invocation request from the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the normalized outcome of one tool invocation.
type ToolResult struct {
	CallID  string          `json:"call_id"`
	Name    string          `json:"name"`
	Output  json.RawMessage `json:"output"`
	IsError bool            `json:"is_error,omitempty"`
}

// Usage is the canonical token accounting for one request, normalized
// across providers by the backend adapter.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Cost is the provider-reported cost in dollars, when the provider
	// supplies one. Zero means not reported; the ledger computes it.
	Cost float64 `json:"cost,omitempty"`
}

// Add folds another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}

// Event is one normalized unit of a model response stream.
type Event struct {
	Kind   EventKind
	Delta  string      // EventText, EventReasoning
	Call   *ToolCall   // EventToolCall
	Result *ToolResult // EventToolResult
	Usage  *Usage      // EventUsage
	Err    error       // EventError
}

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// Request is the orchestrator's input to one streaming call.
type Request struct {
	// History is the committed turn sequence prior to this exchange.
	History []*Turn

	// Partial carries the current assistant turn's segments on tool
	// follow-up rounds, so the wire replay includes the pending tool
	// calls and results in order.
	Partial []Segment

	// Prompt is the resolved user prompt for this turn.
	Prompt string

	// System is the system instruction.
	System string

	// Tools is the tool set offered to the model for this round.
	Tools []ToolDef
}

// ToolDef describes one callable tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Streamer is the model backend adapter contract. Stream issues one
// streaming request and delivers normalized events on the returned
// channel; the channel closes when the stream ends. Outright request
// rejections surface as the returned error; mid-stream failures arrive
// in-band as EventError. Cancelling ctx aborts the underlying
// connection.
type Streamer interface {
	// Ready reports whether a model is configured, returning ErrNoModel
	// otherwise. Checked before any network call.
	Ready() error

	// Model returns the active model identifier and base URL for
	// accounting.
	Model() (id, baseURL string)

	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// ToolSource decides which tools are offered for a turn given the
// conversation mode and the attached context items.
type ToolSource interface {
	ToolsFor(mode Mode, items []ContextItem) []ToolDef
}

// ToolInvoker executes one tool call. Failures are reported inside the
// result, never as a Go error: a failed tool becomes an error-status
// tool result segment and the model may react to it.
type ToolInvoker interface {
	Invoke(ctx context.Context, call ToolCall) ToolResult
}

// Prompt is a resolved prompt produced by the context builder.
type Prompt struct {
	// Text is the final prompt sent as the user message.
	Text string

	// Blocks are the materialized context blocks, for diagnostics.
	Blocks []string
}

// PromptBuilder resolves user-attached context items into a final
// prompt. Build may issue secondary model calls (prompt optimization);
// a failure there must not abort the turn, the orchestrator falls back
// to the raw text.
type PromptBuilder interface {
	Build(ctx context.Context, plainText string, items []ContextItem) (Prompt, error)
}

// UsageRecord is one immutable accounting entry appended by the ledger.
type UsageRecord struct {
	Timestamp        int64   `json:"timestamp"` // Unix seconds
	Model            string  `json:"model"`
	BaseURL          string  `json:"base_url"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
	Category         string  `json:"category"`
	Project          string  `json:"project"`
}

// Usage record categories.
const (
	CategoryChat         = "Chat"
	CategoryEmbedding    = "embedding"
	CategoryEditCode     = "editCode"
	CategoryCodeComplete = "codeComplete"
)

// Ledger computes cost and appends usage records.
type Ledger interface {
	// Cost computes the dollar cost for a model's token counts from its
	// pricing table. Returns 0 when the model has no pricing.
	Cost(model string, promptTokens, completionTokens int) float64

	// Append records one immutable usage entry.
	Append(ctx context.Context, rec UsageRecord) error
}

// Saver schedules a debounced conversation write-back. Rapid calls
// during streaming coalesce into one write after a quiet interval.
type Saver interface {
	Schedule(conv *Conversation)
}

// mustJSON marshals a value that cannot fail (maps of strings).
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
