// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE AND MODE
// =============================================================================

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Mode gates which tools are attached to a request.
type Mode string

const (
	// ModeAsk exposes read-only tools (web search, external lookups).
	ModeAsk Mode = "ask"

	// ModeAgent additionally exposes editing tools. Once a conversation
	// enters agent mode it stays there until explicitly reset.
	ModeAgent Mode = "agent"
)

// =============================================================================
// ERROR KIND
// =============================================================================

// ErrorKind distinguishes failure flavors on a committed turn so the UI
// can offer the right affordance without parsing message text.
type ErrorKind string

const (
	// ErrorNone means the turn completed normally.
	ErrorNone ErrorKind = ""

	// ErrorNoOutput means the stream produced zero content. The UI
	// shows a retry affordance for this kind.
	ErrorNoOutput ErrorKind = "no_output"

	// ErrorNoModel means no model was configured when the request began.
	ErrorNoModel ErrorKind = "no_model"

	// ErrorGeneric covers all other reported failures.
	ErrorGeneric ErrorKind = "generic"
)

// =============================================================================
// CONTEXT ITEM
// =============================================================================

// ContextItemKind identifies the sort of reference a user attached.
type ContextItemKind string

const (
	ContextFile      ContextItemKind = "file"
	ContextSelection ContextItemKind = "selection"
	ContextSearchHit ContextItemKind = "search_hit"
	ContextEditBlock ContextItemKind = "edit_block"
)

// ContextItem is a user-attached context reference. The context builder
// resolves items into materialized text blocks; the orchestrator stores
// them on the user turn so a retry reuses exactly the same items.
type ContextItem struct {
	Kind ContextItemKind `json:"kind"`

	// Name is the reference label (a path for files, a query for
	// search hits).
	Name string `json:"name"`

	// Value is inline content, if the item carries its own text
	// (selections, prior search results).
	Value string `json:"value,omitempty"`

	// EditIntent marks items that signal the user wants code changed.
	// Submitting a turn with an edit-intent item switches the
	// conversation to agent mode.
	EditIntent bool `json:"edit_intent,omitempty"`
}

// =============================================================================
// TURN
// =============================================================================

// TurnMetrics holds the timing and usage figures for an assistant turn.
type TurnMetrics struct {
	FirstToken time.Duration `json:"first_token_ns,omitempty"`
	Total      time.Duration `json:"total_ns,omitempty"`
	Usage      Usage         `json:"usage"`
}

// Turn is one request/response exchange unit.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// Display is the top-level content string. For user turns it is the
	// rendered input; for assistant turns it is the concatenation of the
	// text segments once the turn commits.
	Display string `json:"display"`

	// Plain is the raw prompt text of a user turn, kept so retries are
	// deterministic.
	Plain string `json:"plain,omitempty"`

	// ContextItems are the references attached to a user turn.
	ContextItems []ContextItem `json:"context_items,omitempty"`

	// Segments is the ordered segment sequence of an assistant turn.
	// Append-only while a stream is active.
	Segments []Segment `json:"segments,omitempty"`

	// ErrorKind classifies a failure surfaced as an assistant message.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Metrics is set when an assistant turn commits.
	Metrics *TurnMetrics `json:"metrics,omitempty"`
}

// NewUserTurn creates a user turn carrying the display text, the raw
// prompt and the attached context items.
func NewUserTurn(display, plain string, items []ContextItem) *Turn {
	return &Turn{
		ID:           newTurnID(),
		Role:         RoleUser,
		CreatedAt:    time.Now(),
		Display:      display,
		Plain:        plain,
		ContextItems: items,
	}
}

// NewAssistantTurn creates an empty assistant turn. It reports loading
// until segments arrive and settle, giving the UI an anchor before the
// first token.
func NewAssistantTurn() *Turn {
	return &Turn{
		ID:        newTurnID(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}
}

// Status derives the turn status from its segments: loading while any
// segment is loading (or while an assistant turn has none), error if
// any segment failed, success otherwise.
func (t *Turn) Status() Status {
	if t.Role == RoleUser {
		return StatusSuccess
	}
	if len(t.Segments) == 0 {
		if t.Display != "" {
			// Committed error-as-message turn.
			return StatusSuccess
		}
		return StatusLoading
	}
	status := StatusSuccess
	for _, s := range t.Segments {
		switch s.Status {
		case StatusLoading:
			return StatusLoading
		case StatusError:
			status = StatusError
		}
	}
	return status
}

// Preview returns a truncated single-line preview of the display text.
func (t *Turn) Preview(maxLen int) string {
	content := strings.ReplaceAll(t.Display, "\n", " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// =============================================================================
// CONVERSATION
// =============================================================================

// Conversation is an ordered sequence of turns within a project
// namespace.
type Conversation struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Mode      Mode      `json:"mode"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Turns []*Turn `json:"turns"`
}

// NewConversation creates an empty conversation in ask mode.
func NewConversation(project string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        newConversationID(),
		Project:   project,
		Mode:      ModeAsk,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a turn to the conversation.
func (c *Conversation) Append(t *Turn) {
	c.Turns = append(c.Turns, t)
	c.UpdatedAt = time.Now()
}

// Last returns the most recent turn, or nil when empty.
func (c *Conversation) Last() *Turn {
	if len(c.Turns) == 0 {
		return nil
	}
	return c.Turns[len(c.Turns)-1]
}

// RemoveLast drops the most recent turn. Used when a cancelled
// submission discards its placeholder.
func (c *Conversation) RemoveLast() {
	if len(c.Turns) == 0 {
		return
	}
	c.Turns = c.Turns[:len(c.Turns)-1]
	c.UpdatedAt = time.Now()
}

// UserTurnAtOrBefore walks backwards from index and returns the nearest
// user turn together with its position, or (nil, -1).
func (c *Conversation) UserTurnAtOrBefore(index int) (*Turn, int) {
	if index >= len(c.Turns) {
		index = len(c.Turns) - 1
	}
	for i := index; i >= 0; i-- {
		if c.Turns[i].Role == RoleUser {
			return c.Turns[i], i
		}
	}
	return nil, -1
}

// TruncateBefore drops the turn at index and everything after it.
func (c *Conversation) TruncateBefore(index int) {
	if index < 0 || index > len(c.Turns) {
		return
	}
	c.Turns = c.Turns[:index]
	c.UpdatedAt = time.Now()
}

// ResetMode returns the conversation to ask mode. Agent mode is sticky
// until this is called.
func (c *Conversation) ResetMode() {
	c.Mode = ModeAsk
}

// Title derives a listing title from the first user turn.
func (c *Conversation) Title() string {
	for _, t := range c.Turns {
		if t.Role == RoleUser {
			return t.Preview(50)
		}
	}
	return "New conversation"
}

// =============================================================================
// ID HELPERS
// =============================================================================

func newTurnID() string {
	return "turn_" + uuid.NewString()
}

func newConversationID() string {
	return "conv_" + uuid.NewString()
}
