// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlancehq/parlance/internal/chat"
)

// =============================================================================
// INVOKER
// =============================================================================

// defaultToolTimeout bounds a single tool execution.
const defaultToolTimeout = 30 * time.Second

// Handler executes one tool. The returned string is the tool's output;
// a non-nil error marks the invocation failed.
type Handler func(ctx context.Context, input json.RawMessage) (string, error)

// Invoker dispatches tool calls to registered handlers. It implements
// chat.ToolInvoker: failures become error-status results, never Go
// errors, so the model can see them and react.
type Invoker struct {
	handlers map[string]Handler
	timeout  time.Duration
	log      *logrus.Logger
}

// NewInvoker creates an invoker with no handlers bound.
func NewInvoker(log *logrus.Logger) *Invoker {
	if log == nil {
		log = logrus.New()
	}
	return &Invoker{
		handlers: make(map[string]Handler),
		timeout:  defaultToolTimeout,
		log:      log,
	}
}

// Bind attaches the handler for a tool name.
func (inv *Invoker) Bind(name string, h Handler) {
	inv.handlers[name] = h
}

// SetTimeout overrides the per-invocation timeout.
func (inv *Invoker) SetTimeout(d time.Duration) {
	if d > 0 {
		inv.timeout = d
	}
}

// Invoke runs one tool call and returns its result.
func (inv *Invoker) Invoke(ctx context.Context, call chat.ToolCall) chat.ToolResult {
	started := time.Now()

	h, ok := inv.handlers[call.Name]
	if !ok {
		return errorResult(call, fmt.Sprintf("unknown tool %q", call.Name))
	}

	ctx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	out, err := h(ctx, call.Input)
	elapsed := time.Since(started)

	entry := inv.log.WithFields(logrus.Fields{
		"tool":     call.Name,
		"duration": elapsed.Round(time.Millisecond).String(),
	})
	if err != nil {
		entry.WithError(err).Warn("tool invocation failed")
		return errorResult(call, err.Error())
	}
	entry.Debug("tool invocation completed")

	return chat.ToolResult{
		CallID: call.ID,
		Name:   call.Name,
		Output: payload("output", out),
	}
}

// errorResult wraps a failure message as an error-status result.
func errorResult(call chat.ToolCall, msg string) chat.ToolResult {
	return chat.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Output:  payload("error", msg),
		IsError: true,
	}
}

// payload encodes a single-field JSON object. Marshalling a
// map[string]string cannot fail.
func payload(key, value string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{key: value})
	return data
}
