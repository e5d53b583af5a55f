// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package contextref

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/parlancehq/parlance/internal/chat"
)

// =============================================================================
// MODEL OPTIMIZER
// =============================================================================

// optimizeSystem instructs the secondary model to tighten a prompt
// without changing its meaning.
const optimizeSystem = `You rewrite user prompts for a coding assistant. ` +
	`Tighten wording, keep every technical detail and all included context verbatim, ` +
	`and reply with the rewritten prompt only.`

// defaultOptimizeTimeout bounds the secondary model call so a slow
// optimizer cannot stall the turn.
const defaultOptimizeTimeout = 10 * time.Second

// ModelOptimizer rewrites prompts through a secondary streaming model
// call. It implements Optimizer.
type ModelOptimizer struct {
	backend chat.Streamer
	timeout time.Duration
}

// NewModelOptimizer creates an optimizer backed by the given streamer.
func NewModelOptimizer(backend chat.Streamer) *ModelOptimizer {
	return &ModelOptimizer{backend: backend, timeout: defaultOptimizeTimeout}
}

// Optimize sends the prompt to the secondary model and returns its
// rewrite. Any failure, including a mid-stream one, is returned so the
// caller can fall back to the raw prompt.
func (o *ModelOptimizer) Optimize(ctx context.Context, prompt string) (string, error) {
	if err := o.backend.Ready(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	events, err := o.backend.Stream(ctx, chat.Request{
		Prompt: prompt,
		System: optimizeSystem,
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for ev := range events {
		switch ev.Kind {
		case chat.EventText:
			sb.WriteString(ev.Delta)
		case chat.EventError:
			return "", ev.Err
		}
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", errors.New("optimizer returned no output")
	}
	return out, nil
}
