// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package contextref

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/parlancehq/parlance/internal/chat"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrFileNotFound is returned when a referenced file doesn't exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrFileTooLarge is returned when a referenced file exceeds the
	// size limit.
	ErrFileTooLarge = errors.New("file too large")
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Resolver materializes the content behind a context reference. File
// and edit-target items are resolved through it; items carrying inline
// values never reach the resolver.
type Resolver interface {
	Resolve(ctx context.Context, item chat.ContextItem) (string, error)
}

// Optimizer rewrites an assembled prompt, typically via a secondary
// model call. A nil Optimizer disables the step.
type Optimizer interface {
	Optimize(ctx context.Context, prompt string) (string, error)
}

// =============================================================================
// BUILDER
// =============================================================================

// Builder assembles the resolved prompt for a turn. It implements
// chat.PromptBuilder.
type Builder struct {
	resolver  Resolver
	optimizer Optimizer
	log       *logrus.Logger
}

// NewBuilder creates a prompt builder. optimizer may be nil.
func NewBuilder(resolver Resolver, optimizer Optimizer, log *logrus.Logger) *Builder {
	if log == nil {
		log = logrus.New()
	}
	return &Builder{
		resolver:  resolver,
		optimizer: optimizer,
		log:       log,
	}
}

// Build resolves the attached items into fenced context blocks,
// prepends them to the prompt text, and runs the optional optimization
// pass. A context item that fails to resolve becomes an inline note
// rather than an error: the turn proceeds with what could be gathered.
func (b *Builder) Build(ctx context.Context, plainText string, items []chat.ContextItem) (chat.Prompt, error) {
	if err := ctx.Err(); err != nil {
		return chat.Prompt{}, err
	}

	blocks := make([]string, 0, len(items))
	for _, item := range items {
		block, err := b.materialize(ctx, item)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return chat.Prompt{}, err
			}
			b.log.WithError(err).WithField("ref", item.Name).Warn("context item failed to resolve")
			block = fmt.Sprintf("[context %q unavailable: %v]", item.Name, err)
		}
		blocks = append(blocks, block)
	}

	text := assemble(plainText, blocks)

	if b.optimizer != nil {
		optimized, err := b.optimizer.Optimize(ctx, text)
		switch {
		case errors.Is(err, context.Canceled):
			return chat.Prompt{}, err
		case err != nil:
			// Optimization is best-effort; keep the raw prompt.
			b.log.WithError(err).Warn("prompt optimization failed, using raw prompt")
		case strings.TrimSpace(optimized) != "":
			text = optimized
		}
	}

	return chat.Prompt{Text: text, Blocks: blocks}, nil
}

// materialize produces one fenced context block for an item.
func (b *Builder) materialize(ctx context.Context, item chat.ContextItem) (string, error) {
	content := item.Value
	if content == "" {
		if b.resolver == nil {
			return "", fmt.Errorf("%w: no resolver configured", ErrFileNotFound)
		}
		resolved, err := b.resolver.Resolve(ctx, item)
		if err != nil {
			return "", err
		}
		content = resolved
	}

	switch item.Kind {
	case chat.ContextFile:
		return fmt.Sprintf("File %s:\n```\n%s\n```", item.Name, content), nil
	case chat.ContextSelection:
		return fmt.Sprintf("Selected code (%s):\n```\n%s\n```", item.Name, content), nil
	case chat.ContextSearchHit:
		return fmt.Sprintf("Search results for %q:\n%s", item.Name, content), nil
	case chat.ContextEditBlock:
		return fmt.Sprintf("Code to modify (%s):\n```\n%s\n```", item.Name, content), nil
	default:
		return fmt.Sprintf("%s:\n%s", item.Name, content), nil
	}
}

// assemble prepends context blocks to the prompt text.
func assemble(plainText string, blocks []string) string {
	if len(blocks) == 0 {
		return plainText
	}
	var sb strings.Builder
	sb.WriteString("Context:\n\n")
	for _, block := range blocks {
		sb.WriteString(block)
		sb.WriteString("\n\n")
	}
	sb.WriteString(plainText)
	return sb.String()
}
