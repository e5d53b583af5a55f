// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package contextref

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parlancehq/parlance/internal/chat"
)

// =============================================================================
// FILE RESOLVER
// =============================================================================

const (
	// DefaultMaxFileSize bounds how much of a referenced file is read.
	DefaultMaxFileSize = 100 * 1024

	// DefaultMaxLines bounds how many lines of a referenced file are
	// included.
	DefaultMaxLines = 1000
)

// FileResolver reads referenced files from a workspace root.
type FileResolver struct {
	// Root is the workspace directory references are resolved against.
	Root string

	// MaxFileSize overrides DefaultMaxFileSize when positive.
	MaxFileSize int64

	// MaxLines overrides DefaultMaxLines when positive.
	MaxLines int
}

// NewFileResolver creates a resolver rooted at dir.
func NewFileResolver(dir string) *FileResolver {
	return &FileResolver{Root: dir}
}

// Resolve reads the file named by the item, honoring the size and line
// limits. Paths are confined to the resolver's root.
func (r *FileResolver) Resolve(ctx context.Context, item chat.ContextItem) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := item.Name
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.Root, path)
	}
	clean := filepath.Clean(path)
	if r.Root != "" {
		root := filepath.Clean(r.Root)
		if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s escapes workspace", ErrFileNotFound, item.Name)
		}
	}

	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, item.Name)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrFileNotFound, item.Name)
	}

	maxSize := r.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	if info.Size() > maxSize {
		return "", fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrFileTooLarge, item.Name, info.Size(), maxSize)
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return "", err
	}

	content := string(data)
	maxLines := r.MaxLines
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	lines := strings.Split(content, "\n")
	if len(lines) > maxLines {
		content = strings.Join(lines[:maxLines], "\n") +
			fmt.Sprintf("\n... (%d more lines truncated)", len(lines)-maxLines)
	}
	return content, nil
}
