// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/parlancehq/parlance/internal/chat"
	"github.com/parlancehq/parlance/internal/util"
)

// =============================================================================
// BUILT-IN TOOL NAMES
// =============================================================================

const (
	NameReadFile  = "read_file"
	NameWriteFile = "write_file"
	NameWebSearch = "web_search"
)

// maxReadBytes bounds how much of a file a read_file call returns.
const maxReadBytes = 100 * 1024

// =============================================================================
// WORKSPACE TOOLS
// =============================================================================

// Workspace implements the built-in file tools against one directory.
type Workspace struct {
	Root string
}

// NewWorkspace creates the file-tool backend for dir.
func NewWorkspace(dir string) *Workspace {
	return &Workspace{Root: dir}
}

// RegisterBuiltins registers the built-in tools on the registry and
// binds their handlers on the invoker. search may be nil to skip web
// search.
func RegisterBuiltins(reg *Registry, inv *Invoker, ws *Workspace, search *WebSearch) {
	reg.Register(chat.ToolDef{
		Name:        NameReadFile,
		Description: "Read a file from the workspace. Returns at most 100KB of content.",
		Schema: ObjectSchema(
			Param{Name: "path", Type: "string", Description: "Workspace-relative file path", Required: true},
		),
	}, true)
	inv.Bind(NameReadFile, ws.ReadFile)

	reg.Register(chat.ToolDef{
		Name:        NameWriteFile,
		Description: "Write a file in the workspace, replacing any existing content. The write is atomic.",
		Schema: ObjectSchema(
			Param{Name: "path", Type: "string", Description: "Workspace-relative file path", Required: true},
			Param{Name: "content", Type: "string", Description: "Complete new file content", Required: true},
		),
	}, false)
	inv.Bind(NameWriteFile, ws.WriteFile)

	if search != nil {
		reg.Register(chat.ToolDef{
			Name:        NameWebSearch,
			Description: "Search the web and return titles, URLs and snippets.",
			Schema: ObjectSchema(
				Param{Name: "query", Type: "string", Description: "Search query", Required: true},
				Param{Name: "max_results", Type: "number", Description: "Result count, 1-10 (default 5)"},
			),
		}, true)
		inv.Bind(NameWebSearch, search.Handle)
	}
}

// resolve confines a tool path to the workspace root.
func (w *Workspace) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.Root, path)
	}
	clean := filepath.Clean(path)
	root := filepath.Clean(w.Root)
	if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return clean, nil
}

// ReadFile handles read_file calls.
func (w *Workspace) ReadFile(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	path, err := w.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + "\n... (truncated)", nil
	}
	return string(data), nil
}

// WriteFile handles write_file calls. The write goes through the
// atomic rename path so a crash never leaves a half-written file.
func (w *Workspace) WriteFile(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	path, err := w.resolve(args.Path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := util.AtomicWriteFile(path, []byte(args.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
}
