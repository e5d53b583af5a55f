// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parlancehq/parlance/internal/chat"
)

// =============================================================================
// REMOTE TOOL SERVER
// =============================================================================

// remoteBodyLimit bounds tool server responses.
const remoteBodyLimit = 1 * 1024 * 1024

// RemoteServer is an external MCP-style tool server reached over HTTP.
// It lists its tools at GET {base}/tools and executes them at
// POST {base}/invoke.
type RemoteServer struct {
	BaseURL string
	client  *http.Client
}

// NewRemoteServer creates a client for an external tool server.
func NewRemoteServer(baseURL string) *RemoteServer {
	return &RemoteServer{
		BaseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Defs fetches the server's tool catalog.
func (r *RemoteServer) Defs(ctx context.Context) ([]chat.ToolDef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list remote tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list remote tools: unexpected status %d", resp.StatusCode)
	}

	var defs []chat.ToolDef
	if err := json.NewDecoder(io.LimitReader(resp.Body, remoteBodyLimit)).Decode(&defs); err != nil {
		return nil, fmt.Errorf("decode remote tool list: %w", err)
	}
	return defs, nil
}

// Handler returns the invocation handler for one remote tool.
func (r *RemoteServer) Handler(name string) Handler {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		return r.invoke(ctx, name, input)
	}
}

// RegisterRemote fetches a server's catalog and wires every remote
// tool into the registry and invoker. Remote tools are offered in all
// modes.
func RegisterRemote(ctx context.Context, reg *Registry, inv *Invoker, srv *RemoteServer) error {
	defs, err := srv.Defs(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		reg.Register(def, true)
		inv.Bind(def.Name, srv.Handler(def.Name))
	}
	return nil
}

// invokeRequest is the body of POST /invoke.
type invokeRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// invokeResponse is the tool server's reply.
type invokeResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func (r *RemoteServer) invoke(ctx context.Context, name string, input json.RawMessage) (string, error) {
	body, err := json.Marshal(invokeRequest{Name: name, Arguments: input})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote tool %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, remoteBodyLimit))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("remote tool %s: status %d: %s", name, resp.StatusCode, string(data))
	}

	var out invokeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("remote tool %s: decode response: %w", name, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("remote tool %s: %s", name, out.Error)
	}
	return out.Output, nil
}
