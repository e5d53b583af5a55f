// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/parlancehq/parlance/internal/chat"
)

// =============================================================================
// SCHEMA CONSTRUCTION
// =============================================================================

// Param describes one tool parameter for schema construction.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ObjectSchema builds a JSON-schema object for a parameter list.
func ObjectSchema(params ...Param) json.RawMessage {
	props := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		props[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema: %v", err))
	}
	return data
}

// =============================================================================
// REGISTRY
// =============================================================================

// ReadOnly marks tools offered in ask mode as well as agent mode.
// Editing tools are agent-only.
type registered struct {
	def      chat.ToolDef
	readOnly bool
}

// Registry is the tool catalog for a conversation. It implements
// chat.ToolSource: ask mode exposes the read-only subset, agent mode
// (or an edit-intent context item) exposes everything.
type Registry struct {
	order []string
	tools map[string]registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds a tool definition. readOnly tools are offered in every
// mode; others only in agent mode. Re-registering a name replaces the
// earlier definition, keeping its position.
func (r *Registry) Register(def chat.ToolDef, readOnly bool) {
	if _, ok := r.tools[def.Name]; !ok {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = registered{def: def, readOnly: readOnly}
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ToolsFor returns the tool set offered for a turn. An edit-intent
// context item upgrades an ask-mode turn to the full set; the
// orchestrator separately flips the conversation into agent mode.
func (r *Registry) ToolsFor(mode chat.Mode, items []chat.ContextItem) []chat.ToolDef {
	full := mode == chat.ModeAgent
	if !full {
		for _, item := range items {
			if item.EditIntent {
				full = true
				break
			}
		}
	}

	defs := make([]chat.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		reg := r.tools[name]
		if full || reg.readOnly {
			defs = append(defs, reg.def)
		}
	}
	return defs
}
