// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools is the tool catalog and dispatcher for agentic turns.
//
// A Registry decides which tools are offered to the model for a given
// conversation mode; an Invoker executes the calls the model makes.
// Built-in tools cover workspace file access and web search; external
// MCP-style tool servers can be merged into the catalog at startup.
// Tool failures never abort a turn: they come back as error-status
// results the model can read.
package tools
