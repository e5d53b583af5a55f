// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the conversation core of parlance: the turn
// orchestrator and the stream reducer.
//
// A conversation is an ordered list of turns. Each assistant turn is an
// ordered list of typed segments (text, reasoning, tool call, tool
// result) built up incrementally by folding the backend's event stream.
// The orchestrator owns one user-initiated request end to end: it
// resolves context, selects tools, invokes the streaming backend,
// drives the reducer, executes requested tools for up to a bounded
// number of rounds, applies cancellation, and commits the final turn
// together with its timing and usage metrics.
//
// The package depends only on narrow collaborator interfaces (Streamer,
// ToolSource, ToolInvoker, PromptBuilder, Ledger, Saver); concrete
// implementations live in backend, tools, contextref, ledger and
// session.
package chat
