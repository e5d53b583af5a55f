// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend adapts OpenAI-compatible streaming chat endpoints to
// the chat.Streamer contract.
//
// The adapter hides provider wire differences behind the normalized
// event shape defined in the chat package: it parses the SSE response
// into text and reasoning deltas, assembles fragmented tool calls,
// normalizes the two usage field naming conventions providers use, and
// converts the internal turn history into the order-sensitive wire
// message list (tool calls and results replayed in their original
// order, reasoning excluded).
package backend
