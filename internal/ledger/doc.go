// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger computes per-request model costs and keeps the
// append-only usage history.
//
// Pricing is flat (dollars per million tokens) or tiered; a
// provider-supplied cost always wins over local computation. Records
// land in a SQLite database so summaries survive restarts.
package ledger
