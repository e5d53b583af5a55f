// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session persists conversations to disk.
//
// Each conversation is one JSON file under a per-project directory,
// written atomically. The Debouncer coalesces the save requests the
// orchestrator emits during streaming into at most one write per quiet
// window.
package session
