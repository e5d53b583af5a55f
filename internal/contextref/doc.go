// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package contextref resolves user-attached context references into
// materialized text blocks and assembles the final prompt for a turn.
//
// File references are read through an injected Resolver so the package
// stays independent of the host filesystem layout. An optional
// Optimizer can rewrite the assembled prompt through a secondary model
// call; optimization failures fall back to the unoptimized prompt and
// never abort the turn.
package contextref
