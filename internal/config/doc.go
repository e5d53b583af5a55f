// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the parlance configuration.
//
// Settings come from ~/.parlance/config.toml with environment variable
// overrides on top. The Watcher reloads the file when it changes so
// model pricing and backend settings can be updated without a restart.
package config
