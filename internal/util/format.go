// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "strconv"

// TruncateRunes shortens s to at most maxRunes characters, appending
// "..." when anything was cut. Counts runes, not bytes, so multi-byte
// UTF-8 never splits mid-character.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// FormatUSD renders a dollar amount for usage tables. Costs below a
// cent keep four decimal places so per-request amounts stay visible.
func FormatUSD(amount float64) string {
	if amount != 0 && amount < 0.01 {
		return "$" + strconv.FormatFloat(amount, 'f', 4, 64)
	}
	return "$" + strconv.FormatFloat(amount, 'f', 2, 64)
}

// FormatTokens renders a token count with a thousands separator.
func FormatTokens(n int) string {
	s := strconv.Itoa(n)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, ',')
		}
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}
