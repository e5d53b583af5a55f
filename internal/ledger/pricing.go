// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

// =============================================================================
// PRICING
// =============================================================================

// tokensPerUnit is the denominator for per-million-token rates.
const tokensPerUnit = 1e6

// Tier is one bracket of a tiered price schedule. Rate applies when
// the token count is at most Threshold. A Threshold of zero means
// unbounded; the schedule's last tier is the fallback for counts above
// every bounded threshold.
type Tier struct {
	Threshold int     `toml:"threshold" json:"threshold"`
	Rate      float64 `toml:"rate" json:"rate"`
}

// Pricing is the cost schedule for one model. When tier tables are
// present they take precedence over the flat rates. All rates are
// dollars per million tokens.
type Pricing struct {
	InputRate  float64 `toml:"input_rate" json:"input_rate"`
	OutputRate float64 `toml:"output_rate" json:"output_rate"`

	InputTiers  []Tier `toml:"input_tiers" json:"input_tiers,omitempty"`
	OutputTiers []Tier `toml:"output_tiers" json:"output_tiers,omitempty"`
}

// Cost computes the dollar cost for one request. Input and output
// tokens are costed independently and summed.
func (p Pricing) Cost(promptTokens, completionTokens int) float64 {
	in := p.InputRate
	if len(p.InputTiers) > 0 {
		in = rateFor(p.InputTiers, promptTokens)
	}
	out := p.OutputRate
	if len(p.OutputTiers) > 0 {
		out = rateFor(p.OutputTiers, completionTokens)
	}
	return float64(promptTokens)/tokensPerUnit*in + float64(completionTokens)/tokensPerUnit*out
}

// rateFor consults tiers in order and returns the first whose
// threshold covers the count; counts above every bounded threshold
// fall through to the last tier's rate.
func rateFor(tiers []Tier, count int) float64 {
	for _, t := range tiers {
		if t.Threshold <= 0 || count <= t.Threshold {
			return t.Rate
		}
	}
	return tiers[len(tiers)-1].Rate
}
