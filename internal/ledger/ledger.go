// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/parlancehq/parlance/internal/chat"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger maps models to price schedules and appends usage records. It
// implements chat.Ledger. A nil Storage keeps the ledger computing
// costs without persistence.
//
// The price table is read on the submit path and replaced by config
// hot-reload, so access goes through the mutex.
type Ledger struct {
	mu      sync.RWMutex
	prices  map[string]Pricing
	storage *Storage
	log     *logrus.Logger
}

// New creates a ledger over the given price table. storage may be nil.
func New(prices map[string]Pricing, storage *Storage, log *logrus.Logger) *Ledger {
	if log == nil {
		log = logrus.New()
	}
	if prices == nil {
		prices = map[string]Pricing{}
	}
	return &Ledger{prices: prices, storage: storage, log: log}
}

// SetPricing installs or replaces the schedule for a model. Used by
// config hot-reload.
func (l *Ledger) SetPricing(model string, p Pricing) {
	l.mu.Lock()
	l.prices[model] = p
	l.mu.Unlock()
}

// Cost computes the local cost estimate for one request. Unknown
// models cost zero; callers that got a provider-supplied cost never
// reach this method.
func (l *Ledger) Cost(model string, promptTokens, completionTokens int) float64 {
	l.mu.RLock()
	p, ok := l.prices[model]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return p.Cost(promptTokens, completionTokens)
}

// Append records one usage entry.
func (l *Ledger) Append(ctx context.Context, rec chat.UsageRecord) error {
	if l.storage == nil {
		return nil
	}
	if err := l.storage.Insert(ctx, rec); err != nil {
		l.log.WithError(err).Warn("usage record not persisted")
		return err
	}
	return nil
}

// Storage exposes the underlying record database for summary queries,
// or nil when the ledger is computation-only.
func (l *Ledger) Storage() *Storage {
	return l.storage
}
