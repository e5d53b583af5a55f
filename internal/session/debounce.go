// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parlancehq/parlance/internal/chat"
)

// =============================================================================
// DEBOUNCED SAVER
// =============================================================================

// DefaultQuietWindow is how long after the last Schedule call a
// conversation is actually written.
const DefaultQuietWindow = time.Second

// Debouncer coalesces rapid save requests into one write per quiet
// window. It implements chat.Saver. Streaming emits many segment
// updates per second; only the state after a pause is worth a disk
// write. Losing the last window on a crash is acceptable.
//
// The state machine is explicit: each Schedule records the
// conversation and its flush deadline; Flush writes everything whose
// deadline has passed. Production arms a timer per window; tests drive
// Flush with a fake clock.
type Debouncer struct {
	store  *Store
	window time.Duration
	log    *logrus.Logger

	// now and arm are injectable for tests.
	now func() time.Time
	arm func(d time.Duration, f func())

	mu       sync.Mutex
	pending  map[string]*chat.Conversation
	deadline map[string]time.Time
}

// NewDebouncer creates a debouncer over the store with the default
// quiet window and real timers.
func NewDebouncer(store *Store, log *logrus.Logger) *Debouncer {
	d := newDebouncer(store, log, DefaultQuietWindow, time.Now)
	d.arm = func(wait time.Duration, f func()) { time.AfterFunc(wait, f) }
	return d
}

// newDebouncer wires the state machine without timers; tests call
// Flush directly.
func newDebouncer(store *Store, log *logrus.Logger, window time.Duration, now func() time.Time) *Debouncer {
	if log == nil {
		log = logrus.New()
	}
	return &Debouncer{
		store:    store,
		window:   window,
		log:      log,
		now:      now,
		pending:  make(map[string]*chat.Conversation),
		deadline: make(map[string]time.Time),
	}
}

// Schedule records the conversation for a debounced write. Each call
// pushes the flush deadline out by one quiet window.
func (d *Debouncer) Schedule(conv *chat.Conversation) {
	if conv == nil || conv.ID == "" {
		return
	}

	d.mu.Lock()
	d.pending[conv.ID] = conv
	d.deadline[conv.ID] = d.now().Add(d.window)
	arm := d.arm
	d.mu.Unlock()

	if arm != nil {
		// The timer fires at the deadline; a later Schedule call moves
		// the deadline past it and the flush becomes a no-op for this
		// conversation until the next timer.
		arm(d.window, func() { d.Flush(d.now()) })
	}
}

// Flush writes every pending conversation whose deadline is at or
// before now. It returns how many were written.
func (d *Debouncer) Flush(at time.Time) int {
	d.mu.Lock()
	var due []*chat.Conversation
	for id, when := range d.deadline {
		if !when.After(at) {
			due = append(due, d.pending[id])
			delete(d.pending, id)
			delete(d.deadline, id)
		}
	}
	d.mu.Unlock()

	for _, conv := range due {
		if err := d.store.Save(conv); err != nil {
			d.log.WithError(err).WithField("conversation", conv.ID).Error("debounced save failed")
		}
	}
	return len(due)
}

// Close force-writes everything still pending, regardless of deadline.
func (d *Debouncer) Close() {
	d.mu.Lock()
	var due []*chat.Conversation
	for id, conv := range d.pending {
		due = append(due, conv)
		delete(d.pending, id)
		delete(d.deadline, id)
	}
	d.mu.Unlock()

	for _, conv := range due {
		if err := d.store.Save(conv); err != nil {
			d.log.WithError(err).WithField("conversation", conv.ID).Error("final save failed")
		}
	}
}

// Pending reports how many conversations await a flush.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
