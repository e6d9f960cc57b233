// Package delivery tracks the per-message delivery lifecycle:
// pending -> sent -> delivered -> read.
package delivery

import (
	"sync"

	"github.com/wizzle/wizzled/internal/model"
)

// Tracker enforces forward-only delivery status transitions for a set of
// messages. Read is terminal; an ack that would regress an already more
// advanced status is dropped.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]model.Status
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]model.Status)}
}

// Observe seeds (or replaces) the tracked status for a message. Used when
// bootstrapping from cache or from an authoritative server fetch, where the
// incoming value wins unconditionally.
func (t *Tracker) Observe(id string, s model.Status) {
	if !s.Valid() {
		return
	}
	t.mu.Lock()
	t.statuses[id] = s
	t.mu.Unlock()
}

// Apply attempts a forward-or-equal transition driven by a delivery ack.
// Returns the resulting status and whether the message is known. Acks for
// unknown ids and regressing acks leave the tracker unchanged; a regressing
// ack still reports ok=true with the current (more advanced) status.
func (t *Tracker) Apply(id string, s model.Status) (model.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, known := t.statuses[id]
	if !known {
		return "", false
	}
	if !s.Valid() || s.Rank() < current.Rank() {
		return current, true
	}
	t.statuses[id] = s
	return s, true
}

// Status returns the tracked status for a message id.
func (t *Tracker) Status(id string) (model.Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[id]
	return s, ok
}

// Forget drops a message from the tracker, e.g. after remote deletion.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.statuses, id)
	t.mu.Unlock()
}

// Len returns the number of tracked messages.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.statuses)
}
