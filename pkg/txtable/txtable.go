/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package txtable tracks outstanding request/response transactions: the
// pending-operation list that survives a reconnect, and the tid -> handle
// map that is rebuilt each epoch. It mirrors the lock discipline of the
// teacher's prometheus collector (a mutex-guarded map with Add/Remove
// entry points) rather than anything protocol-specific - Type and Payload
// are opaque uint16/[]byte here, left for the caller (the ngtt package) to
// interpret.
package txtable

import "sync"

// Allocator is the subset of pkg/idalloc.Allocator this package needs. It
// is expressed as an interface so txtable never imports the ngtt root
// package (which imports txtable), and so tests can supply a fake.
type Allocator interface {
	Allocate() (uint16, error)
}

// Outcome is what a completion Handle settles to: either a decoded success
// Value, or an Err describing a protocol-level or transport-level failure.
type Outcome struct {
	Value interface{}
	Err   error
}

// Handle is a one-shot, settle-once completion sink, safe to read from any
// goroutine. Exactly one Settle call per Handle ever has effect (§3
// invariant "every tid... exactly one completion").
type Handle struct {
	ch   chan Outcome
	once sync.Once
}

// NewHandle returns a handle ready to be registered with a Table.
func NewHandle() *Handle {
	return &Handle{ch: make(chan Outcome, 1)}
}

// Settle resolves the handle. Calls after the first are no-ops, preserving
// "exactly one completion" even if a caller races a reconnect against an
// in-flight reply.
func (h *Handle) Settle(outcome Outcome) {
	h.once.Do(func() {
		h.ch <- outcome
	})
}

// Wait blocks until the handle settles and returns its outcome.
func (h *Handle) Wait() Outcome {
	return <-h.ch
}

// Result exposes the underlying channel for select-based waiting.
func (h *Handle) Result() <-chan Outcome {
	return h.ch
}

// Pending is a submission whose completion is still owed. Its TID is
// reassigned by RebindAll on every reconnect; Type and Payload never change
// across an operation's lifetime, so the same bytes are replayed verbatim
// under a fresh tid (§3 "Pending operation" invariant).
type Pending struct {
	TID     uint16
	Type    uint16
	Payload []byte
	Handle  *Handle
}

// Table is the pair (pending list, tid->handle map) described in §4.4. The
// list order is preserved across reconnects; only tids change.
type Table struct {
	mu      sync.Mutex
	pending []*Pending
	byTID   map[uint16]*Pending
}

// New returns an empty transaction table.
func New() *Table {
	return &Table{byTID: make(map[uint16]*Pending)}
}

// Register allocates a tid from alloc, records a new Pending entry, and
// returns the tid the caller should use to send the frame. The entry
// remains in the pending list until Complete is called for its tid.
func (t *Table) Register(alloc Allocator, typ uint16, payload []byte, handle *Handle) (uint16, error) {
	tid, err := alloc.Allocate()
	if err != nil {
		return 0, err
	}

	p := &Pending{TID: tid, Type: typ, Payload: payload, Handle: handle}

	t.mu.Lock()
	t.pending = append(t.pending, p)
	t.byTID[tid] = p
	t.mu.Unlock()

	return tid, nil
}

// Complete settles the handle registered under tid with outcome, and
// removes the pending entry. It reports false (a no-op) if tid is unknown -
// the caller should drop the inbound frame in that case rather than treat
// it as an error. Both the map deletion and the list removal happen under
// the same lock, closing the race a draft of this client had (it looked up
// the list entry by future identity after already popping the map).
func (t *Table) Complete(tid uint16, outcome Outcome) bool {
	t.mu.Lock()
	p, ok := t.byTID[tid]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.byTID, tid)
	for i, entry := range t.pending {
		if entry == p {
			t.pending = append(t.pending[:i:i], t.pending[i+1:]...)
			break
		}
	}
	t.mu.Unlock()

	p.Handle.Settle(outcome)
	return true
}

// RebindAll reassigns a fresh tid, from alloc, to every still-pending entry
// and rebuilds the tid->handle map - the step a reconnect performs after
// the old socket epoch's allocator has been discarded. It returns the
// pending entries in their stable order so the caller can re-send one
// frame per entry under its new tid.
func (t *Table) RebindAll(alloc Allocator) ([]*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newByTID := make(map[uint16]*Pending, len(t.pending))
	for _, p := range t.pending {
		tid, err := alloc.Allocate()
		if err != nil {
			return nil, err
		}
		p.TID = tid
		newByTID[tid] = p
	}
	t.byTID = newByTID
	return t.pending, nil
}

// AbandonAll settles every still-pending handle with err and empties the
// table. Used when the uplink terminates with operations outstanding.
func (t *Table) AbandonAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.byTID = make(map[uint16]*Pending)
	t.mu.Unlock()

	for _, p := range pending {
		p.Handle.Settle(Outcome{Err: err})
	}
}

// Len reports the number of outstanding operations - used by pkg/exporter
// to report a pending-operations gauge.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
