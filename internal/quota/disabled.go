// Package quota enforces plan limits after the fact: messages are relayed
// first and metered second, and an owner who crosses a limit is switched off
// for the rest of the ledger period rather than having individual messages
// rejected.
package quota

import "sync"

// DisabledSet tracks owners whose service is switched off for the current
// ledger period. Disabling is one-way: entries leave the set only when the
// daily ledger sweep calls Reset.
type DisabledSet struct {
	mu     sync.RWMutex
	owners map[string]struct{}
}

// NewDisabledSet returns an empty set.
func NewDisabledSet() *DisabledSet {
	return &DisabledSet{owners: make(map[string]struct{})}
}

// Disable marks an owner as switched off. Reports whether the owner was
// newly disabled.
func (d *DisabledSet) Disable(owner string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.owners[owner]; ok {
		return false
	}
	d.owners[owner] = struct{}{}
	return true
}

// Disabled reports whether the owner is switched off.
func (d *DisabledSet) Disabled(owner string) bool {
	d.mu.RLock()
	_, ok := d.owners[owner]
	d.mu.RUnlock()
	return ok
}

// Len returns the number of disabled owners.
func (d *DisabledSet) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.owners)
}

// Reset clears the set. Run by the daily ledger sweep.
func (d *DisabledSet) Reset() {
	d.mu.Lock()
	d.owners = make(map[string]struct{})
	d.mu.Unlock()
}
