package units

import (
	"sort"
	"time"
)

// freePool holds released units ordered by unit ID. It is not self-locking;
// the engine guards it with one pool-wide mutex because the no-double-
// assignment invariant spans every identity at once.
type freePool struct {
	entries []PoolEntry // ascending by UnitID
}

func newFreePool(entries []PoolEntry) *freePool {
	p := &freePool{entries: append([]PoolEntry(nil), entries...)}
	sort.Slice(p.entries, func(i, j int) bool { return p.entries[i].UnitID < p.entries[j].UnitID })
	return p
}

// add inserts a released unit, keeping ID order.
func (p *freePool) add(e PoolEntry) {
	i := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].UnitID >= e.UnitID })
	p.entries = append(p.entries, PoolEntry{})
	copy(p.entries[i+1:], p.entries[i:])
	p.entries[i] = e
}

// peekEligible returns the lowest-numbered entry whose quarantine has elapsed.
func (p *freePool) peekEligible(now time.Time) (PoolEntry, bool) {
	for _, e := range p.entries {
		if !e.QuarantineUntil.After(now) {
			return e, true
		}
	}
	return PoolEntry{}, false
}

// remove deletes the entry for unitID, returning it.
func (p *freePool) remove(unitID int) (PoolEntry, bool) {
	i := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].UnitID >= unitID })
	if i >= len(p.entries) || p.entries[i].UnitID != unitID {
		return PoolEntry{}, false
	}
	e := p.entries[i]
	p.entries = append(p.entries[:i], p.entries[i+1:]...)
	return e, true
}

// get looks up the entry for unitID without removing it.
func (p *freePool) get(unitID int) (PoolEntry, bool) {
	i := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].UnitID >= unitID })
	if i >= len(p.entries) || p.entries[i].UnitID != unitID {
		return PoolEntry{}, false
	}
	return p.entries[i], true
}

func (p *freePool) size() int { return len(p.entries) }

// snapshot returns a copy of all entries in ID order.
func (p *freePool) snapshot() []PoolEntry {
	return append([]PoolEntry(nil), p.entries...)
}
