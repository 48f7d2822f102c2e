package units

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreePool_AddKeepsIDOrder(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := newFreePool(nil)
	for _, id := range []int{5, 1, 3} {
		p.add(PoolEntry{UnitID: id, QuarantineUntil: base})
	}

	snap := p.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, 1, snap[0].UnitID)
	assert.Equal(t, 3, snap[1].UnitID)
	assert.Equal(t, 5, snap[2].UnitID)
}

func TestFreePool_PeekEligibleSkipsQuarantined(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := newFreePool([]PoolEntry{
		{UnitID: 1, QuarantineUntil: base.Add(10 * time.Minute)},
		{UnitID: 2, QuarantineUntil: base.Add(-time.Minute)},
		{UnitID: 3, QuarantineUntil: base.Add(-time.Hour)},
	})

	// Unit 1 is still quarantined, so the lowest eligible ID is 2.
	e, ok := p.peekEligible(base)
	require.True(t, ok)
	assert.Equal(t, 2, e.UnitID)

	// Quarantine boundary is inclusive: an entry is eligible at exactly
	// QuarantineUntil, not before.
	e, ok = p.peekEligible(base.Add(10 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, 1, e.UnitID)
}

func TestFreePool_PeekEligibleEmpty(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	p := newFreePool(nil)
	_, ok := p.peekEligible(base)
	assert.False(t, ok)

	p.add(PoolEntry{UnitID: 1, QuarantineUntil: base.Add(time.Minute)})
	_, ok = p.peekEligible(base)
	assert.False(t, ok, "fully quarantined pool has no eligible entry")
}

func TestFreePool_RemoveAndGet(t *testing.T) {
	p := newFreePool([]PoolEntry{
		{UnitID: 1, Owner: "BDF:A"},
		{UnitID: 2, Owner: "BDF:B"},
	})

	e, ok := p.get(2)
	require.True(t, ok)
	assert.Equal(t, "BDF:B", string(e.Owner))

	e, ok = p.remove(1)
	require.True(t, ok)
	assert.Equal(t, 1, e.UnitID)
	assert.Equal(t, 1, p.size())

	_, ok = p.remove(1)
	assert.False(t, ok)
	_, ok = p.get(99)
	assert.False(t, ok)
}
