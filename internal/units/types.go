package units

import (
	"context"
	"errors"
	"time"

	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
)

// State is the lifecycle state of an identity's unit assignment.
type State string

const (
	StateUnseen         State = "unseen"
	StateActive         State = "active"
	StatePendingRelease State = "pending_release"
	StateReleased       State = "released"
)

var (
	// ErrNoFreeUnit means the free pool holds no quarantine-elapsed entry and
	// the namespace has no unused slot left. Non-fatal: the record is deferred
	// and retried with backoff.
	ErrNoFreeUnit = errors.New("no free unit")

	// ErrPersistence means the registry could not commit or its contents are
	// corrupt. Fatal to the affected batch and never auto-cleared, because
	// clearing it could double-assign a unit.
	ErrPersistence = errors.New("registry persistence failure")

	// ErrUnknownIdentity means a merge referenced an identity the registry has
	// never seen.
	ErrUnknownIdentity = errors.New("unknown identity")
)

// PoolEntry is one released unit waiting out its quarantine in the free pool.
// Owner is the identity that released it, kept so a reclaim can verify the
// entry still belongs to the reclaiming identity.
type PoolEntry struct {
	UnitID          int                `json:"unit_id"`
	Owner           domain.IdentityKey `json:"owner"`
	ReleasedAt      time.Time          `json:"released_at"`
	QuarantineUntil time.Time          `json:"quarantine_until"`
}

// IdentityRecord is the registry entry for one physical incident.
type IdentityRecord struct {
	Key    domain.IdentityKey `json:"key"`
	UnitID int                `json:"unit_id,omitempty"`
	State  State              `json:"state"`

	AssignedAt time.Time `json:"assigned_at,omitempty"`
	ClearedAt  time.Time `json:"cleared_at,omitempty"`

	// LastSeen tracks the newest observation timestamp per center.
	LastSeen map[string]time.Time `json:"last_seen,omitempty"`

	// ObservedAt is the observation timestamp backing the current coordinates
	// and status, used for the most-recent-wins conflict policy.
	ObservedAt time.Time `json:"observed_at"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Status     domain.Status `json:"status"`

	Conflict   bool               `json:"conflict,omitempty"`
	MergedInto domain.IdentityKey `json:"merged_into,omitempty"`
}

func (r *IdentityRecord) clone() *IdentityRecord {
	c := *r
	if r.LastSeen != nil {
		c.LastSeen = make(map[string]time.Time, len(r.LastSeen))
		for k, v := range r.LastSeen {
			c.LastSeen[k] = v
		}
	}
	return &c
}

// Snapshot is the full registry state loaded at startup.
type Snapshot struct {
	Identities []*IdentityRecord
	Pool       []PoolEntry
	NextUnit   int
}

// Mutation is one atomic registry transaction: identity upserts and archival
// together with the pool and allocator changes of the same transition. Either
// all of it commits or none of it does.
type Mutation struct {
	Upsert     []*IdentityRecord
	Archive    []domain.IdentityKey
	PoolAdd    []PoolEntry
	PoolRemove []int
	NextUnit   int // 0 means unchanged
}

func (m Mutation) empty() bool {
	return len(m.Upsert) == 0 && len(m.Archive) == 0 &&
		len(m.PoolAdd) == 0 && len(m.PoolRemove) == 0 && m.NextUnit == 0
}

// Registry is the durable store backing the engine. Apply must be atomic and
// crash-safe: a mutation is either fully committed or absent after a restart.
type Registry interface {
	Load(ctx context.Context) (Snapshot, error)
	Apply(ctx context.Context, m Mutation) error
	Close() error
}

// Assignment is the outcome of processing one report.
type Assignment struct {
	UnitID    int
	State     State
	Allocated bool // a unit was newly bound by this report
	Reused    bool // the unit came out of the free pool
	Reclaimed bool // same unit pulled back during quarantine
	Released  bool // the unit entered quarantine on this report
	Conflict  bool
}
