package units

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
	"github.com/jonboulle/clockwork"
)

// shardCount is the number of per-identity mutex shards. Power of two so the
// hash folds cheaply.
const shardCount = 64

// Config holds the engine tunables.
type Config struct {
	// NamespaceSize is the highest unit ID the engine may ever mint.
	NamespaceSize int
	// GracePeriod is the quarantine a released unit serves before reuse.
	GracePeriod time.Duration
	// Retention is how long a cleared identity is kept before archival.
	Retention time.Duration
	// DeferInitial and DeferMax bound the retry backoff for allocations that
	// failed with ErrNoFreeUnit.
	DeferInitial time.Duration
	DeferMax     time.Duration
	// ExhaustionAlertAfter is how long exhaustion may persist before the
	// engine raises an operator-visible alert.
	ExhaustionAlertAfter time.Duration
}

// Engine is the per-identity unit ID lifecycle state machine. Transitions for
// one identity are serialized by a sharded mutex; distinct identities proceed
// in parallel. The free pool and allocation cursor are global state guarded by
// a single mutex, because the no-double-assignment invariant spans every
// identity at once. Every transition commits as one registry transaction
// before it becomes visible in memory, so a crash can lose at most an
// uncommitted transition, never half of one.
type Engine struct {
	registry Registry
	clock    clockwork.Clock
	logger   *slog.Logger
	cfg      Config

	shards [shardCount]sync.Mutex

	stateMu    sync.Mutex
	identities map[domain.IdentityKey]*IdentityRecord

	poolMu   sync.Mutex
	pool     *freePool
	nextUnit int

	deferMu        sync.Mutex
	deferred       map[domain.IdentityKey]*deferredRecord
	exhaustedSince time.Time
	alerted        bool
}

type deferredRecord struct {
	inc     domain.CanonicalIncident
	backoff time.Duration
	next    time.Time
}

// Recovered is a previously deferred record that finally got an assignment.
type Recovered struct {
	Incident   domain.CanonicalIncident
	Assignment Assignment
}

// New builds an Engine on top of a registry, loading the full committed state.
// Pass a nil clock to use real time.
func New(ctx context.Context, reg Registry, cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Engine, error) {
	if cfg.NamespaceSize <= 0 {
		return nil, fmt.Errorf("namespace size must be positive, got %d", cfg.NamespaceSize)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.DeferInitial <= 0 {
		cfg.DeferInitial = 30 * time.Second
	}
	if cfg.DeferMax <= 0 {
		cfg.DeferMax = 10 * time.Minute
	}

	snap, err := reg.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrPersistence, err)
	}

	e := &Engine{
		registry:   reg,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
		identities: make(map[domain.IdentityKey]*IdentityRecord, len(snap.Identities)),
		pool:       newFreePool(snap.Pool),
		nextUnit:   snap.NextUnit,
		deferred:   make(map[domain.IdentityKey]*deferredRecord),
	}
	if e.nextUnit <= 0 {
		e.nextUnit = 1
	}
	for _, rec := range snap.Identities {
		e.identities[rec.Key] = rec
	}
	if err := e.verifyOwnership(); err != nil {
		return nil, err
	}
	return e, nil
}

// verifyOwnership rejects a loaded state in which one unit has two owners.
// A corrupt registry must stop the process, never be silently repaired.
func (e *Engine) verifyOwnership() error {
	owners := make(map[int]domain.IdentityKey)
	for key, rec := range e.identities {
		if rec.UnitID == 0 {
			continue
		}
		if rec.State != StateActive && rec.State != StatePendingRelease {
			continue
		}
		if rec.State == StatePendingRelease {
			if _, inPool := e.pool.get(rec.UnitID); !inPool {
				continue // already reallocated; reference is audit only
			}
		}
		if prev, dup := owners[rec.UnitID]; dup {
			return fmt.Errorf("%w: unit %d owned by both %q and %q", ErrPersistence, rec.UnitID, prev, key)
		}
		owners[rec.UnitID] = key
	}
	return nil
}

// Process applies one canonical incident to its identity's state machine and
// returns the resulting assignment. ErrNoFreeUnit means the record was
// deferred for retry, not dropped.
func (e *Engine) Process(ctx context.Context, inc domain.CanonicalIncident) (Assignment, error) {
	key := inc.IdentityKey
	// Merged identities redirect to their survivor. Chains are collapsed on
	// write, so one hop suffices.
	for hop := 0; hop < 2; hop++ {
		shard := e.shardFor(key)
		shard.Lock()
		rec := e.lookup(key)
		if rec != nil && rec.MergedInto != "" {
			next := rec.MergedInto
			shard.Unlock()
			key = next
			continue
		}
		asn, err := e.transition(ctx, key, rec, inc)
		shard.Unlock()
		return asn, err
	}
	return Assignment{}, fmt.Errorf("%w: merge chain too deep for %q", ErrUnknownIdentity, inc.IdentityKey)
}

func (e *Engine) transition(ctx context.Context, key domain.IdentityKey, rec *IdentityRecord, inc domain.CanonicalIncident) (Assignment, error) {
	now := e.clock.Now()

	if rec == nil {
		if inc.Status == domain.StatusCleared {
			// First sighting already cleared: record it for audit, no unit.
			next := e.newRecord(key, inc)
			next.State = StateReleased
			next.ClearedAt = clearedAt(inc, now)
			if err := e.commit(ctx, Mutation{Upsert: []*IdentityRecord{next}}); err != nil {
				return Assignment{}, err
			}
			return Assignment{State: StateReleased}, nil
		}
		return e.allocate(ctx, e.newRecord(key, inc), inc, now)
	}

	next := rec.clone()
	if next.LastSeen == nil {
		next.LastSeen = make(map[string]time.Time)
	}
	if inc.ObservedAt.After(next.LastSeen[inc.Center]) {
		next.LastSeen[inc.Center] = inc.ObservedAt
	}

	// Out-of-order or conflicting report: keep the most recent observation,
	// flag the conflict, update last-seen only. Never a failure.
	if inc.ObservedAt.Before(rec.ObservedAt) {
		if inc.Status != rec.Status || inc.Lat != rec.Lat || inc.Lon != rec.Lon {
			next.Conflict = true
		}
		if err := e.commit(ctx, Mutation{Upsert: []*IdentityRecord{next}}); err != nil {
			return Assignment{}, err
		}
		return Assignment{UnitID: rec.UnitID, State: rec.State, Conflict: next.Conflict}, nil
	}

	next.ObservedAt = inc.ObservedAt
	next.Lat, next.Lon = inc.Lat, inc.Lon
	next.Status = inc.Status

	switch rec.State {
	case StateActive:
		if inc.Status == domain.StatusCleared {
			return e.release(ctx, next, inc, now)
		}
		// Repeat sighting: idempotent, last-seen only.
		if err := e.commit(ctx, Mutation{Upsert: []*IdentityRecord{next}}); err != nil {
			return Assignment{}, err
		}
		return Assignment{UnitID: next.UnitID, State: StateActive}, nil

	case StatePendingRelease:
		if inc.Status == domain.StatusCleared {
			if err := e.commit(ctx, Mutation{Upsert: []*IdentityRecord{next}}); err != nil {
				return Assignment{}, err
			}
			return Assignment{UnitID: next.UnitID, State: StatePendingRelease}, nil
		}
		return e.reclaim(ctx, next, inc, now)

	case StateReleased:
		if inc.Status == domain.StatusCleared {
			if err := e.commit(ctx, Mutation{Upsert: []*IdentityRecord{next}}); err != nil {
				return Assignment{}, err
			}
			return Assignment{State: StateReleased}, nil
		}
		// The incident flared back up after full release: normal allocation.
		return e.allocate(ctx, next, inc, now)

	default:
		return Assignment{}, fmt.Errorf("%w: identity %q in state %q", ErrPersistence, key, rec.State)
	}
}

// allocate binds a unit to next, preferring the lowest quarantine-elapsed pool
// entry over minting a new ID. It holds the pool lock across the registry
// commit so the pool decision and its persistence are one critical section.
func (e *Engine) allocate(ctx context.Context, next *IdentityRecord, inc domain.CanonicalIncident, now time.Time) (Assignment, error) {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	var m Mutation
	var reused bool
	entry, ok := e.pool.peekEligible(now)
	switch {
	case ok:
		next.UnitID = entry.UnitID
		reused = true
		m.PoolRemove = []int{entry.UnitID}
	case e.nextUnit <= e.cfg.NamespaceSize:
		next.UnitID = e.nextUnit
		m.NextUnit = e.nextUnit + 1
	default:
		e.deferIncident(inc, now)
		return Assignment{}, fmt.Errorf("%w: namespace of %d exhausted", ErrNoFreeUnit, e.cfg.NamespaceSize)
	}

	next.State = StateActive
	next.AssignedAt = now
	next.ClearedAt = time.Time{}
	m.Upsert = []*IdentityRecord{next}

	if err := e.registry.Apply(ctx, m); err != nil {
		return Assignment{}, fmt.Errorf("%w: allocate unit %d: %v", ErrPersistence, next.UnitID, err)
	}

	if reused {
		e.pool.remove(next.UnitID)
	} else {
		e.nextUnit++
	}
	e.install(next)
	e.clearExhaustion()
	return Assignment{UnitID: next.UnitID, State: StateActive, Allocated: true, Reused: reused}, nil
}

// release moves an active identity to PendingRelease and quarantines its unit
// in the free pool.
func (e *Engine) release(ctx context.Context, next *IdentityRecord, inc domain.CanonicalIncident, now time.Time) (Assignment, error) {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	next.State = StatePendingRelease
	next.ClearedAt = clearedAt(inc, now)
	entry := PoolEntry{
		UnitID:          next.UnitID,
		Owner:           next.Key,
		ReleasedAt:      now,
		QuarantineUntil: now.Add(e.cfg.GracePeriod),
	}

	m := Mutation{Upsert: []*IdentityRecord{next}, PoolAdd: []PoolEntry{entry}}
	if err := e.registry.Apply(ctx, m); err != nil {
		return Assignment{}, fmt.Errorf("%w: release unit %d: %v", ErrPersistence, next.UnitID, err)
	}

	e.pool.add(entry)
	e.install(next)
	return Assignment{UnitID: next.UnitID, State: StatePendingRelease, Released: true}, nil
}

// reclaim pulls the identity's own unit back out of the pool during
// quarantine, avoiding identifier churn on a flare-up. If the entry is gone
// the quarantine fully elapsed and the unit moved on, so this falls back to a
// fresh allocation.
func (e *Engine) reclaim(ctx context.Context, next *IdentityRecord, inc domain.CanonicalIncident, now time.Time) (Assignment, error) {
	e.poolMu.Lock()
	entry, ok := e.pool.get(next.UnitID)
	if !ok || entry.Owner != next.Key {
		e.poolMu.Unlock()
		next.UnitID = 0
		return e.allocate(ctx, next, inc, now)
	}

	defer e.poolMu.Unlock()
	next.State = StateActive
	next.ClearedAt = time.Time{}
	m := Mutation{Upsert: []*IdentityRecord{next}, PoolRemove: []int{next.UnitID}}
	if err := e.registry.Apply(ctx, m); err != nil {
		return Assignment{}, fmt.Errorf("%w: reclaim unit %d: %v", ErrPersistence, next.UnitID, err)
	}

	e.pool.remove(next.UnitID)
	e.install(next)
	return Assignment{UnitID: next.UnitID, State: StateActive, Reclaimed: true}, nil
}

// Merge folds the absorbed identity into the survivor: the absorbed unit, if
// active, is released through the normal quarantine path, history is
// reattributed to the survivor, and future reports for the absorbed key
// redirect to the survivor.
func (e *Engine) Merge(ctx context.Context, survivor, absorbed domain.IdentityKey) error {
	if survivor == absorbed {
		return nil
	}
	unlock := e.lockBoth(survivor, absorbed)
	defer unlock()

	sRec := e.lookup(survivor)
	aRec := e.lookup(absorbed)
	if sRec == nil {
		return fmt.Errorf("%w: survivor %q", ErrUnknownIdentity, survivor)
	}
	if aRec == nil {
		return fmt.Errorf("%w: absorbed %q", ErrUnknownIdentity, absorbed)
	}
	if aRec.MergedInto == survivor {
		return nil // already merged, idempotent
	}

	now := e.clock.Now()
	sNext := sRec.clone()
	aNext := aRec.clone()

	if sNext.LastSeen == nil {
		sNext.LastSeen = make(map[string]time.Time)
	}
	for center, seen := range aNext.LastSeen {
		if seen.After(sNext.LastSeen[center]) {
			sNext.LastSeen[center] = seen
		}
	}
	sNext.Conflict = sNext.Conflict || aNext.Conflict

	var m Mutation
	if aNext.State == StateActive && aNext.UnitID != 0 {
		entry := PoolEntry{
			UnitID:          aNext.UnitID,
			Owner:           aNext.Key,
			ReleasedAt:      now,
			QuarantineUntil: now.Add(e.cfg.GracePeriod),
		}
		m.PoolAdd = []PoolEntry{entry}
		aNext.State = StatePendingRelease
		aNext.ClearedAt = now
	}
	aNext.MergedInto = survivor
	m.Upsert = []*IdentityRecord{sNext, aNext}

	// Collapse the chain: identities absorbed into aNext in earlier merges are
	// repointed at the new survivor in the same mutation, keeping every
	// redirect a single hop.
	for _, rec := range e.recordsMergedInto(absorbed) {
		chained := rec.clone()
		chained.MergedInto = survivor
		m.Upsert = append(m.Upsert, chained)
	}

	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	if err := e.registry.Apply(ctx, m); err != nil {
		return fmt.Errorf("%w: merge %q into %q: %v", ErrPersistence, absorbed, survivor, err)
	}
	for _, entry := range m.PoolAdd {
		e.pool.add(entry)
	}
	for _, rec := range m.Upsert {
		e.install(rec)
	}

	e.logger.Info("identities merged",
		"survivor", string(survivor), "absorbed", string(absorbed),
		"released_unit", aNext.UnitID)
	return nil
}

// Sweep advances time-driven transitions: PendingRelease identities whose
// quarantine elapsed (or whose unit already moved on) become Released, and
// Released identities past the retention window are archived.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.clock.Now()
	for _, key := range e.keys() {
		if err := e.sweepOne(ctx, key, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sweepOne(ctx context.Context, key domain.IdentityKey, now time.Time) error {
	shard := e.shardFor(key)
	shard.Lock()
	defer shard.Unlock()

	rec := e.lookup(key)
	if rec == nil {
		return nil
	}

	switch rec.State {
	case StatePendingRelease:
		e.poolMu.Lock()
		entry, inPool := e.pool.get(rec.UnitID)
		e.poolMu.Unlock()
		if inPool && entry.Owner == rec.Key && entry.QuarantineUntil.After(now) {
			return nil // still within quarantine, still reclaimable
		}
		next := rec.clone()
		next.State = StateReleased
		if err := e.commit(ctx, Mutation{Upsert: []*IdentityRecord{next}}); err != nil {
			return err
		}

	case StateReleased:
		ref := rec.ClearedAt
		if ref.IsZero() {
			ref = rec.ObservedAt
		}
		if e.cfg.Retention > 0 && now.Sub(ref) > e.cfg.Retention {
			if err := e.commit(ctx, Mutation{Archive: []domain.IdentityKey{key}}); err != nil {
				return err
			}
			e.stateMu.Lock()
			delete(e.identities, key)
			e.stateMu.Unlock()
		}
	}
	return nil
}

// RetryDeferred re-runs allocations that previously failed with ErrNoFreeUnit
// and are due per their backoff. It returns the records that finally got an
// assignment; records that fail again are re-queued with doubled backoff and,
// past the alert threshold, raise an operator alert.
func (e *Engine) RetryDeferred(ctx context.Context) []Recovered {
	now := e.clock.Now()

	e.deferMu.Lock()
	due := make([]*deferredRecord, 0, len(e.deferred))
	for key, d := range e.deferred {
		if !d.next.After(now) {
			due = append(due, d)
			delete(e.deferred, key)
		}
	}
	e.deferMu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].inc.ObservedAt.Before(due[j].inc.ObservedAt) })

	var recovered []Recovered
	for _, d := range due {
		asn, err := e.Process(ctx, d.inc)
		if err != nil {
			if errors.Is(err, ErrNoFreeUnit) {
				// Still exhausted: double the backoff the record already
				// served, overriding the fresh entry allocate queued.
				e.requeue(d.inc, d.backoff*2, now)
				e.noteExhaustion(now)
			} else {
				// Persistence trouble: keep the record deferred on its
				// current backoff, not dropped.
				e.requeue(d.inc, d.backoff, now)
			}
			continue
		}
		recovered = append(recovered, Recovered{Incident: d.inc, Assignment: asn})
	}
	return recovered
}

// Defer queues a record for a later retry cycle. The engine queues internally
// on ErrNoFreeUnit; this is for callers that need to re-queue explicitly,
// e.g. after a persistence error.
func (e *Engine) Defer(inc domain.CanonicalIncident) {
	e.deferIncident(inc, e.clock.Now())
}

func (e *Engine) deferIncident(inc domain.CanonicalIncident, now time.Time) {
	e.deferMu.Lock()
	defer e.deferMu.Unlock()

	d, ok := e.deferred[inc.IdentityKey]
	if !ok {
		d = &deferredRecord{backoff: e.cfg.DeferInitial, next: now.Add(e.cfg.DeferInitial)}
		e.deferred[inc.IdentityKey] = d
	}
	// A fresh report for an already-deferred identity keeps its schedule.
	d.inc = inc

	if e.exhaustedSince.IsZero() {
		e.exhaustedSince = now
	}
}

// requeue puts a record back on the deferred queue with an explicit backoff,
// clamped to [DeferInitial, DeferMax].
func (e *Engine) requeue(inc domain.CanonicalIncident, backoff time.Duration, now time.Time) {
	if backoff < e.cfg.DeferInitial {
		backoff = e.cfg.DeferInitial
	}
	if backoff > e.cfg.DeferMax {
		backoff = e.cfg.DeferMax
	}
	e.deferMu.Lock()
	defer e.deferMu.Unlock()
	e.deferred[inc.IdentityKey] = &deferredRecord{inc: inc, backoff: backoff, next: now.Add(backoff)}
	if e.exhaustedSince.IsZero() {
		e.exhaustedSince = now
	}
}

func (e *Engine) noteExhaustion(now time.Time) {
	e.deferMu.Lock()
	defer e.deferMu.Unlock()
	if e.exhaustedSince.IsZero() {
		e.exhaustedSince = now
		return
	}
	if e.alerted || e.cfg.ExhaustionAlertAfter <= 0 {
		return
	}
	if now.Sub(e.exhaustedSince) >= e.cfg.ExhaustionAlertAfter {
		e.alerted = true
		e.logger.Error("unit namespace exhausted past alert threshold",
			"namespace_size", e.cfg.NamespaceSize,
			"exhausted_for", now.Sub(e.exhaustedSince).String(),
			"deferred_records", len(e.deferred))
	}
}

func (e *Engine) clearExhaustion() {
	e.deferMu.Lock()
	defer e.deferMu.Unlock()
	if len(e.deferred) == 0 {
		e.exhaustedSince = time.Time{}
		e.alerted = false
	}
}

// Stats reports gauge-style counts for observability.
type Stats struct {
	ActiveUnits    int
	PendingRelease int
	FreePoolSize   int
	Deferred       int
	Exhausted      bool
}

// Stats snapshots current engine counts. Consistent enough for gauges; it
// takes the state and pool locks briefly, not the shard locks.
func (e *Engine) Stats() Stats {
	var s Stats

	e.stateMu.Lock()
	for _, rec := range e.identities {
		switch rec.State {
		case StateActive:
			s.ActiveUnits++
		case StatePendingRelease:
			s.PendingRelease++
		}
	}
	e.stateMu.Unlock()

	e.poolMu.Lock()
	s.FreePoolSize = e.pool.size()
	e.poolMu.Unlock()

	e.deferMu.Lock()
	s.Deferred = len(e.deferred)
	s.Exhausted = !e.exhaustedSince.IsZero()
	e.deferMu.Unlock()

	return s
}

// Lookup returns a copy of the identity record for key, if present.
func (e *Engine) Lookup(key domain.IdentityKey) (IdentityRecord, bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	rec, ok := e.identities[key]
	if !ok {
		return IdentityRecord{}, false
	}
	return *rec.clone(), true
}

// --- internals ---

func (e *Engine) newRecord(key domain.IdentityKey, inc domain.CanonicalIncident) *IdentityRecord {
	return &IdentityRecord{
		Key:        key,
		State:      StateUnseen,
		LastSeen:   map[string]time.Time{inc.Center: inc.ObservedAt},
		ObservedAt: inc.ObservedAt,
		Lat:        inc.Lat,
		Lon:        inc.Lon,
		Status:     inc.Status,
	}
}

// commit applies a mutation and installs the upserted records on success.
func (e *Engine) commit(ctx context.Context, m Mutation) error {
	if m.empty() {
		return nil
	}
	if err := e.registry.Apply(ctx, m); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	for _, rec := range m.Upsert {
		e.install(rec)
	}
	return nil
}

func (e *Engine) install(rec *IdentityRecord) {
	e.stateMu.Lock()
	e.identities[rec.Key] = rec
	e.stateMu.Unlock()
}

func (e *Engine) recordsMergedInto(key domain.IdentityKey) []*IdentityRecord {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	var out []*IdentityRecord
	for _, rec := range e.identities {
		if rec.MergedInto == key {
			out = append(out, rec)
		}
	}
	return out
}

func (e *Engine) lookup(key domain.IdentityKey) *IdentityRecord {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.identities[key]
}

func (e *Engine) keys() []domain.IdentityKey {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	keys := make([]domain.IdentityKey, 0, len(e.identities))
	for key := range e.identities {
		keys = append(keys, key)
	}
	return keys
}

func (e *Engine) shardFor(key domain.IdentityKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck // fnv never fails
	return &e.shards[h.Sum32()%shardCount]
}

// lockBoth acquires the shards for two keys in index order so concurrent
// merges cannot deadlock.
func (e *Engine) lockBoth(a, b domain.IdentityKey) func() {
	sa, sb := e.shardFor(a), e.shardFor(b)
	if sa == sb {
		sa.Lock()
		return sa.Unlock
	}
	// Order by address within the shard array.
	first, second := sa, sb
	if shardIndex(e, sb) < shardIndex(e, sa) {
		first, second = sb, sa
	}
	first.Lock()
	second.Lock()
	return func() {
		second.Unlock()
		first.Unlock()
	}
}

func shardIndex(e *Engine, m *sync.Mutex) int {
	for i := range e.shards {
		if &e.shards[i] == m {
			return i
		}
	}
	return -1
}

func clearedAt(inc domain.CanonicalIncident, now time.Time) time.Time {
	if !inc.ClearedAt.IsZero() {
		return inc.ClearedAt
	}
	return now
}
