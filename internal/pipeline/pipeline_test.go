package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
	"github.com/couchcryptid/wildfire-unit-service/internal/observability"
	"github.com/couchcryptid/wildfire-unit-service/internal/pipeline"
	"github.com/couchcryptid/wildfire-unit-service/internal/units"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

// --- mocks ---

type mockFetcher struct {
	mu      sync.Mutex
	records map[string][]domain.IncidentRecord
	err     error
	calls   int
}

func (m *mockFetcher) Fetch(_ context.Context, center string) ([]domain.IncidentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	recs := make([]domain.IncidentRecord, len(m.records[center]))
	copy(recs, m.records[center])
	for i := range recs {
		recs[i].Center = center
	}
	return recs, nil
}

type mockAllocator struct {
	mu        sync.Mutex
	processed []domain.CanonicalIncident
	merges    [][2]domain.IdentityKey
	errFor    map[domain.IdentityKey]error
	mergeErr  error
	recovered []units.Recovered
	nextUnit  int
	sweeps    int
}

func (m *mockAllocator) Process(_ context.Context, inc domain.CanonicalIncident) (units.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, inc)
	if err := m.errFor[inc.IdentityKey]; err != nil {
		return units.Assignment{}, err
	}
	m.nextUnit++
	return units.Assignment{UnitID: m.nextUnit, State: units.StateActive, Allocated: true}, nil
}

func (m *mockAllocator) Merge(_ context.Context, survivor, absorbed domain.IdentityKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mergeErr != nil {
		return m.mergeErr
	}
	m.merges = append(m.merges, [2]domain.IdentityKey{survivor, absorbed})
	return nil
}

func (m *mockAllocator) Sweep(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
	return nil
}

func (m *mockAllocator) RetryDeferred(context.Context) []units.Recovered {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.recovered
	m.recovered = nil
	return out
}

func (m *mockAllocator) Stats() units.Stats { return units.Stats{} }

func (m *mockAllocator) processedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

type mockStructurer struct {
	mu      sync.Mutex
	batches map[string][]domain.Enriched
}

func (m *mockStructurer) WriteCenter(center string, batch []domain.Enriched) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batches == nil {
		m.batches = make(map[string][]domain.Enriched)
	}
	m.batches[center] = batch
	if len(batch) == 0 {
		return "", "", nil
	}
	return "Incidents_" + center + ".txt", "Units_" + center + ".txt", nil
}

type mockDispatcher struct {
	mu       sync.Mutex
	agencies []string
	paths    [][2]string
	err      error
}

func (m *mockDispatcher) SendSitStat(_ context.Context, agency, incidentsPath, unitsPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agencies = append(m.agencies, agency)
	m.paths = append(m.paths, [2]string{incidentsPath, unitsPath})
	return m.err
}

type mockBroadcaster struct {
	mu      sync.Mutex
	batches [][]domain.Enriched
}

func (m *mockBroadcaster) Broadcast(_ context.Context, batch []domain.Enriched) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, batch)
	return nil
}

// --- helpers ---

func rawRecord(uuid, lat, lon string) domain.IncidentRecord {
	return domain.IncidentRecord{
		UUID:      uuid,
		Type:      "Wildfire",
		Status:    "active",
		Latitude:  lat,
		Longitude: lon,
		Date:      "2026-08-15T11:30:00.000000",
	}
}

type testPipeline struct {
	p       *pipeline.Pipeline
	fetcher *mockFetcher
	alloc   *mockAllocator
	str     *mockStructurer
	disp    *mockDispatcher
	bcast   *mockBroadcaster
	clock   *clockwork.FakeClock
}

func newTestPipeline(t *testing.T, centers []string, fetcher *mockFetcher, alloc *mockAllocator) *testPipeline {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	str := &mockStructurer{}
	disp := &mockDispatcher{}
	bcast := &mockBroadcaster{}

	p := pipeline.New(
		fetcher,
		domain.NewNormalizer(0, clock),
		domain.NewResolver(0.01, 15*time.Minute),
		alloc,
		str,
		disp,
		bcast,
		clock,
		slog.Default(),
		observability.NewMetricsForTesting(),
		pipeline.Options{
			Centers:      centers,
			Agency:       "USFS",
			Interval:     time.Minute,
			FetchTimeout: 10 * time.Second,
		},
	)
	return &testPipeline{p: p, fetcher: fetcher, alloc: alloc, str: str, disp: disp, bcast: bcast, clock: clock}
}

// runOneCycle runs the pipeline until the first cycle completes, then stops it.
func runOneCycle(t *testing.T, tp *testPipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tp.p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return tp.p.CheckReadiness(context.Background()) == nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// --- tests ---

func TestPipeline_HappyPath(t *testing.T) {
	fetcher := &mockFetcher{records: map[string][]domain.IncidentRecord{
		"BDF": {
			rawRecord("BDF-001", "34.1745", "-117.0732"),
			rawRecord("BDF-002", "35.5000", "-118.3000"),
		},
	}}
	alloc := &mockAllocator{}
	tp := newTestPipeline(t, []string{"BDF"}, fetcher, alloc)

	runOneCycle(t, tp)

	require.Equal(t, 2, alloc.processedCount())
	assert.Equal(t, domain.IdentityKey("BDF:BDF-001"), alloc.processed[0].IdentityKey)
	assert.Equal(t, 1, alloc.sweeps)

	require.Len(t, tp.str.batches["BDF"], 2)
	assert.Equal(t, 1, tp.str.batches["BDF"][0].UnitID)
	assert.Equal(t, "active", tp.str.batches["BDF"][0].Lifecycle)

	require.Len(t, tp.disp.agencies, 1)
	assert.Equal(t, "USFS", tp.disp.agencies[0])
	assert.Equal(t, [2]string{"Incidents_BDF.txt", "Units_BDF.txt"}, tp.disp.paths[0])

	require.Len(t, tp.bcast.batches, 1)
	assert.Len(t, tp.bcast.batches[0], 2)
}

func TestPipeline_SkippedRecordKeepsSiblings(t *testing.T) {
	bad := rawRecord("BDF-bad", "120.0", "-117.0") // latitude out of range
	fetcher := &mockFetcher{records: map[string][]domain.IncidentRecord{
		"BDF": {
			rawRecord("BDF-001", "34.1745", "-117.0732"),
			bad,
			rawRecord("BDF-002", "35.5000", "-118.3000"),
		},
	}}
	alloc := &mockAllocator{}
	tp := newTestPipeline(t, []string{"BDF"}, fetcher, alloc)

	runOneCycle(t, tp)

	// The broken record is dropped alone; its siblings still flow through.
	require.Equal(t, 2, alloc.processedCount())
	assert.Len(t, tp.str.batches["BDF"], 2)
}

func TestPipeline_FetchFailureTouchesNoState(t *testing.T) {
	fetcher := &mockFetcher{err: errors.New("feed down")}
	alloc := &mockAllocator{}
	tp := newTestPipeline(t, []string{"BDF"}, fetcher, alloc)

	runOneCycle(t, tp)

	assert.Zero(t, alloc.processedCount())
	assert.Empty(t, tp.disp.agencies, "nothing dispatched for an empty cycle")
	assert.Equal(t, 1, alloc.sweeps, "the cycle itself still completes")
}

func TestPipeline_NoFreeUnitSkipsRecordOnly(t *testing.T) {
	fetcher := &mockFetcher{records: map[string][]domain.IncidentRecord{
		"BDF": {
			rawRecord("BDF-001", "34.1745", "-117.0732"),
			rawRecord("BDF-002", "35.5000", "-118.3000"),
		},
	}}
	alloc := &mockAllocator{errFor: map[domain.IdentityKey]error{
		"BDF:BDF-001": units.ErrNoFreeUnit,
	}}
	tp := newTestPipeline(t, []string{"BDF"}, fetcher, alloc)

	runOneCycle(t, tp)

	require.Equal(t, 2, alloc.processedCount())
	require.Len(t, tp.str.batches["BDF"], 1, "the deferred record is not emitted this cycle")
	assert.Equal(t, domain.IdentityKey("BDF:BDF-002"), tp.str.batches["BDF"][0].Incident.IdentityKey)
}

func TestPipeline_PersistenceFailureAbortsCycle(t *testing.T) {
	fetcher := &mockFetcher{records: map[string][]domain.IncidentRecord{
		"BDF": {rawRecord("BDF-001", "34.1745", "-117.0732")},
	}}
	alloc := &mockAllocator{errFor: map[domain.IdentityKey]error{
		"BDF:BDF-001": units.ErrPersistence,
	}}
	tp := newTestPipeline(t, []string{"BDF"}, fetcher, alloc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tp.p.Run(ctx) }()

	require.Eventually(t, func() bool { return alloc.processedCount() > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Error(t, tp.p.CheckReadiness(context.Background()), "an aborted cycle never reports ready")
	assert.Empty(t, tp.disp.agencies, "nothing is dispatched after an abort")
}

func TestPipeline_CrossCenterMerge(t *testing.T) {
	// Both centers report the same fire: identical cell, observed within one
	// conflict window.
	fetcher := &mockFetcher{records: map[string][]domain.IncidentRecord{
		"BDF": {rawRecord("BDF-001", "34.1745", "-117.0732")},
		"ANF": {rawRecord("ANF-055", "34.1749", "-117.0738")},
	}}
	alloc := &mockAllocator{}
	tp := newTestPipeline(t, []string{"BDF", "ANF"}, fetcher, alloc)

	runOneCycle(t, tp)

	require.Len(t, alloc.merges, 1)
	assert.Equal(t, domain.IdentityKey("BDF:BDF-001"), alloc.merges[0][0], "first claimant survives")
	assert.Equal(t, domain.IdentityKey("ANF:ANF-055"), alloc.merges[0][1])
}

func TestPipeline_MergeOfUnknownIdentityReattributes(t *testing.T) {
	fetcher := &mockFetcher{records: map[string][]domain.IncidentRecord{
		"BDF": {rawRecord("BDF-001", "34.1745", "-117.0732")},
		"ANF": {rawRecord("ANF-055", "34.1749", "-117.0738")},
	}}
	alloc := &mockAllocator{mergeErr: units.ErrUnknownIdentity}
	tp := newTestPipeline(t, []string{"BDF", "ANF"}, fetcher, alloc)

	runOneCycle(t, tp)

	// With no record to merge, the duplicate report lands on the claimant.
	require.Equal(t, 2, alloc.processedCount())
	assert.Equal(t, domain.IdentityKey("BDF:BDF-001"), alloc.processed[1].IdentityKey)
}

func TestPipeline_RecoveredDeferredRecordsAreEmitted(t *testing.T) {
	inc := domain.CanonicalIncident{
		IdentityKey: "BDF:BDF-009",
		Center:      "BDF",
		LocalID:     "BDF-009",
		Status:      domain.StatusActive,
		ObservedAt:  testNow.Add(-time.Hour),
	}
	fetcher := &mockFetcher{records: map[string][]domain.IncidentRecord{}}
	alloc := &mockAllocator{recovered: []units.Recovered{
		{Incident: inc, Assignment: units.Assignment{UnitID: 5, State: units.StateActive, Allocated: true}},
	}}
	tp := newTestPipeline(t, []string{"BDF"}, fetcher, alloc)

	runOneCycle(t, tp)

	require.Len(t, tp.str.batches["BDF"], 1)
	assert.Equal(t, 5, tp.str.batches["BDF"][0].UnitID)
	assert.Equal(t, domain.IdentityKey("BDF:BDF-009"), tp.str.batches["BDF"][0].Incident.IdentityKey)
}

func TestPipeline_ReadinessBeforeFirstCycle(t *testing.T) {
	tp := newTestPipeline(t, []string{"BDF"}, &mockFetcher{}, &mockAllocator{})
	assert.Error(t, tp.p.CheckReadiness(context.Background()))
}
