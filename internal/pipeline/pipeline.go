// Package pipeline orchestrates the ingestion cycle: fetch each center feed,
// normalize and resolve identities, run the allocation engine, write the
// per-center artifacts, and hand them to the dispatcher.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
	"github.com/couchcryptid/wildfire-unit-service/internal/observability"
	"github.com/couchcryptid/wildfire-unit-service/internal/units"
)

// Fetcher retrieves all raw records for one center.
type Fetcher interface {
	Fetch(ctx context.Context, center string) ([]domain.IncidentRecord, error)
}

// Allocator is the unit lifecycle engine surface the pipeline drives.
type Allocator interface {
	Process(ctx context.Context, inc domain.CanonicalIncident) (units.Assignment, error)
	Merge(ctx context.Context, survivor, absorbed domain.IdentityKey) error
	Sweep(ctx context.Context) error
	RetryDeferred(ctx context.Context) []units.Recovered
	Stats() units.Stats
}

// Structurer writes one center's artifact files.
type Structurer interface {
	WriteCenter(center string, batch []domain.Enriched) (incidentsPath, unitsPath string, err error)
}

// Dispatcher delivers one center's artifact pair downstream.
type Dispatcher interface {
	SendSitStat(ctx context.Context, agency, incidentsPath, unitsPath string) error
}

// Broadcaster publishes enriched records to a stream sink.
type Broadcaster interface {
	Broadcast(ctx context.Context, batch []domain.Enriched) error
}

// Options configures a Pipeline.
type Options struct {
	Centers      []string
	Agency       string
	Interval     time.Duration
	FetchTimeout time.Duration
}

// Pipeline runs the periodic ingestion cycle. Dispatcher and Broadcaster may
// be nil, disabling the respective sink.
type Pipeline struct {
	fetcher     Fetcher
	normalizer  *domain.Normalizer
	resolver    *domain.Resolver
	engine      Allocator
	structurer  Structurer
	dispatcher  Dispatcher
	broadcaster Broadcaster

	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	opts    Options

	ready atomic.Bool
}

// New creates a Pipeline. Pass a nil clock for real time.
func New(f Fetcher, n *domain.Normalizer, r *domain.Resolver, a Allocator, s Structurer,
	d Dispatcher, b Broadcaster, clock clockwork.Clock, logger *slog.Logger,
	metrics *observability.Metrics, opts Options) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		fetcher:     f,
		normalizer:  n,
		resolver:    r,
		engine:      a,
		structurer:  s,
		dispatcher:  d,
		broadcaster: b,
		clock:       clock,
		logger:      logger,
		metrics:     metrics,
		opts:        opts,
	}
}

// CheckReadiness returns nil once the pipeline has completed at least one
// cycle, or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not completed a cycle yet")
	}
	return nil
}

// Run executes ingestion cycles until the context is cancelled. Cycle errors
// never crash the loop: they are logged, surfaced through metrics, and the
// next cycle proceeds on schedule.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started",
		"centers", p.opts.Centers, "interval", p.opts.Interval)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	for {
		if err := p.runCycle(ctx); err != nil {
			// Persistence failures need an operator; everything milder was
			// already handled record by record inside the cycle.
			p.logger.Error("cycle aborted", "error", err)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		case <-p.clock.After(p.opts.Interval):
		}
	}
}

// runCycle performs one full fetch-allocate-dispatch pass over all centers.
func (p *Pipeline) runCycle(ctx context.Context) error {
	start := p.clock.Now()

	batches := make(map[string][]domain.Enriched, len(p.opts.Centers))

	// Allocations deferred on namespace exhaustion get first claim on any
	// units freed since the last cycle.
	for _, rec := range p.engine.RetryDeferred(ctx) {
		p.logger.Info("deferred record recovered",
			"identity", string(rec.Incident.IdentityKey), "unit_id", rec.Assignment.UnitID)
		batches[rec.Incident.Center] = append(batches[rec.Incident.Center], p.enrich(rec.Incident, rec.Assignment))
	}

	cells := make(map[string]domain.CanonicalIncident)
	for _, center := range p.opts.Centers {
		if err := p.ingestCenter(ctx, center, cells, batches); err != nil {
			return err
		}
	}

	if err := p.engine.Sweep(ctx); err != nil {
		return err
	}
	p.exportStats()

	for _, center := range p.opts.Centers {
		p.emit(ctx, center, batches[center])
	}

	p.metrics.CycleDuration.Observe(p.clock.Now().Sub(start).Seconds())
	p.ready.Store(true)
	return nil
}

// ingestCenter fetches and processes one center feed. A fetch failure yields
// zero records for the cycle and touches no state.
func (p *Pipeline) ingestCenter(ctx context.Context, center string, cells map[string]domain.CanonicalIncident, batches map[string][]domain.Enriched) error {
	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	records, err := p.fetcher.Fetch(fetchCtx, center)
	cancel()
	if err != nil {
		p.logger.Warn("center fetch failed, skipping this cycle", "center", center, "error", err)
		return nil
	}
	p.metrics.RecordsFetched.WithLabelValues(center).Add(float64(len(records)))

	for _, raw := range records {
		inc, err := p.normalizer.Normalize(raw)
		if err != nil {
			p.skipRecord(raw, err)
			continue
		}
		inc.IdentityKey = p.resolver.Resolve(inc)
		inc = p.resolveMerge(ctx, inc, cells)

		asn, err := p.engine.Process(ctx, inc)
		switch {
		case errors.Is(err, units.ErrNoFreeUnit):
			p.metrics.AllocationFailures.Inc()
			p.logger.Warn("no free unit, record deferred",
				"identity", string(inc.IdentityKey), "center", center)
			continue
		case errors.Is(err, units.ErrPersistence):
			return err
		case err != nil:
			p.logger.Error("engine rejected record",
				"identity", string(inc.IdentityKey), "error", err)
			continue
		}

		p.countTransition(asn)
		batches[center] = append(batches[center], p.enrich(inc, asn))
	}
	return nil
}

// resolveMerge spots cross-center reports for the same physical fire within
// one cycle. The first report in a spatial cell claims it; a later report from
// a different center in merge range is folded into the claimant.
func (p *Pipeline) resolveMerge(ctx context.Context, inc domain.CanonicalIncident, cells map[string]domain.CanonicalIncident) domain.CanonicalIncident {
	cell := p.resolver.CellKey(inc)
	first, seen := cells[cell]
	if !seen {
		cells[cell] = inc
		return inc
	}
	if first.IdentityKey == inc.IdentityKey ||
		first.Center == inc.Center ||
		!p.resolver.MergeCandidate(first, inc) {
		return inc
	}

	err := p.engine.Merge(ctx, first.IdentityKey, inc.IdentityKey)
	switch {
	case err == nil:
		p.metrics.Merges.Inc()
	case errors.Is(err, units.ErrUnknownIdentity):
		// The duplicate identity has no record yet: attribute the report to
		// the claimant directly instead of creating one just to merge it.
		inc.IdentityKey = first.IdentityKey
	default:
		p.logger.Warn("merge failed",
			"survivor", string(first.IdentityKey),
			"absorbed", string(inc.IdentityKey), "error", err)
	}
	return inc
}

// emit writes one center's artifacts and hands them to the sinks. Handoff is
// independent of registry commits: a failed delivery is retried next cycle
// with freshly written artifacts, duplicates tolerated downstream.
func (p *Pipeline) emit(ctx context.Context, center string, batch []domain.Enriched) {
	incidentsPath, unitsPath, err := p.structurer.WriteCenter(center, batch)
	if err != nil {
		p.logger.Error("artifact write failed", "center", center, "error", err)
		return
	}
	if incidentsPath == "" {
		return
	}

	if p.dispatcher != nil {
		dispatchStart := p.clock.Now()
		if err := p.dispatcher.SendSitStat(ctx, p.opts.Agency, incidentsPath, unitsPath); err != nil {
			p.metrics.DispatchErrors.Inc()
			p.logger.Error("dispatch failed, will retry next cycle", "center", center, "error", err)
		}
		p.metrics.DispatchDuration.Observe(p.clock.Now().Sub(dispatchStart).Seconds())
	}

	if p.broadcaster != nil {
		if err := p.broadcaster.Broadcast(ctx, batch); err != nil {
			p.logger.Error("broadcast failed", "center", center, "error", err)
		}
	}
}

func (p *Pipeline) enrich(inc domain.CanonicalIncident, asn units.Assignment) domain.Enriched {
	return domain.Enriched{
		Incident:    inc,
		UnitID:      asn.UnitID,
		Lifecycle:   string(asn.State),
		Reclaimed:   asn.Reclaimed,
		ProcessedAt: p.clock.Now(),
	}
}

func (p *Pipeline) skipRecord(raw domain.IncidentRecord, err error) {
	reason := "malformed"
	level := slog.LevelWarn
	switch {
	case errors.Is(err, domain.ErrInvalidCoordinate):
		reason = "invalid_coordinate"
	case errors.Is(err, domain.ErrUnknownStatus):
		reason = "unknown_status"
	case errors.Is(err, domain.ErrFilteredRecord):
		reason = "filtered"
		level = slog.LevelDebug
	}
	p.metrics.RecordsSkipped.WithLabelValues(reason).Inc()
	p.logger.Log(context.Background(), level, "record skipped",
		"center", raw.Center, "local_id", raw.UUID, "reason", reason, "error", err)
}

func (p *Pipeline) countTransition(asn units.Assignment) {
	if asn.Allocated {
		p.metrics.UnitsAllocated.Inc()
	}
	if asn.Released {
		p.metrics.UnitsReleased.Inc()
	}
	if asn.Reclaimed {
		p.metrics.UnitsReclaimed.Inc()
	}
	if asn.Conflict {
		p.metrics.Conflicts.Inc()
	}
}

func (p *Pipeline) exportStats() {
	s := p.engine.Stats()
	p.metrics.ActiveUnits.Set(float64(s.ActiveUnits))
	p.metrics.FreePoolSize.Set(float64(s.FreePoolSize))
	p.metrics.DeferredRecords.Set(float64(s.Deferred))
	if s.Exhausted {
		p.metrics.NamespaceExhausted.Set(1)
	} else {
		p.metrics.NamespaceExhausted.Set(0)
	}
}
