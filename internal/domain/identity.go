package domain

import (
	"fmt"
	"math"
	"time"
)

// IdentityKey is the stable key for one physical incident across centers.
type IdentityKey string

// Resolver derives identity keys and decides when two identities look like the
// same physical fire. Both tunables are external policy: GridResolution is the
// coordinate rounding step in degrees, ConflictWindow the time bucket used for
// anonymous reports and merge candidacy.
type Resolver struct {
	GridResolution float64
	ConflictWindow time.Duration
}

// NewResolver creates a Resolver, applying defaults for zero tunables.
func NewResolver(gridResolution float64, conflictWindow time.Duration) *Resolver {
	if gridResolution <= 0 {
		gridResolution = 0.01
	}
	if conflictWindow <= 0 {
		conflictWindow = 15 * time.Minute
	}
	return &Resolver{GridResolution: gridResolution, ConflictWindow: conflictWindow}
}

// Resolve derives the identity key for a canonical incident. A present local ID
// yields a center-scoped stable key; otherwise the key is the spatial grid cell
// plus the time bucket of the observation. Derivation is deterministic and
// idempotent.
func (r *Resolver) Resolve(inc CanonicalIncident) IdentityKey {
	if inc.LocalID != "" {
		return IdentityKey(inc.Center + ":" + inc.LocalID)
	}
	latCell, lonCell := r.cell(inc.Lat, inc.Lon)
	bucket := inc.ObservedAt.UTC().Truncate(r.ConflictWindow).Unix()
	return IdentityKey(fmt.Sprintf("grid:%d:%d:%d", latCell, lonCell, bucket))
}

// MergeCandidate reports whether two incidents plausibly describe the same
// physical fire: observed within one conflict window of each other, in the same
// or an adjacent grid cell. It is a candidate test only; the caller decides
// whether to merge.
func (r *Resolver) MergeCandidate(a, b CanonicalIncident) bool {
	dt := a.ObservedAt.Sub(b.ObservedAt)
	if dt < 0 {
		dt = -dt
	}
	if dt > r.ConflictWindow {
		return false
	}
	aLat, aLon := r.cell(a.Lat, a.Lon)
	bLat, bLon := r.cell(b.Lat, b.Lon)
	return absInt(aLat-bLat) <= 1 && absInt(aLon-bLon) <= 1
}

// MostRecent applies the conflict tie-break policy: when two reports disagree
// inside one window, the later observation wins. Ties keep the first argument.
func MostRecent(a, b CanonicalIncident) CanonicalIncident {
	if b.ObservedAt.After(a.ObservedAt) {
		return b
	}
	return a
}

// CellKey identifies the spatial bucket an incident falls in, used by the
// ingestion loop to spot merge candidates within one cycle.
func (r *Resolver) CellKey(inc CanonicalIncident) string {
	latCell, lonCell := r.cell(inc.Lat, inc.Lon)
	return fmt.Sprintf("%d:%d", latCell, lonCell)
}

func (r *Resolver) cell(lat, lon float64) (int, int) {
	return int(math.Floor(lat / r.GridResolution)), int(math.Floor(lon / r.GridResolution))
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
