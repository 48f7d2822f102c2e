package domain_test

import (
	"testing"
	"time"

	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestResolve_LocalIDIsStableAndCenterScoped(t *testing.T) {
	r := domain.NewResolver(0.01, 15*time.Minute)
	inc := domain.CanonicalIncident{
		Center:     "BDF",
		LocalID:    "2026-CABDF-001234",
		Lat:        34.1745,
		Lon:        -117.0732,
		ObservedAt: testNow,
	}

	key := r.Resolve(inc)
	assert.Equal(t, domain.IdentityKey("BDF:2026-CABDF-001234"), key)

	// Coordinates and time do not perturb an ID-backed key.
	inc.Lat, inc.Lon = 34.2, -117.1
	inc.ObservedAt = testNow.Add(3 * time.Hour)
	assert.Equal(t, key, r.Resolve(inc))

	// Same local ID at a different center is a different identity.
	inc.Center = "ANF"
	assert.NotEqual(t, key, r.Resolve(inc))
}

func TestResolve_AnonymousReportsUseGridAndTimeBucket(t *testing.T) {
	r := domain.NewResolver(0.01, 15*time.Minute)
	a := domain.CanonicalIncident{Center: "BDF", Lat: 34.1745, Lon: -117.0732, ObservedAt: testNow}

	// Same cell, same window: same identity.
	b := a
	b.Lat, b.Lon = 34.1749, -117.0738
	b.ObservedAt = testNow.Add(2 * time.Minute)
	assert.Equal(t, r.Resolve(a), r.Resolve(b))

	// Different cell splits the identity.
	c := a
	c.Lat = 34.19
	assert.NotEqual(t, r.Resolve(a), r.Resolve(c))

	// Different time bucket splits the identity.
	d := a
	d.ObservedAt = testNow.Add(40 * time.Minute)
	assert.NotEqual(t, r.Resolve(a), r.Resolve(d))
}

func TestMergeCandidate(t *testing.T) {
	r := domain.NewResolver(0.01, 15*time.Minute)
	a := domain.CanonicalIncident{Lat: 34.1745, Lon: -117.0732, ObservedAt: testNow}

	t.Run("adjacent cell within window", func(t *testing.T) {
		b := a
		b.Lat = 34.1815 // one cell north
		b.ObservedAt = testNow.Add(10 * time.Minute)
		assert.True(t, r.MergeCandidate(a, b))
		assert.True(t, r.MergeCandidate(b, a), "candidacy is symmetric")
	})

	t.Run("too far apart", func(t *testing.T) {
		b := a
		b.Lat = 34.21
		assert.False(t, r.MergeCandidate(a, b))
	})

	t.Run("outside the window", func(t *testing.T) {
		b := a
		b.ObservedAt = testNow.Add(20 * time.Minute)
		assert.False(t, r.MergeCandidate(a, b))
	})
}

func TestMostRecent(t *testing.T) {
	older := domain.CanonicalIncident{LocalID: "older", ObservedAt: testNow}
	newer := domain.CanonicalIncident{LocalID: "newer", ObservedAt: testNow.Add(time.Minute)}

	assert.Equal(t, "newer", domain.MostRecent(older, newer).LocalID)
	assert.Equal(t, "newer", domain.MostRecent(newer, older).LocalID)

	// Ties keep the first argument.
	tie := older
	tie.LocalID = "tie"
	assert.Equal(t, "older", domain.MostRecent(older, tie).LocalID)
}
