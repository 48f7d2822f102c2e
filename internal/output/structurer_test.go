package output_test

import (
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
	"github.com/couchcryptid/wildfire-unit-service/internal/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.Comma = '\t'
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func sampleBatch() []domain.Enriched {
	observed := time.Date(2026, 8, 15, 11, 30, 0, 0, time.UTC)
	return []domain.Enriched{
		{
			Incident: domain.CanonicalIncident{
				Center:          "BDF",
				LocalID:         "2026-CABDF-001234",
				AlternateID:     "001234",
				Name:            "BRIDGE",
				TypeDescription: "Wildfire",
				Lat:             34.1745,
				Lon:             -117.0732,
				Status:          domain.StatusActive,
				ObservedAt:      observed,
				Narrative:       "holding at ridge",
				IC:              "SMITH",
				Acres:           "120",
				Fuels:           "Timber",
				FireCode:        "PN4XYZ",
			},
			UnitID:    3,
			Lifecycle: "active",
		},
		{
			Incident: domain.CanonicalIncident{
				Center:          "BDF",
				LocalID:         "2026-CABDF-001240",
				TypeDescription: "Wildfire",
				Lat:             34.2,
				Lon:             -117.1,
				Status:          domain.StatusCleared,
				ObservedAt:      observed.Add(10 * time.Minute),
				ClearedAt:       observed.Add(5 * time.Minute),
			},
			UnitID:    7,
			Lifecycle: "pending_release",
		},
		{
			// Cleared on arrival: appears in the incidents file but never
			// on the units side.
			Incident: domain.CanonicalIncident{
				Center:          "BDF",
				LocalID:         "2026-CABDF-001250",
				TypeDescription: "Wildfire",
				Lat:             34.3,
				Lon:             -117.2,
				Status:          domain.StatusCleared,
				ObservedAt:      observed,
			},
			Lifecycle: "released",
		},
	}
}

func TestWriteCenter_Artifacts(t *testing.T) {
	dir := t.TempDir()
	s := output.NewStructurer(dir, "USFS", slog.Default())

	incidentsPath, unitsPath, err := s.WriteCenter("BDF", sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "BDF", "Incidents_BDF.txt"), incidentsPath)
	assert.Equal(t, filepath.Join(dir, "BDF", "Units_BDF.txt"), unitsPath)

	incidents := readTSV(t, incidentsPath)
	require.Len(t, incidents, 4) // header plus three records
	assert.Equal(t, []string{
		"agency", "jurisdiction", "incidentId", "alternateId", "unitId",
		"incidentTypeDescription", "latitude", "longitude",
		"statusUpdatedDatetime", "clearDatetime",
		"narrative", "name", "ic", "acres", "fuels",
		"fire_code", "wfdssunit", "fiscal_comments",
	}, incidents[0])

	first := incidents[1]
	assert.Equal(t, "USFS", first[0])
	assert.Equal(t, "BDF", first[1])
	assert.Equal(t, "2026-CABDF-001234", first[2])
	assert.Equal(t, "FixedUnit3", first[4])
	assert.Equal(t, "34.17450", first[6])
	assert.Equal(t, "-117.07320", first[7])
	assert.Equal(t, "2026-08-15T11:30:00Z", first[8])
	assert.Equal(t, "", first[9], "no clear time while active")

	second := incidents[2]
	assert.Equal(t, "2026-08-15T11:35:00Z", second[9])

	units := readTSV(t, unitsPath)
	require.Len(t, units, 3, "the unit-less record is omitted")
	assert.Equal(t, []string{
		"agency", "unitId", "incidentId", "statusCode",
		"latitude", "longitude", "statusUpdatedDatetime", "gpsFixDatetime",
	}, units[0])
	assert.Equal(t, "FixedUnit3", units[1][1])
	assert.Equal(t, "OnScene", units[1][3])
	assert.Equal(t, "FixedUnit7", units[2][1])
	assert.Equal(t, "Avail", units[2][3], "cleared units report available")
}

func TestWriteCenter_EmptyBatch(t *testing.T) {
	dir := t.TempDir()
	s := output.NewStructurer(dir, "USFS", slog.Default())

	incidentsPath, unitsPath, err := s.WriteCenter("BDF", nil)
	require.NoError(t, err)
	assert.Empty(t, incidentsPath)
	assert.Empty(t, unitsPath)

	// Nothing is created on disk either.
	_, statErr := os.Stat(filepath.Join(dir, "BDF"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFormatUnitID(t *testing.T) {
	assert.Equal(t, "FixedUnit1", output.FormatUnitID(1))
	assert.Equal(t, "FixedUnit42", output.FormatUnitID(42))
	assert.Empty(t, output.FormatUnitID(0))
}
