// Package output renders enriched incidents into the tab-delimited artifacts
// the downstream API expects: one Incidents file and one Units file per
// center, under a per-center directory.
package output

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/wildfire-unit-service/internal/domain"
)

// incidentHeader matches the column order of the legacy artifacts consumed by
// the downstream API. Changing it is a contract change.
var incidentHeader = []string{
	"agency", "jurisdiction", "incidentId", "alternateId", "unitId",
	"incidentTypeDescription", "latitude", "longitude",
	"statusUpdatedDatetime", "clearDatetime",
	"narrative", "name", "ic", "acres", "fuels",
	"fire_code", "wfdssunit", "fiscal_comments",
}

var unitHeader = []string{
	"agency", "unitId", "incidentId", "statusCode",
	"latitude", "longitude", "statusUpdatedDatetime", "gpsFixDatetime",
}

// Structurer writes per-center artifact files.
type Structurer struct {
	dir    string
	agency string
	logger *slog.Logger
}

// NewStructurer creates a Structurer writing under dir.
func NewStructurer(dir, agency string, logger *slog.Logger) *Structurer {
	return &Structurer{dir: dir, agency: agency, logger: logger}
}

// WriteCenter writes the Incidents and Units artifacts for one center and
// returns their paths. An empty batch writes nothing and returns empty paths.
func (s *Structurer) WriteCenter(center string, batch []domain.Enriched) (incidentsPath, unitsPath string, err error) {
	if len(batch) == 0 {
		s.logger.Debug("no data to write", "center", center)
		return "", "", nil
	}

	dir := filepath.Join(s.dir, center)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("create output dir %s: %w", dir, err)
	}

	incidentsPath = filepath.Join(dir, "Incidents_"+center+".txt")
	if err := writeTSV(incidentsPath, incidentHeader, incidentRows(s.agency, batch)); err != nil {
		return "", "", err
	}
	unitsPath = filepath.Join(dir, "Units_"+center+".txt")
	if err := writeTSV(unitsPath, unitHeader, unitRows(s.agency, batch)); err != nil {
		return "", "", err
	}

	s.logger.Info("artifacts written",
		"center", center, "records", len(batch),
		"incidents_file", incidentsPath, "units_file", unitsPath)
	return incidentsPath, unitsPath, nil
}

func incidentRows(agency string, batch []domain.Enriched) [][]string {
	rows := make([][]string, 0, len(batch))
	for _, e := range batch {
		inc := e.Incident
		rows = append(rows, []string{
			agency,
			inc.Center,
			inc.LocalID,
			inc.AlternateID,
			FormatUnitID(e.UnitID),
			inc.TypeDescription,
			formatCoord(inc.Lat),
			formatCoord(inc.Lon),
			formatTime(inc.ObservedAt),
			formatTime(inc.ClearedAt),
			inc.Narrative,
			inc.Name,
			inc.IC,
			inc.Acres,
			inc.Fuels,
			inc.FireCode,
			inc.WFDSSUnit,
			inc.FiscalComments,
		})
	}
	return rows
}

func unitRows(agency string, batch []domain.Enriched) [][]string {
	rows := make([][]string, 0, len(batch))
	for _, e := range batch {
		if e.UnitID == 0 {
			continue // no unit bound, nothing to report on the units side
		}
		inc := e.Incident
		rows = append(rows, []string{
			agency,
			FormatUnitID(e.UnitID),
			inc.LocalID,
			statusCode(inc.Status),
			formatCoord(inc.Lat),
			formatCoord(inc.Lon),
			formatTime(inc.ObservedAt),
			formatTime(inc.ObservedAt),
		})
	}
	return rows
}

// FormatUnitID renders a unit ID in the fixed-unit notation the downstream
// API expects. Zero renders empty.
func FormatUnitID(id int) string {
	if id == 0 {
		return ""
	}
	return fmt.Sprintf("FixedUnit%d", id)
}

// statusCode maps canonical status to the downstream unit status vocabulary:
// cleared units are available, everything else is on scene.
func statusCode(s domain.Status) string {
	if s == domain.StatusCleared {
		return "Avail"
	}
	return "OnScene"
}

func writeTSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	w.Comma = '\t'

	if err := w.Write(header); err != nil {
		_ = f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			_ = f.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return f.Close()
}

func formatCoord(v float64) string {
	return fmt.Sprintf("%.5f", v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
