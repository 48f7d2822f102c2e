package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// excludedTypes lists feed incident types that are not physical fires and never
// receive a unit.
var excludedTypes = map[string]struct{}{
	"Miscellaneous":               {},
	"Resource Order":              {},
	"Aircraft":                    {},
	"False Alarm":                 {},
	"Classroom Training":          {},
	"Preparedness/Preposition":    {},
	"N/A":                         {},
	"Resource Program (internal)": {},
	"Emergency Stabilization":     {},
	"Nonstatistical Fire":         {},
}

// stalePrescribedAge is how long a prescribed fire may sit in a feed before it
// is treated as historical noise rather than a live incident.
const stalePrescribedAge = 90 * 24 * time.Hour

// feedTimeLayout parses center timestamps with or without fractional seconds.
const feedTimeLayout = "2006-01-02T15:04:05.999999999"

// Normalizer validates and canonicalizes raw incident records.
type Normalizer struct {
	maxAge time.Duration
	clock  clockwork.Clock
}

// NewNormalizer creates a Normalizer. maxAge bounds how old a report may be
// before it is filtered; zero disables the age filter. Pass a nil clock to use
// real time.
func NewNormalizer(maxAge time.Duration, clock clockwork.Clock) *Normalizer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Normalizer{maxAge: maxAge, clock: clock}
}

// Normalize converts one raw record into its canonical form. Failures are
// per-record: ErrMalformedRecord, ErrInvalidCoordinate and ErrUnknownStatus
// mark broken input, ErrFilteredRecord marks input excluded by policy.
func (n *Normalizer) Normalize(rec IncidentRecord) (CanonicalIncident, error) {
	if rec.Center == "" || rec.UUID == "" {
		return CanonicalIncident{}, fmt.Errorf("%w: missing center or local id", ErrMalformedRecord)
	}
	if strings.TrimSpace(rec.Latitude) == "" || strings.TrimSpace(rec.Longitude) == "" {
		return CanonicalIncident{}, fmt.Errorf("%w: missing coordinates for %s", ErrMalformedRecord, rec.UUID)
	}

	observedAt, err := parseFeedTime(rec.Date)
	if err != nil {
		return CanonicalIncident{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedRecord, rec.Date)
	}

	if _, excluded := excludedTypes[rec.Type]; excluded {
		return CanonicalIncident{}, fmt.Errorf("%w: excluded type %q", ErrFilteredRecord, rec.Type)
	}

	now := n.clock.Now()
	if rec.Type == "Prescribed Fire" && now.Sub(observedAt) > stalePrescribedAge {
		return CanonicalIncident{}, fmt.Errorf("%w: stale prescribed fire %s", ErrFilteredRecord, rec.UUID)
	}
	if n.maxAge > 0 && now.Sub(observedAt) > n.maxAge {
		return CanonicalIncident{}, fmt.Errorf("%w: report older than %s", ErrFilteredRecord, n.maxAge)
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(rec.Latitude), 64)
	if err != nil {
		return CanonicalIncident{}, fmt.Errorf("%w: latitude %q", ErrInvalidCoordinate, rec.Latitude)
	}
	lon, err := strconv.ParseFloat(fixLongitudeSign(rec.Longitude), 64)
	if err != nil {
		return CanonicalIncident{}, fmt.Errorf("%w: longitude %q", ErrInvalidCoordinate, rec.Longitude)
	}
	if lat < -90 || lat > 90 {
		return CanonicalIncident{}, fmt.Errorf("%w: latitude %g out of range", ErrInvalidCoordinate, lat)
	}
	if lon < -180 || lon > 180 {
		return CanonicalIncident{}, fmt.Errorf("%w: longitude %g out of range", ErrInvalidCoordinate, lon)
	}

	fireStatus := decodeFireStatus(rec.FireStatus)
	fiscal := decodeFiscalData(rec.FiscalData)

	status, err := mapStatus(rec.Status, fireStatus)
	if err != nil {
		return CanonicalIncident{}, err
	}

	var clearedAt time.Time
	if fireStatus.Out != "" {
		if t, perr := parseFeedTime(fireStatus.Out); perr == nil {
			clearedAt = t
		}
	}

	return CanonicalIncident{
		Center:          rec.Center,
		LocalID:         rec.UUID,
		AlternateID:     rec.IncNum,
		Name:            rec.Name,
		TypeDescription: deriveTypeDescription(rec.Type, fireStatus),
		Lat:             lat,
		Lon:             lon,
		Status:          status,
		ObservedAt:      observedAt,
		ClearedAt:       clearedAt,
		Narrative:       scrubNewlines(rec.WebComment),
		FiscalComments:  scrubNewlines(fiscal.FiscalComments),
		IC:              rec.IC,
		Acres:           rec.Acres,
		Fuels:           rec.Fuels,
		FireCode:        fiscal.FireCode,
		WFDSSUnit:       fiscal.WFDSSUnit,
	}, nil
}

// mapStatus maps explicit feed status text to the canonical enum, falling back
// to the fire status milestones when the feed carries no status word.
func mapStatus(raw string, fs FireStatus) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "new":
		return StatusNew, nil
	case "active", "onscene", "on scene":
		return StatusActive, nil
	case "cleared", "out", "avail", "available":
		return StatusCleared, nil
	case "":
		// No explicit status: derive from milestones.
		switch {
		case fs.Out != "":
			return StatusCleared, nil
		case fs.Contain != "" || fs.Control != "":
			return StatusActive, nil
		default:
			return StatusNew, nil
		}
	default:
		return StatusInvalid, fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// deriveTypeDescription upgrades the feed type based on milestone progress,
// mirroring how dispatchers read the contain/control/out sequence.
func deriveTypeDescription(feedType string, fs FireStatus) string {
	switch {
	case fs.Contain != "" && fs.Control != "" && fs.Out == "":
		return "Wildfire Controlled"
	case fs.Contain != "" && fs.Out == "":
		return "Wildfire Contained"
	default:
		return feedType
	}
}

// fixLongitudeSign restores the negative sign some feeds drop. Every covered
// jurisdiction is in the western hemisphere.
func fixLongitudeSign(lon string) string {
	lon = strings.TrimSpace(lon)
	if lon == "" || strings.HasPrefix(lon, "-") {
		return lon
	}
	return "-" + lon
}

// scrubNewlines flattens embedded line breaks so records stay one row in the
// tab-delimited output artifacts.
func scrubNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}

// decodeFireStatus accepts either a JSON object or a JSON-encoded string
// containing one. Undecodable payloads yield the zero value.
func decodeFireStatus(raw json.RawMessage) FireStatus {
	var fs FireStatus
	decodeNested(raw, &fs)
	return fs
}

func decodeFiscalData(raw json.RawMessage) FiscalData {
	var fd FiscalData
	decodeNested(raw, &fd)
	return fd
}

func decodeNested(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	if json.Unmarshal(raw, v) == nil {
		return
	}
	var nested string
	if json.Unmarshal(raw, &nested) == nil {
		_ = json.Unmarshal([]byte(nested), v)
	}
}

func parseFeedTime(s string) (time.Time, error) {
	return time.Parse(feedTimeLayout, strings.TrimSpace(s))
}
