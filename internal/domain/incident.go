package domain

import (
	"encoding/json"
	"time"
)

// Status is the canonical lifecycle status of a report.
type Status string

const (
	StatusNew     Status = "new"
	StatusActive  Status = "active"
	StatusCleared Status = "cleared"
	StatusInvalid Status = "invalid"
)

// FireStatus carries the contain/control/out milestone timestamps reported by a
// center. Empty strings mean the milestone has not been reached.
type FireStatus struct {
	Contain string `json:"contain,omitempty"`
	Control string `json:"control,omitempty"`
	Out     string `json:"out,omitempty"`
}

// FiscalData holds the fiscal coding block attached to an incident.
type FiscalData struct {
	FireCode        string `json:"fire_code,omitempty"`
	WFDSSUnit       string `json:"wfdssunit,omitempty"`
	FSJobCode       string `json:"fs_job_code,omitempty"`
	FSOverride      string `json:"fs_override,omitempty"`
	FiscalComments  string `json:"fiscal_comments,omitempty"`
	StateFiscalCode string `json:"state_fiscal_code,omitempty"`
}

// IncidentRecord is one raw incident exactly as a center feed delivers it.
// FireStatus and FiscalData are kept as raw JSON because some centers
// double-encode them as strings; see Normalizer.decodeNested.
type IncidentRecord struct {
	Center string `json:"-"` // set by the fetch client, not the feed

	UUID       string          `json:"uuid"`
	IncNum     string          `json:"inc_num"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Latitude   string          `json:"latitude"`
	Longitude  string          `json:"longitude"`
	Date       string          `json:"date"`
	IC         string          `json:"ic"`
	Acres      string          `json:"acres"`
	Fuels      string          `json:"fuels"`
	WebComment string          `json:"webComment"`
	FireStatus json.RawMessage `json:"fire_status"`
	FiscalData json.RawMessage `json:"fiscal_data"`
}

// CanonicalIncident is the validated, normalized form of one report.
type CanonicalIncident struct {
	IdentityKey IdentityKey `json:"identity_key"`
	Center      string      `json:"center"`
	LocalID     string      `json:"local_id"`
	AlternateID string      `json:"alternate_id,omitempty"`

	Name            string  `json:"name,omitempty"`
	TypeDescription string  `json:"type_description,omitempty"`
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	Status          Status  `json:"status"`

	ObservedAt time.Time `json:"observed_at"`
	ClearedAt  time.Time `json:"cleared_at,omitempty"`

	Narrative      string `json:"narrative,omitempty"`
	FiscalComments string `json:"fiscal_comments,omitempty"`
	IC             string `json:"ic,omitempty"`
	Acres          string `json:"acres,omitempty"`
	Fuels          string `json:"fuels,omitempty"`
	FireCode       string `json:"fire_code,omitempty"`
	WFDSSUnit      string `json:"wfdssunit,omitempty"`
}

// Enriched pairs a canonical incident with the unit assignment the allocation
// engine decided for it. Lifecycle is the engine's per-identity state name;
// UnitID is zero when the identity holds no unit.
type Enriched struct {
	Incident  CanonicalIncident `json:"incident"`
	UnitID    int               `json:"unit_id,omitempty"`
	Lifecycle string            `json:"lifecycle"`
	Reclaimed bool              `json:"reclaimed,omitempty"`

	ProcessedAt time.Time `json:"processed_at"`
}
