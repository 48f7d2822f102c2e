package domain

import "errors"

// Record-level failures are non-fatal to a batch: the offending record is
// skipped and logged, siblings proceed.
var (
	// ErrMalformedRecord flags a record missing required fields.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrInvalidCoordinate flags latitude outside [-90,90] or longitude
	// outside [-180,180].
	ErrInvalidCoordinate = errors.New("invalid coordinate")

	// ErrUnknownStatus flags raw status text with no canonical mapping.
	ErrUnknownStatus = errors.New("unknown status")

	// ErrFilteredRecord flags a record excluded by policy rather than broken:
	// non-fire incident types, stale prescribed fires, reports past the
	// configured age limit.
	ErrFilteredRecord = errors.New("record filtered")

	// ErrConflictingStatus marks a disagreement between centers inside one
	// conflict window. It is resolution metadata, never a hard failure: the
	// most recent observation wins and the conflict is logged.
	ErrConflictingStatus = errors.New("conflicting status")
)
