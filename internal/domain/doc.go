// Package domain models wildfire incident reports from dispatch center feeds.
//
// # Data Source
//
// Incident reports originate from per-center situation status APIs. Each center
// exposes a JSON endpoint returning an array of payload wrappers, each holding a
// "data" array of raw incidents. Centers are independent systems: the same
// physical fire may appear in more than one feed, under different local IDs,
// with conflicting coordinates or status, and reports may arrive out of order.
//
// # Feed Conventions
//
// Coordinates:
//
//	Latitude and longitude arrive as strings. Some center feeds omit the
//	negative sign on longitude even though every covered jurisdiction lies in
//	the western hemisphere; [Normalizer] restores it before validation.
//
// Fire status:
//
//	The "fire_status" object carries contain/control/out timestamps. Some
//	centers double-encode it as a JSON string inside the JSON payload; both
//	forms are accepted. An "out" timestamp means the fire is cleared. A feed
//	may also carry an explicit status word ("new", "active", "onscene",
//	"cleared", "out", "avail"); when present it takes precedence and
//	unrecognized words are rejected rather than guessed at.
//
// Incident types:
//
//	Non-fire bookkeeping types (resource orders, aircraft, false alarms,
//	training entries and the like) are filtered out, as are prescribed fires
//	older than ninety days, which linger in feeds long after the burn.
//
// # Identity
//
// A physical incident is represented by an [IdentityKey] derived by [Resolver].
// When a center's local ID is present the key is center-scoped and stable across
// reports. When it is absent the key falls back to a spatial grid cell combined
// with a time bucket, so nearby near-simultaneous anonymous reports collapse to
// one identity. Key derivation is deterministic: the same input always yields
// the same key, which is what makes reprocessing and replay safe.
package domain
