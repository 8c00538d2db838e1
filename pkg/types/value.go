package types

import "time"

// VariableValue is one observed value for a (participant, variable) pair.
// Values are append-only: a newer value supersedes the prior current one
// rather than overwriting it, so the full history of every pair survives.
// For a given pair the values form a chain ordered by recorded-at with
// exactly one head (no successor): the current value.
type VariableValue struct {
	// ID is a ULID; its timestamp component is the recorded-at instant,
	// so value identity and chain order coincide
	ID ULID `json:"id"`

	// ParticipantID is the canonical identity the value belongs to
	ParticipantID string `json:"participant_id"`

	// Variable is the canonical variable name
	Variable string `json:"variable"`

	// Dataset is the dataset the variable belongs to, denormalized for
	// presence summaries
	Dataset string `json:"dataset,omitempty"`

	// Text is the submitted representation, verbatim
	Text string `json:"text"`

	// Num carries the parsed numeric for numeric variables and the
	// UTC-midnight Unix seconds for date variables; nil otherwise
	Num *float64 `json:"num,omitempty"`

	// SchemaVersion is the contract version the value was validated against
	SchemaVersion int64 `json:"schema_version"`

	// BatchID is the upload batch that produced the value (provenance)
	BatchID string `json:"batch_id"`

	// RecordedAt is when the value was merged
	RecordedAt time.Time `json:"recorded_at"`

	// Supersedes references the prior current value for the same pair,
	// nil for the first value in a chain
	Supersedes *ULID `json:"supersedes,omitempty"`
}
