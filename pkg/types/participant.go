// Package types provides core data types for the covar participant store.
package types

import "time"

// Participant is a canonical research participant identity.
// Rows from independent sources resolve to at most one Participant; the
// surrogate key is stable across uploads and never reused.
type Participant struct {
	// ID is the stable surrogate key (UUID v4)
	ID string `json:"id"`

	// CreatedAt is when the identity was first established
	CreatedAt time.Time `json:"created_at"`

	// Identifiers are the source-local keys attached to this identity,
	// at most one per contributing source system
	Identifiers []SourceIdentifier `json:"identifiers,omitempty"`
}

// SourceIdentifier is a source-local participant key. A given
// (SourceSystem, LocalKey) pair maps to at most one Participant.
type SourceIdentifier struct {
	// SourceSystem names the contributing source (e.g. a site or registry)
	SourceSystem string `json:"source_system"`

	// LocalKey is the participant key as the source knows it
	LocalKey string `json:"local_key"`

	// ParticipantID is the canonical identity the key is attached to
	ParticipantID string `json:"participant_id,omitempty"`

	// CreatedAt is when the attachment was recorded
	CreatedAt time.Time `json:"created_at"`
}

// ResolutionMethod describes how an identity resolution was decided.
type ResolutionMethod string

const (
	// ResolutionExact means the source identifier was already attached.
	ResolutionExact ResolutionMethod = "exact"

	// ResolutionSimilarity means exactly one candidate scored at or above
	// the configured threshold and the identifier was attached to it.
	ResolutionSimilarity ResolutionMethod = "similarity"

	// ResolutionNew means no candidates existed and a new Participant
	// was created.
	ResolutionNew ResolutionMethod = "new"

	// ResolutionAmbiguous means zero or multiple candidates cleared the
	// threshold; nothing was merged or created.
	ResolutionAmbiguous ResolutionMethod = "ambiguous"

	// ResolutionOverride means an operator attached the identifier
	// explicitly.
	ResolutionOverride ResolutionMethod = "override"
)

// Resolution is one audit-log entry for a resolver decision.
type Resolution struct {
	// ID is a time-ordered identifier for the log entry
	ID ULID `json:"id"`

	// SourceSystem and LocalKey identify the incoming record
	SourceSystem string `json:"source_system"`
	LocalKey     string `json:"local_key"`

	// ParticipantID is the resolved identity; empty when Method is
	// ResolutionAmbiguous
	ParticipantID string `json:"participant_id,omitempty"`

	// Method records how the decision was made
	Method ResolutionMethod `json:"method"`

	// Score is the best similarity score considered (1 for exact matches,
	// 0 when no candidates existed)
	Score float64 `json:"score"`

	// CandidateCount is the number of candidates that cleared the threshold
	CandidateCount int `json:"candidate_count"`

	// BatchID is the upload batch that triggered the resolution, if any
	BatchID string `json:"batch_id,omitempty"`

	// RecordedAt is when the decision was logged
	RecordedAt time.Time `json:"recorded_at"`
}
