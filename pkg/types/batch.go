package types

import "time"

// BatchOutcome classifies a closed upload batch.
type BatchOutcome string

const (
	// BatchAccepted means every row passed and was merged.
	BatchAccepted BatchOutcome = "accepted"

	// BatchPartiallyAccepted means some rows failed; the rest were merged.
	BatchPartiallyAccepted BatchOutcome = "partially-accepted"

	// BatchRejected means no row was merged.
	BatchRejected BatchOutcome = "rejected"
)

// UploadBatch records one ingestion attempt. It is immutable once closed;
// values reference it for provenance and never mutate it.
type UploadBatch struct {
	// ID is the batch surrogate key (UUID v4)
	ID string `json:"id"`

	// SourceSystem is the contributing source the file came from
	SourceSystem string `json:"source_system"`

	// Submitter identifies who submitted the file
	Submitter string `json:"submitter,omitempty"`

	// SchemaVersion is the contract version the batch was validated against
	SchemaVersion int64 `json:"schema_version"`

	// Dataset is the optional dataset hint the submitter provided
	Dataset string `json:"dataset,omitempty"`

	// Filename is the submitted file name, kept for the archive path
	Filename string `json:"filename,omitempty"`

	// ContentHash is the hex SHA-256 of the raw file bytes; together with
	// SourceSystem it is the idempotency key
	ContentHash string `json:"content_hash"`

	// Outcome is set when the batch closes
	Outcome BatchOutcome `json:"outcome,omitempty"`

	// SubmittedAt is when ingestion began; ClosedAt is zero while open
	SubmittedAt time.Time `json:"submitted_at"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`

	// Row counters, fixed at close
	TotalRows     int `json:"total_rows"`
	AcceptedRows  int `json:"accepted_rows"`
	RejectedRows  int `json:"rejected_rows"`
	AmbiguousRows int `json:"ambiguous_rows"`
}

// Closed reports whether the batch has been finalized.
func (b *UploadBatch) Closed() bool {
	return !b.ClosedAt.IsZero()
}

// RowStatus classifies one row of a batch.
type RowStatus string

const (
	RowAccepted  RowStatus = "accepted"
	RowRejected  RowStatus = "rejected"
	RowAmbiguous RowStatus = "ambiguous"
)

// RowFinding is one row-addressable validation outcome: the taxonomy code,
// the variable it concerns (empty for structural findings), and a message
// a data producer can act on.
type RowFinding struct {
	Code     string `json:"code"`
	Variable string `json:"variable,omitempty"`
	Message  string `json:"message"`
}

// RowResult is the per-row entry of a ValidationReport.
type RowResult struct {
	// RowNumber is 1-based over data rows, in file order
	RowNumber int `json:"row_number"`

	// ParticipantKey is the source-local key the row carried
	ParticipantKey string `json:"participant_key,omitempty"`

	// ParticipantID is the resolved identity for accepted rows
	ParticipantID string `json:"participant_id,omitempty"`

	// Status is the row outcome
	Status RowStatus `json:"status"`

	// Findings lists every reason a row was rejected or flagged
	Findings []RowFinding `json:"findings,omitempty"`
}

// ValidationReport is the per-row account of one batch. Owned by the
// batch, exposed read-only for audit.
type ValidationReport struct {
	BatchID string      `json:"batch_id"`
	Rows    []RowResult `json:"rows"`
}

// Counts tallies row statuses; ambiguous rows are not accepted rows.
func (r *ValidationReport) Counts() (accepted, rejected, ambiguous int) {
	for i := range r.Rows {
		switch r.Rows[i].Status {
		case RowAccepted:
			accepted++
		case RowAmbiguous:
			ambiguous++
		default:
			rejected++
		}
	}
	return accepted, rejected, ambiguous
}
