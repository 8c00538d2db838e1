// Package store provides the participant store database layer.
package store

// Schema contains the SQL schema definitions for the participant store.
// The store is the source of truth for schema versions, participants,
// identity state, upload batches, and the append-only value log.
//
// DDL sticks to the type-name subset SQLite and Postgres both accept
// (TEXT, BIGINT, DOUBLE PRECISION), so one set of statements serves
// both dialects. All timestamps are Unix milliseconds.

// CreateSchemaVersionsTableSQL creates the schema versions table.
// Each published version stores its full definition as JSON.
const CreateSchemaVersionsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_versions (
    version BIGINT PRIMARY KEY,
    schema_json TEXT NOT NULL,
    published_at BIGINT NOT NULL
)`

// CreateParticipantsTableSQL creates the participants table.
const CreateParticipantsTableSQL = `
CREATE TABLE IF NOT EXISTS participants (
    participant_id TEXT PRIMARY KEY,
    created_at BIGINT NOT NULL
)`

// CreateSourceIdentifiersTableSQL creates the source identifiers table.
// The primary key enforces that a (source_system, local_key) pair is
// attached to at most one participant.
const CreateSourceIdentifiersTableSQL = `
CREATE TABLE IF NOT EXISTS source_identifiers (
    source_system TEXT NOT NULL,
    local_key TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (source_system, local_key),
    FOREIGN KEY (participant_id) REFERENCES participants(participant_id)
)`

// CreateIdentityAttributesTableSQL creates the identity attributes table.
// Holds the normalized canonical attributes used for similarity scoring.
const CreateIdentityAttributesTableSQL = `
CREATE TABLE IF NOT EXISTS identity_attributes (
    participant_id TEXT NOT NULL,
    attr TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (participant_id, attr)
)`

// CreateBlockingIndexTableSQL creates the blocking index table.
// Maps a 64-bit blocking key hash to the participants sharing it.
const CreateBlockingIndexTableSQL = `
CREATE TABLE IF NOT EXISTS blocking_index (
    blocking_key BIGINT NOT NULL,
    participant_id TEXT NOT NULL,
    PRIMARY KEY (blocking_key, participant_id)
)`

// CreateResolutionLogTableSQL creates the resolution audit log.
// participant_id is NULL for ambiguous resolutions.
const CreateResolutionLogTableSQL = `
CREATE TABLE IF NOT EXISTS resolution_log (
    resolution_id TEXT PRIMARY KEY,
    source_system TEXT NOT NULL,
    local_key TEXT NOT NULL,
    participant_id TEXT,
    method TEXT NOT NULL,
    score DOUBLE PRECISION,
    candidate_count BIGINT NOT NULL,
    batch_id TEXT,
    recorded_at BIGINT NOT NULL
)`

// CreateUploadBatchesTableSQL creates the upload batches table.
// Row counters are maintained per row so a restart never loses the
// counts for rows already applied.
const CreateUploadBatchesTableSQL = `
CREATE TABLE IF NOT EXISTS upload_batches (
    batch_id TEXT PRIMARY KEY,
    source_system TEXT NOT NULL,
    submitter TEXT NOT NULL DEFAULT '',
    schema_version BIGINT NOT NULL,
    dataset TEXT NOT NULL,
    filename TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL,
    outcome TEXT NOT NULL DEFAULT '',
    submitted_at BIGINT NOT NULL,
    closed_at BIGINT,
    total_rows BIGINT NOT NULL DEFAULT 0,
    accepted_rows BIGINT NOT NULL DEFAULT 0,
    rejected_rows BIGINT NOT NULL DEFAULT 0,
    ambiguous_rows BIGINT NOT NULL DEFAULT 0
)`

// CreateIngestIdempotencyTableSQL creates the ingest idempotency table.
// Keys dedupe re-submissions of the same file from the same source.
const CreateIngestIdempotencyTableSQL = `
CREATE TABLE IF NOT EXISTS ingest_idempotency (
    key TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL,
    created_at BIGINT NOT NULL
)`

// CreateBatchRowsTableSQL creates the per-row outcome table.
const CreateBatchRowsTableSQL = `
CREATE TABLE IF NOT EXISTS batch_rows (
    batch_id TEXT NOT NULL,
    row_number BIGINT NOT NULL,
    participant_key TEXT NOT NULL DEFAULT '',
    participant_id TEXT,
    status TEXT NOT NULL,
    PRIMARY KEY (batch_id, row_number),
    FOREIGN KEY (batch_id) REFERENCES upload_batches(batch_id)
)`

// CreateValidationFindingsTableSQL creates the validation findings table.
// One row per finding; a batch row can carry several.
const CreateValidationFindingsTableSQL = `
CREATE TABLE IF NOT EXISTS validation_findings (
    batch_id TEXT NOT NULL,
    row_number BIGINT NOT NULL,
    code TEXT NOT NULL,
    variable TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL
)`

// CreateVariableValuesTableSQL creates the append-only value log.
// value_id is a ULID, so lexicographic order over value_id is
// recorded-at order; supersedes points at the value this one replaced.
const CreateVariableValuesTableSQL = `
CREATE TABLE IF NOT EXISTS variable_values (
    value_id TEXT PRIMARY KEY,
    participant_id TEXT NOT NULL,
    variable TEXT NOT NULL,
    dataset TEXT NOT NULL,
    text_value TEXT NOT NULL,
    num_value DOUBLE PRECISION,
    schema_version BIGINT NOT NULL,
    batch_id TEXT NOT NULL,
    recorded_at BIGINT NOT NULL,
    supersedes TEXT
)`

// CreateCurrentValuesTableSQL creates the current value pointer table.
// One row per (participant, variable) pointing at the head of the
// supersedes chain, with denormalized value copies so predicate scans
// never touch the log.
const CreateCurrentValuesTableSQL = `
CREATE TABLE IF NOT EXISTS current_values (
    participant_id TEXT NOT NULL,
    variable TEXT NOT NULL,
    value_id TEXT NOT NULL,
    dataset TEXT NOT NULL,
    text_value TEXT NOT NULL,
    num_value DOUBLE PRECISION,
    schema_version BIGINT NOT NULL,
    PRIMARY KEY (participant_id, variable)
)`

// CreateQueryStatsTableSQL creates the persisted selectivity stats table.
const CreateQueryStatsTableSQL = `
CREATE TABLE IF NOT EXISTS query_stats (
    variable TEXT PRIMARY KEY,
    evaluations BIGINT NOT NULL,
    selectivity DOUBLE PRECISION NOT NULL,
    operators_json TEXT NOT NULL,
    last_seen BIGINT NOT NULL
)`

// CreateMetaTableSQL creates the key/value metadata table.
// Binary values (the bloom filter snapshot) are stored base64-encoded.
const CreateMetaTableSQL = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at BIGINT NOT NULL
)`

// CreateStoreIndexesSQL creates the secondary indexes.
var CreateStoreIndexesSQL = []string{
	// Reverse lookup from participant to attached identifiers
	`CREATE INDEX IF NOT EXISTS idx_source_identifiers_participant
		ON source_identifiers(participant_id)`,

	// Audit queries by participant and by time
	`CREATE INDEX IF NOT EXISTS idx_resolution_log_participant
		ON resolution_log(participant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_resolution_log_recorded
		ON resolution_log(recorded_at)`,

	// Batch listings newest-first
	`CREATE INDEX IF NOT EXISTS idx_upload_batches_submitted
		ON upload_batches(submitted_at)`,

	// Findings for a batch report
	`CREATE INDEX IF NOT EXISTS idx_validation_findings_batch
		ON validation_findings(batch_id, row_number)`,

	// History walks: (participant, variable) scanned backwards by value_id
	`CREATE INDEX IF NOT EXISTS idx_variable_values_history
		ON variable_values(participant_id, variable, value_id)`,

	// Index-only predicate scans over current values
	`CREATE INDEX IF NOT EXISTS idx_current_values_text
		ON current_values(variable, text_value)`,
	`CREATE INDEX IF NOT EXISTS idx_current_values_num
		ON current_values(variable, num_value)`,
}

// AnalyzeSQL refreshes planner statistics; both dialects accept it.
const AnalyzeSQL = `ANALYZE`

// AllSchemaSQL returns all SQL statements needed to initialize the store.
func AllSchemaSQL() []string {
	statements := []string{
		CreateSchemaVersionsTableSQL,
		CreateParticipantsTableSQL,
		CreateSourceIdentifiersTableSQL,
		CreateIdentityAttributesTableSQL,
		CreateBlockingIndexTableSQL,
		CreateResolutionLogTableSQL,
		CreateUploadBatchesTableSQL,
		CreateIngestIdempotencyTableSQL,
		CreateBatchRowsTableSQL,
		CreateValidationFindingsTableSQL,
		CreateVariableValuesTableSQL,
		CreateCurrentValuesTableSQL,
		CreateQueryStatsTableSQL,
		CreateMetaTableSQL,
	}
	statements = append(statements, CreateStoreIndexesSQL...)
	return statements
}
