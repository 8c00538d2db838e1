package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/pkg/types"
)

// inChunk bounds IN-list sizes; SQLite caps bound variables at 999.
const inChunk = 500

// MergeParams carries the identity and value writes one processed row
// produced. All fields are optional: a rejected row has none, an
// ambiguous row has only the Resolution, an accepted row has the
// Resolution plus whatever identity state and values it contributed.
type MergeParams struct {
	// Resolution is the audit-log entry for the resolver decision
	Resolution *types.Resolution

	// NewParticipant is set when the resolver created an identity
	NewParticipant *types.Participant

	// Identifier is set when the row attached a source identifier
	Identifier *types.SourceIdentifier

	// Attributes are the normalized canonical attributes to upsert
	Attributes map[string]string

	// BlockingKey registers the participant under a blocking key
	BlockingKey *int64

	// Values are the variable values to merge. Supersedes on the inputs
	// is ignored; each value is linked to the current chain head inside
	// the transaction.
	Values []types.VariableValue
}

// ApplyRow atomically persists everything one processed row produced:
// the row record with its findings, the batch counters, and the merge
// writes. One transaction per row keeps progress durable row by row; a
// crash mid-batch loses at most the row in flight.
//
// The caller holds the participant lock for the row before calling.
func (s *Store) ApplyRow(ctx context.Context, batchID string, row *types.RowResult, merge *MergeParams) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO batch_rows (batch_id, row_number, participant_key, participant_id, status)
		 VALUES (?, ?, ?, ?, ?)`),
		batchID, row.RowNumber, row.ParticipantKey, nullStr(row.ParticipantID), string(row.Status),
	); err != nil {
		return fmt.Errorf("store: failed to insert batch row: %w", err)
	}

	for _, f := range row.Findings {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO validation_findings (batch_id, row_number, code, variable, message)
			 VALUES (?, ?, ?, ?, ?)`),
			batchID, row.RowNumber, f.Code, f.Variable, f.Message,
		); err != nil {
			return fmt.Errorf("store: failed to insert finding: %w", err)
		}
	}

	accepted, rejected, ambiguous := 0, 0, 0
	switch row.Status {
	case types.RowAccepted:
		accepted = 1
	case types.RowAmbiguous:
		ambiguous = 1
	default:
		rejected = 1
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE upload_batches SET
			total_rows = total_rows + 1,
			accepted_rows = accepted_rows + ?,
			rejected_rows = rejected_rows + ?,
			ambiguous_rows = ambiguous_rows + ?
		 WHERE batch_id = ?`),
		accepted, rejected, ambiguous, batchID,
	); err != nil {
		return fmt.Errorf("store: failed to update batch counters: %w", err)
	}

	if merge != nil {
		if err := s.applyMerge(ctx, tx, merge); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit row: %w", err)
	}
	return nil
}

// applyMerge writes the identity and value state for one row inside tx.
func (s *Store) applyMerge(ctx context.Context, tx *sql.Tx, merge *MergeParams) error {
	now := time.Now().UnixMilli()

	if p := merge.NewParticipant; p != nil {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO participants (participant_id, created_at) VALUES (?, ?)`),
			p.ID, p.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("store: failed to insert participant: %w", err)
		}
	}

	if ident := merge.Identifier; ident != nil {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO source_identifiers (source_system, local_key, participant_id, created_at)
			 VALUES (?, ?, ?, ?)`),
			ident.SourceSystem, ident.LocalKey, ident.ParticipantID, ident.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("store: failed to attach identifier: %w", err)
		}
	}

	for attr, value := range merge.Attributes {
		participantID := merge.Resolution.ParticipantID
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO identity_attributes (participant_id, attr, value, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (participant_id, attr) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`),
			participantID, attr, value, now,
		); err != nil {
			return fmt.Errorf("store: failed to upsert identity attribute: %w", err)
		}
	}

	if key := merge.BlockingKey; key != nil {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO blocking_index (blocking_key, participant_id)
			 VALUES (?, ?)
			 ON CONFLICT (blocking_key, participant_id) DO NOTHING`),
			*key, merge.Resolution.ParticipantID,
		); err != nil {
			return fmt.Errorf("store: failed to index blocking key: %w", err)
		}
	}

	if res := merge.Resolution; res != nil {
		if err := s.insertResolution(ctx, tx, res); err != nil {
			return err
		}
	}

	for i := range merge.Values {
		if err := s.appendValue(ctx, tx, &merge.Values[i]); err != nil {
			return err
		}
	}

	return nil
}

// appendValue links a value to the head of its supersedes chain, appends
// it to the log, and moves the current pointer. Values are never
// updated or deleted; correction is another append.
func (s *Store) appendValue(ctx context.Context, tx *sql.Tx, v *types.VariableValue) error {
	var prev sql.NullString
	err := tx.QueryRowContext(ctx, s.rebind(
		`SELECT value_id FROM current_values WHERE participant_id = ? AND variable = ?`),
		v.ParticipantID, v.Variable,
	).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: failed to read current pointer: %w", err)
	}

	var supersedes interface{}
	if prev.Valid {
		supersedes = prev.String
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO variable_values (
			value_id, participant_id, variable, dataset, text_value, num_value,
			schema_version, batch_id, recorded_at, supersedes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID.String(), v.ParticipantID, v.Variable, v.Dataset, v.Text, v.Num,
		v.SchemaVersion, v.BatchID, v.RecordedAt.UnixMilli(), supersedes,
	); err != nil {
		return fmt.Errorf("store: failed to append value: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO current_values (
			participant_id, variable, value_id, dataset, text_value, num_value, schema_version
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (participant_id, variable) DO UPDATE SET
			value_id = excluded.value_id,
			dataset = excluded.dataset,
			text_value = excluded.text_value,
			num_value = excluded.num_value,
			schema_version = excluded.schema_version`),
		v.ParticipantID, v.Variable, v.ID.String(), v.Dataset, v.Text, v.Num,
		v.SchemaVersion,
	); err != nil {
		return fmt.Errorf("store: failed to move current pointer: %w", err)
	}

	return nil
}

// insertResolution writes one audit-log entry inside tx.
func (s *Store) insertResolution(ctx context.Context, tx *sql.Tx, res *types.Resolution) error {
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO resolution_log (
			resolution_id, source_system, local_key, participant_id,
			method, score, candidate_count, batch_id, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		res.ID.String(), res.SourceSystem, res.LocalKey, nullStr(res.ParticipantID),
		string(res.Method), res.Score, res.CandidateCount, nullStr(res.BatchID),
		res.RecordedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("store: failed to insert resolution: %w", err)
	}
	return nil
}

// ApplyOverride attaches an identifier to a participant by operator
// decision, creating the participant when newParticipant is set. Fails
// when the identifier is already attached elsewhere.
func (s *Store) ApplyOverride(ctx context.Context, res *types.Resolution, newParticipant *types.Participant) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if newParticipant != nil {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO participants (participant_id, created_at) VALUES (?, ?)`),
			newParticipant.ID, newParticipant.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("store: failed to insert participant: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO source_identifiers (source_system, local_key, participant_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (source_system, local_key) DO NOTHING`),
		res.SourceSystem, res.LocalKey, res.ParticipantID, res.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: failed to attach identifier: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return cerrors.NewIdentifierAttached(res.SourceSystem, res.LocalKey)
	}

	if err := s.insertResolution(ctx, tx, res); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit override: %w", err)
	}
	return nil
}

// CurrentValues returns the current value of every variable a
// participant has, joined back to the log for full provenance.
func (s *Store) CurrentValues(ctx context.Context, participantID string) ([]types.VariableValue, error) {
	rows, err := s.readDB.QueryContext(ctx, s.rebind(
		`SELECT v.value_id, v.participant_id, v.variable, v.dataset, v.text_value,
			v.num_value, v.schema_version, v.batch_id, v.recorded_at, v.supersedes
		 FROM current_values c
		 JOIN variable_values v ON v.value_id = c.value_id
		 WHERE c.participant_id = ?
		 ORDER BY v.variable`),
		participantID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query current values: %w", err)
	}
	defer rows.Close()

	return scanValues(rows)
}

// History returns the value history for one (participant, variable),
// most recent first. A zero before starts from the head; a non-zero
// before resumes strictly after that value ID, so pages never skip or
// repeat entries even while new values land.
func (s *Store) History(ctx context.Context, participantID, variable string, limit int, before types.ULID) ([]types.VariableValue, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT value_id, participant_id, variable, dataset, text_value,
			num_value, schema_version, batch_id, recorded_at, supersedes
		 FROM variable_values
		 WHERE participant_id = ? AND variable = ?`
	args := []interface{}{participantID, variable}
	if !before.IsZero() {
		query += ` AND value_id < ?`
		args = append(args, before.String())
	}
	query += ` ORDER BY value_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.readDB.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query history: %w", err)
	}
	defer rows.Close()

	return scanValues(rows)
}

// Coverage reports how many participants carry a current value for the
// variable, against the participant total.
func (s *Store) Coverage(ctx context.Context, variable string) (withValue, total int64, err error) {
	err = s.readDB.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM current_values WHERE variable = ?`),
		variable,
	).Scan(&withValue)
	if err != nil {
		return 0, 0, fmt.Errorf("store: failed to count coverage: %w", err)
	}

	total, err = s.CountParticipants(ctx)
	if err != nil {
		return 0, 0, err
	}
	return withValue, total, nil
}

// ValueFilter selects participants by their current value for one
// variable. A zero filter (only Variable set) selects everyone with any
// current value, which is the present operation.
type ValueFilter struct {
	Variable string

	// Text, when non-nil, matches the exact stored text
	Text *string

	// Texts, when non-empty, matches any of the stored texts
	Texts []string

	// Min and Max bound the numeric image; nil means unbounded
	Min, Max *float64

	// MinExclusive and MaxExclusive make the corresponding bound strict
	MinExclusive, MaxExclusive bool
}

// filterSQL renders the filter into a WHERE tail and its arguments.
func (f *ValueFilter) filterSQL() (string, []interface{}) {
	var b strings.Builder
	args := []interface{}{f.Variable}
	b.WriteString(`variable = ?`)

	if f.Text != nil {
		b.WriteString(` AND text_value = ?`)
		args = append(args, *f.Text)
	}
	if len(f.Texts) > 0 {
		b.WriteString(` AND text_value IN (` + placeholders(len(f.Texts)) + `)`)
		for _, t := range f.Texts {
			args = append(args, t)
		}
	}
	if f.Min != nil {
		if f.MinExclusive {
			b.WriteString(` AND num_value > ?`)
		} else {
			b.WriteString(` AND num_value >= ?`)
		}
		args = append(args, *f.Min)
	}
	if f.Max != nil {
		if f.MaxExclusive {
			b.WriteString(` AND num_value < ?`)
		} else {
			b.WriteString(` AND num_value <= ?`)
		}
		args = append(args, *f.Max)
	}

	return b.String(), args
}

// FilterParticipants scans the current-value index for participants
// matching the filter. Runs inside the caller's read transaction so
// every predicate of a query sees the same snapshot.
func (s *Store) FilterParticipants(ctx context.Context, tx *sql.Tx, f ValueFilter) ([]string, error) {
	where, args := f.filterSQL()
	rows, err := tx.QueryContext(ctx, s.rebind(
		`SELECT participant_id FROM current_values WHERE `+where),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to filter participants: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// FilterParticipantsAmong probes the filter against a known candidate
// set instead of scanning the variable. Used when a prior predicate has
// already narrowed the cohort below the scan cost.
func (s *Store) FilterParticipantsAmong(ctx context.Context, tx *sql.Tx, f ValueFilter, among []string) ([]string, error) {
	where, baseArgs := f.filterSQL()

	var matched []string
	for start := 0; start < len(among); start += inChunk {
		end := start + inChunk
		if end > len(among) {
			end = len(among)
		}
		chunk := among[start:end]

		args := make([]interface{}, 0, len(baseArgs)+len(chunk))
		args = append(args, baseArgs...)
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := tx.QueryContext(ctx, s.rebind(
			`SELECT participant_id FROM current_values WHERE `+where+
				` AND participant_id IN (`+placeholders(len(chunk))+`)`),
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("store: failed to probe participants: %w", err)
		}
		ids, err := scanIDs(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		matched = append(matched, ids...)
	}

	return matched, nil
}

// AllParticipantIDs returns every participant ID inside the caller's
// read transaction. The missing operation subtracts a present set from it.
func (s *Store) AllParticipantIDs(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT participant_id FROM participants`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query participants: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// CurrentValueFor probes one (participant, variable) inside the
// caller's read transaction. ok is false when no current value exists.
func (s *Store) CurrentValueFor(ctx context.Context, tx *sql.Tx, participantID, variable string) (text string, num *float64, ok bool, err error) {
	err = tx.QueryRowContext(ctx, s.rebind(
		`SELECT text_value, num_value FROM current_values
		 WHERE participant_id = ? AND variable = ?`),
		participantID, variable,
	).Scan(&text, &num)
	if err == sql.ErrNoRows {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("store: failed to probe current value: %w", err)
	}
	return text, num, true, nil
}

// scanValues drains rows of variable_values columns.
func scanValues(rows *sql.Rows) ([]types.VariableValue, error) {
	var values []types.VariableValue
	for rows.Next() {
		var v types.VariableValue
		var id string
		var recordedAt int64
		var supersedes sql.NullString

		if err := rows.Scan(&id, &v.ParticipantID, &v.Variable, &v.Dataset, &v.Text,
			&v.Num, &v.SchemaVersion, &v.BatchID, &recordedAt, &supersedes); err != nil {
			return nil, fmt.Errorf("store: failed to scan value: %w", err)
		}

		parsed, err := types.ParseULID(id)
		if err != nil {
			return nil, fmt.Errorf("store: invalid value id %q: %w", id, err)
		}
		v.ID = parsed
		v.RecordedAt = time.UnixMilli(recordedAt)
		if supersedes.Valid {
			prev, err := types.ParseULID(supersedes.String)
			if err != nil {
				return nil, fmt.Errorf("store: invalid supersedes id %q: %w", supersedes.String, err)
			}
			v.Supersedes = &prev
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating values: %w", err)
	}
	return values, nil
}

// scanIDs drains a single-column participant ID result.
func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: failed to scan participant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating participant ids: %w", err)
	}
	return ids, nil
}

// placeholders renders n comma-separated ? marks.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

// nullStr maps "" to NULL for nullable text columns.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
