package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/pkg/types"
)

// CreateBatch registers a new upload batch under an idempotency key.
// When the key was already used, the prior batch's ID is returned with
// created=false and nothing is written: re-submitting the same file
// from the same source is a no-op.
func (s *Store) CreateBatch(ctx context.Context, b *types.UploadBatch, idempotencyKey string) (string, bool, error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Reserve the key first; losing the reservation means another
	// submission of the same content already holds it.
	result, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO ingest_idempotency (key, batch_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`),
		idempotencyKey, b.ID, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", false, fmt.Errorf("store: failed to reserve idempotency key: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		var existingID string
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT batch_id FROM ingest_idempotency WHERE key = ?`),
			idempotencyKey,
		).Scan(&existingID)
		if err != nil {
			return "", false, fmt.Errorf("store: failed to read idempotency key: %w", err)
		}
		return existingID, false, nil
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO upload_batches (
			batch_id, source_system, submitter, schema_version, dataset,
			filename, content_hash, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		b.ID, b.SourceSystem, b.Submitter, b.SchemaVersion, b.Dataset,
		b.Filename, b.ContentHash, b.SubmittedAt.UnixMilli(),
	)
	if err != nil {
		return "", false, fmt.Errorf("store: failed to insert batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("store: failed to commit batch: %w", err)
	}
	return b.ID, true, nil
}

// CloseBatch finalizes a batch with its outcome. Row counters were
// maintained row by row, so closing only stamps the outcome.
func (s *Store) CloseBatch(ctx context.Context, batchID string, outcome types.BatchOutcome, closedAt time.Time) error {
	result, err := s.writeDB.ExecContext(ctx, s.rebind(
		`UPDATE upload_batches SET outcome = ?, closed_at = ? WHERE batch_id = ?`),
		string(outcome), closedAt.UnixMilli(), batchID,
	)
	if err != nil {
		return fmt.Errorf("store: failed to close batch: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return cerrors.NewNotFound("batch", batchID)
	}
	return nil
}

// GetBatch retrieves an upload batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*types.UploadBatch, error) {
	var b types.UploadBatch
	var submittedAt int64
	var closedAt sql.NullInt64
	var outcome string

	err := s.readDB.QueryRowContext(ctx, s.rebind(
		`SELECT batch_id, source_system, submitter, schema_version, dataset,
			filename, content_hash, outcome, submitted_at, closed_at,
			total_rows, accepted_rows, rejected_rows, ambiguous_rows
		 FROM upload_batches
		 WHERE batch_id = ?`),
		batchID,
	).Scan(
		&b.ID, &b.SourceSystem, &b.Submitter, &b.SchemaVersion, &b.Dataset,
		&b.Filename, &b.ContentHash, &outcome, &submittedAt, &closedAt,
		&b.TotalRows, &b.AcceptedRows, &b.RejectedRows, &b.AmbiguousRows,
	)
	if err == sql.ErrNoRows {
		return nil, cerrors.NewNotFound("batch", batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get batch: %w", err)
	}

	b.Outcome = types.BatchOutcome(outcome)
	b.SubmittedAt = time.UnixMilli(submittedAt)
	if closedAt.Valid {
		b.ClosedAt = time.UnixMilli(closedAt.Int64)
	}
	return &b, nil
}

// BatchReport assembles the per-row validation report for a batch:
// every row in file order with its status and findings.
func (s *Store) BatchReport(ctx context.Context, batchID string) (*types.ValidationReport, error) {
	rows, err := s.readDB.QueryContext(ctx, s.rebind(
		`SELECT row_number, participant_key, participant_id, status
		 FROM batch_rows
		 WHERE batch_id = ?
		 ORDER BY row_number`),
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query batch rows: %w", err)
	}
	defer rows.Close()

	report := &types.ValidationReport{BatchID: batchID}
	byRow := make(map[int]int)
	for rows.Next() {
		var r types.RowResult
		var participantID sql.NullString
		var status string
		if err := rows.Scan(&r.RowNumber, &r.ParticipantKey, &participantID, &status); err != nil {
			return nil, fmt.Errorf("store: failed to scan batch row: %w", err)
		}
		r.ParticipantID = participantID.String
		r.Status = types.RowStatus(status)
		byRow[r.RowNumber] = len(report.Rows)
		report.Rows = append(report.Rows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating batch rows: %w", err)
	}

	findings, err := s.readDB.QueryContext(ctx, s.rebind(
		`SELECT row_number, code, variable, message
		 FROM validation_findings
		 WHERE batch_id = ?
		 ORDER BY row_number`),
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query findings: %w", err)
	}
	defer findings.Close()

	for findings.Next() {
		var rowNumber int
		var f types.RowFinding
		if err := findings.Scan(&rowNumber, &f.Code, &f.Variable, &f.Message); err != nil {
			return nil, fmt.Errorf("store: failed to scan finding: %w", err)
		}
		if i, ok := byRow[rowNumber]; ok {
			report.Rows[i].Findings = append(report.Rows[i].Findings, f)
		}
	}
	if err := findings.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating findings: %w", err)
	}

	return report, nil
}
