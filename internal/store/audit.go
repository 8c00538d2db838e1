package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/covarlab/covar/pkg/types"
)

// ResolutionFilter narrows an audit-log listing. Zero fields match
// everything.
type ResolutionFilter struct {
	// ParticipantID limits to resolutions that landed on one participant
	ParticipantID string

	// SourceSystem limits to one submitting system
	SourceSystem string

	// BatchID limits to decisions made while ingesting one batch
	BatchID string

	// Method limits to one resolution method
	Method types.ResolutionMethod

	// Limit caps the page size; 0 means the default of 100
	Limit int

	// Before resumes a page strictly after this resolution ID
	Before types.ULID
}

// ListResolutions pages the resolution audit log most recent first.
// Every resolver decision lands here, including ambiguous holds that
// attached no participant.
func (s *Store) ListResolutions(ctx context.Context, f ResolutionFilter) ([]types.Resolution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT resolution_id, source_system, local_key, participant_id,
			method, score, candidate_count, batch_id, recorded_at
		 FROM resolution_log WHERE 1 = 1`
	var args []interface{}

	if f.ParticipantID != "" {
		query += ` AND participant_id = ?`
		args = append(args, f.ParticipantID)
	}
	if f.SourceSystem != "" {
		query += ` AND source_system = ?`
		args = append(args, f.SourceSystem)
	}
	if f.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, f.BatchID)
	}
	if f.Method != "" {
		query += ` AND method = ?`
		args = append(args, string(f.Method))
	}
	if !f.Before.IsZero() {
		query += ` AND resolution_id < ?`
		args = append(args, f.Before.String())
	}
	query += ` ORDER BY resolution_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.readDB.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query resolutions: %w", err)
	}
	defer rows.Close()

	var resolutions []types.Resolution
	for rows.Next() {
		var res types.Resolution
		var id string
		var participantID, batchID sql.NullString
		var method string
		var recordedAt int64

		if err := rows.Scan(&id, &res.SourceSystem, &res.LocalKey, &participantID,
			&method, &res.Score, &res.CandidateCount, &batchID, &recordedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan resolution: %w", err)
		}

		parsed, err := types.ParseULID(id)
		if err != nil {
			return nil, fmt.Errorf("store: invalid resolution id %q: %w", id, err)
		}
		res.ID = parsed
		res.ParticipantID = participantID.String
		res.BatchID = batchID.String
		res.Method = types.ResolutionMethod(method)
		res.RecordedAt = time.UnixMilli(recordedAt)
		resolutions = append(resolutions, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating resolutions: %w", err)
	}
	return resolutions, nil
}
