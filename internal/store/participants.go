package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/pkg/types"
)

// Candidate pairs a participant with its stored identity attributes,
// as fetched for similarity scoring.
type Candidate struct {
	ParticipantID string
	Attributes    map[string]string
}

// GetIdentifier looks up a source identifier. Returns nil when the
// identifier has never been attached.
func (s *Store) GetIdentifier(ctx context.Context, sourceSystem, localKey string) (*types.SourceIdentifier, error) {
	var ident types.SourceIdentifier
	var createdAt int64

	err := s.readDB.QueryRowContext(ctx, s.rebind(
		`SELECT source_system, local_key, participant_id, created_at
		 FROM source_identifiers
		 WHERE source_system = ? AND local_key = ?`),
		sourceSystem, localKey,
	).Scan(&ident.SourceSystem, &ident.LocalKey, &ident.ParticipantID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to look up identifier: %w", err)
	}

	ident.CreatedAt = time.UnixMilli(createdAt)
	return &ident, nil
}

// CandidatesByBlockingKey returns the participants sharing a blocking
// key, each with its identity attributes.
func (s *Store) CandidatesByBlockingKey(ctx context.Context, key int64) ([]Candidate, error) {
	rows, err := s.readDB.QueryContext(ctx, s.rebind(
		`SELECT b.participant_id, a.attr, a.value
		 FROM blocking_index b
		 JOIN identity_attributes a ON a.participant_id = b.participant_id
		 WHERE b.blocking_key = ?
		 ORDER BY b.participant_id`),
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query blocking candidates: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	var current *Candidate
	for rows.Next() {
		var participantID, attr, value string
		if err := rows.Scan(&participantID, &attr, &value); err != nil {
			return nil, fmt.Errorf("store: failed to scan candidate: %w", err)
		}
		if current == nil || current.ParticipantID != participantID {
			candidates = append(candidates, Candidate{
				ParticipantID: participantID,
				Attributes:    make(map[string]string),
			})
			current = &candidates[len(candidates)-1]
		}
		current.Attributes[attr] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating candidates: %w", err)
	}

	return candidates, nil
}

// AllBlockingKeys returns every distinct blocking key. Used to rebuild
// the bloom filter when its snapshot is missing or stale.
func (s *Store) AllBlockingKeys(ctx context.Context) ([]int64, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT DISTINCT blocking_key FROM blocking_index`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query blocking keys: %w", err)
	}
	defer rows.Close()

	var keys []int64
	for rows.Next() {
		var key int64
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("store: failed to scan blocking key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating blocking keys: %w", err)
	}

	return keys, nil
}

// GetParticipant retrieves a participant and its attached identifiers.
func (s *Store) GetParticipant(ctx context.Context, id string) (*types.Participant, error) {
	var p types.Participant
	var createdAt int64

	err := s.readDB.QueryRowContext(ctx, s.rebind(
		`SELECT participant_id, created_at FROM participants WHERE participant_id = ?`),
		id,
	).Scan(&p.ID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, cerrors.NewNotFound("participant", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get participant: %w", err)
	}
	p.CreatedAt = time.UnixMilli(createdAt)

	rows, err := s.readDB.QueryContext(ctx, s.rebind(
		`SELECT source_system, local_key, participant_id, created_at
		 FROM source_identifiers
		 WHERE participant_id = ?
		 ORDER BY source_system, local_key`),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query identifiers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ident types.SourceIdentifier
		var identCreatedAt int64
		if err := rows.Scan(&ident.SourceSystem, &ident.LocalKey, &ident.ParticipantID, &identCreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan identifier: %w", err)
		}
		ident.CreatedAt = time.UnixMilli(identCreatedAt)
		p.Identifiers = append(p.Identifiers, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating identifiers: %w", err)
	}

	return &p, nil
}

// DatasetPresence returns the datasets a participant has at least one
// current value in, sorted by name.
func (s *Store) DatasetPresence(ctx context.Context, participantID string) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, s.rebind(
		`SELECT DISTINCT dataset FROM current_values
		 WHERE participant_id = ?
		 ORDER BY dataset`),
		participantID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query dataset presence: %w", err)
	}
	defer rows.Close()

	var datasets []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("store: failed to scan dataset: %w", err)
		}
		datasets = append(datasets, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating datasets: %w", err)
	}
	return datasets, nil
}

// CountParticipants returns the number of participants in the store.
func (s *Store) CountParticipants(ctx context.Context) (int64, error) {
	var count int64
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count participants: %w", err)
	}
	return count, nil
}
