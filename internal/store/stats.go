package store

import (
	"context"
	"fmt"
	"time"
)

// QueryStatRecord is one persisted selectivity observation. The
// tracker's in-memory state is flushed here so planning survives a
// restart.
type QueryStatRecord struct {
	Variable      string
	Evaluations   int64
	Selectivity   float64
	OperatorsJSON string
	LastSeen      time.Time
}

// SaveQueryStats upserts a snapshot of selectivity observations.
func (s *Store) SaveQueryStats(ctx context.Context, records []QueryStatRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO query_stats (variable, evaluations, selectivity, operators_json, last_seen)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (variable) DO UPDATE SET
				evaluations = excluded.evaluations,
				selectivity = excluded.selectivity,
				operators_json = excluded.operators_json,
				last_seen = excluded.last_seen`),
			r.Variable, r.Evaluations, r.Selectivity, r.OperatorsJSON, r.LastSeen.UnixMilli(),
		); err != nil {
			return fmt.Errorf("store: failed to upsert query stat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit query stats: %w", err)
	}
	return nil
}

// LoadQueryStats returns every persisted selectivity observation.
func (s *Store) LoadQueryStats(ctx context.Context) ([]QueryStatRecord, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT variable, evaluations, selectivity, operators_json, last_seen FROM query_stats`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to query stats: %w", err)
	}
	defer rows.Close()

	var records []QueryStatRecord
	for rows.Next() {
		var r QueryStatRecord
		var lastSeen int64
		if err := rows.Scan(&r.Variable, &r.Evaluations, &r.Selectivity, &r.OperatorsJSON, &lastSeen); err != nil {
			return nil, fmt.Errorf("store: failed to scan query stat: %w", err)
		}
		r.LastSeen = time.UnixMilli(lastSeen)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating query stats: %w", err)
	}
	return records, nil
}
