package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/pkg/types"
)

// CurrentSchemaVersionNumber returns the latest published version
// number, or 0 when nothing has been published.
func (s *Store) CurrentSchemaVersionNumber(ctx context.Context) (int64, error) {
	var version int64
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_versions`,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("store: failed to get current schema version: %w", err)
	}
	return version, nil
}

// GetSchemaVersion retrieves a published schema version.
func (s *Store) GetSchemaVersion(ctx context.Context, version int64) (*types.SchemaVersion, error) {
	var schemaJSON string
	var publishedAt int64

	err := s.readDB.QueryRowContext(ctx, s.rebind(
		`SELECT schema_json, published_at FROM schema_versions WHERE version = ?`),
		version,
	).Scan(&schemaJSON, &publishedAt)
	if err == sql.ErrNoRows {
		return nil, cerrors.NewUnknownVersion(version)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to get schema version %d: %w", version, err)
	}

	return decodeSchemaVersion(version, schemaJSON, publishedAt)
}

// CurrentSchemaVersion retrieves the latest published schema version.
func (s *Store) CurrentSchemaVersion(ctx context.Context) (*types.SchemaVersion, error) {
	version, err := s.CurrentSchemaVersionNumber(ctx)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, cerrors.New(cerrors.ErrCategoryRegistry, cerrors.CodeUnknownVersion,
			"no schema version has been published yet")
	}
	return s.GetSchemaVersion(ctx, version)
}

// InsertSchemaVersion persists a new schema version. The version number
// must be current+1; a concurrent publish of the same number surfaces
// as a schema conflict.
func (s *Store) InsertSchemaVersion(ctx context.Context, v *types.SchemaVersion) error {
	schemaJSON, err := json.Marshal(v.Datasets)
	if err != nil {
		return fmt.Errorf("store: failed to marshal schema: %w", err)
	}

	result, err := s.writeDB.ExecContext(ctx, s.rebind(
		`INSERT INTO schema_versions (version, schema_json, published_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (version) DO NOTHING`),
		v.Version, string(schemaJSON), v.PublishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: failed to insert schema version %d: %w", v.Version, err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return cerrors.NewSchemaConflict(
			fmt.Sprintf("schema version %d was published concurrently", v.Version))
	}
	return nil
}

// ListSchemaVersions returns all published versions ordered by version number.
func (s *Store) ListSchemaVersions(ctx context.Context) ([]types.SchemaVersion, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT version, schema_json, published_at FROM schema_versions ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list schema versions: %w", err)
	}
	defer rows.Close()

	var versions []types.SchemaVersion
	for rows.Next() {
		var version, publishedAt int64
		var schemaJSON string
		if err := rows.Scan(&version, &schemaJSON, &publishedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan schema version: %w", err)
		}
		v, err := decodeSchemaVersion(version, schemaJSON, publishedAt)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error iterating schema versions: %w", err)
	}

	return versions, nil
}

func decodeSchemaVersion(version int64, schemaJSON string, publishedAt int64) (*types.SchemaVersion, error) {
	var datasets []types.DatasetDefinition
	if err := json.Unmarshal([]byte(schemaJSON), &datasets); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal schema version %d: %w", version, err)
	}
	return &types.SchemaVersion{
		Version:     version,
		PublishedAt: time.UnixMilli(publishedAt),
		Datasets:    datasets,
	}, nil
}
