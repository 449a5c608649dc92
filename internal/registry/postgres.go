package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxStore implements Store on PostgreSQL for deployments where several
// hosts share one registry.
type pgxStore struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, dsn string) (*pgxStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to registry database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping registry database: %w", err)
	}

	s := &pgxStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *pgxStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS correlations (
		mapping_id TEXT NOT NULL,
		source_uid TEXT NOT NULL,
		recurrence_id TEXT NOT NULL DEFAULT '',
		dest_event_id TEXT NOT NULL,
		last_source_hash TEXT NOT NULL,
		last_dest_hash TEXT NOT NULL,
		last_synced_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (mapping_id, source_uid, recurrence_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_correlations_dest
	    ON correlations(mapping_id, dest_event_id);

	CREATE TABLE IF NOT EXISTS run_logs (
		id BIGSERIAL PRIMARY KEY,
		mapping_id TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		inserted INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		deferred INTEGER NOT NULL DEFAULT 0,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_run_logs_mapping
	    ON run_logs(mapping_id, started_at);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return nil
}

func (s *pgxStore) Find(ctx context.Context, mappingID, sourceUID, recurrenceID string) (*Correlation, error) {
	query := `
	SELECT mapping_id, source_uid, recurrence_id, dest_event_id,
	       last_source_hash, last_dest_hash, last_synced_at
	FROM correlations
	WHERE mapping_id = $1 AND source_uid = $2 AND recurrence_id = $3
	`
	row := s.pool.QueryRow(ctx, query, mappingID, sourceUID, recurrenceID)
	return scanPgCorrelation(row)
}

func (s *pgxStore) FindByDestID(ctx context.Context, mappingID, destEventID string) (*Correlation, error) {
	query := `
	SELECT mapping_id, source_uid, recurrence_id, dest_event_id,
	       last_source_hash, last_dest_hash, last_synced_at
	FROM correlations
	WHERE mapping_id = $1 AND dest_event_id = $2
	`
	row := s.pool.QueryRow(ctx, query, mappingID, destEventID)
	return scanPgCorrelation(row)
}

func (s *pgxStore) Upsert(ctx context.Context, c *Correlation) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid correlation: %w", err)
	}

	query := `
	INSERT INTO correlations (
		mapping_id, source_uid, recurrence_id, dest_event_id,
		last_source_hash, last_dest_hash, last_synced_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (mapping_id, source_uid, recurrence_id) DO UPDATE SET
		dest_event_id = excluded.dest_event_id,
		last_source_hash = excluded.last_source_hash,
		last_dest_hash = excluded.last_dest_hash,
		last_synced_at = excluded.last_synced_at
	`

	_, err := s.pool.Exec(ctx, query,
		c.MappingID,
		c.SourceUID,
		c.RecurrenceID,
		c.DestEventID,
		c.LastSourceHash,
		c.LastDestHash,
		c.LastSyncedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert correlation %s: %w", c.Key(), err)
	}
	return nil
}

func (s *pgxStore) Delete(ctx context.Context, mappingID, sourceUID, recurrenceID string) error {
	query := `DELETE FROM correlations WHERE mapping_id = $1 AND source_uid = $2 AND recurrence_id = $3`
	if _, err := s.pool.Exec(ctx, query, mappingID, sourceUID, recurrenceID); err != nil {
		return fmt.Errorf("failed to delete correlation %s: %w", sourceUID, err)
	}
	return nil
}

func (s *pgxStore) DeleteSeries(ctx context.Context, mappingID, sourceUID string) error {
	query := `DELETE FROM correlations WHERE mapping_id = $1 AND source_uid = $2`
	if _, err := s.pool.Exec(ctx, query, mappingID, sourceUID); err != nil {
		return fmt.Errorf("failed to delete series %s: %w", sourceUID, err)
	}
	return nil
}

func (s *pgxStore) AllForMapping(ctx context.Context, mappingID string) ([]*Correlation, error) {
	query := `
	SELECT mapping_id, source_uid, recurrence_id, dest_event_id,
	       last_source_hash, last_dest_hash, last_synced_at
	FROM correlations
	WHERE mapping_id = $1
	ORDER BY source_uid ASC, recurrence_id ASC
	`

	rows, err := s.pool.Query(ctx, query, mappingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlations: %w", err)
	}
	defer rows.Close()

	var records []*Correlation
	for rows.Next() {
		c, err := scanPgCorrelation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correlations: %w", err)
	}
	return records, nil
}

func (s *pgxStore) RecordRun(ctx context.Context, r *RunLog) error {
	query := `
	INSERT INTO run_logs (
		mapping_id, started_at, finished_at, status,
		inserted, updated, deleted, deferred, detail
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING id
	`

	err := s.pool.QueryRow(ctx, query,
		r.MappingID,
		r.StartedAt.UTC(),
		r.FinishedAt.UTC(),
		r.Status,
		r.Inserted,
		r.Updated,
		r.Deleted,
		r.Deferred,
		textOrNil(r.Detail),
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

func (s *pgxStore) RecentRuns(ctx context.Context, mappingID string, limit int) ([]*RunLog, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}

	query := `
	SELECT id, mapping_id, started_at, finished_at, status,
	       inserted, updated, deleted, deferred, detail
	FROM run_logs
	WHERE mapping_id = $1
	ORDER BY started_at DESC, id DESC
	LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, mappingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run logs: %w", err)
	}
	defer rows.Close()

	var runs []*RunLog
	for rows.Next() {
		var r RunLog
		var detail *string
		err := rows.Scan(
			&r.ID,
			&r.MappingID,
			&r.StartedAt,
			&r.FinishedAt,
			&r.Status,
			&r.Inserted,
			&r.Updated,
			&r.Deleted,
			&r.Deferred,
			&detail,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		if detail != nil {
			r.Detail = *detail
		}
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run logs: %w", err)
	}
	return runs, nil
}

func (s *pgxStore) PruneRuns(ctx context.Context, mappingID string, keep int) error {
	if keep <= 0 {
		keep = defaultRunLimit
	}

	query := `
	DELETE FROM run_logs
	WHERE mapping_id = $1 AND id NOT IN (
		SELECT id FROM run_logs
		WHERE mapping_id = $2
		ORDER BY started_at DESC, id DESC
		LIMIT $3
	)
	`

	if _, err := s.pool.Exec(ctx, query, mappingID, mappingID, keep); err != nil {
		return fmt.Errorf("failed to prune run logs: %w", err)
	}
	return nil
}

func (s *pgxStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return nil
}

// pgScanner covers both pgx.Row and pgx.Rows.
type pgScanner interface {
	Scan(dest ...interface{}) error
}

func scanPgCorrelation(row pgScanner) (*Correlation, error) {
	var c Correlation
	err := row.Scan(
		&c.MappingID,
		&c.SourceUID,
		&c.RecurrenceID,
		&c.DestEventID,
		&c.LastSourceHash,
		&c.LastDestHash,
		&c.LastSyncedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan correlation: %w", err)
	}
	return &c, nil
}

// textOrNil maps an empty string to SQL NULL.
func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
