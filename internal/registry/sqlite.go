package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// sqlStore implements Store over a database/sql handle. It serves both the
// embedded SQLite backend and remote libSQL, which speak the same dialect;
// only the connection setup differs.
type sqlStore struct {
	conn *sql.DB

	// checkpoint is set for local files, where closing should flush the WAL.
	checkpoint bool
}

// openSQLite opens (and creates, if missing) a local registry file using the
// embedded SQLite driver. WAL mode keeps status reads unblocked while a sync
// run writes.
func openSQLite(ctx context.Context, path string) (*sqlStore, error) {
	path = strings.TrimPrefix(path, "sqlite://")
	path = strings.TrimPrefix(path, "file:")

	// Ensure parent directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	// busy_timeout goes in the DSN so every pooled connection gets it, not
	// just the one a PRAGMA statement happens to run on.
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping registry database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Enable WAL mode for concurrent reads. The mode persists in the file,
	// so running it once covers the whole pool.
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &sqlStore{conn: conn, checkpoint: true}
	if err := s.initSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates the correlation and run log tables if they don't
// exist. Idempotent, safe to call on every Open.
func (s *sqlStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS correlations (
		mapping_id TEXT NOT NULL,
		source_uid TEXT NOT NULL,
		recurrence_id TEXT NOT NULL DEFAULT '',
		dest_event_id TEXT NOT NULL,
		last_source_hash TEXT NOT NULL,
		last_dest_hash TEXT NOT NULL,
		last_synced_at TEXT NOT NULL,
		PRIMARY KEY (mapping_id, source_uid, recurrence_id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_correlations_dest
	    ON correlations(mapping_id, dest_event_id);

	CREATE TABLE IF NOT EXISTS run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mapping_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
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

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return nil
}

func (s *sqlStore) Find(ctx context.Context, mappingID, sourceUID, recurrenceID string) (*Correlation, error) {
	query := `
	SELECT mapping_id, source_uid, recurrence_id, dest_event_id,
	       last_source_hash, last_dest_hash, last_synced_at
	FROM correlations
	WHERE mapping_id = ? AND source_uid = ? AND recurrence_id = ?
	`
	row := s.conn.QueryRowContext(ctx, query, mappingID, sourceUID, recurrenceID)
	return scanCorrelation(row)
}

func (s *sqlStore) FindByDestID(ctx context.Context, mappingID, destEventID string) (*Correlation, error) {
	query := `
	SELECT mapping_id, source_uid, recurrence_id, dest_event_id,
	       last_source_hash, last_dest_hash, last_synced_at
	FROM correlations
	WHERE mapping_id = ? AND dest_event_id = ?
	`
	row := s.conn.QueryRowContext(ctx, query, mappingID, destEventID)
	return scanCorrelation(row)
}

func (s *sqlStore) Upsert(ctx context.Context, c *Correlation) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid correlation: %w", err)
	}

	query := `
	INSERT INTO correlations (
		mapping_id, source_uid, recurrence_id, dest_event_id,
		last_source_hash, last_dest_hash, last_synced_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(mapping_id, source_uid, recurrence_id) DO UPDATE SET
		dest_event_id = excluded.dest_event_id,
		last_source_hash = excluded.last_source_hash,
		last_dest_hash = excluded.last_dest_hash,
		last_synced_at = excluded.last_synced_at
	`

	_, err := s.conn.ExecContext(ctx, query,
		c.MappingID,
		c.SourceUID,
		c.RecurrenceID,
		c.DestEventID,
		c.LastSourceHash,
		c.LastDestHash,
		c.LastSyncedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert correlation %s: %w", c.Key(), err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, mappingID, sourceUID, recurrenceID string) error {
	query := `DELETE FROM correlations WHERE mapping_id = ? AND source_uid = ? AND recurrence_id = ?`
	if _, err := s.conn.ExecContext(ctx, query, mappingID, sourceUID, recurrenceID); err != nil {
		return fmt.Errorf("failed to delete correlation %s: %w", sourceUID, err)
	}
	return nil
}

func (s *sqlStore) DeleteSeries(ctx context.Context, mappingID, sourceUID string) error {
	query := `DELETE FROM correlations WHERE mapping_id = ? AND source_uid = ?`
	if _, err := s.conn.ExecContext(ctx, query, mappingID, sourceUID); err != nil {
		return fmt.Errorf("failed to delete series %s: %w", sourceUID, err)
	}
	return nil
}

func (s *sqlStore) AllForMapping(ctx context.Context, mappingID string) ([]*Correlation, error) {
	query := `
	SELECT mapping_id, source_uid, recurrence_id, dest_event_id,
	       last_source_hash, last_dest_hash, last_synced_at
	FROM correlations
	WHERE mapping_id = ?
	ORDER BY source_uid ASC, recurrence_id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, mappingID)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlations: %w", err)
	}
	defer rows.Close()

	var records []*Correlation
	for rows.Next() {
		c, err := scanCorrelation(rows)
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

func (s *sqlStore) RecordRun(ctx context.Context, r *RunLog) error {
	query := `
	INSERT INTO run_logs (
		mapping_id, started_at, finished_at, status,
		inserted, updated, deleted, deferred, detail
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.conn.ExecContext(ctx, query,
		r.MappingID,
		r.StartedAt.UTC().Format(time.RFC3339),
		r.FinishedAt.UTC().Format(time.RFC3339),
		r.Status,
		r.Inserted,
		r.Updated,
		r.Deleted,
		r.Deferred,
		stringToNullString(r.Detail),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

func (s *sqlStore) RecentRuns(ctx context.Context, mappingID string, limit int) ([]*RunLog, error) {
	if limit <= 0 {
		limit = defaultRunLimit
	}

	query := `
	SELECT id, mapping_id, started_at, finished_at, status,
	       inserted, updated, deleted, deferred, detail
	FROM run_logs
	WHERE mapping_id = ?
	ORDER BY started_at DESC, id DESC
	LIMIT ?
	`

	rows, err := s.conn.QueryContext(ctx, query, mappingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run logs: %w", err)
	}
	defer rows.Close()

	var runs []*RunLog
	for rows.Next() {
		r, err := scanRunLog(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run logs: %w", err)
	}
	return runs, nil
}

func (s *sqlStore) PruneRuns(ctx context.Context, mappingID string, keep int) error {
	if keep <= 0 {
		keep = defaultRunLimit
	}

	query := `
	DELETE FROM run_logs
	WHERE mapping_id = ? AND id NOT IN (
		SELECT id FROM run_logs
		WHERE mapping_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	)
	`

	if _, err := s.conn.ExecContext(ctx, query, mappingID, mappingID, keep); err != nil {
		return fmt.Errorf("failed to prune run logs: %w", err)
	}
	return nil
}

// Close closes the database connection. For local files a WAL checkpoint is
// performed first so all changes land in the main database file.
func (s *sqlStore) Close() error {
	if s.conn == nil {
		return nil
	}

	if s.checkpoint {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close registry database: %w", err)
	}
	s.conn = nil
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanCorrelation is a helper to scan one correlation from query results.
func scanCorrelation(row rowScanner) (*Correlation, error) {
	var c Correlation
	var syncedAt string

	err := row.Scan(
		&c.MappingID,
		&c.SourceUID,
		&c.RecurrenceID,
		&c.DestEventID,
		&c.LastSourceHash,
		&c.LastDestHash,
		&syncedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan correlation: %w", err)
	}

	if t, err := time.Parse(time.RFC3339, syncedAt); err == nil {
		c.LastSyncedAt = t
	}
	return &c, nil
}

// scanRunLog is a helper to scan one run log entry from query results.
func scanRunLog(row rowScanner) (*RunLog, error) {
	var r RunLog
	var startedAt, finishedAt string
	var detail sql.NullString

	err := row.Scan(
		&r.ID,
		&r.MappingID,
		&startedAt,
		&finishedAt,
		&r.Status,
		&r.Inserted,
		&r.Updated,
		&r.Deleted,
		&r.Deferred,
		&detail,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run log: %w", err)
	}

	if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
		r.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339, finishedAt); err == nil {
		r.FinishedAt = t
	}
	if detail.Valid {
		r.Detail = detail.String
	}
	return &r, nil
}

// stringToNullString converts a string to a nullable SQL string, mapping
// empty to NULL.
func stringToNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
