package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/metric-harvester/internal/model"
)

// ResultStore is the authoritative store for validated results. Results are
// immutable; later versions supersede earlier ones and history per target is
// bounded.
type ResultStore interface {
	// Append stores a result and assigns its per-target monotonic version.
	Append(ctx context.Context, res *model.Result) (int64, error)

	// Latest returns the newest result for a target, or nil when none.
	Latest(ctx context.Context, targetID string) (*model.Result, error)

	// LatestVersion returns the newest version for a target, 0 when none.
	LatestVersion(ctx context.Context, targetID string) (int64, error)

	// History returns up to limit results for a target, newest first.
	History(ctx context.Context, targetID string, limit int) ([]*model.Result, error)

	// Close releases the store.
	Close() error
}

// SQLiteResultStore implements ResultStore using SQLite.
type SQLiteResultStore struct {
	logger *zap.Logger
	db     *sql.DB
	// historyDepth bounds retained results per target; oldest evicted
	// first on append.
	historyDepth int
}

// dsnOptions serializes concurrent writers: WAL keeps readers off the write
// lock, immediate transactions take it up front instead of failing on
// upgrade, and the busy timeout makes contending writers wait.
const dsnOptions = "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

// NewSQLiteResultStore opens (or creates) the store at dbPath.
func NewSQLiteResultStore(logger *zap.Logger, dbPath string, historyDepth int) (*SQLiteResultStore, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Appends arrive from many dispatcher workers at once; a single pooled
	// connection funnels them past SQLite's one-writer lock.
	db.SetMaxOpenConns(1)

	store := &SQLiteResultStore{
		logger:       logger.Named("result-store"),
		db:           db,
		historyDepth: historyDepth,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initialize creates the necessary tables if they don't exist.
func (s *SQLiteResultStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS results (
			target_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			audience INTEGER NOT NULL,
			engagements INTEGER NOT NULL,
			activity INTEGER NOT NULL,
			quality REAL NOT NULL,
			flags TEXT,
			fetched_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (target_id, version)
		);
		CREATE INDEX IF NOT EXISTS idx_results_source_id ON results(source_id);
		CREATE INDEX IF NOT EXISTS idx_results_created_at ON results(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Append implements ResultStore.Append. The version is assigned inside a
// transaction so concurrent appends for the same target stay monotonic.
func (s *SQLiteResultStore) Append(ctx context.Context, res *model.Result) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM results WHERE target_id = ?`,
		res.TargetID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	}
	version++

	var flags sql.NullString
	if len(res.Flags) > 0 {
		flags = sql.NullString{String: strings.Join(res.Flags, ","), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO results (
			target_id, source_id, version, audience, engagements,
			activity, quality, flags, fetched_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.TargetID,
		res.SourceID,
		version,
		res.Audience,
		res.Engagements,
		res.Activity,
		res.Quality,
		flags,
		res.FetchedAt,
		res.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to store result: %w", err)
	}

	// Evict oldest results beyond the history depth.
	if s.historyDepth > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM results
			WHERE target_id = ? AND version <= ? - ?`,
			res.TargetID, version, s.historyDepth,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to trim history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit result: %w", err)
	}

	res.Version = version
	return version, nil
}

// Latest implements ResultStore.Latest.
func (s *SQLiteResultStore) Latest(ctx context.Context, targetID string) (*model.Result, error) {
	results, err := s.History(ctx, targetID, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// LatestVersion implements ResultStore.LatestVersion.
func (s *SQLiteResultStore) LatestVersion(ctx context.Context, targetID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM results WHERE target_id = ?`,
		targetID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	}
	return version, nil
}

// History implements ResultStore.History.
func (s *SQLiteResultStore) History(ctx context.Context, targetID string, limit int) ([]*model.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id, source_id, version, audience, engagements,
		       activity, quality, flags, fetched_at, created_at
		FROM results
		WHERE target_id = ?
		ORDER BY version DESC
		LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []*model.Result
	for rows.Next() {
		res := &model.Result{}
		var flags sql.NullString
		var fetchedAt, createdAt time.Time

		err := rows.Scan(
			&res.TargetID,
			&res.SourceID,
			&res.Version,
			&res.Audience,
			&res.Engagements,
			&res.Activity,
			&res.Quality,
			&flags,
			&fetchedAt,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}

		if flags.Valid && flags.String != "" {
			res.Flags = strings.Split(flags.String, ",")
		}
		res.FetchedAt = fetchedAt
		res.CreatedAt = createdAt
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return results, nil
}

// Close closes the database connection.
func (s *SQLiteResultStore) Close() error {
	return s.db.Close()
}
