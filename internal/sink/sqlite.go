package sink

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/3cpo-dev/fanout/pkg/api"
)

// Store is a SQLite-backed persister and summary publisher.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

//go:embed migrations/*.sql
var migrationFS embed.FS

// OpenStore opens (creating if needed) the database at path and applies the
// schema.
func OpenStore(path string, log zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Workers of a local run share the handle; serialize writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug().Err(err).Str("pragma", pragma).Msg("sqlite pragma failed")
		}
	}
	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Persist(ctx context.Context, rec Record) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	body := rec.Body
	if body == nil {
		body = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO responses (run_id, turn, chunk, worker, text, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Turn, rec.Chunk, rec.Worker, rec.Text, body, created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert response %d: %w", rec.Chunk, err)
	}
	return nil
}

func (s *Store) Publish(ctx context.Context, sum api.Summary) error {
	finished := sum.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO summaries
		 (run_id, turn, mode, workers, chunks, processed, failures, network_failures, status, duration_ms, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID, sum.Turn, string(sum.Mode), sum.Workers, sum.Chunks, sum.Processed, sum.Failures,
		sum.NetworkFailures, string(sum.Status), sum.Duration.Milliseconds(), finished.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

// Responses returns a run's responses ordered by turn and chunk index.
func (s *Store) Responses(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, turn, chunk, worker, text, body, created_at FROM responses
		 WHERE run_id = ? ORDER BY turn, chunk`, runID)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			created string
		)
		if err := rows.Scan(&rec.RunID, &rec.Turn, &rec.Chunk, &rec.Worker, &rec.Text, &rec.Body, &created); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summaries returns the most recent summaries, newest first.
func (s *Store) Summaries(ctx context.Context, limit int) ([]api.Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, turn, mode, workers, chunks, processed, failures, network_failures, status, duration_ms, finished_at
		 FROM summaries ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []api.Summary
	for rows.Next() {
		var (
			sum        api.Summary
			mode       string
			status     string
			durationMS int64
			finished   string
		)
		if err := rows.Scan(&sum.RunID, &sum.Turn, &mode, &sum.Workers, &sum.Chunks, &sum.Processed,
			&sum.Failures, &sum.NetworkFailures, &status, &durationMS, &finished); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Mode = api.Mode(mode)
		sum.Status = api.RunStatus(status)
		sum.Duration = time.Duration(durationMS) * time.Millisecond
		sum.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
