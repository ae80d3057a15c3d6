// Package store persists audit reports in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ErrNotFound is returned when a report does not exist.
var ErrNotFound = errors.New("report not found")

// Summary is the listing view of a stored report.
type Summary struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	ArtifactRef  string    `json:"artifact_ref"`
	RubricName   string    `json:"rubric_name"`
	OverallScore *float64  `json:"overall_score"`
	Verdicts     int       `json:"verdicts"`
	Failures     int       `json:"failures"`
	CompletedAt  time.Time `json:"completed_at"`
}

// ListOptions filters List.
type ListOptions struct {
	// ArtifactRef restricts results to one artifact when set.
	ArtifactRef string
	// Limit caps the result count; zero means 20.
	Limit int
}

// Store is a SQLite-backed report store. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path, creating parent directories
// as needed, and runs migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS reports (
			id            TEXT PRIMARY KEY,
			run_id        TEXT    NOT NULL,
			artifact_ref  TEXT    NOT NULL,
			rubric_name   TEXT    NOT NULL,
			overall_score REAL,
			verdicts      INTEGER NOT NULL,
			failures      INTEGER NOT NULL,
			completed_at  TEXT    NOT NULL,
			body          TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_reports_artifact  ON reports(artifact_ref);
		CREATE INDEX IF NOT EXISTS idx_reports_completed ON reports(completed_at DESC);
	`)
	return err
}

// Save stores r. Reports are immutable; saving an id twice is an error.
func (s *Store) Save(ctx context.Context, r *audit.Report) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("store: report id is required")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal report: %w", err)
	}

	var score sql.NullFloat64
	if r.OverallScore != nil {
		score = sql.NullFloat64{Float64: *r.OverallScore, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (id, run_id, artifact_ref, rubric_name, overall_score, verdicts, failures, completed_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Metadata.RunID, r.Metadata.Artifact.Ref, r.Metadata.RubricName, score,
		len(r.Verdicts), len(r.Failures), r.Metadata.CompletedAt.UTC().Format(time.RFC3339Nano), string(body),
	)
	if err != nil {
		return fmt.Errorf("store: insert report %s: %w", r.ID, err)
	}
	return nil
}

// Get loads a report by id.
func (s *Store) Get(ctx context.Context, id string) (*audit.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM reports WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get report %s: %w", id, err)
	}

	var r audit.Report
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("store: decode report %s: %w", id, err)
	}
	return &r, nil
}

// List returns report summaries, most recently completed first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, run_id, artifact_ref, rubric_name, overall_score, verdicts, failures, completed_at
		FROM reports
		WHERE 1=1`
	args := []any{}
	if opts.ArtifactRef != "" {
		query += " AND artifact_ref = ?"
		args = append(args, opts.ArtifactRef)
	}
	query += " ORDER BY completed_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := []Summary{}
	for rows.Next() {
		var (
			sum       Summary
			score     sql.NullFloat64
			completed string
		)
		if err := rows.Scan(&sum.ID, &sum.RunID, &sum.ArtifactRef, &sum.RubricName, &score, &sum.Verdicts, &sum.Failures, &completed); err != nil {
			return nil, fmt.Errorf("store: scan report: %w", err)
		}
		if score.Valid {
			v := score.Float64
			sum.OverallScore = &v
		}
		if sum.CompletedAt, err = time.Parse(time.RFC3339Nano, completed); err != nil {
			return nil, fmt.Errorf("store: report %s has a bad timestamp: %w", sum.ID, err)
		}
		results = append(results, sum)
	}
	return results, rows.Err()
}
