package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ambiware-labs/kokorod/internal/config"
	_ "modernc.org/sqlite"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one synthesis request as recorded in the history store.
type Job struct {
	ID           string
	SessionID    string
	Text         string
	Voice        string
	Status       string
	ArtifactPath string
	Bytes        int64
	LatencyMS    int64
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store wraps a SQLite-backed synthesis job history.
type Store struct {
	db    *sql.DB
	cfg   config.JobStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the job store according to config. Ephemeral mode keeps no
// database and every operation becomes a no-op.
func Open(ctx context.Context, cfg config.JobStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("job store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("job store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    text TEXT NOT NULL,
    voice TEXT,
    status TEXT NOT NULL,
    artifact_path TEXT,
    bytes INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_session_created ON jobs(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create records a new job in pending state.
func (s *Store) Create(ctx context.Context, job Job) error {
	if s.db == nil {
		return nil
	}
	now := s.clock().UTC()
	if job.Status == "" {
		job.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(job_id, session_id, text, voice, status, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SessionID, job.Text, job.Voice, job.Status, now, now)
	return err
}

// MarkRunning transitions a job to running.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ?`,
		StatusRunning, s.clock().UTC(), id)
	return err
}

// MarkCompleted records the artifact of a successful job.
func (s *Store) MarkCompleted(ctx context.Context, id, artifactPath string, bytes int64, latency time.Duration) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, artifact_path = ?, bytes = ?, latency_ms = ?, updated_at = ? WHERE job_id = ?`,
		StatusCompleted, artifactPath, bytes, latency.Milliseconds(), s.clock().UTC(), id)
	return err
}

// MarkFailed records the failure reason of a job.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE job_id = ?`,
		StatusFailed, reason, s.clock().UTC(), id)
	return err
}

// Get retrieves one job by id.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	if s.db == nil {
		return Job{}, sql.ErrNoRows
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, session_id, text, voice, status, COALESCE(artifact_path, ''), bytes, latency_ms, COALESCE(error, ''), created_at, updated_at
		 FROM jobs WHERE job_id = ?`, id)
	return scanJob(row)
}

// ListBySession retrieves up to limit jobs for a session, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]Job, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, session_id, text, voice, status, COALESCE(artifact_path, ''), bytes, latency_ms, COALESCE(error, ''), created_at, updated_at
		 FROM jobs WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var created, updated string
	if err := row.Scan(&j.ID, &j.SessionID, &j.Text, &j.Voice, &j.Status,
		&j.ArtifactPath, &j.Bytes, &j.LatencyMS, &j.Error, &created, &updated); err != nil {
		return Job{}, err
	}
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		j.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		j.UpdatedAt = ts
	}
	return j, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure verifies the ephemeral invariant: no database handle is held when
// persistence is disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
