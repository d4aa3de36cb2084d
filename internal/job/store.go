package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maruel/ksid"
	_ "modernc.org/sqlite"

	"github.com/axelgadomski420/hugex-sub000/internal/diff"
)

// ErrNotFound is returned when no job exists with the requested id.
var ErrNotFound = errors.New("job not found")

// SQLStore is the SQLite-backed registry.
type SQLStore struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the registry database at dbPath and
// runs migrations.
func OpenStore(dbPath string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; SQLite serializes anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		repo_url TEXT NOT NULL DEFAULT '',
		repo_branch TEXT NOT NULL DEFAULT '',
		env TEXT NOT NULL DEFAULT '{}',
		secret_keys TEXT NOT NULL DEFAULT '[]',
		remote_job_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		additions INTEGER NOT NULL DEFAULT 0,
		deletions INTEGER NOT NULL DEFAULT 0,
		files_changed INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS diffs (
		job_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a job. Env is stored as JSON; secrets are reduced to their
// key names before they ever touch the database.
func (s *SQLStore) Create(ctx context.Context, j *Job) error {
	env, err := json.Marshal(j.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	keys, err := json.Marshal(j.SecretKeys)
	if err != nil {
		return fmt.Errorf("marshal secret keys: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, title, description, status, repo_url, repo_branch,
			env, secret_keys, remote_job_id, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.Title, j.Description, string(j.Status), j.RepoURL, j.RepoBranch,
		string(env), string(keys), j.RemoteJobID, j.Error, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// Get returns the job with the given id.
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, repo_url, repo_branch,
			env, secret_keys, remote_job_id, error,
			additions, deletions, files_changed, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j, err
}

// List returns all jobs, newest first.
func (s *SQLStore) List(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, status, repo_url, repo_branch,
			env, secret_keys, remote_job_id, error,
			additions, deletions, files_changed, created_at, updated_at
		FROM jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var id, status, env, keys string
	if err := row.Scan(&id, &j.Title, &j.Description, &status, &j.RepoURL, &j.RepoBranch,
		&env, &keys, &j.RemoteJobID, &j.Error,
		&j.Summary.TotalAdditions, &j.Summary.TotalDeletions, &j.Summary.TotalFiles,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := ksid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", id, err)
	}
	j.ID = parsed
	j.Status = Status(status)
	if err := json.Unmarshal([]byte(env), &j.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(keys), &j.SecretKeys); err != nil {
		return nil, fmt.Errorf("unmarshal secret keys for %s: %w", id, err)
	}
	return &j, nil
}

// UpdateStatus sets the lifecycle state.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	return s.update(ctx, id, "status = ?", string(status))
}

// SetRemoteJobID records the backend-assigned job id.
func (s *SQLStore) SetRemoteJobID(ctx context.Context, id, remoteID string) error {
	return s.update(ctx, id, "remote_job_id = ?", remoteID)
}

// SetSummary records the change-set totals.
func (s *SQLStore) SetSummary(ctx context.Context, id string, sum diff.Summary) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET additions = ?, deletions = ?, files_changed = ?, updated_at = ?
		WHERE id = ?`,
		sum.TotalAdditions, sum.TotalDeletions, sum.TotalFiles, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkUpdated(res, id)
}

// SetError records a failure message.
func (s *SQLStore) SetError(ctx context.Context, id, msg string) error {
	return s.update(ctx, id, "error = ?", msg)
}

func (s *SQLStore) update(ctx context.Context, id, clause string, val any) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET "+clause+", updated_at = ? WHERE id = ?",
		val, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkUpdated(res, id)
}

func checkUpdated(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SaveDiff upserts the reconstructed change set as a JSON blob.
func (s *SQLStore) SaveDiff(ctx context.Context, id string, d *diff.Diff) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO diffs (job_id, payload) VALUES (?, ?)
		ON CONFLICT (job_id) DO UPDATE SET payload = excluded.payload`,
		id, payload)
	return err
}

// GetDiff returns the stored change set, or ErrNotFound.
func (s *SQLStore) GetDiff(ctx context.Context, id string) (*diff.Diff, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM diffs WHERE job_id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no diff for %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var d diff.Diff
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("unmarshal diff for %s: %w", id, err)
	}
	return &d, nil
}

var _ Store = (*SQLStore)(nil)
