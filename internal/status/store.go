// Package status persists job phases and cancellation requests so that a
// separate process (CLI or HTTP API) can observe and cancel a running job.
package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/codebypatrickleung/rehost/internal/config"
	"github.com/codebypatrickleung/rehost/internal/job"
)

// ErrNotFound is returned for job ids that were never recorded.
var ErrNotFound = errors.New("job not found")

// Record is the last known state of a job.
type Record struct {
	JobID           string    `json:"job_id"`
	Strategy        string    `json:"strategy,omitempty"`
	Phase           job.Phase `json:"phase"`
	Message         string    `json:"message,omitempty"`
	CancelRequested bool      `json:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Transition is one recorded phase change.
type Transition struct {
	Phase   job.Phase `json:"phase"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Store is the durable status surface used by the workflow, CLI and API.
type Store interface {
	Register(ctx context.Context, jobID, strategy string) error
	UpdateStatus(ctx context.Context, jobID string, phase job.Phase, message string) error
	Get(ctx context.Context, jobID string) (*Record, error)
	History(ctx context.Context, jobID string) ([]Transition, error)
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	Close() error
}

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	driver  string
	writeMu sync.Mutex
	now     func() time.Time
}

// Open connects to the store and creates its tables.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case config.DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
		}
	case config.DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open status store: %w", err)
	}
	if driver == config.DriverSQLite {
		db.SetMaxOpenConns(4)
	}
	db.SetConnMaxLifetime(10 * time.Minute)

	s := &SQLStore{db: db, driver: driver, now: time.Now}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create status tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	historyID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == config.DriverPostgres {
		historyID = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS migration_jobs (
			job_id TEXT PRIMARY KEY,
			strategy TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS migration_transitions (
			` + historyID + `,
			job_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_job ON migration_transitions(job_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != config.DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Register creates the job row, or resets the row of a terminal earlier run
// with the same id and clears its stale cancel flag. A row that has not
// reached a terminal phase belongs to a live run and is refused with
// job.ErrJobActive.
func (s *SQLStore) Register(ctx context.Context, jobID, strategy string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin registration of job %s: %w", jobID, err)
	}
	defer tx.Rollback()

	var phase string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT phase FROM migration_jobs WHERE job_id = ?`), jobID).Scan(&phase)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read job %s: %w", jobID, err)
	case !job.Phase(phase).IsTerminal():
		return fmt.Errorf("%w: %s is in phase %q", job.ErrJobActive, jobID, phase)
	}

	now := s.now().UnixNano()
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO migration_jobs (job_id, strategy, phase, message, cancel_requested, created_at, updated_at)
		VALUES (?, ?, '', '', 0, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET strategy = excluded.strategy, phase = '', message = '', cancel_requested = 0, updated_at = excluded.updated_at`),
		jobID, strategy, now, now); err != nil {
		return fmt.Errorf("failed to register job %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registration of job %s: %w", jobID, err)
	}
	return nil
}

// UpdateStatus records the job's current phase and appends it to the history.
func (s *SQLStore) UpdateStatus(ctx context.Context, jobID string, phase job.Phase, message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now().UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin status update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO migration_jobs (job_id, strategy, phase, message, cancel_requested, created_at, updated_at)
		VALUES (?, '', ?, ?, 0, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET phase = excluded.phase, message = excluded.message, updated_at = excluded.updated_at`),
		jobID, string(phase), message, now, now); err != nil {
		return fmt.Errorf("failed to update status of job %s: %w", jobID, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO migration_transitions (job_id, phase, message, at) VALUES (?, ?, ?, ?)`),
		jobID, string(phase), message, now); err != nil {
		return fmt.Errorf("failed to record transition of job %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}

// Get returns the job's record or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, jobID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT job_id, strategy, phase, message, cancel_requested, created_at, updated_at
		FROM migration_jobs WHERE job_id = ?`), jobID)

	var (
		r                Record
		phase            string
		cancelled        int
		created, updated int64
	)
	err := row.Scan(&r.JobID, &r.Strategy, &phase, &r.Message, &cancelled, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", jobID, err)
	}
	r.Phase = job.Phase(phase)
	r.CancelRequested = cancelled != 0
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return &r, nil
}

// History returns the job's transitions, oldest first.
func (s *SQLStore) History(ctx context.Context, jobID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT phase, message, at FROM migration_transitions
		WHERE job_id = ? ORDER BY id ASC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history of job %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t     Transition
			phase string
			at    int64
		)
		if err := rows.Scan(&phase, &t.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.Phase = job.Phase(phase)
		t.At = time.Unix(0, at).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// RequestCancel sets the durable cancel flag of a known job.
func (s *SQLStore) RequestCancel(ctx context.Context, jobID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE migration_jobs SET cancel_requested = 1, updated_at = ? WHERE job_id = ?`),
		s.now().UnixNano(), jobID)
	if err != nil {
		return fmt.Errorf("failed to request cancellation of job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to request cancellation of job %s: %w", jobID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelRequested reads the durable cancel flag.
func (s *SQLStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var cancelled int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT cancel_requested FROM migration_jobs WHERE job_id = ?`), jobID).Scan(&cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag of job %s: %w", jobID, err)
	}
	return cancelled != 0, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
