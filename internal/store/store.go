// Package store is the single source of truth for job and task state. All
// compound operations run inside one SQLite transaction on a connection
// pool capped at one connection, so claims, cancels, and result finalizes
// are atomic with respect to each other.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/fleetrelay/controlplane/internal/apperr"
	"github.com/fleetrelay/controlplane/internal/idgen"
)

const listJobsMaxLimit = 500

// Store wraps the embedded SQLite database.
type Store struct {
	db     *sql.DB
	tracer trace.Tracer
}

// Option customizes a Store at open time.
type Option func(*Store)

// WithTracer attaches an OTel tracer; every public operation becomes a span
// named store.<operation>.
func WithTracer(t trace.Tracer) Option {
	return func(s *Store) {
		if t != nil {
			s.tracer = t
		}
	}
}

// Open opens (creating if necessary) the database at path and runs the
// idempotent schema migration. ":memory:" yields an ephemeral store.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = filepath.Join("data", "controlplane.db")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, tracer: nooptrace.NewTracerProvider().Tracer("store")}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			region TEXT NOT NULL DEFAULT '',
			targets TEXT NOT NULL,
			meta TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			target TEXT NOT NULL,
			action TEXT NOT NULL,
			region TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, region, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with bounded
// exponential backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func encodeJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// CreateJob stores a job and one queued task per target in one transaction.
// All rows share the job's created_at millisecond.
func (s *Store) CreateJob(ctx context.Context, req CreateJobRequest) (*JobWithTasks, error) {
	ctx, sp := s.span(ctx, "store.create_job", attribute.String("job.action", req.Action))
	defer sp.End()

	if strings.TrimSpace(req.Action) == "" {
		return nil, apperr.InvalidArgument("action must be non-empty")
	}
	if len(req.Targets) == 0 {
		return nil, apperr.InvalidArgument("targets must be non-empty")
	}

	now := nowMillis()
	job := Job{
		ID:        idgen.New(),
		Action:    req.Action,
		Region:    req.Region,
		Targets:   req.Targets,
		Meta:      req.Meta,
		Status:    StatusQueued,
		CreatedAt: fromMillis(now),
		UpdatedAt: fromMillis(now),
	}
	tasks := make([]Task, 0, len(req.Targets))
	for _, target := range req.Targets {
		tasks = append(tasks, Task{
			ID:        idgen.New(),
			JobID:     job.ID,
			Target:    target,
			Action:    req.Action,
			Region:    req.Region,
			Payload:   req.Payload,
			Status:    StatusQueued,
			Attempt:   0,
			CreatedAt: fromMillis(now),
			UpdatedAt: fromMillis(now),
		})
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, action, region, targets, meta, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, job.ID, job.Action, job.Region, encodeJSON(job.Targets), encodeJSON(job.Meta),
			job.Status, now, now); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		for _, t := range tasks {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, job_id, target, action, region, payload, status, attempt, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?);
			`, t.ID, t.JobID, t.Target, t.Action, t.Region, encodeJSON(t.Payload),
				t.Status, now, now); err != nil {
				return fmt.Errorf("insert task for %q: %w", t.Target, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, apperr.Internal("create job", err)
	}
	return &JobWithTasks{Job: job, Tasks: tasks}, nil
}

// GetJob returns the job and its tasks in creation order.
func (s *Store) GetJob(ctx context.Context, id string) (*JobWithTasks, error) {
	ctx, sp := s.span(ctx, "store.get_job", attribute.String("job.id", id))
	defer sp.End()

	job, err := s.getJob(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.listJobTasks(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return &JobWithTasks{Job: *job, Tasks: tasks}, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) getJob(ctx context.Context, q querier, id string) (*Job, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, action, region, targets, meta, status, created_at, updated_at
		FROM jobs WHERE id = ?;
	`, id)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("job not found")
	}
	if err != nil {
		return nil, apperr.Internal("load job", err)
	}
	return job, nil
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var (
		job                  Job
		targetsRaw, metaRaw  string
		createdMS, updatedMS int64
	)
	if err := scan(&job.ID, &job.Action, &job.Region, &targetsRaw, &metaRaw,
		&job.Status, &createdMS, &updatedMS); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(targetsRaw), &job.Targets); err != nil {
		return nil, fmt.Errorf("decode job targets: %w", err)
	}
	if metaRaw != "" && metaRaw != "{}" {
		if err := json.Unmarshal([]byte(metaRaw), &job.Meta); err != nil {
			return nil, fmt.Errorf("decode job meta: %w", err)
		}
	}
	job.CreatedAt = fromMillis(createdMS)
	job.UpdatedAt = fromMillis(updatedMS)
	return &job, nil
}

const taskColumns = `id, job_id, target, action, region, payload, status, attempt, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var (
		task                 Task
		payloadRaw           string
		createdMS, updatedMS int64
	)
	if err := scan(&task.ID, &task.JobID, &task.Target, &task.Action, &task.Region,
		&payloadRaw, &task.Status, &task.Attempt, &createdMS, &updatedMS); err != nil {
		return nil, err
	}
	if payloadRaw != "" && payloadRaw != "{}" {
		if err := json.Unmarshal([]byte(payloadRaw), &task.Payload); err != nil {
			return nil, fmt.Errorf("decode task payload: %w", err)
		}
	}
	task.CreatedAt = fromMillis(createdMS)
	task.UpdatedAt = fromMillis(updatedMS)
	return &task, nil
}

func (s *Store) listJobTasks(ctx context.Context, q querier, jobID string) ([]Task, error) {
	// All tasks of a job share one created_at millisecond; rowid preserves
	// insertion order, which is the input target order.
	rows, err := q.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY rowid ASC;
	`, jobID)
	if err != nil {
		return nil, apperr.Internal("list job tasks", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, apperr.Internal("scan task", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("iterate tasks", err)
	}
	return tasks, nil
}

// ListJobs returns jobs newest-first, limit clamped to [1, 500].
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	ctx, sp := s.span(ctx, "store.list_jobs")
	defer sp.End()

	if limit < 1 {
		limit = 1
	}
	if limit > listJobsMaxLimit {
		limit = listJobsMaxLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, region, targets, meta, status, created_at, updated_at
		FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, apperr.Internal("list jobs", err)
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, apperr.Internal("scan job", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("iterate jobs", err)
	}
	return jobs, nil
}

// CancelJob marks the job Canceled and cancels every task still Queued or
// Running. Terminal tasks are left alone. The cancel is sticky: later
// recomputation never moves the job out of Canceled.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	ctx, sp := s.span(ctx, "store.cancel_job", attribute.String("job.id", id))
	defer sp.End()

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := nowMillis()
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?;
		`, StatusCanceled, now, id)
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cancel job rows affected: %w", err)
		}
		if n == 0 {
			return apperr.NotFound("job not found")
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE job_id = ? AND status IN (?, ?);
		`, StatusCanceled, now, id, StatusQueued, StatusRunning); err != nil {
			return fmt.Errorf("cancel tasks: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return err
		}
		return apperr.Internal("cancel job", err)
	}
	return nil
}

// ClaimNextQueued atomically claims the oldest queued task whose region is
// either the requested region or empty. On success the task moves to
// Running with attempt+1 and the owning job moves to Running unless it is
// Canceled. Returns nil when nothing is claimable.
func (s *Store) ClaimNextQueued(ctx context.Context, region string) (*Task, error) {
	ctx, sp := s.span(ctx, "store.claim_next_queued", attribute.String("task.region", region))
	defer sp.End()

	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = ? AND (region = ? OR region = '')
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, StatusQueued, region)
		task, scanErr := scanTask(row.Scan)
		if errors.Is(scanErr, sql.ErrNoRows) {
			claimed = nil
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("select queued task: %w", scanErr)
		}

		now := nowMillis()
		// Conditional on the task still being Queued so concurrent
		// claimers cannot double-claim.
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, attempt = attempt + 1, updated_at = ?
			WHERE id = ? AND status = ?;
		`, StatusRunning, now, task.ID, StatusQueued)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n == 0 {
			claimed = nil
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ?
			WHERE id = ? AND status != ?;
		`, StatusRunning, now, task.JobID, StatusCanceled); err != nil {
			return fmt.Errorf("mark job running: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.Status = StatusRunning
		task.Attempt++
		task.UpdatedAt = fromMillis(now)
		claimed = task
		return nil
	})
	if err != nil {
		return nil, apperr.Internal("claim next queued", err)
	}
	return claimed, nil
}

// RequeueTask moves a Running task back to Queued, attempt unchanged.
// A task in any other state is left alone.
func (s *Store) RequeueTask(ctx context.Context, id string) error {
	ctx, sp := s.span(ctx, "store.requeue_task", attribute.String("task.id", id))
	defer sp.End()

	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?;
	`, StatusQueued, nowMillis(), id, StatusRunning)
	if err != nil {
		return apperr.Internal("requeue task", err)
	}
	return nil
}

// RequeueStaleRunning demotes every Running task untouched for longer than
// lease back to Queued, preserving the attempt counter. Returns the number
// of tasks requeued.
func (s *Store) RequeueStaleRunning(ctx context.Context, lease time.Duration) (int64, error) {
	ctx, sp := s.span(ctx, "store.requeue_stale_running")
	defer sp.End()

	now := nowMillis()
	cutoff := now - lease.Milliseconds()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?;
	`, StatusQueued, now, StatusRunning, cutoff)
	if err != nil {
		return 0, apperr.Internal("requeue stale running", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Internal("requeue stale rows affected", err)
	}
	return n, nil
}

// SetTaskResult finalizes a task from an agent-reported result and
// recomputes the owning job's status. The terminal status is applied
// unconditionally, even to a task that is no longer Running: delivery is
// at-least-once and a lease-expired dispatch may still report in.
func (s *Store) SetTaskResult(ctx context.Context, res TaskResult) (*Task, *Job, error) {
	ctx, sp := s.span(ctx, "store.set_task_result", attribute.String("task.id", res.TaskID))
	defer sp.End()

	var (
		task *Task
		job  *Job
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin result tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+` FROM tasks WHERE id = ?;
		`, res.TaskID)
		t, scanErr := scanTask(row.Scan)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return apperr.NotFound("task not found")
		}
		if scanErr != nil {
			return fmt.Errorf("load task: %w", scanErr)
		}

		status := StatusFinished
		if !res.Success {
			status = StatusFailed
		}
		now := nowMillis()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?;
		`, status, now, t.ID); err != nil {
			return fmt.Errorf("finalize task: %w", err)
		}
		t.Status = status
		t.UpdatedAt = fromMillis(now)

		j, err := s.recomputeJobTx(ctx, tx, t.JobID, now)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit result tx: %w", err)
		}
		task = t
		job = j
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, nil, err
		}
		return nil, nil, apperr.Internal("set task result", err)
	}
	return task, job, nil
}

// recomputeJobTx derives the job status from its task status counts and
// writes it, unless the job is Canceled (sticky). Runs inside the caller's
// transaction so the aggregate and the update see one consistent snapshot.
func (s *Store) recomputeJobTx(ctx context.Context, tx *sql.Tx, jobID string, now int64) (*Job, error) {
	job, err := s.getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == StatusCanceled {
		return job, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks WHERE job_id = ? GROUP BY status;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("aggregate task statuses: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int64{}
	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	next := recomputeStatus(counts)
	if next != job.Status {
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?;
		`, next, now, jobID); err != nil {
			return nil, fmt.Errorf("update job status: %w", err)
		}
		job.Status = next
		job.UpdatedAt = fromMillis(now)
	}
	return job, nil
}

// MetricsCounts is a snapshot of row counts for the metrics endpoint.
type MetricsCounts struct {
	Jobs          int64
	QueuedTasks   int64
	RunningTasks  int64
	FinishedTasks int64
	FailedTasks   int64
	CanceledTasks int64
}

// Counts returns job and per-status task counts.
func (s *Store) Counts(ctx context.Context) (MetricsCounts, error) {
	ctx, sp := s.span(ctx, "store.counts")
	defer sp.End()

	var mc MetricsCounts
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs;`).Scan(&mc.Jobs); err != nil {
		return mc, apperr.Internal("count jobs", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return mc, apperr.Internal("count tasks", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return mc, apperr.Internal("scan task count", err)
		}
		switch st {
		case StatusQueued:
			mc.QueuedTasks = n
		case StatusRunning:
			mc.RunningTasks = n
		case StatusFinished:
			mc.FinishedTasks = n
		case StatusFailed:
			mc.FailedTasks = n
		case StatusCanceled:
			mc.CanceledTasks = n
		}
	}
	if err := rows.Err(); err != nil {
		return mc, apperr.Internal("iterate task counts", err)
	}
	return mc, nil
}

// Backup writes an online-consistent snapshot of the store to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	ctx, sp := s.span(ctx, "store.backup")
	defer sp.End()

	if destPath == "" {
		return apperr.InvalidArgument("backup path must be non-empty")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return apperr.Internal("create backup directory", err)
	}
	if _, err := os.Stat(destPath); err == nil {
		return apperr.InvalidArgument("backup destination already exists")
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return apperr.Internal("vacuum into backup", err)
	}
	return nil
}
