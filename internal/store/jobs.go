package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shakilkhan1801/dispatchq/internal/queue"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// jobColumns is the canonical scan list; keep in sync with scanJob.
const jobColumns = `id, queue, payload, status, priority, max_attempts,
	created_at, available_at, started_at, finished_at,
	return_value, COALESCE(failure_reason, ''), COALESCE(duration_ms, 0)`

// scanJob maps one jobs row onto a queue.Job.
func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		j          queue.Job
		status     string
		durationMS int64
	)
	if err := row.Scan(
		&j.ID, &j.Queue, &j.Payload, &status, &j.Priority, &j.MaxAttempts,
		&j.CreatedAt, &j.AvailableAt, &j.StartedAt, &j.FinishedAt,
		&j.ReturnValue, &j.FailureReason, &durationMS,
	); err != nil {
		return nil, err
	}
	j.Status = queue.Status(status)
	j.Duration = time.Duration(durationMS) * time.Millisecond
	return &j, nil
}

// jobRow flattens a job into insert arguments. Empty payload, result, and
// failure reason are stored as NULL.
func jobRow(j *queue.Job) []any {
	var payload, result, reason, duration any
	if len(j.Payload) > 0 {
		payload = []byte(j.Payload)
	}
	if len(j.ReturnValue) > 0 {
		result = []byte(j.ReturnValue)
	}
	if j.FailureReason != "" {
		reason = j.FailureReason
	}
	if j.Duration != 0 {
		duration = j.Duration.Milliseconds()
	}
	return []any{
		j.ID, j.Queue, payload, string(j.Status), j.Priority, j.MaxAttempts,
		j.CreatedAt, j.AvailableAt, j.StartedAt, j.FinishedAt,
		result, reason, duration,
	}
}

var insertColumns = []string{
	"id", "queue", "payload", "status", "priority", "max_attempts",
	"created_at", "available_at", "started_at", "finished_at",
	"return_value", "failure_reason", "duration_ms",
}

// Insert persists one job exactly as given.
func (s *Store) Insert(ctx context.Context, job *queue.Job) error {
	const q = `
		INSERT INTO jobs
			(id, queue, payload, status, priority, max_attempts,
			 created_at, available_at, started_at, finished_at,
			 return_value, failure_reason, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	if _, err := s.pool.Exec(ctx, q, jobRow(job)...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// InsertMany bulk-inserts jobs with COPY, preserving slice order.
func (s *Store) InsertMany(ctx context.Context, jobs []*queue.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"jobs"},
		insertColumns,
		pgx.CopyFromSlice(len(jobs), func(i int) ([]any, error) {
			return jobRow(jobs[i]), nil
		}),
	)
	if err != nil {
		return fmt.Errorf("insert job batch: %w", err)
	}
	return nil
}

// Claim atomically claims the best due job in queueName. The subselect
// locks the winning row with FOR UPDATE SKIP LOCKED, so racing claimers skip
// it instead of blocking, and the wrapping UPDATE flips it to active in the
// same statement. Returns (nil, nil) when no job is due.
func (s *Store) Claim(ctx context.Context, queueName string, now time.Time) (*queue.Job, error) {
	const q = `
		UPDATE jobs SET status = 'active', started_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND status = 'waiting' AND available_at <= $2
			ORDER BY priority DESC, available_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	job, err := scanJob(s.pool.QueryRow(ctx, q, queueName, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete transitions an active job to completed. The status guard in the
// WHERE clause is what keeps terminal states final: an already-finished or
// missing job matches no row and surfaces queue.ErrNotActive.
func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage, finishedAt time.Time, took time.Duration) error {
	if _, err := uuid.Parse(id); err != nil {
		return queue.ErrNotActive
	}
	var res any
	if len(result) > 0 {
		res = []byte(result)
	}
	const q = `
		UPDATE jobs
		SET status = 'completed', finished_at = $2, return_value = $3, duration_ms = $4
		WHERE id = $1 AND status = 'active'`
	tag, err := s.pool.Exec(ctx, q, id, finishedAt, res, took.Milliseconds())
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrNotActive
	}
	return nil
}

// Fail transitions an active job to failed with the given reason.
func (s *Store) Fail(ctx context.Context, id string, reason string, finishedAt time.Time, took time.Duration) error {
	if _, err := uuid.Parse(id); err != nil {
		return queue.ErrNotActive
	}
	const q = `
		UPDATE jobs
		SET status = 'failed', finished_at = $2, failure_reason = $3, duration_ms = $4
		WHERE id = $1 AND status = 'active'`
	tag, err := s.pool.Exec(ctx, q, id, finishedAt, reason, took.Milliseconds())
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return queue.ErrNotActive
	}
	return nil
}

// Job fetches one job document.
func (s *Store) Job(ctx context.Context, queueName, id string) (*queue.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, queue.ErrJobNotFound
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = $1 AND id = $2`
	job, err := scanJob(s.pool.QueryRow(ctx, q, queueName, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// listCursor is the keyset position encoded in the opaque List cursor.
type listCursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"id"`
}

// List returns a page of jobs, newest first (created_at DESC, id DESC),
// using keyset pagination. Callers treat the cursor as opaque.
func (s *Store) List(ctx context.Context, queueName string, f queue.Filter) ([]*queue.Job, string, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.
		Select(jobColumns).
		From("jobs").
		Where(sq.Eq{"queue": queueName}).
		OrderBy("created_at DESC, id DESC").
		Limit(uint64(limit) + 1) // one extra row detects the next page
	if f.Status != "" {
		sb = sb.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Cursor != "" {
		cur, err := decodeListCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		sb = sb.Where("(created_at, id) < (?, ?)", cur.CreatedAt, cur.ID)
	}

	sqlText, args, err := sb.ToSql()
	if err != nil {
		return nil, "", fmt.Errorf("list jobs: build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, "", fmt.Errorf("list jobs: scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list jobs: %w", err)
	}

	next := ""
	if len(jobs) > limit {
		jobs = jobs[:limit]
		last := jobs[len(jobs)-1]
		next = encodeListCursor(listCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return jobs, next, nil
}

func encodeListCursor(c listCursor) string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeListCursor(s string) (*listCursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrBadCursor, err)
	}
	var c listCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrBadCursor, err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("%w: missing id", queue.ErrBadCursor)
	}
	return &c, nil
}

// StatusCounts aggregates per-status counts for one queue in a single scan.
func (s *Store) StatusCounts(ctx context.Context, queueName string) (map[queue.Status]int64, error) {
	const q = `SELECT status, COUNT(*) FROM jobs WHERE queue = $1 GROUP BY status`
	rows, err := s.pool.Query(ctx, q, queueName)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[queue.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("status counts: scan: %w", err)
		}
		counts[queue.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	return counts, nil
}

// CountDelayed counts waiting jobs not yet due at now.
func (s *Store) CountDelayed(ctx context.Context, queueName string, now time.Time) (int64, error) {
	const q = `
		SELECT COUNT(*) FROM jobs
		WHERE queue = $1 AND status = 'waiting' AND available_at > $2`
	var n int64
	if err := s.pool.QueryRow(ctx, q, queueName, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("count delayed: %w", err)
	}
	return n, nil
}

// Queues returns the distinct queue names present in the jobs table.
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	const q = `SELECT DISTINCT queue FROM jobs ORDER BY queue`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list queues: scan: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	return names, nil
}

// DeleteFinishedBefore removes terminal jobs older than cutoff. Jobs without
// a finished_at (never executed) are never matched.
func (s *Store) DeleteFinishedBefore(ctx context.Context, queueName string, st queue.Status, cutoff time.Time) (int64, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sqlText, args, err := psql.
		Delete("jobs").
		Where(sq.Eq{"queue": queueName, "status": string(st)}).
		Where(sq.Lt{"finished_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("delete finished: build query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sqlText, args...)
	if err != nil {
		return 0, fmt.Errorf("delete finished: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReclaimStuck returns long-running active jobs to waiting so they become
// claimable again. Used after worker crashes; the started_at cutoff keeps
// genuinely executing jobs untouched.
func (s *Store) ReclaimStuck(ctx context.Context, queueName string, startedBefore time.Time) (int64, error) {
	const q = `
		UPDATE jobs SET status = 'waiting', started_at = NULL
		WHERE queue = $1 AND status = 'active' AND started_at < $2`
	tag, err := s.pool.Exec(ctx, q, queueName, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck: %w", err)
	}
	return tag.RowsAffected(), nil
}
