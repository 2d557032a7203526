// Package memstore is the in-memory queue.Store: a mutex-guarded map with
// the same claim ordering and terminal-transition guards as the Postgres
// adapter. It backs unit tests and embedded single-process use; nothing
// survives a restart.
package memstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shakilkhan1801/dispatchq/internal/queue"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Store implements queue.Store entirely in process memory.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*entry
	seq  uint64
}

// entry pairs a job with its insertion sequence. The sequence is the final
// claim-order tie-break, making claim order fully deterministic even when
// jobs share priority, availability, and creation time.
type entry struct {
	job *queue.Job
	seq uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*entry)}
}

func (s *Store) Insert(ctx context.Context, job *queue.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(job)
}

func (s *Store) InsertMany(ctx context.Context, jobs []*queue.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if _, ok := s.jobs[j.ID]; ok {
			return fmt.Errorf("duplicate job id %s", j.ID)
		}
	}
	for _, j := range jobs {
		if err := s.insertLocked(j); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertLocked(job *queue.Job) error {
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("duplicate job id %s", job.ID)
	}
	s.seq++
	s.jobs[job.ID] = &entry{job: job.Clone(), seq: s.seq}
	return nil
}

// Claim selects the single best due job: highest priority, then earliest
// AvailableAt, then earliest CreatedAt, then lowest insertion sequence.
// Returns (nil, nil) when nothing is due.
func (s *Store) Claim(ctx context.Context, queueName string, now time.Time) (*queue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *entry
	for _, e := range s.jobs {
		if e.job.Queue != queueName || e.job.Status != queue.StatusWaiting {
			continue
		}
		if e.job.AvailableAt.After(now) {
			continue
		}
		if best == nil || claimBefore(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}

	started := now
	best.job.Status = queue.StatusActive
	best.job.StartedAt = &started
	return best.job.Clone(), nil
}

// claimBefore reports whether a should be claimed ahead of b.
func claimBefore(a, b *entry) bool {
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.AvailableAt.Equal(b.job.AvailableAt) {
		return a.job.AvailableAt.Before(b.job.AvailableAt)
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage, finishedAt time.Time, took time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok || e.job.Status != queue.StatusActive {
		return queue.ErrNotActive
	}
	e.job.Status = queue.StatusCompleted
	e.job.FinishedAt = &finishedAt
	e.job.ReturnValue = append(json.RawMessage(nil), result...)
	e.job.Duration = took
	return nil
}

func (s *Store) Fail(ctx context.Context, id string, reason string, finishedAt time.Time, took time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok || e.job.Status != queue.StatusActive {
		return queue.ErrNotActive
	}
	e.job.Status = queue.StatusFailed
	e.job.FinishedAt = &finishedAt
	e.job.FailureReason = reason
	e.job.Duration = took
	return nil
}

func (s *Store) Job(ctx context.Context, queueName, id string) (*queue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok || e.job.Queue != queueName {
		return nil, queue.ErrJobNotFound
	}
	return e.job.Clone(), nil
}

// List returns jobs newest first (descending insertion sequence). The
// cursor is the base64 sequence number of the last returned job.
func (s *Store) List(ctx context.Context, queueName string, f queue.Filter) ([]*queue.Job, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var after uint64
	if f.Cursor != "" {
		raw, err := base64.RawURLEncoding.DecodeString(f.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", queue.ErrBadCursor, err)
		}
		after, err = strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", queue.ErrBadCursor, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*entry, 0)
	for _, e := range s.jobs {
		if e.job.Queue != queueName {
			continue
		}
		if f.Status != "" && e.job.Status != f.Status {
			continue
		}
		if after != 0 && e.seq >= after {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })

	next := ""
	if len(matched) > limit {
		matched = matched[:limit]
		next = base64.RawURLEncoding.EncodeToString(
			[]byte(strconv.FormatUint(matched[len(matched)-1].seq, 10)))
	}

	// Clone before the mutex is released: Claim, Complete, Fail, and
	// ReclaimStuck mutate these structs in place.
	out := make([]*queue.Job, len(matched))
	for i, e := range matched {
		out[i] = e.job.Clone()
	}
	return out, next, nil
}

func (s *Store) StatusCounts(ctx context.Context, queueName string) (map[queue.Status]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[queue.Status]int64)
	for _, e := range s.jobs {
		if e.job.Queue == queueName {
			counts[e.job.Status]++
		}
	}
	return counts, nil
}

func (s *Store) CountDelayed(ctx context.Context, queueName string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.jobs {
		if e.job.Queue == queueName && e.job.DelayedAt(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Queues(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, e := range s.jobs {
		seen[e.job.Queue] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) DeleteFinishedBefore(ctx context.Context, queueName string, st queue.Status, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.jobs {
		if e.job.Queue != queueName || e.job.Status != st {
			continue
		}
		if e.job.FinishedAt == nil || !e.job.FinishedAt.Before(cutoff) {
			continue
		}
		delete(s.jobs, id)
		n++
	}
	return n, nil
}

func (s *Store) ReclaimStuck(ctx context.Context, queueName string, startedBefore time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.jobs {
		if e.job.Queue != queueName || e.job.Status != queue.StatusActive {
			continue
		}
		if e.job.StartedAt == nil || !e.job.StartedAt.Before(startedBefore) {
			continue
		}
		e.job.Status = queue.StatusWaiting
		e.job.StartedAt = nil
		n++
	}
	return n, nil
}
