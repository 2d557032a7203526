package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Service errors. All configuration and registration mistakes surface at
// call time; nothing is silently defaulted or overwritten.
var (
	ErrInvalidQueue        = errors.New("queue name must not be empty")
	ErrQueueNotRegistered  = errors.New("queue not registered")
	ErrProcessorRegistered = errors.New("processor already registered for queue")
	ErrNilProcessor        = errors.New("processor must not be nil")
	ErrInvalidConcurrency  = errors.New("concurrency out of range")
	ErrInvalidDelay        = errors.New("delay must not be negative")
	ErrInvalidMaxAttempts  = errors.New("max attempts must be at least 1")
	ErrInvalidGrace        = errors.New("grace period must not be negative")
	ErrInvalidThreshold    = errors.New("threshold must be positive")
	ErrInvalidStatus       = errors.New("unknown job status")
	ErrClosed              = errors.New("queue service closed")
)

// Options tunes a Service. Zero-value fields fall back to the defaults
// documented on each field.
type Options struct {
	// PollInterval is how long an idle worker loop sleeps between claim
	// attempts. Default 300ms.
	PollInterval time.Duration
	// ErrorBackoff is how long a worker loop sleeps after a store error
	// before retrying. Default 1s.
	ErrorBackoff time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Service is a job queue instance bound to one Store. It owns the queue
// registry (queue name → at most one active processor) and the worker
// loops started through StartWorker. Construct with New; a zero Service
// is not usable.
type Service struct {
	store        Store
	log          *slog.Logger
	pollInterval time.Duration
	errorBackoff time.Duration

	mu     sync.Mutex
	queues map[string]*Handle // key present = registered; non-nil = worker active
	closed bool

	wg      sync.WaitGroup // live worker loops, drained by Close
	workers atomic.Int64
}

// New creates a Service backed by store.
func New(store Store, opts Options) *Service {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:        store,
		log:          opts.Logger,
		pollInterval: opts.PollInterval,
		errorBackoff: opts.ErrorBackoff,
		queues:       make(map[string]*Handle),
	}
}

// RegisterQueue adds name to the registry without attaching a processor,
// so producers can enqueue before any worker exists. Idempotent.
func (s *Service) RegisterQueue(name string) error {
	if name == "" {
		return ErrInvalidQueue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.queues[name]; !ok {
		s.queues[name] = nil
	}
	return nil
}

// Enqueue persists one waiting job on the named queue and returns its ID.
// The queue must have been registered (RegisterQueue or StartWorker).
func (s *Service) Enqueue(ctx context.Context, queue string, payload json.RawMessage, opts ...Option) (string, error) {
	jobs, err := s.buildJobs(queue, []json.RawMessage{payload}, opts)
	if err != nil {
		return "", err
	}
	if err := s.store.Insert(ctx, jobs[0]); err != nil {
		return "", fmt.Errorf("enqueue on %s: %w", queue, err)
	}
	s.log.Debug("job enqueued",
		"queue", queue, "job_id", jobs[0].ID,
		"priority", jobs[0].Priority, "available_at", jobs[0].AvailableAt)
	return jobs[0].ID, nil
}

// EnqueueMany persists a batch of waiting jobs sharing the same options.
// Returned IDs correspond one-to-one, in order, with payloads.
func (s *Service) EnqueueMany(ctx context.Context, queue string, payloads []json.RawMessage, opts ...Option) ([]string, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	jobs, err := s.buildJobs(queue, payloads, opts)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertMany(ctx, jobs); err != nil {
		return nil, fmt.Errorf("enqueue batch on %s: %w", queue, err)
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	s.log.Debug("job batch enqueued", "queue", queue, "count", len(ids))
	return ids, nil
}

// buildJobs validates queue and options, then materializes job documents.
func (s *Service) buildJobs(queue string, payloads []json.RawMessage, opts []Option) ([]*Job, error) {
	if queue == "" {
		return nil, ErrInvalidQueue
	}
	s.mu.Lock()
	_, registered := s.queues[queue]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !registered {
		return nil, fmt.Errorf("%s: %w", queue, ErrQueueNotRegistered)
	}

	o := EnqueueOptions{MaxAttempts: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Delay < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDelay, o.Delay)
	}
	if o.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMaxAttempts, o.MaxAttempts)
	}

	now := time.Now().UTC()
	jobs := make([]*Job, len(payloads))
	for i, p := range payloads {
		jobs[i] = &Job{
			ID:          uuid.New().String(),
			Queue:       queue,
			Payload:     p,
			Status:      StatusWaiting,
			Priority:    o.Priority,
			MaxAttempts: o.MaxAttempts,
			CreatedAt:   now,
			AvailableAt: now.Add(o.Delay),
		}
	}
	return jobs, nil
}

// GetJob fetches one job document by queue and ID.
func (s *Service) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	job, err := s.store.Job(ctx, queue, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs pages through a queue's jobs, newest first. The returned cursor
// resumes the listing; it is "" when the listing is exhausted.
func (s *Service) ListJobs(ctx context.Context, queue string, f Filter) ([]*Job, string, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	jobs, cursor, err := s.store.List(ctx, queue, f)
	if err != nil {
		return nil, "", fmt.Errorf("list jobs on %s: %w", queue, err)
	}
	return jobs, cursor, nil
}

// GetQueueStats returns the per-status census for one queue. Delayed jobs
// (waiting but not yet due) are reported separately and excluded from
// Waiting.
func (s *Service) GetQueueStats(ctx context.Context, queue string) (Stats, error) {
	now := time.Now().UTC()
	counts, err := s.store.StatusCounts(ctx, queue)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats for %s: %w", queue, err)
	}
	delayed, err := s.store.CountDelayed(ctx, queue, now)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats for %s: %w", queue, err)
	}
	// The two reads are not atomic; a delayed enqueue landing between them
	// would otherwise drive Waiting below zero.
	waiting := counts[StatusWaiting] - delayed
	if waiting < 0 {
		waiting = 0
	}
	return Stats{
		Waiting:   waiting,
		Active:    counts[StatusActive],
		Completed: counts[StatusCompleted],
		Failed:    counts[StatusFailed],
		Delayed:   delayed,
	}, nil
}

// GetAllQueueStats returns stats for every queue present in the store, not
// just locally registered ones — other processes may share the same store.
func (s *Service) GetAllQueueStats(ctx context.Context) (map[string]Stats, error) {
	names, err := s.store.Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}

	results := make([]Stats, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, name := range names {
		g.Go(func() error {
			st, err := s.GetQueueStats(gctx, name)
			if err != nil {
				return err
			}
			results[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make(map[string]Stats, len(names))
	for i, name := range names {
		all[name] = results[i]
	}
	return all, nil
}

// Health is a point-in-time snapshot of the service.
type Health struct {
	// Healthy is true for a constructed service that has not been closed.
	Healthy bool `json:"healthy"`
	// Queues is the local registry size.
	Queues int `json:"queues"`
	// Workers is the number of live polling goroutines in this process.
	Workers int `json:"workers"`
	// Stats covers every queue present in the store.
	Stats map[string]Stats `json:"stats"`
}

// HealthCheck reports service liveness plus store-wide queue stats.
func (s *Service) HealthCheck(ctx context.Context) (Health, error) {
	s.mu.Lock()
	closed := s.closed
	registered := len(s.queues)
	s.mu.Unlock()

	stats, err := s.GetAllQueueStats(ctx)
	if err != nil {
		return Health{}, err
	}
	return Health{
		Healthy: !closed,
		Queues:  registered,
		Workers: int(s.workers.Load()),
		Stats:   stats,
	}, nil
}

// CleanCompleted deletes completed jobs that finished more than grace ago.
// Returns the number of jobs removed.
func (s *Service) CleanCompleted(ctx context.Context, queue string, grace time.Duration) (int64, error) {
	return s.clean(ctx, queue, StatusCompleted, grace)
}

// CleanFailed deletes failed jobs that finished more than grace ago.
// Returns the number of jobs removed.
func (s *Service) CleanFailed(ctx context.Context, queue string, grace time.Duration) (int64, error) {
	return s.clean(ctx, queue, StatusFailed, grace)
}

func (s *Service) clean(ctx context.Context, queue string, st Status, grace time.Duration) (int64, error) {
	if grace < 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidGrace, grace)
	}
	cutoff := time.Now().UTC().Add(-grace)
	n, err := s.store.DeleteFinishedBefore(ctx, queue, st, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clean %s jobs on %s: %w", st, queue, err)
	}
	if n > 0 {
		s.log.Info("cleaned jobs", "queue", queue, "status", st, "count", n)
	}
	return n, nil
}

// ReclaimStuck returns active jobs whose execution started more than
// olderThan ago to waiting so they can be claimed again. Use after a
// worker crash left jobs stranded in active; a job genuinely still
// executing within olderThan is never touched.
func (s *Service) ReclaimStuck(ctx context.Context, queue string, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidThreshold, olderThan)
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	n, err := s.store.ReclaimStuck(ctx, queue, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck jobs on %s: %w", queue, err)
	}
	if n > 0 {
		s.log.Info("reclaimed stuck jobs", "queue", queue, "count", n)
	}
	return n, nil
}

// Close stops every worker handle and blocks until all loops have exited.
// In-flight processor calls run to completion first. After Close the
// service rejects new work with ErrClosed.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*Handle, 0, len(s.queues))
	for _, h := range s.queues {
		if h != nil {
			handles = append(handles, h)
		}
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	s.wg.Wait()
	s.log.Info("queue service stopped")
}
