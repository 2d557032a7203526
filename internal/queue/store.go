package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Store-contract errors. Adapters return these (possibly wrapped) so callers
// can branch with errors.Is regardless of backend.
var (
	// ErrJobNotFound is returned by Job when no job matches queue and id.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotActive is returned by Complete and Fail when the job is missing
	// or not in the active state. Terminal states never transition again, so
	// a late terminal write surfaces this instead of silently clobbering.
	ErrNotActive = errors.New("job not active")

	// ErrBadCursor is returned by List when the cursor is not one previously
	// issued by the same adapter.
	ErrBadCursor = errors.New("malformed list cursor")
)

// Stats is a point-in-time census of one queue. Waiting excludes Delayed:
// a waiting job whose AvailableAt is in the future counts only as Delayed.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Filter narrows a List call. Zero value lists everything, newest first.
type Filter struct {
	// Status keeps only jobs in that state when non-empty.
	Status Status
	// Limit caps returned rows; adapters clamp to a backend maximum.
	Limit int
	// Cursor resumes a prior listing from its returned position.
	Cursor string
}

// Store is the persistence contract the queue service runs against.
// Implementations must make Claim atomic: under concurrent callers a given
// job is returned by exactly one Claim across all processes.
//
// Two implementations exist: the Postgres adapter (production) and the
// in-memory adapter (tests, embedded use).
type Store interface {
	// Insert persists one new job exactly as given.
	Insert(ctx context.Context, job *Job) error

	// InsertMany persists jobs preserving slice order.
	InsertMany(ctx context.Context, jobs []*Job) error

	// Claim atomically selects the single best due job in queue — ordered by
	// priority descending, then AvailableAt ascending, then CreatedAt
	// ascending — marks it active with StartedAt = now, and returns it.
	// Returns (nil, nil) when nothing is due.
	Claim(ctx context.Context, queue string, now time.Time) (*Job, error)

	// Complete transitions an active job to completed, recording the
	// processor result, finish time, and execution duration.
	// Returns ErrNotActive if the job is missing or not active.
	Complete(ctx context.Context, id string, result json.RawMessage, finishedAt time.Time, took time.Duration) error

	// Fail transitions an active job to failed, recording the failure
	// reason, finish time, and execution duration.
	// Returns ErrNotActive if the job is missing or not active.
	Fail(ctx context.Context, id string, reason string, finishedAt time.Time, took time.Duration) error

	// Job fetches one job document. Returns ErrJobNotFound when absent.
	Job(ctx context.Context, queue, id string) (*Job, error)

	// List returns jobs in queue matching f, newest first, plus an opaque
	// cursor for the next page ("" when exhausted).
	List(ctx context.Context, queue string, f Filter) ([]*Job, string, error)

	// StatusCounts returns the raw per-status job counts for queue.
	// Waiting here includes delayed jobs; callers subtract CountDelayed.
	StatusCounts(ctx context.Context, queue string) (map[Status]int64, error)

	// CountDelayed counts waiting jobs in queue with AvailableAt after now.
	CountDelayed(ctx context.Context, queue string, now time.Time) (int64, error)

	// Queues returns the distinct queue names present in the store, sorted.
	Queues(ctx context.Context) ([]string, error)

	// DeleteFinishedBefore removes jobs in queue with the given terminal
	// status whose FinishedAt is before cutoff. Returns rows removed.
	DeleteFinishedBefore(ctx context.Context, queue string, st Status, cutoff time.Time) (int64, error)

	// ReclaimStuck returns active jobs in queue whose StartedAt is before
	// startedBefore to waiting (clearing StartedAt) so they can be claimed
	// again. Returns rows reclaimed.
	ReclaimStuck(ctx context.Context, queue string, startedBefore time.Time) (int64, error)
}
