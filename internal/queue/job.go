// Package queue implements a store-backed job queue with atomic claim
// semantics: jobs are persisted, claimed by polling workers exactly once,
// and executed at most once.
//
// A [Service] ties together a [Store] adapter (Postgres or in-memory), a
// per-queue processor registry, and the polling worker loops started via
// [Service.StartWorker]. Producers enqueue with [Service.Enqueue]; the
// claim path guarantees no job is ever executed by two workers.
package queue

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job. Transitions are strictly
// waiting → active → completed|failed; terminal states never change again.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is one unit of work. Payload and ReturnValue are opaque JSON owned by
// the producer and processor respectively.
//
// A job is "delayed" when Status is waiting and AvailableAt is still in the
// future; delayed is derived, never stored.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	AvailableAt time.Time  `json:"available_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	ReturnValue   json.RawMessage `json:"return_value,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	// Duration is wall-clock execution time, recorded at the terminal
	// transition. Stores persist it as milliseconds.
	Duration time.Duration `json:"duration,omitempty"`
}

// DelayedAt reports whether the job is waiting but not yet due at now.
func (j *Job) DelayedAt(now time.Time) bool {
	return j.Status == StatusWaiting && j.AvailableAt.After(now)
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted state through a returned pointer.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.ReturnValue != nil {
		c.ReturnValue = append(json.RawMessage(nil), j.ReturnValue...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// EnqueueOptions are the per-job knobs applied at enqueue time.
// Zero value: priority 0, no delay, a single attempt.
type EnqueueOptions struct {
	// Priority orders claims; higher values are claimed first.
	Priority int
	// Delay postpones eligibility: AvailableAt = CreatedAt + Delay.
	Delay time.Duration
	// MaxAttempts is recorded on the job but not acted on: execution is
	// one-shot and failed jobs are never retried automatically.
	MaxAttempts int
}

// Option mutates EnqueueOptions.
type Option func(*EnqueueOptions)

// WithPriority sets the claim priority (higher first, default 0).
func WithPriority(p int) Option {
	return func(o *EnqueueOptions) { o.Priority = p }
}

// WithDelay postpones the job's eligibility by d.
func WithDelay(d time.Duration) Option {
	return func(o *EnqueueOptions) { o.Delay = d }
}

// WithMaxAttempts records the requested attempt budget (informational).
func WithMaxAttempts(n int) Option {
	return func(o *EnqueueOptions) { o.MaxAttempts = n }
}
