package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/shakilkhan1801/dispatchq/internal/queue"
)

// registerQueueRoutes wires up the admin endpoints on the huma API.
//
//	GET  /queues                        — stats for every queue in the store
//	GET  /queues/{queue}                — one queue's stats
//	POST /queues/{queue}/jobs           — enqueue one payload or a batch
//	GET  /queues/{queue}/jobs           — paginated job listing
//	GET  /queues/{queue}/jobs/{job_id}  — single job document
//	POST /queues/{queue}/clean          — delete old terminal jobs
//	POST /queues/{queue}/reclaim        — re-queue stuck active jobs
func registerQueueRoutes(api huma.API, svc *queue.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queues",
		Method:      http.MethodGet,
		Path:        "/queues",
		Summary:     "List queue stats",
		Description: "Returns per-status job counts for every queue present in the store.",
		Tags:        []string{"Queues"},
	}, listQueuesHandler(svc))

	huma.Register(api, huma.Operation{
		OperationID: "get-queue-stats",
		Method:      http.MethodGet,
		Path:        "/queues/{queue}",
		Summary:     "Get queue stats",
		Description: "Returns per-status job counts for one queue. Delayed jobs are excluded from waiting.",
		Tags:        []string{"Queues"},
	}, getQueueStatsHandler(svc))

	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-jobs",
		Method:        http.MethodPost,
		Path:          "/queues/{queue}/jobs",
		Summary:       "Enqueue jobs",
		Description:   "Submits one payload or a batch sharing the same priority, delay, and attempt budget. The queue must be registered by a running daemon.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, enqueueJobsHandler(svc))

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/queues/{queue}/jobs",
		Summary:     "List jobs",
		Description: "Paginated job listing for one queue, newest first, with optional status filter.",
		Tags:        []string{"Jobs"},
	}, listJobsHandler(svc))

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/queues/{queue}/jobs/{job_id}",
		Summary:     "Get job",
		Description: "Returns the full job document including result or failure reason.",
		Tags:        []string{"Jobs"},
	}, getJobHandler(svc))

	huma.Register(api, huma.Operation{
		OperationID: "clean-queue",
		Method:      http.MethodPost,
		Path:        "/queues/{queue}/clean",
		Summary:     "Clean finished jobs",
		Description: "Deletes terminal jobs that finished longer than the grace period ago.",
		Tags:        []string{"Maintenance"},
	}, cleanQueueHandler(svc))

	huma.Register(api, huma.Operation{
		OperationID: "reclaim-queue",
		Method:      http.MethodPost,
		Path:        "/queues/{queue}/reclaim",
		Summary:     "Reclaim stuck jobs",
		Description: "Returns active jobs started longer than the threshold ago to waiting. Use after a worker crash.",
		Tags:        []string{"Maintenance"},
	}, reclaimQueueHandler(svc))
}

// mapServiceError translates queue sentinel errors into HTTP status errors.
// Anything unrecognized passes through and surfaces as a 500.
func mapServiceError(err error) error {
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		return huma.Error404NotFound("job not found", err)
	case errors.Is(err, queue.ErrQueueNotRegistered):
		return huma.Error404NotFound("queue not registered", err)
	case errors.Is(err, queue.ErrInvalidQueue),
		errors.Is(err, queue.ErrInvalidDelay),
		errors.Is(err, queue.ErrInvalidMaxAttempts),
		errors.Is(err, queue.ErrInvalidGrace),
		errors.Is(err, queue.ErrInvalidThreshold),
		errors.Is(err, queue.ErrInvalidStatus),
		errors.Is(err, queue.ErrBadCursor):
		return huma.Error400BadRequest(err.Error(), err)
	case errors.Is(err, queue.ErrClosed):
		return huma.Error503ServiceUnavailable("service shutting down", err)
	}
	return err
}

// ── GET /queues ───────────────────────────────────────────────────────────────

// QueueStatsEntry pairs a queue name with its stats in list responses.
type QueueStatsEntry struct {
	Queue string `json:"queue"`
	queue.Stats
}

// ListQueuesOutput is the response body for GET /queues.
type ListQueuesOutput struct {
	Body *ListQueuesBody
}

// ListQueuesBody is the JSON body of the queue list response.
type ListQueuesBody struct {
	Queues []QueueStatsEntry `json:"queues"`
}

func listQueuesHandler(svc *queue.Service) func(context.Context, *struct{}) (*ListQueuesOutput, error) {
	return func(ctx context.Context, _ *struct{}) (*ListQueuesOutput, error) {
		all, err := svc.GetAllQueueStats(ctx)
		if err != nil {
			return nil, mapServiceError(err)
		}
		entries := make([]QueueStatsEntry, 0, len(all))
		for name, st := range all {
			entries = append(entries, QueueStatsEntry{Queue: name, Stats: st})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Queue < entries[j].Queue })
		return &ListQueuesOutput{Body: &ListQueuesBody{Queues: entries}}, nil
	}
}

// ── GET /queues/{queue} ───────────────────────────────────────────────────────

// GetQueueStatsInput defines path parameters for the single-queue stats endpoint.
type GetQueueStatsInput struct {
	Queue string `path:"queue" doc:"Queue name"`
}

// GetQueueStatsOutput is the response for GET /queues/{queue}.
type GetQueueStatsOutput struct {
	Body *QueueStatsEntry
}

func getQueueStatsHandler(svc *queue.Service) func(context.Context, *GetQueueStatsInput) (*GetQueueStatsOutput, error) {
	return func(ctx context.Context, input *GetQueueStatsInput) (*GetQueueStatsOutput, error) {
		st, err := svc.GetQueueStats(ctx, input.Queue)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return &GetQueueStatsOutput{Body: &QueueStatsEntry{Queue: input.Queue, Stats: st}}, nil
	}
}

// ── POST /queues/{queue}/jobs ─────────────────────────────────────────────────

// EnqueueJobsInput is the request for POST /queues/{queue}/jobs. Exactly one
// of payload and payloads must be set; the remaining fields apply to every
// submitted job.
type EnqueueJobsInput struct {
	Queue string `path:"queue" doc:"Queue name"`
	Body  struct {
		Payload     json.RawMessage   `json:"payload,omitempty"  doc:"Single job payload (opaque JSON)"`
		Payloads    []json.RawMessage `json:"payloads,omitempty" doc:"Batch of job payloads (opaque JSON)"`
		Priority    int               `json:"priority,omitempty" doc:"Claim priority; higher runs first"`
		DelayMS     int64             `json:"delay_ms,omitempty"     minimum:"0" doc:"Delay before the job becomes claimable, in milliseconds"`
		MaxAttempts int               `json:"max_attempts,omitempty" minimum:"1" doc:"Recorded attempt budget (execution is one-shot)"`
	}
}

// EnqueueJobsOutput is the response for POST /queues/{queue}/jobs.
type EnqueueJobsOutput struct {
	Body struct {
		IDs []string `json:"ids" doc:"Job IDs, in submission order"`
	}
}

func enqueueJobsHandler(svc *queue.Service) func(context.Context, *EnqueueJobsInput) (*EnqueueJobsOutput, error) {
	return func(ctx context.Context, input *EnqueueJobsInput) (*EnqueueJobsOutput, error) {
		b := input.Body
		if (b.Payload == nil) == (b.Payloads == nil) {
			return nil, huma.Error400BadRequest("exactly one of payload and payloads is required", nil)
		}

		var opts []queue.Option
		if b.Priority != 0 {
			opts = append(opts, queue.WithPriority(b.Priority))
		}
		if b.DelayMS != 0 {
			opts = append(opts, queue.WithDelay(time.Duration(b.DelayMS)*time.Millisecond))
		}
		if b.MaxAttempts != 0 {
			opts = append(opts, queue.WithMaxAttempts(b.MaxAttempts))
		}

		out := &EnqueueJobsOutput{}
		if b.Payload != nil {
			id, err := svc.Enqueue(ctx, input.Queue, b.Payload, opts...)
			if err != nil {
				return nil, mapServiceError(err)
			}
			out.Body.IDs = []string{id}
			return out, nil
		}
		ids, err := svc.EnqueueMany(ctx, input.Queue, b.Payloads, opts...)
		if err != nil {
			return nil, mapServiceError(err)
		}
		out.Body.IDs = ids
		return out, nil
	}
}

// ── GET /queues/{queue}/jobs ──────────────────────────────────────────────────

// jobDoc is the wire form of one job document. Layout tracks queue.Job; the
// execution duration is exposed as integer milliseconds.
type jobDoc struct {
	ID            string          `json:"id" doc:"Job ID"`
	Queue         string          `json:"queue" doc:"Queue name"`
	Payload       json.RawMessage `json:"payload,omitempty" doc:"Producer-supplied payload"`
	Status        queue.Status    `json:"status" enum:"waiting,active,completed,failed" doc:"Lifecycle state"`
	Priority      int             `json:"priority" doc:"Claim priority; higher runs first"`
	MaxAttempts   int             `json:"max_attempts" doc:"Recorded attempt budget (execution is one-shot)"`
	CreatedAt     time.Time       `json:"created_at" doc:"Submission time"`
	AvailableAt   time.Time       `json:"available_at" doc:"Earliest claimable time"`
	StartedAt     *time.Time      `json:"started_at,omitempty" doc:"Claim time"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty" doc:"Terminal transition time"`
	ReturnValue   json.RawMessage `json:"return_value,omitempty" doc:"Processor result on success"`
	FailureReason string          `json:"failure_reason,omitempty" doc:"Error text on failure"`
	DurationMS    int64           `json:"duration_ms" doc:"Execution wall time in milliseconds"`
}

func toJobDoc(j *queue.Job) *jobDoc {
	return &jobDoc{
		ID:            j.ID,
		Queue:         j.Queue,
		Payload:       j.Payload,
		Status:        j.Status,
		Priority:      j.Priority,
		MaxAttempts:   j.MaxAttempts,
		CreatedAt:     j.CreatedAt,
		AvailableAt:   j.AvailableAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
		ReturnValue:   j.ReturnValue,
		FailureReason: j.FailureReason,
		DurationMS:    j.Duration.Milliseconds(),
	}
}

// ListJobsInput defines parameters for the paginated job listing.
type ListJobsInput struct {
	Queue  string `path:"queue" doc:"Queue name"`
	Status string `query:"status" enum:"waiting,active,completed,failed" doc:"Filter by job status"`
	Cursor string `query:"cursor" doc:"Opaque pagination cursor returned in the previous response"`
	Limit  int    `query:"limit" minimum:"1" maximum:"200" default:"50" doc:"Page size (max 200)"`
}

// ListJobsOutput is the response body for GET /queues/{queue}/jobs.
type ListJobsOutput struct {
	Body *ListJobsBody
}

// ListJobsBody is the JSON body of the job list response.
type ListJobsBody struct {
	Jobs       []*jobDoc `json:"jobs"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

func listJobsHandler(svc *queue.Service) func(context.Context, *ListJobsInput) (*ListJobsOutput, error) {
	return func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		jobs, next, err := svc.ListJobs(ctx, input.Queue, queue.Filter{
			Status: queue.Status(input.Status),
			Limit:  input.Limit,
			Cursor: input.Cursor,
		})
		if err != nil {
			return nil, mapServiceError(err)
		}
		docs := make([]*jobDoc, len(jobs)) // never null in JSON, even when empty
		for i, j := range jobs {
			docs[i] = toJobDoc(j)
		}
		return &ListJobsOutput{Body: &ListJobsBody{Jobs: docs, NextCursor: next}}, nil
	}
}

// ── GET /queues/{queue}/jobs/{job_id} ─────────────────────────────────────────

// GetJobInput defines path parameters for the single-job endpoint.
type GetJobInput struct {
	Queue string `path:"queue" doc:"Queue name"`
	JobID string `path:"job_id" doc:"Job ID"`
}

// GetJobOutput is the response for GET /queues/{queue}/jobs/{job_id}.
type GetJobOutput struct {
	Body *jobDoc
}

func getJobHandler(svc *queue.Service) func(context.Context, *GetJobInput) (*GetJobOutput, error) {
	return func(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
		job, err := svc.GetJob(ctx, input.Queue, input.JobID)
		if err != nil {
			return nil, mapServiceError(err)
		}
		return &GetJobOutput{Body: toJobDoc(job)}, nil
	}
}

// ── POST /queues/{queue}/clean ────────────────────────────────────────────────

// CleanQueueInput is the request for POST /queues/{queue}/clean.
type CleanQueueInput struct {
	Queue string `path:"queue" doc:"Queue name"`
	Body  struct {
		Status       string `json:"status,omitempty" enum:"completed,failed" doc:"Terminal status to clean; both when omitted"`
		GraceSeconds int64  `json:"grace_seconds,omitempty" minimum:"0" doc:"Keep jobs that finished within this many seconds"`
	}
}

// CleanQueueOutput is the response for POST /queues/{queue}/clean.
type CleanQueueOutput struct {
	Body struct {
		Removed int64 `json:"removed"`
	}
}

func cleanQueueHandler(svc *queue.Service) func(context.Context, *CleanQueueInput) (*CleanQueueOutput, error) {
	return func(ctx context.Context, input *CleanQueueInput) (*CleanQueueOutput, error) {
		grace := time.Duration(input.Body.GraceSeconds) * time.Second
		var removed int64

		if input.Body.Status == "" || input.Body.Status == string(queue.StatusCompleted) {
			n, err := svc.CleanCompleted(ctx, input.Queue, grace)
			if err != nil {
				return nil, mapServiceError(err)
			}
			removed += n
		}
		if input.Body.Status == "" || input.Body.Status == string(queue.StatusFailed) {
			n, err := svc.CleanFailed(ctx, input.Queue, grace)
			if err != nil {
				return nil, mapServiceError(err)
			}
			removed += n
		}

		out := &CleanQueueOutput{}
		out.Body.Removed = removed
		return out, nil
	}
}

// ── POST /queues/{queue}/reclaim ──────────────────────────────────────────────

// ReclaimQueueInput is the request for POST /queues/{queue}/reclaim.
type ReclaimQueueInput struct {
	Queue string `path:"queue" doc:"Queue name"`
	Body  struct {
		OlderThanSeconds int64 `json:"older_than_seconds" minimum:"1" doc:"Reclaim active jobs started more than this many seconds ago"`
	}
}

// ReclaimQueueOutput is the response for POST /queues/{queue}/reclaim.
type ReclaimQueueOutput struct {
	Body struct {
		Reclaimed int64 `json:"reclaimed"`
	}
}

func reclaimQueueHandler(svc *queue.Service) func(context.Context, *ReclaimQueueInput) (*ReclaimQueueOutput, error) {
	return func(ctx context.Context, input *ReclaimQueueInput) (*ReclaimQueueOutput, error) {
		olderThan := time.Duration(input.Body.OlderThanSeconds) * time.Second
		n, err := svc.ReclaimStuck(ctx, input.Queue, olderThan)
		if err != nil {
			return nil, mapServiceError(err)
		}
		out := &ReclaimQueueOutput{}
		out.Body.Reclaimed = n
		return out, nil
	}
}
