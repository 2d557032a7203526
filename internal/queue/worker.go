// ABOUTME: Worker loops: per-queue polling goroutines that claim one job at a
// ABOUTME: time, run the processor, and record the terminal transition.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultPollInterval is how long an idle loop sleeps before the next
	// claim attempt.
	DefaultPollInterval = 300 * time.Millisecond

	// DefaultErrorBackoff is how long a loop sleeps after a store error.
	DefaultErrorBackoff = 1 * time.Second

	// MaxConcurrency bounds the polling goroutines per StartWorker call.
	MaxConcurrency = 10
)

// Processor executes one claimed job. It receives a private copy of the job
// document and returns either a JSON-serializable result (recorded as the
// job's return value) or an error (recorded as the failure reason).
// Execution is one-shot: a failed job is never retried automatically.
type Processor func(ctx context.Context, job *Job) (json.RawMessage, error)

// Handle controls one StartWorker registration.
type Handle struct {
	queue    string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Queue returns the queue name this handle polls.
func (h *Handle) Queue() string { return h.queue }

// Stop signals all loops of this registration to halt after their current
// iteration. It never interrupts an in-flight processor call and does not
// wait for loops to exit; use Done for that. Idempotent.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Done is closed once every loop of this registration has exited and the
// queue's processor slot has been released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// StartWorker registers proc as the single processor for queue (registering
// the queue name itself if needed) and launches concurrency polling loops.
// A queue holds at most one processor at a time: a second StartWorker fails
// with ErrProcessorRegistered until the first handle has fully stopped.
//
// Cancelling ctx stops the loops like Handle.Stop does, and additionally
// propagates to in-flight processor calls for deterministic shutdown.
func (s *Service) StartWorker(ctx context.Context, queue string, proc Processor, concurrency int) (*Handle, error) {
	if queue == "" {
		return nil, ErrInvalidQueue
	}
	if proc == nil {
		return nil, ErrNilProcessor
	}
	if concurrency < 1 || concurrency > MaxConcurrency {
		return nil, fmt.Errorf("%w: %d not in 1..%d", ErrInvalidConcurrency, concurrency, MaxConcurrency)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if existing := s.queues[queue]; existing != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", queue, ErrProcessorRegistered)
	}
	h := &Handle{
		queue: queue,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	s.queues[queue] = h
	s.mu.Unlock()

	var loops sync.WaitGroup
	loops.Add(concurrency)
	s.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(n int) {
			defer s.wg.Done()
			defer loops.Done()
			s.runLoop(ctx, h, proc, n)
		}(i)
	}
	go func() {
		loops.Wait()
		s.release(queue, h)
		close(h.done)
	}()

	s.log.Info("worker started", "queue", queue, "concurrency", concurrency)
	return h, nil
}

// release frees the queue's processor slot once h's loops are gone, keeping
// the queue itself registered for producers.
func (s *Service) release(queue string, h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues[queue] == h {
		s.queues[queue] = nil
	}
}

// runLoop is one polling goroutine: claim, execute, repeat. A claim that
// finds nothing sleeps pollInterval; a store error sleeps errorBackoff.
// Neither stops the loop — only ctx or the handle's stop signal do.
func (s *Service) runLoop(ctx context.Context, h *Handle, proc Processor, n int) {
	s.workers.Add(1)
	defer s.workers.Add(-1)
	log := s.log.With("queue", h.queue, "loop", n)
	log.Debug("worker loop started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker loop stopping")
			return
		case <-h.stop:
			log.Debug("worker loop stopping")
			return
		default:
		}

		job, err := s.store.Claim(ctx, h.queue, time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim job", "err", err)
			if !s.waitFor(ctx, h, s.errorBackoff) {
				return
			}
			continue
		}
		if job == nil {
			if !s.waitFor(ctx, h, s.pollInterval) {
				return
			}
			continue
		}
		s.execute(ctx, log, proc, job)
	}
}

// waitFor sleeps d, interruptible by ctx and the stop signal. Reports false
// when the loop should exit instead of continuing.
func (s *Service) waitFor(ctx context.Context, h *Handle, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-h.stop:
		return false
	case <-t.C:
		return true
	}
}

// execute runs proc on the claimed job and records the terminal transition.
func (s *Service) execute(ctx context.Context, log *slog.Logger, proc Processor, job *Job) {
	log.Info("executing job", "job_id", job.ID, "priority", job.Priority)

	start := time.Now()
	result, err := s.runProcessor(ctx, proc, job)
	took := time.Since(start)
	finished := time.Now().UTC()

	// Terminal writes use a detached context: a shutdown racing a finished
	// processor must not strand the job in active.
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		log.Error("job failed", "job_id", job.ID, "took", took, "err", err)
		if ferr := s.store.Fail(wctx, job.ID, err.Error(), finished, took); ferr != nil {
			log.Error("record job failure", "job_id", job.ID, "err", ferr)
		}
		return
	}
	if cerr := s.store.Complete(wctx, job.ID, result, finished, took); cerr != nil {
		log.Error("record job completion", "job_id", job.ID, "err", cerr)
		return
	}
	log.Info("job completed", "job_id", job.ID, "took", took)
}

// runProcessor invokes proc, converting a panic into an ordinary failure so
// one bad job cannot kill the polling loop.
func (s *Service) runProcessor(ctx context.Context, proc Processor, job *Job) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return proc(ctx, job)
}
