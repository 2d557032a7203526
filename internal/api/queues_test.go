// ABOUTME: HTTP-level tests for the admin API over an in-memory store.
// ABOUTME: Covers enqueue, job lookup, listing, stats, clean, and reclaim.
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shakilkhan1801/dispatchq/internal/api"
	"github.com/shakilkhan1801/dispatchq/internal/config"
	"github.com/shakilkhan1801/dispatchq/internal/memstore"
	"github.com/shakilkhan1801/dispatchq/internal/queue"
)

// testServer wires a memstore-backed queue service into an httptest server.
type testServer struct {
	store *memstore.Store
	svc   *queue.Service
	http  *httptest.Server
}

func newTestServer(t *testing.T, cfg *config.Config, queues ...string) *testServer {
	t.Helper()
	st := memstore.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := queue.New(st, queue.Options{Logger: log})
	for _, q := range queues {
		if err := svc.RegisterQueue(q); err != nil {
			t.Fatalf("register %s: %v", q, err)
		}
	}
	apiSrv := api.NewServer(svc, nil, cfg, log)
	t.Cleanup(apiSrv.Close)
	ts := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(svc.Close)
	return &testServer{store: st, svc: svc, http: ts}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestEnqueueAndGetJob(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.Config{}, "notify")

	resp, data := ts.do(t, http.MethodPost, "/api/v1/queues/notify/jobs", map[string]any{
		"payload":  map[string]any{"user": "u1"},
		"priority": 3,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue: status %d, body %s", resp.StatusCode, data)
	}
	var created struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode enqueue response: %v", err)
	}
	if len(created.IDs) != 1 {
		t.Fatalf("ids = %v, want one", created.IDs)
	}

	resp, data = ts.do(t, http.MethodGet, "/api/v1/queues/notify/jobs/"+created.IDs[0], nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job: status %d, body %s", resp.StatusCode, data)
	}
	var job queue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID != created.IDs[0] || job.Status != queue.StatusWaiting || job.Priority != 3 {
		t.Errorf("job = %+v, want waiting priority 3", job)
	}
	if string(job.Payload) != `{"user":"u1"}` {
		t.Errorf("payload = %s", job.Payload)
	}

	// Unknown job and wrong queue both 404.
	if resp, _ := ts.do(t, http.MethodGet, "/api/v1/queues/notify/jobs/"+uuid.New().String(), nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing job: status %d, want 404", resp.StatusCode)
	}
	if resp, _ := ts.do(t, http.MethodGet, "/api/v1/queues/other/jobs/"+created.IDs[0], nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("wrong queue: status %d, want 404", resp.StatusCode)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.Config{}, "notify")

	// Unregistered queue.
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/queues/nope/jobs", map[string]any{
		"payload": map[string]any{},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unregistered queue: status %d, want 404", resp.StatusCode)
	}

	// Both payload and payloads.
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/queues/notify/jobs", map[string]any{
		"payload":  map[string]any{},
		"payloads": []any{map[string]any{}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("payload+payloads: status %d, want 400", resp.StatusCode)
	}

	// Neither.
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/queues/notify/jobs", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no payload: status %d, want 400", resp.StatusCode)
	}

	// Schema violation: negative delay is rejected before the handler runs.
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/queues/notify/jobs", map[string]any{
		"payload":  map[string]any{},
		"delay_ms": -5,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("negative delay: status %d, want 422", resp.StatusCode)
	}
}

func TestEnqueueBatchAndStats(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.Config{}, "notify")

	resp, data := ts.do(t, http.MethodPost, "/api/v1/queues/notify/jobs", map[string]any{
		"payloads": []any{
			map[string]any{"n": 1},
			map[string]any{"n": 2},
			map[string]any{"n": 3},
		},
		"delay_ms": 3_600_000,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("batch enqueue: status %d, body %s", resp.StatusCode, data)
	}
	var created struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(created.IDs) != 3 {
		t.Fatalf("ids = %v, want three", created.IDs)
	}

	resp, data = ts.do(t, http.MethodGet, "/api/v1/queues/notify", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue stats: status %d, body %s", resp.StatusCode, data)
	}
	var stats struct {
		Queue   string `json:"queue"`
		Waiting int64  `json:"waiting"`
		Delayed int64  `json:"delayed"`
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Queue != "notify" {
		t.Errorf("queue = %q", stats.Queue)
	}
	// The hour-long delay keeps all three out of waiting.
	if stats.Waiting != 0 || stats.Delayed != 3 {
		t.Errorf("waiting/delayed = %d/%d, want 0/3", stats.Waiting, stats.Delayed)
	}

	resp, data = ts.do(t, http.MethodGet, "/api/v1/queues", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list queues: status %d", resp.StatusCode)
	}
	var all struct {
		Queues []struct {
			Queue   string `json:"queue"`
			Delayed int64  `json:"delayed"`
		} `json:"queues"`
	}
	if err := json.Unmarshal(data, &all); err != nil {
		t.Fatalf("decode queue list: %v", err)
	}
	if len(all.Queues) != 1 || all.Queues[0].Queue != "notify" || all.Queues[0].Delayed != 3 {
		t.Errorf("queue list = %+v", all.Queues)
	}
}

func TestListJobsEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.Config{}, "notify")

	for i := 0; i < 5; i++ {
		resp, data := ts.do(t, http.MethodPost, "/api/v1/queues/notify/jobs", map[string]any{
			"payload": map[string]any{"n": i},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("enqueue %d: status %d, body %s", i, resp.StatusCode, data)
		}
	}

	seen := make(map[string]bool)
	path := "/api/v1/queues/notify/jobs?limit=2"
	for {
		resp, data := ts.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list: status %d, body %s", resp.StatusCode, data)
		}
		var page struct {
			Jobs       []*queue.Job `json:"jobs"`
			NextCursor string       `json:"next_cursor"`
		}
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("decode page: %v", err)
		}
		for _, j := range page.Jobs {
			if seen[j.ID] {
				t.Fatalf("job %s returned twice", j.ID)
			}
			seen[j.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		path = "/api/v1/queues/notify/jobs?limit=2&cursor=" + page.NextCursor
	}
	if len(seen) != 5 {
		t.Errorf("paged over %d jobs, want 5", len(seen))
	}

	// Status filter with no matches returns an empty array, not null.
	resp, data := ts.do(t, http.MethodGet, "/api/v1/queues/notify/jobs?status=failed", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filtered list: status %d", resp.StatusCode)
	}
	if !bytes.Contains(data, []byte(`"jobs":[]`)) {
		t.Errorf("empty listing body = %s, want jobs:[]", data)
	}

	// Malformed cursor is a client error.
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/queues/notify/jobs?cursor=%21%21%21", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad cursor: status %d, want 400", resp.StatusCode)
	}
}

func TestCleanEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.Config{}, "notify")

	// Seed terminal jobs directly: one finished two hours ago per status,
	// one fresh completed job that must survive the sweep.
	old := time.Now().UTC().Add(-2 * time.Hour)
	now := time.Now().UTC()
	terminal := func(st queue.Status, finished time.Time) *queue.Job {
		f := finished
		return &queue.Job{
			ID:          uuid.New().String(),
			Queue:       "notify",
			Status:      st,
			MaxAttempts: 1,
			CreatedAt:   finished.Add(-time.Minute),
			AvailableAt: finished.Add(-time.Minute),
			FinishedAt:  &f,
		}
	}
	for _, j := range []*queue.Job{
		terminal(queue.StatusCompleted, old),
		terminal(queue.StatusFailed, old),
		terminal(queue.StatusCompleted, now),
	} {
		if err := ts.store.Insert(context.Background(), j); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	resp, data := ts.do(t, http.MethodPost, "/api/v1/queues/notify/clean", map[string]any{
		"grace_seconds": 3600,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clean: status %d, body %s", resp.StatusCode, data)
	}
	var out struct {
		Removed int64 `json:"removed"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Removed != 2 {
		t.Errorf("removed = %d, want 2 (old completed + old failed)", out.Removed)
	}

	// The fresh job survived.
	resp, data = ts.do(t, http.MethodGet, "/api/v1/queues/notify", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: status %d", resp.StatusCode)
	}
	var stats struct {
		Completed int64 `json:"completed"`
		Failed    int64 `json:"failed"`
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("completed/failed = %d/%d, want 1/0", stats.Completed, stats.Failed)
	}
}

func TestReclaimEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.Config{}, "notify")

	started := time.Now().UTC().Add(-10 * time.Minute)
	stuck := &queue.Job{
		ID:          uuid.New().String(),
		Queue:       "notify",
		Status:      queue.StatusActive,
		MaxAttempts: 1,
		CreatedAt:   started.Add(-time.Minute),
		AvailableAt: started.Add(-time.Minute),
		StartedAt:   &started,
	}
	if err := ts.store.Insert(context.Background(), stuck); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, data := ts.do(t, http.MethodPost, "/api/v1/queues/notify/reclaim", map[string]any{
		"older_than_seconds": 300,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reclaim: status %d, body %s", resp.StatusCode, data)
	}
	var out struct {
		Reclaimed int64 `json:"reclaimed"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1", out.Reclaimed)
	}

	job, err := ts.svc.GetJob(context.Background(), "notify", stuck.ID)
	if err != nil {
		t.Fatalf("get reclaimed job: %v", err)
	}
	if job.Status != queue.StatusWaiting || job.StartedAt != nil {
		t.Errorf("job = status %s started %v, want waiting/nil", job.Status, job.StartedAt)
	}

	// Zero threshold fails schema validation.
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/queues/notify/reclaim", map[string]any{
		"older_than_seconds": 0,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("zero threshold: status %d, want 422", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.Config{}, "alpha", "beta")

	resp, data := ts.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d, body %s", resp.StatusCode, data)
	}
	var health struct {
		Status string `json:"status"`
		Queues int    `json:"queues"`
	}
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Queues != 2 {
		t.Errorf("health = %+v, want ok with 2 queues", health)
	}

	// A closed service is degraded.
	ts.svc.Close()
	resp, data = ts.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz after close: status %d, body %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded", health.Status)
	}
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.Config{}, "notify")

	resp, _ := ts.do(t, http.MethodGet, "/healthz", nil)
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.Config{}, "notify")

	resp, data := ts.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: status %d", resp.StatusCode)
	}
	if !bytes.Contains(data, []byte("go_goroutines")) {
		t.Error("metrics output missing standard Go collector series")
	}
}

// Ensure the stats JSON contract stays stable for dashboard consumers.
func TestQueueStatsShape(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &config.Config{}, "notify")

	resp, data := ts.do(t, http.MethodGet, "/api/v1/queues/notify", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: status %d", resp.StatusCode)
	}
	for _, field := range []string{"waiting", "active", "completed", "failed", "delayed"} {
		if !bytes.Contains(data, []byte(fmt.Sprintf("%q", field))) {
			t.Errorf("stats body missing %q field: %s", field, data)
		}
	}
}
