package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dedezza1D/taskpulse/internal/store"
	"go.uber.org/zap"
)

type fakeSink struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (f *fakeSink) IncrementMetric(ctx context.Context, name string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[name] += delta
	return f.counts[name], nil
}

func (f *fakeSink) get(name string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

type recordingServer struct {
	mu       sync.Mutex
	times    []time.Time
	bodies   [][]byte
	failures int // respond 500 to the first N requests
	srv      *httptest.Server
}

func newRecordingServer(failures int) *recordingServer {
	rs := &recordingServer{failures: failures}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		rs.mu.Lock()
		rs.times = append(rs.times, time.Now())
		rs.bodies = append(rs.bodies, body)
		n := len(rs.times)
		rs.mu.Unlock()

		if n <= rs.failures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	return rs
}

func (rs *recordingServer) requests() ([]time.Time, [][]byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]time.Time(nil), rs.times...), append([][]byte(nil), rs.bodies...)
}

func terminalTask(status store.TaskStatus, url string) *store.Task {
	now := time.Now().UTC()
	started := now.Add(-3 * time.Second)
	created := now.Add(-5 * time.Second)
	t := &store.Task{
		TaskID:      "t1",
		ProjectID:   "p1",
		Type:        "generate_video",
		Status:      status,
		TaskData:    json.RawMessage(`{"scene":1}`),
		CallbackURL: url,
		Metadata:    json.RawMessage(`{"userId":"u1"}`),
		CreatedAt:   created,
		UpdatedAt:   now,
		StartedAt:   &started,
		CompletedAt: &now,
	}
	if status == store.StatusCompleted {
		t.Result = json.RawMessage(`{"x":1}`)
	} else {
		t.Error = "boom"
	}
	return t
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	rs := newRecordingServer(2)
	defer rs.srv.Close()

	sink := &fakeSink{}
	d := NewDispatcher(Config{
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		Workers:     1,
	}, sink, nil, zap.NewNop())

	d.Notify(terminalTask(store.StatusCompleted, rs.srv.URL))
	d.Close()

	times, _ := rs.requests()
	if len(times) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", len(times))
	}
	if gap := times[1].Sub(times[0]); gap < 500*time.Millisecond {
		t.Fatalf("first backoff too short: %v", gap)
	}
	if gap := times[2].Sub(times[1]); gap < time.Second {
		t.Fatalf("second backoff too short: %v", gap)
	}
	if sink.get(store.MetricRetriedTasks) != 0 {
		t.Fatalf("successful delivery must not count as exhausted")
	}
}

func TestDispatcher_ExhaustsRetries(t *testing.T) {
	rs := newRecordingServer(100)
	defer rs.srv.Close()

	sink := &fakeSink{}
	d := NewDispatcher(Config{
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 10 * time.Millisecond,
		Workers:     1,
	}, sink, nil, zap.NewNop())

	task := terminalTask(store.StatusFailed, rs.srv.URL)
	d.Notify(task)
	d.Close()

	times, _ := rs.requests()
	if len(times) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", len(times))
	}
	if sink.get(store.MetricRetriedTasks) != 1 {
		t.Fatalf("exhaustion must bump retried_tasks once, got %d", sink.get(store.MetricRetriedTasks))
	}
	// delivery outcome never alters the snapshot's terminal status
	if task.Status != store.StatusFailed {
		t.Fatalf("task status changed by dispatch: %q", task.Status)
	}
}

func TestDispatcher_PayloadShape(t *testing.T) {
	rs := newRecordingServer(0)
	defer rs.srv.Close()

	d := NewDispatcher(Config{Workers: 1, MaxAttempts: 1, Timeout: 2 * time.Second}, &fakeSink{}, nil, zap.NewNop())
	d.Notify(terminalTask(store.StatusCompleted, rs.srv.URL))
	d.Close()

	_, bodies := rs.requests()
	if len(bodies) != 1 {
		t.Fatalf("expected 1 request, got %d", len(bodies))
	}

	var p struct {
		TaskID         string         `json:"task_id"`
		ProjectID      string         `json:"project_id"`
		Status         string         `json:"status"`
		Result         map[string]any `json:"result"`
		Error          string         `json:"error"`
		ProcessingTime int64          `json:"processing_time"`
		CompletedAt    string         `json:"completed_at"`
		Metadata       map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(bodies[0], &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if p.TaskID != "t1" || p.ProjectID != "p1" {
		t.Fatalf("wrong identity: %+v", p)
	}
	if p.Status != "completed" {
		t.Fatalf("expected status completed got %q", p.Status)
	}
	if p.Result["x"] != float64(1) {
		t.Fatalf("result lost: %v", p.Result)
	}
	if p.Error != "" {
		t.Fatalf("error must be absent on success, got %q", p.Error)
	}
	if p.ProcessingTime != 3 {
		t.Fatalf("expected processing_time 3 got %d", p.ProcessingTime)
	}
	if _, err := time.Parse(time.RFC3339, p.CompletedAt); err != nil {
		t.Fatalf("completed_at not ISO-8601: %q", p.CompletedAt)
	}
	if p.Metadata["userId"] != "u1" {
		t.Fatalf("metadata pass-through broken: %v", p.Metadata)
	}
}

func TestBuildPayload_Failed(t *testing.T) {
	p := BuildPayload(terminalTask(store.StatusFailed, "http://example/cb"))

	if p.Status != "failed" {
		t.Fatalf("expected failed got %q", p.Status)
	}
	if p.Error != "boom" {
		t.Fatalf("expected error boom got %q", p.Error)
	}
	if p.Result != nil {
		t.Fatalf("result must be absent on failure")
	}
}
