package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/dedezza1D/taskpulse/internal/lifecycle"
	"github.com/dedezza1D/taskpulse/internal/query"
	"github.com/dedezza1D/taskpulse/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func startTestServer(t *testing.T) (string, *store.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(rdb, store.Config{TaskTTL: 24 * time.Hour})
	t.Cleanup(func() { _ = st.Close() })

	logger := zap.NewNop()
	coord := lifecycle.New(st, nil, logger)
	facade := query.New(st)

	s := NewServer(Config{Port: "0"}, logger, st, coord, facade, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		_ = s.httpServer.Serve(ln)
	}()

	return "http://" + ln.Addr().String(), st
}

func TestHealthEndpoint_Integration(t *testing.T) {
	base, _ := startTestServer(t)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(base + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != "ok" {
		t.Fatalf("expected body 'ok', got %q", string(body))
	}
}

func submitTask(t *testing.T, client *http.Client, base, projectID string) store.Task {
	t.Helper()

	reqBody := fmt.Sprintf(`{"project_id":%q,"task_type":"generate_video","task_data":{"scene":1},"metadata":{"userId":"u1"}}`, projectID)
	resp, err := client.Post(base+"/api/v1/tasks", "application/json", bytes.NewBufferString(reqBody))
	if err != nil {
		t.Fatalf("POST /tasks failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Task store.Task `json:"task"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out.Task
}

func TestTaskSubmitGetCancel_Integration(t *testing.T) {
	base, _ := startTestServer(t)
	client := &http.Client{Timeout: 2 * time.Second}

	task := submitTask(t, client, base, "p1")
	if task.Status != store.StatusQueued {
		t.Fatalf("expected queued got %q", task.Status)
	}

	resp, err := client.Get(base + "/api/v1/tasks/" + task.TaskID)
	if err != nil {
		t.Fatalf("GET task failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/api/v1/tasks/"+task.TaskID, nil)
	resp2, err := client.Do(req)
	if err != nil {
		t.Fatalf("DELETE task failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}

	var cancelled struct {
		Task store.Task `json:"task"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&cancelled); err != nil {
		t.Fatalf("decode cancel response: %v", err)
	}
	if cancelled.Task.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled got %q", cancelled.Task.Status)
	}

	// second cancel hits a terminal task
	req, _ = http.NewRequest(http.MethodDelete, base+"/api/v1/tasks/"+task.TaskID, nil)
	resp3, err := client.Do(req)
	if err != nil {
		t.Fatalf("second DELETE failed: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp3.StatusCode)
	}
}

func TestSubmitValidation_Integration(t *testing.T) {
	base, _ := startTestServer(t)
	client := &http.Client{Timeout: 2 * time.Second}

	cases := []string{
		`{"project_id":"bad id!","task_type":"t","task_data":{}}`,
		`{"project_id":"p1","task_data":{}}`,
		`{"project_id":"p1","task_type":"t"}`,
		`{"project_id":"p1","task_type":"t","task_data":{},"callback_url":"ftp://example"}`,
	}
	for _, body := range cases {
		resp, err := client.Post(base+"/api/v1/tasks", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, resp.StatusCode)
		}
	}
}

func TestProjectTasksAndMetrics_Integration(t *testing.T) {
	base, _ := startTestServer(t)
	client := &http.Client{Timeout: 2 * time.Second}

	submitTask(t, client, base, "p1")
	time.Sleep(5 * time.Millisecond)
	submitTask(t, client, base, "p1")
	submitTask(t, client, base, "p2")

	resp, err := client.Get(base + "/api/v1/projects/p1/tasks")
	if err != nil {
		t.Fatalf("GET project tasks failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var page struct {
		Items  []store.Task `json:"items"`
		Total  int          `json:"total"`
		Limit  int          `json:"limit"`
		Offset int          `json:"offset"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("expected 2 tasks in p1, got total=%d items=%d", page.Total, len(page.Items))
	}
	if !page.Items[0].CreatedAt.After(page.Items[1].CreatedAt) {
		t.Fatalf("expected newest first")
	}

	resp2, err := client.Get(base + "/api/v1/metrics/tasks")
	if err != nil {
		t.Fatalf("GET metrics failed: %v", err)
	}
	defer resp2.Body.Close()

	var metrics struct {
		Metrics map[string]int64 `json:"metrics"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&metrics); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if metrics.Metrics[store.MetricTotalTasks] != 3 {
		t.Fatalf("total_tasks: expected 3 got %d", metrics.Metrics[store.MetricTotalTasks])
	}
}
