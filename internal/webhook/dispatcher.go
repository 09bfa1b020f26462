package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dedezza1D/taskpulse/internal/observability"
	"github.com/dedezza1D/taskpulse/internal/queue"
	"github.com/dedezza1D/taskpulse/internal/store"
	"go.uber.org/zap"
)

type Config struct {
	Timeout     time.Duration // per-attempt HTTP timeout
	MaxAttempts int           // total attempts, not retries
	BackoffBase time.Duration // 1s base gives 1s, 2s, 4s gaps
	Workers     int
	QueueSize   int
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// Dispatcher delivers terminal task notifications over HTTP with bounded
// retries. Delivery is best-effort by policy: a job's correctness never
// depends on a third party's endpoint being reachable, so nothing here flows
// back into task state.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	metrics MetricSink
	dlq     *queue.Queue // optional; nil disables dead-lettering
	logger  *zap.Logger

	jobs chan *store.Task
	wg   sync.WaitGroup
}

// MetricSink is the slice of the store the dispatcher needs: the shared
// counter hash, nothing else.
type MetricSink interface {
	IncrementMetric(ctx context.Context, name string, delta int64) (int64, error)
}

func NewDispatcher(cfg Config, metrics MetricSink, dlq *queue.Queue, logger *zap.Logger) *Dispatcher {
	cfg.applyDefaults()

	d := &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
		dlq:     dlq,
		logger:  logger,
		jobs:    make(chan *store.Task, cfg.QueueSize),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}
	return d
}

// Notify hands a terminal snapshot to the delivery pool and returns
// immediately. A full queue drops the notification rather than block the
// lifecycle transition that triggered it.
func (d *Dispatcher) Notify(task *store.Task) {
	snapshot := *task

	select {
	case d.jobs <- &snapshot:
	default:
		observability.WebhookQueueDroppedTotal.Inc()
		d.logger.Error("webhook queue full, dropping notification",
			zap.String("task_id", task.TaskID),
			zap.String("callback_url", task.CallbackURL),
		)
	}
}

// Close drains in-flight deliveries. Call on shutdown after the last
// lifecycle transition.
func (d *Dispatcher) Close() {
	close(d.jobs)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for task := range d.jobs {
		d.deliver(context.Background(), task)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task *store.Task) {
	payload := BuildPayload(task)
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("webhook payload marshal failed",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		lastErr = d.post(ctx, task.CallbackURL, body)
		if lastErr == nil {
			observability.WebhookAttemptsTotal.WithLabelValues("ok").Inc()
			observability.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
			d.logger.Info("webhook delivered",
				zap.String("task_id", task.TaskID),
				zap.String("callback_url", task.CallbackURL),
				zap.Int("attempt", attempt),
			)
			return
		}

		observability.WebhookAttemptsTotal.WithLabelValues("error").Inc()
		d.logger.Warn("webhook attempt failed",
			zap.String("task_id", task.TaskID),
			zap.String("callback_url", task.CallbackURL),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt < d.cfg.MaxAttempts {
			// exponential: base, 2*base, 4*base ...
			time.Sleep(d.cfg.BackoffBase << (attempt - 1))
		}
	}

	observability.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	if _, err := d.metrics.IncrementMetric(ctx, store.MetricRetriedTasks, 1); err != nil {
		d.logger.Warn("metric increment failed", zap.Error(err))
	}

	d.logger.Error("webhook delivery exhausted retries",
		zap.String("task_id", task.TaskID),
		zap.String("callback_url", task.CallbackURL),
		zap.Int("attempts", d.cfg.MaxAttempts),
		zap.Error(lastErr),
	)

	d.deadLetter(ctx, task, body, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "taskpulse/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, task *store.Task, payload []byte, cause error) {
	if d.dlq == nil {
		return
	}

	msg := queue.WebhookDeadLetter{
		TaskID:      task.TaskID,
		ProjectID:   task.ProjectID,
		CallbackURL: task.CallbackURL,
		Attempts:    d.cfg.MaxAttempts,
		Error:       cause.Error(),
		Payload:     payload,
		FailedAt:    time.Now().UTC(),
	}
	if err := d.dlq.PublishWebhookDeadLetter(ctx, msg); err != nil {
		d.logger.Error("failed to publish webhook dead letter",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
	}
}
