package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dedezza1D/taskpulse/internal/config"
	"github.com/dedezza1D/taskpulse/internal/lifecycle"
	"github.com/dedezza1D/taskpulse/internal/logging"
	"github.com/dedezza1D/taskpulse/internal/observability"
	"github.com/dedezza1D/taskpulse/internal/queue"
	"github.com/dedezza1D/taskpulse/internal/store"
	"github.com/dedezza1D/taskpulse/internal/webhook"
	workerpkg "github.com/dedezza1D/taskpulse/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type msgAction int

const (
	actionAck msgAction = iota
	actionRetry
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Env: cfg.Env})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	observability.RegisterMetrics()

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.OTelConfig{
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "taskpulse-worker"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.WorkerMetricsPort)
		logger.Info("worker metrics server starting", zap.String("addr", addr))
		_ = http.ListenAndServe(addr, mux)
	}()

	st, err := store.New(context.Background(), store.Config{
		RedisURL:  cfg.RedisURL,
		TaskTTL:   cfg.TaskTTL,
		OpTimeout: cfg.StoreOpTimeout,
	})
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	q, err := queue.New(context.Background(), queue.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: cfg.NATSConsumerName,
		AckWait:      30 * time.Second,
		MaxDeliver:   cfg.WorkerMaxAttempts,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer q.Close()

	dispatcher := webhook.NewDispatcher(webhook.Config{
		Timeout:     cfg.WebhookTimeout,
		MaxAttempts: cfg.WebhookMaxAttempts,
		BackoffBase: cfg.WebhookBackoffBase,
		Workers:     cfg.WebhookWorkers,
		QueueSize:   cfg.WebhookQueueSize,
	}, st, q, logger)

	coord := lifecycle.New(st, dispatcher, logger)

	sub, err := ensurePullSub(q, cfg, logger)
	if err != nil {
		logger.Fatal("create pull consumer failed", zap.Error(err))
	}

	registry := workerpkg.DefaultHandlers()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	wg := &sync.WaitGroup{}
	sem := make(chan struct{}, cfg.WorkerConcurrency)

	logger.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("poll_timeout", cfg.WorkerPollTimeout),
		zap.Int("max_attempts", cfg.WorkerMaxAttempts),
	)

	go func() {
		<-stop
		logger.Info("shutdown signal received")
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			dispatcher.Close()
			logger.Info("worker stopped")
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(cfg.WorkerPollTimeout))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			logger.Warn("fetch error", zap.Error(err))
			continue
		}

		for _, m := range msgs {
			sem <- struct{}{}
			wg.Add(1)

			go func(m *nats.Msg) {
				defer wg.Done()
				defer func() { <-sem }()

				action, attempt, err := handleMsg(ctx, logger, coord, st, registry, cfg, m)
				if err != nil {
					logger.Error("handle message failed", zap.Error(err))
					_ = m.Nak()
					return
				}

				switch action {
				case actionAck:
					_ = m.Ack()
				case actionRetry:
					delay := computeBackoff(cfg.WorkerBackoffBase, cfg.WorkerBackoffMax, attempt)
					time.Sleep(delay)
					_ = m.Nak()
				default:
					_ = m.Ack()
				}
			}(m)
		}
	}
}

func ensurePullSub(q *queue.Queue, cfg *config.Config, logger *zap.Logger) (*nats.Subscription, error) {
	js := q.JetStream()

	sub, err := js.PullSubscribe(queue.SubjectDispatch, cfg.NATSConsumerName,
		nats.BindStream(cfg.NATSStreamName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("pull subscription ready",
		zap.String("stream", cfg.NATSStreamName),
		zap.String("consumer", cfg.NATSConsumerName),
	)
	return sub, nil
}

func handleMsg(
	ctx context.Context,
	logger *zap.Logger,
	coord *lifecycle.Coordinator,
	st *store.Store,
	registry *workerpkg.Registry,
	cfg *config.Config,
	m *nats.Msg,
) (msgAction, int, error) {
	// Extract trace context from NATS headers (if present)
	if m.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, observability.NATSHeaderCarrier{H: m.Header})
	}
	tr := otel.Tracer("taskpulse/worker")
	ctx, span := tr.Start(ctx, "taskpulse.handle_msg")
	defer span.End()

	// Attempt number from JetStream delivery count
	attempt := 1
	if md, err := m.Metadata(); err == nil && md != nil && md.NumDelivered > 0 {
		attempt = int(md.NumDelivered)
	}

	var tm queue.TaskMessage
	if err := json.Unmarshal(m.Data, &tm); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad_message")
		return actionAck, attempt, err
	}

	span.SetAttributes(
		attribute.String("messaging.subject", m.Subject),
		attribute.String("task.id", tm.TaskID),
		attribute.String("task.type", tm.Type),
		attribute.Int("task.attempt", attempt),
	)

	task, err := st.GetTask(ctx, tm.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// expired or never stored; nothing to execute
			return actionAck, attempt, nil
		}
		return actionRetry, attempt, err
	}

	// Terminal tasks should not be retried
	if task.Status.IsTerminal() {
		return actionAck, attempt, nil
	}

	// Claim first (prevents duplicate side effects). A cancelled task
	// surfaces here as an invalid transition and gets acked as a no-op.
	task, err = coord.MarkProcessing(ctx, tm.TaskID)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
			return actionAck, attempt, nil
		default:
			return actionRetry, attempt, err
		}
	}

	h, ok := registry.Get(task.Type)
	if !ok {
		return failTask(ctx, logger, coord, task, attempt,
			fmt.Errorf("no handler registered for type %q", task.Type))
	}

	start := time.Now()
	result, runErr := h(ctx, task)
	observability.TaskDuration.WithLabelValues(task.Type).Observe(time.Since(start).Seconds())

	if runErr == nil {
		if _, err := coord.Complete(ctx, task.TaskID, result); err != nil {
			if errors.Is(err, lifecycle.ErrInvalidTransition) {
				// duplicate completion report; already terminal
				return actionAck, attempt, nil
			}
			return actionRetry, attempt, err
		}

		logger.Info("task processed",
			zap.String("task_id", task.TaskID),
			zap.Int("attempt", attempt),
			zap.String("type", task.Type),
		)
		return actionAck, attempt, nil
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())

	// Permanent failure or exhausted attempts -> record the failure
	if workerpkg.IsPermanent(runErr) || attempt >= cfg.WorkerMaxAttempts {
		return failTask(ctx, logger, coord, task, attempt, runErr)
	}

	// Transient failure: leave the record processing and let JetStream
	// redeliver; MarkProcessing is idempotent on the next attempt.
	logger.Warn("task failed, will retry",
		zap.String("task_id", task.TaskID),
		zap.Int("attempt", attempt),
		zap.String("type", task.Type),
		zap.String("error", runErr.Error()),
	)
	return actionRetry, attempt, nil
}

func failTask(
	ctx context.Context,
	logger *zap.Logger,
	coord *lifecycle.Coordinator,
	task *store.Task,
	attempt int,
	reason error,
) (msgAction, int, error) {
	if _, err := coord.Fail(ctx, task.TaskID, reason.Error()); err != nil {
		if !errors.Is(err, lifecycle.ErrInvalidTransition) && !errors.Is(err, store.ErrNotFound) {
			return actionRetry, attempt, err
		}
	}

	logger.Error("task permanently failed",
		zap.String("task_id", task.TaskID),
		zap.Int("attempt", attempt),
		zap.String("type", task.Type),
		zap.String("error", reason.Error()),
	)
	return actionAck, attempt, nil
}

func computeBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
