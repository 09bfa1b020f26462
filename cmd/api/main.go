package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dedezza1D/taskpulse/api/httpapi"
	"github.com/dedezza1D/taskpulse/internal/config"
	"github.com/dedezza1D/taskpulse/internal/lifecycle"
	"github.com/dedezza1D/taskpulse/internal/logging"
	"github.com/dedezza1D/taskpulse/internal/observability"
	"github.com/dedezza1D/taskpulse/internal/query"
	"github.com/dedezza1D/taskpulse/internal/queue"
	"github.com/dedezza1D/taskpulse/internal/store"
	"github.com/dedezza1D/taskpulse/internal/webhook"
	"go.uber.org/zap"
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
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "taskpulse-api"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Redis task record store
	st, err := store.New(context.Background(), store.Config{
		RedisURL:  cfg.RedisURL,
		TaskTTL:   cfg.TaskTTL,
		OpTimeout: cfg.StoreOpTimeout,
	})
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	// NATS JetStream transport (task dispatch + webhook dead letters)
	q, err := queue.New(context.Background(), queue.Config{
		NATSURL:      cfg.NATSURL,
		StreamName:   cfg.NATSStreamName,
		ConsumerName: cfg.NATSConsumerName,
		AckWait:      30 * time.Second,
		MaxDeliver:   5,
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
	facade := query.New(st)

	server := httpapi.NewServer(httpapi.Config{Port: cfg.HTTPPort}, logger, st, coord, facade, q)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	// drain in-flight webhook deliveries before closing the transport
	dispatcher.Close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
