package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectDispatch   = "tasks.dispatch"
	SubjectWebhookDLQ = "webhooks.dlq"
)

type Config struct {
	NATSURL      string
	StreamName   string
	ConsumerName string
	AckWait      time.Duration
	MaxDeliver   int
}

type Queue struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg Config
}

// TaskMessage tells a worker which task to execute. The record itself stays
// in the store; the message carries only the id.
type TaskMessage struct {
	TaskID string `json:"task_id"`
	Type   string `json:"task_type"`
}

// WebhookDeadLetter is published when a webhook delivery exhausts its retry
// budget, so operators can inspect or replay it. The task's own status is
// never touched by delivery outcome.
type WebhookDeadLetter struct {
	TaskID      string          `json:"task_id"`
	ProjectID   string          `json:"project_id"`
	CallbackURL string          `json:"callback_url"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error"`
	Payload     json.RawMessage `json:"payload"`
	FailedAt    time.Time       `json:"failed_at"`
}

func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = 5
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	q := &Queue{nc: nc, js: js, cfg: cfg}
	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() {
	if q.nc != nil {
		q.nc.Close()
	}
}

func (q *Queue) ensureStream(ctx context.Context) error {
	desired := []string{SubjectDispatch, SubjectWebhookDLQ}

	// If stream exists: merge subjects safely and update only if needed.
	if info, err := q.js.StreamInfo(q.cfg.StreamName); err == nil && info != nil {
		existing := info.Config.Subjects
		merged, changed := mergeSubjects(existing, desired)
		if !changed {
			return nil
		}

		sc := info.Config
		sc.Subjects = merged
		sc.Name = q.cfg.StreamName

		if _, err := q.js.UpdateStream(&sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		return nil
	}

	sc := &nats.StreamConfig{
		Name:      q.cfg.StreamName,
		Subjects:  desired,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	}
	if _, err := q.js.AddStream(sc); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

func mergeSubjects(existing, desired []string) ([]string, bool) {
	set := make(map[string]struct{}, len(existing)+len(desired))
	out := make([]string, 0, len(existing)+len(desired))

	// keep existing order
	for _, s := range existing {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}

	changed := false
	for _, s := range desired {
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
		changed = true
	}

	return out, changed
}

func (q *Queue) PublishTask(ctx context.Context, msg TaskMessage, hdr nats.Header) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m := &nats.Msg{Subject: SubjectDispatch, Data: b, Header: hdr}
	_, err = q.js.PublishMsg(m)
	return err
}

func (q *Queue) PublishWebhookDeadLetter(ctx context.Context, msg WebhookDeadLetter) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = q.js.Publish(SubjectWebhookDLQ, b)
	return err
}

func (q *Queue) JetStream() nats.JetStreamContext {
	return q.js
}
