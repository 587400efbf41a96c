// Package delivery hands email/SMS notifications to a backend. The log backend
// writes them to the structured log; the asynq backend queues them on redis and
// a Worker drains the queue with retries.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/metrics"
)

// TaskPrefix prefixes every asynq task type, e.g. "delivery:final_reminder".
const TaskPrefix = "delivery:"

var (
	_ interfaces.Notifier = (*LogNotifier)(nil)
	_ interfaces.Notifier = (*QueueNotifier)(nil)
)

// Message is the queued notification payload.
type Message struct {
	Kind      string                 `json:"kind"`
	Recipient string                 `json:"recipient"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// LogNotifier records each notification in the log instead of sending it.
type LogNotifier struct {
	log     *logrus.Entry
	metrics *metrics.Collector
}

func NewLogNotifier(log *logger.Logger, m *metrics.Collector) *LogNotifier {
	return &LogNotifier{log: log.WithComponent("delivery"), metrics: m}
}

func (n *LogNotifier) Send(ctx context.Context, kind, recipient string, args map[string]interface{}) error {
	if recipient == "" {
		n.metrics.RecordDelivery(kind, "rejected")
		return errors.New("delivery: recipient is required")
	}
	n.log.WithFields(logrus.Fields{
		"kind":      kind,
		"recipient": recipient,
		"args":      args,
	}).Info("Notification delivered")
	n.metrics.RecordDelivery(kind, "sent")
	return nil
}

// QueueNotifier enqueues notifications for asynchronous delivery.
type QueueNotifier struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	log      *logrus.Entry
	metrics  *metrics.Collector
}

// NewQueueNotifier connects an asynq client to the redis address.
func NewQueueNotifier(redisAddr, queue string, maxRetry int, log *logger.Logger, m *metrics.Collector) (*QueueNotifier, error) {
	if redisAddr == "" {
		return nil, errors.New("asynq: redis address is not set")
	}
	opt, err := asynq.ParseRedisURI(redisAddr)
	if err != nil {
		opt = asynq.RedisClientOpt{Addr: redisAddr}
	}
	return &QueueNotifier{
		client:   asynq.NewClient(opt),
		queue:    queue,
		maxRetry: maxRetry,
		log:      log.WithComponent("delivery"),
		metrics:  m,
	}, nil
}

func (n *QueueNotifier) Send(ctx context.Context, kind, recipient string, args map[string]interface{}) error {
	task, err := NewTask(Message{Kind: kind, Recipient: recipient, Args: args})
	if err != nil {
		n.metrics.RecordDelivery(kind, "rejected")
		return err
	}

	opts := []asynq.Option{asynq.MaxRetry(n.maxRetry)}
	if n.queue != "" {
		opts = append(opts, asynq.Queue(n.queue))
	}
	info, err := n.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		n.metrics.RecordDelivery(kind, "enqueue_failed")
		return fmt.Errorf("asynq: enqueue %s: %w", kind, err)
	}
	n.log.WithFields(logrus.Fields{
		"kind":    kind,
		"task_id": info.ID,
		"queue":   info.Queue,
	}).Debug("Notification enqueued")
	n.metrics.RecordDelivery(kind, "enqueued")
	return nil
}

func (n *QueueNotifier) Close() error {
	return n.client.Close()
}

// NewTask encodes msg as an asynq task.
func NewTask(msg Message) (*asynq.Task, error) {
	if msg.Kind == "" {
		return nil, errors.New("delivery: kind is required")
	}
	if msg.Recipient == "" {
		return nil, errors.New("delivery: recipient is required")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("delivery: encode payload: %w", err)
	}
	return asynq.NewTask(TaskPrefix+msg.Kind, payload), nil
}
