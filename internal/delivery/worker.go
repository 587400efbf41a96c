package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
)

// Worker drains queued notifications and hands them to a sender.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	sender interfaces.Notifier
	log    *logrus.Entry
}

// NewWorker builds an asynq server consuming queue with the given concurrency.
func NewWorker(redisAddr, queue string, concurrency int, sender interfaces.Notifier, log *logger.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisAddr)
	if err != nil {
		opt = asynq.RedisClientOpt{Addr: redisAddr}
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	if queue == "" {
		queue = "default"
	}

	w := &Worker{
		mux:    asynq.NewServeMux(),
		sender: sender,
		log:    log.WithComponent("delivery-worker"),
	}
	w.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			w.log.WithError(err).WithField("task_type", task.Type()).Warn("Notification delivery failed")
		}),
	})
	w.mux.HandleFunc(TaskPrefix, w.ProcessTask)
	return w, nil
}

// ProcessTask decodes one queued message and sends it. Malformed payloads are
// not retried.
func (w *Worker) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var msg Message
	if err := json.Unmarshal(task.Payload(), &msg); err != nil {
		return fmt.Errorf("delivery: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if msg.Kind == "" {
		msg.Kind = strings.TrimPrefix(task.Type(), TaskPrefix)
	}
	return w.sender.Send(ctx, msg.Kind, msg.Recipient, msg.Args)
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("asynq: start worker: %w", err)
	}
	w.log.Info("Delivery worker started")
	<-ctx.Done()
	w.server.Shutdown()
	w.log.Info("Delivery worker stopped")
	return nil
}
