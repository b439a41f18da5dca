// Package dispatch moves deferred stage work onto an asynq queue and runs
// it on the other side, redeeming the callback token when the work is done.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/stagecoach/internal/stage"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "dispatch")

// TypeDeferred is the asynq task type for deferred stage work.
const TypeDeferred = "stage:deferred"

// Enqueuer is the part of *asynq.Client the dispatcher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var _ Enqueuer = (*asynq.Client)(nil)

// AsynqDispatcher implements stage.WorkDispatcher over asynq.
type AsynqDispatcher struct {
	client   Enqueuer
	queue    string
	maxRetry int
}

var _ stage.WorkDispatcher = (*AsynqDispatcher)(nil)

// NewAsynqDispatcher wraps an enqueuer. queue defaults to "default".
func NewAsynqDispatcher(client Enqueuer, queue string, maxRetry int) *AsynqDispatcher {
	if queue == "" {
		queue = "default"
	}
	return &AsynqDispatcher{client: client, queue: queue, maxRetry: maxRetry}
}

// RedisOpt builds the redis connection option shared by client and server.
func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}

// NewTask encodes a work item as a stage:deferred task.
func NewTask(item stage.WorkItem) (*asynq.Task, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode work item: %w", err)
	}
	return asynq.NewTask(TypeDeferred, payload), nil
}

// Dispatch enqueues the item. The work id doubles as the asynq task id, so
// a repeated dispatch of the same item is rejected by the queue.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, item stage.WorkItem) error {
	task, err := NewTask(item)
	if err != nil {
		return err
	}
	opts := []asynq.Option{asynq.Queue(d.queue), asynq.MaxRetry(d.maxRetry)}
	if item.WorkID != "" {
		opts = append(opts, asynq.TaskID(item.WorkID))
	}

	info, err := d.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		log.WithField("work_id", item.WorkID).Debug("work already enqueued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", item.Work, err)
	}

	log.WithFields(logrus.Fields{
		"job_id":  item.JobID,
		"work":    item.Work,
		"task_id": info.ID,
		"queue":   info.Queue,
	}).Debug("work enqueued")
	return nil
}

// ServerConfig tunes the worker side.
type ServerConfig struct {
	Concurrency int
	Queues      map[string]int
}

// NewServer creates an asynq server that logs task failures via logrus.
func NewServer(opt asynq.RedisClientOpt, cfg ServerConfig) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      cfg.Queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.WithError(err).WithField("type", task.Type()).Error("task failed")
		}),
	})
}

// NewServeMux registers the deferred work handler.
func NewServeMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDeferred, h.ProcessTask)
	return mux
}
