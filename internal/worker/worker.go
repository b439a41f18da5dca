package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Worker runs tasks from the shared channel until it is closed.
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{id: id, taskCh: taskCh, resultCh: resultCh}
}

// Run is the worker loop. Every task produces exactly one result.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)
		w.resultCh <- Result{
			JobID:    task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
	}
}

// execute runs one task under its timeout. A panic is turned into an error
// so one bad task cannot take the worker down.
func (w *Worker) execute(task Task) (err error) {
	if task.Run == nil {
		return fmt.Errorf("task %s has nothing to run", task.ID)
	}

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{"worker": w.id, "task": task.ID}).Errorf("task panicked: %v", r)
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Run(ctx)
}
