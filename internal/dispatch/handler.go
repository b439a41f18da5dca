package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/stage"
	"github.com/ChuLiYu/stagecoach/internal/tokens"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

var ErrUnknownProcessor = errors.New("dispatch: unknown processor")

// Output is what a processor reports back through Redeem. Recognised keys:
// status, message, percentage, error, ok.
type Output map[string]any

// Processor runs one kind of deferred work.
type Processor interface {
	Process(ctx context.Context, item stage.WorkItem) (Output, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, item stage.WorkItem) (Output, error)

func (f ProcessorFunc) Process(ctx context.Context, item stage.WorkItem) (Output, error) {
	return f(ctx, item)
}

// Redeemer completes the callback for a finished work item.
type Redeemer interface {
	Redeem(ctx context.Context, token string, output map[string]any) error
}

// Handler runs work items with named processors and redeems their tokens.
type Handler struct {
	mu         sync.RWMutex
	processors map[string]Processor
	redeemer   Redeemer
}

// NewHandler creates a handler with the built-in processors registered.
func NewHandler(r Redeemer) *Handler {
	h := &Handler{processors: make(map[string]Processor), redeemer: r}
	h.Register("echo", ProcessorFunc(Echo))
	h.Register("sleep", ProcessorFunc(Sleep))
	return h
}

// Register adds or replaces a processor.
func (h *Handler) Register(name string, p Processor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processors[name] = p
}

// Processors lists registered names.
func (h *Handler) Processors() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.processors))
	for n := range h.processors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ProcessTask is the asynq handler for TypeDeferred.
//
// A processor error is retried by asynq until the last attempt, which
// reports the failure through Redeem instead. A token that is already
// settled is logged and skipped.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var item stage.WorkItem
	if err := json.Unmarshal(t.Payload(), &item); err != nil {
		return fmt.Errorf("decode work item: %v: %w", err, asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return h.run(ctx, item, retried >= maxRetry)
}

// Run processes an item outside asynq, reporting failures immediately.
func (h *Handler) Run(ctx context.Context, item stage.WorkItem) error {
	return h.run(ctx, item, true)
}

func (h *Handler) run(ctx context.Context, item stage.WorkItem, lastAttempt bool) error {
	entry := log.WithFields(logrus.Fields{"job_id": item.JobID, "work": item.Work, "work_id": item.WorkID})

	h.mu.RLock()
	p, ok := h.processors[item.Work]
	h.mu.RUnlock()

	var (
		out Output
		err error
	)
	if !ok {
		err = fmt.Errorf("%w: %q", ErrUnknownProcessor, item.Work)
		lastAttempt = true
	} else {
		out, err = p.Process(ctx, item)
	}

	if err != nil {
		if !lastAttempt {
			entry.WithError(err).Warn("work failed, will retry")
			return err
		}
		entry.WithError(err).Error("work failed")
		out = Output{"ok": false, "error": err.Error()}
	}
	if out == nil {
		out = Output{}
	}

	if err := h.redeemer.Redeem(ctx, item.Token, out); err != nil {
		if errors.Is(err, tokens.ErrAlreadyRedeemed) || errors.Is(err, tokens.ErrExpired) || errors.Is(err, tokens.ErrUnknownToken) {
			entry.WithError(err).Warn("callback not accepted")
			return fmt.Errorf("redeem: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("redeem: %w", err)
	}
	entry.Info("work completed")
	return nil
}

// Echo returns the item input as output.
func Echo(_ context.Context, item stage.WorkItem) (Output, error) {
	out := Output{}
	for k, v := range item.Input {
		out[k] = v
	}
	return out, nil
}

// Sleep waits input["sleep_ms"] milliseconds, then echoes.
func Sleep(ctx context.Context, item stage.WorkItem) (Output, error) {
	var ms float64
	switch v := item.Input["sleep_ms"].(type) {
	case float64:
		ms = v
	case int:
		ms = float64(v)
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return Echo(ctx, item)
}

// Local dispatches work to a handler in-process, one goroutine per item.
// Used when no Redis is configured.
type Local struct {
	Handler *Handler
	wg      sync.WaitGroup
}

var _ stage.WorkDispatcher = (*Local)(nil)

func (l *Local) Dispatch(_ context.Context, item stage.WorkItem) error {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.Handler.Run(context.Background(), item); err != nil {
			log.WithError(err).WithField("work_id", item.WorkID).Warn("local work failed")
		}
	}()
	return nil
}

// Wait blocks until every dispatched item has finished.
func (l *Local) Wait() { l.wg.Wait() }
