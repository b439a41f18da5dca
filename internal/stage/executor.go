// ============================================================================
// Stagecoach Stage Executor contract
// ============================================================================
//
// Package: internal/stage
// File: executor.go
// Purpose: One unit of work for a job. An executor returns either a
//          progress event (completed now) or a deferred handle holding a
//          freshly issued callback token (completed later by redeem).
//
// Rules:
//   - executors never mutate job state; events go to the tracker
//   - re-invoking with the same input yields an equivalent event, so the
//     orchestrator may retry on transport failure
//
// ============================================================================

package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/pipeline"
	"github.com/ChuLiYu/stagecoach/pkg/types"
)

var ErrInvalidOutcome = errors.New("executor must return exactly one of event or deferred handle")

// Input is what an executor runs on.
type Input struct {
	JobID    types.JobID
	Pipeline string
	Stage    pipeline.Stage
	Data     map[string]any
}

// DeferredHandle is returned by a stage that completes out-of-band.
type DeferredHandle struct {
	Token     string
	WorkID    string
	JobID     types.JobID
	Stage     types.StageName
	ExpiresAt int64 // Unix ms
}

// Outcome holds exactly one of Event or Deferred.
type Outcome struct {
	Event    *types.ProgressEvent
	Deferred *DeferredHandle
}

// Validate enforces the one-of shape.
func (o Outcome) Validate() error {
	if (o.Event == nil) == (o.Deferred == nil) {
		return ErrInvalidOutcome
	}
	return nil
}

// Executor runs one stage for one job.
type Executor interface {
	Execute(ctx context.Context, in Input) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in Input) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, in Input) (Outcome, error) { return f(ctx, in) }

// Emit builds an event outcome for the input's job and stage.
func Emit(in Input, status, message string, pct int) Outcome {
	return Outcome{Event: &types.ProgressEvent{
		JobID:      in.JobID,
		Stage:      in.Stage.Name,
		Status:     status,
		Message:    message,
		Percentage: pct,
		EmittedAt:  time.Now().UnixMilli(),
		Pipeline:   in.Pipeline,
	}}
}

// Static completes immediately with the stage's declared status and
// percentage. Message may reference the job with a single %s.
type Static struct {
	Message string
}

func (s Static) Execute(ctx context.Context, in Input) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	msg := s.Message
	if msg == "" {
		msg = "%s reached " + string(in.Stage.Name)
	}
	if strings.Contains(msg, "%s") {
		msg = fmt.Sprintf(msg, in.JobID)
	}
	status := in.Stage.Status
	if status == "" {
		status = string(in.Stage.Name)
	}
	return Emit(in, status, msg, in.Stage.Percentage), nil
}
