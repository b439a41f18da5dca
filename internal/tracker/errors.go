package tracker

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/stagecoach/pkg/types"
)

var (
	// ErrValidation marks a malformed request, rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidPercentage: percentage outside [0,100].
	ErrInvalidPercentage = fmt.Errorf("%w: percentage must be within [0,100]", ErrValidation)
	// ErrUnknownStage: stage is not declared by the pipeline.
	ErrUnknownStage = fmt.Errorf("%w: stage not declared by pipeline", ErrValidation)
	// ErrOutOfOrderStage: the advance would regress or skip the job's progress.
	ErrOutOfOrderStage = errors.New("out of order stage")
	// ErrUnknownJob: advance on an absent job at a non-initial stage.
	ErrUnknownJob = errors.New("unknown job")
	// ErrNotFound: read on an absent job.
	ErrNotFound = errors.New("job not found")
	// ErrNoFailureStage: Fail on a pipeline without a failure stage.
	ErrNoFailureStage = errors.New("pipeline declares no failure stage")
)

// Reason classifies an out-of-order rejection.
type Reason string

const (
	ReasonUnknownJob           Reason = "unknown_job"
	ReasonPercentageRegression Reason = "percentage_regression"
	ReasonStageRegression      Reason = "stage_regression"
	ReasonStageSkip            Reason = "stage_skip"
	ReasonTerminal             Reason = "terminal"
)

// OutOfOrderError is the anomaly reported when an advance is rejected on
// sequencing grounds. It matches ErrOutOfOrderStage, and ErrUnknownJob when
// the job does not exist.
type OutOfOrderError struct {
	JobID        types.JobID
	Reason       Reason
	Current      types.StageName
	CurrentPct   int
	Attempted    types.StageName
	AttemptedPct int
}

func (e *OutOfOrderError) Error() string {
	if e.Reason == ReasonUnknownJob {
		return fmt.Sprintf("%s: job %s has no progress and %s is not the initial stage",
			ErrUnknownJob, e.JobID, e.Attempted)
	}
	return fmt.Sprintf("%s: job %s at %s (%d%%) cannot move to %s (%d%%): %s",
		ErrOutOfOrderStage, e.JobID, e.Current, e.CurrentPct, e.Attempted, e.AttemptedPct, e.Reason)
}

func (e *OutOfOrderError) Is(target error) bool {
	if target == ErrOutOfOrderStage {
		return true
	}
	return target == ErrUnknownJob && e.Reason == ReasonUnknownJob
}
