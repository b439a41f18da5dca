package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/stagecoach/internal/tokens"
	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "stage")

// TokenIssuer hands out callback tokens.
type TokenIssuer interface {
	IssueToken(ctx context.Context, req tokens.IssueRequest) (tokens.Issued, error)
}

// WorkItem is deferred work handed to an external worker. The worker
// reports completion by redeeming Token.
type WorkItem struct {
	Token    string          `json:"token"`
	WorkID   string          `json:"work_id"`
	JobID    types.JobID     `json:"job_id"`
	Pipeline string          `json:"pipeline"`
	Stage    types.StageName `json:"stage"`
	Work     string          `json:"work"`
	Input    map[string]any  `json:"input,omitempty"`
}

// WorkDispatcher delivers a work item to whatever runs it.
type WorkDispatcher interface {
	Dispatch(ctx context.Context, item WorkItem) error
}

// Deferring issues a token, dispatches the work and returns immediately.
type Deferring struct {
	Issuer     TokenIssuer
	Dispatcher WorkDispatcher
	Work       string        // processor name; defaults to the stage name
	TTL        time.Duration // token lifetime
}

func (d Deferring) Execute(ctx context.Context, in Input) (Outcome, error) {
	work := d.Work
	if work == "" {
		work = string(in.Stage.Name)
	}

	iss, err := d.Issuer.IssueToken(ctx, tokens.IssueRequest{
		JobID:    in.JobID,
		Pipeline: in.Pipeline,
		Stage:    in.Stage.Name,
		Work:     work,
		TTL:      d.TTL,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("issue token: %w", err)
	}

	item := WorkItem{
		Token:    iss.Token,
		WorkID:   iss.Record.WorkID,
		JobID:    in.JobID,
		Pipeline: in.Pipeline,
		Stage:    in.Stage.Name,
		Work:     work,
		Input:    in.Data,
	}
	if err := d.Dispatcher.Dispatch(ctx, item); err != nil {
		// the token stays pending and will be swept as an orphan
		return Outcome{}, fmt.Errorf("dispatch %s: %w", work, err)
	}

	log.WithFields(logrus.Fields{
		"job_id":  in.JobID,
		"stage":   in.Stage.Name,
		"work":    work,
		"work_id": iss.Record.WorkID,
	}).Debug("stage deferred")

	return Outcome{Deferred: &DeferredHandle{
		Token:     iss.Token,
		WorkID:    iss.Record.WorkID,
		JobID:     in.JobID,
		Stage:     in.Stage.Name,
		ExpiresAt: iss.Record.ExpiresAt,
	}}, nil
}
