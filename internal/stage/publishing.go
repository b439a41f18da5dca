package stage

import (
	"context"
	"sync"

	"github.com/ChuLiYu/stagecoach/internal/bus"
	"github.com/ChuLiYu/stagecoach/pkg/types"
)

// ErrPublishFailed is the bus delivery failure surfaced by Publishing.
var ErrPublishFailed = bus.ErrPublishFailed

// Publishing pushes every event its inner executor produces onto the bus.
// When delivery fails the event is kept, and the next Execute for the same
// job and stage re-publishes that exact event instead of running the inner
// executor again.
type Publishing struct {
	Next      Executor
	Publisher bus.Publisher
	Namespace string
	Source    string

	mu      sync.Mutex
	pending map[pendingKey]types.ProgressEvent
}

type pendingKey struct {
	job   types.JobID
	stage types.StageName
}

func (p *Publishing) Execute(ctx context.Context, in Input) (Outcome, error) {
	key := pendingKey{job: in.JobID, stage: in.Stage.Name}

	p.mu.Lock()
	ev, retry := p.pending[key]
	p.mu.Unlock()

	var out Outcome
	if retry {
		out = Outcome{Event: &ev}
	} else {
		var err error
		out, err = p.Next.Execute(ctx, in)
		if err != nil || out.Event == nil {
			return out, err
		}
	}

	env := bus.NewEnvelope(p.Namespace, p.Source, in.Stage.DetailType, *out.Event)
	if err := p.Publisher.Publish(ctx, env); err != nil {
		p.mu.Lock()
		if p.pending == nil {
			p.pending = make(map[pendingKey]types.ProgressEvent)
		}
		p.pending[key] = *out.Event
		p.mu.Unlock()
		if _, ok := err.(*bus.PublishError); ok {
			return out, err
		}
		return out, &bus.PublishError{Envelope: env, Err: err}
	}

	if retry {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
	}
	return out, nil
}
