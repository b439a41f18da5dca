// ============================================================================
// Stagecoach Pipeline - declared stage graph
// ============================================================================
//
// Package: internal/pipeline
// File: pipeline.go
// Purpose: Stage order is data. A Pipeline declares its ordered stages,
//          their default percentage/status and bus detail type, an optional
//          failure stage, and the order policy the tracker enforces.
//
// Order policy:
//   strict  - next stage must be the current stage (re-report) or index+1
//   forward - any stage at or after the current index
//
// The failure stage is not part of the ordered sequence. It is reachable
// from any non-terminal stage and is itself terminal.
//
// ============================================================================

package pipeline

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/stagecoach/pkg/types"
)

var (
	ErrInvalidPipeline = errors.New("invalid pipeline")
	ErrUnknownPipeline = errors.New("unknown pipeline")
)

// Policy decides which stage transitions are permitted.
type Policy string

const (
	PolicyStrict  Policy = "strict"
	PolicyForward Policy = "forward"
)

// Stage is one named unit of work in a pipeline.
type Stage struct {
	Name       types.StageName `yaml:"name" mapstructure:"name" json:"name"`
	Percentage int             `yaml:"percentage" mapstructure:"percentage" json:"percentage"`
	Status     string          `yaml:"status" mapstructure:"status" json:"status,omitempty"`
	DetailType string          `yaml:"detail_type" mapstructure:"detail_type" json:"detail_type,omitempty"`
	Deferred   bool            `yaml:"deferred" mapstructure:"deferred" json:"deferred,omitempty"` // completed out-of-band via callback token
	Branch     bool            `yaml:"branch" mapstructure:"branch" json:"branch,omitempty"`       // executor chosen by the router
}

// Pipeline is an ordered stage declaration.
type Pipeline struct {
	Name              string          `yaml:"name" mapstructure:"name" json:"name"`
	Policy            Policy          `yaml:"policy" mapstructure:"policy" json:"policy"`
	Stages            []Stage         `yaml:"stages" mapstructure:"stages" json:"stages"`
	FailureStage      types.StageName `yaml:"failure_stage" mapstructure:"failure_stage" json:"failure_stage,omitempty"`
	FailureDetailType string          `yaml:"failure_detail_type" mapstructure:"failure_detail_type" json:"failure_detail_type,omitempty"`
}

// Validate checks the declaration and fills defaults (policy, detail types).
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPipeline)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("%w: %s declares no stages", ErrInvalidPipeline, p.Name)
	}

	switch p.Policy {
	case "":
		p.Policy = PolicyStrict
	case PolicyStrict, PolicyForward:
	default:
		return fmt.Errorf("%w: %s has unknown policy %q", ErrInvalidPipeline, p.Name, p.Policy)
	}

	seen := make(map[types.StageName]bool, len(p.Stages))
	last := 0
	for i := range p.Stages {
		s := &p.Stages[i]
		if s.Name == "" {
			return fmt.Errorf("%w: %s stage %d has no name", ErrInvalidPipeline, p.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: %s declares stage %s twice", ErrInvalidPipeline, p.Name, s.Name)
		}
		seen[s.Name] = true

		if s.Percentage < 0 || s.Percentage > 100 {
			return fmt.Errorf("%w: %s stage %s percentage %d out of range", ErrInvalidPipeline, p.Name, s.Name, s.Percentage)
		}
		// Declared percentages must not regress, otherwise a strict walk
		// through the stages would be rejected by the tracker.
		if s.Percentage < last {
			return fmt.Errorf("%w: %s stage %s percentage %d below previous %d", ErrInvalidPipeline, p.Name, s.Name, s.Percentage, last)
		}
		last = s.Percentage

		if s.DetailType == "" {
			s.DetailType = string(s.Name)
		}
	}

	if p.FailureStage != "" {
		if seen[p.FailureStage] {
			return fmt.Errorf("%w: %s failure stage %s is also a sequence stage", ErrInvalidPipeline, p.Name, p.FailureStage)
		}
		if p.FailureDetailType == "" {
			p.FailureDetailType = string(p.FailureStage)
		}
	}
	return nil
}

// Initial is the only stage at which a job may be implicitly created.
func (p *Pipeline) Initial() Stage { return p.Stages[0] }

// Final is the last declared stage.
func (p *Pipeline) Final() Stage { return p.Stages[len(p.Stages)-1] }

// Position returns the index of a sequence stage. The failure stage is not
// part of the sequence and reports false.
func (p *Pipeline) Position(name types.StageName) (int, bool) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return i, true
		}
	}
	return -1, false
}

// Stage looks up a declared stage, including the failure stage.
func (p *Pipeline) Stage(name types.StageName) (Stage, bool) {
	if i, ok := p.Position(name); ok {
		return p.Stages[i], true
	}
	if p.IsFailure(name) {
		return Stage{Name: p.FailureStage, DetailType: p.FailureDetailType, Status: "failed"}, true
	}
	return Stage{}, false
}

// Has reports whether name is a sequence stage or the failure stage.
func (p *Pipeline) Has(name types.StageName) bool {
	_, ok := p.Stage(name)
	return ok
}

func (p *Pipeline) IsFailure(name types.StageName) bool {
	return p.FailureStage != "" && name == p.FailureStage
}

// IsTerminal reports whether a job at this stage can no longer advance.
func (p *Pipeline) IsTerminal(name types.StageName) bool {
	return name == p.Final().Name || p.IsFailure(name)
}

// Next returns the stage after name, if any.
func (p *Pipeline) Next(name types.StageName) (Stage, bool) {
	i, ok := p.Position(name)
	if !ok || i+1 >= len(p.Stages) {
		return Stage{}, false
	}
	return p.Stages[i+1], true
}

// Allows reports whether the order policy permits moving from -> to.
// Terminal handling is the caller's concern.
func (p *Pipeline) Allows(from, to types.StageName) bool {
	if p.IsFailure(to) {
		return true
	}
	fi, ok := p.Position(from)
	if !ok {
		return false
	}
	ti, ok := p.Position(to)
	if !ok {
		return false
	}
	switch p.Policy {
	case PolicyForward:
		return ti >= fi
	default:
		return ti == fi || ti == fi+1
	}
}
