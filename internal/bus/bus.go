// ============================================================================
// Stagecoach Bus - progress event adapter
// ============================================================================
//
// Package: internal/bus
// File: bus.go
// Purpose: Publish and consume progress events. The core defines only the
//          contract (Envelope); delivery is the transport's business.
//
// Envelope:
//   {source, detail_type, bus, detail: ProgressEvent}
//   detail is always a structured ProgressEvent, never a string to re-parse.
//
// Namespace:
//   <prefix>-<environment>, injected at construction. Environment defaults
//   to "dev"; the recognized values are enumerated in Environments.
//
// ============================================================================

package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/stagecoach/pkg/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "bus")

// DefaultEnvironment is used when no environment is configured.
const DefaultEnvironment = "dev"

// Environments are the recognized deployment tags.
var Environments = []string{"dev", "test", "staging", "prod"}

// ErrPublishFailed marks an event the bus could not deliver. Callers retry
// with the same event content.
var ErrPublishFailed = errors.New("upstream publish failed")

// Envelope is the message carried on the bus.
type Envelope struct {
	Source     string              `json:"source"`
	DetailType string              `json:"detail_type"`
	Bus        string              `json:"bus"`
	Detail     types.ProgressEvent `json:"detail"`
}

// PublishError carries the undelivered envelope so it can be re-sent as-is.
type PublishError struct {
	Envelope Envelope
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: %s for job %s: %v", ErrPublishFailed, e.Envelope.DetailType, e.Envelope.Detail.JobID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

func (e *PublishError) Is(target error) bool { return target == ErrPublishFailed }

// Publisher delivers envelopes.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Handler consumes one delivered envelope.
type Handler func(ctx context.Context, env Envelope) error

// Subscriber registers handlers for every progress event in its namespace.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
}

// Subscription is an active registration.
type Subscription interface {
	Unsubscribe() error
}

// Namespace builds the bus name for a deployment environment.
func Namespace(prefix, env string) string {
	if env == "" {
		env = DefaultEnvironment
	}
	if prefix == "" {
		return env
	}
	return prefix + "-" + env
}

// IsRecognized reports whether env is one of Environments.
func IsRecognized(env string) bool {
	for _, e := range Environments {
		if e == env {
			return true
		}
	}
	return false
}

// Subject is the routing key for an envelope's detail type.
func Subject(namespace, detailType string) string {
	return namespace + ".progress." + detailType
}

// NewEnvelope wraps an event for publishing on a namespace.
func NewEnvelope(namespace, source, detailType string, ev types.ProgressEvent) Envelope {
	return Envelope{Source: source, DetailType: detailType, Bus: namespace, Detail: ev}
}
