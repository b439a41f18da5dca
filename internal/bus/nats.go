package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATS publishes envelopes on <namespace>.progress.<detail_type> and
// subscribes to the whole <namespace>.progress.> tree.
type NATS struct {
	conn      *nats.Conn
	namespace string
}

// DialNATS connects to a NATS server for one namespace.
func DialNATS(url, namespace string, opts ...nats.Option) (*NATS, error) {
	opts = append([]nats.Option{
		nats.Name("stagecoach-" + namespace),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	log.WithFields(logrus.Fields{"url": nc.ConnectedUrl(), "namespace": namespace}).Info("connected to nats")
	return NewNATS(nc, namespace), nil
}

// NewNATS wraps an existing connection.
func NewNATS(nc *nats.Conn, namespace string) *NATS {
	return &NATS{conn: nc, namespace: namespace}
}

func (n *NATS) Publish(ctx context.Context, env Envelope) error {
	if env.Bus == "" {
		env.Bus = n.namespace
	}
	if err := ctx.Err(); err != nil {
		return &PublishError{Envelope: env, Err: err}
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := n.conn.Publish(Subject(n.namespace, env.DetailType), data); err != nil {
		return &PublishError{Envelope: env, Err: err}
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	subject := n.namespace + ".progress.>"
	sub, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		env, err := DecodeEnvelope(msg.Data)
		if err != nil {
			log.WithError(err).WithField("subject", msg.Subject).Warn("dropping malformed envelope")
			return
		}
		if err := h(ctx, env); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"subject": msg.Subject,
				"job_id":  env.Detail.JobID,
			}).Warn("progress handler rejected event")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

// DecodeEnvelope parses a bus message. The detail must be a structured
// progress event carrying a job id.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Detail.JobID == "" {
		return Envelope{}, fmt.Errorf("decode envelope: detail has no job id")
	}
	return env, nil
}
