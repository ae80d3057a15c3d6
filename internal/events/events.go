// Package events publishes run lifecycle events to NATS.
//
// Events are published to subjects of the form
//
//	{prefix}.{run_id}.{event_type}
//
// with the JSON-encoded workflow.Progress as payload, so a subscriber can
// follow one run with {prefix}.{run_id}.> or every run with {prefix}.>.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditor/internal/logging"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "auditor.runs"

// Connect dials NATS with reconnect settings suitable for a long-running
// service.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("auditor"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher forwards progress events to NATS. Publish never blocks on the
// network; nats.Conn buffers outgoing messages.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewPublisher creates a publisher. An empty prefix uses DefaultPrefix.
func NewPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published to.
func (p *Publisher) Subject(e workflow.Progress) string {
	return Subject(p.prefix, e.RunID, e.Type)
}

// Publish implements pipeline.Publisher. Failures are logged and dropped.
func (p *Publisher) Publish(e workflow.Progress) {
	if err := p.publish(e); err != nil {
		p.logger.Warn(context.Background(), "publishing run event",
			zap.String("run.id", e.RunID),
			zap.String("event", string(e.Type)),
			zap.Error(err))
	}
}

func (p *Publisher) publish(e workflow.Progress) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Subject builds an event subject.
func Subject(prefix, runID string, t workflow.EventType) string {
	return fmt.Sprintf("%s.%s.%s", prefix, runID, t)
}

// Subscribe delivers every event under prefix to fn until the returned
// subscription is drained. runID narrows delivery to one run when set.
// Messages that do not decode are skipped.
func Subscribe(nc *nats.Conn, prefix, runID string, fn func(workflow.Progress)) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	subject := prefix + ".>"
	if runID != "" {
		subject = fmt.Sprintf("%s.%s.>", prefix, runID)
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var e workflow.Progress
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		fn(e)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub, nil
}
