package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/groupfetch/internal/events"
	"github.com/italolelis/groupfetch/internal/group"
	"github.com/italolelis/groupfetch/internal/logctx"
	"github.com/nats-io/nats.go"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// Connect dials url and returns the connection with a cleanup func that drains it.
func Connect(ctx context.Context, url, name string) (*nats.Conn, func(), error) {
	logger := logctx.LoggerFromContext(ctx)

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.ErrorContext(ctx, "NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.InfoContext(ctx, "NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.InfoContext(ctx, "NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}

			logger.ErrorContext(ctx, "NATS async error", "err", err, "subject", subject)
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	cleanup := func() {
		if err := nc.Drain(); err != nil {
			logger.ErrorContext(ctx, "failed to drain NATS connection", "err", err)
		}
	}

	logger.InfoContext(ctx, "NATS client initialized", "url", url, "client_name", name)

	return nc, cleanup, nil
}

// Envelope is the wire format of a published event.
type Envelope struct {
	ID         string       `json:"id"`
	Kind       events.Kind  `json:"kind"`
	GroupKey   string       `json:"group_key"`
	URL        string       `json:"url,omitempty"`
	State      group.State  `json:"state"`
	Downloaded int64        `json:"downloaded"`
	Total      int64        `json:"total"`
	Error      string       `json:"error,omitempty"`
	Group      *group.Group `json:"group,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Publisher forwards events to NATS, one subject per kind: <prefix>.<kind>.
type Publisher struct {
	conn   Conn
	prefix string
}

func NewPublisher(conn Conn, prefix string) *Publisher {
	return &Publisher{conn: conn, prefix: prefix}
}

func (p *Publisher) Subject(k events.Kind) string {
	return p.prefix + "." + string(k)
}

// Publish sends e. Progress events carry no group snapshot.
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	env := Envelope{
		ID:         uuid.NewString(),
		Kind:       e.Kind,
		GroupKey:   e.GroupKey,
		URL:        e.URL,
		State:      e.State,
		Downloaded: e.Downloaded,
		Total:      e.Total,
		Group:      e.Group,
		OccurredAt: e.Time,
	}

	if e.Err != nil {
		env.Error = e.Err.Error()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := p.Subject(e.Kind)

	if err := p.conn.Publish(subject, data); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to publish event",
			"err", err, "event_id", env.ID, "kind", e.Kind, "subject", subject)

		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Observe publishes every event kind, group-level and per sub-task.
func (p *Publisher) Observe(d *events.Dispatcher) []events.Handle {
	return d.RegisterAll(events.Filter{AllSubTasks: true}, p.Publish)
}
