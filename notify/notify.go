// Package notify delivers change and error events to external sinks.
// Delivery failures are logged and never fail a run.
package notify

import (
	"context"
	"errors"
	"time"

	"go.ntppool.org/common/logger"
)

type Kind string

const (
	KindChanged Kind = "changed"
	KindError   Kind = "error"
)

// Event is what the notifier receives for a server change or a fatal
// error.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Host      string    `json:"host,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	Chosen    string    `json:"chosen,omitempty"`
	Score     float64   `json:"score,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type Config struct {
	Webhook WebhookConfig `yaml:"webhook"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

// New returns the notifier for the configured sinks. Events are always
// logged.
func New(ctx context.Context, cfg Config) (*Multi, error) {
	m := &Multi{}
	m.Add(LogNotifier{})

	if len(cfg.Webhook.URL) > 0 {
		m.Add(NewWebhook(cfg.Webhook))
	}
	if len(cfg.MQTT.Broker) > 0 {
		mq, err := NewMQTT(ctx, cfg.MQTT)
		if err != nil {
			return nil, err
		}
		m.Add(mq)
	}
	return m, nil
}

// LogNotifier writes events to the context logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev Event) error {
	log := logger.FromContext(ctx)
	switch ev.Kind {
	case KindError:
		log.ErrorContext(ctx, "notification", "id", ev.ID, "kind", ev.Kind, "error", ev.Error)
	default:
		log.InfoContext(ctx, "notification", "id", ev.ID, "kind", ev.Kind,
			"previous", ev.Previous, "chosen", ev.Chosen, "score", ev.Score)
	}
	return nil
}

// Multi sends each event to all notifiers.
type Multi struct {
	notifiers []Notifier
}

func (m *Multi) Add(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

func (m *Multi) Notify(ctx context.Context, ev Event) error {
	log := logger.FromContext(ctx)
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			log.WarnContext(ctx, "notification failed", "id", ev.ID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the notifiers holding connections.
func (m *Multi) Close() error {
	var errs []error
	for _, n := range m.notifiers {
		if c, ok := n.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
