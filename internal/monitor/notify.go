package monitor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/property-pipeline/internal/ingest"
	"github.com/JakeFAU/property-pipeline/internal/metrics"
)

// Notifier delivers a persisted alert to an outbound channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert ingest.Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("alerts")}
}

// Name implements Notifier.
func (*LogNotifier) Name() string { return "log" }

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, a ingest.Alert) error {
	n.logger.Warn(a.Message,
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("subject", a.Subject),
		zap.String("severity", string(a.Severity)),
		zap.Float64("value", a.Value),
		zap.Float64("threshold", a.Threshold),
	)
	return nil
}

// Poster sends one JSON payload over HTTP.
type Poster interface {
	PostJSON(ctx context.Context, url string, payload any) error
}

// WebhookNotifier posts the alert as JSON.
type WebhookNotifier struct {
	url    string
	poster Poster
}

// NewWebhookNotifier builds a WebhookNotifier.
func NewWebhookNotifier(url string, poster Poster) (*WebhookNotifier, error) {
	if url == "" || poster == nil {
		return nil, errors.New("webhook notifier requires url and poster")
	}
	return &WebhookNotifier{url: url, poster: poster}, nil
}

// Name implements Notifier.
func (*WebhookNotifier) Name() string { return "webhook" }

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, a ingest.Alert) error {
	return n.poster.PostJSON(ctx, n.url, a)
}

// PubSubNotifier publishes the alert to a topic.
type PubSubNotifier struct {
	publisher ingest.Publisher
	topic     string
}

// NewPubSubNotifier builds a PubSubNotifier.
func NewPubSubNotifier(publisher ingest.Publisher, topic string) (*PubSubNotifier, error) {
	if publisher == nil {
		return nil, errors.New("pubsub notifier requires a publisher")
	}
	return &PubSubNotifier{publisher: publisher, topic: topic}, nil
}

// Name implements Notifier.
func (*PubSubNotifier) Name() string { return "pubsub" }

// Notify implements Notifier.
func (n *PubSubNotifier) Notify(ctx context.Context, a ingest.Alert) error {
	if _, err := n.publisher.Publish(ctx, n.topic, a); err != nil {
		return fmt.Errorf("publish alert %s: %w", a.ID, err)
	}
	return nil
}

// Multi fans an alert out to several notifiers. Every notifier is attempted;
// failures are counted per notifier and joined.
type Multi []Notifier

// Name implements Notifier.
func (Multi) Name() string { return "multi" }

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, a ingest.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			metrics.ObserveNotifierFailure(n.Name())
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
