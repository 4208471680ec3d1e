package events

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the Sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.logger.Info("enhancement event",
			zap.String("type", string(evt.Type)),
			zap.String("job_id", evt.JobID),
			zap.String("article_id", evt.ArticleID),
			zap.Int("attempt", evt.Attempt),
			zap.String("breaker", evt.Breaker),
			zap.String("to", evt.To),
			zap.String("error", evt.Error),
		)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error {
	return nil
}

// Publisher delivers one payload to a topic and returns the message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PublisherSink forwards events to a message bus, one message per event.
type PublisherSink struct {
	publisher Publisher
	topic     string
	closer    func() error
}

// NewPublisherSink publishes to topic. closer, when set, runs on Close.
func NewPublisherSink(publisher Publisher, topic string, closer func() error) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic, closer: closer}
}

// Consume publishes every event and joins the failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []Event) error {
	var errs []error
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Type, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the underlying publisher.
func (s *PublisherSink) Close(context.Context) error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
