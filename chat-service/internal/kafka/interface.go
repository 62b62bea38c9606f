package kafka

import (
	"context"

	"github.com/teachflow/teachflow-live/chat-service/internal/domain"
)

// EventProducer publishes the live-class event stream.
type EventProducer interface {
	Produce(ctx context.Context, evt *domain.StreamEvent) error
	Close() error
}

// NoopProducer discards events; used when kafka.enabled is false.
type NoopProducer struct{}

func (NoopProducer) Produce(context.Context, *domain.StreamEvent) error { return nil }

func (NoopProducer) Close() error { return nil }
