package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/payflow/internal/model"
)

// EventPublisher publishes ledger lifecycle events to the SCHEDULES stream.
// It implements ledger.EventPublisher.
type EventPublisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewEventPublisher creates the event publisher and ensures the stream exists.
func NewEventPublisher(js nats.JetStreamContext, logger *zap.Logger) (*EventPublisher, error) {
	_, err := js.StreamInfo(eventStreamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get stream info: %w", err)
		}

		_, err = js.AddStream(&nats.StreamConfig{
			Name:     eventStreamName,
			Subjects: []string{"schedule.*"},
			Storage:  nats.FileStorage,
			MaxAge:   eventStreamMaxAge,
			MaxMsgs:  -1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
		logger.Info("Created schedule event stream", zap.String("name", eventStreamName))
	}

	return &EventPublisher{
		logger: logger.Named("events"),
		js:     js,
	}, nil
}

// ScheduleCreated implements ledger.EventPublisher.
func (p *EventPublisher) ScheduleCreated(event model.ScheduleCreated) {
	p.publish(eventCreatedSubject, event)
}

// ScheduleExecuted implements ledger.EventPublisher.
func (p *EventPublisher) ScheduleExecuted(event model.ScheduleExecuted) {
	p.publish(eventExecutedSubject, event)
}

// ScheduleCompleted implements ledger.EventPublisher.
func (p *EventPublisher) ScheduleCompleted(event model.ScheduleCompleted) {
	p.publish(eventCompletedSubject, event)
}

func (p *EventPublisher) publish(subject string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}

	if _, err := p.js.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// SubscribeEvents subscribes a handler to one of the schedule event
// subjects, for confirmation and indexing consumers.
func SubscribeEvents(ctx context.Context, js nats.JetStreamContext, subject string, handler func(data []byte)) (*nats.Subscription, error) {
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
		msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return sub, nil
}
