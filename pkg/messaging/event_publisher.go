package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"ai-voice-connector/pkg/events"
	"ai-voice-connector/pkg/metrics"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const (
	defaultEventBuffer    = 1024
	defaultPublishTimeout = 2 * time.Second
	eventMessageTTL       = "43200000" // 12h in ms
)

// Publisher is the broker side of the event publisher. AMQPClient implements it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
	PublishToDeadLetterQueue(body []byte, callID, reason string) error
	RoutingKey(topic string) string
}

// EventPublisher forwards dialog events to AMQP. Notify only enqueues; a
// single worker publishes in order.
type EventPublisher struct {
	logger    *logrus.Logger
	publisher Publisher
	timeout   time.Duration

	queue chan events.Event
	done  chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewEventPublisher starts the publish worker. bufferSize <= 0 uses the default.
func NewEventPublisher(logger *logrus.Logger, publisher Publisher, bufferSize int) *EventPublisher {
	if bufferSize <= 0 {
		bufferSize = defaultEventBuffer
	}
	p := &EventPublisher{
		logger:    logger,
		publisher: publisher,
		timeout:   defaultPublishTimeout,
		queue:     make(chan events.Event, bufferSize),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// Notify implements events.Notifier. Events are dropped when the buffer is
// full or the publisher is closed.
func (p *EventPublisher) Notify(_ context.Context, event events.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}
	select {
	case p.queue <- event:
	default:
		metrics.RecordEventPublished("amqp", "dropped")
		p.logger.WithFields(logrus.Fields{
			"event":   event.Event,
			"call_id": event.CallID,
		}).Warn("AMQP event buffer full, dropping event")
	}
}

func (p *EventPublisher) run() {
	defer close(p.done)
	for event := range p.queue {
		p.publish(event)
	}
}

func (p *EventPublisher) publish(event events.Event) {
	logger := p.logger.WithFields(logrus.Fields{
		"event":   event.Event,
		"call_id": event.CallID,
	})

	body, err := json.Marshal(event)
	if err != nil {
		metrics.RecordEventPublished("amqp", "error")
		logger.WithError(err).Error("Failed to marshal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	err = p.publisher.Publish(ctx, p.publisher.RoutingKey(event.Event), amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    event.ID,
		Type:         event.Event,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		Expiration:   eventMessageTTL,
		Headers: amqp.Table{
			"x-call-id": event.CallID,
		},
	})
	if err == nil {
		metrics.RecordEventPublished("amqp", "ok")
		logger.Debug("Published event to AMQP")
		return
	}

	metrics.RecordEventPublished("amqp", "error")
	logger.WithError(err).Warn("Failed to publish event to AMQP")

	if dlqErr := p.publisher.PublishToDeadLetterQueue(body, event.CallID, err.Error()); dlqErr != nil {
		logger.WithError(dlqErr).Debug("Dead letter publish failed")
	}
}

// Close stops accepting events and waits for the queued ones to be
// published or ctx to expire.
func (p *EventPublisher) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.queue)
		p.mu.Unlock()
	})

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
