package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/esimly/fulfillment-service/internal/store"
	"github.com/esimly/fulfillment-service/pkg/rabbitmq"
	log "github.com/sirupsen/logrus"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// OutboxDispatcher publishes outbox messages to RabbitMQ. The connection is opened lazily and
// dropped after a failed publish so the next flush reconnects.
type OutboxDispatcher struct {
	repo                store.OutboxRepository
	connect             func() (rabbitmq.Publisher, error)
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	producer            rabbitmq.Publisher
}

func NewOutboxDispatcher(repo store.OutboxRepository, rabbitURL string) *OutboxDispatcher {
	return newOutboxDispatcher(repo, func() (rabbitmq.Publisher, error) {
		return rabbitmq.NewEventProducer(rabbitURL)
	})
}

func newOutboxDispatcher(repo store.OutboxRepository, connect func() (rabbitmq.Publisher, error)) *OutboxDispatcher {
	return &OutboxDispatcher{
		repo:                repo,
		connect:             connect,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closeProducer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.flushOnce(ctx); err != nil {
				log.WithError(err).WithField("component", "outbox_dispatcher").Error("Outbox flush error")
			}
		}
	}
}

func (d *OutboxDispatcher) flushOnce(ctx context.Context) error {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return err
	}

	for _, message := range messages {
		logger := log.WithFields(log.Fields{"component": "outbox_dispatcher", "message_id": message.ID, "routing_key": message.RoutingKey})
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			logger.WithError(err).WithField("retry_after_seconds", retryAfter).Warn("Publish failed")
			_ = d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error())
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			logger.WithError(err).Error("Failed to mark outbox message as published")
		}
	}
	return nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.producer == nil {
		producer, err := d.connect()
		if err != nil {
			return err
		}
		d.producer = producer
	}

	var payload json.RawMessage = message.Payload
	if err := d.producer.Publish(ctx, message.Exchange, message.RoutingKey, payload); err != nil {
		d.closeProducer()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closeProducer() {
	if d.producer != nil {
		d.producer.Close()
		d.producer = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
