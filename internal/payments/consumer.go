package payments

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/esimly/fulfillment-service/internal/domain"
	log "github.com/sirupsen/logrus"
)

// SignalProcessor applies a normalized gateway signal.
type SignalProcessor interface {
	Process(ctx context.Context, signal domain.PaymentSignal) error
}

// SignalConsumer handles normalized `payment.signal.*` messages published by gateway adapters
// that run outside this service.
type SignalConsumer struct {
	processor SignalProcessor
	timeout   time.Duration
}

func NewSignalConsumer(processor SignalProcessor) *SignalConsumer {
	return &SignalConsumer{processor: processor, timeout: 15 * time.Second}
}

// HandleMessage returns false only when the signal should be redelivered.
func (c *SignalConsumer) HandleMessage(body []byte) bool {
	logger := log.WithField("component", "payment_signal_consumer")

	var signal domain.PaymentSignal
	if err := json.Unmarshal(body, &signal); err != nil {
		logger.WithError(err).Warn("Failed to unmarshal payment signal; dropping")
		return true
	}
	if strings.TrimSpace(signal.ReferenceID) == "" {
		logger.WithField("gateway", signal.Gateway).Warn("Payment signal without reference; dropping")
		return true
	}
	if signal.EventType == "" {
		signal.EventType = NormalizeWebhookEvent("", signal.GatewayStatus)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.processor.Process(ctx, signal); err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"gateway":   signal.Gateway,
			"reference": signal.ReferenceID,
		}).Error("Failed to process payment signal")
		return false
	}
	return true
}
