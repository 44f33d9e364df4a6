package rabbitmq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings binds queueName to every pattern and dispatches each delivery to the
// first pattern that matches its routing key. A handler returning false re-queues the delivery.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	routes := make([]route, 0, len(bindings))
	for pattern, handler := range bindings {
		if handler == nil {
			continue
		}
		routes = append(routes, route{pattern: pattern, handler: handler})
		if err := c.ch.QueueBind(q.Name, pattern, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	logger := log.WithFields(log.Fields{"component": "rabbitmq_consumer", "queue": q.Name})
	go func() {
		for d := range msgs {
			handler := dispatch(routes, d.RoutingKey)
			if handler == nil {
				logger.WithField("routing_key", d.RoutingKey).Warn("No handler for routing key; acknowledging to drop")
				d.Ack(false)
				continue
			}
			if handler(d.Body) {
				d.Ack(false)
			} else {
				logger.WithField("routing_key", d.RoutingKey).Warn("Handler failed; re-queuing")
				d.Nack(false, true)
			}
		}
		logger.Info("Delivery channel closed")
	}()

	return nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

type route struct {
	pattern string
	handler func([]byte) bool
}

func dispatch(routes []route, routingKey string) func([]byte) bool {
	for _, r := range routes {
		if MatchRoutingKey(r.pattern, routingKey) {
			return r.handler
		}
	}
	return nil
}

// MatchRoutingKey applies topic exchange semantics: "*" matches one word, "#" zero or more.
func MatchRoutingKey(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
