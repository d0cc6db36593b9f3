package broker

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/correction-pipeline/shared/rabbitmq"
)

// AMQPBinding names the routing key published to and the queue consumed
// from for a route.
type AMQPBinding struct {
	RoutingKey string
	Queue      string
}

// AMQPTransport carries messages over RabbitMQ
type AMQPTransport struct {
	client      *rabbitmq.Client
	bindings    map[Route]AMQPBinding
	consumerTag string
	logger      *slog.Logger
}

// NewAMQPTransport creates an AMQPTransport on an already connected client
func NewAMQPTransport(client *rabbitmq.Client, bindings map[Route]AMQPBinding, consumerTag string, logger *slog.Logger) *AMQPTransport {
	return &AMQPTransport{
		client:      client,
		bindings:    bindings,
		consumerTag: consumerTag,
		logger:      logger.With(slog.String("component", "amqp_transport")),
	}
}

// Publish sends body with the task id as the AMQP correlation id
func (t *AMQPTransport) Publish(ctx context.Context, route Route, correlationID string, body []byte) error {
	b, ok := t.bindings[route]
	if !ok {
		return fmt.Errorf("no binding for route %q", route)
	}
	return t.client.PublishWithRetry(ctx, b.RoutingKey, correlationID, body)
}

// Consume starts a consumer on the route's queue. The returned channel is
// closed when ctx ends or the broker closes the subscription.
func (t *AMQPTransport) Consume(ctx context.Context, route Route) (<-chan Delivery, error) {
	b, ok := t.bindings[route]
	if !ok {
		return nil, fmt.Errorf("no binding for route %q", route)
	}

	source, err := t.client.Consume(b.Queue, fmt.Sprintf("%s-%s", t.consumerTag, route))
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-source:
				if !ok {
					t.logger.Warn("RabbitMQ delivery channel closed", slog.String("queue", b.Queue))
					return
				}
				select {
				case out <- wrapDelivery(d):
				case <-ctx.Done():
					if err := d.Nack(false, true); err != nil {
						t.logger.Error("Failed to NACK message on shutdown", slog.Any("error", err))
					}
					return
				}
			}
		}
	}()
	return out, nil
}

func wrapDelivery(d amqp.Delivery) Delivery {
	return Delivery{
		Body:          d.Body,
		CorrelationID: d.CorrelationId,
		ack:           func() error { return d.Ack(false) },
		nack:          func(requeue bool) error { return d.Nack(false, requeue) },
	}
}
