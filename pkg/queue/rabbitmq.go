// Package queue carries domain events over RabbitMQ.
package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the topic exchange every lifecycle event goes through; the
// routing key is the event type.
const Exchange = "reports"

func ConnectRabbitMQ(uri string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return conn, ch, nil
}

// DeclareExchange declares the durable topic exchange.
func DeclareExchange(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

// DeclareQueue declares a durable queue bound to the given event types.
func DeclareQueue(ch *amqp.Channel, name string, eventTypes ...string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	for _, t := range eventTypes {
		if err := ch.QueueBind(name, t, Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", name, t, err)
		}
	}
	return nil
}
