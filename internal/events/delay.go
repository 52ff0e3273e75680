package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DelayScheduler implements the reservation scheduler over RabbitMQ: the
// reservation id is published into a delay queue with a per-message TTL and
// dead-letters into the expiry queue once the TTL elapses.
//
// RabbitMQ only expires the message at the head of a queue, so a long TTL
// ahead of a short one delays the short one. Expiry is therefore at-least-
// roughly-on-time here, with the sweep as the precise backstop; the
// idempotent expire transition makes the overlap safe.
type DelayScheduler struct {
	ch *amqp.Channel
}

func NewDelayScheduler(conn *amqp.Connection) (*DelayScheduler, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareExpiryQueues(ch); err != nil {
		return nil, err
	}
	return &DelayScheduler{ch: ch}, nil
}

func (s *DelayScheduler) ScheduleAt(at time.Time, reservationID string) error {
	ttl := time.Until(at)
	if ttl < 0 {
		ttl = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.ch.PublishWithContext(ctx, "", expiryDelayQueue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Expiration:   strconv.FormatInt(ttl.Milliseconds(), 10),
		Body:         []byte(reservationID),
	})
}

func (s *DelayScheduler) Close() error {
	return s.ch.Close()
}
