package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bitcoinstore/inventory-service-go/internal/reservation"
	"github.com/bitcoinstore/inventory-service-go/internal/sequence"
)

// Publisher emits reservation lifecycle events onto the topic exchange.
// Events are best-effort notifications published after commit; the database
// stays authoritative if a publish fails.
type Publisher struct {
	ch                 *amqp.Channel
	seqRepo            *sequence.Repository
	producerIdentifier string
}

type PublisherOptions struct {
	Producer string
}

func NewPublisher(conn *amqp.Connection, seqRepo *sequence.Repository, opts PublisherOptions) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareEventsExchange(ch); err != nil {
		return nil, fmt.Errorf("declare events exchange: %w", err)
	}

	producer := opts.Producer
	if producer == "" {
		producer = serviceName
	}

	return &Publisher{
		ch:                 ch,
		seqRepo:            seqRepo,
		producerIdentifier: producer,
	}, nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

func (p *Publisher) ReservationCreated(ctx context.Context, r reservation.Reservation) error {
	return p.publishLifecycle(ctx, EventNameReservationCreated, reservationSchemaCreated, ReservationCreatedRoutingKey, r)
}

func (p *Publisher) ReservationExpired(ctx context.Context, r reservation.Reservation) error {
	return p.publishLifecycle(ctx, EventNameReservationExpired, reservationSchemaExpired, ReservationExpiredRoutingKey, r)
}

func (p *Publisher) ReservationFulfilled(ctx context.Context, r reservation.Reservation) error {
	return p.publishLifecycle(ctx, EventNameReservationFulfilled, reservationSchemaFulfilled, ReservationFulfilledRoutingKey, r)
}

func (p *Publisher) publishLifecycle(ctx context.Context, name, schema, routingKey string, r reservation.Reservation) error {
	timestamp := time.Now().UTC()
	payload := reservationPayload(r, timestamp)

	seq, err := p.seqRepo.NextSequence(ctx, payload.ReservationID)
	if err != nil {
		return fmt.Errorf("reserve sequence: %w", err)
	}

	env := newReservationEvent(name, schema, seq, p.producerIdentifier, payload, timestamp)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", name, err)
	}

	return p.publishJSON(ctx, routingKey, body)
}

func (p *Publisher) publishJSON(ctx context.Context, routingKey string, body []byte) error {
	return p.ch.PublishWithContext(ctx, EventsExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}
