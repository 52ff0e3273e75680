package events

import (
	"context"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bitcoinstore/inventory-service-go/internal/inventory"
	"github.com/bitcoinstore/inventory-service-go/internal/scheduler"
)

// StartExpirationConsumer drains the expiry queue and funnels every due
// reservation into the idempotent expire transition. Delivery is
// at-least-once; duplicates and reservations already expired by another
// trigger path come back as clean no-ops.
func StartExpirationConsumer(ctx context.Context, conn *amqp.Connection, expire scheduler.ExpireFunc, logger *log.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := declareExpiryQueues(ch); err != nil {
		return err
	}

	deliveries, err := ch.Consume(expiryQueue, serviceName+".expiry", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				handleExpiry(ctx, d, expire, logger)
			}
		}
	}()
	return nil
}

func handleExpiry(ctx context.Context, d amqp.Delivery, expire scheduler.ExpireFunc, logger *log.Logger) {
	id := string(d.Body)
	if id == "" {
		logger.Printf("expiry message with empty body, dropping")
		_ = d.Nack(false, false)
		return
	}

	if err := expire(ctx, id); err != nil {
		if inventory.IsBusinessError(err) {
			// Expected outcome (gone, contended, ...); the sweep retries
			// anything still active.
			_ = d.Ack(false)
			return
		}
		logger.Printf("expire %s from queue: %v", id, err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
