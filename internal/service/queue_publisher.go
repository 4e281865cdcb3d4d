// Package service holds the outbound integrations the core drives:
// currently the broker publisher for settlement events. Publish errors
// are logged and returned so callers can ignore them without
// interrupting the main flow.
package service

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/fieldworks/festops/internal/model"
	"github.com/fieldworks/festops/internal/queue"
)

const paymentPaidQueue = "payment.paid"

// QueuePublisher publishes domain events to RabbitMQ. Each publish
// dials fresh; settlement is rare enough that connection churn is
// cheaper than managing a long-lived channel through broker restarts.
type QueuePublisher struct {
	url       string
	eventYear int
	log       *logrus.Entry
}

// NewQueuePublisher returns a publisher for the given broker URL.
func NewQueuePublisher(url string, eventYear int) *QueuePublisher {
	return &QueuePublisher{
		url:       url,
		eventYear: eventYear,
		log:       logrus.WithField("component", "queue"),
	}
}

// PublishPaymentPaid publishes a PaymentPaidEvent to the payment.paid
// queue. Messages are persistent and the queue is declared durable.
func (p *QueuePublisher) PublishPaymentPaid(ctx context.Context, payment *model.Payment) error {
	event := queue.PaymentPaidEvent{
		PaymentID:   payment.ID,
		UserID:      payment.UserID,
		Provider:    payment.Provider,
		Currency:    string(payment.Currency),
		AmountCents: int64(payment.Amount),
		OrderNumber: payment.OrderNumber(p.eventYear),
		Purchases:   len(payment.Purchases),
		PaidAt:      time.Now().UTC().Format(time.RFC3339),
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		p.log.WithError(err).Warn("broker dial failed")
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		p.log.WithError(err).Warn("channel open failed")
		return err
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(
		paymentPaidQueue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		p.log.WithError(err).Warn("queue declare failed")
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", paymentPaidQueue, false, false, pub); err != nil {
		p.log.WithError(err).Warn("publish failed")
		return err
	}
	return nil
}
