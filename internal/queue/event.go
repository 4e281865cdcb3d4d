// Package queue defines message payloads exchanged over the message broker.
package queue

// PaymentPaidEvent is published when a payment settles. It carries
// enough for downstream consumers (badge printing, accounting, mailout)
// to act without querying the primary database.
type PaymentPaidEvent struct {
	PaymentID   int64  `json:"payment_id"`
	UserID      int64  `json:"user_id"`
	Provider    string `json:"provider"`
	Currency    string `json:"currency"`
	AmountCents int64  `json:"amount_cents"`
	OrderNumber string `json:"order_number"`
	Purchases   int    `json:"purchases"`
	PaidAt      string `json:"paid_at"`
}
