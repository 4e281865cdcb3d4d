// Package model holds the domain entities and state-machine rules for the
// festival sales core: the catalog tree, purchases, payments, refunds,
// vouchers and bank ledger rows. The rules here are pure; persistence and
// locking live in the repository layer.
package model

import "errors"

// ErrInvalidTransition is returned when a purchase or payment state machine
// rejects a change. Handlers should translate this into an HTTP 409
// response.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrOutOfCapacity is returned when the capacity engine cannot satisfy an
// issue request, or when a post-flush check detects concurrent overbooking.
var ErrOutOfCapacity = errors.New("out of capacity")

// ErrExpired is returned when a capacity node, or any of its ancestors, is
// past its expiry.
var ErrExpired = errors.New("expired")

// ErrTransferNotAllowed is returned when a purchase cannot be transferred:
// the product is not transferable, the purchase is not paid for, the
// purchase has been redeemed, or the "from" user does not own it.
var ErrTransferNotAllowed = errors.New("transfer not allowed")

// ErrUpdateConflict is returned when a payment provider's view of a payment
// disagrees with our local state. Maps to HTTP 409 upstream.
var ErrUpdateConflict = errors.New("provider state conflict")

// ErrUpdateUnexpected is returned when a provider reports a state we do not
// model. Maps to HTTP 501 upstream.
var ErrUpdateUnexpected = errors.New("unexpected provider state")

// ErrManualRefundRequired is returned when a refund request cannot be
// processed automatically and needs operator attention.
var ErrManualRefundRequired = errors.New("manual refund required")

// ErrRefundFailed is returned when the payment provider rejects a refund.
var ErrRefundFailed = errors.New("refund failed")

// ErrUnsatisfiable is returned by the scheduler when no feasible assignment
// exists for the given proposals, venues and time windows.
var ErrUnsatisfiable = errors.New("schedule unsatisfiable")

// ErrInvalidWebhookSignature is returned when a webhook body fails its HMAC
// integrity check. Maps to HTTP 400 upstream.
var ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
