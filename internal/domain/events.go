package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventKind is the canonical meaning of a provider webhook event.
type EventKind string

const (
	EventPaymentPending   EventKind = "payment.pending"
	EventPaymentSucceeded EventKind = "payment.succeeded"
	EventPaymentFailed    EventKind = "payment.failed"
	EventPaymentCancelled EventKind = "payment.cancelled"
	EventCheckoutExpired  EventKind = "checkout.expired"
	EventRefunded         EventKind = "payment.refunded"
)

// TransactionStatus maps an event kind to the status it implies for its transaction.
func (k EventKind) TransactionStatus() TransactionStatus {
	switch k {
	case EventPaymentSucceeded:
		return TransactionSucceeded
	case EventPaymentFailed:
		return TransactionFailed
	case EventPaymentCancelled:
		return TransactionCancelled
	case EventCheckoutExpired:
		return TransactionExpired
	case EventRefunded:
		return TransactionRefunded
	default:
		return TransactionPending
	}
}

// Payer is the customer information a provider reports with a payment.
type Payer struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	ID    string `json:"id,omitempty"`
}

// WebhookEvent is a provider notification normalized to the canonical shape the
// reconciliation engine consumes.
type WebhookEvent struct {
	Provider  Provider
	EventID   string
	EventType string
	Kind      EventKind

	// ExternalIDs identify the payment, most specific first (a capture id before
	// its order id). The last entry is the payment reference shared by every event
	// of the same logical payment. For refunds they identify the refunded payment.
	ExternalIDs []string
	// RefundID is the provider's id of the refund itself.
	RefundID string

	// PaymentLinkID is our link id when the provider echoes it back.
	PaymentLinkID *uuid.UUID
	// LinkRef is the provider-side id of the checkout object (session, order, code).
	LinkRef string

	Amount     decimal.Decimal
	Currency   string
	Payer      Payer
	OccurredAt time.Time
	Metadata   map[string]any
}

// PrimaryID is the most specific external id carried by the event.
func (e WebhookEvent) PrimaryID() string {
	if len(e.ExternalIDs) == 0 {
		return ""
	}
	return e.ExternalIDs[0]
}

// PaymentRef is the loosest external id, shared across the payment's lifecycle.
func (e WebhookEvent) PaymentRef() string {
	if len(e.ExternalIDs) == 0 {
		return ""
	}
	return e.ExternalIDs[len(e.ExternalIDs)-1]
}
