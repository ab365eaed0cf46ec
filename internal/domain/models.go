/**
 * @description
 * Ledger entities: PaymentLinkConfig, PaymentLink and Transaction.
 *
 * @notes
 * - Amounts use shopspring/decimal in major units (10.50 USD, 1000 JPY). Adapters
 *   convert to minor units at the provider boundary.
 * - Tenant ids are opaque strings taken from the authenticated identity.
 * - A Transaction carries no tenant column; its tenant is its PaymentLink's tenant.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentLinkConfig is one tenant's credential profile for one provider.
type PaymentLinkConfig struct {
	ID                   uuid.UUID  `json:"id"`
	TenantID             string     `json:"tenant_id"`
	Provider             Provider   `json:"provider"`
	DisplayName          string     `json:"display_name"`
	EncryptedCredentials []byte     `json:"-"`
	IsTestMode           bool       `json:"is_test_mode"`
	IsActive             bool       `json:"is_active"`
	LastTestedAt         *time.Time `json:"last_tested_at,omitempty"`
	VerifiedAt           *time.Time `json:"verified_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// LinkStatus is the lifecycle state of a PaymentLink.
type LinkStatus string

const (
	LinkStatusPending   LinkStatus = "pending"
	LinkStatusCompleted LinkStatus = "completed"
	LinkStatusExpired   LinkStatus = "expired"
	LinkStatusCancelled LinkStatus = "cancelled"
)

// Terminal reports whether the link can no longer change.
func (s LinkStatus) Terminal() bool {
	return s == LinkStatusCompleted || s == LinkStatusExpired || s == LinkStatusCancelled
}

// ParseLinkStatus validates a link status filter value.
func ParseLinkStatus(raw string) (LinkStatus, error) {
	switch s := LinkStatus(raw); s {
	case LinkStatusPending, LinkStatusCompleted, LinkStatusExpired, LinkStatusCancelled:
		return s, nil
	}
	return "", NewValidationError("status", "unknown link status %q", raw)
}

// PaymentLink is one purchasable checkout link.
type PaymentLink struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          string          `json:"tenant_id"`
	ConfigID          uuid.UUID       `json:"config_id"`
	Provider          Provider        `json:"provider"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	ProductName       string          `json:"product_name"`
	Description       string          `json:"description,omitempty"`
	CustomerEmail     string          `json:"customer_email,omitempty"`
	SuccessURL        string          `json:"success_url,omitempty"`
	CancelURL         string          `json:"cancel_url,omitempty"`
	URL               string          `json:"url"`
	ExternalID        string          `json:"external_id"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	Status            LinkStatus      `json:"status"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TransactionStatus is the reconciled state of one payment attempt.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionSucceeded TransactionStatus = "succeeded"
	TransactionFailed    TransactionStatus = "failed"
	TransactionRefunded  TransactionStatus = "refunded"
	TransactionCancelled TransactionStatus = "cancelled"
	TransactionExpired   TransactionStatus = "expired"
)

// CanTransition reports whether a stored transaction may move from one status to
// another. Pending moves to any outcome; a failed attempt may still succeed when the
// payer retries on the same payment. Every other change is a stale or replayed event.
func CanTransition(from, to TransactionStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case TransactionPending:
		return to == TransactionSucceeded || to == TransactionFailed ||
			to == TransactionCancelled || to == TransactionExpired
	case TransactionFailed:
		return to == TransactionSucceeded
	default:
		return false
	}
}

// Transaction is one payment attempt or refund tied to a PaymentLink.
type Transaction struct {
	ID            uuid.UUID         `json:"id"`
	PaymentLinkID uuid.UUID         `json:"payment_link_id"`
	Provider      Provider          `json:"provider"`
	ExternalID    string            `json:"external_id"`
	PaymentRef    string            `json:"payment_ref,omitempty"`
	RefundOf      *uuid.UUID        `json:"refund_of,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Status        TransactionStatus `json:"status"`
	PayerEmail    string            `json:"payer_email,omitempty"`
	PayerName     string            `json:"payer_name,omitempty"`
	PaidAt        *time.Time        `json:"paid_at,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// IsRefund reports whether the row is a refund of another transaction.
func (t Transaction) IsRefund() bool { return t.RefundOf != nil }

// WebhookDelivery is the audit record of one inbound webhook call.
type WebhookDelivery struct {
	ID              uuid.UUID  `json:"id"`
	Provider        Provider   `json:"provider"`
	ConfigID        *uuid.UUID `json:"config_id,omitempty"`
	TenantID        string     `json:"tenant_id,omitempty"`
	EventID         string     `json:"event_id,omitempty"`
	EventType       string     `json:"event_type,omitempty"`
	SignatureValid  bool       `json:"signature_valid"`
	Outcome         string     `json:"outcome"`
	ProcessingError string     `json:"processing_error,omitempty"`
	ReceivedAt      time.Time  `json:"received_at"`
}
