/**
 * @description
 * This file defines the `Store` interface, the raw persistence contract for the ledger.
 * Filters carry an optional TenantID: a nil tenant means "unfiltered". The store applies
 * whatever it is given; tenant scoping rules live in internal/ledger, which is the only
 * caller that services are allowed to use.
 *
 * @dependencies
 * - github.com/google/uuid: identifiers.
 * - internal/domain: ledger entities.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kessai/link-service/internal/domain"
)

// Store defines the persistence operations behind the ledger.
type Store interface {
	CreateConfig(ctx context.Context, cfg *domain.PaymentLinkConfig) error
	FindConfigs(ctx context.Context, filter ConfigFilter) ([]domain.PaymentLinkConfig, error)
	UpdateConfig(ctx context.Context, filter ConfigFilter, patch ConfigPatch) (*domain.PaymentLinkConfig, error)
	DeleteConfig(ctx context.Context, filter ConfigFilter) error

	CreateLink(ctx context.Context, link *domain.PaymentLink) error
	FindLinks(ctx context.Context, filter LinkFilter) ([]domain.PaymentLink, error)
	// TransitionLinks moves every link matching filter (whose Statuses lists the
	// allowed source states) to status `to`. It returns the links that moved.
	TransitionLinks(ctx context.Context, filter LinkFilter, to domain.LinkStatus, at time.Time) ([]domain.PaymentLink, error)

	// UpsertTransaction inserts the transaction unless a row with the same provider and
	// one of req.MatchIDs (as external id or payment reference) already exists, in which
	// case that row is locked and passed to req.Merge.
	UpsertTransaction(ctx context.Context, req UpsertRequest) (UpsertResult, error)
	// InsertRefund locks the original capture, inserts the refund row produced by
	// req.Build keyed on its external id, and stores the original's new metadata.
	InsertRefund(ctx context.Context, req RefundRequest) (RefundResult, error)
	FindTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error)

	RecordWebhookDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error
}

// ConfigFilter selects payment link configs.
type ConfigFilter struct {
	TenantID   *string
	ID         *uuid.UUID
	Provider   *domain.Provider
	ActiveOnly bool
}

// ConfigPatch lists the config columns an update may change. Nil fields are untouched.
type ConfigPatch struct {
	DisplayName          *string
	EncryptedCredentials []byte
	IsTestMode           *bool
	IsActive             *bool
	LastTestedAt         *time.Time
	// SetVerifiedAt writes VerifiedAt, which may be nil to clear it.
	SetVerifiedAt bool
	VerifiedAt    *time.Time
}

// LinkFilter selects payment links.
type LinkFilter struct {
	TenantID *string
	ID       *uuid.UUID
	ConfigID *uuid.UUID
	Provider *domain.Provider
	Statuses []domain.LinkStatus
	// ExternalRef matches the provider's link id or its secondary reference.
	ExternalRef   string
	ExpiresBefore *time.Time
	Limit         int
	Offset        int
}

// TransactionFilter selects transactions. TenantID is applied through the parent link.
type TransactionFilter struct {
	TenantID      *string
	PaymentLinkID *uuid.UUID
	Provider      *domain.Provider
	// ExternalIDs match either the external id or the payment reference.
	ExternalIDs []string
	Limit       int
}

// MergeFunc folds an event into an existing transaction. It reports whether anything
// changed; unchanged rows are not written.
type MergeFunc func(existing domain.Transaction) (merged domain.Transaction, changed bool, err error)

// UpsertRequest is the input of UpsertTransaction.
type UpsertRequest struct {
	TenantID    *string
	Transaction domain.Transaction
	MatchIDs    []string
	Merge       MergeFunc
}

// UpsertResult reports what UpsertTransaction did.
type UpsertResult struct {
	Transaction domain.Transaction
	Previous    *domain.Transaction
	Created     bool
	Updated     bool
}

// RefundFunc builds the refund row and the original's updated metadata.
type RefundFunc func(original domain.Transaction) (refund domain.Transaction, originalMetadata map[string]any, err error)

// RefundRequest is the input of InsertRefund.
type RefundRequest struct {
	TenantID    *string
	Provider    domain.Provider
	OriginalIDs []string
	Build       RefundFunc
}

// RefundResult reports what InsertRefund did.
type RefundResult struct {
	Refund   domain.Transaction
	Original domain.Transaction
	Created  bool
}

const maxUpsertAttempts = 3

func containsStatus(statuses []domain.LinkStatus, status domain.LinkStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	if v == "" {
		return false
	}
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
