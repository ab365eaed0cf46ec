/**
 * @description
 * Ledger is the tenant-scoped data-access surface over store.Store. Every call resolves
 * the scope from the context:
 * - reads add `tenant = current` unless the filter names a tenant explicitly;
 * - creates stamp `tenant = current` when no owner is set;
 * - updates and deletes only reach rows of the current tenant.
 * Transactions are scoped through their parent payment link.
 *
 * An explicit tenant that differs from the context tenant is honoured only under
 * tenancy.Unscoped, where it is written to the audit log. Under a tenant context it
 * fails closed and looks exactly like a missing row.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kessai/link-service/internal/domain"
	"github.com/kessai/link-service/internal/store"
	"github.com/kessai/link-service/internal/tenancy"
)

// Ledger wraps a Store with tenant scoping.
type Ledger struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Ledger.
func New(s store.Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: s, logger: logger}
}

// scope returns the tenant filter to apply given an optional explicit tenant.
// A nil result means "unfiltered" and is only possible under a bypass.
func (l *Ledger) scope(ctx context.Context, explicit *string, op string) (*string, error) {
	sc, err := tenancy.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if explicit != nil {
		if sc.Bypass {
			l.logger.Warn("explicit tenant filter under bypass",
				"component", "ledger", "op", op, "tenant_id", *explicit, "reason", sc.Reason, "caller", sc.Caller)
			return explicit, nil
		}
		if *explicit != sc.TenantID {
			l.logger.Warn("cross-tenant filter rejected",
				"component", "ledger", "op", op, "tenant_id", sc.TenantID)
			return nil, domain.ErrTenantIsolation
		}
		return explicit, nil
	}
	if sc.Bypass {
		l.logger.Debug("unscoped ledger access", "component", "ledger", "op", op, "reason", sc.Reason)
		return nil, nil
	}
	tenant := sc.TenantID
	return &tenant, nil
}

// ---- payment link configs ----

// CreateConfig persists a config owned by the current tenant.
func (l *Ledger) CreateConfig(ctx context.Context, cfg *domain.PaymentLinkConfig) error {
	if err := l.stampOwner(ctx, &cfg.TenantID, "create config"); err != nil {
		return err
	}
	return l.store.CreateConfig(ctx, cfg)
}

// ListConfigs returns the configs visible in the current scope.
func (l *Ledger) ListConfigs(ctx context.Context, filter store.ConfigFilter) ([]domain.PaymentLinkConfig, error) {
	tenant, err := l.scope(ctx, filter.TenantID, "list configs")
	if err != nil {
		if errors.Is(err, domain.ErrTenantIsolation) {
			return []domain.PaymentLinkConfig{}, nil
		}
		return nil, err
	}
	filter.TenantID = tenant
	return l.store.FindConfigs(ctx, filter)
}

// GetConfig returns one config or domain.ErrNotFound.
func (l *Ledger) GetConfig(ctx context.Context, id uuid.UUID) (*domain.PaymentLinkConfig, error) {
	configs, err := l.ListConfigs(ctx, store.ConfigFilter{ID: &id})
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, domain.ErrNotFound
	}
	return &configs[0], nil
}

// UpdateConfig applies patch to a config of the current tenant.
func (l *Ledger) UpdateConfig(ctx context.Context, id uuid.UUID, patch store.ConfigPatch) (*domain.PaymentLinkConfig, error) {
	tenant, err := l.scope(ctx, nil, "update config")
	if err != nil {
		return nil, err
	}
	return l.store.UpdateConfig(ctx, store.ConfigFilter{TenantID: tenant, ID: &id}, patch)
}

// DeleteConfig removes a config of the current tenant.
func (l *Ledger) DeleteConfig(ctx context.Context, id uuid.UUID) error {
	tenant, err := l.scope(ctx, nil, "delete config")
	if err != nil {
		return err
	}
	return l.store.DeleteConfig(ctx, store.ConfigFilter{TenantID: tenant, ID: &id})
}

// ---- payment links ----

// CreateLink persists a link. Its owner is inherited from the referenced config,
// which must be visible in the current scope.
func (l *Ledger) CreateLink(ctx context.Context, link *domain.PaymentLink) error {
	cfg, err := l.GetConfig(ctx, link.ConfigID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrTenantIsolation
		}
		return err
	}
	if link.TenantID != "" && link.TenantID != cfg.TenantID {
		return domain.ErrTenantIsolation
	}
	link.TenantID = cfg.TenantID
	link.Provider = cfg.Provider
	return l.store.CreateLink(ctx, link)
}

// ListLinks returns the links visible in the current scope.
func (l *Ledger) ListLinks(ctx context.Context, filter store.LinkFilter) ([]domain.PaymentLink, error) {
	tenant, err := l.scope(ctx, filter.TenantID, "list links")
	if err != nil {
		if errors.Is(err, domain.ErrTenantIsolation) {
			return []domain.PaymentLink{}, nil
		}
		return nil, err
	}
	filter.TenantID = tenant
	return l.store.FindLinks(ctx, filter)
}

// GetLink returns one link or domain.ErrNotFound.
func (l *Ledger) GetLink(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error) {
	links, err := l.ListLinks(ctx, store.LinkFilter{ID: &id, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, domain.ErrNotFound
	}
	return &links[0], nil
}

// TransitionLink moves one link from any of the `from` states to `to`. It reports
// whether the link moved; a link already past `from` is left untouched.
func (l *Ledger) TransitionLink(ctx context.Context, id uuid.UUID, from []domain.LinkStatus, to domain.LinkStatus) (*domain.PaymentLink, bool, error) {
	tenant, err := l.scope(ctx, nil, "transition link")
	if err != nil {
		return nil, false, err
	}
	moved, err := l.store.TransitionLinks(ctx, store.LinkFilter{TenantID: tenant, ID: &id, Statuses: from}, to, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}
	if len(moved) == 0 {
		return nil, false, nil
	}
	return &moved[0], true, nil
}

// ExpireLinks moves every pending link whose expiry is before `before` to expired.
func (l *Ledger) ExpireLinks(ctx context.Context, before time.Time) ([]domain.PaymentLink, error) {
	tenant, err := l.scope(ctx, nil, "expire links")
	if err != nil {
		return nil, err
	}
	filter := store.LinkFilter{
		TenantID:      tenant,
		Statuses:      []domain.LinkStatus{domain.LinkStatusPending},
		ExpiresBefore: &before,
	}
	return l.store.TransitionLinks(ctx, filter, domain.LinkStatusExpired, time.Now().UTC())
}

// ---- transactions ----

// ListTransactions returns transactions whose parent link is visible in the current scope.
func (l *Ledger) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	tenant, err := l.scope(ctx, filter.TenantID, "list transactions")
	if err != nil {
		if errors.Is(err, domain.ErrTenantIsolation) {
			return []domain.Transaction{}, nil
		}
		return nil, err
	}
	filter.TenantID = tenant
	return l.store.FindTransactions(ctx, filter)
}

// UpsertTransaction records txn against link, which must be visible in the current
// scope. A conflicting row on another tenant's link fails closed.
func (l *Ledger) UpsertTransaction(ctx context.Context, link domain.PaymentLink, txn domain.Transaction, matchIDs []string, merge store.MergeFunc) (store.UpsertResult, error) {
	tenant, err := l.scope(ctx, nil, "upsert transaction")
	if err != nil {
		return store.UpsertResult{}, err
	}
	if tenant != nil && link.TenantID != *tenant {
		return store.UpsertResult{}, domain.ErrTenantIsolation
	}
	txn.PaymentLinkID = link.ID
	return l.store.UpsertTransaction(ctx, store.UpsertRequest{
		TenantID:    &link.TenantID,
		Transaction: txn,
		MatchIDs:    matchIDs,
		Merge: func(existing domain.Transaction) (domain.Transaction, bool, error) {
			if existing.PaymentLinkID != link.ID {
				return existing, false, fmt.Errorf("transaction %s belongs to another payment link: %w",
					existing.ExternalID, domain.ErrConflict)
			}
			return merge(existing)
		},
	})
}

// RecordRefund inserts a refund row for the original payment identified by originalIDs.
func (l *Ledger) RecordRefund(ctx context.Context, provider domain.Provider, originalIDs []string, build store.RefundFunc) (store.RefundResult, error) {
	tenant, err := l.scope(ctx, nil, "record refund")
	if err != nil {
		return store.RefundResult{}, err
	}
	return l.store.InsertRefund(ctx, store.RefundRequest{
		TenantID:    tenant,
		Provider:    provider,
		OriginalIDs: originalIDs,
		Build:       build,
	})
}

// RecordWebhookDelivery writes the webhook audit log. Deliveries are not tenant-owned.
func (l *Ledger) RecordWebhookDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	return l.store.RecordWebhookDelivery(ctx, delivery)
}

func (l *Ledger) stampOwner(ctx context.Context, owner *string, op string) error {
	sc, err := tenancy.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch {
	case *owner == "" && sc.Bypass:
		return fmt.Errorf("%s: owner tenant is required under bypass: %w", op, tenancy.ErrNoTenantContext)
	case *owner == "":
		*owner = sc.TenantID
	case sc.Bypass:
		l.logger.Warn("explicit owner under bypass",
			"component", "ledger", "op", op, "tenant_id", *owner, "reason", sc.Reason, "caller", sc.Caller)
	case *owner != sc.TenantID:
		return domain.ErrTenantIsolation
	}
	return nil
}
