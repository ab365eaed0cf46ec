package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kessai/link-service/internal/domain"
)

// MemoryStore is an in-process Store used by tests and STORE_DRIVER=memory.
// A single mutex serializes writes, which gives the same guarantees the Postgres
// unique constraints give.
type MemoryStore struct {
	mu           sync.RWMutex
	configs      map[uuid.UUID]domain.PaymentLinkConfig
	links        map[uuid.UUID]domain.PaymentLink
	transactions map[uuid.UUID]domain.Transaction
	deliveries   []domain.WebhookDelivery
	now          func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:      make(map[uuid.UUID]domain.PaymentLinkConfig),
		links:        make(map[uuid.UUID]domain.PaymentLink),
		transactions: make(map[uuid.UUID]domain.Transaction),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateConfig(ctx context.Context, cfg *domain.PaymentLinkConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.configs {
		if existing.TenantID == cfg.TenantID && existing.Provider == cfg.Provider &&
			existing.DisplayName == cfg.DisplayName {
			return fmt.Errorf("config %q: %w", cfg.DisplayName, domain.ErrDuplicate)
		}
	}
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	now := m.now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	m.configs[cfg.ID] = cloneConfig(*cfg)
	return nil
}

func (m *MemoryStore) FindConfigs(ctx context.Context, filter ConfigFilter) ([]domain.PaymentLinkConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []domain.PaymentLinkConfig{}
	for _, cfg := range m.configs {
		if matchConfig(cfg, filter) {
			out = append(out, cloneConfig(cfg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateConfig(ctx context.Context, filter ConfigFilter, patch ConfigPatch) (*domain.PaymentLinkConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target *domain.PaymentLinkConfig
	for _, cfg := range m.configs {
		if matchConfig(cfg, filter) {
			c := cfg
			target = &c
			break
		}
	}
	if target == nil {
		return nil, domain.ErrNotFound
	}

	if patch.DisplayName != nil && *patch.DisplayName != target.DisplayName {
		for id, other := range m.configs {
			if id != target.ID && other.TenantID == target.TenantID && other.Provider == target.Provider &&
				other.DisplayName == *patch.DisplayName {
				return nil, fmt.Errorf("config %q: %w", *patch.DisplayName, domain.ErrDuplicate)
			}
		}
		target.DisplayName = *patch.DisplayName
	}
	if patch.EncryptedCredentials != nil {
		target.EncryptedCredentials = append([]byte(nil), patch.EncryptedCredentials...)
	}
	if patch.IsTestMode != nil {
		target.IsTestMode = *patch.IsTestMode
	}
	if patch.IsActive != nil {
		target.IsActive = *patch.IsActive
	}
	if patch.LastTestedAt != nil {
		t := *patch.LastTestedAt
		target.LastTestedAt = &t
	}
	if patch.SetVerifiedAt {
		target.VerifiedAt = copyTime(patch.VerifiedAt)
	}
	target.UpdatedAt = m.now()
	m.configs[target.ID] = cloneConfig(*target)

	out := cloneConfig(*target)
	return &out, nil
}

func (m *MemoryStore) DeleteConfig(ctx context.Context, filter ConfigFilter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cfg := range m.configs {
		if !matchConfig(cfg, filter) {
			continue
		}
		for _, link := range m.links {
			if link.ConfigID == id {
				return fmt.Errorf("config %s has payment links: %w", id, domain.ErrConflict)
			}
		}
		delete(m.configs, id)
		return nil
	}
	return domain.ErrNotFound
}

func (m *MemoryStore) CreateLink(ctx context.Context, link *domain.PaymentLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[link.ConfigID]; !ok {
		return fmt.Errorf("config %s: %w", link.ConfigID, domain.ErrNotFound)
	}
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	if _, exists := m.links[link.ID]; exists {
		return fmt.Errorf("payment link %s: %w", link.ID, domain.ErrDuplicate)
	}
	now := m.now()
	link.CreatedAt, link.UpdatedAt = now, now
	m.links[link.ID] = *link
	return nil
}

func (m *MemoryStore) FindLinks(ctx context.Context, filter LinkFilter) ([]domain.PaymentLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []domain.PaymentLink{}
	for _, link := range m.links {
		if matchLink(link, filter) {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) TransitionLinks(ctx context.Context, filter LinkFilter, to domain.LinkStatus, at time.Time) ([]domain.PaymentLink, error) {
	if len(filter.Statuses) == 0 {
		return nil, fmt.Errorf("transition links: source statuses are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := []domain.PaymentLink{}
	for id, link := range m.links {
		if !matchLink(link, filter) {
			continue
		}
		link.Status = to
		link.UpdatedAt = at
		if to == domain.LinkStatusCompleted {
			completed := at
			link.CompletedAt = &completed
		}
		m.links[id] = link
		moved = append(moved, link)
	}
	return moved, nil
}

func (m *MemoryStore) UpsertTransaction(ctx context.Context, req UpsertRequest) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := cloneTransaction(req.Transaction)
	existing, found := m.findPaymentLocked(txn.Provider, req.MatchIDs)
	if !found {
		if _, clash := m.findPaymentLocked(txn.Provider, []string{txn.ExternalID, txn.PaymentRef}); clash {
			return UpsertResult{}, fmt.Errorf("transaction %s: %w", txn.ExternalID, domain.ErrDuplicate)
		}
		if m.externalIDTakenLocked(txn.Provider, txn.ExternalID, uuid.Nil) {
			return UpsertResult{}, fmt.Errorf("transaction %s: %w", txn.ExternalID, domain.ErrDuplicate)
		}
		if txn.ID == uuid.Nil {
			txn.ID = uuid.New()
		}
		now := m.now()
		txn.CreatedAt, txn.UpdatedAt = now, now
		m.transactions[txn.ID] = txn
		return UpsertResult{Transaction: cloneTransaction(txn), Created: true}, nil
	}

	if err := m.checkTenantLocked(req.TenantID, existing.PaymentLinkID); err != nil {
		return UpsertResult{}, err
	}
	previous := cloneTransaction(existing)
	merged, changed, err := req.Merge(cloneTransaction(existing))
	if err != nil {
		return UpsertResult{}, err
	}
	if !changed {
		return UpsertResult{Transaction: previous, Previous: &previous}, nil
	}
	if merged.ExternalID != existing.ExternalID && m.externalIDTakenLocked(merged.Provider, merged.ExternalID, existing.ID) {
		return UpsertResult{}, fmt.Errorf("transaction %s: %w", merged.ExternalID, domain.ErrDuplicate)
	}
	merged.ID = existing.ID
	merged.CreatedAt = existing.CreatedAt
	merged.UpdatedAt = m.now()
	m.transactions[merged.ID] = cloneTransaction(merged)
	return UpsertResult{Transaction: cloneTransaction(merged), Previous: &previous, Updated: true}, nil
}

func (m *MemoryStore) InsertRefund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, found := m.findPaymentLocked(req.Provider, req.OriginalIDs)
	if !found {
		return RefundResult{}, domain.ErrOriginalNotFound
	}
	if err := m.checkTenantLocked(req.TenantID, original.PaymentLinkID); err != nil {
		return RefundResult{}, err
	}

	refund, originalMetadata, err := req.Build(cloneTransaction(original))
	if err != nil {
		return RefundResult{}, err
	}
	for _, txn := range m.transactions {
		if txn.Provider == refund.Provider && txn.ExternalID == refund.ExternalID {
			return RefundResult{Refund: cloneTransaction(txn), Original: cloneTransaction(original)}, nil
		}
	}

	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	now := m.now()
	refund.CreatedAt, refund.UpdatedAt = now, now
	refund.PaymentRef = ""
	m.transactions[refund.ID] = cloneTransaction(refund)

	original.Metadata = cloneMetadata(originalMetadata)
	original.UpdatedAt = now
	m.transactions[original.ID] = original

	return RefundResult{Refund: cloneTransaction(refund), Original: cloneTransaction(original), Created: true}, nil
}

func (m *MemoryStore) FindTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []domain.Transaction{}
	for _, txn := range m.transactions {
		if filter.TenantID != nil {
			link, ok := m.links[txn.PaymentLinkID]
			if !ok || link.TenantID != *filter.TenantID {
				continue
			}
		}
		if filter.PaymentLinkID != nil && txn.PaymentLinkID != *filter.PaymentLinkID {
			continue
		}
		if filter.Provider != nil && txn.Provider != *filter.Provider {
			continue
		}
		if len(filter.ExternalIDs) > 0 && !containsString(filter.ExternalIDs, txn.ExternalID) &&
			!containsString(filter.ExternalIDs, txn.PaymentRef) {
			continue
		}
		out = append(out, cloneTransaction(txn))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, 0, filter.Limit), nil
}

func (m *MemoryStore) RecordWebhookDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if delivery.ID == uuid.Nil {
		delivery.ID = uuid.New()
	}
	if delivery.ReceivedAt.IsZero() {
		delivery.ReceivedAt = m.now()
	}
	m.deliveries = append(m.deliveries, *delivery)
	return nil
}

// Deliveries returns the recorded webhook deliveries in arrival order.
func (m *MemoryStore) Deliveries() []domain.WebhookDelivery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.WebhookDelivery(nil), m.deliveries...)
}

// findPaymentLocked returns the oldest non-refund row whose external id or payment
// reference is one of ids.
func (m *MemoryStore) findPaymentLocked(provider domain.Provider, ids []string) (domain.Transaction, bool) {
	var (
		match domain.Transaction
		found bool
	)
	for _, txn := range m.transactions {
		if txn.Provider != provider || txn.IsRefund() {
			continue
		}
		if !containsString(ids, txn.ExternalID) && !containsString(ids, txn.PaymentRef) {
			continue
		}
		if !found || txn.CreatedAt.Before(match.CreatedAt) {
			match, found = txn, true
		}
	}
	return match, found
}

func (m *MemoryStore) externalIDTakenLocked(provider domain.Provider, externalID string, except uuid.UUID) bool {
	for id, txn := range m.transactions {
		if id != except && txn.Provider == provider && txn.ExternalID == externalID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) checkTenantLocked(tenantID *string, linkID uuid.UUID) error {
	if tenantID == nil {
		return nil
	}
	link, ok := m.links[linkID]
	if !ok || link.TenantID != *tenantID {
		return domain.ErrTenantIsolation
	}
	return nil
}

func matchConfig(cfg domain.PaymentLinkConfig, filter ConfigFilter) bool {
	if filter.TenantID != nil && cfg.TenantID != *filter.TenantID {
		return false
	}
	if filter.ID != nil && cfg.ID != *filter.ID {
		return false
	}
	if filter.Provider != nil && cfg.Provider != *filter.Provider {
		return false
	}
	if filter.ActiveOnly && !cfg.IsActive {
		return false
	}
	return true
}

func matchLink(link domain.PaymentLink, filter LinkFilter) bool {
	if filter.TenantID != nil && link.TenantID != *filter.TenantID {
		return false
	}
	if filter.ID != nil && link.ID != *filter.ID {
		return false
	}
	if filter.ConfigID != nil && link.ConfigID != *filter.ConfigID {
		return false
	}
	if filter.Provider != nil && link.Provider != *filter.Provider {
		return false
	}
	if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, link.Status) {
		return false
	}
	if ref := strings.TrimSpace(filter.ExternalRef); ref != "" && link.ExternalID != ref && link.ProviderReference != ref {
		return false
	}
	if filter.ExpiresBefore != nil && (link.ExpiresAt == nil || !link.ExpiresAt.Before(*filter.ExpiresBefore)) {
		return false
	}
	return true
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneConfig(cfg domain.PaymentLinkConfig) domain.PaymentLinkConfig {
	cfg.EncryptedCredentials = append([]byte(nil), cfg.EncryptedCredentials...)
	cfg.LastTestedAt = copyTime(cfg.LastTestedAt)
	cfg.VerifiedAt = copyTime(cfg.VerifiedAt)
	return cfg
}

func cloneTransaction(txn domain.Transaction) domain.Transaction {
	txn.Metadata = cloneMetadata(txn.Metadata)
	txn.PaidAt = copyTime(txn.PaidAt)
	if txn.RefundOf != nil {
		id := *txn.RefundOf
		txn.RefundOf = &id
	}
	return txn
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
