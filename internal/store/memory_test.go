package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/kessai/link-service/internal/domain"
)

func seedLink(t *testing.T, m *MemoryStore, tenantID string) domain.PaymentLink {
	t.Helper()
	ctx := context.Background()
	cfg := &domain.PaymentLinkConfig{TenantID: tenantID, Provider: domain.ProviderPayPal, DisplayName: "PayPal " + tenantID, IsActive: true}
	if err := m.CreateConfig(ctx, cfg); err != nil {
		t.Fatalf("create config: %v", err)
	}
	link := &domain.PaymentLink{
		TenantID: tenantID,
		ConfigID: cfg.ID,
		Provider: domain.ProviderPayPal,
		Amount:   decimal.NewFromInt(25),
		Currency: "USD",
		Status:   domain.LinkStatusPending,
	}
	if err := m.CreateLink(ctx, link); err != nil {
		t.Fatalf("create link: %v", err)
	}
	return *link
}

func replaceWith(incoming domain.Transaction) MergeFunc {
	return func(existing domain.Transaction) (domain.Transaction, bool, error) {
		merged := existing
		merged.ExternalID = incoming.ExternalID
		merged.Status = incoming.Status
		return merged, merged.ExternalID != existing.ExternalID || merged.Status != existing.Status, nil
	}
}

func TestMemoryUpsertMatchesPaymentRef(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	link := seedLink(t, m, "tenant-a")
	tenant := "tenant-a"

	order := domain.Transaction{
		PaymentLinkID: link.ID,
		Provider:      domain.ProviderPayPal,
		ExternalID:    "ORDER-1",
		PaymentRef:    "ORDER-1",
		Amount:        decimal.NewFromInt(25),
		Currency:      "USD",
		Status:        domain.TransactionPending,
	}
	created, err := m.UpsertTransaction(ctx, UpsertRequest{TenantID: &tenant, Transaction: order, MatchIDs: []string{"ORDER-1"}, Merge: replaceWith(order)})
	if err != nil || !created.Created {
		t.Fatalf("expected insert, got %+v (%v)", created, err)
	}

	capture := order
	capture.ExternalID = "CAP-1"
	capture.Status = domain.TransactionSucceeded
	updated, err := m.UpsertTransaction(ctx, UpsertRequest{TenantID: &tenant, Transaction: capture, MatchIDs: []string{"CAP-1", "ORDER-1"}, Merge: replaceWith(capture)})
	if err != nil || !updated.Updated {
		t.Fatalf("expected update, got %+v (%v)", updated, err)
	}
	if updated.Transaction.ID != created.Transaction.ID || updated.Transaction.ExternalID != "CAP-1" || updated.Transaction.PaymentRef != "ORDER-1" {
		t.Fatalf("unexpected merged row %+v", updated.Transaction)
	}

	// The order id now only survives as payment ref and must still find the row.
	replay, err := m.UpsertTransaction(ctx, UpsertRequest{TenantID: &tenant, Transaction: order, MatchIDs: []string{"ORDER-1"}, Merge: func(existing domain.Transaction) (domain.Transaction, bool, error) {
		return existing, false, nil
	}})
	if err != nil || replay.Created || replay.Updated {
		t.Fatalf("expected unchanged replay, got %+v (%v)", replay, err)
	}
	if replay.Transaction.ID != created.Transaction.ID {
		t.Fatalf("expected payment ref match, got %+v", replay.Transaction)
	}

	txns, err := m.FindTransactions(ctx, TransactionFilter{PaymentLinkID: &link.ID})
	if err != nil || len(txns) != 1 {
		t.Fatalf("expected exactly one transaction, got %d (%v)", len(txns), err)
	}
}

func TestMemoryUpsertRejectsOtherTenant(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	link := seedLink(t, m, "tenant-a")

	txn := domain.Transaction{
		PaymentLinkID: link.ID,
		Provider:      domain.ProviderPayPal,
		ExternalID:    "ORDER-1",
		PaymentRef:    "ORDER-1",
		Amount:        decimal.NewFromInt(25),
		Status:        domain.TransactionPending,
	}
	if _, err := m.UpsertTransaction(ctx, UpsertRequest{Transaction: txn, MatchIDs: []string{"ORDER-1"}, Merge: replaceWith(txn)}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	other := "tenant-b"
	succeeded := txn
	succeeded.Status = domain.TransactionSucceeded
	_, err := m.UpsertTransaction(ctx, UpsertRequest{TenantID: &other, Transaction: succeeded, MatchIDs: []string{"ORDER-1"}, Merge: replaceWith(succeeded)})
	if !errors.Is(err, domain.ErrTenantIsolation) {
		t.Fatalf("expected isolation error, got %v", err)
	}
}

func TestMemoryInsertRefundReplay(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	link := seedLink(t, m, "tenant-a")
	tenant := "tenant-a"

	capture := domain.Transaction{
		PaymentLinkID: link.ID,
		Provider:      domain.ProviderPayPal,
		ExternalID:    "CAP-1",
		PaymentRef:    "ORDER-1",
		Amount:        decimal.NewFromInt(25),
		Currency:      "USD",
		Status:        domain.TransactionSucceeded,
	}
	inserted, err := m.UpsertTransaction(ctx, UpsertRequest{TenantID: &tenant, Transaction: capture, MatchIDs: []string{"CAP-1"}, Merge: replaceWith(capture)})
	if err != nil {
		t.Fatalf("insert capture: %v", err)
	}

	build := func(original domain.Transaction) (domain.Transaction, map[string]any, error) {
		id := original.ID
		return domain.Transaction{
			PaymentLinkID: original.PaymentLinkID,
			Provider:      original.Provider,
			ExternalID:    "REF-1",
			PaymentRef:    original.PaymentRef,
			RefundOf:      &id,
			Amount:        original.Amount.Neg(),
			Currency:      original.Currency,
			Status:        domain.TransactionRefunded,
		}, map[string]any{"refunded": true}, nil
	}

	first, err := m.InsertRefund(ctx, RefundRequest{TenantID: &tenant, Provider: domain.ProviderPayPal, OriginalIDs: []string{"CAP-1"}, Build: build})
	if err != nil || !first.Created {
		t.Fatalf("expected refund insert, got %+v (%v)", first, err)
	}
	if !first.Refund.Amount.Equal(decimal.NewFromInt(-25)) || first.Refund.PaymentRef != "" {
		t.Fatalf("unexpected refund row %+v", first.Refund)
	}
	if !first.Original.Amount.Equal(decimal.NewFromInt(25)) || first.Original.Metadata["refunded"] != true {
		t.Fatalf("unexpected original %+v", first.Original)
	}

	second, err := m.InsertRefund(ctx, RefundRequest{TenantID: &tenant, Provider: domain.ProviderPayPal, OriginalIDs: []string{"ORDER-1"}, Build: build})
	if err != nil {
		t.Fatalf("replay refund: %v", err)
	}
	if second.Created || second.Refund.ID != first.Refund.ID || second.Original.ID != inserted.Transaction.ID {
		t.Fatalf("expected replay to return the stored refund, got %+v", second)
	}

	txns, err := m.FindTransactions(ctx, TransactionFilter{PaymentLinkID: &link.ID})
	if err != nil || len(txns) != 2 {
		t.Fatalf("expected capture plus one refund, got %d (%v)", len(txns), err)
	}

	if _, err := m.InsertRefund(ctx, RefundRequest{Provider: domain.ProviderPayPal, OriginalIDs: []string{"CAP-404"}, Build: build}); !errors.Is(err, domain.ErrOriginalNotFound) {
		t.Fatalf("expected missing original, got %v", err)
	}
}
