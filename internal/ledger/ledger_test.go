package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/kessai/link-service/internal/domain"
	"github.com/kessai/link-service/internal/store"
	"github.com/kessai/link-service/internal/tenancy"
	"github.com/shopspring/decimal"
)

func newTestLedger() (*Ledger, *store.MemoryStore) {
	mem := store.NewMemoryStore()
	return New(mem, slog.New(slog.NewTextHandler(io.Discard, nil))), mem
}

func seedTenant(t *testing.T, l *Ledger, tenant string) (domain.PaymentLinkConfig, domain.PaymentLink, domain.Transaction) {
	t.Helper()
	ctx := tenancy.WithTenant(context.Background(), tenant)

	cfg := domain.PaymentLinkConfig{
		Provider:             domain.ProviderStripe,
		DisplayName:          "main",
		EncryptedCredentials: []byte("sealed"),
		IsTestMode:           true,
		IsActive:             true,
	}
	if err := l.CreateConfig(ctx, &cfg); err != nil {
		t.Fatalf("create config: %v", err)
	}
	link := domain.PaymentLink{
		ConfigID:    cfg.ID,
		Amount:      decimal.NewFromInt(1000),
		Currency:    "JPY",
		ProductName: "Plan",
		URL:         "https://checkout.example/" + tenant,
		ExternalID:  "cs_" + tenant,
		Status:      domain.LinkStatusPending,
	}
	if err := l.CreateLink(ctx, &link); err != nil {
		t.Fatalf("create link: %v", err)
	}
	res, err := l.UpsertTransaction(ctx, link, domain.Transaction{
		Provider:   domain.ProviderStripe,
		ExternalID: "pi_" + tenant,
		PaymentRef: "cs_" + tenant,
		Amount:     decimal.NewFromInt(1000),
		Currency:   "JPY",
		Status:     domain.TransactionSucceeded,
	}, []string{"pi_" + tenant, "cs_" + tenant}, func(existing domain.Transaction) (domain.Transaction, bool, error) {
		return existing, false, nil
	})
	if err != nil {
		t.Fatalf("upsert transaction: %v", err)
	}
	return cfg, link, res.Transaction
}

func TestCreateStampsTenant(t *testing.T) {
	l, _ := newTestLedger()
	cfg, link, _ := seedTenant(t, l, "tenant-a")
	if cfg.TenantID != "tenant-a" {
		t.Fatalf("config owner = %q", cfg.TenantID)
	}
	if link.TenantID != "tenant-a" || link.Provider != domain.ProviderStripe {
		t.Fatalf("link did not inherit owner/provider from config: %+v", link)
	}
}

func TestMissingContextIsAnError(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	if _, err := l.ListConfigs(ctx, store.ConfigFilter{}); !errors.Is(err, tenancy.ErrNoTenantContext) {
		t.Fatalf("list configs: expected ErrNoTenantContext, got %v", err)
	}
	if _, err := l.ListLinks(ctx, store.LinkFilter{}); !errors.Is(err, tenancy.ErrNoTenantContext) {
		t.Fatalf("list links: expected ErrNoTenantContext, got %v", err)
	}
	if _, err := l.ListTransactions(ctx, store.TransactionFilter{}); !errors.Is(err, tenancy.ErrNoTenantContext) {
		t.Fatalf("list transactions: expected ErrNoTenantContext, got %v", err)
	}
	cfg := domain.PaymentLinkConfig{Provider: domain.ProviderStripe, DisplayName: "x"}
	if err := l.CreateConfig(ctx, &cfg); !errors.Is(err, tenancy.ErrNoTenantContext) {
		t.Fatalf("create config: expected ErrNoTenantContext, got %v", err)
	}
}

func TestTenantIsolationAcrossQueryShapes(t *testing.T) {
	l, _ := newTestLedger()
	_, _, _ = seedTenant(t, l, "tenant-a")
	cfgB, linkB, txnB := seedTenant(t, l, "tenant-b")

	ctxA := tenancy.WithTenant(context.Background(), "tenant-a")
	foreign := "tenant-b"
	stripe := domain.ProviderStripe

	configs, err := l.ListConfigs(ctxA, store.ConfigFilter{})
	if err != nil || len(configs) != 1 || configs[0].TenantID != "tenant-a" {
		t.Fatalf("unfiltered configs leaked: %+v err=%v", configs, err)
	}
	for name, filter := range map[string]store.ConfigFilter{
		"by id":              {ID: &cfgB.ID},
		"by provider":        {Provider: &stripe, ID: &cfgB.ID},
		"explicit tenant b":  {TenantID: &foreign},
		"explicit and by id": {TenantID: &foreign, ID: &cfgB.ID},
	} {
		got, err := l.ListConfigs(ctxA, filter)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		for _, cfg := range got {
			if cfg.TenantID != "tenant-a" {
				t.Fatalf("%s: leaked config of %s", name, cfg.TenantID)
			}
		}
	}
	if _, err := l.GetConfig(ctxA, cfgB.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get foreign config: expected not found, got %v", err)
	}

	for name, filter := range map[string]store.LinkFilter{
		"all":             {},
		"by id":           {ID: &linkB.ID},
		"by config":       {ConfigID: &cfgB.ID},
		"by external ref": {ExternalRef: linkB.ExternalID},
		"explicit tenant": {TenantID: &foreign},
		"pending":         {Statuses: []domain.LinkStatus{domain.LinkStatusPending}},
	} {
		got, err := l.ListLinks(ctxA, filter)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		for _, link := range got {
			if link.TenantID != "tenant-a" {
				t.Fatalf("%s: leaked link of %s", name, link.TenantID)
			}
		}
	}

	for name, filter := range map[string]store.TransactionFilter{
		"all":             {},
		"by link":         {PaymentLinkID: &linkB.ID},
		"by external id":  {ExternalIDs: []string{txnB.ExternalID}},
		"explicit tenant": {TenantID: &foreign},
	} {
		got, err := l.ListTransactions(ctxA, filter)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		for _, txn := range got {
			if txn.PaymentLinkID == linkB.ID {
				t.Fatalf("%s: leaked transaction of tenant-b", name)
			}
		}
	}
}

func TestWritesCannotReachOtherTenant(t *testing.T) {
	l, _ := newTestLedger()
	_, _, _ = seedTenant(t, l, "tenant-a")
	cfgB, linkB, _ := seedTenant(t, l, "tenant-b")
	ctxA := tenancy.WithTenant(context.Background(), "tenant-a")

	name := "renamed"
	if _, err := l.UpdateConfig(ctxA, cfgB.ID, store.ConfigPatch{DisplayName: &name}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update foreign config: expected not found, got %v", err)
	}
	if err := l.DeleteConfig(ctxA, cfgB.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete foreign config: expected not found, got %v", err)
	}
	if _, moved, err := l.TransitionLink(ctxA, linkB.ID, []domain.LinkStatus{domain.LinkStatusPending}, domain.LinkStatusCancelled); err != nil || moved {
		t.Fatalf("cancel foreign link: moved=%v err=%v", moved, err)
	}

	stolen := domain.PaymentLink{ConfigID: cfgB.ID, Amount: decimal.NewFromInt(100), Currency: "JPY", ProductName: "x"}
	if err := l.CreateLink(ctxA, &stolen); !errors.Is(err, domain.ErrTenantIsolation) || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("link on foreign config: expected isolation error, got %v", err)
	}

	cfg := domain.PaymentLinkConfig{TenantID: "tenant-b", Provider: domain.ProviderStripe, DisplayName: "sneaky"}
	if err := l.CreateConfig(ctxA, &cfg); !errors.Is(err, domain.ErrTenantIsolation) {
		t.Fatalf("config for foreign owner: expected isolation error, got %v", err)
	}

	_, err := l.UpsertTransaction(ctxA, linkB, domain.Transaction{Provider: domain.ProviderStripe, ExternalID: "pi_x"},
		[]string{"pi_x"}, func(existing domain.Transaction) (domain.Transaction, bool, error) { return existing, false, nil })
	if !errors.Is(err, domain.ErrTenantIsolation) {
		t.Fatalf("upsert on foreign link: expected isolation error, got %v", err)
	}

	ctxB := tenancy.WithTenant(context.Background(), "tenant-b")
	link, err := l.GetLink(ctxB, linkB.ID)
	if err != nil || link.Status != domain.LinkStatusPending {
		t.Fatalf("foreign link changed: %+v err=%v", link, err)
	}
}

func TestUnscopedSeesEveryTenant(t *testing.T) {
	l, _ := newTestLedger()
	seedTenant(t, l, "tenant-a")
	seedTenant(t, l, "tenant-b")

	ctx := tenancy.Unscoped(context.Background(), "test: system job")
	links, err := l.ListLinks(ctx, store.LinkFilter{})
	if err != nil || len(links) != 2 {
		t.Fatalf("expected both tenants' links, got %d err=%v", len(links), err)
	}
	onlyB := "tenant-b"
	links, err = l.ListLinks(ctx, store.LinkFilter{TenantID: &onlyB})
	if err != nil || len(links) != 1 || links[0].TenantID != "tenant-b" {
		t.Fatalf("explicit tenant under bypass should win: %+v err=%v", links, err)
	}
}

func TestExpireLinks(t *testing.T) {
	l, _ := newTestLedger()
	ctx := tenancy.WithTenant(context.Background(), "tenant-a")
	cfg := domain.PaymentLinkConfig{Provider: domain.ProviderStripe, DisplayName: "main", IsActive: true}
	if err := l.CreateConfig(ctx, &cfg); err != nil {
		t.Fatalf("create config: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	for _, exp := range []*time.Time{&past, &future, nil} {
		link := domain.PaymentLink{ConfigID: cfg.ID, Amount: decimal.NewFromInt(100), Currency: "JPY",
			ProductName: "x", Status: domain.LinkStatusPending, ExpiresAt: exp}
		if err := l.CreateLink(ctx, &link); err != nil {
			t.Fatalf("create link: %v", err)
		}
	}

	expired, err := l.ExpireLinks(tenancy.Unscoped(context.Background(), "test: expiry sweep"), time.Now())
	if err != nil {
		t.Fatalf("expire links: %v", err)
	}
	if len(expired) != 1 || expired[0].Status != domain.LinkStatusExpired {
		t.Fatalf("expected exactly one expired link, got %+v", expired)
	}
}

func TestConcurrentUpsertCreatesOneRow(t *testing.T) {
	l, _ := newTestLedger()
	_, link, _ := seedTenant(t, l, "tenant-a")
	ctx := tenancy.WithTenant(context.Background(), "tenant-a")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.UpsertTransaction(ctx, link, domain.Transaction{
				Provider:   domain.ProviderPayPal,
				ExternalID: "CAPTURE-1",
				PaymentRef: "ORDER-1",
				Amount:     decimal.NewFromInt(1000),
				Currency:   "JPY",
				Status:     domain.TransactionSucceeded,
			}, []string{"CAPTURE-1", "ORDER-1"}, func(existing domain.Transaction) (domain.Transaction, bool, error) {
				return existing, false, nil
			})
			if err != nil {
				t.Errorf("upsert: %v", err)
			}
		}()
	}
	wg.Wait()

	paypal := domain.ProviderPayPal
	txns, err := l.ListTransactions(ctx, store.TransactionFilter{Provider: &paypal})
	if err != nil || len(txns) != 1 {
		t.Fatalf("expected one row, got %d err=%v", len(txns), err)
	}
}
