/**
 * @description
 * This file contains the core business logic for the link service. It ties the
 * tenant-scoped ledger, the credential vault, the provider adapters and the
 * reconciliation engine together behind the operations the HTTP API exposes.
 *
 * @dependencies
 * - internal/ledger: tenant-scoped persistence.
 * - internal/provider: provider adapters.
 * - internal/reconcile: webhook reconciliation.
 * - pkg/rabbitmq: publishing ledger events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kessai/link-service/internal/domain"
	"github.com/kessai/link-service/internal/ledger"
	"github.com/kessai/link-service/internal/provider"
	"github.com/kessai/link-service/internal/reconcile"
	"github.com/kessai/link-service/internal/store"
	"github.com/kessai/link-service/internal/tenancy"
	"github.com/kessai/link-service/pkg/rabbitmq"
)

const (
	maxDisplayNameLength = 100
	defaultListLimit     = 50
	maxListLimit         = 200
)

// CredentialSealer encrypts and decrypts provider credentials.
type CredentialSealer interface {
	Encrypt(creds domain.Credentials) ([]byte, error)
	Decrypt(envelope []byte) (domain.Credentials, error)
}

// Dependencies are the collaborators of Service. Limiter, Publisher and Logger are optional.
type Dependencies struct {
	Ledger        *ledger.Ledger
	Vault         CredentialSealer
	Adapters      *provider.Registry
	Limiter       RateLimiter
	Publisher     rabbitmq.Publisher
	Logger        *slog.Logger
	PublicBaseURL string
	Now           func() time.Time
}

// Service contains the business logic for payment link configs, links and webhooks.
type Service struct {
	ledger        *ledger.Ledger
	vault         CredentialSealer
	adapters      *provider.Registry
	engine        *reconcile.Engine
	limiter       RateLimiter
	eventProducer rabbitmq.Publisher
	logger        *slog.Logger
	publicBaseURL string
	now           func() time.Time
}

// NewService creates a new Service.
func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = NoopLimiter{}
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		ledger:        deps.Ledger,
		vault:         deps.Vault,
		adapters:      deps.Adapters,
		engine:        reconcile.NewEngine(deps.Ledger, logger),
		limiter:       limiter,
		eventProducer: publisher,
		logger:        logger,
		publicBaseURL: strings.TrimSuffix(deps.PublicBaseURL, "/"),
		now:           now,
	}
}

// WebhookURL is the public notification URL to register with the provider for cfg.
func (s *Service) WebhookURL(cfg domain.PaymentLinkConfig) string {
	return fmt.Sprintf("%s/webhooks/%s/%s", s.publicBaseURL, cfg.Provider, cfg.ID)
}

// ---- configs ----

// CreateConfigInput is the input of CreateConfig.
type CreateConfigInput struct {
	Provider    string
	DisplayName string
	Credentials map[string]string
	IsTestMode  bool
	IsActive    *bool
}

// UpdateConfigInput lists the config fields a caller may change. Nil fields are kept.
type UpdateConfigInput struct {
	DisplayName *string
	Credentials map[string]string
	IsTestMode  *bool
	IsActive    *bool
}

// CreateConfig validates and encrypts credentials and stores a new config owned by the
// current tenant.
func (s *Service) CreateConfig(ctx context.Context, in CreateConfigInput) (*domain.PaymentLinkConfig, error) {
	p, err := domain.ParseProvider(in.Provider)
	if err != nil {
		return nil, err
	}
	name, err := normalizeDisplayName(in.DisplayName)
	if err != nil {
		return nil, err
	}
	sealed, err := s.sealCredentials(p, in.Credentials)
	if err != nil {
		return nil, err
	}

	cfg := &domain.PaymentLinkConfig{
		Provider:             p,
		DisplayName:          name,
		EncryptedCredentials: sealed,
		IsTestMode:           in.IsTestMode,
		IsActive:             in.IsActive == nil || *in.IsActive,
	}
	if err := s.ledger.CreateConfig(ctx, cfg); err != nil {
		return nil, err
	}
	s.logger.Info("payment link config created",
		"component", "service", "config_id", cfg.ID, "tenant_id", cfg.TenantID, "provider", cfg.Provider, "test_mode", cfg.IsTestMode)
	return cfg, nil
}

// ListConfigs returns the current tenant's configs.
func (s *Service) ListConfigs(ctx context.Context, providerFilter string) ([]domain.PaymentLinkConfig, error) {
	filter := store.ConfigFilter{}
	if strings.TrimSpace(providerFilter) != "" {
		p, err := domain.ParseProvider(providerFilter)
		if err != nil {
			return nil, err
		}
		filter.Provider = &p
	}
	return s.ledger.ListConfigs(ctx, filter)
}

// GetConfig returns one config of the current tenant.
func (s *Service) GetConfig(ctx context.Context, id uuid.UUID) (*domain.PaymentLinkConfig, error) {
	return s.ledger.GetConfig(ctx, id)
}

// UpdateConfig changes a config. New credentials or a changed mode clear verified_at.
func (s *Service) UpdateConfig(ctx context.Context, id uuid.UUID, in UpdateConfigInput) (*domain.PaymentLinkConfig, error) {
	current, err := s.ledger.GetConfig(ctx, id)
	if err != nil {
		return nil, err
	}

	patch := store.ConfigPatch{IsActive: in.IsActive}
	if in.DisplayName != nil {
		name, err := normalizeDisplayName(*in.DisplayName)
		if err != nil {
			return nil, err
		}
		patch.DisplayName = &name
	}
	if in.Credentials != nil {
		sealed, err := s.sealCredentials(current.Provider, in.Credentials)
		if err != nil {
			return nil, err
		}
		patch.EncryptedCredentials = sealed
		patch.SetVerifiedAt = true
	}
	if in.IsTestMode != nil && *in.IsTestMode != current.IsTestMode {
		patch.IsTestMode = in.IsTestMode
		patch.SetVerifiedAt = true
	}

	updated, err := s.ledger.UpdateConfig(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment link config updated",
		"component", "service", "config_id", id, "credentials_rotated", in.Credentials != nil)
	return updated, nil
}

// DeleteConfig removes a config of the current tenant.
func (s *Service) DeleteConfig(ctx context.Context, id uuid.UUID) error {
	if err := s.ledger.DeleteConfig(ctx, id); err != nil {
		return err
	}
	s.logger.Info("payment link config deleted", "component", "service", "config_id", id)
	return nil
}

// TestResult is the outcome of TestConfig.
type TestResult struct {
	Valid    bool                      `json:"valid"`
	TestedAt time.Time                 `json:"tested_at"`
	Config   *domain.PaymentLinkConfig `json:"config"`
}

// TestConfig checks the stored credentials against the provider and records the result.
func (s *Service) TestConfig(ctx context.Context, id uuid.UUID) (TestResult, error) {
	cfg, err := s.ledger.GetConfig(ctx, id)
	if err != nil {
		return TestResult{}, err
	}
	adapter, account, err := s.open(*cfg)
	if err != nil {
		if domain.IsCredential(err) {
			testedAt := s.now()
			if _, patchErr := s.ledger.UpdateConfig(ctx, id, store.ConfigPatch{LastTestedAt: &testedAt, SetVerifiedAt: true}); patchErr != nil {
				return TestResult{}, patchErr
			}
			s.logger.Warn("stored credentials unusable; config marked unverified",
				"component", "service", "config_id", id, "provider", cfg.Provider, "error", err)
		}
		return TestResult{}, err
	}

	valid, checkErr := adapter.ValidateCredentials(ctx, account)
	testedAt := s.now()
	patch := store.ConfigPatch{LastTestedAt: &testedAt}
	if checkErr == nil {
		patch.SetVerifiedAt = true
		if valid {
			patch.VerifiedAt = &testedAt
		}
	}
	updated, err := s.ledger.UpdateConfig(ctx, id, patch)
	if err != nil {
		return TestResult{}, err
	}
	if checkErr != nil {
		s.logger.Warn("credential test could not reach provider",
			"component", "service", "config_id", id, "provider", cfg.Provider, "error", checkErr)
		return TestResult{}, checkErr
	}
	s.logger.Info("credential test finished",
		"component", "service", "config_id", id, "provider", cfg.Provider, "valid", valid)
	return TestResult{Valid: valid, TestedAt: testedAt, Config: updated}, nil
}

func normalizeDisplayName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", domain.NewValidationError("display_name", "is required")
	}
	if len([]rune(name)) > maxDisplayNameLength {
		return "", domain.NewValidationError("display_name", "must be at most %d characters", maxDisplayNameLength)
	}
	return name, nil
}

func (s *Service) sealCredentials(p domain.Provider, raw map[string]string) ([]byte, error) {
	creds := make(domain.Credentials, len(raw))
	for k, v := range raw {
		creds[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := creds.Check(p); err != nil {
		return nil, err
	}
	return s.vault.Encrypt(creds)
}

// open decrypts cfg's credentials and returns its adapter.
func (s *Service) open(cfg domain.PaymentLinkConfig) (provider.Adapter, provider.Account, error) {
	adapter, err := s.adapters.Get(cfg.Provider)
	if err != nil {
		return nil, provider.Account{}, err
	}
	creds, err := s.vault.Decrypt(cfg.EncryptedCredentials)
	if err != nil {
		return nil, provider.Account{}, &domain.CredentialError{Provider: cfg.Provider, Reason: "stored credentials cannot be decrypted", Err: err}
	}
	if err := creds.Check(cfg.Provider); err != nil {
		return nil, provider.Account{}, err
	}
	return adapter, provider.Account{Credentials: creds, TestMode: cfg.IsTestMode}, nil
}

// ---- payment links ----

// CreateLinkInput is the input of CreatePaymentLink.
type CreateLinkInput struct {
	ConfigID      uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	ProductName   string
	Description   string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	ExpiresAt     *time.Time
}

// CreatePaymentLink creates a checkout link at the config's provider and records it
// as a pending PaymentLink owned by the config's tenant.
func (s *Service) CreatePaymentLink(ctx context.Context, in CreateLinkInput) (*domain.PaymentLink, error) {
	cfg, err := s.ledger.GetConfig(ctx, in.ConfigID)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, domain.NewValidationError("config_id", "config is inactive")
	}

	req, err := provider.ValidateLinkRequest(cfg.Provider, provider.LinkRequest{
		LinkID:        uuid.New(),
		Amount:        in.Amount,
		Currency:      in.Currency,
		ProductName:   in.ProductName,
		Description:   in.Description,
		CustomerEmail: in.CustomerEmail,
		SuccessURL:    in.SuccessURL,
		CancelURL:     in.CancelURL,
		ExpiresAt:     in.ExpiresAt,
	}, s.now())
	if err != nil {
		return nil, err
	}

	adapter, account, err := s.open(*cfg)
	if err != nil {
		return nil, err
	}

	allowed, retryAfter, err := s.limiter.Allow(ctx, cfg.Provider, cfg.TenantID)
	if err != nil {
		s.logger.Warn("rate limiter unavailable; allowing call",
			"component", "service", "provider", cfg.Provider, "tenant_id", cfg.TenantID, "error", err)
	} else if !allowed {
		return nil, &RateLimitError{Provider: cfg.Provider, RetryAfter: retryAfter}
	}

	res := adapter.CreatePaymentLink(ctx, account, req)
	if !res.Success {
		s.logger.Warn("provider rejected payment link",
			"component", "service", "provider", cfg.Provider, "config_id", cfg.ID, "link_id", req.LinkID, "error", res.Err)
		if res.Err == nil {
			res.Err = &domain.ProviderError{Provider: cfg.Provider, Operation: "create_payment_link", Timestamp: s.now()}
		}
		return nil, res.Err
	}

	expiresAt := req.ExpiresAt
	if expiresAt == nil {
		expiresAt = res.ExpiresAt
	}
	link := &domain.PaymentLink{
		ID:                req.LinkID,
		ConfigID:          cfg.ID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		ProductName:       req.ProductName,
		Description:       req.Description,
		CustomerEmail:     req.CustomerEmail,
		SuccessURL:        req.SuccessURL,
		CancelURL:         req.CancelURL,
		URL:               res.URL,
		ExternalID:        res.ExternalID,
		ProviderReference: res.ProviderReference,
		Status:            domain.LinkStatusPending,
		ExpiresAt:         expiresAt,
	}
	if err := s.ledger.CreateLink(ctx, link); err != nil {
		// The provider object exists without a ledger row; the external id is the only way back to it.
		s.logger.Error("failed to persist payment link created at provider",
			"component", "service", "provider", cfg.Provider, "link_id", link.ID, "external_id", res.ExternalID, "error", err)
		return nil, err
	}
	s.logger.Info("payment link created",
		"component", "service", "link_id", link.ID, "tenant_id", link.TenantID, "provider", link.Provider,
		"external_id", link.ExternalID, "amount", link.Amount.String(), "currency", link.Currency)
	return link, nil
}

// GetPaymentLink returns one link of the current tenant.
func (s *Service) GetPaymentLink(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error) {
	return s.ledger.GetLink(ctx, id)
}

// ListLinksInput filters ListPaymentLinks.
type ListLinksInput struct {
	Status   string
	ConfigID *uuid.UUID
	Limit    int
	Offset   int
}

// ListPaymentLinks returns the current tenant's links, newest first.
func (s *Service) ListPaymentLinks(ctx context.Context, in ListLinksInput) ([]domain.PaymentLink, error) {
	filter := store.LinkFilter{ConfigID: in.ConfigID, Limit: in.Limit, Offset: in.Offset}
	if strings.TrimSpace(in.Status) != "" {
		status, err := domain.ParseLinkStatus(strings.ToLower(strings.TrimSpace(in.Status)))
		if err != nil {
			return nil, err
		}
		filter.Statuses = []domain.LinkStatus{status}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.ledger.ListLinks(ctx, filter)
}

// CancelPaymentLink cancels a pending link. Links in any other state are a conflict.
func (s *Service) CancelPaymentLink(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error) {
	link, moved, err := s.ledger.TransitionLink(ctx, id,
		[]domain.LinkStatus{domain.LinkStatusPending}, domain.LinkStatusCancelled)
	if err != nil {
		return nil, err
	}
	if !moved {
		current, err := s.ledger.GetLink(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("payment link is %s: %w", current.Status, domain.ErrConflict)
	}
	s.logger.Info("payment link cancelled", "component", "service", "link_id", id)
	return link, nil
}

// ListTransactions returns the transactions of one link of the current tenant.
func (s *Service) ListTransactions(ctx context.Context, linkID uuid.UUID) ([]domain.Transaction, error) {
	if _, err := s.ledger.GetLink(ctx, linkID); err != nil {
		return nil, err
	}
	return s.ledger.ListTransactions(ctx, store.TransactionFilter{PaymentLinkID: &linkID})
}

// ExpireStaleLinks moves every pending link past its expiry to expired, across tenants.
func (s *Service) ExpireStaleLinks(ctx context.Context) ([]domain.PaymentLink, error) {
	ctx = tenancy.Unscoped(ctx, "scheduler: expire links past expires_at")
	return s.ledger.ExpireLinks(ctx, s.now())
}

// ---- webhooks ----

// WebhookInput is one inbound webhook call. Request.URL is replaced by WebhookURL
// when a public base URL is configured.
type WebhookInput struct {
	Provider string
	ConfigID string
	Request  provider.WebhookRequest
}

// WebhookResult is what the HTTP layer needs to acknowledge a delivery.
type WebhookResult struct {
	AckBody  []byte
	Outcomes []reconcile.Outcome
}

// IngestWebhook verifies, parses and reconciles one provider delivery. Every delivery
// is written to the webhook audit log whatever its outcome.
func (s *Service) IngestWebhook(ctx context.Context, in WebhookInput) (WebhookResult, error) {
	delivery := &domain.WebhookDelivery{ReceivedAt: s.now(), Outcome: "rejected"}
	defer func() {
		if err := s.ledger.RecordWebhookDelivery(ctx, delivery); err != nil {
			s.logger.Error("failed to record webhook delivery", "component", "webhook", "provider", delivery.Provider, "error", err)
		}
	}()
	fail := func(err error) (WebhookResult, error) {
		delivery.ProcessingError = err.Error()
		return WebhookResult{}, err
	}

	p, err := domain.ParseProvider(in.Provider)
	if err != nil {
		return fail(err)
	}
	delivery.Provider = p
	configID, err := uuid.Parse(strings.TrimSpace(in.ConfigID))
	if err != nil {
		return fail(domain.ErrNotFound)
	}
	delivery.ConfigID = &configID

	cfg, err := s.ledger.GetConfig(tenancy.Unscoped(ctx, "webhook config resolution"), configID)
	if err != nil {
		return fail(err)
	}
	if cfg.Provider != p {
		return fail(domain.ErrNotFound)
	}
	delivery.TenantID = cfg.TenantID

	adapter, account, err := s.open(*cfg)
	if err != nil {
		return fail(err)
	}
	req := in.Request
	if s.publicBaseURL != "" {
		req.URL = s.WebhookURL(*cfg)
	}
	if err := adapter.VerifyWebhook(ctx, account, req); err != nil {
		s.logger.Warn("webhook signature rejected",
			"component", "webhook", "provider", p, "config_id", configID, "error", err)
		return fail(err)
	}
	delivery.SignatureValid = true

	result := WebhookResult{AckBody: ackBody(adapter)}
	events, err := adapter.ParseWebhook(req.Body)
	if err != nil {
		// A signed body that cannot be decoded will not decode on redelivery either.
		s.logger.Error("signed webhook payload could not be parsed",
			"component", "webhook", "provider", p, "config_id", configID, "error", err)
		delivery.Outcome = "invalid_payload"
		delivery.ProcessingError = err.Error()
		return result, nil
	}

	if len(events) == 0 {
		delivery.Outcome = "ignored"
		return result, nil
	}
	delivery.EventID = events[0].EventID
	delivery.EventType = events[0].EventType

	tenantCtx := tenancy.WithTenant(ctx, cfg.TenantID)
	for _, ev := range events {
		out, err := s.engine.Apply(tenantCtx, ev)
		if errors.Is(err, domain.ErrUnknownPaymentLink) {
			s.logger.Warn("webhook event does not match a payment link",
				"component", "webhook", "provider", p, "config_id", configID, "event_id", ev.EventID,
				"event_type", ev.EventType, "external_ids", ev.ExternalIDs)
			delivery.Outcome = "unmatched"
			continue
		}
		if err != nil {
			s.logger.Error("webhook reconciliation failed",
				"component", "webhook", "provider", p, "event_id", ev.EventID, "error", err)
			return fail(err)
		}
		result.Outcomes = append(result.Outcomes, out)
		s.logger.Info("webhook event reconciled",
			"component", "webhook", "provider", p, "tenant_id", cfg.TenantID, "event_id", ev.EventID,
			"event_type", ev.EventType, "outcome", out.Kind, "link_id", out.Link.ID,
			"transaction_id", out.Transaction.ID, "status", out.Transaction.Status)

		s.publishOutcome(tenantCtx, out)

		if err := s.captureIfRequired(ctx, adapter, account, out); err != nil {
			return fail(err)
		}
	}
	if len(result.Outcomes) > 0 {
		delivery.Outcome = string(result.Outcomes[len(result.Outcomes)-1].Kind)
	}
	return result, nil
}

func ackBody(adapter provider.Adapter) []byte {
	if ack, ok := adapter.(provider.Acknowledger); ok {
		return ack.AckBody()
	}
	return nil
}

// captureIfRequired captures an approved order for providers that need an explicit
// capture. Capturing twice is harmless, so redelivered approvals retry it.
func (s *Service) captureIfRequired(ctx context.Context, adapter provider.Adapter, account provider.Account, out reconcile.Outcome) error {
	capturer, ok := adapter.(provider.Capturer)
	if !ok || out.Refund || out.Transaction.Status != domain.TransactionPending {
		return nil
	}
	meta := out.Transaction.Metadata
	if required, _ := meta[provider.MetadataCaptureRequired].(bool); !required {
		return nil
	}
	if captureID, _ := meta[provider.MetadataCaptureID].(string); captureID != "" {
		return nil
	}
	orderID := captureOrderID(out.Transaction)
	if orderID == "" {
		return fmt.Errorf("capture %s: transaction %s has no order id", adapter.Provider(), out.Transaction.ID)
	}
	if err := capturer.CaptureOrder(ctx, account, orderID); err != nil {
		s.logger.Error("order capture failed",
			"component", "webhook", "provider", adapter.Provider(), "order_id", orderID, "error", err)
		return err
	}
	s.logger.Info("order captured",
		"component", "webhook", "provider", adapter.Provider(), "order_id", orderID, "link_id", out.Link.ID)
	return nil
}

// captureOrderID is the order id of txn. The external id moves to the capture id
// once a capture event is merged, while the payment ref keeps the order id.
func captureOrderID(txn domain.Transaction) string {
	if id, _ := txn.Metadata[provider.MetadataOrderID].(string); id != "" {
		return id
	}
	return txn.PaymentRef
}

// publishOutcome emits ledger events. A failed publish is logged; the ledger stays
// the source of truth.
func (s *Service) publishOutcome(ctx context.Context, out reconcile.Outcome) {
	txn := out.Transaction
	var events []rabbitmq.LedgerEvent
	switch {
	case out.Refund && out.Kind == reconcile.OutcomeCreated:
		events = append(events, s.ledgerEvent(rabbitmq.RoutingTransactionRefunded, out.Link, &txn))
	case !out.Refund && txn.Status == domain.TransactionSucceeded &&
		(out.Previous == nil || out.Previous.Status != domain.TransactionSucceeded):
		events = append(events, s.ledgerEvent(rabbitmq.RoutingTransactionSucceeded, out.Link, &txn))
	}
	if out.LinkCompleted {
		events = append(events, s.ledgerEvent(rabbitmq.RoutingLinkCompleted, out.Link, nil))
	}
	for _, event := range events {
		if err := s.eventProducer.PublishLedgerEvent(ctx, event); err != nil {
			s.logger.Error("failed to publish ledger event",
				"component", "service", "type", event.Type, "link_id", event.PaymentLinkID, "error", err)
		}
	}
}

func (s *Service) ledgerEvent(kind string, link domain.PaymentLink, txn *domain.Transaction) rabbitmq.LedgerEvent {
	event := rabbitmq.LedgerEvent{
		EventID:       uuid.New(),
		Type:          kind,
		TenantID:      link.TenantID,
		Provider:      string(link.Provider),
		PaymentLinkID: link.ID,
		Amount:        link.Amount,
		Currency:      link.Currency,
		OccurredAt:    s.now(),
	}
	if txn != nil {
		id := txn.ID
		event.TransactionID = &id
		event.ExternalID = txn.ExternalID
		event.Amount = txn.Amount
		event.Currency = txn.Currency
	}
	return event
}
