package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kessai/link-service/internal/domain"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	stripeMinSessionLifetime = 31 * time.Minute
	stripeMaxSessionLifetime = 24 * time.Hour
)

// stripeAdapter creates Stripe Checkout Sessions with a static secret key.
type stripeAdapter struct {
	opts      Options
	endpoints Endpoints
}

func newStripeAdapter(opts Options) *stripeAdapter {
	return &stripeAdapter{opts: opts, endpoints: opts.endpoints(domain.ProviderStripe)}
}

func (a *stripeAdapter) Provider() domain.Provider { return domain.ProviderStripe }

// client builds a per-call API client. Stripe has no sandbox host; test mode is
// selected by the key itself.
func (a *stripeAdapter) client(account Account) *client.API {
	retries := int64(0)
	baseURL := a.endpoints.pick(account.TestMode)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        a.opts.HTTPClient,
		MaxNetworkRetries: &retries,
		URL:               &baseURL,
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	})
	sc := &client.API{}
	sc.Init(account.Credentials.Get("secret_key"), &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return sc
}

func (a *stripeAdapter) ValidateCredentials(ctx context.Context, account Account) (bool, error) {
	if err := account.Credentials.Check(domain.ProviderStripe); err != nil {
		return false, err
	}
	key := account.Credentials.Get("secret_key")
	if account.TestMode != strings.HasPrefix(key, "sk_test_") && strings.HasPrefix(key, "sk_") {
		return false, nil
	}
	params := &stripe.BalanceParams{}
	params.Context = ctx
	if _, err := a.client(account).Balance.Get(params); err != nil {
		mapped := a.mapError("validate_credentials", err)
		if isAuthFailure(mapped) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}

func (a *stripeAdapter) CreatePaymentLink(ctx context.Context, account Account, req LinkRequest) Result {
	if err := account.Credentials.Check(domain.ProviderStripe); err != nil {
		return failed(err)
	}
	minor, err := domain.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return failed(domain.NewValidationError("amount", "%v", err))
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = a.opts.DefaultSuccessURL
	}
	linkID := req.LinkID.String()
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(linkID),
		SuccessURL:        stripe.String(successURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(minor),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.ProductName),
				},
			},
		}},
		Metadata: map[string]string{"payment_link_id": linkID},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"payment_link_id": linkID},
		},
	}
	if req.Description != "" {
		params.LineItems[0].PriceData.ProductData.Description = stripe.String(req.Description)
	}
	if req.CancelURL != "" {
		params.CancelURL = stripe.String(req.CancelURL)
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.ExpiresAt != nil {
		params.ExpiresAt = stripe.Int64(a.sessionExpiry(*req.ExpiresAt).Unix())
	}
	params.Context = ctx
	params.SetIdempotencyKey("link-" + linkID)

	session, err := a.client(account).CheckoutSessions.New(params)
	if err != nil {
		return failed(a.mapError("create_payment_link", err))
	}

	var expiresAt *time.Time
	if session.ExpiresAt > 0 {
		t := time.Unix(session.ExpiresAt, 0).UTC()
		expiresAt = &t
	}
	return succeeded(domain.ProviderStripe, session.URL, session.ID, "", expiresAt)
}

// sessionExpiry clamps a link expiry into the window Stripe accepts for sessions.
func (a *stripeAdapter) sessionExpiry(want time.Time) time.Time {
	now := a.opts.Now()
	if want.Before(now.Add(stripeMinSessionLifetime)) {
		return now.Add(stripeMinSessionLifetime)
	}
	if want.After(now.Add(stripeMaxSessionLifetime)) {
		return now.Add(stripeMaxSessionLifetime)
	}
	return want
}

func (a *stripeAdapter) mapError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return providerError(domain.ProviderStripe, op, stripeErr.HTTPStatusCode, string(stripeErr.Code), stripeErr.Msg, err)
	}
	return providerError(domain.ProviderStripe, op, 0, "network", "", err)
}

func (a *stripeAdapter) VerifyWebhook(ctx context.Context, account Account, req WebhookRequest) error {
	secret := account.Credentials.Get("webhook_secret")
	if secret == "" {
		return signatureError(domain.ProviderStripe, "webhook secret not configured", nil)
	}
	header := req.Header.Get("Stripe-Signature")
	if header == "" {
		return signatureError(domain.ProviderStripe, "missing Stripe-Signature header", nil)
	}
	if err := webhook.ValidatePayloadWithTolerance(req.Body, header, secret, webhook.DefaultTolerance); err != nil {
		return signatureError(domain.ProviderStripe, "signature mismatch", err)
	}
	return nil
}

// expandable decodes a Stripe field that is either an id string or an expanded object.
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = expandable(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type stripeSession struct {
	ID                string            `json:"id"`
	PaymentIntent     expandable        `json:"payment_intent"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
}

type stripePaymentIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	PaymentIntent  expandable        `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
	Refunds        *struct {
		Data []struct {
			ID      string `json:"id"`
			Amount  int64  `json:"amount"`
			Created int64  `json:"created"`
		} `json:"data"`
	} `json:"refunds"`
}

func (a *stripeAdapter) ParseWebhook(body []byte) ([]domain.WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("stripe event %s has no data", event.ID)
	}

	base := domain.WebhookEvent{
		Provider:   domain.ProviderStripe,
		EventID:    event.ID,
		EventType:  string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		Metadata:   map[string]any{"stripe_event_id": event.ID},
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var session stripeSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		ev := base
		ev.Kind = stripeSessionKind(string(event.Type), session.PaymentStatus)
		ev.ExternalIDs = nonEmpty(string(session.PaymentIntent), session.ID)
		ev.LinkRef = session.ID
		ev.PaymentLinkID = linkIDFrom(firstNonEmpty(session.Metadata["payment_link_id"], session.ClientReferenceID))
		ev.Amount = domain.FromMinorUnits(session.AmountTotal, session.Currency)
		ev.Currency = strings.ToUpper(session.Currency)
		if session.CustomerDetails != nil {
			ev.Payer = domain.Payer{Email: session.CustomerDetails.Email, Name: session.CustomerDetails.Name}
		}
		ev.Metadata["checkout_session_id"] = session.ID
		ev.Metadata["payment_status"] = session.PaymentStatus
		return []domain.WebhookEvent{ev}, nil

	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripePaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		ev := base
		switch event.Type {
		case "payment_intent.succeeded":
			ev.Kind = domain.EventPaymentSucceeded
		case "payment_intent.payment_failed":
			ev.Kind = domain.EventPaymentFailed
		default:
			ev.Kind = domain.EventPaymentCancelled
		}
		ev.ExternalIDs = nonEmpty(pi.ID)
		ev.PaymentLinkID = linkIDFrom(pi.Metadata["payment_link_id"])
		ev.Amount = domain.FromMinorUnits(pi.Amount, pi.Currency)
		ev.Currency = strings.ToUpper(pi.Currency)
		if pi.LastPaymentError != nil {
			ev.Metadata["failure_code"] = pi.LastPaymentError.Code
			ev.Metadata["failure_message"] = pi.LastPaymentError.Message
		}
		return []domain.WebhookEvent{ev}, nil

	case "charge.refunded":
		var charge stripeCharge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		ev := base
		ev.Kind = domain.EventRefunded
		ev.ExternalIDs = nonEmpty(string(charge.PaymentIntent), charge.ID)
		ev.PaymentLinkID = linkIDFrom(charge.Metadata["payment_link_id"])
		ev.Currency = strings.ToUpper(charge.Currency)
		ev.Amount = domain.FromMinorUnits(charge.AmountRefunded, charge.Currency)
		ev.RefundID = fmt.Sprintf("%s:refund:%d", charge.ID, charge.AmountRefunded)
		if charge.Refunds != nil && len(charge.Refunds.Data) > 0 {
			latest := charge.Refunds.Data[0]
			for _, r := range charge.Refunds.Data[1:] {
				if r.Created > latest.Created {
					latest = r
				}
			}
			ev.RefundID = latest.ID
			ev.Amount = domain.FromMinorUnits(latest.Amount, charge.Currency)
		}
		ev.Metadata["charge_id"] = charge.ID
		return []domain.WebhookEvent{ev}, nil
	}
	return nil, nil
}

func stripeSessionKind(eventType, paymentStatus string) domain.EventKind {
	switch eventType {
	case "checkout.session.expired":
		return domain.EventCheckoutExpired
	case "checkout.session.async_payment_succeeded":
		return domain.EventPaymentSucceeded
	case "checkout.session.async_payment_failed":
		return domain.EventPaymentFailed
	}
	// Delayed methods (konbini, bank transfer) complete the session unpaid.
	if paymentStatus == "unpaid" {
		return domain.EventPaymentPending
	}
	return domain.EventPaymentSucceeded
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
