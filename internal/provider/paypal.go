package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kessai/link-service/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// paypalAdapter creates Orders v2 checkouts. Approved orders are captured by the
// webhook flow through CaptureOrder.
type paypalAdapter struct {
	opts      Options
	endpoints Endpoints

	mu     sync.Mutex
	tokens map[string]oauth2.TokenSource
}

func newPayPalAdapter(opts Options) *paypalAdapter {
	return &paypalAdapter{
		opts:      opts,
		endpoints: opts.endpoints(domain.ProviderPayPal),
		tokens:    make(map[string]oauth2.TokenSource),
	}
}

func (a *paypalAdapter) Provider() domain.Provider { return domain.ProviderPayPal }

// tokenSource returns a cached client-credentials source. The cache key covers the
// secret so rotated credentials get a fresh token.
func (a *paypalAdapter) tokenSource(account Account) oauth2.TokenSource {
	base := a.endpoints.pick(account.TestMode)
	clientID := account.Credentials.Get("client_id")
	secret := account.Credentials.Get("client_secret")
	sum := sha256.Sum256([]byte(base + "\x00" + clientID + "\x00" + secret))
	key := hex.EncodeToString(sum[:])

	a.mu.Lock()
	defer a.mu.Unlock()
	if ts, ok := a.tokens[key]; ok {
		return ts
	}
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, a.opts.HTTPClient)
	ts := cfg.TokenSource(ctx)
	a.tokens[key] = ts
	return ts
}

func (a *paypalAdapter) accessToken(account Account, op string) (string, error) {
	tok, err := a.tokenSource(account).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return "", providerError(domain.ProviderPayPal, op, rerr.Response.StatusCode, rerr.ErrorCode, rerr.ErrorDescription, err)
		}
		return "", providerError(domain.ProviderPayPal, op, 0, "token", "", err)
	}
	return tok.AccessToken, nil
}

func (a *paypalAdapter) ValidateCredentials(ctx context.Context, account Account) (bool, error) {
	if err := account.Credentials.Check(domain.ProviderPayPal); err != nil {
		return false, err
	}
	if _, err := a.accessToken(account, "validate_credentials"); err != nil {
		if isAuthFailure(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrderRequest struct {
	Intent        string `json:"intent"`
	PurchaseUnits []struct {
		ReferenceID string       `json:"reference_id"`
		CustomID    string       `json:"custom_id"`
		Description string       `json:"description,omitempty"`
		Amount      paypalAmount `json:"amount"`
	} `json:"purchase_units"`
	PaymentSource struct {
		PayPal struct {
			EmailAddress      string `json:"email_address,omitempty"`
			ExperienceContext struct {
				ReturnURL  string `json:"return_url,omitempty"`
				CancelURL  string `json:"cancel_url,omitempty"`
				UserAction string `json:"user_action"`
			} `json:"experience_context"`
		} `json:"paypal"`
	} `json:"payment_source"`
}

func (a *paypalAdapter) CreatePaymentLink(ctx context.Context, account Account, req LinkRequest) Result {
	const op = "create_payment_link"
	if err := account.Credentials.Check(domain.ProviderPayPal); err != nil {
		return failed(err)
	}
	token, err := a.accessToken(account, op)
	if err != nil {
		return failed(err)
	}

	var order paypalOrderRequest
	order.Intent = "CAPTURE"
	order.PurchaseUnits = make([]struct {
		ReferenceID string       `json:"reference_id"`
		CustomID    string       `json:"custom_id"`
		Description string       `json:"description,omitempty"`
		Amount      paypalAmount `json:"amount"`
	}, 1)
	unit := &order.PurchaseUnits[0]
	unit.ReferenceID = req.LinkID.String()
	unit.CustomID = req.LinkID.String()
	unit.Description = truncate(req.ProductName, 127)
	unit.Amount = paypalAmount{CurrencyCode: req.Currency, Value: domain.FormatAmount(req.Amount, req.Currency)}
	order.PaymentSource.PayPal.EmailAddress = req.CustomerEmail
	order.PaymentSource.PayPal.ExperienceContext.UserAction = "PAY_NOW"
	order.PaymentSource.PayPal.ExperienceContext.ReturnURL = firstNonEmpty(req.SuccessURL, a.opts.DefaultSuccessURL)
	order.PaymentSource.PayPal.ExperienceContext.CancelURL = req.CancelURL

	body, err := encodeBody(domain.ProviderPayPal, op, order)
	if err != nil {
		return failed(err)
	}

	var resp struct {
		ID     string       `json:"id"`
		Status string       `json:"status"`
		Links  []paypalLink `json:"links"`
	}
	err = doJSON(ctx, a.opts.HTTPClient, a.opts.Logger, apiCall{
		provider:  domain.ProviderPayPal,
		operation: op,
		method:    http.MethodPost,
		url:       a.endpoints.pick(account.TestMode) + "/v2/checkout/orders",
		header: http.Header{
			"Authorization":     {"Bearer " + token},
			"Paypal-Request-Id": {req.LinkID.String()},
			"Prefer":            {"return=minimal"},
		},
		body:        body,
		errorDetail: paypalErrorDetail,
	}, &resp)
	if err != nil {
		return failed(err)
	}

	approve := ""
	for _, l := range resp.Links {
		if l.Rel == "payer-action" || l.Rel == "approve" {
			approve = l.Href
			break
		}
	}
	return succeeded(domain.ProviderPayPal, approve, resp.ID, "", nil)
}

// CaptureOrder captures an approved order. An order that was already captured
// counts as success.
func (a *paypalAdapter) CaptureOrder(ctx context.Context, account Account, orderID string) error {
	const op = "capture_order"
	token, err := a.accessToken(account, op)
	if err != nil {
		return err
	}
	err = doJSON(ctx, a.opts.HTTPClient, a.opts.Logger, apiCall{
		provider:  domain.ProviderPayPal,
		operation: op,
		method:    http.MethodPost,
		url:       a.endpoints.pick(account.TestMode) + "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture",
		header: http.Header{
			"Authorization":     {"Bearer " + token},
			"Paypal-Request-Id": {"capture-" + orderID},
			"Prefer":            {"return=minimal"},
		},
		body:        []byte("{}"),
		errorDetail: paypalErrorDetail,
	}, nil)
	var pe *domain.ProviderError
	if errors.As(err, &pe) && pe.Code == "ORDER_ALREADY_CAPTURED" {
		return nil
	}
	return err
}

func paypalErrorDetail(body []byte) (string, string) {
	var e struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Details []struct {
			Issue       string `json:"issue"`
			Description string `json:"description"`
		} `json:"details"`
	}
	if json.Unmarshal(body, &e) != nil {
		return "", ""
	}
	if len(e.Details) > 0 && e.Details[0].Issue != "" {
		return e.Details[0].Issue, firstNonEmpty(e.Details[0].Description, e.Message)
	}
	return e.Name, e.Message
}

var paypalSignatureHeaders = []string{
	"Paypal-Auth-Algo",
	"Paypal-Cert-Url",
	"Paypal-Transmission-Id",
	"Paypal-Transmission-Sig",
	"Paypal-Transmission-Time",
}

// VerifyWebhook delegates to PayPal's verify-webhook-signature API.
func (a *paypalAdapter) VerifyWebhook(ctx context.Context, account Account, req WebhookRequest) error {
	const op = "verify_webhook"
	webhookID := account.Credentials.Get("webhook_id")
	if webhookID == "" {
		return signatureError(domain.ProviderPayPal, "webhook id not configured", nil)
	}
	values := make([]string, len(paypalSignatureHeaders))
	for i, h := range paypalSignatureHeaders {
		values[i] = req.Header.Get(h)
		if values[i] == "" {
			return signatureError(domain.ProviderPayPal, "missing "+strings.ToUpper(h)+" header", nil)
		}
	}
	if !json.Valid(req.Body) {
		return signatureError(domain.ProviderPayPal, "body is not json", nil)
	}

	token, err := a.accessToken(account, op)
	if err != nil {
		return err
	}
	body, err := encodeBody(domain.ProviderPayPal, op, map[string]any{
		"auth_algo":         values[0],
		"cert_url":          values[1],
		"transmission_id":   values[2],
		"transmission_sig":  values[3],
		"transmission_time": values[4],
		"webhook_id":        webhookID,
		"webhook_event":     json.RawMessage(req.Body),
	})
	if err != nil {
		return err
	}
	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	err = doJSON(ctx, a.opts.HTTPClient, a.opts.Logger, apiCall{
		provider:    domain.ProviderPayPal,
		operation:   op,
		method:      http.MethodPost,
		url:         a.endpoints.pick(account.TestMode) + "/v1/notifications/verify-webhook-signature",
		header:      http.Header{"Authorization": {"Bearer " + token}},
		body:        body,
		errorDetail: paypalErrorDetail,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.VerificationStatus != "SUCCESS" {
		return signatureError(domain.ProviderPayPal, "verification status "+resp.VerificationStatus, nil)
	}
	return nil
}

type paypalEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime time.Time       `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type paypalOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		ReferenceID string       `json:"reference_id"`
		CustomID    string       `json:"custom_id"`
		Amount      paypalAmount `json:"amount"`
	} `json:"purchase_units"`
	Payer *struct {
		EmailAddress string `json:"email_address"`
		PayerID      string `json:"payer_id"`
		Name         struct {
			GivenName string `json:"given_name"`
			Surname   string `json:"surname"`
		} `json:"name"`
	} `json:"payer"`
}

type paypalCapture struct {
	ID                string       `json:"id"`
	Status            string       `json:"status"`
	CustomID          string       `json:"custom_id"`
	Amount            paypalAmount `json:"amount"`
	Links             []paypalLink `json:"links"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

func (a *paypalAdapter) ParseWebhook(body []byte) ([]domain.WebhookEvent, error) {
	var event paypalEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode paypal event: %w", err)
	}
	base := domain.WebhookEvent{
		Provider:   domain.ProviderPayPal,
		EventID:    event.ID,
		EventType:  event.EventType,
		OccurredAt: event.CreateTime.UTC(),
		Metadata:   map[string]any{"paypal_event_id": event.ID},
	}

	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED", "CHECKOUT.ORDER.VOIDED":
		var order paypalOrder
		if err := json.Unmarshal(event.Resource, &order); err != nil {
			return nil, fmt.Errorf("decode paypal order: %w", err)
		}
		ev := base
		ev.Kind = domain.EventPaymentPending
		if event.EventType == "CHECKOUT.ORDER.VOIDED" {
			ev.Kind = domain.EventPaymentCancelled
		}
		ev.ExternalIDs = nonEmpty(order.ID)
		ev.LinkRef = order.ID
		if len(order.PurchaseUnits) > 0 {
			pu := order.PurchaseUnits[0]
			ev.PaymentLinkID = linkIDFrom(firstNonEmpty(pu.CustomID, pu.ReferenceID))
			ev.Amount, ev.Currency = paypalMoney(pu.Amount)
		}
		if order.Payer != nil {
			ev.Payer = domain.Payer{
				Email: order.Payer.EmailAddress,
				Name:  strings.TrimSpace(order.Payer.Name.GivenName + " " + order.Payer.Name.Surname),
				ID:    order.Payer.PayerID,
			}
		}
		ev.Metadata[MetadataOrderID] = order.ID
		if ev.Kind == domain.EventPaymentPending && order.Status == "APPROVED" {
			ev.Metadata[MetadataCaptureRequired] = true
		}
		return []domain.WebhookEvent{ev}, nil

	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.PENDING",
		"PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		var capture paypalCapture
		if err := json.Unmarshal(event.Resource, &capture); err != nil {
			return nil, fmt.Errorf("decode paypal capture: %w", err)
		}
		ev := base
		switch event.EventType {
		case "PAYMENT.CAPTURE.COMPLETED":
			ev.Kind = domain.EventPaymentSucceeded
		case "PAYMENT.CAPTURE.PENDING":
			ev.Kind = domain.EventPaymentPending
		default:
			ev.Kind = domain.EventPaymentFailed
		}
		orderID := capture.SupplementaryData.RelatedIDs.OrderID
		ev.ExternalIDs = nonEmpty(capture.ID, orderID)
		ev.LinkRef = orderID
		ev.PaymentLinkID = linkIDFrom(capture.CustomID)
		ev.Amount, ev.Currency = paypalMoney(capture.Amount)
		ev.Metadata[MetadataCaptureID] = capture.ID
		ev.Metadata[MetadataCaptureRequired] = false
		if orderID != "" {
			ev.Metadata[MetadataOrderID] = orderID
		}
		if capture.StatusDetails != nil && capture.StatusDetails.Reason != "" {
			ev.Metadata["status_reason"] = capture.StatusDetails.Reason
		}
		return []domain.WebhookEvent{ev}, nil

	case "PAYMENT.CAPTURE.REFUNDED":
		var refund paypalCapture
		if err := json.Unmarshal(event.Resource, &refund); err != nil {
			return nil, fmt.Errorf("decode paypal refund: %w", err)
		}
		captureID := ""
		for _, l := range refund.Links {
			if l.Rel == "up" {
				captureID = lastPathSegment(l.Href)
				break
			}
		}
		ev := base
		ev.Kind = domain.EventRefunded
		ev.ExternalIDs = nonEmpty(captureID)
		ev.RefundID = refund.ID
		ev.PaymentLinkID = linkIDFrom(refund.CustomID)
		ev.Amount, ev.Currency = paypalMoney(refund.Amount)
		ev.Metadata["paypal_refund_id"] = refund.ID
		return []domain.WebhookEvent{ev}, nil
	}
	return nil, nil
}

// Metadata keys shared with the webhook capture flow.
const (
	// MetadataCaptureRequired marks events whose order the webhook flow must capture.
	// Capture events reset it to false.
	MetadataCaptureRequired = "capture_required"
	MetadataOrderID         = "paypal_order_id"
	MetadataCaptureID       = "paypal_capture_id"
)

func paypalMoney(a paypalAmount) (decimal.Decimal, string) {
	amount, err := decimal.NewFromString(a.Value)
	if err != nil {
		return decimal.Zero, strings.ToUpper(a.CurrencyCode)
	}
	return amount, strings.ToUpper(a.CurrencyCode)
}

func lastPathSegment(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	path := strings.TrimSuffix(u.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
