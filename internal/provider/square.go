package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kessai/link-service/internal/domain"
)

const (
	squareAPIVersion      = "2024-06-04"
	squareSignatureHeader = "X-Square-Hmacsha256-Signature"
)

// squareAdapter creates quick-pay Payment Links against one location.
type squareAdapter struct {
	opts      Options
	endpoints Endpoints
}

func newSquareAdapter(opts Options) *squareAdapter {
	return &squareAdapter{opts: opts, endpoints: opts.endpoints(domain.ProviderSquare)}
}

func (a *squareAdapter) Provider() domain.Provider { return domain.ProviderSquare }

func (a *squareAdapter) header(account Account) http.Header {
	return http.Header{
		"Authorization":  {"Bearer " + account.Credentials.Get("access_token")},
		"Square-Version": {squareAPIVersion},
	}
}

func squareErrorDetail(body []byte) (string, string) {
	var e struct {
		Errors []struct {
			Category string `json:"category"`
			Code     string `json:"code"`
			Detail   string `json:"detail"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &e) != nil || len(e.Errors) == 0 {
		return "", ""
	}
	return e.Errors[0].Code, e.Errors[0].Detail
}

// ValidateCredentials fetches the configured location. An unknown location is a
// credential problem just like a rejected token.
func (a *squareAdapter) ValidateCredentials(ctx context.Context, account Account) (bool, error) {
	if err := account.Credentials.Check(domain.ProviderSquare); err != nil {
		return false, err
	}
	err := doJSON(ctx, a.opts.HTTPClient, a.opts.Logger, apiCall{
		provider:    domain.ProviderSquare,
		operation:   "validate_credentials",
		method:      http.MethodGet,
		url:         a.endpoints.pick(account.TestMode) + "/v2/locations/" + url.PathEscape(account.Credentials.Get("location_id")),
		header:      a.header(account),
		errorDetail: squareErrorDetail,
	}, nil)
	if err != nil {
		var pe *domain.ProviderError
		if isAuthFailure(err) || (errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (a *squareAdapter) CreatePaymentLink(ctx context.Context, account Account, req LinkRequest) Result {
	const op = "create_payment_link"
	if err := account.Credentials.Check(domain.ProviderSquare); err != nil {
		return failed(err)
	}
	minor, err := domain.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return failed(domain.NewValidationError("amount", "%v", err))
	}

	payload := map[string]any{
		"idempotency_key": req.LinkID.String(),
		"quick_pay": map[string]any{
			"name":        req.ProductName,
			"price_money": squareMoney{Amount: minor, Currency: req.Currency},
			"location_id": account.Credentials.Get("location_id"),
		},
		"payment_note": truncate(firstNonEmpty(req.Description, req.ProductName), 500),
	}
	if redirect := firstNonEmpty(req.SuccessURL, a.opts.DefaultSuccessURL); redirect != "" {
		payload["checkout_options"] = map[string]any{"redirect_url": redirect}
	}
	if req.CustomerEmail != "" {
		payload["pre_populated_data"] = map[string]any{"buyer_email": req.CustomerEmail}
	}
	body, err := encodeBody(domain.ProviderSquare, op, payload)
	if err != nil {
		return failed(err)
	}

	var resp struct {
		PaymentLink struct {
			ID      string `json:"id"`
			URL     string `json:"url"`
			OrderID string `json:"order_id"`
		} `json:"payment_link"`
	}
	err = doJSON(ctx, a.opts.HTTPClient, a.opts.Logger, apiCall{
		provider:    domain.ProviderSquare,
		operation:   op,
		method:      http.MethodPost,
		url:         a.endpoints.pick(account.TestMode) + "/v2/online-checkout/payment-links",
		header:      a.header(account),
		body:        body,
		errorDetail: squareErrorDetail,
	}, &resp)
	if err != nil {
		return failed(err)
	}
	// Square payments reference the order, not the link, so the order id is kept
	// for webhook matching.
	return succeeded(domain.ProviderSquare, resp.PaymentLink.URL, resp.PaymentLink.ID, resp.PaymentLink.OrderID, nil)
}

// SquareSignature computes the notification signature Square sends for body
// posted to notificationURL.
func SquareSignature(signatureKey, notificationURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(signatureKey))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (a *squareAdapter) VerifyWebhook(ctx context.Context, account Account, req WebhookRequest) error {
	key := account.Credentials.Get("signature_key")
	if key == "" {
		return signatureError(domain.ProviderSquare, "signature key not configured", nil)
	}
	got := req.Header.Get(squareSignatureHeader)
	if got == "" {
		return signatureError(domain.ProviderSquare, "missing signature header", nil)
	}
	if req.URL == "" {
		return signatureError(domain.ProviderSquare, "notification url unknown", nil)
	}
	want := SquareSignature(key, req.URL, req.Body)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return signatureError(domain.ProviderSquare, "signature mismatch", nil)
	}
	return nil
}

type squareEvent struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *struct {
				ID                string      `json:"id"`
				Status            string      `json:"status"`
				OrderID           string      `json:"order_id"`
				AmountMoney       squareMoney `json:"amount_money"`
				BuyerEmailAddress string      `json:"buyer_email_address"`
				CustomerID        string      `json:"customer_id"`
				ReceiptURL        string      `json:"receipt_url"`
			} `json:"payment"`
			Refund *struct {
				ID          string      `json:"id"`
				Status      string      `json:"status"`
				PaymentID   string      `json:"payment_id"`
				OrderID     string      `json:"order_id"`
				AmountMoney squareMoney `json:"amount_money"`
			} `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

func (a *squareAdapter) ParseWebhook(body []byte) ([]domain.WebhookEvent, error) {
	var event squareEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode square event: %w", err)
	}
	base := domain.WebhookEvent{
		Provider:   domain.ProviderSquare,
		EventID:    event.EventID,
		EventType:  event.Type,
		OccurredAt: event.CreatedAt.UTC(),
		Metadata:   map[string]any{"square_event_id": event.EventID},
	}

	switch event.Type {
	case "payment.created", "payment.updated":
		p := event.Data.Object.Payment
		if p == nil {
			return nil, fmt.Errorf("square %s event %s has no payment", event.Type, event.EventID)
		}
		kind, ok := squarePaymentKind(p.Status)
		if !ok {
			return nil, nil
		}
		ev := base
		ev.Kind = kind
		ev.ExternalIDs = nonEmpty(p.ID, p.OrderID)
		ev.LinkRef = p.OrderID
		ev.Amount = domain.FromMinorUnits(p.AmountMoney.Amount, p.AmountMoney.Currency)
		ev.Currency = strings.ToUpper(p.AmountMoney.Currency)
		ev.Payer = domain.Payer{Email: p.BuyerEmailAddress, ID: p.CustomerID}
		ev.Metadata["square_status"] = p.Status
		if p.ReceiptURL != "" {
			ev.Metadata["receipt_url"] = p.ReceiptURL
		}
		return []domain.WebhookEvent{ev}, nil

	case "refund.created", "refund.updated":
		r := event.Data.Object.Refund
		if r == nil {
			return nil, fmt.Errorf("square %s event %s has no refund", event.Type, event.EventID)
		}
		if r.Status != "COMPLETED" {
			return nil, nil
		}
		ev := base
		ev.Kind = domain.EventRefunded
		ev.ExternalIDs = nonEmpty(r.PaymentID, r.OrderID)
		ev.RefundID = r.ID
		ev.Amount = domain.FromMinorUnits(r.AmountMoney.Amount, r.AmountMoney.Currency)
		ev.Currency = strings.ToUpper(r.AmountMoney.Currency)
		return []domain.WebhookEvent{ev}, nil
	}
	return nil, nil
}

func squarePaymentKind(status string) (domain.EventKind, bool) {
	switch status {
	case "APPROVED", "PENDING":
		return domain.EventPaymentPending, true
	case "COMPLETED":
		return domain.EventPaymentSucceeded, true
	case "CANCELED":
		return domain.EventPaymentCancelled, true
	case "FAILED":
		return domain.EventPaymentFailed, true
	}
	return "", false
}
