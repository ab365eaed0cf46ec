package provider

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kessai/link-service/internal/domain"
)

const (
	fincodeSignatureHeader = "Fincode-Signature"
	fincodeExpireLayout    = "2006/01/02 15:04:05"
	fincodeDefaultLifetime = 24 * time.Hour
)

var jst = time.FixedZone("JST", 9*60*60)

// fincodeAdapter creates hosted card checkout sessions.
type fincodeAdapter struct {
	opts      Options
	endpoints Endpoints
}

func newFincodeAdapter(opts Options) *fincodeAdapter {
	return &fincodeAdapter{opts: opts, endpoints: opts.endpoints(domain.ProviderFincode)}
}

func (a *fincodeAdapter) Provider() domain.Provider { return domain.ProviderFincode }

// AckBody is the response fincode expects; anything else is redelivered.
func (a *fincodeAdapter) AckBody() []byte { return []byte(`{"receive":"0"}`) }

func (a *fincodeAdapter) header(account Account) http.Header {
	return http.Header{"Authorization": {"Bearer " + account.Credentials.Get("secret_key")}}
}

func fincodeErrorDetail(body []byte) (string, string) {
	var e struct {
		Errors []struct {
			ErrorCode    string `json:"error_code"`
			ErrorMessage string `json:"error_message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &e) != nil || len(e.Errors) == 0 {
		return "", ""
	}
	return e.Errors[0].ErrorCode, e.Errors[0].ErrorMessage
}

func (a *fincodeAdapter) ValidateCredentials(ctx context.Context, account Account) (bool, error) {
	if err := account.Credentials.Check(domain.ProviderFincode); err != nil {
		return false, err
	}
	err := doJSON(ctx, a.opts.HTTPClient, a.opts.Logger, apiCall{
		provider:    domain.ProviderFincode,
		operation:   "validate_credentials",
		method:      http.MethodGet,
		url:         a.endpoints.pick(account.TestMode) + "/v1/payments?pay_type=Card&limit=1",
		header:      a.header(account),
		errorDetail: fincodeErrorDetail,
	}, nil)
	if err != nil {
		if isAuthFailure(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *fincodeAdapter) CreatePaymentLink(ctx context.Context, account Account, req LinkRequest) Result {
	const op = "create_payment_link"
	if err := account.Credentials.Check(domain.ProviderFincode); err != nil {
		return failed(err)
	}
	minor, err := domain.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return failed(domain.NewValidationError("amount", "%v", err))
	}

	expires := a.opts.Now().Add(fincodeDefaultLifetime)
	if req.ExpiresAt != nil {
		expires = *req.ExpiresAt
	}
	payload := map[string]any{
		"success_url": firstNonEmpty(req.SuccessURL, a.opts.DefaultSuccessURL),
		"cancel_url":  firstNonEmpty(req.CancelURL, req.SuccessURL, a.opts.DefaultSuccessURL),
		"expire":      expires.In(jst).Format(fincodeExpireLayout),
		"transaction": map[string]any{
			"pay_type":       []string{"Card"},
			"amount":         strconv.FormatInt(minor, 10),
			"client_field_1": req.LinkID.String(),
			"client_field_2": truncate(req.ProductName, 100),
		},
		"card": map[string]any{"job_code": "CAPTURE"},
	}
	if req.CustomerEmail != "" {
		payload["receiver_mail"] = req.CustomerEmail
	}
	body, err := encodeBody(domain.ProviderFincode, op, payload)
	if err != nil {
		return failed(err)
	}

	var resp struct {
		ID      string `json:"id"`
		LinkURL string `json:"link_url"`
	}
	err = doJSON(ctx, a.opts.HTTPClient, a.opts.Logger, apiCall{
		provider:    domain.ProviderFincode,
		operation:   op,
		method:      http.MethodPost,
		url:         a.endpoints.pick(account.TestMode) + "/v1/sessions",
		header:      a.header(account),
		body:        body,
		errorDetail: fincodeErrorDetail,
	}, &resp)
	if err != nil {
		return failed(err)
	}
	exp := expires.UTC()
	return succeeded(domain.ProviderFincode, resp.LinkURL, resp.ID, "", &exp)
}

// VerifyWebhook compares the shared signature fincode echoes on every delivery.
func (a *fincodeAdapter) VerifyWebhook(ctx context.Context, account Account, req WebhookRequest) error {
	want := account.Credentials.Get("webhook_signature")
	if want == "" {
		return signatureError(domain.ProviderFincode, "webhook signature not configured", nil)
	}
	got := req.Header.Get(fincodeSignatureHeader)
	if got == "" {
		return signatureError(domain.ProviderFincode, "missing Fincode-Signature header", nil)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return signatureError(domain.ProviderFincode, "signature mismatch", nil)
	}
	return nil
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

type fincodeNotification struct {
	Event        string  `json:"event"`
	ShopID       string  `json:"shop_id"`
	OrderID      string  `json:"order_id"`
	AccessID     string  `json:"access_id"`
	Status       string  `json:"status"`
	Amount       flexInt `json:"amount"`
	PayType      string  `json:"pay_type"`
	ClientField1 string  `json:"client_field_1"`
	ProcessDate  string  `json:"process_date"`
	ErrorCode    string  `json:"error_code"`
}

func (a *fincodeAdapter) ParseWebhook(body []byte) ([]domain.WebhookEvent, error) {
	var n fincodeNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode fincode notification: %w", err)
	}
	if !strings.HasPrefix(n.Event, "payments.") {
		return nil, nil
	}
	ev := domain.WebhookEvent{
		Provider:      domain.ProviderFincode,
		EventID:       n.OrderID + ":" + n.Event + ":" + n.Status,
		EventType:     n.Event,
		ExternalIDs:   nonEmpty(n.OrderID),
		PaymentLinkID: linkIDFrom(n.ClientField1),
		Amount:        domain.FromMinorUnits(int64(n.Amount), "JPY"),
		Currency:      "JPY",
		OccurredAt:    a.opts.Now(),
		Metadata:      map[string]any{"fincode_order_id": n.OrderID, "pay_type": n.PayType},
	}
	if n.ProcessDate != "" {
		if t, err := time.ParseInLocation(fincodeExpireLayout, n.ProcessDate, jst); err == nil {
			ev.OccurredAt = t.UTC()
		}
	}
	if n.ErrorCode != "" {
		ev.Metadata["error_code"] = n.ErrorCode
	}

	switch {
	case strings.HasSuffix(n.Event, ".cancel") || n.Status == "CANCELED":
		ev.Kind = domain.EventRefunded
		ev.RefundID = n.OrderID + ":cancel"
	case n.Status == "CAPTURED":
		ev.Kind = domain.EventPaymentSucceeded
	case n.Status == "AUTHORIZED" || n.Status == "AWAITING_AUTHENTICATION" || n.Status == "AUTHENTICATED":
		ev.Kind = domain.EventPaymentPending
	case n.Status == "EXPIRED":
		ev.Kind = domain.EventCheckoutExpired
	case n.Status == "FAILED" || n.ErrorCode != "":
		ev.Kind = domain.EventPaymentFailed
	default:
		return nil, nil
	}
	return []domain.WebhookEvent{ev}, nil
}
