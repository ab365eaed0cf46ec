package provider

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kessai/link-service/internal/domain"
)

const (
	paypayContentType     = "application/json;charset=UTF-8"
	paypaySignatureHeader = "X-Paypay-Signature"
)

// paypayAdapter creates Dynamic QR codes with the OPA HMAC request signature.
type paypayAdapter struct {
	opts      Options
	endpoints Endpoints
}

func newPayPayAdapter(opts Options) *paypayAdapter {
	return &paypayAdapter{opts: opts, endpoints: opts.endpoints(domain.ProviderPayPay)}
}

func (a *paypayAdapter) Provider() domain.Provider { return domain.ProviderPayPay }

// PayPayAuthorization builds the "hmac OPA-Auth" header for one request.
func PayPayAuthorization(apiKey, apiSecret, method, path string, body []byte, nonce string, epoch int64) string {
	contentType, hash := "empty", "empty"
	if len(body) > 0 {
		contentType = paypayContentType
		sum := md5.New()
		sum.Write([]byte(contentType))
		sum.Write(body)
		hash = base64.StdEncoding.EncodeToString(sum.Sum(nil))
	}
	ts := strconv.FormatInt(epoch, 10)
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write([]byte(strings.Join([]string{path, method, nonce, ts, contentType, hash}, "\n")))
	macData := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("hmac OPA-Auth:%s:%s:%s:%s:%s", apiKey, macData, nonce, ts, hash)
}

func (a *paypayAdapter) call(ctx context.Context, account Account, op, method, path string, body []byte, out any) error {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	header := http.Header{
		"Authorization": {PayPayAuthorization(
			account.Credentials.Get("api_key"), account.Credentials.Get("api_secret"),
			method, path, body, nonce, a.opts.Now().Unix())},
		"X-Assume-Merchant": {account.Credentials.Get("merchant_id")},
	}
	if len(body) > 0 {
		header.Set("Content-Type", paypayContentType)
	}
	return doJSON(ctx, a.opts.HTTPClient, a.opts.Logger, apiCall{
		provider:    domain.ProviderPayPay,
		operation:   op,
		method:      method,
		url:         a.endpoints.pick(account.TestMode) + path,
		header:      header,
		body:        body,
		errorDetail: paypayErrorDetail,
	}, out)
}

type paypayResultInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	CodeID  string `json:"codeId"`
}

func paypayErrorDetail(body []byte) (string, string) {
	var e struct {
		ResultInfo paypayResultInfo `json:"resultInfo"`
	}
	if json.Unmarshal(body, &e) != nil {
		return "", ""
	}
	return e.ResultInfo.Code, e.ResultInfo.Message
}

// ValidateCredentials looks up a payment that cannot exist. PayPay answers 404 for
// a well-signed request and 401 for bad keys.
func (a *paypayAdapter) ValidateCredentials(ctx context.Context, account Account) (bool, error) {
	if err := account.Credentials.Check(domain.ProviderPayPay); err != nil {
		return false, err
	}
	probe := "/v2/codes/payments/" + url.PathEscape("probe-"+uuid.NewString())
	err := a.call(ctx, account, "validate_credentials", http.MethodGet, probe, nil, nil)
	if err == nil {
		return true, nil
	}
	if isAuthFailure(err) {
		return false, nil
	}
	var pe *domain.ProviderError
	if errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound {
		return true, nil
	}
	return false, err
}

func (a *paypayAdapter) CreatePaymentLink(ctx context.Context, account Account, req LinkRequest) Result {
	const op = "create_payment_link"
	if err := account.Credentials.Check(domain.ProviderPayPay); err != nil {
		return failed(err)
	}
	minor, err := domain.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return failed(domain.NewValidationError("amount", "%v", err))
	}

	payload := map[string]any{
		"merchantPaymentId": req.LinkID.String(),
		"amount":            map[string]any{"amount": minor, "currency": req.Currency},
		"codeType":          "ORDER_QR",
		"orderDescription":  truncate(req.ProductName, 255),
		"isAuthorization":   false,
		"requestedAt":       a.opts.Now().Unix(),
	}
	if redirect := firstNonEmpty(req.SuccessURL, a.opts.DefaultSuccessURL); redirect != "" {
		payload["redirectUrl"] = redirect
		payload["redirectType"] = "WEB_LINK"
	}
	if req.ExpiresAt != nil {
		payload["expiryDate"] = req.ExpiresAt.Unix()
	}
	body, err := encodeBody(domain.ProviderPayPay, op, payload)
	if err != nil {
		return failed(err)
	}

	var resp struct {
		ResultInfo paypayResultInfo `json:"resultInfo"`
		Data       struct {
			CodeID            string `json:"codeId"`
			URL               string `json:"url"`
			MerchantPaymentID string `json:"merchantPaymentId"`
			ExpiryDate        int64  `json:"expiryDate"`
		} `json:"data"`
	}
	if err := a.call(ctx, account, op, http.MethodPost, "/v2/codes", body, &resp); err != nil {
		return failed(err)
	}
	if resp.ResultInfo.Code != "" && resp.ResultInfo.Code != "SUCCESS" {
		return failed(providerError(domain.ProviderPayPay, op, http.StatusOK, resp.ResultInfo.Code, resp.ResultInfo.Message, nil))
	}
	var expiresAt *time.Time
	if resp.Data.ExpiryDate > 0 {
		t := time.Unix(resp.Data.ExpiryDate, 0).UTC()
		expiresAt = &t
	}
	return succeeded(domain.ProviderPayPay, resp.Data.URL, resp.Data.CodeID, resp.Data.MerchantPaymentID, expiresAt)
}

// PayPaySignature computes the X-PayPay-Signature value for a notification body:
// base64 HMAC-SHA256 keyed by the API secret.
func PayPaySignature(apiSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(apiSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (a *paypayAdapter) VerifyWebhook(ctx context.Context, account Account, req WebhookRequest) error {
	secret := account.Credentials.Get("api_secret")
	if secret == "" {
		return signatureError(domain.ProviderPayPay, "api secret not configured", nil)
	}
	got := req.Header.Get(paypaySignatureHeader)
	if got == "" {
		return signatureError(domain.ProviderPayPay, "missing signature header", nil)
	}
	if !hmac.Equal([]byte(got), []byte(PayPaySignature(secret, req.Body))) {
		return signatureError(domain.ProviderPayPay, "signature mismatch", nil)
	}
	return nil
}

type paypayNotification struct {
	NotificationType string `json:"notification_type"`
	MerchantOrderID  string `json:"merchant_order_id"`
	OrderID          string `json:"order_id"`
	RefundID         string `json:"refund_id"`
	State            string `json:"state"`
	OrderAmount      int64  `json:"order_amount"`
	RefundAmount     int64  `json:"refund_amount"`
	PaidAt           string `json:"paid_at"`
}

func (a *paypayAdapter) ParseWebhook(body []byte) ([]domain.WebhookEvent, error) {
	var n paypayNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode paypay notification: %w", err)
	}
	ev := domain.WebhookEvent{
		Provider:      domain.ProviderPayPay,
		EventID:       n.OrderID + ":" + n.State,
		EventType:     n.State,
		ExternalIDs:   nonEmpty(n.OrderID),
		PaymentLinkID: linkIDFrom(n.MerchantOrderID),
		LinkRef:       n.MerchantOrderID,
		Amount:        domain.FromMinorUnits(n.OrderAmount, "JPY"),
		Currency:      "JPY",
		OccurredAt:    a.opts.Now(),
		Metadata:      map[string]any{"paypay_order_id": n.OrderID},
	}
	if n.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, n.PaidAt); err == nil {
			ev.OccurredAt = t.UTC()
		}
	}

	switch n.State {
	case "CREATED", "AUTHORIZED":
		ev.Kind = domain.EventPaymentPending
	case "COMPLETED":
		ev.Kind = domain.EventPaymentSucceeded
	case "FAILED":
		ev.Kind = domain.EventPaymentFailed
	case "CANCELED":
		ev.Kind = domain.EventPaymentCancelled
	case "EXPIRED":
		ev.Kind = domain.EventCheckoutExpired
	case "REFUNDED":
		ev.Kind = domain.EventRefunded
		ev.RefundID = firstNonEmpty(n.RefundID, n.OrderID+":refund")
		if n.RefundAmount > 0 {
			ev.Amount = domain.FromMinorUnits(n.RefundAmount, "JPY")
		}
	default:
		return nil, nil
	}
	return []domain.WebhookEvent{ev}, nil
}
