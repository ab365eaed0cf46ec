package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kessai/link-service/internal/domain"
	"github.com/shopspring/decimal"
)

func stripeAccount() Account {
	return Account{
		Credentials: domain.Credentials{"secret_key": "sk_test_123", "webhook_secret": "whsec_test"},
		TestMode:    true,
	}
}

func stripeSignatureHeader(secret string, payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeCreatePaymentLink(t *testing.T) {
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_123" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1","expires_at":1772413200}`))
	}))
	defer srv.Close()

	adapter, err := New(domain.ProviderStripe, testOptions(domain.ProviderStripe, srv))
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	req := validRequest("USD", "10.50")
	req.CustomerEmail = "buyer@example.com"
	res := adapter.CreatePaymentLink(context.Background(), stripeAccount(), req)
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.ExternalID != "cs_test_1" || !strings.HasPrefix(res.URL, "https://checkout.stripe.com/") {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ExpiresAt == nil || res.ExpiresAt.Unix() != 1772413200 {
		t.Fatalf("expected session expiry to be returned, got %v", res.ExpiresAt)
	}

	want := map[string]string{
		"client_reference_id":                            req.LinkID.String(),
		"line_items[0][price_data][unit_amount]":         "1050",
		"line_items[0][price_data][currency]":            "usd",
		"metadata[payment_link_id]":                      req.LinkID.String(),
		"payment_intent_data[metadata][payment_link_id]": req.LinkID.String(),
		"customer_email":                                 "buyer@example.com",
		"success_url":                                    "https://shop.example.com/thanks",
		"line_items[0][price_data][product_data][name]":  "Annual plan",
	}
	for k, v := range want {
		if form[k] != v {
			t.Errorf("form %s: expected %q, got %q", k, v, form[k])
		}
	}
}

func TestStripeCreatePaymentLinkMapsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"amount_too_small","message":"Amount must be at least 50 cents"}}`))
	}))
	defer srv.Close()

	adapter, _ := New(domain.ProviderStripe, testOptions(domain.ProviderStripe, srv))
	res := adapter.CreatePaymentLink(context.Background(), stripeAccount(), validRequest("USD", "10.00"))
	if res.Success {
		t.Fatal("expected failure")
	}
	var pe *domain.ProviderError
	if !errors.As(res.Err, &pe) {
		t.Fatalf("expected provider error, got %v", res.Err)
	}
	if pe.StatusCode != http.StatusBadRequest || pe.Code != "amount_too_small" {
		t.Fatalf("unexpected provider error %+v", pe)
	}
}

func TestStripeValidateCredentialsRejectedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid API Key provided"}}`))
	}))
	defer srv.Close()

	adapter, _ := New(domain.ProviderStripe, testOptions(domain.ProviderStripe, srv))
	ok, err := adapter.ValidateCredentials(context.Background(), stripeAccount())
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}
}

func TestStripeSessionExpiryClamped(t *testing.T) {
	a := newStripeAdapter(Options{Now: func() time.Time { return fixedNow }}.withDefaults())
	if got := a.sessionExpiry(fixedNow.Add(5 * time.Minute)); !got.Equal(fixedNow.Add(stripeMinSessionLifetime)) {
		t.Fatalf("expected short expiry raised to minimum, got %v", got)
	}
	if got := a.sessionExpiry(fixedNow.Add(72 * time.Hour)); !got.Equal(fixedNow.Add(stripeMaxSessionLifetime)) {
		t.Fatalf("expected long expiry capped, got %v", got)
	}
	mid := fixedNow.Add(2 * time.Hour)
	if got := a.sessionExpiry(mid); !got.Equal(mid) {
		t.Fatalf("expected in-window expiry unchanged, got %v", got)
	}
}

const stripeCheckoutCompleted = `{
  "id": "evt_1",
  "object": "event",
  "type": "checkout.session.completed",
  "created": 1772366400,
  "data": {"object": {
    "id": "cs_test_1",
    "object": "checkout.session",
    "payment_intent": "pi_1",
    "payment_status": "paid",
    "amount_total": 1050,
    "currency": "usd",
    "client_reference_id": "6f1d3c2a-5b4e-4f60-9a7b-1c2d3e4f5a6b",
    "metadata": {"payment_link_id": "6f1d3c2a-5b4e-4f60-9a7b-1c2d3e4f5a6b"},
    "customer_details": {"email": "buyer@example.com", "name": "Aiko Tanaka"}
  }}
}`

func TestStripeVerifyWebhook(t *testing.T) {
	adapter := newStripeAdapter(Options{}.withDefaults())
	body := []byte(stripeCheckoutCompleted)
	now := time.Now().Unix()

	valid := http.Header{}
	valid.Set("Stripe-Signature", stripeSignatureHeader("whsec_test", body, now))
	if err := adapter.VerifyWebhook(context.Background(), stripeAccount(), WebhookRequest{Body: body, Header: valid}); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	cases := map[string]http.Header{
		"missing header": {},
		"wrong secret":   {"Stripe-Signature": {stripeSignatureHeader("whsec_other", body, now)}},
		"stale":          {"Stripe-Signature": {stripeSignatureHeader("whsec_test", body, now-3600)}},
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			err := adapter.VerifyWebhook(context.Background(), stripeAccount(), WebhookRequest{Body: body, Header: header})
			var serr *domain.SignatureVerificationError
			if !errors.As(err, &serr) {
				t.Fatalf("expected signature error, got %v", err)
			}
		})
	}

	tampered := []byte(strings.Replace(stripeCheckoutCompleted, "1050", "1", 1))
	err := adapter.VerifyWebhook(context.Background(), stripeAccount(), WebhookRequest{Body: tampered, Header: valid})
	if err == nil {
		t.Fatal("expected tampered body to fail verification")
	}
}

func TestStripeParseWebhook(t *testing.T) {
	adapter := newStripeAdapter(Options{}.withDefaults())

	events, err := adapter.ParseWebhook([]byte(stripeCheckoutCompleted))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != domain.EventPaymentSucceeded {
		t.Fatalf("expected succeeded, got %s", ev.Kind)
	}
	if ev.PrimaryID() != "pi_1" || ev.PaymentRef() != "cs_test_1" {
		t.Fatalf("unexpected ids %v", ev.ExternalIDs)
	}
	if ev.PaymentLinkID == nil || ev.PaymentLinkID.String() != "6f1d3c2a-5b4e-4f60-9a7b-1c2d3e4f5a6b" {
		t.Fatalf("expected link id from metadata, got %v", ev.PaymentLinkID)
	}
	if !ev.Amount.Equal(decimal.RequireFromString("10.50")) || ev.Currency != "USD" {
		t.Fatalf("unexpected amount %s %s", ev.Amount, ev.Currency)
	}
	if ev.Payer.Email != "buyer@example.com" {
		t.Fatalf("unexpected payer %+v", ev.Payer)
	}

	refund := `{"id":"evt_2","type":"charge.refunded","created":1772366500,"data":{"object":{
	  "id":"ch_1","payment_intent":"pi_1","amount":1050,"amount_refunded":1050,"currency":"usd",
	  "refunds":{"data":[{"id":"re_1","amount":1050,"created":1772366490}]}}}}`
	events, err = adapter.ParseWebhook([]byte(refund))
	if err != nil {
		t.Fatalf("parse refund: %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.EventRefunded || events[0].RefundID != "re_1" {
		t.Fatalf("unexpected refund events %+v", events)
	}
	if events[0].PrimaryID() != "pi_1" {
		t.Fatalf("expected refund to reference pi_1, got %v", events[0].ExternalIDs)
	}

	ignored := `{"id":"evt_3","type":"customer.created","created":1772366500,"data":{"object":{"id":"cus_1"}}}`
	events, err = adapter.ParseWebhook([]byte(ignored))
	if err != nil || len(events) != 0 {
		t.Fatalf("expected unhandled type to be ignored, got %v %v", events, err)
	}
}

func TestStripeSessionKind(t *testing.T) {
	tests := []struct {
		eventType, status string
		want              domain.EventKind
	}{
		{"checkout.session.completed", "paid", domain.EventPaymentSucceeded},
		{"checkout.session.completed", "unpaid", domain.EventPaymentPending},
		{"checkout.session.async_payment_failed", "unpaid", domain.EventPaymentFailed},
		{"checkout.session.expired", "unpaid", domain.EventCheckoutExpired},
	}
	for _, tt := range tests {
		if got := stripeSessionKind(tt.eventType, tt.status); got != tt.want {
			t.Fatalf("%s/%s: expected %s, got %s", tt.eventType, tt.status, tt.want, got)
		}
	}
}
