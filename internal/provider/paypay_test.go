package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kessai/link-service/internal/domain"
)

func paypayAccount() Account {
	return Account{
		Credentials: domain.Credentials{"api_key": "key", "api_secret": "secret", "merchant_id": "M-1"},
		TestMode:    true,
	}
}

func TestPayPayAuthorizationHeader(t *testing.T) {
	withBody := PayPayAuthorization("key", "secret", http.MethodPost, "/v2/codes", []byte(`{"a":1}`), "abcd1234", 1772366400)
	parts := strings.Split(strings.TrimPrefix(withBody, "hmac OPA-Auth:"), ":")
	if !strings.HasPrefix(withBody, "hmac OPA-Auth:") || len(parts) != 5 {
		t.Fatalf("unexpected header shape %q", withBody)
	}
	if parts[0] != "key" || parts[2] != "abcd1234" || parts[3] != "1772366400" || parts[4] == "empty" {
		t.Fatalf("unexpected header parts %v", parts)
	}

	noBody := PayPayAuthorization("key", "secret", http.MethodGet, "/v2/codes/payments/x", nil, "abcd1234", 1772366400)
	if !strings.HasSuffix(noBody, ":empty") {
		t.Fatalf("expected empty hash for bodiless request, got %q", noBody)
	}
	if noBody == PayPayAuthorization("key", "other", http.MethodGet, "/v2/codes/payments/x", nil, "abcd1234", 1772366400) {
		t.Fatal("expected secret to change the mac")
	}
}

func TestPayPayCreatePaymentLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/codes" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "hmac OPA-Auth:key:") || r.Header.Get("X-ASSUME-MERCHANT") != "M-1" {
			t.Errorf("unexpected auth headers %v", r.Header)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"resultInfo":{"code":"SUCCESS","message":"Success"},"data":{
		  "codeId":"04-abc","url":"https://qr-stg.sandbox.paypay.ne.jp/28180104abc",
		  "merchantPaymentId":"6f1d3c2a-5b4e-4f60-9a7b-1c2d3e4f5a6b","expiryDate":1772370000}}`))
	}))
	defer srv.Close()

	adapter, _ := New(domain.ProviderPayPay, testOptions(domain.ProviderPayPay, srv))
	res := adapter.CreatePaymentLink(context.Background(), paypayAccount(), validRequest("JPY", "1000"))
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.ExternalID != "04-abc" || res.ExpiresAt == nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPayPayValidateCredentials(t *testing.T) {
	for _, tt := range []struct {
		name    string
		status  int
		want    bool
		wantErr bool
	}{
		{"not found means accepted", http.StatusNotFound, true, false},
		{"unauthorized", http.StatusUnauthorized, false, false},
		{"server error", http.StatusInternalServerError, false, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"resultInfo":{"code":"X","message":"x"}}`))
			}))
			defer srv.Close()
			adapter, _ := New(domain.ProviderPayPay, testOptions(domain.ProviderPayPay, srv))
			ok, err := adapter.ValidateCredentials(context.Background(), paypayAccount())
			if ok != tt.want || (err != nil) != tt.wantErr {
				t.Fatalf("expected (%v, err=%v), got (%v, %v)", tt.want, tt.wantErr, ok, err)
			}
		})
	}
}

func TestPayPayWebhook(t *testing.T) {
	adapter := newPayPayAdapter(Options{}.withDefaults())
	body := []byte(`{"notification_type":"Transaction","merchant_order_id":"6f1d3c2a-5b4e-4f60-9a7b-1c2d3e4f5a6b",
	  "order_id":"PP-ORDER-1","state":"COMPLETED","order_amount":1000,"paid_at":"2026-03-01T12:00:00Z"}`)

	header := http.Header{}
	header.Set("X-PayPay-Signature", PayPaySignature("secret", body))
	if err := adapter.VerifyWebhook(context.Background(), paypayAccount(), WebhookRequest{Body: body, Header: header}); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	header.Set("X-PayPay-Signature", PayPaySignature("wrong", body))
	var serr *domain.SignatureVerificationError
	if err := adapter.VerifyWebhook(context.Background(), paypayAccount(), WebhookRequest{Body: body, Header: header}); !errors.As(err, &serr) {
		t.Fatalf("expected signature error, got %v", err)
	}

	events, err := adapter.ParseWebhook(body)
	if err != nil || len(events) != 1 {
		t.Fatalf("parse: %v %v", events, err)
	}
	ev := events[0]
	if ev.Kind != domain.EventPaymentSucceeded || ev.PrimaryID() != "PP-ORDER-1" || ev.PaymentLinkID == nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Currency != "JPY" || ev.Amount.IntPart() != 1000 {
		t.Fatalf("unexpected amount %s %s", ev.Amount, ev.Currency)
	}

	expired := []byte(`{"merchant_order_id":"6f1d3c2a-5b4e-4f60-9a7b-1c2d3e4f5a6b","state":"EXPIRED"}`)
	events, err = adapter.ParseWebhook(expired)
	if err != nil || len(events) != 1 || events[0].Kind != domain.EventCheckoutExpired {
		t.Fatalf("unexpected expired events %+v %v", events, err)
	}
}
