package app_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/kessai/link-service/internal/api"
	"github.com/kessai/link-service/internal/app"
	"github.com/kessai/link-service/internal/domain"
	"github.com/kessai/link-service/internal/ledger"
	"github.com/kessai/link-service/internal/provider"
	"github.com/kessai/link-service/internal/store"
	"github.com/kessai/link-service/internal/vault"
	"github.com/kessai/link-service/pkg/rabbitmq"
)

var jwtKey = []byte("test-signing-key-with-enough-bytes")

type recordingPublisher struct {
	mu     sync.Mutex
	events []rabbitmq.LedgerEvent
}

func (p *recordingPublisher) Publish(context.Context, string, interface{}) error { return nil }

func (p *recordingPublisher) PublishLedgerEvent(_ context.Context, event rabbitmq.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func tenantToken(t *testing.T, tenantID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": tenantID,
		"sub":       "user-" + tenantID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(jwtKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, out
}

func signStripe(secret string, payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeLinkPaidEndToEnd(t *testing.T) {
	var sessions int
	stripeAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/checkout/sessions":
			sessions++
			_, _ = w.Write([]byte(`{"id":"cs_e2e","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_e2e"}`))
		case "/v1/balance":
			_, _ = w.Write([]byte(`{"object":"balance","available":[],"pending":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"unknown path"}}`))
		}
	}))
	defer stripeAPI.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := vault.New(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	registry, err := provider.NewRegistry(provider.Options{
		HTTPClient: stripeAPI.Client(),
		Logger:     logger,
		Endpoints:  map[domain.Provider]provider.Endpoints{domain.ProviderStripe: {Sandbox: stripeAPI.URL, Live: stripeAPI.URL}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	publisher := &recordingPublisher{}
	svc := app.NewService(app.Dependencies{
		Ledger:    ledger.New(store.NewMemoryStore(), logger),
		Vault:     v,
		Adapters:  registry,
		Publisher: publisher,
		Logger:    logger,
	})
	router := api.NewRouter(api.NewHandler(svc, logger), api.RouterOptions{Auth: api.AuthConfig{SigningKey: jwtKey}})
	token := tenantToken(t, "tenant-a")

	status, cfg := doJSON(t, router, http.MethodPost, "/v1/configs", token, map[string]interface{}{
		"provider":     "stripe",
		"display_name": "Main Stripe",
		"is_test_mode": true,
		"credentials":  map[string]string{"secret_key": "sk_test_e2e", "webhook_secret": "whsec_e2e"},
	})
	if status != http.StatusCreated {
		t.Fatalf("create config: status %d body %v", status, cfg)
	}
	configID := cfg["id"].(string)
	if _, leaked := cfg["encrypted_credentials"]; leaked {
		t.Fatal("config response must not expose credentials")
	}

	status, tested := doJSON(t, router, http.MethodPost, "/v1/configs/"+configID+"/test", token, nil)
	if status != http.StatusOK || tested["valid"] != true {
		t.Fatalf("test config: status %d body %v", status, tested)
	}

	status, created := doJSON(t, router, http.MethodPost, "/v1/links", token, map[string]interface{}{
		"config_id":    configID,
		"amount":       "25.00",
		"currency":     "usd",
		"product_name": "Workshop ticket",
	})
	if status != http.StatusCreated || created["success"] != true {
		t.Fatalf("create link: status %d body %v", status, created)
	}
	linkID := created["link_id"].(string)
	if created["url"] != "https://checkout.stripe.com/c/pay/cs_e2e" || sessions != 1 {
		t.Fatalf("unexpected link %v (sessions=%d)", created, sessions)
	}

	payload := []byte(fmt.Sprintf(`{"id":"evt_e2e","object":"event","type":"checkout.session.completed","created":%d,
	  "data":{"object":{"id":"cs_e2e","object":"checkout.session","payment_intent":"pi_e2e","payment_status":"paid",
	  "amount_total":2500,"currency":"usd","client_reference_id":%q,"metadata":{"payment_link_id":%q},
	  "customer_details":{"email":"payer@example.com","name":"Payer"}}}}`, time.Now().Unix(), linkID, linkID))

	deliver := func(signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe/"+configID, bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", signature)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := deliver(signStripe("whsec_wrong", payload)); code != http.StatusUnauthorized {
		t.Fatalf("expected forged webhook to be rejected, got %d", code)
	}
	for i := 0; i < 2; i++ {
		if code := deliver(signStripe("whsec_e2e", payload)); code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i, code)
		}
	}

	status, link := doJSON(t, router, http.MethodGet, "/v1/links/"+linkID, token, nil)
	if status != http.StatusOK || link["status"] != string(domain.LinkStatusCompleted) {
		t.Fatalf("expected completed link, got %d %v", status, link)
	}

	status, listed := doJSON(t, router, http.MethodGet, "/v1/links/"+linkID+"/transactions", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list transactions: %d %v", status, listed)
	}
	txns := listed["transactions"].([]interface{})
	if len(txns) != 1 {
		t.Fatalf("expected exactly one transaction after replay, got %d", len(txns))
	}
	txn := txns[0].(map[string]interface{})
	amount, _ := decimal.NewFromString(fmt.Sprint(txn["amount"]))
	if txn["status"] != string(domain.TransactionSucceeded) || txn["external_id"] != "pi_e2e" || !amount.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("unexpected transaction %v", txn)
	}

	if publisher.count(rabbitmq.RoutingTransactionSucceeded) != 1 || publisher.count(rabbitmq.RoutingLinkCompleted) != 1 {
		t.Fatalf("expected one succeeded and one completed event, got %+v", publisher.events)
	}

	other := tenantToken(t, "tenant-b")
	if status, _ := doJSON(t, router, http.MethodGet, "/v1/links/"+linkID, other, nil); status != http.StatusNotFound {
		t.Fatalf("expected other tenant to get 404, got %d", status)
	}
	if status, _ := doJSON(t, router, http.MethodPost, "/v1/links", other, map[string]interface{}{
		"config_id": configID, "amount": "5.00", "currency": "USD", "product_name": "x",
	}); status != http.StatusNotFound {
		t.Fatalf("expected other tenant to be unable to use the config, got %d", status)
	}
}
