/**
 * @description
 * Provider adapters. One interface, five compiled-in implementations selected by a
 * single switch in New. Adapters are stateless apart from their HTTP client: the
 * decrypted credentials and the sandbox/live flag arrive with every call.
 *
 * Adapters never retry. A failed outbound call is returned as a failed Result whose
 * Err is a *domain.ProviderError; retry policy belongs to the caller.
 */

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kessai/link-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Account is the decrypted credential profile an adapter call runs against.
type Account struct {
	Credentials domain.Credentials
	TestMode    bool
}

// LinkRequest describes the checkout link to create.
type LinkRequest struct {
	LinkID        uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	ProductName   string
	Description   string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	ExpiresAt     *time.Time
}

// Result is the normalized outcome of CreatePaymentLink.
type Result struct {
	Success           bool
	URL               string
	ExternalID        string
	ProviderReference string
	ExpiresAt         *time.Time
	Err               error
}

// WebhookRequest is one inbound webhook call as received.
type WebhookRequest struct {
	Body   []byte
	Header http.Header
	// URL is the public notification URL the provider posted to. Square signs it.
	URL string
}

// Adapter is implemented by every provider integration.
type Adapter interface {
	Provider() domain.Provider
	// ValidateCredentials reports whether the provider accepts the credentials.
	// Rejected credentials return (false, nil); transport failures return an error.
	ValidateCredentials(ctx context.Context, account Account) (bool, error)
	CreatePaymentLink(ctx context.Context, account Account, req LinkRequest) Result
	// VerifyWebhook checks the delivery signature against the raw body. Failures are
	// *domain.SignatureVerificationError.
	VerifyWebhook(ctx context.Context, account Account, req WebhookRequest) error
	// ParseWebhook maps a verified body to canonical events. Event types the
	// reconciler does not act on yield no events.
	ParseWebhook(body []byte) ([]domain.WebhookEvent, error)
}

// Capturer is implemented by providers whose approved payments must be captured
// explicitly by the merchant.
type Capturer interface {
	CaptureOrder(ctx context.Context, account Account, orderID string) error
}

// Acknowledger is implemented by providers that expect a specific response body.
type Acknowledger interface {
	AckBody() []byte
}

// Endpoints holds a provider's sandbox and live API base URLs.
type Endpoints struct {
	Sandbox string
	Live    string
}

func (e Endpoints) pick(testMode bool) string {
	if testMode {
		return strings.TrimSuffix(e.Sandbox, "/")
	}
	return strings.TrimSuffix(e.Live, "/")
}

// DefaultEndpoints are the public API hosts of each provider.
var DefaultEndpoints = map[domain.Provider]Endpoints{
	domain.ProviderStripe:  {Sandbox: "https://api.stripe.com", Live: "https://api.stripe.com"},
	domain.ProviderPayPal:  {Sandbox: "https://api-m.sandbox.paypal.com", Live: "https://api-m.paypal.com"},
	domain.ProviderSquare:  {Sandbox: "https://connect.squareupsandbox.com", Live: "https://connect.squareup.com"},
	domain.ProviderPayPay:  {Sandbox: "https://stg-api.sandbox.paypay.ne.jp", Live: "https://api.paypay.ne.jp"},
	domain.ProviderFincode: {Sandbox: "https://api.test.fincode.jp", Live: "https://api.fincode.jp"},
}

// Options configure adapter construction.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Endpoints overrides DefaultEndpoints per provider.
	Endpoints map[domain.Provider]Endpoints
	// DefaultSuccessURL is used when a request has no success URL and the provider needs one.
	DefaultSuccessURL string
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func (o Options) endpoints(p domain.Provider) Endpoints {
	ep := DefaultEndpoints[p]
	if override, ok := o.Endpoints[p]; ok {
		if override.Sandbox != "" {
			ep.Sandbox = override.Sandbox
		}
		if override.Live != "" {
			ep.Live = override.Live
		}
	}
	return ep
}

// New returns the adapter for p.
func New(p domain.Provider, opts Options) (Adapter, error) {
	opts = opts.withDefaults()
	switch p {
	case domain.ProviderStripe:
		return newStripeAdapter(opts), nil
	case domain.ProviderPayPal:
		return newPayPalAdapter(opts), nil
	case domain.ProviderSquare:
		return newSquareAdapter(opts), nil
	case domain.ProviderPayPay:
		return newPayPayAdapter(opts), nil
	case domain.ProviderFincode:
		return newFincodeAdapter(opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", p)
	}
}

// Registry holds one adapter per provider.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

// NewRegistry builds every compiled-in adapter.
func NewRegistry(opts Options) (*Registry, error) {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(domain.Providers))}
	for _, p := range domain.Providers {
		adapter, err := New(p, opts)
		if err != nil {
			return nil, err
		}
		r.adapters[p] = adapter
	}
	return r, nil
}

// NewRegistryWith builds a registry from explicit adapters.
func NewRegistryWith(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// Get returns the adapter for p.
func (r *Registry) Get(p domain.Provider) (Adapter, error) {
	adapter, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", p)
	}
	return adapter, nil
}

// ---- result helpers ----

func providerError(p domain.Provider, op string, status int, code, message string, err error) *domain.ProviderError {
	return &domain.ProviderError{
		Provider:   p,
		Operation:  op,
		Timestamp:  time.Now().UTC(),
		StatusCode: status,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}

func failed(err error) Result {
	return Result{Success: false, Err: err}
}

// succeeded validates the checkout URL before handing it back.
func succeeded(p domain.Provider, rawURL, externalID, reference string, expiresAt *time.Time) Result {
	if err := checkCheckoutURL(rawURL); err != nil {
		return failed(providerError(p, "create_payment_link", 0, "invalid_url", err.Error(), nil))
	}
	if strings.TrimSpace(externalID) == "" {
		return failed(providerError(p, "create_payment_link", 0, "missing_id", "response carried no id", nil))
	}
	return Result{
		Success:           true,
		URL:               rawURL,
		ExternalID:        externalID,
		ProviderReference: reference,
		ExpiresAt:         expiresAt,
	}
}

func checkCheckoutURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("malformed checkout url: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("checkout url must be an absolute https url")
	}
	return nil
}

func signatureError(p domain.Provider, reason string, err error) error {
	return &domain.SignatureVerificationError{Provider: p, Reason: reason, Err: err}
}

func linkIDFrom(raw string) *uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil
	}
	return &id
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
