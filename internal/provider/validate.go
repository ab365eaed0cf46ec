package provider

import (
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/kessai/link-service/internal/domain"
)

const (
	maxProductNameLength = 200
	maxDescriptionLength = 1000
	maxLinkLifetime      = 365 * 24 * time.Hour
)

// providerCurrencies restricts providers that settle in a single currency.
var providerCurrencies = map[domain.Provider][]string{
	domain.ProviderPayPay:  {"JPY"},
	domain.ProviderFincode: {"JPY"},
}

// ValidateLinkRequest runs the checks shared by every adapter and returns the
// normalized request. It performs no I/O.
func ValidateLinkRequest(p domain.Provider, req LinkRequest, now time.Time) (LinkRequest, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.ProductName = strings.TrimSpace(req.ProductName)
	req.Description = strings.TrimSpace(req.Description)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.SuccessURL = strings.TrimSpace(req.SuccessURL)
	req.CancelURL = strings.TrimSpace(req.CancelURL)

	spec, ok := domain.LookupCurrency(req.Currency)
	if !ok {
		return req, domain.NewValidationError("currency", "unsupported currency %q (supported: %s)",
			req.Currency, strings.Join(domain.SupportedCurrencies(), ", "))
	}
	if allowed, restricted := providerCurrencies[p]; restricted && !contains(allowed, spec.Code) {
		return req, domain.NewValidationError("currency", "%s only supports %s", p, strings.Join(allowed, ", "))
	}

	if !req.Amount.IsPositive() {
		return req, domain.NewValidationError("amount", "must be greater than zero")
	}
	if req.Amount.LessThan(spec.Min) {
		return req, domain.NewValidationError("amount", "minimum for %s is %s", spec.Code, spec.Min.StringFixed(spec.Exponent))
	}
	if req.Amount.GreaterThan(spec.Max) {
		return req, domain.NewValidationError("amount", "maximum for %s is %s", spec.Code, spec.Max.StringFixed(spec.Exponent))
	}
	if !req.Amount.Equal(req.Amount.Round(spec.Exponent)) {
		return req, domain.NewValidationError("amount", "%s allows at most %d decimal places", spec.Code, spec.Exponent)
	}

	if req.ProductName == "" {
		return req, domain.NewValidationError("product_name", "is required")
	}
	if len([]rune(req.ProductName)) > maxProductNameLength {
		return req, domain.NewValidationError("product_name", "must be at most %d characters", maxProductNameLength)
	}
	if len([]rune(req.Description)) > maxDescriptionLength {
		return req, domain.NewValidationError("description", "must be at most %d characters", maxDescriptionLength)
	}

	if req.CustomerEmail != "" {
		addr, err := mail.ParseAddress(req.CustomerEmail)
		if err != nil || addr.Address != req.CustomerEmail {
			return req, domain.NewValidationError("customer_email", "is not a valid email address")
		}
	}
	if err := checkRedirectURL("success_url", req.SuccessURL); err != nil {
		return req, err
	}
	if err := checkRedirectURL("cancel_url", req.CancelURL); err != nil {
		return req, err
	}

	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		if !exp.After(now) {
			return req, domain.NewValidationError("expires_at", "must be in the future")
		}
		if exp.Sub(now) > maxLinkLifetime {
			return req, domain.NewValidationError("expires_at", "must be at most one year from now")
		}
		req.ExpiresAt = &exp
	}
	return req, nil
}

func checkRedirectURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return domain.NewValidationError(field, "must be an absolute http(s) url")
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
