/**
 * @description
 * Provider identifiers and the per-provider credential schema. The provider set is a
 * closed, compiled-in enum; adding a provider means adding a constant here and a case
 * in provider.New.
 */

package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Provider identifies an external payment processor.
type Provider string

const (
	ProviderStripe  Provider = "stripe"
	ProviderPayPal  Provider = "paypal"
	ProviderSquare  Provider = "square"
	ProviderPayPay  Provider = "paypay"
	ProviderFincode Provider = "fincode"
)

// Providers lists every supported provider in a stable order.
var Providers = []Provider{ProviderStripe, ProviderPayPal, ProviderSquare, ProviderPayPay, ProviderFincode}

// requiredCredentialFields maps each provider to the secret fields a config must carry.
var requiredCredentialFields = map[Provider][]string{
	ProviderStripe:  {"secret_key", "webhook_secret"},
	ProviderPayPal:  {"client_id", "client_secret", "webhook_id"},
	ProviderSquare:  {"access_token", "location_id", "signature_key"},
	ProviderPayPay:  {"api_key", "api_secret", "merchant_id"},
	ProviderFincode: {"secret_key", "webhook_signature"},
}

// ParseProvider normalizes and validates a provider identifier.
func ParseProvider(raw string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", &ValidationError{Field: "provider", Message: fmt.Sprintf("unsupported provider %q", raw)}
	}
	return p, nil
}

// Valid reports whether p is one of the compiled-in providers.
func (p Provider) Valid() bool {
	_, ok := requiredCredentialFields[p]
	return ok
}

func (p Provider) String() string { return string(p) }

// RequiredCredentialFields returns the credential keys the provider needs.
func (p Provider) RequiredCredentialFields() []string {
	fields := requiredCredentialFields[p]
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// Credentials is the decrypted secret material of a PaymentLinkConfig.
// It only ever exists in memory; the ledger stores the vault ciphertext.
type Credentials map[string]string

// Get returns the trimmed value stored under key.
func (c Credentials) Get(key string) string {
	return strings.TrimSpace(c[key])
}

// Check verifies that every field the provider requires is present.
func (c Credentials) Check(p Provider) error {
	var missing []string
	for _, field := range requiredCredentialFields[p] {
		if c.Get(field) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &CredentialError{
		Provider: p,
		Reason:   "missing credential fields: " + strings.Join(missing, ", "),
	}
}

// Keys returns the credential field names, never the values.
func (c Credentials) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
