package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TransactionStatus
		want     bool
	}{
		{TransactionPending, TransactionSucceeded, true},
		{TransactionPending, TransactionFailed, true},
		{TransactionPending, TransactionExpired, true},
		{TransactionFailed, TransactionSucceeded, true},
		{TransactionSucceeded, TransactionPending, false},
		{TransactionSucceeded, TransactionFailed, false},
		{TransactionFailed, TransactionPending, false},
		{TransactionPending, TransactionPending, false},
		{TransactionPending, TransactionRefunded, false},
		{TransactionExpired, TransactionSucceeded, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMinorUnits(t *testing.T) {
	minor, err := ToMinorUnits(decimal.RequireFromString("10.5"), "usd")
	if err != nil || minor != 1050 {
		t.Fatalf("expected 1050, got %d err=%v", minor, err)
	}
	minor, err = ToMinorUnits(decimal.RequireFromString("1000"), "JPY")
	if err != nil || minor != 1000 {
		t.Fatalf("expected 1000, got %d err=%v", minor, err)
	}
	if _, err := ToMinorUnits(decimal.RequireFromString("100.5"), "JPY"); err == nil {
		t.Fatal("expected precision error for fractional yen")
	}
	if got := FromMinorUnits(1999, "USD"); !got.Equal(decimal.RequireFromString("19.99")) {
		t.Fatalf("unexpected decimal %s", got)
	}
	if got := FormatAmount(decimal.RequireFromString("10"), "USD"); got != "10.00" {
		t.Fatalf("unexpected formatted amount %s", got)
	}
}

func TestTenantIsolationLooksLikeNotFound(t *testing.T) {
	if !errors.Is(ErrTenantIsolation, ErrNotFound) {
		t.Fatal("isolation violations must be indistinguishable from missing rows")
	}
}

func TestCredentialsCheck(t *testing.T) {
	err := Credentials{"secret_key": "sk_test"}.Check(ProviderStripe)
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("expected CredentialError, got %v", err)
	}
	if err := (Credentials{"secret_key": "sk", "webhook_secret": "whsec"}).Check(ProviderStripe); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseProvider("Unknown"); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if p, err := ParseProvider(" PayPal "); err != nil || p != ProviderPayPal {
		t.Fatalf("unexpected parse result %s %v", p, err)
	}
}
