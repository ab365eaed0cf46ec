package tenancy

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestResolveRequiresTenant(t *testing.T) {
	if _, err := Resolve(context.Background()); !errors.Is(err, ErrNoTenantContext) {
		t.Fatalf("expected ErrNoTenantContext, got %v", err)
	}
	if _, err := Resolve(WithTenant(context.Background(), "  ")); !errors.Is(err, ErrNoTenantContext) {
		t.Fatalf("expected ErrNoTenantContext for blank tenant, got %v", err)
	}

	scope, err := Resolve(WithTenant(context.Background(), "tenant-a"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scope.TenantID != "tenant-a" || scope.Bypass {
		t.Fatalf("unexpected scope %+v", scope)
	}
}

func TestUnscopedRecordsReasonAndCaller(t *testing.T) {
	ctx := Unscoped(WithTenant(context.Background(), "tenant-a"), "nightly cleanup")
	scope, err := Resolve(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !scope.Bypass || scope.Reason != "nightly cleanup" {
		t.Fatalf("unexpected scope %+v", scope)
	}
	if scope.TenantID != "" {
		t.Fatalf("bypass scope must not inherit the parent tenant, got %q", scope.TenantID)
	}
	if scope.Caller == "" || scope.Caller == "unknown" {
		t.Fatalf("expected caller to be recorded, got %q", scope.Caller)
	}
	if _, ok := TenantFrom(ctx); ok {
		t.Fatal("bypass context must not report a tenant")
	}
}

func TestTenantContextIsPerOperation(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for i := 0; i < 100; i++ {
		tenant := "tenant-a"
		if i%2 == 1 {
			tenant = "tenant-b"
		}
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			ctx := WithTenant(context.Background(), tenant)
			got, ok := TenantFrom(ctx)
			if !ok || got != tenant {
				errs <- got
			}
		}(tenant)
	}
	wg.Wait()
	close(errs)
	for got := range errs {
		t.Errorf("observed foreign tenant %q", got)
	}
}
