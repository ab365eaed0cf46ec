package store

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kessai/link-service/internal/domain"
)

func ptrString(v string) *string { return &v }

func TestClassifyPgError(t *testing.T) {
	boom := errors.New("connection reset")
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "unique violation",
			err:  &pgconn.PgError{Code: "23505", ConstraintName: "payment_link_configs_tenant_id_provider_display_name_key"},
			want: domain.ErrDuplicate,
		},
		{
			name: "wrapped unique violation",
			err:  fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505"}),
			want: domain.ErrDuplicate,
		},
		{
			name: "foreign key violation",
			err:  &pgconn.PgError{Code: "23503", ConstraintName: "payment_links_config_id_fkey"},
			want: domain.ErrConflict,
		},
		{
			name: "other postgres error",
			err:  &pgconn.PgError{Code: "40001"},
			want: nil,
		},
		{
			name: "non postgres error",
			err:  boom,
			want: boom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyPgError(tt.err, "insert thing")
			if !strings.HasPrefix(got.Error(), "insert thing") {
				t.Fatalf("expected operation prefix, got %q", got)
			}
			if tt.want != nil && !errors.Is(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			if errors.Is(got, domain.ErrDuplicate) && tt.want != domain.ErrDuplicate {
				t.Fatalf("unexpected duplicate classification: %v", got)
			}
			if errors.Is(got, domain.ErrConflict) && tt.want != domain.ErrConflict {
				t.Fatalf("unexpected conflict classification: %v", got)
			}
		})
	}
}

func TestConfigWhere(t *testing.T) {
	id := uuid.New()
	stripe := domain.ProviderStripe

	tests := []struct {
		name     string
		filter   ConfigFilter
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "unfiltered",
			filter:   ConfigFilter{},
			wantSQL:  "",
			wantArgs: nil,
		},
		{
			name:     "tenant and id",
			filter:   ConfigFilter{TenantID: ptrString("tenant-a"), ID: &id},
			wantSQL:  " WHERE tenant_id = $1 AND id = $2",
			wantArgs: []any{"tenant-a", id},
		},
		{
			name:     "provider with active only",
			filter:   ConfigFilter{Provider: &stripe, ActiveOnly: true},
			wantSQL:  " WHERE provider = $1 AND is_active",
			wantArgs: []any{"stripe"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := configWhere(tt.filter)
			if got := w.sql(); got != tt.wantSQL {
				t.Fatalf("expected sql %q, got %q", tt.wantSQL, got)
			}
			if !reflect.DeepEqual(w.args, tt.wantArgs) {
				t.Fatalf("expected args %v, got %v", tt.wantArgs, w.args)
			}
		})
	}
}

func TestLinkWhereNumbersArguments(t *testing.T) {
	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	configID := uuid.New()

	w := linkWhere(LinkFilter{
		TenantID:      ptrString("tenant-a"),
		ConfigID:      &configID,
		Statuses:      []domain.LinkStatus{domain.LinkStatusPending, domain.LinkStatusExpired},
		ExternalRef:   "  cs_123  ",
		ExpiresBefore: &cutoff,
	})

	wantSQL := " WHERE tenant_id = $1 AND config_id = $2 AND status = ANY($3)" +
		" AND (external_id = $4 OR provider_reference = $4) AND expires_at < $5"
	if got := w.sql(); got != wantSQL {
		t.Fatalf("expected sql %q, got %q", wantSQL, got)
	}
	wantArgs := []any{"tenant-a", configID, []string{"pending", "expired"}, "cs_123", cutoff}
	if !reflect.DeepEqual(w.args, wantArgs) {
		t.Fatalf("expected args %v, got %v", wantArgs, w.args)
	}
}

func TestLinkWhereSkipsBlankExternalRef(t *testing.T) {
	w := linkWhere(LinkFilter{ExternalRef: "   ", Statuses: []domain.LinkStatus{domain.LinkStatusPending}})
	if got := w.sql(); got != " WHERE status = ANY($1)" {
		t.Fatalf("unexpected sql %q", got)
	}
	if len(w.args) != 1 {
		t.Fatalf("expected one argument, got %v", w.args)
	}
}

func TestTransitionLinksQuery(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()
	filter := LinkFilter{
		TenantID: ptrString("tenant-a"),
		ID:       &id,
		Statuses: []domain.LinkStatus{domain.LinkStatusPending},
	}

	t.Run("completed stamps completed_at", func(t *testing.T) {
		query, args := transitionLinksQuery(filter, domain.LinkStatusCompleted, at)
		wantPrefix := "UPDATE payment_links SET status = $4, completed_at = $5, updated_at = $5" +
			" WHERE tenant_id = $1 AND id = $2 AND status = ANY($3) RETURNING "
		if !strings.HasPrefix(query, wantPrefix) {
			t.Fatalf("unexpected query %q", query)
		}
		wantArgs := []any{"tenant-a", id, []string{"pending"}, "completed", at}
		if !reflect.DeepEqual(args, wantArgs) {
			t.Fatalf("expected args %v, got %v", wantArgs, args)
		}
	})

	t.Run("other statuses keep completed_at", func(t *testing.T) {
		query, args := transitionLinksQuery(filter, domain.LinkStatusCancelled, at)
		if !strings.Contains(query, "completed_at = completed_at") {
			t.Fatalf("expected completed_at untouched, got %q", query)
		}
		if len(args) != 5 || args[3] != "cancelled" {
			t.Fatalf("unexpected args %v", args)
		}
	})

	t.Run("expiry sweep without tenant", func(t *testing.T) {
		query, args := transitionLinksQuery(LinkFilter{
			Statuses:      []domain.LinkStatus{domain.LinkStatusPending},
			ExpiresBefore: &at,
		}, domain.LinkStatusExpired, at)
		if !strings.Contains(query, "SET status = $3, completed_at = completed_at, updated_at = $4 WHERE status = ANY($1) AND expires_at < $2") {
			t.Fatalf("unexpected query %q", query)
		}
		if len(args) != 4 {
			t.Fatalf("unexpected args %v", args)
		}
	})
}

func TestEncodeMetadata(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want string
	}{
		{name: "nil", in: nil, want: "{}"},
		{name: "empty", in: map[string]any{}, want: "{}"},
		{
			name: "values",
			in:   map[string]any{"capture_required": false, "paypal_order_id": "ORDER-1"},
			want: `{"capture_required":false,"paypal_order_id":"ORDER-1"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeMetadata(tt.in)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}

	if _, err := encodeMetadata(map[string]any{"bad": make(chan int)}); err == nil {
		t.Fatal("expected unencodable metadata to fail")
	}
}

func TestNullIfEmpty(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Fatal("expected nil for empty payment ref")
	}
	if got := nullIfEmpty("ORDER-1"); got == nil || *got != "ORDER-1" {
		t.Fatalf("unexpected value %v", got)
	}
}
