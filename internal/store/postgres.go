/**
 * @description
 * PostgreSQL implementation of the Store interface on a pgx connection pool.
 *
 * @notes
 * - NUMERIC amounts travel as text and are parsed with shopspring/decimal, so no
 *   precision is lost between Go and the database.
 * - Transaction upserts insert first (ON CONFLICT DO NOTHING) and only then lock the
 *   conflicting row. The unique constraints are the single serialization point for
 *   concurrent webhook deliveries.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kessai/link-service/internal/domain"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore is the production Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store on an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func classifyPgError(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%s: %w", what, domain.ErrDuplicate)
		case pgForeignKeyViolation:
			return fmt.Errorf("%s (%s): %w", what, pgErr.ConstraintName, domain.ErrConflict)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

// whereBuilder accumulates positional SQL predicates.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(format string, value any) {
	w.args = append(w.args, value)
	w.clauses = append(w.clauses, fmt.Sprintf(format, len(w.args)))
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

// ---- configs ----

const configColumns = `id, tenant_id, provider, display_name, encrypted_credentials, is_test_mode,
	is_active, last_tested_at, verified_at, created_at, updated_at`

func scanConfig(row pgx.Row) (domain.PaymentLinkConfig, error) {
	var cfg domain.PaymentLinkConfig
	var provider string
	err := row.Scan(&cfg.ID, &cfg.TenantID, &provider, &cfg.DisplayName, &cfg.EncryptedCredentials,
		&cfg.IsTestMode, &cfg.IsActive, &cfg.LastTestedAt, &cfg.VerifiedAt, &cfg.CreatedAt, &cfg.UpdatedAt)
	cfg.Provider = domain.Provider(provider)
	return cfg, err
}

func configWhere(filter ConfigFilter) *whereBuilder {
	w := &whereBuilder{}
	if filter.TenantID != nil {
		w.add("tenant_id = $%d", *filter.TenantID)
	}
	if filter.ID != nil {
		w.add("id = $%d", *filter.ID)
	}
	if filter.Provider != nil {
		w.add("provider = $%d", string(*filter.Provider))
	}
	if filter.ActiveOnly {
		w.clauses = append(w.clauses, "is_active")
	}
	return w
}

func (s *PostgresStore) CreateConfig(ctx context.Context, cfg *domain.PaymentLinkConfig) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	query := `
		INSERT INTO payment_link_configs (id, tenant_id, provider, display_name, encrypted_credentials,
			is_test_mode, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query, cfg.ID, cfg.TenantID, string(cfg.Provider), cfg.DisplayName,
		cfg.EncryptedCredentials, cfg.IsTestMode, cfg.IsActive).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return classifyPgError(err, "insert payment link config")
	}
	return nil
}

func (s *PostgresStore) FindConfigs(ctx context.Context, filter ConfigFilter) ([]domain.PaymentLinkConfig, error) {
	w := configWhere(filter)
	rows, err := s.db.Query(ctx, "SELECT "+configColumns+" FROM payment_link_configs"+w.sql()+" ORDER BY created_at", w.args...)
	if err != nil {
		return nil, fmt.Errorf("query payment link configs: %w", err)
	}
	defer rows.Close()

	configs := []domain.PaymentLinkConfig{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment link config: %w", err)
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *PostgresStore) UpdateConfig(ctx context.Context, filter ConfigFilter, patch ConfigPatch) (*domain.PaymentLinkConfig, error) {
	w := configWhere(filter)
	var sets []string
	set := func(column string, value any) {
		w.args = append(w.args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(w.args)))
	}
	if patch.DisplayName != nil {
		set("display_name", *patch.DisplayName)
	}
	if patch.EncryptedCredentials != nil {
		set("encrypted_credentials", patch.EncryptedCredentials)
	}
	if patch.IsTestMode != nil {
		set("is_test_mode", *patch.IsTestMode)
	}
	if patch.IsActive != nil {
		set("is_active", *patch.IsActive)
	}
	if patch.LastTestedAt != nil {
		set("last_tested_at", *patch.LastTestedAt)
	}
	if patch.SetVerifiedAt {
		set("verified_at", patch.VerifiedAt)
	}
	sets = append(sets, "updated_at = NOW()")

	query := "UPDATE payment_link_configs SET " + strings.Join(sets, ", ") + w.sql() + " RETURNING " + configColumns
	cfg, err := scanConfig(s.db.QueryRow(ctx, query, w.args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, classifyPgError(err, "update payment link config")
	}
	return &cfg, nil
}

func (s *PostgresStore) DeleteConfig(ctx context.Context, filter ConfigFilter) error {
	w := configWhere(filter)
	tag, err := s.db.Exec(ctx, "DELETE FROM payment_link_configs"+w.sql(), w.args...)
	if err != nil {
		return classifyPgError(err, "delete payment link config")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ---- payment links ----

const linkColumns = `id, tenant_id, config_id, provider, amount::text, currency, product_name, description,
	customer_email, success_url, cancel_url, url, external_id, provider_reference, status, expires_at,
	completed_at, created_at, updated_at`

func scanLink(row pgx.Row) (domain.PaymentLink, error) {
	var (
		link             domain.PaymentLink
		provider, status string
		amount           string
	)
	err := row.Scan(&link.ID, &link.TenantID, &link.ConfigID, &provider, &amount, &link.Currency,
		&link.ProductName, &link.Description, &link.CustomerEmail, &link.SuccessURL, &link.CancelURL,
		&link.URL, &link.ExternalID, &link.ProviderReference, &status, &link.ExpiresAt, &link.CompletedAt,
		&link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		return link, err
	}
	link.Provider = domain.Provider(provider)
	link.Status = domain.LinkStatus(status)
	link.Currency = strings.TrimSpace(link.Currency)
	link.Amount, err = decimal.NewFromString(amount)
	return link, err
}

func linkWhere(filter LinkFilter) *whereBuilder {
	w := &whereBuilder{}
	if filter.TenantID != nil {
		w.add("tenant_id = $%d", *filter.TenantID)
	}
	if filter.ID != nil {
		w.add("id = $%d", *filter.ID)
	}
	if filter.ConfigID != nil {
		w.add("config_id = $%d", *filter.ConfigID)
	}
	if filter.Provider != nil {
		w.add("provider = $%d", string(*filter.Provider))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		w.add("status = ANY($%d)", statuses)
	}
	if ref := strings.TrimSpace(filter.ExternalRef); ref != "" {
		w.args = append(w.args, ref)
		n := len(w.args)
		w.clauses = append(w.clauses, fmt.Sprintf("(external_id = $%d OR provider_reference = $%d)", n, n))
	}
	if filter.ExpiresBefore != nil {
		w.add("expires_at < $%d", *filter.ExpiresBefore)
	}
	return w
}

func (s *PostgresStore) CreateLink(ctx context.Context, link *domain.PaymentLink) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	query := `
		INSERT INTO payment_links (id, tenant_id, config_id, provider, amount, currency, product_name,
			description, customer_email, success_url, cancel_url, url, external_id, provider_reference,
			status, expires_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query, link.ID, link.TenantID, link.ConfigID, string(link.Provider),
		link.Amount.String(), link.Currency, link.ProductName, link.Description, link.CustomerEmail,
		link.SuccessURL, link.CancelURL, link.URL, link.ExternalID, link.ProviderReference,
		string(link.Status), link.ExpiresAt).Scan(&link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		return classifyPgError(err, "insert payment link")
	}
	return nil
}

func (s *PostgresStore) FindLinks(ctx context.Context, filter LinkFilter) ([]domain.PaymentLink, error) {
	w := linkWhere(filter)
	query := "SELECT " + linkColumns + " FROM payment_links" + w.sql() + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}
	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query payment links: %w", err)
	}
	defer rows.Close()

	links := []domain.PaymentLink{}
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// transitionLinksQuery builds the UPDATE for TransitionLinks. The new status and
// timestamp are appended after the filter's arguments.
func transitionLinksQuery(filter LinkFilter, to domain.LinkStatus, at time.Time) (string, []any) {
	w := linkWhere(filter)
	w.args = append(w.args, string(to), at)
	statusArg, atArg := len(w.args)-1, len(w.args)

	completedAt := "completed_at"
	if to == domain.LinkStatusCompleted {
		completedAt = fmt.Sprintf("$%d", atArg)
	}
	query := fmt.Sprintf(
		"UPDATE payment_links SET status = $%d, completed_at = %s, updated_at = $%d%s RETURNING %s",
		statusArg, completedAt, atArg, w.sql(), linkColumns,
	)
	return query, w.args
}

func (s *PostgresStore) TransitionLinks(ctx context.Context, filter LinkFilter, to domain.LinkStatus, at time.Time) ([]domain.PaymentLink, error) {
	if len(filter.Statuses) == 0 {
		return nil, fmt.Errorf("transition links: source statuses are required")
	}
	query, args := transitionLinksQuery(filter, to, at)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transition payment links: %w", err)
	}
	defer rows.Close()

	moved := []domain.PaymentLink{}
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment link: %w", err)
		}
		moved = append(moved, link)
	}
	return moved, rows.Err()
}

// ---- transactions ----

const transactionColumns = `t.id, t.payment_link_id, t.provider, t.external_id, COALESCE(t.payment_ref, ''),
	t.refund_of, t.amount::text, t.currency, t.status, t.payer_email, t.payer_name, t.paid_at,
	t.metadata::text, t.created_at, t.updated_at`

func scanTransaction(row pgx.Row, extra ...any) (domain.Transaction, error) {
	var (
		txn                      domain.Transaction
		provider, status, amount string
		metadata                 string
	)
	dest := []any{&txn.ID, &txn.PaymentLinkID, &provider, &txn.ExternalID, &txn.PaymentRef, &txn.RefundOf,
		&amount, &txn.Currency, &status, &txn.PayerEmail, &txn.PayerName, &txn.PaidAt, &metadata,
		&txn.CreatedAt, &txn.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return txn, err
	}
	txn.Provider = domain.Provider(provider)
	txn.Status = domain.TransactionStatus(status)
	txn.Currency = strings.TrimSpace(txn.Currency)

	var err error
	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return txn, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &txn.Metadata); err != nil {
			return txn, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return txn, nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

const insertTransactionSQL = `
	INSERT INTO transactions (id, payment_link_id, provider, external_id, payment_ref, refund_of, amount,
		currency, status, payer_email, payer_name, paid_at, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13::jsonb)
	ON CONFLICT DO NOTHING
	RETURNING created_at, updated_at
`

func insertTransaction(ctx context.Context, tx pgx.Tx, txn *domain.Transaction) (bool, error) {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	metadata, err := encodeMetadata(txn.Metadata)
	if err != nil {
		return false, err
	}
	err = tx.QueryRow(ctx, insertTransactionSQL, txn.ID, txn.PaymentLinkID, string(txn.Provider), txn.ExternalID,
		nullIfEmpty(txn.PaymentRef), txn.RefundOf, txn.Amount.String(), txn.Currency, string(txn.Status),
		txn.PayerEmail, txn.PayerName, txn.PaidAt, metadata).Scan(&txn.CreatedAt, &txn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classifyPgError(err, "insert transaction")
	}
	return true, nil
}

// lockPayment locks the oldest non-refund row matching ids and returns it with its
// link's tenant id.
func lockPayment(ctx context.Context, tx pgx.Tx, provider domain.Provider, ids []string) (domain.Transaction, string, error) {
	query := `
		SELECT ` + transactionColumns + `, l.tenant_id
		FROM transactions t
		JOIN payment_links l ON l.id = t.payment_link_id
		WHERE t.provider = $1
		  AND t.refund_of IS NULL
		  AND (t.external_id = ANY($2) OR t.payment_ref = ANY($2))
		ORDER BY t.created_at
		LIMIT 1
		FOR UPDATE OF t
	`
	var tenantID string
	txn, err := scanTransaction(tx.QueryRow(ctx, query, string(provider), ids), &tenantID)
	return txn, tenantID, err
}

func (s *PostgresStore) UpsertTransaction(ctx context.Context, req UpsertRequest) (UpsertResult, error) {
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		result, retry, err := s.upsertOnce(ctx, req)
		if err != nil || !retry {
			return result, err
		}
	}
	return UpsertResult{}, fmt.Errorf("upsert transaction %s: conflicting row not visible after %d attempts",
		req.Transaction.ExternalID, maxUpsertAttempts)
}

func (s *PostgresStore) upsertOnce(ctx context.Context, req UpsertRequest) (UpsertResult, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return UpsertResult{}, false, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	txn := req.Transaction
	inserted, err := insertTransaction(ctx, tx, &txn)
	if err != nil {
		return UpsertResult{}, false, err
	}
	if inserted {
		if err := tx.Commit(ctx); err != nil {
			return UpsertResult{}, false, fmt.Errorf("commit upsert: %w", err)
		}
		return UpsertResult{Transaction: txn, Created: true}, false, nil
	}

	existing, tenantID, err := lockPayment(ctx, tx, txn.Provider, req.MatchIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflicting row was removed or belongs to a refund; try again.
		return UpsertResult{}, true, nil
	}
	if err != nil {
		return UpsertResult{}, false, fmt.Errorf("lock transaction: %w", err)
	}
	if req.TenantID != nil && tenantID != *req.TenantID {
		return UpsertResult{}, false, domain.ErrTenantIsolation
	}

	previous := existing
	merged, changed, err := req.Merge(existing)
	if err != nil {
		return UpsertResult{}, false, err
	}
	if !changed {
		if err := tx.Commit(ctx); err != nil {
			return UpsertResult{}, false, fmt.Errorf("commit upsert: %w", err)
		}
		return UpsertResult{Transaction: previous, Previous: &previous}, false, nil
	}

	metadata, err := encodeMetadata(merged.Metadata)
	if err != nil {
		return UpsertResult{}, false, err
	}
	query := `
		UPDATE transactions
		SET external_id = $2, payment_ref = COALESCE(payment_ref, $3), amount = $4::numeric, currency = $5,
			status = $6, payer_email = $7, payer_name = $8, paid_at = $9, metadata = $10::jsonb,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = tx.QueryRow(ctx, query, existing.ID, merged.ExternalID, nullIfEmpty(merged.PaymentRef),
		merged.Amount.String(), merged.Currency, string(merged.Status), merged.PayerEmail, merged.PayerName,
		merged.PaidAt, metadata).Scan(&merged.UpdatedAt)
	if err != nil {
		return UpsertResult{}, false, classifyPgError(err, "update transaction")
	}
	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, false, fmt.Errorf("commit upsert: %w", err)
	}
	merged.ID = existing.ID
	merged.CreatedAt = existing.CreatedAt
	return UpsertResult{Transaction: merged, Previous: &previous, Updated: true}, false, nil
}

func (s *PostgresStore) InsertRefund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return RefundResult{}, fmt.Errorf("begin refund: %w", err)
	}
	defer tx.Rollback(ctx)

	original, tenantID, err := lockPayment(ctx, tx, req.Provider, req.OriginalIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefundResult{}, domain.ErrOriginalNotFound
	}
	if err != nil {
		return RefundResult{}, fmt.Errorf("lock refunded transaction: %w", err)
	}
	if req.TenantID != nil && tenantID != *req.TenantID {
		return RefundResult{}, domain.ErrTenantIsolation
	}

	refund, originalMetadata, err := req.Build(original)
	if err != nil {
		return RefundResult{}, err
	}
	refund.PaymentRef = ""
	inserted, err := insertTransaction(ctx, tx, &refund)
	if err != nil {
		return RefundResult{}, err
	}
	if !inserted {
		existing, err := scanTransaction(tx.QueryRow(ctx,
			"SELECT "+transactionColumns+" FROM transactions t WHERE t.provider = $1 AND t.external_id = $2",
			string(refund.Provider), refund.ExternalID))
		if err != nil {
			return RefundResult{}, fmt.Errorf("load existing refund: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return RefundResult{}, fmt.Errorf("commit refund: %w", err)
		}
		return RefundResult{Refund: existing, Original: original}, nil
	}

	metadata, err := encodeMetadata(originalMetadata)
	if err != nil {
		return RefundResult{}, err
	}
	if _, err := tx.Exec(ctx, "UPDATE transactions SET metadata = $2::jsonb, updated_at = NOW() WHERE id = $1",
		original.ID, metadata); err != nil {
		return RefundResult{}, fmt.Errorf("annotate refunded transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return RefundResult{}, fmt.Errorf("commit refund: %w", err)
	}
	original.Metadata = originalMetadata
	return RefundResult{Refund: refund, Original: original, Created: true}, nil
}

func (s *PostgresStore) FindTransactions(ctx context.Context, filter TransactionFilter) ([]domain.Transaction, error) {
	w := &whereBuilder{}
	if filter.TenantID != nil {
		w.add("l.tenant_id = $%d", *filter.TenantID)
	}
	if filter.PaymentLinkID != nil {
		w.add("t.payment_link_id = $%d", *filter.PaymentLinkID)
	}
	if filter.Provider != nil {
		w.add("t.provider = $%d", string(*filter.Provider))
	}
	if len(filter.ExternalIDs) > 0 {
		w.args = append(w.args, filter.ExternalIDs)
		n := len(w.args)
		w.clauses = append(w.clauses, fmt.Sprintf("(t.external_id = ANY($%d) OR t.payment_ref = ANY($%d))", n, n))
	}
	query := "SELECT " + transactionColumns +
		" FROM transactions t JOIN payment_links l ON l.id = t.payment_link_id" + w.sql() + " ORDER BY t.created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	out := []domain.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordWebhookDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	if delivery.ID == uuid.Nil {
		delivery.ID = uuid.New()
	}
	if delivery.ReceivedAt.IsZero() {
		delivery.ReceivedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO webhook_deliveries (id, provider, config_id, tenant_id, event_id, event_type,
			signature_valid, outcome, processing_error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.db.Exec(ctx, query, delivery.ID, string(delivery.Provider), delivery.ConfigID, delivery.TenantID,
		delivery.EventID, delivery.EventType, delivery.SignatureValid, delivery.Outcome, delivery.ProcessingError,
		delivery.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}
