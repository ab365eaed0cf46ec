/**
 * @description
 * Webhook reconciliation. Apply folds one canonical provider event into the ledger
 * of the tenant already established on the context.
 *
 * @notes
 * - Events arrive out of order and more than once. Every write is an idempotent
 *   upsert keyed by the provider's ids, and status changes pass through
 *   domain.CanTransition so a stale event never rolls a payment back.
 * - The link completion write is separate from the transaction write and is retried
 *   on every succeeded delivery, so a crash between the two heals on redelivery.
 */

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/google/uuid"
	"github.com/kessai/link-service/internal/domain"
	"github.com/kessai/link-service/internal/store"
)

// OutcomeKind summarizes what an event did to the ledger.
type OutcomeKind string

const (
	OutcomeCreated   OutcomeKind = "created"
	OutcomeUpdated   OutcomeKind = "updated"
	OutcomeUnchanged OutcomeKind = "unchanged"
)

// Outcome is the result of applying one event.
type Outcome struct {
	Kind        OutcomeKind
	Link        domain.PaymentLink
	Transaction domain.Transaction
	// Previous is the transaction before the merge, when one existed.
	Previous      *domain.Transaction
	LinkCompleted bool
	LinkExpired   bool
	Refund        bool
}

// Ledger is the tenant-scoped ledger surface the engine writes through.
type Ledger interface {
	GetLink(ctx context.Context, id uuid.UUID) (*domain.PaymentLink, error)
	ListLinks(ctx context.Context, filter store.LinkFilter) ([]domain.PaymentLink, error)
	TransitionLink(ctx context.Context, id uuid.UUID, from []domain.LinkStatus, to domain.LinkStatus) (*domain.PaymentLink, bool, error)
	ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error)
	UpsertTransaction(ctx context.Context, link domain.PaymentLink, txn domain.Transaction, matchIDs []string, merge store.MergeFunc) (store.UpsertResult, error)
	RecordRefund(ctx context.Context, provider domain.Provider, originalIDs []string, build store.RefundFunc) (store.RefundResult, error)
}

// Engine applies canonical webhook events.
type Engine struct {
	ledger Ledger
	logger *slog.Logger
}

func NewEngine(ledger Ledger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ledger: ledger, logger: logger}
}

// Apply reconciles ev. It returns domain.ErrUnknownPaymentLink when the event
// cannot be tied to a link of the current tenant and domain.ErrOriginalNotFound
// for a refund whose payment has not been recorded yet.
func (e *Engine) Apply(ctx context.Context, ev domain.WebhookEvent) (Outcome, error) {
	if ev.Kind == domain.EventRefunded {
		return e.applyRefund(ctx, ev)
	}

	link, err := e.resolveLink(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Kind: OutcomeUnchanged, Link: link}

	if len(ev.ExternalIDs) > 0 {
		incoming := transactionFromEvent(link, ev)
		res, err := e.ledger.UpsertTransaction(ctx, link, incoming, ev.ExternalIDs,
			func(existing domain.Transaction) (domain.Transaction, bool, error) {
				merged, changed := MergeEvent(existing, incoming, ev)
				return merged, changed, nil
			})
		if err != nil {
			return Outcome{}, fmt.Errorf("upsert transaction %s: %w", ev.PrimaryID(), err)
		}
		out.Transaction = res.Transaction
		out.Previous = res.Previous
		switch {
		case res.Created:
			out.Kind = OutcomeCreated
		case res.Updated:
			out.Kind = OutcomeUpdated
		}
	} else if ev.Kind != domain.EventCheckoutExpired {
		e.logger.Warn("event carries no payment id",
			"component", "reconcile", "provider", ev.Provider, "event_id", ev.EventID, "link_id", link.ID)
		return out, nil
	}

	switch {
	case out.Transaction.Status == domain.TransactionSucceeded:
		moved, ok, err := e.ledger.TransitionLink(ctx, link.ID,
			[]domain.LinkStatus{domain.LinkStatusPending}, domain.LinkStatusCompleted)
		if err != nil {
			return out, fmt.Errorf("complete link %s: %w", link.ID, err)
		}
		if ok {
			out.Link = *moved
			out.LinkCompleted = true
		} else if link.Status != domain.LinkStatusCompleted {
			e.logger.Warn("payment succeeded on a link that is no longer pending",
				"component", "reconcile", "link_id", link.ID, "link_status", link.Status, "external_id", out.Transaction.ExternalID)
		}
	case ev.Kind == domain.EventCheckoutExpired:
		moved, ok, err := e.ledger.TransitionLink(ctx, link.ID,
			[]domain.LinkStatus{domain.LinkStatusPending}, domain.LinkStatusExpired)
		if err != nil {
			return out, fmt.Errorf("expire link %s: %w", link.ID, err)
		}
		if ok {
			out.Link = *moved
			out.LinkExpired = true
			if out.Kind == OutcomeUnchanged {
				out.Kind = OutcomeUpdated
			}
		}
	}
	return out, nil
}

// resolveLink finds the link an event belongs to: the echoed link id, then the
// provider's checkout reference, then a transaction already recorded for the payment.
func (e *Engine) resolveLink(ctx context.Context, ev domain.WebhookEvent) (domain.PaymentLink, error) {
	if ev.PaymentLinkID != nil {
		link, err := e.ledger.GetLink(ctx, *ev.PaymentLinkID)
		switch {
		case err == nil && link.Provider == ev.Provider:
			return *link, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return domain.PaymentLink{}, err
		}
	}

	provider := ev.Provider
	if ev.LinkRef != "" {
		links, err := e.ledger.ListLinks(ctx, store.LinkFilter{Provider: &provider, ExternalRef: ev.LinkRef, Limit: 1})
		if err != nil {
			return domain.PaymentLink{}, err
		}
		if len(links) > 0 {
			return links[0], nil
		}
	}

	if len(ev.ExternalIDs) > 0 {
		txns, err := e.ledger.ListTransactions(ctx, store.TransactionFilter{Provider: &provider, ExternalIDs: ev.ExternalIDs, Limit: 1})
		if err != nil {
			return domain.PaymentLink{}, err
		}
		if len(txns) > 0 {
			link, err := e.ledger.GetLink(ctx, txns[0].PaymentLinkID)
			if err == nil {
				return *link, nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return domain.PaymentLink{}, err
			}
		}
	}
	return domain.PaymentLink{}, fmt.Errorf("%s event %s: %w", ev.Provider, ev.EventID, domain.ErrUnknownPaymentLink)
}

func (e *Engine) applyRefund(ctx context.Context, ev domain.WebhookEvent) (Outcome, error) {
	if ev.RefundID == "" || len(ev.ExternalIDs) == 0 {
		return Outcome{}, fmt.Errorf("%s refund event %s carries no ids", ev.Provider, ev.EventID)
	}
	res, err := e.ledger.RecordRefund(ctx, ev.Provider, ev.ExternalIDs, func(original domain.Transaction) (domain.Transaction, map[string]any, error) {
		return BuildRefund(original, ev)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("record refund %s: %w", ev.RefundID, err)
	}

	link, err := e.ledger.GetLink(ctx, res.Original.PaymentLinkID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load refunded link: %w", err)
	}
	out := Outcome{Kind: OutcomeUnchanged, Link: *link, Transaction: res.Refund, Refund: true}
	if res.Created {
		out.Kind = OutcomeCreated
		e.logger.Info("refund recorded",
			"component", "reconcile", "provider", ev.Provider, "link_id", link.ID,
			"refund_id", ev.RefundID, "original_id", res.Original.ID)
	}
	return out, nil
}

// BuildRefund mirrors original as a negative refund row and returns the original's
// annotated metadata. The original's amount and status are left alone.
func BuildRefund(original domain.Transaction, ev domain.WebhookEvent) (domain.Transaction, map[string]any, error) {
	if original.IsRefund() {
		return domain.Transaction{}, nil, fmt.Errorf("transaction %s is itself a refund", original.ID)
	}
	refund := domain.Transaction{
		ID:            uuid.New(),
		PaymentLinkID: original.PaymentLinkID,
		Provider:      original.Provider,
		ExternalID:    ev.RefundID,
		RefundOf:      &original.ID,
		Amount:        original.Amount.Neg(),
		Currency:      original.Currency,
		Status:        domain.TransactionRefunded,
		PayerEmail:    original.PayerEmail,
		PayerName:     original.PayerName,
		Metadata:      eventMetadata(ev),
	}
	if !ev.OccurredAt.IsZero() {
		at := ev.OccurredAt
		refund.PaidAt = &at
	}
	if ev.Amount.IsPositive() && !ev.Amount.Equal(original.Amount) {
		refund.Metadata["reported_refund_amount"] = domain.FormatAmount(ev.Amount, original.Currency)
	}

	meta := make(map[string]any, len(original.Metadata)+2)
	for k, v := range original.Metadata {
		meta[k] = v
	}
	meta["refunded"] = true
	meta["refund_transaction_id"] = refund.ID.String()
	return refund, meta, nil
}

func transactionFromEvent(link domain.PaymentLink, ev domain.WebhookEvent) domain.Transaction {
	txn := domain.Transaction{
		PaymentLinkID: link.ID,
		Provider:      ev.Provider,
		ExternalID:    ev.PrimaryID(),
		PaymentRef:    ev.PaymentRef(),
		Amount:        ev.Amount,
		Currency:      ev.Currency,
		Status:        ev.Kind.TransactionStatus(),
		PayerEmail:    ev.Payer.Email,
		PayerName:     ev.Payer.Name,
		Metadata:      eventMetadata(ev),
	}
	if !txn.Amount.IsPositive() {
		txn.Amount = link.Amount
	}
	if txn.Currency == "" {
		txn.Currency = link.Currency
	}
	if txn.Status == domain.TransactionSucceeded && !ev.OccurredAt.IsZero() {
		at := ev.OccurredAt
		txn.PaidAt = &at
	}
	return txn
}

func eventMetadata(ev domain.WebhookEvent) map[string]any {
	meta := make(map[string]any, len(ev.Metadata)+2)
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	if ev.EventType != "" {
		meta["last_event_type"] = ev.EventType
	}
	if ev.Payer.ID != "" {
		meta["payer_id"] = ev.Payer.ID
	}
	return meta
}

// MergeEvent folds incoming, built from ev, into the stored transaction. It is pure:
// the status only moves where domain.CanTransition allows, metadata always merges,
// and the external id is promoted when the event names a more specific id for the
// same payment. It reports whether anything changed.
func MergeEvent(existing, incoming domain.Transaction, ev domain.WebhookEvent) (domain.Transaction, bool) {
	merged := existing
	changed := false

	if domain.CanTransition(existing.Status, incoming.Status) {
		merged.Status = incoming.Status
		changed = true
		if incoming.Amount.IsPositive() && !incoming.Amount.Equal(existing.Amount) {
			merged.Amount = incoming.Amount
		}
		if incoming.Currency != "" {
			merged.Currency = incoming.Currency
		}
		if incoming.Status == domain.TransactionSucceeded && incoming.PaidAt != nil {
			paid := *incoming.PaidAt
			merged.PaidAt = &paid
		}
	}

	if promoteExternalID(existing.ExternalID, ev.ExternalIDs) {
		merged.ExternalID = ev.PrimaryID()
		changed = true
	}
	if merged.PaymentRef == "" && incoming.PaymentRef != "" {
		merged.PaymentRef = incoming.PaymentRef
		changed = true
	}
	if merged.PayerEmail == "" && incoming.PayerEmail != "" {
		merged.PayerEmail = incoming.PayerEmail
		changed = true
	}
	if merged.PayerName == "" && incoming.PayerName != "" {
		merged.PayerName = incoming.PayerName
		changed = true
	}

	meta := make(map[string]any, len(existing.Metadata)+len(incoming.Metadata))
	for k, v := range existing.Metadata {
		meta[k] = v
	}
	for k, v := range incoming.Metadata {
		if old, ok := meta[k]; !ok || !reflect.DeepEqual(old, v) {
			meta[k] = v
			changed = true
		}
	}
	merged.Metadata = meta
	return merged, changed
}

// promoteExternalID reports whether the stored id is one of the event's less
// specific ids, so the event's primary id should replace it.
func promoteExternalID(current string, ids []string) bool {
	if len(ids) < 2 || current == ids[0] {
		return false
	}
	for _, id := range ids[1:] {
		if id == current {
			return true
		}
	}
	return false
}
