/**
 * @description
 * This file contains the payment reconciliation engine. It consumes normalized
 * provider events (STK push results, B2C payout results) and matches them to
 * pending payment transactions exactly once in effect, driving the loan
 * lifecycle manager on success.
 *
 * Key features:
 * - Idempotent under at-least-once delivery: the external reference is the
 *   idempotency key, and an event for a confirmed or reconciled transaction is
 *   acknowledged without a second transition.
 * - Unsolicited events are quarantined as unmatched transactions and surfaced
 *   for administrative review, never silently dropped.
 * - Amount or direction mismatches mark the transaction failed and raise an
 *   alert instead of applying a partial or guessed transition.
 * - Out-of-order repayments (arriving before the disbursement confirmation)
 *   leave the transaction pending so a later delivery can settle it.
 * - Status transitions follow an append-then-apply pattern: the event outcome
 *   is pinned on the transaction row before the lifecycle transition runs, and
 *   the row only reaches reconciled after the transition commits.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Alert and notification publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/umoja/lending-service/internal/domain"
	"github.com/umoja/lending-service/internal/store"
	"github.com/umoja/lending-service/pkg/rabbitmq"
)

var (
	// ErrOutOfOrderEvent marks a repayment confirmation that arrived before
	// the disbursement confirmation for the same loan. The transaction stays
	// pending; a provider retry settles it once ordering catches up.
	ErrOutOfOrderEvent = errors.New("event arrived out of order for loan state")
	// ErrAmountMismatch marks a provider amount that differs from the pending
	// transaction. The transaction is failed and alerted, never guessed at.
	ErrAmountMismatch = errors.New("provider amount does not match pending transaction")
)

// Reconciler matches provider events to pending payment transactions.
type Reconciler struct {
	repo        store.Repository
	loans       *LoanService
	events      rabbitmq.Publisher
	staleWindow time.Duration
}

// NewReconciler creates a new reconciliation engine.
func NewReconciler(repo store.Repository, loans *LoanService, events rabbitmq.Publisher, staleWindow time.Duration) *Reconciler {
	return &Reconciler{
		repo:        repo,
		loans:       loans,
		events:      events,
		staleWindow: staleWindow,
	}
}

// HandleProviderEvent processes one inbound webhook event. Callers acknowledge
// the provider synchronously regardless of the returned error; the error is
// for logging, metrics, and retry queues only.
func (r *Reconciler) HandleProviderEvent(ctx context.Context, event domain.ProviderEvent) error {
	if event.ExternalReference == "" {
		return fmt.Errorf("provider event missing external reference")
	}

	if r.staleWindow > 0 && !event.OccurredAt.IsZero() && time.Since(event.OccurredAt) > r.staleWindow {
		// Stale events are flagged for review but still processed when valid.
		log.Printf("level=warn component=reconciler msg=\"stale provider event\" reference=%s age=%s", event.ExternalReference, time.Since(event.OccurredAt))
		r.alertAsync("payment.stale", event, "delivery exceeded staleness window")
	}

	tx, err := r.repo.FindPaymentByReference(ctx, event.ExternalReference)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			return r.quarantineUnsolicited(ctx, event)
		}
		return fmt.Errorf("lookup transaction: %w", err)
	}

	switch tx.Status {
	case domain.PaymentConfirmed, domain.PaymentReconciled:
		// Duplicate delivery. Success, not error.
		log.Printf("level=info component=reconciler msg=\"duplicate event acknowledged\" reference=%s status=%s", event.ExternalReference, tx.Status)
		return nil
	case domain.PaymentFailed, domain.PaymentUnmatched:
		log.Printf("level=info component=reconciler msg=\"event for terminal transaction ignored\" reference=%s status=%s", event.ExternalReference, tx.Status)
		return nil
	case domain.PaymentPending:
		return r.settlePending(ctx, tx, event)
	default:
		return fmt.Errorf("unexpected transaction status %q for reference %s", tx.Status, tx.ExternalReference)
	}
}

func (r *Reconciler) settlePending(ctx context.Context, tx *domain.PaymentTransaction, event domain.ProviderEvent) error {
	if event.Status == domain.ProviderEventFailed {
		reason := event.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		if err := r.repo.UpdatePaymentStatus(ctx, tx.ID, domain.PaymentPending, domain.PaymentFailed, nil, &reason); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		r.alertAsync("payment.failed", event, reason)
		return nil
	}

	if event.Amount != tx.Amount || (event.Direction != "" && event.Direction != tx.Direction) {
		reason := fmt.Sprintf("expected %s of %d, provider reported %s of %d", tx.Direction, tx.Amount, event.Direction, event.Amount)
		if err := r.repo.UpdatePaymentStatus(ctx, tx.ID, domain.PaymentPending, domain.PaymentFailed, nil, &reason); err != nil {
			return fmt.Errorf("mark mismatch failed: %w", err)
		}
		r.alertAsync("payment.mismatch", event, reason)
		return ErrAmountMismatch
	}

	if tx.LoanID == nil {
		reason := "pending transaction has no associated loan"
		if err := r.repo.UpdatePaymentStatus(ctx, tx.ID, domain.PaymentPending, domain.PaymentFailed, nil, &reason); err != nil {
			return fmt.Errorf("mark orphaned failed: %w", err)
		}
		r.alertAsync("payment.mismatch", event, reason)
		return nil
	}

	switch tx.Direction {
	case domain.DirectionDisbursement:
		return r.settleDisbursement(ctx, tx, event)
	case domain.DirectionRepayment:
		return r.settleRepayment(ctx, tx, event)
	default:
		return fmt.Errorf("unknown transaction direction %q", tx.Direction)
	}
}

func (r *Reconciler) settleDisbursement(ctx context.Context, tx *domain.PaymentTransaction, event domain.ProviderEvent) error {
	// ConfirmDisbursement flips the transaction pending -> confirmed inside
	// the same database transaction as the loan transition.
	if _, err := r.loans.ConfirmDisbursement(ctx, *tx.LoanID, tx.ID); err != nil {
		if errors.Is(err, store.ErrInvalidStateTransition) {
			reason := "loan not awaiting disbursement"
			if markErr := r.repo.UpdatePaymentStatus(ctx, tx.ID, domain.PaymentPending, domain.PaymentFailed, nil, &reason); markErr != nil {
				return fmt.Errorf("mark invalid disbursement failed: %w", markErr)
			}
			r.alertAsync("payment.mismatch", event, reason)
			return nil
		}
		return fmt.Errorf("confirm disbursement: %w", err)
	}

	receipt := optionalReceipt(event)
	if err := r.repo.UpdatePaymentStatus(ctx, tx.ID, domain.PaymentConfirmed, domain.PaymentReconciled, receipt, nil); err != nil {
		return fmt.Errorf("mark reconciled: %w", err)
	}
	return nil
}

func (r *Reconciler) settleRepayment(ctx context.Context, tx *domain.PaymentTransaction, event domain.ProviderEvent) error {
	loan, err := r.repo.GetLoanByID(ctx, *tx.LoanID)
	if err != nil {
		return fmt.Errorf("lookup loan: %w", err)
	}

	switch loan.State {
	case domain.LoanStateDisbursed, domain.LoanStateRepaying:
		// Expected ordering.
	case domain.LoanStateApplied, domain.LoanStateScored, domain.LoanStateApproved:
		// Repayment confirmation before the disbursement confirmation:
		// leave the transaction pending and alert for retry.
		r.alertAsync("payment.out_of_order", event, fmt.Sprintf("loan %s still in state %s", loan.Reference(), loan.State))
		return ErrOutOfOrderEvent
	default:
		reason := fmt.Sprintf("loan %s already %s", loan.Reference(), loan.State)
		if err := r.repo.UpdatePaymentStatus(ctx, tx.ID, domain.PaymentPending, domain.PaymentFailed, nil, &reason); err != nil {
			return fmt.Errorf("mark late repayment failed: %w", err)
		}
		r.alertAsync("payment.mismatch", event, reason)
		return nil
	}

	// Append before apply: pin the confirmation, then run the transition.
	receipt := optionalReceipt(event)
	if err := r.repo.UpdatePaymentStatus(ctx, tx.ID, domain.PaymentPending, domain.PaymentConfirmed, receipt, nil); err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	if _, err := r.loans.RecordRepayment(ctx, *tx.LoanID, tx.Amount, tx.ExternalReference); err != nil {
		return fmt.Errorf("record repayment: %w", err)
	}
	if err := r.repo.UpdatePaymentStatus(ctx, tx.ID, domain.PaymentConfirmed, domain.PaymentReconciled, nil, nil); err != nil {
		return fmt.Errorf("mark reconciled: %w", err)
	}
	return nil
}

// quarantineUnsolicited records an event the platform never initiated. These
// require administrative reconciliation; the platform acknowledges them so
// the provider stops retrying.
func (r *Reconciler) quarantineUnsolicited(ctx context.Context, event domain.ProviderEvent) error {
	receipt := optionalReceipt(event)
	reason := "no pending transaction for reference"
	tx := &domain.PaymentTransaction{
		ID:                uuid.New(),
		ExternalReference: event.ExternalReference,
		Direction:         event.Direction,
		Amount:            event.Amount,
		Status:            domain.PaymentUnmatched,
		ProviderReceipt:   receipt,
		FailureReason:     &reason,
	}
	if tx.Direction == "" {
		tx.Direction = domain.DirectionRepayment
	}
	if err := r.repo.CreatePaymentTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			// Concurrent delivery already quarantined it.
			return nil
		}
		return fmt.Errorf("quarantine unsolicited event: %w", err)
	}
	log.Printf("level=warn component=reconciler msg=\"unsolicited event quarantined\" reference=%s amount=%d", event.ExternalReference, event.Amount)
	r.alertAsync("payment.unmatched", event, reason)
	return nil
}

// alertAsync emits a reconciliation alert for admin review and the
// notification dispatcher. Fire-and-forget: a failure to notify never rolls
// back a reconciliation.
func (r *Reconciler) alertAsync(alertType string, event domain.ProviderEvent, detail string) {
	if r.events == nil {
		return
	}
	alert := rabbitmq.ReconciliationAlert{
		Type:              alertType,
		ExternalReference: event.ExternalReference,
		Amount:            event.Amount,
		Detail:            detail,
		Timestamp:         time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.events.PublishReconciliationAlert(ctx, alert); err != nil {
			log.Printf("level=warn component=reconciler msg=\"alert publish failed\" type=%s reference=%s err=%v", alertType, event.ExternalReference, err)
		}
	}()
}

func optionalReceipt(event domain.ProviderEvent) *string {
	if event.Receipt == "" {
		return nil
	}
	receipt := event.Receipt
	return &receipt
}
