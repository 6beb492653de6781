/**
 * @description
 * This file contains the loan lifecycle manager, the single owner of the loan
 * state machine. It exposes the transition operations invoked by the USSD
 * engine, the payment reconciler, and the scheduled jobs, and enforces the
 * state graph transactionally against the ledger store.
 *
 * Key features:
 * - apply: limit check against the user's risk profile, instant approval policy.
 * - approveAndDisburse as two phases: RequestDisbursement creates the pending
 *   payout; ConfirmDisbursement commits the transition once the provider
 *   confirms. The loan is not usable for repayment tracking until confirmed.
 * - RecordRepayment: applies amounts to the outstanding balance, credits
 *   overpayments to the wallet, closes the loan at zero.
 * - Replays with the same idempotency key (loan id + operation + external
 *   reference) are safe no-ops returning the prior result; both USSD retries
 *   and webhook retries call into this component.
 *
 * @dependencies
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/daraja, pkg/rabbitmq: For external service communication.
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
	"github.com/umoja/lending-service/pkg/daraja"
	"github.com/umoja/lending-service/pkg/rabbitmq"
)

var (
	// ErrLimitExceeded is terminal for the triggering request; the USSD user
	// sees a decline message and no loan account is created.
	ErrLimitExceeded = errors.New("requested amount exceeds current risk limit")
	// ErrActiveLoanExists blocks a second application while one is open.
	ErrActiveLoanExists = errors.New("an open loan already exists for this user")
)

// PayoutClient is the slice of the mobile-money client the lifecycle manager
// uses: B2C payouts for disbursement, STK pushes for repayment collection.
type PayoutClient interface {
	InitiateB2C(ctx context.Context, phoneNumber string, amount int64, remarks string) (*daraja.B2CResponse, error)
	InitiateSTKPush(ctx context.Context, phoneNumber string, amount int64, accountReference, description string) (*daraja.STKPushResponse, error)
}

// LoanPolicy carries the configurable lending rules.
type LoanPolicy struct {
	DefaultLimit       int64 // limit used when a user has no risk profile yet, in cents
	InstantApprovalMax int64 // applications at or below this auto-approve, in cents
	InterestRateBps    int   // flat interest in basis points (1500 = 15%)
	TermDays           int
}

// LoanService provides the loan lifecycle operations.
type LoanService struct {
	repo              store.Repository
	payout            PayoutClient
	events            rabbitmq.Publisher
	platformAccountID uuid.UUID
	policy            LoanPolicy
}

// NewLoanService creates a new lifecycle manager instance.
func NewLoanService(repo store.Repository, payout PayoutClient, events rabbitmq.Publisher, platformAccountID uuid.UUID, policy LoanPolicy) *LoanService {
	return &LoanService{
		repo:              repo,
		payout:            payout,
		events:            events,
		platformAccountID: platformAccountID,
		policy:            policy,
	}
}

// CurrentLimit returns the user's effective borrowing limit: the scored limit
// when a profile exists, otherwise the conservative default.
func (s *LoanService) CurrentLimit(ctx context.Context, userID uuid.UUID) (int64, error) {
	profile, err := s.repo.GetRiskProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrRiskProfileNotFound) {
			return s.policy.DefaultLimit, nil
		}
		return 0, fmt.Errorf("load risk profile: %w", err)
	}
	return profile.CurrentLimit, nil
}

// Apply creates a loan application and walks it through the deterministic
// part of the state machine: applied -> scored, then scored -> approved when
// the instant-approval policy allows. It returns the loan carrying the stable
// application reference shown to the borrower.
func (s *LoanService) Apply(ctx context.Context, userID uuid.UUID, amount int64, purpose domain.LoanPurpose) (*domain.LoanAccount, error) {
	limit, err := s.CurrentLimit(ctx, userID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 || amount > limit {
		return nil, ErrLimitExceeded
	}

	open, err := s.repo.CountOpenLoans(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count open loans: %w", err)
	}
	if open > 0 {
		return nil, ErrActiveLoanExists
	}

	interest := amount * int64(s.policy.InterestRateBps) / 10000
	loan := &domain.LoanAccount{
		ID:                     uuid.New(),
		UserID:                 userID,
		Principal:              amount,
		AmountDue:              amount + interest,
		Outstanding:            0, // tracked from disbursement confirmation
		Purpose:                purpose,
		State:                  domain.LoanStateApplied,
		RiskLimitAtApplication: limit,
		TermDays:               s.policy.TermDays,
		InterestRateBps:        s.policy.InterestRateBps,
	}
	if err := s.repo.CreateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("create loan: %w", err)
	}

	loan, err = s.repo.TransitionLoanState(ctx, loan.ID, []domain.LoanState{domain.LoanStateApplied}, domain.LoanStateScored)
	if err != nil {
		return nil, fmt.Errorf("score loan: %w", err)
	}
	if amount <= s.policy.InstantApprovalMax {
		loan, err = s.repo.TransitionLoanState(ctx, loan.ID, []domain.LoanState{domain.LoanStateScored}, domain.LoanStateApproved)
		if err != nil {
			return nil, fmt.Errorf("approve loan: %w", err)
		}
		// The application itself succeeded; a payout initiation failure
		// leaves the loan in approved for ApproveAndDisburse to retry.
		if _, err := s.RequestDisbursement(ctx, loan.ID); err != nil {
			log.Printf("level=warn component=loan_service msg=\"payout initiation failed after instant approval\" loan_id=%s err=%v", loan.ID, err)
		}
	}

	s.publishAsync("loan.applied", loan, amount, "")
	return loan, nil
}

// Approve moves a scored loan to approved. Used by the batch approval path
// for applications above the instant-approval threshold.
func (s *LoanService) Approve(ctx context.Context, loanID uuid.UUID) (*domain.LoanAccount, error) {
	loan, err := s.repo.TransitionLoanState(ctx, loanID, []domain.LoanState{domain.LoanStateScored}, domain.LoanStateApproved)
	if err != nil {
		return nil, err
	}
	s.publishAsync("loan.approved", loan, loan.Principal, "")
	return loan, nil
}

// Reject is the scored -> rejected transition.
func (s *LoanService) Reject(ctx context.Context, loanID uuid.UUID) (*domain.LoanAccount, error) {
	loan, err := s.repo.TransitionLoanState(ctx, loanID, []domain.LoanState{domain.LoanStateScored}, domain.LoanStateRejected)
	if err != nil {
		return nil, err
	}
	s.publishAsync("loan.rejected", loan, loan.Principal, "")
	return loan, nil
}

// ApproveAndDisburse is the manual approval leg for applications above the
// instant-approval threshold: it approves the scored loan and initiates the
// payout in one call. A loan already approved but without a pending payout
// (initiation failed earlier) goes straight to the payout phase, so this is
// also the retry path for stuck approvals.
func (s *LoanService) ApproveAndDisburse(ctx context.Context, loanID uuid.UUID) (*domain.PaymentTransaction, error) {
	loan, err := s.repo.GetLoanByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.State == domain.LoanStateScored {
		if _, err := s.Approve(ctx, loanID); err != nil {
			return nil, err
		}
	}
	return s.RequestDisbursement(ctx, loanID)
}

// RequestDisbursement is the first phase of approveAndDisburse: it records a
// pending disbursement transaction and asks the provider for a B2C payout.
// The loan stays in approved until the provider webhook confirms the payout.
// Replaying the request while a payout is pending returns the existing
// transaction instead of initiating a second one.
func (s *LoanService) RequestDisbursement(ctx context.Context, loanID uuid.UUID) (*domain.PaymentTransaction, error) {
	if existing, err := s.repo.FindPendingDisbursementForLoan(ctx, loanID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, fmt.Errorf("lookup pending disbursement: %w", err)
	}

	loan, err := s.repo.GetLoanByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.State != domain.LoanStateApproved {
		return nil, store.ErrInvalidStateTransition
	}

	user, err := s.repo.FindUserByID(ctx, loan.UserID)
	if err != nil {
		return nil, fmt.Errorf("lookup borrower: %w", err)
	}

	payout, err := s.payout.InitiateB2C(ctx, user.PhoneNumber, loan.Principal, fmt.Sprintf("Loan %s disbursement", loan.Reference()))
	if err != nil {
		return nil, fmt.Errorf("initiate payout: %w", err)
	}

	tx := &domain.PaymentTransaction{
		ID:                uuid.New(),
		ExternalReference: payout.ConversationID,
		Direction:         domain.DirectionDisbursement,
		Amount:            loan.Principal,
		Status:            domain.PaymentPending,
		LoanID:            &loan.ID,
		UserID:            &loan.UserID,
	}
	if err := s.repo.CreatePaymentTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("record disbursement transaction: %w", err)
	}

	s.publishAsync("loan.disbursement_requested", loan, loan.Principal, tx.ExternalReference)
	return tx, nil
}

// ConfirmDisbursement is the second phase: invoked by the reconciler once the
// provider reports the payout delivered. The approved -> disbursed transition
// and its ledger pair commit atomically. A replay after a prior success is a
// no-op returning the disbursed loan.
func (s *LoanService) ConfirmDisbursement(ctx context.Context, loanID, paymentTxID uuid.UUID) (*domain.LoanAccount, error) {
	loan, err := s.repo.GetLoanByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	dueDate := time.Now().UTC().AddDate(0, 0, loan.TermDays)
	loan, err = s.repo.ConfirmDisbursement(ctx, loanID, paymentTxID, s.platformAccountID, dueDate)
	if err != nil {
		return nil, err
	}
	s.publishAsync("loan.disbursed", loan, loan.Principal, "")
	return loan, nil
}

// RecordRepayment applies a confirmed repayment to the loan. Valid from
// disbursed or repaying; overpayment is credited to the borrower's wallet,
// never rejected. When the external reference was already reconciled the
// prior outcome is returned without a second transition.
func (s *LoanService) RecordRepayment(ctx context.Context, loanID uuid.UUID, amount int64, externalReference string) (*store.RepaymentResult, error) {
	if prior, err := s.repo.FindPaymentByReference(ctx, externalReference); err == nil {
		if prior.Status == domain.PaymentReconciled {
			loan, err := s.repo.GetLoanByID(ctx, loanID)
			if err != nil {
				return nil, err
			}
			return &store.RepaymentResult{Loan: loan, Closed: loan.State == domain.LoanStateClosed}, nil
		}
		return s.applyRepayment(ctx, loanID, prior.ID, amount)
	} else if !errors.Is(err, store.ErrTransactionNotFound) {
		return nil, fmt.Errorf("lookup repayment transaction: %w", err)
	}

	// A repayment the platform did not initiate (paybill deposit). Record it
	// before applying so the reference is pinned for replay suppression.
	tx := &domain.PaymentTransaction{
		ID:                uuid.New(),
		ExternalReference: externalReference,
		Direction:         domain.DirectionRepayment,
		Amount:            amount,
		Status:            domain.PaymentConfirmed,
		LoanID:            &loanID,
	}
	if err := s.repo.CreatePaymentTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			// Lost the race against a concurrent delivery of the same event.
			loan, getErr := s.repo.GetLoanByID(ctx, loanID)
			if getErr != nil {
				return nil, getErr
			}
			return &store.RepaymentResult{Loan: loan, Closed: loan.State == domain.LoanStateClosed}, nil
		}
		return nil, fmt.Errorf("record repayment transaction: %w", err)
	}
	return s.applyRepayment(ctx, loanID, tx.ID, amount)
}

func (s *LoanService) applyRepayment(ctx context.Context, loanID, paymentTxID uuid.UUID, amount int64) (*store.RepaymentResult, error) {
	result, err := s.repo.ApplyRepayment(ctx, loanID, paymentTxID, s.platformAccountID, amount)
	if err != nil {
		return nil, err
	}
	if result.Closed {
		s.publishAsync("loan.closed", result.Loan, result.AmountApplied, "")
	} else {
		s.publishAsync("loan.repayment", result.Loan, result.AmountApplied, "")
	}
	return result, nil
}

// InitiateRepayment starts an STK push so the borrower can authorize a
// repayment from their phone. The pending transaction is keyed by the
// provider's checkout request id and settles through the reconciler.
func (s *LoanService) InitiateRepayment(ctx context.Context, loan *domain.LoanAccount, phoneNumber string, amount int64) (*domain.PaymentTransaction, error) {
	if loan.State != domain.LoanStateDisbursed && loan.State != domain.LoanStateRepaying {
		return nil, store.ErrInvalidStateTransition
	}

	push, err := s.payout.InitiateSTKPush(ctx, phoneNumber, amount, loan.Reference(), "Loan repayment")
	if err != nil {
		return nil, fmt.Errorf("initiate stk push: %w", err)
	}

	tx := &domain.PaymentTransaction{
		ID:                uuid.New(),
		ExternalReference: push.CheckoutRequestID,
		Direction:         domain.DirectionRepayment,
		Amount:            amount,
		Status:            domain.PaymentPending,
		LoanID:            &loan.ID,
		UserID:            &loan.UserID,
	}
	if err := s.repo.CreatePaymentTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("record repayment transaction: %w", err)
	}
	return tx, nil
}

// MarkOverdue flags one due loan. Invoked by the overdue sweep.
func (s *LoanService) MarkOverdue(ctx context.Context, loanID uuid.UUID) (*domain.LoanAccount, error) {
	loan, err := s.repo.MarkLoanOverdue(ctx, loanID)
	if err != nil {
		return nil, err
	}
	s.publishAsync("loan.overdue", loan, loan.Outstanding, "")
	return loan, nil
}

// MarkDefaulted is the repaying -> defaulted transition, invoked by the
// default sweep once the grace period after the due date has elapsed.
func (s *LoanService) MarkDefaulted(ctx context.Context, loanID uuid.UUID) (*domain.LoanAccount, error) {
	loan, err := s.repo.TransitionLoanState(ctx, loanID, []domain.LoanState{domain.LoanStateRepaying}, domain.LoanStateDefaulted)
	if err != nil {
		return nil, err
	}
	s.publishAsync("loan.defaulted", loan, loan.Outstanding, "")
	return loan, nil
}

// publishAsync emits a lifecycle event for the notification dispatcher.
// Dispatch is fire-and-forget: a publish failure is logged and never affects
// the committed transition.
func (s *LoanService) publishAsync(eventType string, loan *domain.LoanAccount, amount int64, reference string) {
	if s.events == nil {
		return
	}
	event := rabbitmq.LoanEvent{
		Type:      eventType,
		LoanID:    loan.ID,
		UserID:    loan.UserID,
		Amount:    amount,
		Reference: loan.Reference(),
		Timestamp: time.Now().UTC(),
	}
	if reference != "" {
		event.ExternalReference = reference
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.events.PublishLoanEvent(ctx, event); err != nil {
			log.Printf("level=warn component=loan_service msg=\"event publish failed\" type=%s loan_id=%s err=%v", eventType, loan.ID, err)
		}
	}()
}
