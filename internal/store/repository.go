/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access operations required by the lending-service. By defining an
 * interface, we decouple the application's business logic from the PostgreSQL
 * implementation, making the lifecycle, reconciliation, and scoring code easy
 * to test against stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/umoja/lending-service/internal/domain"
)

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrLoanNotFound           = errors.New("loan not found")
	ErrTransactionNotFound    = errors.New("payment transaction not found")
	ErrRiskProfileNotFound    = errors.New("risk profile not found")
	ErrDuplicateReference     = errors.New("external reference already recorded")
	ErrInvalidStateTransition = errors.New("invalid loan state transition")
	ErrInvalidStatusChange    = errors.New("invalid payment status change")
)

// RepaymentResult reports the outcome of applying one repayment atomically.
type RepaymentResult struct {
	Loan          *domain.LoanAccount
	AmountApplied int64
	Overpayment   int64
	Closed        bool
}

// LoanListOptions controls pagination and filtering for the admin read surface.
type LoanListOptions struct {
	State  domain.LoanState
	Limit  int
	Offset int
}

// Repository defines the set of methods for interacting with the ledger store.
// Methods whose name implies a transition are atomic: they lock the loan row
// for the duration of the change so that concurrent repayments, disbursement
// confirmations, and scheduled jobs never interleave into an invalid state.
type Repository interface {
	// User methods
	FindUserByPhone(ctx context.Context, phoneNumber string) (*domain.User, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	CreateUser(ctx context.Context, user *domain.User) error

	// Risk profile methods. Profiles are written only by the scoring job and
	// read-only to the lifecycle manager.
	GetRiskProfile(ctx context.Context, userID uuid.UUID) (*domain.RiskProfile, error)
	UpsertRiskProfile(ctx context.Context, profile *domain.RiskProfile) error
	ListUsersDueForScoring(ctx context.Context, scoredBefore time.Time, limit int) ([]domain.User, error)
	LoanStatsForUser(ctx context.Context, userID uuid.UUID) (*domain.LoanStats, error)

	// Loan methods
	CreateLoan(ctx context.Context, loan *domain.LoanAccount) error
	GetLoanByID(ctx context.Context, loanID uuid.UUID) (*domain.LoanAccount, error)
	LatestLoanForUser(ctx context.Context, userID uuid.UUID) (*domain.LoanAccount, error)
	CountOpenLoans(ctx context.Context, userID uuid.UUID) (int, error)
	// TransitionLoanState performs a guarded state update: it succeeds only if
	// the loan is currently in one of `from`, returning ErrInvalidStateTransition
	// otherwise. Timestamps for the target state are set inside the same update.
	TransitionLoanState(ctx context.Context, loanID uuid.UUID, from []domain.LoanState, to domain.LoanState) (*domain.LoanAccount, error)
	// ConfirmDisbursement moves an approved loan to disbursed, posts the
	// platform-debit/wallet-credit ledger pair, and marks the payment
	// transaction confirmed, all in one database transaction.
	ConfirmDisbursement(ctx context.Context, loanID, paymentTxID, platformAccountID uuid.UUID, dueDate time.Time) (*domain.LoanAccount, error)
	// ApplyRepayment applies a repayment amount to the outstanding balance,
	// posts the wallet-debit/platform-credit pair (plus an overpayment credit
	// when amount exceeds the outstanding balance), and closes the loan when
	// the balance reaches zero, all in one database transaction.
	ApplyRepayment(ctx context.Context, loanID, paymentTxID, platformAccountID uuid.UUID, amount int64) (*RepaymentResult, error)
	// MarkLoanOverdue flags a due loan and moves it into repaying if it was
	// still in disbursed with no repayment recorded.
	MarkLoanOverdue(ctx context.Context, loanID uuid.UUID) (*domain.LoanAccount, error)
	ListLoansPastDue(ctx context.Context, asOf time.Time, limit int) ([]domain.LoanAccount, error)
	ListDefaultCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]domain.LoanAccount, error)
	ListLoans(ctx context.Context, opts LoanListOptions) ([]domain.LoanAccount, error)

	// Payment transaction methods
	CreatePaymentTransaction(ctx context.Context, tx *domain.PaymentTransaction) error
	FindPaymentByReference(ctx context.Context, externalReference string) (*domain.PaymentTransaction, error)
	FindPendingDisbursementForLoan(ctx context.Context, loanID uuid.UUID) (*domain.PaymentTransaction, error)
	// UpdatePaymentStatus performs a guarded status change; a transaction
	// already past `from` yields ErrInvalidStatusChange so replays are caught.
	UpdatePaymentStatus(ctx context.Context, paymentTxID uuid.UUID, from, to domain.PaymentStatus, receipt, failureReason *string) error
	ListUnmatchedPayments(ctx context.Context, limit int) ([]domain.PaymentTransaction, error)

	// Wallet methods
	WalletBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	CreditWallet(ctx context.Context, userID uuid.UUID, loanID, relatedTxID *uuid.UUID, amount int64) error
	ListLedgerEntries(ctx context.Context, userID uuid.UUID, limit int) ([]domain.WalletLedgerEntry, error)
}
