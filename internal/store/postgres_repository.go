/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed for loans, payment transactions, wallet ledger
 * entries, users, and risk profiles.
 *
 * Key features:
 * - Lifecycle transitions run inside a single pgx transaction with the loan row
 *   locked `FOR UPDATE`, so the state change and its ledger entries commit
 *   together or not at all.
 * - Guarded UPDATEs encode the legal state graph in the WHERE clause; a zero
 *   row count surfaces as ErrInvalidStateTransition instead of a silent no-op.
 * - The unique index on external_reference turns duplicate webhook inserts into
 *   ErrDuplicateReference, which the reconciler treats as replay.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/umoja/lending-service/internal/domain"
)

const uniqueViolationCode = "23505"

const loanColumns = `
	id, user_id, principal, amount_due, outstanding, purpose, state,
	risk_limit_at_application, term_days, interest_rate_bps, overdue,
	created_at, approved_at, disbursed_at, due_date, closed_at`

const paymentColumns = `
	id, external_reference, direction, amount, status, loan_id, user_id,
	provider_receipt, failure_reason, created_at, confirmed_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*domain.LoanAccount, error) {
	var loan domain.LoanAccount
	err := row.Scan(
		&loan.ID, &loan.UserID, &loan.Principal, &loan.AmountDue, &loan.Outstanding,
		&loan.Purpose, &loan.State, &loan.RiskLimitAtApplication, &loan.TermDays,
		&loan.InterestRateBps, &loan.Overdue, &loan.CreatedAt, &loan.ApprovedAt,
		&loan.DisbursedAt, &loan.DueDate, &loan.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	return &loan, nil
}

func scanPayment(row rowScanner) (*domain.PaymentTransaction, error) {
	var p domain.PaymentTransaction
	err := row.Scan(
		&p.ID, &p.ExternalReference, &p.Direction, &p.Amount, &p.Status,
		&p.LoanID, &p.UserID, &p.ProviderReceipt, &p.FailureReason,
		&p.CreatedAt, &p.ConfirmedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindUserByPhone retrieves a user by their normalized phone number.
func (r *PostgresRepository) FindUserByPhone(ctx context.Context, phoneNumber string) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, phone_number, first_name, last_name, created_at FROM users WHERE phone_number = $1`
	err := r.db.QueryRow(ctx, query, phoneNumber).Scan(&user.ID, &user.PhoneNumber, &user.FirstName, &user.LastName, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindUserByID retrieves a user by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	query := `SELECT id, phone_number, first_name, last_name, created_at FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&user.ID, &user.PhoneNumber, &user.FirstName, &user.LastName, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts a new user row. Called on first USSD contact.
func (r *PostgresRepository) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (id, phone_number, first_name, last_name, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at`
	return r.db.QueryRow(ctx, query, user.ID, user.PhoneNumber, user.FirstName, user.LastName).Scan(&user.CreatedAt)
}

// GetRiskProfile returns the scoring job's current limit for a user.
func (r *PostgresRepository) GetRiskProfile(ctx context.Context, userID uuid.UUID) (*domain.RiskProfile, error) {
	var profile domain.RiskProfile
	query := `SELECT user_id, current_limit, last_scored_at, score_inputs FROM risk_profiles WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&profile.UserID, &profile.CurrentLimit, &profile.LastScoredAt, &profile.ScoreInputs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRiskProfileNotFound
		}
		return nil, err
	}
	return &profile, nil
}

// UpsertRiskProfile writes the limit computed by the scoring job.
func (r *PostgresRepository) UpsertRiskProfile(ctx context.Context, profile *domain.RiskProfile) error {
	query := `
		INSERT INTO risk_profiles (user_id, current_limit, last_scored_at, score_inputs)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			current_limit = EXCLUDED.current_limit,
			last_scored_at = EXCLUDED.last_scored_at,
			score_inputs = EXCLUDED.score_inputs`
	_, err := r.db.Exec(ctx, query, profile.UserID, profile.CurrentLimit, profile.LastScoredAt, profile.ScoreInputs)
	return err
}

// ListUsersDueForScoring returns users with no risk profile or one scored
// before the cutoff, oldest first.
func (r *PostgresRepository) ListUsersDueForScoring(ctx context.Context, scoredBefore time.Time, limit int) ([]domain.User, error) {
	query := `
		SELECT u.id, u.phone_number, u.first_name, u.last_name, u.created_at
		FROM users u
		LEFT JOIN risk_profiles rp ON rp.user_id = u.id
		WHERE rp.user_id IS NULL OR rp.last_scored_at < $1
		ORDER BY rp.last_scored_at ASC NULLS FIRST
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, scoredBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.PhoneNumber, &u.FirstName, &u.LastName, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// LoanStatsForUser aggregates the loan history inputs the scoring job needs.
func (r *PostgresRepository) LoanStatsForUser(ctx context.Context, userID uuid.UUID) (*domain.LoanStats, error) {
	var stats domain.LoanStats
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state = 'closed' AND closed_at <= due_date),
			COUNT(*) FILTER (WHERE state = 'closed' AND closed_at > due_date),
			COUNT(*) FILTER (WHERE state = 'defaulted'),
			COALESCE(MAX(principal), 0),
			COALESCE(SUM(outstanding) FILTER (WHERE state IN ('disbursed', 'repaying')), 0),
			MAX(closed_at) FILTER (WHERE state = 'closed')
		FROM loans
		WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&stats.TotalLoans, &stats.ClosedOnTime, &stats.ClosedLate, &stats.Defaulted,
		&stats.MaxPrincipal, &stats.OpenPrincipal, &stats.RepaidInFullAt,
	)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// CreateLoan inserts a new loan account in its initial state.
func (r *PostgresRepository) CreateLoan(ctx context.Context, loan *domain.LoanAccount) error {
	query := `
		INSERT INTO loans (
			id, user_id, principal, amount_due, outstanding, purpose, state,
			risk_limit_at_application, term_days, interest_rate_bps, overdue, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, NOW())
		RETURNING created_at`
	return r.db.QueryRow(ctx, query,
		loan.ID, loan.UserID, loan.Principal, loan.AmountDue, loan.Outstanding,
		loan.Purpose, loan.State, loan.RiskLimitAtApplication, loan.TermDays, loan.InterestRateBps,
	).Scan(&loan.CreatedAt)
}

// GetLoanByID retrieves a loan by its ID.
func (r *PostgresRepository) GetLoanByID(ctx context.Context, loanID uuid.UUID) (*domain.LoanAccount, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1`
	return scanLoan(r.db.QueryRow(ctx, query, loanID))
}

// LatestLoanForUser returns the most recent loan for the status screen.
func (r *PostgresRepository) LatestLoanForUser(ctx context.Context, userID uuid.UUID) (*domain.LoanAccount, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`
	return scanLoan(r.db.QueryRow(ctx, query, userID))
}

// CountOpenLoans counts loans that block a new application.
func (r *PostgresRepository) CountOpenLoans(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM loans WHERE user_id = $1 AND state IN ('applied', 'scored', 'approved', 'disbursed', 'repaying')`
	if err := r.db.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// TransitionLoanState performs a guarded state update. The WHERE clause is the
// state machine: zero affected rows means the loan was not in a valid source
// state, which callers receive as ErrInvalidStateTransition.
func (r *PostgresRepository) TransitionLoanState(ctx context.Context, loanID uuid.UUID, from []domain.LoanState, to domain.LoanState) (*domain.LoanAccount, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	query := `
		UPDATE loans SET
			state = $2,
			approved_at = CASE WHEN $2 = 'approved' THEN NOW() ELSE approved_at END,
			closed_at = CASE WHEN $2 IN ('closed', 'defaulted', 'rejected') THEN NOW() ELSE closed_at END
		WHERE id = $1 AND state = ANY($3)
		RETURNING ` + loanColumns
	loan, err := scanLoan(r.db.QueryRow(ctx, query, loanID, to, states))
	if err != nil {
		if errors.Is(err, ErrLoanNotFound) {
			// Distinguish a missing loan from an illegal transition.
			if _, getErr := r.GetLoanByID(ctx, loanID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}
	return loan, nil
}

// ConfirmDisbursement is the second phase of approveAndDisburse. It commits
// the approved->disbursed transition, the ledger pair, and the payment
// confirmation as one unit.
func (r *PostgresRepository) ConfirmDisbursement(ctx context.Context, loanID, paymentTxID, platformAccountID uuid.UUID, dueDate time.Time) (*domain.LoanAccount, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the loan row for the duration of the transition.
	loan, err := scanLoan(tx.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, loanID))
	if err != nil {
		return nil, err
	}
	if loan.State != domain.LoanStateApproved {
		if loan.State == domain.LoanStateDisbursed {
			// Confirmation replay after a prior success.
			return loan, nil
		}
		return nil, ErrInvalidStateTransition
	}

	updated, err := scanLoan(tx.QueryRow(ctx, `
		UPDATE loans SET state = 'disbursed', disbursed_at = NOW(), due_date = $2, outstanding = amount_due
		WHERE id = $1
		RETURNING `+loanColumns, loanID, dueDate))
	if err != nil {
		return nil, err
	}

	if err := postLedgerPair(ctx, tx, platformAccountID, loan.UserID, &loanID, &paymentTxID, loan.Principal); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE payment_transactions SET status = 'confirmed', confirmed_at = NOW()
		WHERE id = $1 AND status = 'pending'`, paymentTxID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrInvalidStatusChange
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyRepayment applies one repayment to the loan balance atomically.
func (r *PostgresRepository) ApplyRepayment(ctx context.Context, loanID, paymentTxID, platformAccountID uuid.UUID, amount int64) (*RepaymentResult, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	loan, err := scanLoan(tx.QueryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1 FOR UPDATE`, loanID))
	if err != nil {
		return nil, err
	}
	if loan.State != domain.LoanStateDisbursed && loan.State != domain.LoanStateRepaying {
		return nil, ErrInvalidStateTransition
	}

	applied := amount
	if applied > loan.Outstanding {
		applied = loan.Outstanding
	}
	overpayment := amount - applied
	remaining := loan.Outstanding - applied

	nextState := domain.LoanStateRepaying
	if remaining == 0 {
		nextState = domain.LoanStateClosed
	}

	updated, err := scanLoan(tx.QueryRow(ctx, `
		UPDATE loans SET
			state = $2,
			outstanding = $3,
			closed_at = CASE WHEN $2 = 'closed' THEN NOW() ELSE closed_at END
		WHERE id = $1
		RETURNING `+loanColumns, loanID, nextState, remaining))
	if err != nil {
		return nil, err
	}

	// Repayment pair: debit the borrower's wallet, credit the platform. The
	// wallet debit is capped at the principal still credited from the
	// disbursement so the wallet balance never goes negative; the interest
	// share is collected from the external payment and posts as a platform
	// credit only.
	if applied > 0 {
		var priorDebits int64
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(amount), 0) FROM wallet_ledger_entries
			WHERE loan_id = $1 AND user_id = $2 AND direction = 'debit'`,
			loanID, loan.UserID).Scan(&priorDebits)
		if err != nil {
			return nil, err
		}
		walletDebit := loan.Principal - priorDebits
		if walletDebit > applied {
			walletDebit = applied
		}
		if walletDebit < 0 {
			walletDebit = 0
		}
		if walletDebit > 0 {
			if err := postLedgerPair(ctx, tx, loan.UserID, platformAccountID, &loanID, &paymentTxID, walletDebit); err != nil {
				return nil, err
			}
		}
		if interestShare := applied - walletDebit; interestShare > 0 {
			if err := postLedgerEntry(ctx, tx, platformAccountID, &loanID, &paymentTxID, domain.LedgerCredit, interestShare); err != nil {
				return nil, err
			}
		}
	}
	// Overpayment stays in the borrower's wallet, independent of the loan.
	if overpayment > 0 {
		if err := postLedgerEntry(ctx, tx, loan.UserID, nil, &paymentTxID, domain.LedgerCredit, overpayment); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &RepaymentResult{
		Loan:          updated,
		AmountApplied: applied,
		Overpayment:   overpayment,
		Closed:        nextState == domain.LoanStateClosed,
	}, nil
}

// MarkLoanOverdue flags a due loan. A loan still in disbursed moves to
// repaying so the default sweep can pick it up later.
func (r *PostgresRepository) MarkLoanOverdue(ctx context.Context, loanID uuid.UUID) (*domain.LoanAccount, error) {
	query := `
		UPDATE loans SET overdue = true, state = 'repaying'
		WHERE id = $1 AND state IN ('disbursed', 'repaying')
		RETURNING ` + loanColumns
	loan, err := scanLoan(r.db.QueryRow(ctx, query, loanID))
	if err != nil {
		if errors.Is(err, ErrLoanNotFound) {
			if _, getErr := r.GetLoanByID(ctx, loanID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}
	return loan, nil
}

// ListLoansPastDue returns open loans whose due date has passed and which are
// not yet flagged overdue.
func (r *PostgresRepository) ListLoansPastDue(ctx context.Context, asOf time.Time, limit int) ([]domain.LoanAccount, error) {
	query := `
		SELECT ` + loanColumns + ` FROM loans
		WHERE state IN ('disbursed', 'repaying') AND overdue = false AND due_date < $1
		ORDER BY due_date ASC
		LIMIT $2`
	return r.queryLoans(ctx, query, asOf, limit)
}

// ListDefaultCandidates returns overdue repaying loans whose due date passed
// before the grace cutoff.
func (r *PostgresRepository) ListDefaultCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]domain.LoanAccount, error) {
	query := `
		SELECT ` + loanColumns + ` FROM loans
		WHERE state = 'repaying' AND overdue = true AND due_date < $1
		ORDER BY due_date ASC
		LIMIT $2`
	return r.queryLoans(ctx, query, dueBefore, limit)
}

// ListLoans serves the admin read surface.
func (r *PostgresRepository) ListLoans(ctx context.Context, opts LoanListOptions) ([]domain.LoanAccount, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if opts.State != "" {
		query := `SELECT ` + loanColumns + ` FROM loans WHERE state = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		return r.queryLoans(ctx, query, opts.State, limit, opts.Offset)
	}
	query := `SELECT ` + loanColumns + ` FROM loans ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	return r.queryLoans(ctx, query, limit, opts.Offset)
}

func (r *PostgresRepository) queryLoans(ctx context.Context, query string, args ...any) ([]domain.LoanAccount, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []domain.LoanAccount
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, *loan)
	}
	return loans, rows.Err()
}

// CreatePaymentTransaction inserts a payment record. A unique index on
// external_reference makes duplicate provider references fail fast with
// ErrDuplicateReference.
func (r *PostgresRepository) CreatePaymentTransaction(ctx context.Context, p *domain.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (
			id, external_reference, direction, amount, status, loan_id, user_id,
			provider_receipt, failure_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING created_at`
	err := r.db.QueryRow(ctx, query,
		p.ID, p.ExternalReference, p.Direction, p.Amount, p.Status,
		p.LoanID, p.UserID, p.ProviderReceipt, p.FailureReason,
	).Scan(&p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

// FindPaymentByReference is the reconciler's idempotency lookup.
func (r *PostgresRepository) FindPaymentByReference(ctx context.Context, externalReference string) (*domain.PaymentTransaction, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE external_reference = $1`
	return scanPayment(r.db.QueryRow(ctx, query, externalReference))
}

// FindPendingDisbursementForLoan lets RequestDisbursement replay safely.
func (r *PostgresRepository) FindPendingDisbursementForLoan(ctx context.Context, loanID uuid.UUID) (*domain.PaymentTransaction, error) {
	query := `
		SELECT ` + paymentColumns + ` FROM payment_transactions
		WHERE loan_id = $1 AND direction = 'disbursement' AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1`
	return scanPayment(r.db.QueryRow(ctx, query, loanID))
}

// UpdatePaymentStatus performs a guarded status change.
func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, paymentTxID uuid.UUID, from, to domain.PaymentStatus, receipt, failureReason *string) error {
	query := `
		UPDATE payment_transactions SET
			status = $3,
			provider_receipt = COALESCE($4, provider_receipt),
			failure_reason = COALESCE($5, failure_reason),
			confirmed_at = CASE WHEN $3 IN ('confirmed', 'reconciled') AND confirmed_at IS NULL THEN NOW() ELSE confirmed_at END
		WHERE id = $1 AND status = $2`
	tag, err := r.db.Exec(ctx, query, paymentTxID, from, to, receipt, failureReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidStatusChange
	}
	return nil
}

// ListUnmatchedPayments surfaces quarantined events for manual reconciliation.
func (r *PostgresRepository) ListUnmatchedPayments(ctx context.Context, limit int) ([]domain.PaymentTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + paymentColumns + ` FROM payment_transactions WHERE status = 'unmatched' ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.PaymentTransaction
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// WalletBalance sums the ledger for one user: credits minus debits.
func (r *PostgresRepository) WalletBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	query := `
		SELECT COALESCE(SUM(CASE WHEN direction = 'credit' THEN amount ELSE -amount END), 0)
		FROM wallet_ledger_entries
		WHERE user_id = $1`
	if err := r.db.QueryRow(ctx, query, userID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// CreditWallet posts a standalone wallet credit outside a lifecycle transition.
func (r *PostgresRepository) CreditWallet(ctx context.Context, userID uuid.UUID, loanID, relatedTxID *uuid.UUID, amount int64) error {
	query := `
		INSERT INTO wallet_ledger_entries (id, user_id, loan_id, direction, amount, related_transaction_id, posted_at)
		VALUES ($1, $2, $3, 'credit', $4, $5, NOW())`
	_, err := r.db.Exec(ctx, query, uuid.New(), userID, loanID, amount, relatedTxID)
	return err
}

// ListLedgerEntries returns recent wallet history for a user.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, userID uuid.UUID, limit int) ([]domain.WalletLedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT id, user_id, loan_id, direction, amount, related_transaction_id, posted_at
		FROM wallet_ledger_entries
		WHERE user_id = $1
		ORDER BY posted_at DESC
		LIMIT $2`
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.WalletLedgerEntry
	for rows.Next() {
		var e domain.WalletLedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.LoanID, &e.Direction, &e.Amount, &e.RelatedTransactionID, &e.PostedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// postLedgerPair writes the debit/credit pair for one money movement inside
// an open transaction.
func postLedgerPair(ctx context.Context, tx pgx.Tx, debitUserID, creditUserID uuid.UUID, loanID, relatedTxID *uuid.UUID, amount int64) error {
	if err := postLedgerEntry(ctx, tx, debitUserID, loanID, relatedTxID, domain.LedgerDebit, amount); err != nil {
		return fmt.Errorf("post debit entry: %w", err)
	}
	if err := postLedgerEntry(ctx, tx, creditUserID, loanID, relatedTxID, domain.LedgerCredit, amount); err != nil {
		return fmt.Errorf("post credit entry: %w", err)
	}
	return nil
}

func postLedgerEntry(ctx context.Context, tx pgx.Tx, userID uuid.UUID, loanID, relatedTxID *uuid.UUID, direction domain.LedgerDirection, amount int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_ledger_entries (id, user_id, loan_id, direction, amount, related_transaction_id, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.New(), userID, loanID, direction, amount, relatedTxID)
	return err
}
