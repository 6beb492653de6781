package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/umoja/lending-service/internal/domain"
	"github.com/umoja/lending-service/internal/store"
	"github.com/umoja/lending-service/pkg/daraja"
	"github.com/umoja/lending-service/pkg/rabbitmq"
)

// memRepo is an in-memory Repository with the same transition guards as the
// Postgres implementation, so lifecycle and reconciliation behavior can be
// exercised without a database.
type memRepo struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*domain.User
	profiles map[uuid.UUID]*domain.RiskProfile
	loans    map[uuid.UUID]*domain.LoanAccount
	payments map[uuid.UUID]*domain.PaymentTransaction
	ledger   []domain.WalletLedgerEntry

	statsByUser map[uuid.UUID]*domain.LoanStats
	failStats   error
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:       make(map[uuid.UUID]*domain.User),
		profiles:    make(map[uuid.UUID]*domain.RiskProfile),
		loans:       make(map[uuid.UUID]*domain.LoanAccount),
		payments:    make(map[uuid.UUID]*domain.PaymentTransaction),
		statsByUser: make(map[uuid.UUID]*domain.LoanStats),
	}
}

var _ store.Repository = (*memRepo)(nil)

func (r *memRepo) FindUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.PhoneNumber == phone {
			copied := *u
			return &copied, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (r *memRepo) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (r *memRepo) CreateUser(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user.CreatedAt = time.Now().UTC()
	copied := *user
	r.users[user.ID] = &copied
	return nil
}

func (r *memRepo) GetRiskProfile(ctx context.Context, userID uuid.UUID) (*domain.RiskProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	if !ok {
		return nil, store.ErrRiskProfileNotFound
	}
	copied := *p
	return &copied, nil
}

func (r *memRepo) UpsertRiskProfile(ctx context.Context, profile *domain.RiskProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *profile
	r.profiles[profile.UserID] = &copied
	return nil
}

func (r *memRepo) ListUsersDueForScoring(ctx context.Context, scoredBefore time.Time, limit int) ([]domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.User
	for _, u := range r.users {
		profile, ok := r.profiles[u.ID]
		if !ok || profile.LastScoredAt.Before(scoredBefore) {
			due = append(due, *u)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].PhoneNumber < due[j].PhoneNumber })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *memRepo) LoanStatsForUser(ctx context.Context, userID uuid.UUID) (*domain.LoanStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failStats != nil {
		return nil, r.failStats
	}
	if stats, ok := r.statsByUser[userID]; ok {
		copied := *stats
		return &copied, nil
	}
	return &domain.LoanStats{}, nil
}

func (r *memRepo) CreateLoan(ctx context.Context, loan *domain.LoanAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	loan.CreatedAt = time.Now().UTC()
	copied := *loan
	r.loans[loan.ID] = &copied
	return nil
}

func (r *memRepo) GetLoanByID(ctx context.Context, loanID uuid.UUID) (*domain.LoanAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loanLocked(loanID)
}

func (r *memRepo) loanLocked(loanID uuid.UUID) (*domain.LoanAccount, error) {
	loan, ok := r.loans[loanID]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	copied := *loan
	return &copied, nil
}

func (r *memRepo) LatestLoanForUser(ctx context.Context, userID uuid.UUID) (*domain.LoanAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *domain.LoanAccount
	for _, loan := range r.loans {
		if loan.UserID != userID {
			continue
		}
		if latest == nil || loan.CreatedAt.After(latest.CreatedAt) {
			latest = loan
		}
	}
	if latest == nil {
		return nil, store.ErrLoanNotFound
	}
	copied := *latest
	return &copied, nil
}

func (r *memRepo) CountOpenLoans(ctx context.Context, userID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, loan := range r.loans {
		if loan.UserID == userID && !loan.State.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (r *memRepo) TransitionLoanState(ctx context.Context, loanID uuid.UUID, from []domain.LoanState, to domain.LoanState) (*domain.LoanAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loan, ok := r.loans[loanID]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	matched := false
	for _, state := range from {
		if loan.State == state {
			matched = true
			break
		}
	}
	if !matched {
		return nil, store.ErrInvalidStateTransition
	}
	loan.State = to
	now := time.Now().UTC()
	switch to {
	case domain.LoanStateApproved:
		loan.ApprovedAt = &now
	case domain.LoanStateClosed, domain.LoanStateDefaulted, domain.LoanStateRejected:
		loan.ClosedAt = &now
	}
	copied := *loan
	return &copied, nil
}

func (r *memRepo) ConfirmDisbursement(ctx context.Context, loanID, paymentTxID, platformAccountID uuid.UUID, dueDate time.Time) (*domain.LoanAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loan, ok := r.loans[loanID]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	if loan.State == domain.LoanStateDisbursed {
		copied := *loan
		return &copied, nil
	}
	if loan.State != domain.LoanStateApproved {
		return nil, store.ErrInvalidStateTransition
	}

	now := time.Now().UTC()
	loan.State = domain.LoanStateDisbursed
	loan.DisbursedAt = &now
	loan.DueDate = &dueDate
	loan.Outstanding = loan.AmountDue

	r.postPairLocked(platformAccountID, loan.UserID, &loan.ID, &paymentTxID, loan.Principal)
	if tx, ok := r.payments[paymentTxID]; ok && tx.Status == domain.PaymentPending {
		tx.Status = domain.PaymentConfirmed
		tx.ConfirmedAt = &now
	}
	copied := *loan
	return &copied, nil
}

func (r *memRepo) ApplyRepayment(ctx context.Context, loanID, paymentTxID, platformAccountID uuid.UUID, amount int64) (*store.RepaymentResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loan, ok := r.loans[loanID]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	if loan.State != domain.LoanStateDisbursed && loan.State != domain.LoanStateRepaying {
		return nil, store.ErrInvalidStateTransition
	}

	applied := amount
	if applied > loan.Outstanding {
		applied = loan.Outstanding
	}
	overpayment := amount - applied
	loan.Outstanding -= applied

	// Principal share pairs with a wallet debit; interest share posts as a
	// platform credit only, matching the Postgres implementation.
	var priorDebits int64
	for _, entry := range r.ledger {
		if entry.LoanID != nil && *entry.LoanID == loan.ID && entry.UserID == loan.UserID && entry.Direction == domain.LedgerDebit {
			priorDebits += entry.Amount
		}
	}
	walletDebit := loan.Principal - priorDebits
	if walletDebit > applied {
		walletDebit = applied
	}
	if walletDebit < 0 {
		walletDebit = 0
	}
	if walletDebit > 0 {
		r.postPairLocked(loan.UserID, platformAccountID, &loan.ID, &paymentTxID, walletDebit)
	}
	if interestShare := applied - walletDebit; interestShare > 0 {
		r.ledger = append(r.ledger, domain.WalletLedgerEntry{
			ID: uuid.New(), UserID: platformAccountID, LoanID: &loan.ID, Direction: domain.LedgerCredit,
			Amount: interestShare, RelatedTransactionID: &paymentTxID, PostedAt: time.Now().UTC(),
		})
	}
	if overpayment > 0 {
		r.ledger = append(r.ledger, domain.WalletLedgerEntry{
			ID:                   uuid.New(),
			UserID:               loan.UserID,
			Direction:            domain.LedgerCredit,
			Amount:               overpayment,
			RelatedTransactionID: &paymentTxID,
			PostedAt:             time.Now().UTC(),
		})
	}

	closed := loan.Outstanding == 0
	if closed {
		now := time.Now().UTC()
		loan.State = domain.LoanStateClosed
		loan.ClosedAt = &now
	} else {
		loan.State = domain.LoanStateRepaying
	}
	copied := *loan
	return &store.RepaymentResult{Loan: &copied, AmountApplied: applied, Overpayment: overpayment, Closed: closed}, nil
}

// postPairLocked posts the debit/credit pair for one money movement.
func (r *memRepo) postPairLocked(debitUser, creditUser uuid.UUID, loanID, txID *uuid.UUID, amount int64) {
	now := time.Now().UTC()
	r.ledger = append(r.ledger,
		domain.WalletLedgerEntry{ID: uuid.New(), UserID: debitUser, LoanID: loanID, Direction: domain.LedgerDebit, Amount: amount, RelatedTransactionID: txID, PostedAt: now},
		domain.WalletLedgerEntry{ID: uuid.New(), UserID: creditUser, LoanID: loanID, Direction: domain.LedgerCredit, Amount: amount, RelatedTransactionID: txID, PostedAt: now},
	)
}

func (r *memRepo) MarkLoanOverdue(ctx context.Context, loanID uuid.UUID) (*domain.LoanAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	loan, ok := r.loans[loanID]
	if !ok {
		return nil, store.ErrLoanNotFound
	}
	if loan.State != domain.LoanStateDisbursed && loan.State != domain.LoanStateRepaying {
		return nil, store.ErrInvalidStateTransition
	}
	loan.Overdue = true
	loan.State = domain.LoanStateRepaying
	copied := *loan
	return &copied, nil
}

func (r *memRepo) ListLoansPastDue(ctx context.Context, asOf time.Time, limit int) ([]domain.LoanAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.LoanAccount
	for _, loan := range r.loans {
		if loan.Overdue || loan.DueDate == nil || loan.Outstanding == 0 {
			continue
		}
		if (loan.State == domain.LoanStateDisbursed || loan.State == domain.LoanStateRepaying) && loan.DueDate.Before(asOf) {
			due = append(due, *loan)
		}
	}
	return due, nil
}

func (r *memRepo) ListDefaultCandidates(ctx context.Context, dueBefore time.Time, limit int) ([]domain.LoanAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []domain.LoanAccount
	for _, loan := range r.loans {
		if loan.State == domain.LoanStateRepaying && loan.Overdue && loan.DueDate != nil && loan.DueDate.Before(dueBefore) {
			candidates = append(candidates, *loan)
		}
	}
	return candidates, nil
}

func (r *memRepo) ListLoans(ctx context.Context, opts store.LoanListOptions) ([]domain.LoanAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var loans []domain.LoanAccount
	for _, loan := range r.loans {
		if opts.State != "" && loan.State != opts.State {
			continue
		}
		loans = append(loans, *loan)
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].CreatedAt.After(loans[j].CreatedAt) })
	return loans, nil
}

func (r *memRepo) CreatePaymentTransaction(ctx context.Context, tx *domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if existing.ExternalReference == tx.ExternalReference {
			return store.ErrDuplicateReference
		}
	}
	tx.CreatedAt = time.Now().UTC()
	copied := *tx
	r.payments[tx.ID] = &copied
	return nil
}

func (r *memRepo) FindPaymentByReference(ctx context.Context, externalReference string) (*domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.payments {
		if tx.ExternalReference == externalReference {
			copied := *tx
			return &copied, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *memRepo) FindPendingDisbursementForLoan(ctx context.Context, loanID uuid.UUID) (*domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.payments {
		if tx.LoanID != nil && *tx.LoanID == loanID && tx.Direction == domain.DirectionDisbursement && tx.Status == domain.PaymentPending {
			copied := *tx
			return &copied, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (r *memRepo) UpdatePaymentStatus(ctx context.Context, paymentTxID uuid.UUID, from, to domain.PaymentStatus, receipt, failureReason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.payments[paymentTxID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	if tx.Status != from {
		return store.ErrInvalidStatusChange
	}
	tx.Status = to
	if receipt != nil {
		tx.ProviderReceipt = receipt
	}
	if failureReason != nil {
		tx.FailureReason = failureReason
	}
	if to == domain.PaymentConfirmed {
		now := time.Now().UTC()
		tx.ConfirmedAt = &now
	}
	return nil
}

func (r *memRepo) ListUnmatchedPayments(ctx context.Context, limit int) ([]domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var unmatched []domain.PaymentTransaction
	for _, tx := range r.payments {
		if tx.Status == domain.PaymentUnmatched {
			unmatched = append(unmatched, *tx)
		}
	}
	return unmatched, nil
}

func (r *memRepo) WalletBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var balance int64
	for _, entry := range r.ledger {
		if entry.UserID != userID {
			continue
		}
		if entry.Direction == domain.LedgerCredit {
			balance += entry.Amount
		} else {
			balance -= entry.Amount
		}
	}
	return balance, nil
}

func (r *memRepo) CreditWallet(ctx context.Context, userID uuid.UUID, loanID, relatedTxID *uuid.UUID, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledger = append(r.ledger, domain.WalletLedgerEntry{
		ID: uuid.New(), UserID: userID, LoanID: loanID, Direction: domain.LedgerCredit,
		Amount: amount, RelatedTransactionID: relatedTxID, PostedAt: time.Now().UTC(),
	})
	return nil
}

func (r *memRepo) ListLedgerEntries(ctx context.Context, userID uuid.UUID, limit int) ([]domain.WalletLedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []domain.WalletLedgerEntry
	for _, entry := range r.ledger {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

func (r *memRepo) ledgerEntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ledger)
}

func (r *memRepo) paymentByReference(reference string) *domain.PaymentTransaction {
	tx, err := r.FindPaymentByReference(context.Background(), reference)
	if err != nil {
		return nil
	}
	return tx
}

// stubPayout is a PayoutClient returning canned provider acknowledgments.
type stubPayout struct {
	mu       sync.Mutex
	b2cCalls int
	stkCalls int
	b2cRef   string
	stkRef   string
	failNext error
}

func (p *stubPayout) InitiateB2C(ctx context.Context, phone string, amount int64, remarks string) (*daraja.B2CResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return nil, err
	}
	p.b2cCalls++
	ref := p.b2cRef
	if ref == "" {
		ref = "AG_CONV_1"
	}
	return &daraja.B2CResponse{ConversationID: ref, ResponseCode: "0"}, nil
}

func (p *stubPayout) InitiateSTKPush(ctx context.Context, phone string, amount int64, accountReference, description string) (*daraja.STKPushResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return nil, err
	}
	p.stkCalls++
	ref := p.stkRef
	if ref == "" {
		ref = "ws_CO_1"
	}
	return &daraja.STKPushResponse{CheckoutRequestID: ref, ResponseCode: "0"}, nil
}

// nopPublisher swallows events; lifecycle publishing is fire-and-forget and
// not under test here.
type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}
func (nopPublisher) PublishLoanEvent(ctx context.Context, event rabbitmq.LoanEvent) error { return nil }
func (nopPublisher) PublishReconciliationAlert(ctx context.Context, alert rabbitmq.ReconciliationAlert) error {
	return nil
}
func (nopPublisher) Close() {}
