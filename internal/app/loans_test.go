package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/umoja/lending-service/internal/domain"
	"github.com/umoja/lending-service/internal/store"
)

func newTestLoanService(repo *memRepo, payout *stubPayout) *LoanService {
	return NewLoanService(repo, payout, nopPublisher{}, uuid.New(), LoanPolicy{
		DefaultLimit:       500_000,   // KES 5,000
		InstantApprovalMax: 1_000_000, // KES 10,000
		InterestRateBps:    1500,
		TermDays:           30,
	})
}

func seedUser(t *testing.T, repo *memRepo, phone string) *domain.User {
	t.Helper()
	user := &domain.User{ID: uuid.New(), PhoneNumber: phone}
	if err := repo.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func TestApplyInstantApproval(t *testing.T) {
	repo := newMemRepo()
	svc := newTestLoanService(repo, &stubPayout{})
	user := seedUser(t, repo, "254700000001")

	loan, err := svc.Apply(context.Background(), user.ID, 300_000, domain.PurposeBusiness)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if loan.State != domain.LoanStateApproved {
		t.Fatalf("state = %s, want %s", loan.State, domain.LoanStateApproved)
	}
	if loan.AmountDue != 345_000 {
		t.Fatalf("amount due = %d, want 345000 (principal plus 15%% interest)", loan.AmountDue)
	}
	if loan.RiskLimitAtApplication != 500_000 {
		t.Fatalf("risk limit at application = %d, want default 500000", loan.RiskLimitAtApplication)
	}
	if loan.Reference() == "" {
		t.Fatal("expected a non-empty application reference")
	}
}

func TestApplyInstantApprovalInitiatesPayout(t *testing.T) {
	repo := newMemRepo()
	payout := &stubPayout{}
	svc := newTestLoanService(repo, payout)
	user := seedUser(t, repo, "254700000020")

	loan, err := svc.Apply(context.Background(), user.ID, 300_000, domain.PurposeBusiness)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if payout.b2cCalls != 1 {
		t.Fatalf("b2c calls = %d, an instant approval must initiate the payout", payout.b2cCalls)
	}
	tx, err := repo.FindPendingDisbursementForLoan(context.Background(), loan.ID)
	if err != nil {
		t.Fatalf("pending disbursement: %v", err)
	}
	if tx.Amount != 300_000 || tx.Direction != domain.DirectionDisbursement {
		t.Fatalf("pending tx = %+v, want a 300000 disbursement", tx)
	}
}

func TestApplyPayoutFailureLeavesLoanApprovedForRetry(t *testing.T) {
	repo := newMemRepo()
	payout := &stubPayout{failNext: errors.New("provider unavailable")}
	svc := newTestLoanService(repo, payout)
	user := seedUser(t, repo, "254700000021")

	loan, err := svc.Apply(context.Background(), user.ID, 300_000, domain.PurposeBusiness)
	if err != nil {
		t.Fatalf("apply must succeed even when the payout initiation fails: %v", err)
	}
	if loan.State != domain.LoanStateApproved {
		t.Fatalf("state = %s, want %s", loan.State, domain.LoanStateApproved)
	}
	if _, err := repo.FindPendingDisbursementForLoan(context.Background(), loan.ID); !errors.Is(err, store.ErrTransactionNotFound) {
		t.Fatal("a failed initiation must not leave a pending transaction")
	}

	// The retry path picks the approved loan back up.
	tx, err := svc.ApproveAndDisburse(context.Background(), loan.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if payout.b2cCalls != 1 || tx.Status != domain.PaymentPending {
		t.Fatalf("b2c calls = %d status = %s, want one pending payout", payout.b2cCalls, tx.Status)
	}
}

func TestApproveAndDisburseFromScored(t *testing.T) {
	repo := newMemRepo()
	payout := &stubPayout{}
	svc := newTestLoanService(repo, payout)
	user := seedUser(t, repo, "254700000022")
	repo.UpsertRiskProfile(context.Background(), &domain.RiskProfile{
		UserID:       user.ID,
		CurrentLimit: 2_000_000,
		LastScoredAt: time.Now(),
	})

	loan, err := svc.Apply(context.Background(), user.ID, 1_500_000, domain.PurposeBusiness)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if payout.b2cCalls != 0 {
		t.Fatalf("b2c calls = %d, an above-threshold application must wait for approval", payout.b2cCalls)
	}

	tx, err := svc.ApproveAndDisburse(context.Background(), loan.ID)
	if err != nil {
		t.Fatalf("approve and disburse: %v", err)
	}
	if payout.b2cCalls != 1 {
		t.Fatalf("b2c calls = %d, want 1", payout.b2cCalls)
	}
	loan, err = repo.GetLoanByID(context.Background(), loan.ID)
	if err != nil {
		t.Fatalf("reload loan: %v", err)
	}
	if loan.State != domain.LoanStateApproved || tx.Status != domain.PaymentPending {
		t.Fatalf("state = %s tx status = %s, want approved with a pending payout", loan.State, tx.Status)
	}
}

func TestRejectScoredLoan(t *testing.T) {
	repo := newMemRepo()
	svc := newTestLoanService(repo, &stubPayout{})
	user := seedUser(t, repo, "254700000023")
	repo.UpsertRiskProfile(context.Background(), &domain.RiskProfile{
		UserID:       user.ID,
		CurrentLimit: 2_000_000,
		LastScoredAt: time.Now(),
	})

	loan, err := svc.Apply(context.Background(), user.ID, 1_500_000, domain.PurposeBusiness)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	rejected, err := svc.Reject(context.Background(), loan.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.State != domain.LoanStateRejected {
		t.Fatalf("state = %s, want %s", rejected.State, domain.LoanStateRejected)
	}
	if _, err := svc.Reject(context.Background(), loan.ID); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("err = %v, a rejected loan must not be rejected again", err)
	}
}

func TestApplyLimitExceededCreatesNoLoan(t *testing.T) {
	repo := newMemRepo()
	svc := newTestLoanService(repo, &stubPayout{})
	user := seedUser(t, repo, "254700000002")

	_, err := svc.Apply(context.Background(), user.ID, 600_000, domain.PurposeEmergency)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("err = %v, want ErrLimitExceeded", err)
	}
	if _, err := repo.LatestLoanForUser(context.Background(), user.ID); !errors.Is(err, store.ErrLoanNotFound) {
		t.Fatal("a declined application must not create a loan account")
	}
}

func TestApplyUsesScoredLimit(t *testing.T) {
	repo := newMemRepo()
	svc := newTestLoanService(repo, &stubPayout{})
	user := seedUser(t, repo, "254700000003")
	repo.UpsertRiskProfile(context.Background(), &domain.RiskProfile{
		UserID:       user.ID,
		CurrentLimit: 2_000_000,
		LastScoredAt: time.Now(),
	})

	loan, err := svc.Apply(context.Background(), user.ID, 1_500_000, domain.PurposeBusiness)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Above the instant-approval threshold: stays scored for batch approval.
	if loan.State != domain.LoanStateScored {
		t.Fatalf("state = %s, want %s", loan.State, domain.LoanStateScored)
	}
	if loan.RiskLimitAtApplication != 2_000_000 {
		t.Fatalf("risk limit at application = %d, want scored 2000000", loan.RiskLimitAtApplication)
	}
}

func TestApplyRejectsSecondOpenLoan(t *testing.T) {
	repo := newMemRepo()
	svc := newTestLoanService(repo, &stubPayout{})
	user := seedUser(t, repo, "254700000004")

	if _, err := svc.Apply(context.Background(), user.ID, 200_000, domain.PurposePersonal); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	_, err := svc.Apply(context.Background(), user.ID, 100_000, domain.PurposePersonal)
	if !errors.Is(err, ErrActiveLoanExists) {
		t.Fatalf("err = %v, want ErrActiveLoanExists", err)
	}
}

func TestRequestDisbursementIsReplaySafe(t *testing.T) {
	repo := newMemRepo()
	payout := &stubPayout{}
	svc := newTestLoanService(repo, payout)
	user := seedUser(t, repo, "254700000005")

	loan, err := svc.Apply(context.Background(), user.ID, 300_000, domain.PurposeBusiness)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	first, err := svc.RequestDisbursement(context.Background(), loan.ID)
	if err != nil {
		t.Fatalf("request disbursement: %v", err)
	}
	second, err := svc.RequestDisbursement(context.Background(), loan.ID)
	if err != nil {
		t.Fatalf("replayed request disbursement: %v", err)
	}
	if first.ID != second.ID {
		t.Fatal("replay must return the existing pending transaction")
	}
	if payout.b2cCalls != 1 {
		t.Fatalf("b2c calls = %d, want 1", payout.b2cCalls)
	}
}

func TestRequestDisbursementRequiresApproved(t *testing.T) {
	repo := newMemRepo()
	svc := newTestLoanService(repo, &stubPayout{})
	user := seedUser(t, repo, "254700000006")

	loan := &domain.LoanAccount{ID: uuid.New(), UserID: user.ID, Principal: 100_000, AmountDue: 115_000, State: domain.LoanStateScored}
	repo.CreateLoan(context.Background(), loan)

	if _, err := svc.RequestDisbursement(context.Background(), loan.ID); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestRecordRepaymentClosesLoanWithWalletUnaffected(t *testing.T) {
	repo := newMemRepo()
	svc := newTestLoanService(repo, &stubPayout{})
	user := seedUser(t, repo, "254700000007")

	loan, err := svc.Apply(context.Background(), user.ID, 300_000, domain.PurposeBusiness)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	tx, err := svc.RequestDisbursement(context.Background(), loan.ID)
	if err != nil {
		t.Fatalf("request disbursement: %v", err)
	}
	if _, err := svc.ConfirmDisbursement(context.Background(), loan.ID, tx.ID); err != nil {
		t.Fatalf("confirm disbursement: %v", err)
	}

	result, err := svc.RecordRepayment(context.Background(), loan.ID, 345_000, "EXT-1")
	if err != nil {
		t.Fatalf("record repayment: %v", err)
	}
	if !result.Closed {
		t.Fatal("full repayment must close the loan")
	}
	if result.Loan.State != domain.LoanStateClosed {
		t.Fatalf("state = %s, want %s", result.Loan.State, domain.LoanStateClosed)
	}

	// Disbursement credited the principal, repayment debited it back; the
	// interest share posts against the platform account only. The wallet is
	// unaffected once the loan is fully repaid.
	balance, err := repo.WalletBalance(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("wallet balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %d, want 0", balance)
	}
}

func TestRecordRepaymentPartialThenOverpayment(t *testing.T) {
	repo := newMemRepo()
	svc := newTestLoanService(repo, &stubPayout{})
	user := seedUser(t, repo, "254700000008")

	loan, _ := svc.Apply(context.Background(), user.ID, 200_000, domain.PurposeEmergency)
	tx, _ := svc.RequestDisbursement(context.Background(), loan.ID)
	if _, err := svc.ConfirmDisbursement(context.Background(), loan.ID, tx.ID); err != nil {
		t.Fatalf("confirm disbursement: %v", err)
	}

	partial, err := svc.RecordRepayment(context.Background(), loan.ID, 100_000, "EXT-P1")
	if err != nil {
		t.Fatalf("partial repayment: %v", err)
	}
	if partial.Closed || partial.Loan.State != domain.LoanStateRepaying {
		t.Fatalf("partial repayment must leave the loan repaying, got %s", partial.Loan.State)
	}
	if partial.Loan.Outstanding != 130_000 {
		t.Fatalf("outstanding = %d, want 130000", partial.Loan.Outstanding)
	}

	final, err := svc.RecordRepayment(context.Background(), loan.ID, 150_000, "EXT-P2")
	if err != nil {
		t.Fatalf("final repayment: %v", err)
	}
	if !final.Closed {
		t.Fatal("final repayment must close the loan")
	}
	if final.Overpayment != 20_000 {
		t.Fatalf("overpayment = %d, want 20000", final.Overpayment)
	}
}

func TestRecordRepaymentReplayIsNoOp(t *testing.T) {
	repo := newMemRepo()
	svc := newTestLoanService(repo, &stubPayout{})
	user := seedUser(t, repo, "254700000009")

	loan, _ := svc.Apply(context.Background(), user.ID, 200_000, domain.PurposeOther)
	tx, _ := svc.RequestDisbursement(context.Background(), loan.ID)
	svc.ConfirmDisbursement(context.Background(), loan.ID, tx.ID)

	if _, err := svc.RecordRepayment(context.Background(), loan.ID, 230_000, "EXT-R1"); err != nil {
		t.Fatalf("first repayment: %v", err)
	}
	payment := repo.paymentByReference("EXT-R1")
	if payment == nil {
		t.Fatal("repayment transaction missing")
	}
	repo.UpdatePaymentStatus(context.Background(), payment.ID, payment.Status, domain.PaymentReconciled, nil, nil)
	entriesBefore := repo.ledgerEntryCount()

	replay, err := svc.RecordRepayment(context.Background(), loan.ID, 230_000, "EXT-R1")
	if err != nil {
		t.Fatalf("replayed repayment: %v", err)
	}
	if !replay.Closed {
		t.Fatal("replay must report the prior closed outcome")
	}
	if repo.ledgerEntryCount() != entriesBefore {
		t.Fatal("replay must not post additional ledger entries")
	}
}

func TestMarkDefaultedOnlyFromRepaying(t *testing.T) {
	repo := newMemRepo()
	svc := newTestLoanService(repo, &stubPayout{})
	user := seedUser(t, repo, "254700000010")

	loan, _ := svc.Apply(context.Background(), user.ID, 200_000, domain.PurposeBusiness)
	if _, err := svc.MarkDefaulted(context.Background(), loan.ID); !errors.Is(err, store.ErrInvalidStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
	}

	tx, _ := svc.RequestDisbursement(context.Background(), loan.ID)
	svc.ConfirmDisbursement(context.Background(), loan.ID, tx.ID)
	if _, err := svc.MarkOverdue(context.Background(), loan.ID); err != nil {
		t.Fatalf("mark overdue: %v", err)
	}

	defaulted, err := svc.MarkDefaulted(context.Background(), loan.ID)
	if err != nil {
		t.Fatalf("mark defaulted: %v", err)
	}
	if defaulted.State != domain.LoanStateDefaulted {
		t.Fatalf("state = %s, want %s", defaulted.State, domain.LoanStateDefaulted)
	}
}
