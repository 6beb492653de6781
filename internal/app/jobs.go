/**
 * @description
 * Scheduled job implementations: credit scoring, overdue detection, and
 * default detection. Each job is an idempotent batch with per-item failure
 * isolation; one bad loan or user is logged and skipped, never aborts the run.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/umoja/lending-service/internal/store"
)

const jobBatchLimit = 500

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo      store.Repository
	loans     *LoanService
	scorer    *Scorer
	logger    *slog.Logger
	graceDays int
}

// NewJobs creates a new Jobs runner. graceDays is how long past the due date
// a loan may stay overdue before the default sweep picks it up.
func NewJobs(repo store.Repository, loans *LoanService, scorer *Scorer, logger *slog.Logger, graceDays int) *Jobs {
	return &Jobs{
		repo:      repo,
		loans:     loans,
		scorer:    scorer,
		logger:    logger,
		graceDays: graceDays,
	}
}

// RunCreditScoring rescores every user due for a fresh risk limit.
func (j *Jobs) RunCreditScoring() {
	j.logger.Info("starting credit scoring job")
	ctx := context.Background()

	report, err := j.scorer.RunBatch(ctx)
	if err != nil {
		j.logger.Error("credit scoring batch failed", "error", err)
		return
	}

	for _, failure := range report.Failures {
		j.logger.Warn("failed to score user", "user_id", failure.UserID, "error", failure.Err)
	}
	j.logger.Info("credit scoring job finished", "scored", report.Scored, "failures", len(report.Failures))
}

// SweepOverdueLoans flags loans past their due date that are still carrying a
// balance. Already-flagged loans are skipped by the query, so reruns are safe.
func (j *Jobs) SweepOverdueLoans() {
	j.logger.Info("starting overdue sweep job")
	ctx := context.Background()

	loans, err := j.repo.ListLoansPastDue(ctx, time.Now().UTC(), jobBatchLimit)
	if err != nil {
		j.logger.Error("failed to list past-due loans", "error", err)
		return
	}
	if len(loans) == 0 {
		j.logger.Info("no loans past due")
		return
	}

	flagged := 0
	for _, loan := range loans {
		if _, err := j.loans.MarkOverdue(ctx, loan.ID); err != nil {
			if errors.Is(err, store.ErrInvalidStateTransition) {
				// The loan settled between the listing and the update.
				continue
			}
			j.logger.Error("failed to flag overdue loan", "loan_id", loan.ID, "error", err)
			continue
		}
		flagged++
	}
	j.logger.Info("overdue sweep job finished", "candidates", len(loans), "flagged", flagged)
}

// SweepDefaultedLoans moves loans that stayed overdue past the grace period
// into the defaulted terminal state.
func (j *Jobs) SweepDefaultedLoans() {
	j.logger.Info("starting default sweep job")
	ctx := context.Background()

	dueBefore := time.Now().UTC().AddDate(0, 0, -j.graceDays)
	loans, err := j.repo.ListDefaultCandidates(ctx, dueBefore, jobBatchLimit)
	if err != nil {
		j.logger.Error("failed to list default candidates", "error", err)
		return
	}
	if len(loans) == 0 {
		j.logger.Info("no default candidates")
		return
	}

	defaulted := 0
	for _, loan := range loans {
		if _, err := j.loans.MarkDefaulted(ctx, loan.ID); err != nil {
			if errors.Is(err, store.ErrInvalidStateTransition) {
				continue
			}
			j.logger.Error("failed to default loan", "loan_id", loan.ID, "error", err)
			continue
		}
		defaulted++
	}
	j.logger.Info("default sweep job finished", "candidates", len(loans), "defaulted", defaulted)
}
