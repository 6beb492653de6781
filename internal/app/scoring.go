/**
 * @description
 * This file implements the credit scoring batch. The scorer walks every user
 * due for rescoring, derives a borrowing limit from their repayment history,
 * and writes a fresh risk profile row. The lifecycle manager only ever reads
 * CurrentLimit; the formula lives here and can change without touching it.
 *
 * Key features:
 * - Per-user failure isolation: one user's scoring error is collected into the
 *   batch report, never aborts the batch.
 * - Decimal arithmetic for the multiplier math so limits never drift from
 *   float rounding.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Exact limit arithmetic.
 * - internal/store: Risk profile and loan history reads/writes.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/umoja/lending-service/internal/domain"
	"github.com/umoja/lending-service/internal/store"
)

// ScoringPolicy holds the tunables of the limit formula. Amounts are in cents.
type ScoringPolicy struct {
	BaseLimit       int64
	MaxLimit        int64
	RescoreInterval time.Duration
	BatchSize       int
}

// ScoringReport summarizes one batch run. Failures carry the user they belong
// to so operators can re-run or inspect individually.
type ScoringReport struct {
	Scored   int
	Failures []ScoringFailure
}

type ScoringFailure struct {
	UserID uuid.UUID
	Err    error
}

// Scorer is the credit scoring batch engine.
type Scorer struct {
	repo   store.Repository
	policy ScoringPolicy
}

func NewScorer(repo store.Repository, policy ScoringPolicy) *Scorer {
	if policy.BatchSize <= 0 {
		policy.BatchSize = 500
	}
	return &Scorer{repo: repo, policy: policy}
}

// RunBatch rescores every user whose profile is missing or older than the
// rescore interval. The returned error covers only the batch machinery; per
// user errors land in the report.
func (s *Scorer) RunBatch(ctx context.Context) (*ScoringReport, error) {
	cutoff := time.Now().UTC().Add(-s.policy.RescoreInterval)
	users, err := s.repo.ListUsersDueForScoring(ctx, cutoff, s.policy.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list users due for scoring: %w", err)
	}

	report := &ScoringReport{}
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.scoreUser(ctx, user.ID); err != nil {
			report.Failures = append(report.Failures, ScoringFailure{UserID: user.ID, Err: err})
			continue
		}
		report.Scored++
	}
	return report, nil
}

func (s *Scorer) scoreUser(ctx context.Context, userID uuid.UUID) error {
	stats, err := s.repo.LoanStatsForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("loan stats: %w", err)
	}

	limit := s.computeLimit(stats)

	inputs, err := json.Marshal(map[string]any{
		"total_loans":    stats.TotalLoans,
		"closed_on_time": stats.ClosedOnTime,
		"closed_late":    stats.ClosedLate,
		"defaulted":      stats.Defaulted,
		"max_principal":  stats.MaxPrincipal,
		"open_principal": stats.OpenPrincipal,
	})
	if err != nil {
		return fmt.Errorf("encode score inputs: %w", err)
	}

	profile := &domain.RiskProfile{
		UserID:       userID,
		CurrentLimit: limit,
		LastScoredAt: time.Now().UTC(),
		ScoreInputs:  string(inputs),
	}
	if err := s.repo.UpsertRiskProfile(ctx, profile); err != nil {
		return fmt.Errorf("upsert risk profile: %w", err)
	}
	return nil
}

// computeLimit derives the borrowing limit from repayment punctuality,
// historical utilization, and default count:
//
//   - no history keeps the conservative base limit
//   - each fully repaid loan grows headroom above the largest principal ever
//     borrowed, scaled by the on-time ratio
//   - each default halves the limit
//
// The result is clamped to [BaseLimit/2, MaxLimit] and rounded down to a
// whole KES 100 so USSD screens show round figures.
func (s *Scorer) computeLimit(stats *domain.LoanStats) int64 {
	base := decimal.NewFromInt(s.policy.BaseLimit)
	if stats.TotalLoans == 0 {
		return s.policy.BaseLimit
	}

	settled := stats.ClosedOnTime + stats.ClosedLate + stats.Defaulted
	if settled == 0 {
		// Only open loans so far; no repayment signal yet.
		return s.policy.BaseLimit
	}

	onTimeRatio := decimal.NewFromInt(int64(stats.ClosedOnTime)).
		Div(decimal.NewFromInt(int64(settled)))

	// Growth anchored on the largest principal handled so far: a perfect
	// repayment record doubles it, a poor one keeps it flat.
	anchor := decimal.NewFromInt(stats.MaxPrincipal)
	growth := decimal.NewFromInt(1).Add(onTimeRatio)
	limit := anchor.Mul(growth)
	if limit.LessThan(base) {
		limit = base
	}

	for i := 0; i < stats.Defaulted; i++ {
		limit = limit.Div(decimal.NewFromInt(2))
	}

	floor := base.Div(decimal.NewFromInt(2))
	ceil := decimal.NewFromInt(s.policy.MaxLimit)
	if limit.LessThan(floor) {
		limit = floor
	}
	if limit.GreaterThan(ceil) {
		limit = ceil
	}

	// Round down to whole KES 100 (10,000 cents).
	step := decimal.NewFromInt(10_000)
	return limit.Div(step).Floor().Mul(step).IntPart()
}
