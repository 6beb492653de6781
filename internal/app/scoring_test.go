package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/umoja/lending-service/internal/domain"
)

func newTestScorer(repo *memRepo) *Scorer {
	return NewScorer(repo, ScoringPolicy{
		BaseLimit:       500_000,   // KES 5,000
		MaxLimit:        5_000_000, // KES 50,000
		RescoreInterval: 7 * 24 * time.Hour,
	})
}

func TestComputeLimitNoHistoryKeepsBase(t *testing.T) {
	scorer := newTestScorer(newMemRepo())
	if limit := scorer.computeLimit(&domain.LoanStats{}); limit != 500_000 {
		t.Fatalf("limit = %d, want base 500000", limit)
	}
}

func TestComputeLimitGrowsWithOnTimeRepayment(t *testing.T) {
	scorer := newTestScorer(newMemRepo())
	limit := scorer.computeLimit(&domain.LoanStats{
		TotalLoans:   3,
		ClosedOnTime: 3,
		MaxPrincipal: 400_000,
	})
	// Perfect record doubles the largest principal: 800,000.
	if limit != 800_000 {
		t.Fatalf("limit = %d, want 800000", limit)
	}
}

func TestComputeLimitHalvesPerDefault(t *testing.T) {
	scorer := newTestScorer(newMemRepo())
	limit := scorer.computeLimit(&domain.LoanStats{
		TotalLoans:   4,
		ClosedOnTime: 3,
		Defaulted:    1,
		MaxPrincipal: 800_000,
	})
	// 800,000 * (1 + 3/4) = 1,400,000, halved once for the default.
	if limit != 700_000 {
		t.Fatalf("limit = %d, want 700000", limit)
	}
}

func TestComputeLimitClamped(t *testing.T) {
	scorer := newTestScorer(newMemRepo())

	high := scorer.computeLimit(&domain.LoanStats{
		TotalLoans:   10,
		ClosedOnTime: 10,
		MaxPrincipal: 4_000_000,
	})
	if high != 5_000_000 {
		t.Fatalf("limit = %d, want the 5000000 cap", high)
	}

	low := scorer.computeLimit(&domain.LoanStats{
		TotalLoans: 3,
		Defaulted:  3,
	})
	if low != 250_000 {
		t.Fatalf("limit = %d, want the 250000 floor (half of base)", low)
	}
}

func TestRunBatchWritesProfiles(t *testing.T) {
	repo := newMemRepo()
	scorer := newTestScorer(repo)
	user := seedUser(t, repo, "254733000001")
	repo.statsByUser[user.ID] = &domain.LoanStats{TotalLoans: 2, ClosedOnTime: 2, MaxPrincipal: 300_000}

	report, err := scorer.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if report.Scored != 1 || len(report.Failures) != 0 {
		t.Fatalf("report = %+v, want one scored user", report)
	}

	profile, err := repo.GetRiskProfile(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.CurrentLimit != 600_000 {
		t.Fatalf("limit = %d, want 600000", profile.CurrentLimit)
	}
	if profile.ScoreInputs == "" {
		t.Fatal("score inputs summary must be recorded")
	}
}

func TestRunBatchIsolatesPerUserFailures(t *testing.T) {
	repo := newMemRepo()
	scorer := newTestScorer(repo)
	seedUser(t, repo, "254733000002")
	seedUser(t, repo, "254733000003")
	repo.failStats = errors.New("stats query timeout")

	report, err := scorer.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("batch machinery must not fail: %v", err)
	}
	if len(report.Failures) != 2 || report.Scored != 0 {
		t.Fatalf("report = %+v, want both users collected as failures", report)
	}
}

func TestRunBatchSkipsRecentlyScoredUsers(t *testing.T) {
	repo := newMemRepo()
	scorer := newTestScorer(repo)
	user := seedUser(t, repo, "254733000004")
	repo.UpsertRiskProfile(context.Background(), &domain.RiskProfile{
		UserID:       user.ID,
		CurrentLimit: 700_000,
		LastScoredAt: time.Now().UTC(),
	})

	report, err := scorer.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if report.Scored != 0 {
		t.Fatalf("scored = %d, want 0 for a fresh profile", report.Scored)
	}
	profile, _ := repo.GetRiskProfile(context.Background(), user.ID)
	if profile.CurrentLimit != 700_000 {
		t.Fatal("a fresh profile must not be rewritten")
	}
}
