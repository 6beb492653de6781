/**
 * @description
 * This file defines the loan domain models for the lending-service.
 * These structs represent the main entities used throughout the service's
 * business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (KES cents), which avoids floating-point inaccuracies with financial data.
 * - A loan is mutated only through the lifecycle manager's transition operations;
 *   USSD and reconciliation code never write loan rows directly.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// LoanState enumerates the lifecycle states of a loan account.
//
// Valid transitions:
//
//	applied -> scored -> approved -> disbursed -> repaying -> closed
//	scored  -> rejected
//	repaying -> defaulted
//
// closed, defaulted and rejected are terminal.
type LoanState string

const (
	LoanStateApplied   LoanState = "applied"
	LoanStateScored    LoanState = "scored"
	LoanStateApproved  LoanState = "approved"
	LoanStateDisbursed LoanState = "disbursed"
	LoanStateRepaying  LoanState = "repaying"
	LoanStateClosed    LoanState = "closed"
	LoanStateRejected  LoanState = "rejected"
	LoanStateDefaulted LoanState = "defaulted"
)

// IsTerminal reports whether no further transitions are allowed from the state.
func (s LoanState) IsTerminal() bool {
	return s == LoanStateClosed || s == LoanStateDefaulted || s == LoanStateRejected
}

// LoanPurpose is the borrower-declared reason for the loan.
type LoanPurpose string

const (
	PurposeEmergency LoanPurpose = "emergency"
	PurposeBusiness  LoanPurpose = "business"
	PurposeEducation LoanPurpose = "education"
	PurposePersonal  LoanPurpose = "personal"
	PurposeOther     LoanPurpose = "other"
)

// LoanAccount is the central record for one micro-loan. It maps directly to
// the `loans` table in the database.
type LoanAccount struct {
	ID                     uuid.UUID   `json:"id"`
	UserID                 uuid.UUID   `json:"user_id"`
	Principal              int64       `json:"principal"`  // in cents
	AmountDue              int64       `json:"amount_due"` // principal + interest, in cents
	Outstanding            int64       `json:"outstanding"`
	Purpose                LoanPurpose `json:"purpose"`
	State                  LoanState   `json:"state"`
	RiskLimitAtApplication int64       `json:"risk_limit_at_application"`
	TermDays               int         `json:"term_days"`
	InterestRateBps        int         `json:"interest_rate_bps"`
	Overdue                bool        `json:"overdue"`
	CreatedAt              time.Time   `json:"created_at"`
	ApprovedAt             *time.Time  `json:"approved_at,omitempty"`
	DisbursedAt            *time.Time  `json:"disbursed_at,omitempty"`
	DueDate                *time.Time  `json:"due_date,omitempty"`
	ClosedAt               *time.Time  `json:"closed_at,omitempty"`
}

// Reference returns the short, stable application reference shown to the
// borrower on the USSD confirmation screen and in SMS messages.
func (l *LoanAccount) Reference() string {
	return l.ID.String()[:8]
}

// User is a borrower, identified by phone number. Users are auto-registered
// on their first USSD contact.
type User struct {
	ID          uuid.UUID `json:"id"`
	PhoneNumber string    `json:"phone_number"`
	FirstName   *string   `json:"first_name,omitempty"`
	LastName    *string   `json:"last_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RiskProfile holds the per-user borrowing limit produced by the credit
// scoring job. The lifecycle manager treats it as read-only: it consumes
// CurrentLimit at application time and never interprets ScoreInputs.
type RiskProfile struct {
	UserID       uuid.UUID `json:"user_id"`
	CurrentLimit int64     `json:"current_limit"` // in cents
	LastScoredAt time.Time `json:"last_scored_at"`
	ScoreInputs  string    `json:"score_inputs"` // opaque JSON summary of scoring inputs
}

// LoanStats summarizes a user's loan history for the credit scoring job.
type LoanStats struct {
	TotalLoans     int
	ClosedOnTime   int
	ClosedLate     int
	Defaulted      int
	MaxPrincipal   int64
	OpenPrincipal  int64
	RepaidInFullAt *time.Time
}
