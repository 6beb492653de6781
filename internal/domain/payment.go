/**
 * @description
 * This file defines the payment and ledger domain models. PaymentTransaction
 * rows track every mobile-money movement the platform initiates or observes;
 * WalletLedgerEntry rows form the double-entry record backing wallet balances.
 *
 * @notes
 * - ExternalReference is the provider-assigned identifier (M-Pesa
 *   CheckoutRequestID for STK pushes, ConversationID for B2C payouts) and is
 *   globally unique. It doubles as the idempotency key for webhook replay:
 *   a duplicate webhook carrying the same reference must be a no-op.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentDirection distinguishes money leaving the platform (disbursement)
// from money coming in (repayment).
type PaymentDirection string

const (
	DirectionDisbursement PaymentDirection = "disbursement"
	DirectionRepayment    PaymentDirection = "repayment"
)

// PaymentStatus tracks a transaction through reconciliation.
//
//	pending   - initiated by us, awaiting the provider webhook
//	confirmed - provider reported success, lifecycle transition not yet applied
//	reconciled - lifecycle transition applied; terminal success
//	failed    - provider reported failure, or validation mismatch; terminal
//	unmatched - provider event we never initiated; quarantined for admin review
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentConfirmed  PaymentStatus = "confirmed"
	PaymentReconciled PaymentStatus = "reconciled"
	PaymentFailed     PaymentStatus = "failed"
	PaymentUnmatched  PaymentStatus = "unmatched"
)

// PaymentTransaction maps to the `payment_transactions` table.
type PaymentTransaction struct {
	ID                uuid.UUID        `json:"id"`
	ExternalReference string           `json:"external_reference"`
	Direction         PaymentDirection `json:"direction"`
	Amount            int64            `json:"amount"` // in cents
	Status            PaymentStatus    `json:"status"`
	LoanID            *uuid.UUID       `json:"loan_id,omitempty"`
	UserID            *uuid.UUID       `json:"user_id,omitempty"`
	ProviderReceipt   *string          `json:"provider_receipt,omitempty"`
	FailureReason     *string          `json:"failure_reason,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	ConfirmedAt       *time.Time       `json:"confirmed_at,omitempty"`
}

// LedgerDirection marks a wallet ledger entry as a credit or a debit.
type LedgerDirection string

const (
	LedgerCredit LedgerDirection = "credit"
	LedgerDebit  LedgerDirection = "debit"
)

// WalletLedgerEntry maps to the `wallet_ledger_entries` table. Every
// disbursement or repayment posts exactly one entry pair: a debit on one
// account and a matching credit on the other. The platform treasury is an
// ordinary account identified by a reserved user id from configuration.
// LoanID is nullable: overpayment credits are wallet entries independent of
// any loan.
type WalletLedgerEntry struct {
	ID                   uuid.UUID       `json:"id"`
	UserID               uuid.UUID       `json:"user_id"`
	LoanID               *uuid.UUID      `json:"loan_id,omitempty"`
	Direction            LedgerDirection `json:"direction"`
	Amount               int64           `json:"amount"` // in cents, always positive
	RelatedTransactionID *uuid.UUID      `json:"related_transaction_id,omitempty"`
	PostedAt             time.Time       `json:"posted_at"`
}

// ProviderEventStatus is the normalized outcome carried by a provider webhook.
type ProviderEventStatus string

const (
	ProviderEventSuccess ProviderEventStatus = "success"
	ProviderEventFailed  ProviderEventStatus = "failed"
)

// ProviderEvent is the normalized form of an inbound mobile-money webhook,
// after the transport-specific envelope (STK callback, B2C result) has been
// unwrapped by the API layer.
type ProviderEvent struct {
	ExternalReference string              `json:"external_reference"`
	Direction         PaymentDirection    `json:"direction"`
	Amount            int64               `json:"amount"`
	Status            ProviderEventStatus `json:"status"`
	Receipt           string              `json:"receipt,omitempty"`
	Reason            string              `json:"reason,omitempty"`
	PhoneNumber       string              `json:"phone_number,omitempty"`
	OccurredAt        time.Time           `json:"occurred_at"`
}
