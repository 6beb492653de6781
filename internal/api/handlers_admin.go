/**
 * @description
 * This file contains the internal admin read surface: filtered loan listings,
 * the unmatched-transaction queue, and wallet lookups. These are idempotent
 * reads over the same ledger store the core writes to; listings go through
 * the short-TTL read cache, lifecycle-mutating paths never do.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: Route parameters.
 * - internal/store: Repository and read cache.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/umoja/lending-service/internal/domain"
	"github.com/umoja/lending-service/internal/store"
)

const adminListCacheTTL = 30 * time.Second

// AdminListLoansHandler returns loans filtered by state with pagination.
func (h *Handlers) AdminListLoansHandler(w http.ResponseWriter, r *http.Request) {
	state := domain.LoanState(r.URL.Query().Get("state"))
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	cacheKey := fmt.Sprintf("admin_loans:%s:%d:%d", state, limit, offset)
	var loans []domain.LoanAccount
	if h.Cache != nil {
		if hit, err := h.Cache.Get(r.Context(), cacheKey, &loans); err != nil {
			log.Printf("level=warn component=api msg=\"loan list cache read failed\" err=%v", err)
		} else if hit {
			writeJSON(w, http.StatusOK, loans)
			return
		}
	}

	loans, err := h.Repo.ListLoans(r.Context(), store.LoanListOptions{State: state, Limit: limit, Offset: offset})
	if err != nil {
		log.Printf("level=error component=api msg=\"loan list failed\" err=%v", err)
		http.Error(w, "failed to list loans", http.StatusInternalServerError)
		return
	}

	if h.Cache != nil {
		h.Cache.Set(r.Context(), cacheKey, loans, adminListCacheTTL)
	}
	writeJSON(w, http.StatusOK, loans)
}

// AdminUnmatchedTransactionsHandler returns the quarantine queue for manual
// reconciliation. Never cached: operators act on it.
func (h *Handlers) AdminUnmatchedTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	transactions, err := h.Repo.ListUnmatchedPayments(r.Context(), limit)
	if err != nil {
		log.Printf("level=error component=api msg=\"unmatched list failed\" err=%v", err)
		http.Error(w, "failed to list unmatched transactions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, transactions)
}

// AdminWalletHandler returns a borrower's wallet balance and recent ledger
// entries, looked up by phone number.
func (h *Handlers) AdminWalletHandler(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	user, err := h.Repo.FindUserByPhone(r.Context(), phone)
	if err != nil {
		if err == store.ErrUserNotFound {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		log.Printf("level=error component=api msg=\"wallet user lookup failed\" err=%v", err)
		http.Error(w, "failed to look up user", http.StatusInternalServerError)
		return
	}

	balance, err := h.Repo.WalletBalance(r.Context(), user.ID)
	if err != nil {
		log.Printf("level=error component=api msg=\"wallet balance failed\" err=%v", err)
		http.Error(w, "failed to read wallet", http.StatusInternalServerError)
		return
	}
	entries, err := h.Repo.ListLedgerEntries(r.Context(), user.ID, queryInt(r, "limit", 20))
	if err != nil {
		log.Printf("level=error component=api msg=\"ledger list failed\" err=%v", err)
		http.Error(w, "failed to read ledger", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       user.ID,
		"phone_number":  user.PhoneNumber,
		"balance_cents": balance,
		"entries":       entries,
	})
}

// AdminApproveLoanHandler approves a scored loan and initiates its payout.
// It is also the retry path for an approved loan whose payout initiation
// failed. The payout settles asynchronously through the B2C result webhook.
func (h *Handlers) AdminApproveLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		return
	}

	tx, err := h.Loans.ApproveAndDisburse(r.Context(), loanID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrLoanNotFound):
			http.Error(w, "loan not found", http.StatusNotFound)
		case errors.Is(err, store.ErrInvalidStateTransition):
			http.Error(w, "loan is not awaiting approval", http.StatusConflict)
		default:
			log.Printf("level=error component=api msg=\"loan approval failed\" loan_id=%s err=%v", loanID, err)
			http.Error(w, "failed to approve loan", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"loan_id":            loanID,
		"payout_reference":   tx.ExternalReference,
		"payout_status":      tx.Status,
		"disbursement_cents": tx.Amount,
	})
}

// AdminRejectLoanHandler declines a scored loan.
func (h *Handlers) AdminRejectLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid loan id", http.StatusBadRequest)
		return
	}

	loan, err := h.Loans.Reject(r.Context(), loanID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrLoanNotFound):
			http.Error(w, "loan not found", http.StatusNotFound)
		case errors.Is(err, store.ErrInvalidStateTransition):
			http.Error(w, "loan is not awaiting approval", http.StatusConflict)
		default:
			log.Printf("level=error component=api msg=\"loan rejection failed\" loan_id=%s err=%v", loanID, err)
			http.Error(w, "failed to reject loan", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, loan)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=warn component=api msg=\"response encode failed\" err=%v", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
