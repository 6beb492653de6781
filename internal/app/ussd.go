/**
 * @description
 * This file contains the USSD session engine. It turns the gateway's stateless
 * callbacks into a coherent conversation: each callback loads (or creates) the
 * session, feeds the newest input through the pure menu transition, executes
 * any requested side effect against the loan lifecycle manager, and persists
 * the updated state only after the side effect is durably recorded.
 *
 * Key features:
 * - Per-sessionKey mutual exclusion: gateway retries for the same session are
 *   serialized, never processed concurrently against the same collected state.
 * - Lazy expiry: a session past its idle deadline is discarded and the callback
 *   is treated as a fresh dial at the root menu.
 * - Borrowers are auto-registered by phone number on first contact.
 * - Infrastructure failures produce a "please try again" screen without
 *   advancing the session past the failing step.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models, session store, ledger store.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/umoja/lending-service/internal/domain"
	"github.com/umoja/lending-service/internal/store"
)

const tryAgainMessage = "Service temporarily unavailable. Please try again later."

// UssdEngine orchestrates USSD conversations.
type UssdEngine struct {
	sessions   store.SessionStore
	repo       store.Repository
	loans      *LoanService
	sessionTTL time.Duration
	locks      keyedMutex
}

// NewUssdEngine creates a new session engine.
func NewUssdEngine(sessions store.SessionStore, repo store.Repository, loans *LoanService, sessionTTL time.Duration) *UssdEngine {
	return &UssdEngine{
		sessions:   sessions,
		repo:       repo,
		loans:      loans,
		sessionTTL: sessionTTL,
	}
}

// HandleCallback processes one inbound gateway callback and returns the screen
// text plus whether the session continues. The gateway delivers cumulative
// text ("1*3000*2"); only the last segment is new input, since the session
// state already encodes everything before it. The returned error is for
// logging and metrics; the display text is always usable.
func (e *UssdEngine) HandleCallback(ctx context.Context, sessionID, phoneNumber, serviceCode, text string) (string, bool, error) {
	sessionKey := sessionID + "|" + phoneNumber

	// Serialize all callbacks sharing a session key. Released on every exit
	// path, including errors.
	unlock := e.locks.lock(sessionKey)
	defer unlock()

	user, err := e.findOrCreateUser(ctx, phoneNumber)
	if err != nil {
		return tryAgainMessage, false, fmt.Errorf("resolve user: %w", err)
	}

	now := time.Now().UTC()
	session, err := e.sessions.Get(ctx, sessionKey)
	fresh := false
	switch {
	case err == nil && session.Expired(now):
		// Timed-out session redialed with the same key: start over.
		if delErr := e.sessions.Delete(ctx, sessionKey); delErr != nil {
			log.Printf("level=warn component=ussd msg=\"expired session delete failed\" session_key=%s err=%v", sessionKey, delErr)
		}
		fresh = true
	case errors.Is(err, store.ErrSessionNotFound):
		fresh = true
	case err != nil:
		return tryAgainMessage, false, fmt.Errorf("load session: %w", err)
	}

	if fresh {
		// First callback of a dialing session; the raw input is the dial
		// string itself and is ignored.
		session = &domain.UssdSession{
			SessionKey:     sessionKey,
			PhoneNumber:    phoneNumber,
			Node:           domain.NodeRoot,
			CreatedAt:      now,
			LastActivityAt: now,
			ExpiresAt:      now.Add(e.sessionTTL),
		}
		if err := e.sessions.Put(ctx, session, e.sessionTTL); err != nil {
			return tryAgainMessage, false, fmt.Errorf("persist session: %w", err)
		}
		return promptFor(domain.NodeRoot, nil, false), true, nil
	}

	input := lastSegment(text)
	step := advanceMenu(session.Node, input)

	inputs := append([]string(nil), session.Inputs...)
	if step.PopInput && len(inputs) > 0 {
		inputs = inputs[:len(inputs)-1]
	}
	if step.AppendInput {
		inputs = append(inputs, strings.TrimSpace(input))
	}

	if step.EndMessage != "" {
		e.endSession(ctx, sessionKey)
		return step.EndMessage, false, nil
	}

	if step.Action != actionNone {
		reply, cont, err := e.runAction(ctx, user, step.Action, inputs)
		if err != nil {
			// The session was not persisted past this step; the same screen
			// is replayed on retry.
			return reply, cont, err
		}
		if !cont {
			e.endSession(ctx, sessionKey)
		}
		return reply, cont, nil
	}

	session.Node = step.Next
	session.Inputs = inputs
	session.LastActivityAt = now
	session.ExpiresAt = now.Add(e.sessionTTL)
	if err := e.sessions.Put(ctx, session, e.sessionTTL); err != nil {
		return tryAgainMessage, false, fmt.Errorf("persist session: %w", err)
	}
	return promptFor(step.Next, session.Inputs, step.Invalid), true, nil
}

// runAction executes the side effect a menu transition requested. Non-nil
// errors are infrastructure failures; business declines render as END screens
// with a nil error.
func (e *UssdEngine) runAction(ctx context.Context, user *domain.User, action menuAction, inputs []string) (string, bool, error) {
	switch action {
	case actionShowStatus:
		return e.renderStatus(ctx, user)
	case actionShowHistory:
		return e.renderHistory(ctx, user)
	case actionSubmitApplication:
		return e.submitApplication(ctx, user, inputs)
	case actionInitiateRepayment:
		return e.initiateRepayment(ctx, user, inputs)
	default:
		return tryAgainMessage, false, fmt.Errorf("unknown menu action %d", action)
	}
}

func (e *UssdEngine) submitApplication(ctx context.Context, user *domain.User, inputs []string) (string, bool, error) {
	amountKES, purpose := collectedApplication(inputs)
	loan, err := e.loans.Apply(ctx, user.ID, amountKES*100, purpose)
	if err != nil {
		switch {
		case errors.Is(err, ErrLimitExceeded):
			return "Application failed: amount exceeds your current loan limit.", false, nil
		case errors.Is(err, ErrActiveLoanExists):
			return "Application failed: you already have an active loan.", false, nil
		default:
			return tryAgainMessage, false, fmt.Errorf("submit application: %w", err)
		}
	}
	reply := fmt.Sprintf(
		"Loan application received!\nAmount: KES %s\nPurpose: %s\nRef: %s\nYou will receive an SMS confirmation.",
		formatKES(amountKES), purpose, loan.Reference(),
	)
	return reply, false, nil
}

func (e *UssdEngine) initiateRepayment(ctx context.Context, user *domain.User, inputs []string) (string, bool, error) {
	if len(inputs) == 0 {
		return tryAgainMessage, false, fmt.Errorf("repayment amount slot missing")
	}
	amountKES, err := strconv.ParseInt(inputs[len(inputs)-1], 10, 64)
	if err != nil || amountKES <= 0 {
		return tryAgainMessage, false, fmt.Errorf("repayment amount corrupt: %q", inputs[len(inputs)-1])
	}

	loan, err := e.repo.LatestLoanForUser(ctx, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrLoanNotFound) {
			return "No active loan found.", false, nil
		}
		return tryAgainMessage, false, fmt.Errorf("lookup loan: %w", err)
	}
	if loan.State != domain.LoanStateDisbursed && loan.State != domain.LoanStateRepaying {
		return "No active loan found.", false, nil
	}

	if _, err := e.loans.InitiateRepayment(ctx, loan, user.PhoneNumber, amountKES*100); err != nil {
		return tryAgainMessage, false, fmt.Errorf("initiate repayment: %w", err)
	}
	return "Payment request sent to your phone.\nEnter your M-PESA PIN to complete.", false, nil
}

func (e *UssdEngine) renderStatus(ctx context.Context, user *domain.User) (string, bool, error) {
	loan, err := e.repo.LatestLoanForUser(ctx, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrLoanNotFound) {
			return "No loan applications found.", false, nil
		}
		return tryAgainMessage, false, fmt.Errorf("lookup latest loan: %w", err)
	}
	reply := fmt.Sprintf(
		"Latest Loan:\nAmount: KES %s\nStatus: %s\nDate: %s",
		formatKES(loan.Principal/100), loan.State, loan.CreatedAt.Format("02/01/2006"),
	)
	if loan.Outstanding > 0 {
		reply += fmt.Sprintf("\nBalance due: KES %s", formatKES(loan.Outstanding/100))
	}
	return reply, false, nil
}

func (e *UssdEngine) renderHistory(ctx context.Context, user *domain.User) (string, bool, error) {
	balance, err := e.repo.WalletBalance(ctx, user.ID)
	if err != nil {
		return tryAgainMessage, false, fmt.Errorf("wallet balance: %w", err)
	}
	entries, err := e.repo.ListLedgerEntries(ctx, user.ID, 3)
	if err != nil {
		return tryAgainMessage, false, fmt.Errorf("ledger history: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Wallet: KES %s", formatKES(balance/100))
	if len(entries) == 0 {
		b.WriteString("\nNo transactions yet.")
	}
	for _, entry := range entries {
		sign := "+"
		if entry.Direction == domain.LedgerDebit {
			sign = "-"
		}
		fmt.Fprintf(&b, "\n%s %sKES %s", entry.PostedAt.Format("02/01"), sign, formatKES(entry.Amount/100))
	}
	return b.String(), false, nil
}

func (e *UssdEngine) findOrCreateUser(ctx context.Context, phoneNumber string) (*domain.User, error) {
	user, err := e.repo.FindUserByPhone(ctx, phoneNumber)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrUserNotFound) {
		return nil, err
	}

	user = &domain.User{ID: uuid.New(), PhoneNumber: phoneNumber}
	if createErr := e.repo.CreateUser(ctx, user); createErr != nil {
		// Lost a registration race; the row should exist now.
		if existing, findErr := e.repo.FindUserByPhone(ctx, phoneNumber); findErr == nil {
			return existing, nil
		}
		return nil, createErr
	}
	return user, nil
}

func (e *UssdEngine) endSession(ctx context.Context, sessionKey string) {
	if err := e.sessions.Delete(ctx, sessionKey); err != nil {
		// The TTL cleans up; the next dial starts fresh either way.
		log.Printf("level=warn component=ussd msg=\"session delete failed\" session_key=%s err=%v", sessionKey, err)
	}
}

// lastSegment extracts the newest entry from the gateway's cumulative text.
func lastSegment(text string) string {
	if idx := strings.LastIndex(text, "*"); idx >= 0 {
		return text[idx+1:]
	}
	return text
}

// keyedMutex provides per-key mutual exclusion with reference counting so
// idle keys do not accumulate.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedMutexEntry
}

type keyedMutexEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*keyedMutexEntry)
	}
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedMutexEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
