/**
 * @description
 * This file defines the USSD session model. A session turns the gateway's
 * sequence of disconnected HTTP callbacks into one coherent conversation:
 * the engine stores only the (menu node, collected inputs) tuple per session,
 * never a resumable call stack.
 */

package domain

import "time"

// MenuNode identifies the active USSD screen. Nodes form a directed graph:
//
//	root -> apply_amount -> apply_purpose -> apply_confirm
//	root -> status | repay_amount | history
type MenuNode string

const (
	NodeRoot         MenuNode = "root"
	NodeApplyAmount  MenuNode = "apply_amount"
	NodeApplyPurpose MenuNode = "apply_purpose"
	NodeApplyConfirm MenuNode = "apply_confirm"
	NodeRepayAmount  MenuNode = "repay_amount"
)

// UssdSession is the transient conversation state for one dialing session.
// It is created on the first callback, mutated on every subsequent callback,
// and deleted on completion or expiry. It never outlives the timeout window.
type UssdSession struct {
	SessionKey     string    `json:"session_key"` // gateway session id + phone
	PhoneNumber    string    `json:"phone_number"`
	Node           MenuNode  `json:"node"`
	Inputs         []string  `json:"inputs"` // ordered raw entries for the current flow
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the session passed its idle deadline. Expiry is
// enforced lazily at lookup time; the store's TTL is a backstop.
func (s *UssdSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
