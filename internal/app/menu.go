/**
 * @description
 * This file defines the USSD menu graph as a pure transition function plus a
 * pure prompt renderer. Keeping both free of I/O makes every screen and edge
 * (invalid input, back navigation) testable without a session store.
 *
 * The menu graph:
 *
 *	root -> apply_amount -> apply_purpose -> apply_confirm -> submit
 *	root -> status | repay_amount | history
 *
 * Entering `0` pops the last collected input instead of clearing the session.
 */

package app

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/umoja/lending-service/internal/domain"
)

// menuAction identifies the side effect a transition requests. The engine
// executes it synchronously before the response is returned, so the borrower
// sees the authoritative outcome on the same screen.
type menuAction int

const (
	actionNone menuAction = iota
	actionShowStatus
	actionShowHistory
	actionSubmitApplication
	actionInitiateRepayment
)

const backInput = "0"

// menuStep is the outcome of feeding one input into the current node.
type menuStep struct {
	Next        domain.MenuNode
	Action      menuAction
	Continue    bool
	AppendInput bool // input becomes the next collected-input slot
	PopInput    bool // back navigation: drop the last collected input
	Invalid     bool // re-prompt without advancing or consuming a slot
	EndMessage  string
}

var purposeByChoice = map[string]domain.LoanPurpose{
	"1": domain.PurposeEmergency,
	"2": domain.PurposeBusiness,
	"3": domain.PurposeEducation,
	"4": domain.PurposePersonal,
	"5": domain.PurposeOther,
}

// advanceMenu is the pure transition function for the menu state machine.
func advanceMenu(node domain.MenuNode, input string) menuStep {
	input = strings.TrimSpace(input)

	switch node {
	case domain.NodeRoot:
		switch input {
		case "1":
			return menuStep{Next: domain.NodeApplyAmount, Continue: true}
		case "2":
			return menuStep{Next: node, Action: actionShowStatus}
		case "3":
			return menuStep{Next: domain.NodeRepayAmount, Continue: true}
		case "4":
			return menuStep{Next: node, Action: actionShowHistory}
		default:
			return menuStep{Next: node, Continue: true, Invalid: true}
		}

	case domain.NodeApplyAmount:
		if input == backInput {
			return menuStep{Next: domain.NodeRoot, Continue: true}
		}
		if !validAmount(input) {
			return menuStep{Next: node, Continue: true, Invalid: true}
		}
		return menuStep{Next: domain.NodeApplyPurpose, Continue: true, AppendInput: true}

	case domain.NodeApplyPurpose:
		if input == backInput {
			return menuStep{Next: domain.NodeApplyAmount, Continue: true, PopInput: true}
		}
		if _, ok := purposeByChoice[input]; !ok {
			return menuStep{Next: node, Continue: true, Invalid: true}
		}
		return menuStep{Next: domain.NodeApplyConfirm, Continue: true, AppendInput: true}

	case domain.NodeApplyConfirm:
		switch input {
		case backInput:
			return menuStep{Next: domain.NodeApplyPurpose, Continue: true, PopInput: true}
		case "1":
			return menuStep{Next: node, Action: actionSubmitApplication}
		case "2":
			return menuStep{Next: node, EndMessage: "Application cancelled."}
		default:
			return menuStep{Next: node, Continue: true, Invalid: true}
		}

	case domain.NodeRepayAmount:
		if input == backInput {
			return menuStep{Next: domain.NodeRoot, Continue: true}
		}
		if !validAmount(input) {
			return menuStep{Next: node, Continue: true, Invalid: true}
		}
		return menuStep{Next: node, Action: actionInitiateRepayment, AppendInput: true}
	}

	// Unknown node: restart at root.
	return menuStep{Next: domain.NodeRoot, Continue: true, Invalid: true}
}

// promptFor renders the screen text for a node. The confirm screen reads the
// collected inputs; everything else is static.
func promptFor(node domain.MenuNode, inputs []string, invalid bool) string {
	var b strings.Builder
	if invalid {
		b.WriteString("Invalid input.\n")
	}

	switch node {
	case domain.NodeRoot:
		b.WriteString("Welcome to Umoja Loans\n1. Apply for Loan\n2. Check Loan Status\n3. Repay Loan\n4. Transaction History")
	case domain.NodeApplyAmount:
		b.WriteString("Enter loan amount (KES):\n0. Back")
	case domain.NodeApplyPurpose:
		b.WriteString("Select purpose:\n1. Emergency\n2. Business\n3. Education\n4. Personal\n5. Other\n0. Back")
	case domain.NodeApplyConfirm:
		amount, purpose := collectedApplication(inputs)
		fmt.Fprintf(&b, "Apply for KES %s (%s)?\n1. Confirm\n2. Cancel\n0. Back", formatKES(amount), purpose)
	case domain.NodeRepayAmount:
		b.WriteString("Enter repayment amount (KES):\n0. Back")
	}
	return b.String()
}

// collectedApplication decodes the (amount, purpose) slots of the apply flow.
func collectedApplication(inputs []string) (int64, domain.LoanPurpose) {
	var amount int64
	purpose := domain.PurposeOther
	if len(inputs) > 0 {
		amount, _ = strconv.ParseInt(inputs[0], 10, 64)
	}
	if len(inputs) > 1 {
		if p, ok := purposeByChoice[inputs[1]]; ok {
			purpose = p
		}
	}
	return amount, purpose
}

// maxAmountKES bounds menu-entered amounts. It sits far above any borrowing
// limit while keeping the cent conversion safely inside int64 range, so an
// absurd entry can never wrap around the limit check downstream.
const maxAmountKES = 10_000_000

func validAmount(input string) bool {
	amount, err := strconv.ParseInt(input, 10, 64)
	return err == nil && amount > 0 && amount <= maxAmountKES
}

// formatKES renders a whole-KES amount with thousands separators.
func formatKES(amount int64) string {
	s := strconv.FormatInt(amount, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteString(",")
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
