package shared

import (
	"fmt"
	"strconv"
)

// ValidationError indicates a malformed request, rejected before any state mutation
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// Is matches any ValidationError when the target Field is empty
func (e ValidationError) Is(target error) bool {
	t, ok := target.(ValidationError)
	if !ok {
		return false
	}
	if t.Field == "" {
		return true
	}
	return e.Field == t.Field
}

// NotFoundError indicates a referenced loan, token or saga does not exist
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return e.Resource + " not found: " + e.ID
}

// Is matches any NotFoundError when the target Resource is empty
func (e NotFoundError) Is(target error) bool {
	t, ok := target.(NotFoundError)
	if !ok {
		return false
	}
	if t.Resource == "" {
		return true
	}
	if t.ID == "" {
		return e.Resource == t.Resource
	}
	return e.Resource == t.Resource && e.ID == t.ID
}

// LoanNotFound is a shorthand for the most common NotFoundError
func LoanNotFound(loanID int64) NotFoundError {
	return NotFoundError{Resource: "loan", ID: strconv.FormatInt(loanID, 10)}
}

// AuthorizationError indicates the caller lacks the role required for an action
type AuthorizationError struct {
	CallerID string
	Action   string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("caller %q is not authorized to %s", e.CallerID, e.Action)
}

// Is matches any AuthorizationError when the target Action is empty
func (e AuthorizationError) Is(target error) bool {
	t, ok := target.(AuthorizationError)
	if !ok {
		return false
	}
	if t.Action == "" {
		return true
	}
	return e.Action == t.Action
}

// StateError indicates an action attempted from an incompatible loan status
type StateError struct {
	LoanID int64
	Status LoanStatus
	Action string
	Reason string
}

func (e StateError) Error() string {
	msg := fmt.Sprintf("cannot %s loan %d in status %s", e.Action, e.LoanID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is matches any StateError when the target LoanID is zero
func (e StateError) Is(target error) bool {
	t, ok := target.(StateError)
	if !ok {
		return false
	}
	if t.LoanID == 0 {
		return true
	}
	return e.LoanID == t.LoanID && e.Action == t.Action
}

// CollateralInvalidError indicates the pledged collateral cannot secure the loan
type CollateralInvalidError struct {
	Reason string
}

func (e CollateralInvalidError) Error() string {
	return "invalid collateral: " + e.Reason
}

// Is matches any CollateralInvalidError when the target Reason is empty
func (e CollateralInvalidError) Is(target error) bool {
	t, ok := target.(CollateralInvalidError)
	if !ok {
		return false
	}
	return t.Reason == "" || e.Reason == t.Reason
}

// ExternalServiceError wraps a failed or timed out ledger call
type ExternalServiceError struct {
	Service   string
	Operation string
	Err       error
}

func (e ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Operation, e.Err)
}

func (e ExternalServiceError) Unwrap() error {
	return e.Err
}

// Is matches any ExternalServiceError when the target Service is empty
func (e ExternalServiceError) Is(target error) bool {
	t, ok := target.(ExternalServiceError)
	if !ok {
		return false
	}
	if t.Service == "" {
		return true
	}
	return e.Service == t.Service && (t.Operation == "" || e.Operation == t.Operation)
}

// DisbursementFailedError is the single error surfaced by a failed approval saga.
// Compensated reports whether escrowed collateral was returned to the borrower.
type DisbursementFailedError struct {
	LoanID      int64
	Step        SagaStep
	Compensated bool
	Cause       error
}

func (e DisbursementFailedError) Error() string {
	state := "compensated"
	if !e.Compensated {
		state = "compensation pending"
	}
	return fmt.Sprintf("disbursement for loan %d failed at %s (%s): %v", e.LoanID, e.Step, state, e.Cause)
}

func (e DisbursementFailedError) Unwrap() error {
	return e.Cause
}

// Is matches any DisbursementFailedError when the target LoanID is zero
func (e DisbursementFailedError) Is(target error) bool {
	t, ok := target.(DisbursementFailedError)
	if !ok {
		return false
	}
	return t.LoanID == 0 || e.LoanID == t.LoanID
}
