package loan

import (
	"strings"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/interest"
	"github.com/cropfi-loan-engine/internal/domain/shared"
)

// MaxDurationSeconds bounds loan terms to keep due dates representable
const MaxDurationSeconds = 100 * interest.SecondsPerYear

// CollateralRecord is the collateral pledged by exactly one loan.
// Value is fixed at creation and never re-priced.
type CollateralRecord struct {
	TokenID  int64 `json:"token_id"`
	Amount   int64 `json:"amount"`
	Value    int64 `json:"value"`
	IsLocked bool  `json:"is_locked"`
}

// Loan is a crop-collateralized stablecoin loan
type Loan struct {
	ID                 int64             `json:"id"`
	BorrowerID         string            `json:"borrower_id"`
	LenderID           string            `json:"lender_id,omitempty"`
	Principal          int64             `json:"principal"` // Stored in minor units
	InterestRateBps    int64             `json:"interest_rate_bps"`
	OutstandingBalance int64             `json:"outstanding_balance"`
	Status             shared.LoanStatus `json:"status"`
	Collateral         CollateralRecord  `json:"collateral"`
	CreatedAt          time.Time         `json:"created_at"`
	ApprovedAt         *time.Time        `json:"approved_at,omitempty"`
	DueDate            time.Time         `json:"due_date"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Version            int               `json:"version"` // For optimistic locking
}

// Request carries the borrower's loan application
type Request struct {
	BorrowerID        string
	Principal         int64
	CollateralTokenID int64
	CollateralAmount  int64
	InterestRateBps   int64
	DurationSeconds   int64
}

// Validate rejects malformed requests before any ledger is consulted
func (r Request) Validate() error {
	if strings.TrimSpace(r.BorrowerID) == "" {
		return shared.ValidationError{Field: "borrower_id", Reason: "must not be empty"}
	}
	if r.Principal <= 0 {
		return shared.ValidationError{Field: "loan_amount", Reason: "must be positive"}
	}
	if r.CollateralTokenID <= 0 {
		return shared.ValidationError{Field: "collateral_token_id", Reason: "must be positive"}
	}
	if r.CollateralAmount <= 0 {
		return shared.ValidationError{Field: "collateral_amount", Reason: "must be positive"}
	}
	if r.InterestRateBps <= 0 || r.InterestRateBps > interest.MaxRateBps {
		return shared.ValidationError{Field: "interest_rate_bps", Reason: "must be between 1 and 5000"}
	}
	if r.DurationSeconds <= 0 {
		return shared.ValidationError{Field: "loan_duration_seconds", Reason: "must be positive"}
	}
	if r.DurationSeconds > MaxDurationSeconds {
		return shared.ValidationError{Field: "loan_duration_seconds", Reason: "exceeds 100 years"}
	}
	return nil
}

// NewLoan builds a PENDING loan from a validated request and its collateral value
func NewLoan(id int64, req Request, collateralValue int64, now time.Time) *Loan {
	now = now.UTC()
	return &Loan{
		ID:                 id,
		BorrowerID:         req.BorrowerID,
		Principal:          req.Principal,
		InterestRateBps:    req.InterestRateBps,
		OutstandingBalance: req.Principal,
		Status:             shared.LoanStatusPending,
		Collateral: CollateralRecord{
			TokenID: req.CollateralTokenID,
			Amount:  req.CollateralAmount,
			Value:   collateralValue,
		},
		CreatedAt: now,
		DueDate:   now.Add(time.Duration(req.DurationSeconds) * time.Second),
		UpdatedAt: now,
		Version:   1,
	}
}

// CanApprove checks the approval guards without mutating the loan
func (l *Loan) CanApprove(lenderID string, fundingAmount int64) error {
	if l.Status != shared.LoanStatusPending {
		return l.stateError("approve", "")
	}
	if strings.TrimSpace(lenderID) == "" {
		return shared.ValidationError{Field: "lender_id", Reason: "must not be empty"}
	}
	if lenderID == l.BorrowerID {
		return shared.AuthorizationError{CallerID: lenderID, Action: "fund own loan"}
	}
	if fundingAmount < l.Principal {
		return shared.ValidationError{Field: "funding_amount", Reason: "must cover the principal"}
	}
	return nil
}

// Approve activates the loan, locking its collateral and fixing the amount due
// as principal plus interest accrued from now until the due date.
func (l *Loan) Approve(lenderID string, fundingAmount int64, now time.Time) error {
	if err := l.CanApprove(lenderID, fundingAmount); err != nil {
		return err
	}

	remaining := int64(l.DueDate.Sub(now) / time.Second)
	if remaining < 0 {
		remaining = 0
	}
	due, err := interest.TotalDue(l.Principal, l.InterestRateBps, remaining)
	if err != nil {
		return shared.ValidationError{Field: "loan_amount", Reason: err.Error()}
	}

	approvedAt := now.UTC()
	l.LenderID = lenderID
	l.ApprovedAt = &approvedAt
	l.OutstandingBalance = due
	l.Status = shared.LoanStatusActive
	l.Collateral.IsLocked = true
	l.touch(now)
	return nil
}

// Repay applies a repayment from the borrower and returns the amount applied.
// Overpayment is capped at the outstanding balance.
func (l *Loan) Repay(amount int64, callerID string, now time.Time) (int64, error) {
	if amount <= 0 {
		return 0, shared.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if l.Status != shared.LoanStatusActive {
		return 0, l.stateError("repay", "")
	}
	if callerID != l.BorrowerID {
		return 0, shared.AuthorizationError{CallerID: callerID, Action: "repay"}
	}

	applied := amount
	if applied >= l.OutstandingBalance {
		applied = l.OutstandingBalance
	}
	l.OutstandingBalance -= applied
	if l.OutstandingBalance == 0 {
		l.Status = shared.LoanStatusRepaid
		l.Collateral.IsLocked = false
	}
	l.touch(now)
	return applied, nil
}

// CanLiquidate checks, in order, status, due date, caller role and collateral lock
func (l *Loan) CanLiquidate(callerID, ownerID string, now time.Time) error {
	if err := l.checkOverdue("liquidate", now); err != nil {
		return err
	}
	if callerID == "" || (callerID != l.LenderID && callerID != ownerID) {
		return shared.AuthorizationError{CallerID: callerID, Action: "liquidate"}
	}
	if !l.Collateral.IsLocked {
		return l.stateError("liquidate", "collateral not locked")
	}
	return nil
}

// Liquidate moves an overdue loan to LIQUIDATED. Burning the collateral is the caller's job.
func (l *Loan) Liquidate(callerID, ownerID string, now time.Time) error {
	if err := l.CanLiquidate(callerID, ownerID, now); err != nil {
		return err
	}
	l.Status = shared.LoanStatusLiquidated
	l.Collateral.IsLocked = false
	l.touch(now)
	return nil
}

// CanMarkDefaulted checks status, due date and that the caller is the owner
func (l *Loan) CanMarkDefaulted(callerID, ownerID string, now time.Time) error {
	if err := l.checkOverdue("mark defaulted", now); err != nil {
		return err
	}
	if callerID == "" || callerID != ownerID {
		return shared.AuthorizationError{CallerID: callerID, Action: "mark defaulted"}
	}
	return nil
}

// MarkDefaulted flags an overdue loan as DEFAULTED. No tokens move.
func (l *Loan) MarkDefaulted(callerID, ownerID string, now time.Time) error {
	if err := l.CanMarkDefaulted(callerID, ownerID, now); err != nil {
		return err
	}
	l.Status = shared.LoanStatusDefaulted
	l.Collateral.IsLocked = false
	l.touch(now)
	return nil
}

// IsOverdue reports whether the loan is ACTIVE, locked and past its due date
func (l *Loan) IsOverdue(now time.Time) bool {
	return l.Status == shared.LoanStatusActive && l.Collateral.IsLocked && now.After(l.DueDate)
}

func (l *Loan) checkOverdue(action string, now time.Time) error {
	if l.Status != shared.LoanStatusActive {
		return l.stateError(action, "")
	}
	if !now.After(l.DueDate) {
		return l.stateError(action, "not yet due")
	}
	return nil
}

func (l *Loan) stateError(action, reason string) shared.StateError {
	return shared.StateError{LoanID: l.ID, Status: l.Status, Action: action, Reason: reason}
}

func (l *Loan) touch(now time.Time) {
	l.UpdatedAt = now.UTC()
	l.Version++
}
