// Package saga holds the durable step log of multi-ledger loan operations.
package saga

import (
	"fmt"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/google/uuid"
)

// Saga is one recorded run of a disbursement or a collateral release.
// Each step is persisted before the next external call is trusted.
type Saga struct {
	ID            int64           `json:"id"`
	LoanID        int64           `json:"loan_id"`
	Kind          shared.SagaKind `json:"kind"`
	Step          shared.SagaStep `json:"step"`
	LenderID      string          `json:"lender_id,omitempty"`
	FundingAmount int64           `json:"funding_amount,omitempty"`
	EscrowTxID    *uuid.UUID      `json:"escrow_tx_id,omitempty"`
	DisburseTxID  *uuid.UUID      `json:"disburse_tx_id,omitempty"`
	ReleaseTxID   *uuid.UUID      `json:"release_tx_id,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Attempts      int             `json:"attempts"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewDisbursement starts the approval saga for a PENDING loan
func NewDisbursement(loanID int64, lenderID string, fundingAmount int64, correlationID string, now time.Time) *Saga {
	return &Saga{
		LoanID:        loanID,
		Kind:          shared.SagaKindDisbursement,
		Step:          shared.SagaStepStarted,
		LenderID:      lenderID,
		FundingAmount: fundingAmount,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewCollateralRelease records the pending return of collateral after full repayment
func NewCollateralRelease(loanID int64, correlationID string, now time.Time) *Saga {
	return &Saga{
		LoanID:        loanID,
		Kind:          shared.SagaKindCollateralRelease,
		Step:          shared.SagaStepStarted,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsTerminal reports whether the saga needs no further work
func (s *Saga) IsTerminal() bool {
	switch s.Step {
	case shared.SagaStepCompleted, shared.SagaStepFailed, shared.SagaStepCompensated:
		return true
	}
	return false
}

// NeedsCompensation reports whether collateral may sit in escrow with no funded loan
func (s *Saga) NeedsCompensation() bool {
	return s.Kind == shared.SagaKindDisbursement &&
		(s.Step == shared.SagaStepCompensating || s.Step == shared.SagaStepCompensationFailed)
}

func (s *Saga) MarkEscrowed(txID uuid.UUID, now time.Time) error {
	if err := s.expect(shared.SagaStepStarted); err != nil {
		return err
	}
	s.EscrowTxID = &txID
	return s.moveTo(shared.SagaStepEscrowed, now)
}

func (s *Saga) MarkDisbursing(now time.Time) error {
	if err := s.expect(shared.SagaStepEscrowed); err != nil {
		return err
	}
	return s.moveTo(shared.SagaStepDisbursing, now)
}

func (s *Saga) MarkDisbursed(txID uuid.UUID, now time.Time) error {
	if err := s.expect(shared.SagaStepDisbursing); err != nil {
		return err
	}
	s.DisburseTxID = &txID
	return s.moveTo(shared.SagaStepDisbursed, now)
}

// MarkCompleted closes a disbursement after the loan went ACTIVE, or a
// collateral release after the tokens were returned.
func (s *Saga) MarkCompleted(now time.Time) error {
	switch s.Kind {
	case shared.SagaKindDisbursement:
		if err := s.expect(shared.SagaStepDisbursed); err != nil {
			return err
		}
	case shared.SagaKindCollateralRelease:
		if err := s.expect(shared.SagaStepStarted); err != nil {
			return err
		}
	}
	return s.moveTo(shared.SagaStepCompleted, now)
}

// MarkReleased records the release transaction of a collateral release saga
func (s *Saga) MarkReleased(txID uuid.UUID, now time.Time) error {
	if s.Kind != shared.SagaKindCollateralRelease {
		return fmt.Errorf("saga %d: release recorded on %s saga", s.ID, s.Kind)
	}
	s.ReleaseTxID = &txID
	return s.MarkCompleted(now)
}

// MarkFailed ends a saga that never moved funds
func (s *Saga) MarkFailed(reason string, now time.Time) error {
	if s.IsTerminal() {
		return s.illegal(shared.SagaStepFailed)
	}
	s.FailureReason = reason
	return s.moveTo(shared.SagaStepFailed, now)
}

func (s *Saga) MarkCompensating(reason string, now time.Time) error {
	switch s.Step {
	case shared.SagaStepStarted, shared.SagaStepEscrowed, shared.SagaStepDisbursing, shared.SagaStepCompensationFailed:
	case shared.SagaStepCompensating:
		return nil
	default:
		return s.illegal(shared.SagaStepCompensating)
	}
	if reason != "" {
		s.FailureReason = reason
	}
	return s.moveTo(shared.SagaStepCompensating, now)
}

func (s *Saga) MarkCompensated(releaseTxID *uuid.UUID, now time.Time) error {
	if err := s.expect(shared.SagaStepCompensating); err != nil {
		return err
	}
	s.ReleaseTxID = releaseTxID
	return s.moveTo(shared.SagaStepCompensated, now)
}

func (s *Saga) MarkCompensationFailed(reason string, now time.Time) error {
	if err := s.expect(shared.SagaStepCompensating); err != nil {
		return err
	}
	s.FailureReason = reason
	return s.moveTo(shared.SagaStepCompensationFailed, now)
}

func (s *Saga) expect(step shared.SagaStep) error {
	if s.Step != step {
		return ErrIllegalStep{SagaID: s.ID, From: s.Step, Expected: step}
	}
	return nil
}

func (s *Saga) illegal(to shared.SagaStep) error {
	return ErrIllegalStep{SagaID: s.ID, From: s.Step, To: to}
}

func (s *Saga) moveTo(step shared.SagaStep, now time.Time) error {
	s.Step = step
	s.UpdatedAt = now
	return nil
}
