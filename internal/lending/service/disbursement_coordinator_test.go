package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/custody"
	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/domain/saga"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type coordinatorDeps struct {
	pool     pgxmock.PgxPoolIface
	loans    *MockLoanRepository
	sagas    *MockSagaRepository
	custody  *MockCustodyService
	recorder *MockReceiptRecorder
	notifier *MockNotifier
}

func newCoordinatorDeps(t *testing.T) *coordinatorDeps {
	pool, err := pgxmock.NewPool()
	require.NoError(t, err)

	d := &coordinatorDeps{
		pool:     pool,
		loans:    new(MockLoanRepository),
		sagas:    new(MockSagaRepository),
		custody:  new(MockCustodyService),
		recorder: new(MockReceiptRecorder),
		notifier: new(MockNotifier),
	}
	d.loans.On("WithTx", mock.Anything).Return(d.loans).Maybe()
	d.sagas.On("WithTx", mock.Anything).Return(d.sagas).Maybe()
	return d
}

func (d *coordinatorDeps) coordinator(retries int) DisbursementCoordinator {
	return NewDisbursementCoordinator(newTestLogger(), d.pool, d.loans, d.sagas, d.custody, d.recorder, d.notifier,
		CoordinatorConfig{
			EscrowAccountID:     "escrow",
			StepTimeout:         time.Second,
			CompensationRetries: retries,
			CompensationBackoff: time.Millisecond,
		}, fixedClock)
}

func (d *coordinatorDeps) assertExpectations(t *testing.T) {
	d.loans.AssertExpectations(t)
	d.sagas.AssertExpectations(t)
	d.custody.AssertExpectations(t)
	d.recorder.AssertExpectations(t)
	d.notifier.AssertExpectations(t)
	assert.NoError(t, d.pool.ExpectationsWereMet())
}

// sagaAt matches a saga update by the step it records
func sagaAt(step shared.SagaStep) interface{} {
	return mock.MatchedBy(func(s *saga.Saga) bool { return s.Step == step })
}

func (d *coordinatorDeps) expectClaim() {
	d.pool.ExpectBegin()
	d.loans.On("LockForUpdate", mock.Anything, int64(7)).Return(pendingLoan(), nil).Once()
	d.sagas.On("Create", mock.Anything, mock.MatchedBy(func(s *saga.Saga) bool {
		return s.Kind == shared.SagaKindDisbursement && s.LenderID == "lender-1" && s.FundingAmount == 1000
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*saga.Saga).ID = 11
	}).Return(nil).Once()
	d.pool.ExpectCommit()
}

func (d *coordinatorDeps) expectEscrowed(escrowTx uuid.UUID) {
	d.custody.On("EscrowCollateral", mock.Anything, int64(3), int64(40), "farmer-1", "escrow", int64(7)).Return(escrowTx, nil).Once()
	d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepEscrowed)).Return(nil).Once()
	d.recorder.On("Record", mock.Anything, receiptOfType(shared.ReceiptTypeEscrow)).Once()
	d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepDisbursing)).Return(nil).Once()
}

func (d *coordinatorDeps) expectActivation() {
	d.pool.ExpectBegin()
	d.loans.On("LockForUpdate", mock.Anything, int64(7)).Return(pendingLoan(), nil).Once()
	d.loans.On("Update", mock.Anything, mock.MatchedBy(func(l *loan.Loan) bool {
		return l.Status == shared.LoanStatusActive && l.Collateral.IsLocked && l.LenderID == "lender-1"
	})).Return(nil).Once()
	d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepCompleted)).Return(nil).Once()
	d.pool.ExpectCommit()
	d.notifier.On("Notify", mock.Anything, mock.MatchedBy(func(e *shared.LoanEvent) bool {
		return e.UserID == "farmer-1" && e.Kind == shared.NotificationLoanDisbursed &&
			e.Payload["amount"] == int64(1000) && e.Payload["dueDate"] == testNow.Add(365*24*time.Hour).Unix()
	})).Once()
}

func TestDisbursementCoordinator_ApproveLoan(t *testing.T) {
	ctx := context.Background()
	escrowTx := uuid.New()
	disburseTx := uuid.New()
	releaseTx := uuid.New()

	t.Run("EscrowDisburseActivate", func(t *testing.T) {
		d := newCoordinatorDeps(t)
		d.expectClaim()
		d.expectEscrowed(escrowTx)
		d.custody.On("DisburseUSDC", mock.Anything, "lender-1", "farmer-1", int64(1000), int64(7)).Return(disburseTx, nil).Once()
		d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepDisbursed)).Return(nil).Once()
		d.recorder.On("Record", mock.Anything, receiptOfType(shared.ReceiptTypeDisbursement)).Once()
		d.expectActivation()

		l, err := d.coordinator(3).ApproveLoan(ctx, 7, "lender-1", 1000)
		require.NoError(t, err)
		assert.Equal(t, shared.LoanStatusActive, l.Status)
		assert.True(t, l.Collateral.IsLocked)
		assert.Equal(t, int64(1100), l.OutstandingBalance)
		d.custody.AssertNotCalled(t, "ReleaseCollateral", mock.Anything, mock.Anything, mock.Anything)
		d.assertExpectations(t)
	})

	t.Run("DisbursementFailureReleasesCollateralOnce", func(t *testing.T) {
		d := newCoordinatorDeps(t)
		d.expectClaim()
		d.expectEscrowed(escrowTx)
		d.custody.On("DisburseUSDC", mock.Anything, "lender-1", "farmer-1", int64(1000), int64(7)).
			Return(uuid.Nil, custody.ErrInsufficientBalance{HolderID: "lender-1", Asset: "USDC", Requested: 1000}).Once()
		d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepCompensating)).Return(nil).Once()
		d.custody.On("ReleaseCollateral", mock.Anything, int64(7), "farmer-1").Return(releaseTx, nil).Once()
		d.sagas.On("Update", mock.Anything, mock.MatchedBy(func(s *saga.Saga) bool {
			return s.Step == shared.SagaStepCompensated && s.ReleaseTxID != nil && *s.ReleaseTxID == releaseTx
		})).Return(nil).Once()
		d.recorder.On("Record", mock.Anything, receiptOfType(shared.ReceiptTypeRelease)).Once()
		d.notifier.On("Notify", mock.Anything, eventFor("farmer-1", shared.NotificationDisbursementFailed)).Once()

		l, err := d.coordinator(3).ApproveLoan(ctx, 7, "lender-1", 1000)
		assert.Nil(t, l)

		var failed shared.DisbursementFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, int64(7), failed.LoanID)
		assert.Equal(t, shared.SagaStepDisbursing, failed.Step)
		assert.True(t, failed.Compensated)
		assert.ErrorIs(t, err, shared.ExternalServiceError{Service: stablecoinService, Operation: "disburseUSDC"})

		d.custody.AssertNumberOfCalls(t, "ReleaseCollateral", 1)
		d.loans.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
		d.assertExpectations(t)
	})

	t.Run("CompensationExhaustsRetries", func(t *testing.T) {
		d := newCoordinatorDeps(t)
		d.expectClaim()
		d.expectEscrowed(escrowTx)
		d.custody.On("DisburseUSDC", mock.Anything, "lender-1", "farmer-1", int64(1000), int64(7)).
			Return(uuid.Nil, errors.New("stablecoin network down")).Once()
		d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepCompensating)).Return(nil).Once()
		d.custody.On("ReleaseCollateral", mock.Anything, int64(7), "farmer-1").
			Return(uuid.Nil, errors.New("escrow unavailable")).Twice()
		d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepCompensationFailed)).Return(nil).Once()
		d.notifier.On("Notify", mock.Anything, eventFor("farmer-1", shared.NotificationDisbursementFailed)).Once()

		_, err := d.coordinator(2).ApproveLoan(ctx, 7, "lender-1", 1000)

		var failed shared.DisbursementFailedError
		require.ErrorAs(t, err, &failed)
		assert.False(t, failed.Compensated)
		d.custody.AssertNumberOfCalls(t, "ReleaseCollateral", 2)
		d.loans.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
		d.assertExpectations(t)
	})

	t.Run("TimedOutDisbursementThatLandedActivates", func(t *testing.T) {
		d := newCoordinatorDeps(t)
		d.expectClaim()
		d.expectEscrowed(escrowTx)
		d.custody.On("DisburseUSDC", mock.Anything, "lender-1", "farmer-1", int64(1000), int64(7)).
			Return(uuid.Nil, context.DeadlineExceeded).Once()
		d.custody.On("FindTransfer", mock.Anything, int64(7), shared.TransferKindDisburse).
			Return(&custody.Transfer{TxID: disburseTx, LoanID: 7, Kind: shared.TransferKindDisburse}, nil).Once()
		d.sagas.On("Update", mock.Anything, mock.MatchedBy(func(s *saga.Saga) bool {
			return s.Step == shared.SagaStepDisbursed && *s.DisburseTxID == disburseTx
		})).Return(nil).Once()
		d.recorder.On("Record", mock.Anything, receiptOfType(shared.ReceiptTypeDisbursement)).Once()
		d.expectActivation()

		l, err := d.coordinator(3).ApproveLoan(ctx, 7, "lender-1", 1000)
		require.NoError(t, err)
		assert.Equal(t, shared.LoanStatusActive, l.Status)
		d.custody.AssertNotCalled(t, "ReleaseCollateral", mock.Anything, mock.Anything, mock.Anything)
		d.assertExpectations(t)
	})

	t.Run("BorrowerNoLongerHoldsCollateral", func(t *testing.T) {
		d := newCoordinatorDeps(t)
		d.expectClaim()
		d.custody.On("EscrowCollateral", mock.Anything, int64(3), int64(40), "farmer-1", "escrow", int64(7)).
			Return(uuid.Nil, custody.ErrInsufficientBalance{HolderID: "farmer-1", Asset: "CROP-3", Requested: 40}).Once()
		d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepFailed)).Return(nil).Once()

		_, err := d.coordinator(3).ApproveLoan(ctx, 7, "lender-1", 1000)
		assert.ErrorIs(t, err, shared.CollateralInvalidError{Reason: "insufficient token balance"})
		d.custody.AssertNotCalled(t, "DisburseUSDC", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		d.assertExpectations(t)
	})

	t.Run("EscrowFailureWithNothingEscrowed", func(t *testing.T) {
		d := newCoordinatorDeps(t)
		d.expectClaim()
		d.custody.On("EscrowCollateral", mock.Anything, int64(3), int64(40), "farmer-1", "escrow", int64(7)).
			Return(uuid.Nil, errors.New("connection reset")).Once()
		d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepCompensating)).Return(nil).Once()
		d.custody.On("ReleaseCollateral", mock.Anything, int64(7), "farmer-1").
			Return(uuid.Nil, custody.ErrEscrowNotFound{LoanID: 7}).Once()
		d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepFailed)).Return(nil).Once()

		_, err := d.coordinator(3).ApproveLoan(ctx, 7, "lender-1", 1000)
		assert.ErrorIs(t, err, shared.ExternalServiceError{Service: stablecoinService, Operation: "escrowCollateral"})
		assert.NotErrorIs(t, err, shared.DisbursementFailedError{})
		d.custody.AssertNotCalled(t, "DisburseUSDC", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		d.assertExpectations(t)
	})

	t.Run("ConcurrentApprovalRejected", func(t *testing.T) {
		d := newCoordinatorDeps(t)
		d.pool.ExpectBegin()
		d.loans.On("LockForUpdate", mock.Anything, int64(7)).Return(pendingLoan(), nil).Once()
		d.sagas.On("Create", mock.Anything, mock.AnythingOfType("*saga.Saga")).
			Return(saga.ErrSagaInProgress{LoanID: 7, Kind: shared.SagaKindDisbursement}).Once()
		d.pool.ExpectRollback()

		_, err := d.coordinator(3).ApproveLoan(ctx, 7, "lender-1", 1000)
		assert.ErrorIs(t, err, shared.StateError{LoanID: 7, Action: "approve"})
		d.custody.AssertNotCalled(t, "EscrowCollateral", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		d.assertExpectations(t)
	})

	t.Run("GuardsRejectBeforeClaim", func(t *testing.T) {
		tests := []struct {
			name     string
			loan     func() *loan.Loan
			lenderID string
			funding  int64
			wantErr  error
		}{
			{name: "borrower funding own loan", loan: pendingLoan, lenderID: "farmer-1", funding: 1000, wantErr: shared.AuthorizationError{Action: "fund own loan"}},
			{name: "underfunded", loan: pendingLoan, lenderID: "lender-1", funding: 999, wantErr: shared.ValidationError{Field: "funding_amount"}},
			{name: "already active", loan: activeLoan, lenderID: "lender-1", funding: 1000, wantErr: shared.StateError{LoanID: 7, Action: "approve"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				d := newCoordinatorDeps(t)
				d.pool.ExpectBegin()
				d.loans.On("LockForUpdate", mock.Anything, int64(7)).Return(tt.loan(), nil).Once()
				d.pool.ExpectRollback()

				_, err := d.coordinator(3).ApproveLoan(ctx, 7, tt.lenderID, tt.funding)
				assert.ErrorIs(t, err, tt.wantErr)
				d.sagas.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
				d.assertExpectations(t)
			})
		}
	})
}

func TestDisbursementCoordinator_ReleaseCollateral(t *testing.T) {
	ctx := context.Background()
	releaseTx := uuid.New()

	repaid := func() *loan.Loan {
		l := activeLoan()
		l.Status = shared.LoanStatusRepaid
		l.OutstandingBalance = 0
		l.Collateral.IsLocked = false
		return l
	}

	tests := []struct {
		name       string
		setupMocks func(d *coordinatorDeps)
		wantErr    error
	}{
		{
			name: "returns tokens to borrower",
			setupMocks: func(d *coordinatorDeps) {
				d.loans.On("GetByID", ctx, int64(7)).Return(repaid(), nil).Once()
				d.custody.On("ReleaseCollateral", mock.Anything, int64(7), "farmer-1").Return(releaseTx, nil).Once()
				d.sagas.On("Update", ctx, mock.MatchedBy(func(s *saga.Saga) bool {
					return s.Step == shared.SagaStepCompleted && *s.ReleaseTxID == releaseTx
				})).Return(nil).Once()
				d.recorder.On("Record", ctx, receiptOfType(shared.ReceiptTypeRelease)).Once()
			},
		},
		{
			name: "nothing escrowed closes the saga",
			setupMocks: func(d *coordinatorDeps) {
				d.loans.On("GetByID", ctx, int64(7)).Return(repaid(), nil).Once()
				d.custody.On("ReleaseCollateral", mock.Anything, int64(7), "farmer-1").
					Return(uuid.Nil, custody.ErrEscrowNotFound{LoanID: 7}).Once()
				d.sagas.On("Update", ctx, sagaAt(shared.SagaStepFailed)).Return(nil).Once()
			},
		},
		{
			name: "custody failure is left for retry",
			setupMocks: func(d *coordinatorDeps) {
				d.loans.On("GetByID", ctx, int64(7)).Return(repaid(), nil).Once()
				d.custody.On("ReleaseCollateral", mock.Anything, int64(7), "farmer-1").
					Return(uuid.Nil, errors.New("timeout")).Once()
			},
			wantErr: shared.ExternalServiceError{Service: stablecoinService, Operation: "releaseCollateral"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newCoordinatorDeps(t)
			tt.setupMocks(d)

			s := saga.NewCollateralRelease(7, "corr-1", testNow)
			s.ID = 5
			err := d.coordinator(3).ReleaseCollateral(ctx, s)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, shared.SagaStepStarted, s.Step)
			} else {
				require.NoError(t, err)
				assert.True(t, s.IsTerminal())
			}
			d.assertExpectations(t)
		})
	}
}

func TestDisbursementCoordinator_Resume(t *testing.T) {
	ctx := context.Background()
	escrowTx := uuid.New()
	disburseTx := uuid.New()
	releaseTx := uuid.New()

	sagaIn := func(step shared.SagaStep) *saga.Saga {
		s := saga.NewDisbursement(7, "lender-1", 1000, "corr-1", testNow.Add(-time.Hour))
		s.ID = 11
		s.Step = step
		s.Attempts = 1
		if step != shared.SagaStepStarted {
			s.EscrowTxID = &escrowTx
		}
		return s
	}

	tests := []struct {
		name       string
		saga       *saga.Saga
		setupMocks func(d *coordinatorDeps)
		wantStep   shared.SagaStep
		wantErr    bool
	}{
		{
			name: "disbursed saga commits activation",
			saga: func() *saga.Saga {
				s := sagaIn(shared.SagaStepDisbursed)
				s.DisburseTxID = &disburseTx
				return s
			}(),
			setupMocks: func(d *coordinatorDeps) {
				d.loans.On("GetByID", mock.Anything, int64(7)).Return(pendingLoan(), nil).Once()
				d.expectActivation()
			},
			wantStep: shared.SagaStepCompleted,
		},
		{
			name: "disbursing saga with recorded transfer activates",
			saga: sagaIn(shared.SagaStepDisbursing),
			setupMocks: func(d *coordinatorDeps) {
				d.loans.On("GetByID", mock.Anything, int64(7)).Return(pendingLoan(), nil).Once()
				d.custody.On("FindTransfer", mock.Anything, int64(7), shared.TransferKindDisburse).
					Return(&custody.Transfer{TxID: disburseTx}, nil).Once()
				d.expectActivation()
			},
			wantStep: shared.SagaStepCompleted,
		},
		{
			name: "disbursing saga without transfer compensates",
			saga: sagaIn(shared.SagaStepDisbursing),
			setupMocks: func(d *coordinatorDeps) {
				d.loans.On("GetByID", mock.Anything, int64(7)).Return(pendingLoan(), nil).Once()
				d.custody.On("FindTransfer", mock.Anything, int64(7), shared.TransferKindDisburse).
					Return(nil, custody.ErrTransferNotFound{LoanID: 7, Kind: shared.TransferKindDisburse}).Once()
				d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepCompensating)).Return(nil).Once()
				d.custody.On("ReleaseCollateral", mock.Anything, int64(7), "farmer-1").Return(releaseTx, nil).Once()
				d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepCompensated)).Return(nil).Once()
				d.recorder.On("Record", mock.Anything, receiptOfType(shared.ReceiptTypeRelease)).Once()
				d.notifier.On("Notify", mock.Anything, eventFor("farmer-1", shared.NotificationDisbursementFailed)).Once()
			},
			wantStep: shared.SagaStepCompensated,
		},
		{
			name: "started saga with no escrow fails",
			saga: sagaIn(shared.SagaStepStarted),
			setupMocks: func(d *coordinatorDeps) {
				d.loans.On("GetByID", mock.Anything, int64(7)).Return(pendingLoan(), nil).Once()
				d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepCompensating)).Return(nil).Once()
				d.custody.On("ReleaseCollateral", mock.Anything, int64(7), "farmer-1").
					Return(uuid.Nil, custody.ErrEscrowNotFound{LoanID: 7}).Once()
				d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepFailed)).Return(nil).Once()
				d.notifier.On("Notify", mock.Anything, eventFor("farmer-1", shared.NotificationDisbursementFailed)).Once()
			},
			wantStep: shared.SagaStepFailed,
		},
		{
			name: "failed compensation is retried and reported",
			saga: func() *saga.Saga {
				s := sagaIn(shared.SagaStepCompensationFailed)
				s.FailureReason = "escrow unavailable"
				return s
			}(),
			setupMocks: func(d *coordinatorDeps) {
				d.loans.On("GetByID", mock.Anything, int64(7)).Return(pendingLoan(), nil).Once()
				d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepCompensating)).Return(nil).Once()
				d.custody.On("ReleaseCollateral", mock.Anything, int64(7), "farmer-1").
					Return(uuid.Nil, errors.New("escrow unavailable")).Once()
				d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepCompensationFailed)).Return(nil).Once()
			},
			wantStep: shared.SagaStepCompensationFailed,
			wantErr:  true,
		},
		{
			name: "collateral release saga is retried",
			saga: func() *saga.Saga {
				s := saga.NewCollateralRelease(7, "corr-2", testNow.Add(-time.Hour))
				s.ID = 12
				return s
			}(),
			setupMocks: func(d *coordinatorDeps) {
				repaid := activeLoan()
				repaid.Status = shared.LoanStatusRepaid
				d.loans.On("GetByID", mock.Anything, int64(7)).Return(repaid, nil).Once()
				d.custody.On("ReleaseCollateral", mock.Anything, int64(7), "farmer-1").Return(releaseTx, nil).Once()
				d.sagas.On("Update", mock.Anything, sagaAt(shared.SagaStepCompleted)).Return(nil).Once()
				d.recorder.On("Record", mock.Anything, receiptOfType(shared.ReceiptTypeRelease)).Once()
			},
			wantStep: shared.SagaStepCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newCoordinatorDeps(t)
			tt.setupMocks(d)

			err := d.coordinator(1).Resume(ctx, tt.saga)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantStep, tt.saga.Step)
			d.assertExpectations(t)
		})
	}
}
