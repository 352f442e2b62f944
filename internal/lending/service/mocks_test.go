package service

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/croptoken"
	"github.com/cropfi-loan-engine/internal/domain/custody"
	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/domain/receipt"
	"github.com/cropfi-loan-engine/internal/domain/saga"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/mock"
)

type MockLoanRepository struct {
	mock.Mock
}

func (m *MockLoanRepository) AllocateID(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLoanRepository) Create(ctx context.Context, l *loan.Loan) error {
	args := m.Called(ctx, l)
	return args.Error(0)
}

func (m *MockLoanRepository) GetByID(ctx context.Context, id int64) (*loan.Loan, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*loan.Loan), args.Error(1)
}

func (m *MockLoanRepository) LockForUpdate(ctx context.Context, id int64) (*loan.Loan, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*loan.Loan), args.Error(1)
}

func (m *MockLoanRepository) Update(ctx context.Context, l *loan.Loan) error {
	args := m.Called(ctx, l)
	return args.Error(0)
}

func (m *MockLoanRepository) ListIDsByBorrower(ctx context.Context, borrowerID string) ([]int64, error) {
	args := m.Called(ctx, borrowerID)
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockLoanRepository) ListIDsByLender(ctx context.Context, lenderID string) ([]int64, error) {
	args := m.Called(ctx, lenderID)
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockLoanRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	args := m.Called(ctx, now, limit)
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockLoanRepository) PledgedCollateral(ctx context.Context, borrowerID string, tokenID int64) (int64, error) {
	args := m.Called(ctx, borrowerID, tokenID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLoanRepository) LockBorrower(ctx context.Context, borrowerID string) error {
	args := m.Called(ctx, borrowerID)
	return args.Error(0)
}

func (m *MockLoanRepository) WithTx(tx pgx.Tx) loan.Repository {
	args := m.Called(tx)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(loan.Repository)
}

type MockCropTokenLedger struct {
	mock.Mock
}

func (m *MockCropTokenLedger) GetFarmerBalance(ctx context.Context, farmerID string, tokenID int64) (int64, error) {
	args := m.Called(ctx, farmerID, tokenID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCropTokenLedger) GetCropToken(ctx context.Context, tokenID int64) (*croptoken.CropToken, error) {
	args := m.Called(ctx, tokenID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*croptoken.CropToken), args.Error(1)
}

func (m *MockCropTokenLedger) BurnTokens(ctx context.Context, tokenID int64, amount int64) error {
	args := m.Called(ctx, tokenID, amount)
	return args.Error(0)
}

func (m *MockCropTokenLedger) IsAuthorizedBurner(ctx context.Context, callerID string) (bool, error) {
	args := m.Called(ctx, callerID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCropTokenLedger) WithTx(tx pgx.Tx) croptoken.Ledger {
	args := m.Called(tx)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(croptoken.Ledger)
}

type MockCropTokenRegistry struct {
	mock.Mock
}

func (m *MockCropTokenRegistry) AllocateID(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCropTokenRegistry) Create(ctx context.Context, token *croptoken.CropToken) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

func (m *MockCropTokenRegistry) AuthorizeBurner(ctx context.Context, burnerID string) error {
	args := m.Called(ctx, burnerID)
	return args.Error(0)
}

func (m *MockCropTokenRegistry) WithTx(tx pgx.Tx) croptoken.Registry {
	args := m.Called(tx)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(croptoken.Registry)
}

type MockSagaRepository struct {
	mock.Mock
}

func (m *MockSagaRepository) Create(ctx context.Context, s *saga.Saga) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSagaRepository) Update(ctx context.Context, s *saga.Saga) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSagaRepository) GetByID(ctx context.Context, id int64) (*saga.Saga, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*saga.Saga), args.Error(1)
}

func (m *MockSagaRepository) GetActiveByLoanID(ctx context.Context, loanID int64, kind shared.SagaKind) (*saga.Saga, error) {
	args := m.Called(ctx, loanID, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*saga.Saga), args.Error(1)
}

func (m *MockSagaRepository) ClaimStale(ctx context.Context, olderThan, now time.Time, maxAttempts, limit int) ([]*saga.Saga, error) {
	args := m.Called(ctx, olderThan, now, maxAttempts, limit)
	return args.Get(0).([]*saga.Saga), args.Error(1)
}

func (m *MockSagaRepository) WithTx(tx pgx.Tx) saga.Repository {
	args := m.Called(tx)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(saga.Repository)
}

type MockReceiptRepository struct {
	mock.Mock
}

func (m *MockReceiptRepository) Create(ctx context.Context, r *receipt.Receipt) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockReceiptRepository) GetByLoanID(ctx context.Context, loanID int64, limit, offset int) ([]*receipt.Receipt, error) {
	args := m.Called(ctx, loanID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*receipt.Receipt), args.Error(1)
}

func (m *MockReceiptRepository) CountByLoanID(ctx context.Context, loanID int64) (int64, error) {
	args := m.Called(ctx, loanID)
	return args.Get(0).(int64), args.Error(1)
}

type MockCustodyService struct {
	mock.Mock
}

func (m *MockCustodyService) EscrowCollateral(ctx context.Context, tokenID, amount int64, fromAccount, escrowAccount string, loanID int64) (uuid.UUID, error) {
	args := m.Called(ctx, tokenID, amount, fromAccount, escrowAccount, loanID)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockCustodyService) ReleaseCollateral(ctx context.Context, loanID int64, toAccount string) (uuid.UUID, error) {
	args := m.Called(ctx, loanID, toAccount)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockCustodyService) DisburseUSDC(ctx context.Context, fromAccount, toAccount string, amount, loanID int64) (uuid.UUID, error) {
	args := m.Called(ctx, fromAccount, toAccount, amount, loanID)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockCustodyService) FindTransfer(ctx context.Context, loanID int64, kind shared.TransferKind) (*custody.Transfer, error) {
	args := m.Called(ctx, loanID, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*custody.Transfer), args.Error(1)
}

func (m *MockCustodyService) GetHoldings(ctx context.Context, holderID string) ([]*custody.Holding, error) {
	args := m.Called(ctx, holderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*custody.Holding), args.Error(1)
}

func (m *MockCustodyService) Deposit(ctx context.Context, holderID, asset string, amount int64) (*custody.Holding, error) {
	args := m.Called(ctx, holderID, asset, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*custody.Holding), args.Error(1)
}

type MockRepayments struct {
	mock.Mock
}

func (m *MockRepayments) CollectRepayment(ctx context.Context, loanID int64, fromAccount, toAccount string, amount int64) (uuid.UUID, error) {
	args := m.Called(ctx, loanID, fromAccount, toAccount, amount)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *MockRepayments) WithTx(tx pgx.Tx) custody.Repayments {
	args := m.Called(tx)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(custody.Repayments)
}

type MockReceiptRecorder struct {
	mock.Mock
}

func (m *MockReceiptRecorder) Record(ctx context.Context, r *receipt.Receipt) {
	m.Called(ctx, r)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, event *shared.LoanEvent) {
	m.Called(ctx, event)
}

type MockDisbursementCoordinator struct {
	mock.Mock
}

func (m *MockDisbursementCoordinator) ApproveLoan(ctx context.Context, loanID int64, lenderID string, fundingAmount int64) (*loan.Loan, error) {
	args := m.Called(ctx, loanID, lenderID, fundingAmount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*loan.Loan), args.Error(1)
}

func (m *MockDisbursementCoordinator) ReleaseCollateral(ctx context.Context, s *saga.Saga) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockDisbursementCoordinator) Resume(ctx context.Context, s *saga.Saga) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// receiptOfType matches a recorded receipt by its type
func receiptOfType(typ shared.ReceiptType) interface{} {
	return mock.MatchedBy(func(r *receipt.Receipt) bool { return r.Type == typ })
}

// eventFor matches a published loan event by recipient and kind
func eventFor(userID string, kind shared.NotificationKind) interface{} {
	return mock.MatchedBy(func(e *shared.LoanEvent) bool { return e.UserID == userID && e.Kind == kind })
}

func pendingLoan() *loan.Loan {
	return &loan.Loan{
		ID:                 7,
		BorrowerID:         "farmer-1",
		Principal:          1000,
		InterestRateBps:    1000,
		OutstandingBalance: 1000,
		Status:             shared.LoanStatusPending,
		Collateral:         loan.CollateralRecord{TokenID: 3, Amount: 40, Value: 2000},
		CreatedAt:          testNow.Add(-time.Hour),
		DueDate:            testNow.Add(365 * 24 * time.Hour),
		UpdatedAt:          testNow.Add(-time.Hour),
		Version:            1,
	}
}

func activeLoan() *loan.Loan {
	l := pendingLoan()
	approved := testNow.Add(-time.Hour)
	l.LenderID = "lender-1"
	l.ApprovedAt = &approved
	l.OutstandingBalance = 1100
	l.Status = shared.LoanStatusActive
	l.Collateral.IsLocked = true
	l.Version = 2
	return l
}

func overdueLoan() *loan.Loan {
	l := activeLoan()
	l.DueDate = testNow.Add(-time.Minute)
	return l
}
