package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/croptoken"
	"github.com/cropfi-loan-engine/internal/domain/custody"
	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/domain/notification"
	"github.com/cropfi-loan-engine/internal/domain/receipt"
	"github.com/cropfi-loan-engine/internal/domain/saga"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/cropfi-loan-engine/internal/loan_gateway/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLoanService struct {
	mock.Mock
}

func (m *MockLoanService) CreateLoan(ctx context.Context, req loan.Request) (int64, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLoanService) GetLoan(ctx context.Context, loanID int64) (*loan.Loan, error) {
	args := m.Called(ctx, loanID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*loan.Loan), args.Error(1)
}

func (m *MockLoanService) GetBorrowerLoans(ctx context.Context, borrowerID string) ([]int64, error) {
	args := m.Called(ctx, borrowerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockLoanService) GetLenderLoans(ctx context.Context, lenderID string) ([]int64, error) {
	args := m.Called(ctx, lenderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockLoanService) RepayLoan(ctx context.Context, loanID, amount int64, callerID string) (*loan.Loan, error) {
	args := m.Called(ctx, loanID, amount, callerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*loan.Loan), args.Error(1)
}

func (m *MockLoanService) LiquidateCollateral(ctx context.Context, loanID int64, callerID string) (*loan.Loan, error) {
	args := m.Called(ctx, loanID, callerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*loan.Loan), args.Error(1)
}

func (m *MockLoanService) MarkLoanAsDefaulted(ctx context.Context, loanID int64, callerID string) (*loan.Loan, error) {
	args := m.Called(ctx, loanID, callerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*loan.Loan), args.Error(1)
}

func (m *MockLoanService) CalculateInterest(principal, rateBps, durationSeconds int64) (int64, error) {
	args := m.Called(principal, rateBps, durationSeconds)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLoanService) CheckCollateralRatio(loanAmount, collateralValue int64) bool {
	return m.Called(loanAmount, collateralValue).Bool(0)
}

func (m *MockLoanService) GetReceipts(ctx context.Context, loanID int64, page, perPage int) ([]*receipt.Receipt, int64, error) {
	args := m.Called(ctx, loanID, page, perPage)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*receipt.Receipt), args.Get(1).(int64), args.Error(2)
}

type MockCoordinator struct {
	mock.Mock
}

func (m *MockCoordinator) ApproveLoan(ctx context.Context, loanID int64, lenderID string, fundingAmount int64) (*loan.Loan, error) {
	args := m.Called(ctx, loanID, lenderID, fundingAmount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*loan.Loan), args.Error(1)
}

func (m *MockCoordinator) ReleaseCollateral(ctx context.Context, s *saga.Saga) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockCoordinator) Resume(ctx context.Context, s *saga.Saga) error {
	return m.Called(ctx, s).Error(0)
}

type MockTokenService struct {
	mock.Mock
}

func (m *MockTokenService) MintCropToken(ctx context.Context, farmerID, cropType string, estimatedValue, totalSupply int64, harvestDate time.Time) (*croptoken.CropToken, error) {
	args := m.Called(ctx, farmerID, cropType, estimatedValue, totalSupply, harvestDate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*croptoken.CropToken), args.Error(1)
}

func (m *MockTokenService) GetCropToken(ctx context.Context, tokenID int64) (*croptoken.CropToken, error) {
	args := m.Called(ctx, tokenID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*croptoken.CropToken), args.Error(1)
}

type MockHoldingService struct {
	mock.Mock
}

func (m *MockHoldingService) GetHoldings(ctx context.Context, holderID string) ([]*custody.Holding, error) {
	args := m.Called(ctx, holderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*custody.Holding), args.Error(1)
}

func (m *MockHoldingService) DepositStablecoin(ctx context.Context, holderID string, amount int64) (*custody.Holding, error) {
	args := m.Called(ctx, holderID, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*custody.Holding), args.Error(1)
}

type MockInboxService struct {
	mock.Mock
}

func (m *MockInboxService) GetInbox(ctx context.Context, userID string, page, perPage int) ([]*notification.Notification, int64, error) {
	args := m.Called(ctx, userID, page, perPage)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*notification.Notification), args.Get(1).(int64), args.Error(2)
}

type MockSweeper struct {
	mock.Mock
}

func (m *MockSweeper) Sweep(ctx context.Context, now time.Time) ([]int64, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

var testLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	RegisterValidators()
	r := gin.New()
	r.Use(middleware.CorrelationID())
	return r
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

// decodeData unmarshals the envelope's data field into out and returns the envelope
func decodeData(t *testing.T, rr *httptest.ResponseRecorder, out interface{}) Response {
	t.Helper()
	var envelope struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	if out != nil && len(envelope.Data) > 0 {
		require.NoError(t, json.Unmarshal(envelope.Data, out))
	}
	return envelope.Response
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeData(t, rr, nil)
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func activeLoan() *loan.Loan {
	approved := testNow
	return &loan.Loan{
		ID:                 7,
		BorrowerID:         "farmer-1",
		LenderID:           "lender-1",
		Principal:          1000,
		InterestRateBps:    1000,
		OutstandingBalance: 1100,
		Status:             shared.LoanStatusActive,
		Collateral:         loan.CollateralRecord{TokenID: 3, Amount: 40, Value: 2000, IsLocked: true},
		CreatedAt:          testNow.Add(-time.Hour),
		ApprovedAt:         &approved,
		DueDate:            testNow.Add(365 * 24 * time.Hour),
	}
}
