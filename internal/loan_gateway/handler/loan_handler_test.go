package handler

import (
	"errors"
	"net/http"
	"testing"

	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/domain/receipt"
	"github.com/cropfi-loan-engine/internal/domain/shared"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newLoanRouter(loans *MockLoanService, coordinator *MockCoordinator) *gin.Engine {
	h := NewLoanHandler(testLogger, loans, coordinator)
	r := setupTestRouter()
	r.POST("/loans", h.Create)
	r.GET("/loans/:id", h.GetByID)
	r.POST("/loans/:id/approve", h.Approve)
	r.POST("/loans/:id/repay", h.Repay)
	r.POST("/loans/:id/liquidate", h.Liquidate)
	r.POST("/loans/:id/default", h.Default)
	r.GET("/loans/:id/receipts", h.Receipts)
	r.GET("/borrowers/:id/loans", h.BorrowerLoans)
	r.GET("/lenders/:id/loans", h.LenderLoans)
	return r
}

func TestLoanHandler_Create(t *testing.T) {
	validBody := CreateLoanRequest{
		BorrowerID:          "farmer-1",
		LoanAmount:          1000,
		CollateralTokenID:   3,
		CollateralAmount:    40,
		InterestRateBps:     1000,
		LoanDurationSeconds: 86400,
	}
	expectedReq := loan.Request{
		BorrowerID:        "farmer-1",
		Principal:         1000,
		CollateralTokenID: 3,
		CollateralAmount:  40,
		InterestRateBps:   1000,
		DurationSeconds:   86400,
	}

	tests := []struct {
		name         string
		body         interface{}
		setupMocks   func(loans *MockLoanService)
		expectedCode int
		expectedErr  string
	}{
		{
			name: "created",
			body: validBody,
			setupMocks: func(loans *MockLoanService) {
				loans.On("CreateLoan", mock.Anything, expectedReq).Return(int64(7), nil).Once()
			},
			expectedCode: http.StatusCreated,
		},
		{
			name:         "malformed body",
			body:         `{"borrower_id":`,
			setupMocks:   func(loans *MockLoanService) {},
			expectedCode: http.StatusBadRequest,
			expectedErr:  "BAD_REQUEST",
		},
		{
			name: "rate above cap rejected by bps validator",
			body: func() CreateLoanRequest {
				b := validBody
				b.InterestRateBps = 5001
				return b
			}(),
			setupMocks:   func(loans *MockLoanService) {},
			expectedCode: http.StatusBadRequest,
			expectedErr:  "BAD_REQUEST",
		},
		{
			name: "insufficient coverage",
			body: validBody,
			setupMocks: func(loans *MockLoanService) {
				loans.On("CreateLoan", mock.Anything, expectedReq).
					Return(int64(0), shared.CollateralInvalidError{Reason: "collateral ratio not met"}).Once()
			},
			expectedCode: http.StatusUnprocessableEntity,
			expectedErr:  "COLLATERAL_INVALID",
		},
		{
			name: "unknown token",
			body: validBody,
			setupMocks: func(loans *MockLoanService) {
				loans.On("CreateLoan", mock.Anything, expectedReq).
					Return(int64(0), shared.NotFoundError{Resource: "crop_token", ID: "3"}).Once()
			},
			expectedCode: http.StatusNotFound,
			expectedErr:  "NOT_FOUND",
		},
		{
			name: "token ledger unavailable",
			body: validBody,
			setupMocks: func(loans *MockLoanService) {
				loans.On("CreateLoan", mock.Anything, expectedReq).
					Return(int64(0), shared.ExternalServiceError{Service: "crop_token_ledger", Operation: "getCropToken", Err: errors.New("timeout")}).Once()
			},
			expectedCode: http.StatusBadGateway,
			expectedErr:  "EXTERNAL_SERVICE_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loans := &MockLoanService{}
			tt.setupMocks(loans)
			r := newLoanRouter(loans, &MockCoordinator{})

			rr := doJSON(r, http.MethodPost, "/loans", tt.body)

			assert.Equal(t, tt.expectedCode, rr.Code)
			if tt.expectedErr != "" {
				assert.Equal(t, tt.expectedErr, errorCode(t, rr))
			} else {
				var data map[string]int64
				decodeData(t, rr, &data)
				assert.Equal(t, int64(7), data["loan_id"])
			}
			loans.AssertExpectations(t)
		})
	}
}

func TestLoanHandler_GetByID(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		loans := &MockLoanService{}
		loans.On("GetLoan", mock.Anything, int64(7)).Return(activeLoan(), nil).Once()

		rr := doJSON(newLoanRouter(loans, &MockCoordinator{}), http.MethodGet, "/loans/7", nil)

		assert.Equal(t, http.StatusOK, rr.Code)
		var data LoanResponse
		resp := decodeData(t, rr, &data)
		assert.NotEmpty(t, resp.CorrelationID)
		assert.Equal(t, int64(7), data.ID)
		assert.Equal(t, "ACTIVE", data.Status)
		assert.Equal(t, int64(1100), data.OutstandingBalance)
		assert.True(t, data.Collateral.IsLocked)
		assert.Equal(t, testNow.Unix(), data.ApprovedAt)
	})

	t.Run("not found", func(t *testing.T) {
		loans := &MockLoanService{}
		loans.On("GetLoan", mock.Anything, int64(99)).Return(nil, shared.NotFoundError{Resource: "loan", ID: "99"}).Once()

		rr := doJSON(newLoanRouter(loans, &MockCoordinator{}), http.MethodGet, "/loans/99", nil)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		rr := doJSON(newLoanRouter(&MockLoanService{}, &MockCoordinator{}), http.MethodGet, "/loans/abc", nil)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestLoanHandler_Approve(t *testing.T) {
	tests := []struct {
		name         string
		body         interface{}
		setupMocks   func(c *MockCoordinator)
		expectedCode int
		expectedErr  string
	}{
		{
			name: "disbursed and active",
			body: ApproveLoanRequest{LenderID: "lender-1", FundingAmount: 1000},
			setupMocks: func(c *MockCoordinator) {
				c.On("ApproveLoan", mock.Anything, int64(7), "lender-1", int64(1000)).Return(activeLoan(), nil).Once()
			},
			expectedCode: http.StatusOK,
		},
		{
			name:         "missing lender",
			body:         ApproveLoanRequest{FundingAmount: 1000},
			setupMocks:   func(c *MockCoordinator) {},
			expectedCode: http.StatusBadRequest,
			expectedErr:  "BAD_REQUEST",
		},
		{
			name: "lender is borrower",
			body: ApproveLoanRequest{LenderID: "farmer-1", FundingAmount: 1000},
			setupMocks: func(c *MockCoordinator) {
				c.On("ApproveLoan", mock.Anything, int64(7), "farmer-1", int64(1000)).
					Return(nil, shared.AuthorizationError{CallerID: "farmer-1", Action: "approve own loan"}).Once()
			},
			expectedCode: http.StatusForbidden,
			expectedErr:  "FORBIDDEN",
		},
		{
			name: "already active",
			body: ApproveLoanRequest{LenderID: "lender-1", FundingAmount: 1000},
			setupMocks: func(c *MockCoordinator) {
				c.On("ApproveLoan", mock.Anything, int64(7), "lender-1", int64(1000)).
					Return(nil, shared.StateError{LoanID: 7, Status: shared.LoanStatusActive, Action: "approve"}).Once()
			},
			expectedCode: http.StatusConflict,
			expectedErr:  "INVALID_STATE",
		},
		{
			name: "disbursement failed and compensated",
			body: ApproveLoanRequest{LenderID: "lender-1", FundingAmount: 1000},
			setupMocks: func(c *MockCoordinator) {
				c.On("ApproveLoan", mock.Anything, int64(7), "lender-1", int64(1000)).
					Return(nil, shared.DisbursementFailedError{
						LoanID:      7,
						Step:        shared.SagaStepDisbursing,
						Compensated: true,
						Cause:       shared.ExternalServiceError{Service: "stablecoin_service", Operation: "disburseUSDC", Err: errors.New("insufficient USDC")},
					}).Once()
			},
			expectedCode: http.StatusBadGateway,
			expectedErr:  "DISBURSEMENT_FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coordinator := &MockCoordinator{}
			tt.setupMocks(coordinator)

			rr := doJSON(newLoanRouter(&MockLoanService{}, coordinator), http.MethodPost, "/loans/7/approve", tt.body)

			assert.Equal(t, tt.expectedCode, rr.Code)
			if tt.expectedErr != "" {
				assert.Equal(t, tt.expectedErr, errorCode(t, rr))
			}
			coordinator.AssertExpectations(t)
		})
	}
}

func TestLoanHandler_Repay(t *testing.T) {
	t.Run("partial repayment", func(t *testing.T) {
		l := activeLoan()
		l.OutstandingBalance = 600
		loans := &MockLoanService{}
		loans.On("RepayLoan", mock.Anything, int64(7), int64(500), "farmer-1").Return(l, nil).Once()

		rr := doJSON(newLoanRouter(loans, &MockCoordinator{}), http.MethodPost, "/loans/7/repay", RepayLoanRequest{CallerID: "farmer-1", Amount: 500})

		assert.Equal(t, http.StatusOK, rr.Code)
		var data LoanResponse
		decodeData(t, rr, &data)
		assert.Equal(t, int64(600), data.OutstandingBalance)
	})

	t.Run("not the borrower", func(t *testing.T) {
		loans := &MockLoanService{}
		loans.On("RepayLoan", mock.Anything, int64(7), int64(500), "lender-1").
			Return(nil, shared.AuthorizationError{CallerID: "lender-1", Action: "repay"}).Once()

		rr := doJSON(newLoanRouter(loans, &MockCoordinator{}), http.MethodPost, "/loans/7/repay", RepayLoanRequest{CallerID: "lender-1", Amount: 500})

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("zero amount", func(t *testing.T) {
		rr := doJSON(newLoanRouter(&MockLoanService{}, &MockCoordinator{}), http.MethodPost, "/loans/7/repay", RepayLoanRequest{CallerID: "farmer-1"})

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("lost update", func(t *testing.T) {
		loans := &MockLoanService{}
		loans.On("RepayLoan", mock.Anything, int64(7), int64(500), "farmer-1").
			Return(nil, loan.ErrConcurrentModification{LoanID: 7}).Once()

		rr := doJSON(newLoanRouter(loans, &MockCoordinator{}), http.MethodPost, "/loans/7/repay", RepayLoanRequest{CallerID: "farmer-1", Amount: 500})

		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, "CONCURRENT_MODIFICATION", errorCode(t, rr))
	})
}

func TestLoanHandler_Terminate(t *testing.T) {
	liquidated := activeLoan()
	liquidated.Status = shared.LoanStatusLiquidated
	liquidated.Collateral.IsLocked = false

	tests := []struct {
		name         string
		path         string
		setupMocks   func(loans *MockLoanService)
		expectedCode int
	}{
		{
			name: "liquidate overdue",
			path: "/loans/7/liquidate",
			setupMocks: func(loans *MockLoanService) {
				loans.On("LiquidateCollateral", mock.Anything, int64(7), "lender-1").Return(liquidated, nil).Once()
			},
			expectedCode: http.StatusOK,
		},
		{
			name: "liquidate before due date",
			path: "/loans/7/liquidate",
			setupMocks: func(loans *MockLoanService) {
				loans.On("LiquidateCollateral", mock.Anything, int64(7), "lender-1").
					Return(nil, shared.StateError{LoanID: 7, Status: shared.LoanStatusActive, Action: "liquidate", Reason: "not yet due"}).Once()
			},
			expectedCode: http.StatusConflict,
		},
		{
			name: "default by lender rejected",
			path: "/loans/7/default",
			setupMocks: func(loans *MockLoanService) {
				loans.On("MarkLoanAsDefaulted", mock.Anything, int64(7), "lender-1").
					Return(nil, shared.AuthorizationError{CallerID: "lender-1", Action: "mark defaulted"}).Once()
			},
			expectedCode: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loans := &MockLoanService{}
			tt.setupMocks(loans)

			rr := doJSON(newLoanRouter(loans, &MockCoordinator{}), http.MethodPost, tt.path, CallerRequest{CallerID: "lender-1"})

			assert.Equal(t, tt.expectedCode, rr.Code)
			loans.AssertExpectations(t)
		})
	}

	t.Run("missing caller", func(t *testing.T) {
		rr := doJSON(newLoanRouter(&MockLoanService{}, &MockCoordinator{}), http.MethodPost, "/loans/7/default", `{}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestLoanHandler_Receipts(t *testing.T) {
	receipts := []*receipt.Receipt{
		receipt.New(7, "farmer-1", shared.ReceiptTypeEscrow, 40, "CROP-3", "tx-1", "corr-1"),
		receipt.New(7, "farmer-1", shared.ReceiptTypeDisbursement, 1000, shared.AssetUSDC, "tx-2", "corr-1"),
	}

	t.Run("paginated", func(t *testing.T) {
		loans := &MockLoanService{}
		loans.On("GetReceipts", mock.Anything, int64(7), 1, 2).Return(receipts, int64(3), nil).Once()

		rr := doJSON(newLoanRouter(loans, &MockCoordinator{}), http.MethodGet, "/loans/7/receipts?per_page=2", nil)

		assert.Equal(t, http.StatusOK, rr.Code)
		var data []ReceiptResponse
		resp := decodeData(t, rr, &data)
		assert.Len(t, data, 2)
		assert.Equal(t, "ESCROW", data[0].Type)
		assert.Equal(t, 2, resp.Meta.TotalPages)
		assert.Equal(t, 3, resp.Meta.TotalItems)
	})

	t.Run("bad pagination", func(t *testing.T) {
		rr := doJSON(newLoanRouter(&MockLoanService{}, &MockCoordinator{}), http.MethodGet, "/loans/7/receipts?per_page=500", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestLoanHandler_PartyLoans(t *testing.T) {
	loans := &MockLoanService{}
	loans.On("GetBorrowerLoans", mock.Anything, "farmer-1").Return([]int64{7, 9}, nil).Once()
	loans.On("GetLenderLoans", mock.Anything, "lender-1").Return([]int64{}, nil).Once()
	r := newLoanRouter(loans, &MockCoordinator{})

	rr := doJSON(r, http.MethodGet, "/borrowers/farmer-1/loans", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	var borrower map[string][]int64
	decodeData(t, rr, &borrower)
	assert.Equal(t, []int64{7, 9}, borrower["loan_ids"])

	rr = doJSON(r, http.MethodGet, "/lenders/lender-1/loans", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	var lender map[string][]int64
	decodeData(t, rr, &lender)
	assert.Empty(t, lender["loan_ids"])

	loans.AssertExpectations(t)
}
