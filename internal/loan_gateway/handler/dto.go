package handler

import (
	"sync"
	"time"

	"github.com/cropfi-loan-engine/internal/domain/croptoken"
	"github.com/cropfi-loan-engine/internal/domain/custody"
	"github.com/cropfi-loan-engine/internal/domain/interest"
	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/domain/notification"
	"github.com/cropfi-loan-engine/internal/domain/receipt"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// CreateLoanRequest represents a borrower's loan application
type CreateLoanRequest struct {
	BorrowerID          string `json:"borrower_id" binding:"required"`
	LoanAmount          int64  `json:"loan_amount" binding:"required,gt=0"`
	CollateralTokenID   int64  `json:"collateral_token_id" binding:"required,gt=0"`
	CollateralAmount    int64  `json:"collateral_amount" binding:"required,gt=0"`
	InterestRateBps     int64  `json:"interest_rate_bps" binding:"required,bps"`
	LoanDurationSeconds int64  `json:"loan_duration_seconds" binding:"required,gt=0"`
}

// ApproveLoanRequest represents a lender funding a pending loan
type ApproveLoanRequest struct {
	LenderID      string `json:"lender_id" binding:"required"`
	FundingAmount int64  `json:"funding_amount" binding:"required,gt=0"`
}

// RepayLoanRequest represents a borrower repayment
type RepayLoanRequest struct {
	CallerID string `json:"caller_id" binding:"required"`
	Amount   int64  `json:"amount" binding:"required,gt=0"`
}

// CallerRequest identifies the actor of a liquidation or default
type CallerRequest struct {
	CallerID string `json:"caller_id" binding:"required"`
}

// MintCropTokenRequest represents tokenizing a future harvest
type MintCropTokenRequest struct {
	FarmerID       string `json:"farmer_id" binding:"required"`
	CropType       string `json:"crop_type" binding:"required"`
	EstimatedValue int64  `json:"estimated_value" binding:"required,gt=0"`
	TotalSupply    int64  `json:"total_supply" binding:"required,gt=0"`
	HarvestDate    int64  `json:"harvest_date" binding:"required,future_unix"`
}

// DepositRequest represents a stablecoin faucet credit
type DepositRequest struct {
	HolderID string `json:"holder_id" binding:"required"`
	Amount   int64  `json:"amount" binding:"required,gt=0"`
}

// InterestQuery carries the calculateInterest inputs
type InterestQuery struct {
	Principal       int64 `form:"principal" binding:"min=0"`
	RateBps         int64 `form:"rate_bps" binding:"min=0,max=5000"`
	DurationSeconds int64 `form:"duration_seconds" binding:"min=0"`
}

// CollateralRatioQuery carries the checkCollateralRatio inputs
type CollateralRatioQuery struct {
	LoanAmount      int64 `form:"loan_amount" binding:"min=0"`
	CollateralValue int64 `form:"collateral_value" binding:"min=0"`
}

// PaginationParams represents pagination parameters for list endpoints
type PaginationParams struct {
	Page    int `form:"page,default=1" binding:"min=1"`
	PerPage int `form:"per_page,default=10" binding:"min=1,max=100"`
}

// CollateralResponse is the collateral record embedded in a loan
type CollateralResponse struct {
	TokenID  int64 `json:"token_id"`
	Amount   int64 `json:"amount"`
	Value    int64 `json:"value"`
	IsLocked bool  `json:"is_locked"`
}

// LoanResponse represents a loan in API responses. Timestamps are epoch seconds.
type LoanResponse struct {
	ID                 int64              `json:"id"`
	BorrowerID         string             `json:"borrower_id"`
	LenderID           string             `json:"lender_id,omitempty"`
	Principal          int64              `json:"principal"`
	InterestRateBps    int64              `json:"interest_rate_bps"`
	OutstandingBalance int64              `json:"outstanding_balance"`
	Status             string             `json:"status"`
	Collateral         CollateralResponse `json:"collateral"`
	CreatedAt          int64              `json:"created_at"`
	ApprovedAt         int64              `json:"approved_at,omitempty"`
	DueDate            int64              `json:"due_date"`
}

// CropTokenResponse represents a crop token in API responses
type CropTokenResponse struct {
	ID             int64  `json:"id"`
	FarmerID       string `json:"farmer_id"`
	CropType       string `json:"crop_type"`
	EstimatedValue int64  `json:"estimated_value"`
	TotalSupply    int64  `json:"total_supply"`
	IsActive       bool   `json:"is_active"`
	HarvestDate    int64  `json:"harvest_date"`
	CreatedAt      int64  `json:"created_at"`
}

// HoldingResponse represents one asset balance
type HoldingResponse struct {
	HolderID  string `json:"holder_id"`
	Asset     string `json:"asset"`
	Balance   int64  `json:"balance"`
	UpdatedAt int64  `json:"updated_at"`
}

// ReceiptResponse represents an audit log entry
type ReceiptResponse struct {
	ID            string `json:"id"`
	LoanID        int64  `json:"loan_id"`
	UserID        string `json:"user_id"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	TokenType     string `json:"token_type"`
	TxID          string `json:"tx_id,omitempty"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// NotificationResponse represents an inbox entry
type NotificationResponse struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	LoanID      int64          `json:"loan_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	DeliveredAt int64          `json:"delivered_at"`
}

var registerOnce sync.Once

// RegisterValidators adds the loan-specific binding tags to gin's validator:
// bps accepts an interest rate in basis points within the engine's cap and
// future_unix accepts an epoch-seconds timestamp later than now.
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("bps", validateBps)
		_ = v.RegisterValidation("future_unix", validateFutureUnix)
	})
}

func validateBps(fl validator.FieldLevel) bool {
	bps := fl.Field().Int()
	return bps >= 1 && bps <= interest.MaxRateBps
}

func validateFutureUnix(fl validator.FieldLevel) bool {
	return fl.Field().Int() > time.Now().Unix()
}

func mapLoanToResponse(l *loan.Loan) LoanResponse {
	resp := LoanResponse{
		ID:                 l.ID,
		BorrowerID:         l.BorrowerID,
		LenderID:           l.LenderID,
		Principal:          l.Principal,
		InterestRateBps:    l.InterestRateBps,
		OutstandingBalance: l.OutstandingBalance,
		Status:             string(l.Status),
		Collateral: CollateralResponse{
			TokenID:  l.Collateral.TokenID,
			Amount:   l.Collateral.Amount,
			Value:    l.Collateral.Value,
			IsLocked: l.Collateral.IsLocked,
		},
		CreatedAt: l.CreatedAt.Unix(),
		DueDate:   l.DueDate.Unix(),
	}
	if l.ApprovedAt != nil {
		resp.ApprovedAt = l.ApprovedAt.Unix()
	}
	return resp
}

func mapCropTokenToResponse(t *croptoken.CropToken) CropTokenResponse {
	return CropTokenResponse{
		ID:             t.ID,
		FarmerID:       t.FarmerID,
		CropType:       t.CropType,
		EstimatedValue: t.EstimatedValue,
		TotalSupply:    t.TotalSupply,
		IsActive:       t.IsActive,
		HarvestDate:    t.HarvestDate.Unix(),
		CreatedAt:      t.CreatedAt.Unix(),
	}
}

func mapHoldingToResponse(h *custody.Holding) HoldingResponse {
	return HoldingResponse{
		HolderID:  h.HolderID,
		Asset:     h.Asset,
		Balance:   h.Balance,
		UpdatedAt: h.UpdatedAt.Unix(),
	}
}

func mapReceiptToResponse(r *receipt.Receipt) ReceiptResponse {
	return ReceiptResponse{
		ID:            r.ID.String(),
		LoanID:        r.LoanID,
		UserID:        r.UserID,
		Type:          string(r.Type),
		Amount:        r.Amount,
		TokenType:     r.TokenType,
		TxID:          r.TxID,
		Status:        string(r.Status),
		CorrelationID: r.CorrelationID,
		CreatedAt:     r.CreatedAt.Unix(),
	}
}

func mapNotificationToResponse(n *notification.Notification) NotificationResponse {
	return NotificationResponse{
		ID:          n.ID.String(),
		Kind:        string(n.Kind),
		LoanID:      n.LoanID,
		Payload:     n.Payload,
		CreatedAt:   n.CreatedAt.Unix(),
		DeliveredAt: n.DeliveredAt.Unix(),
	}
}
