package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cropfi-loan-engine/internal/domain/loan"
	"github.com/cropfi-loan-engine/internal/lending/service"
	"github.com/gin-gonic/gin"
)

// LoanHandler handles HTTP requests for the loan lifecycle
type LoanHandler struct {
	loanService service.LoanService
	coordinator service.DisbursementCoordinator
	logger      *slog.Logger
}

// NewLoanHandler creates a new loan handler
func NewLoanHandler(logger *slog.Logger, loanService service.LoanService, coordinator service.DisbursementCoordinator) *LoanHandler {
	return &LoanHandler{
		loanService: loanService,
		coordinator: coordinator,
		logger:      logger,
	}
}

// Create handles a borrower's loan application and returns the new loan ID
func (h *LoanHandler) Create(c *gin.Context) {
	var req CreateLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	loanID, err := h.loanService.CreateLoan(c.Request.Context(), loan.Request{
		BorrowerID:        req.BorrowerID,
		Principal:         req.LoanAmount,
		CollateralTokenID: req.CollateralTokenID,
		CollateralAmount:  req.CollateralAmount,
		InterestRateBps:   req.InterestRateBps,
		DurationSeconds:   req.LoanDurationSeconds,
	})
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to create loan", err)
		return
	}

	RespondCreated(c, gin.H{"loan_id": loanID})
}

// GetByID returns a loan, 404 if it does not exist
func (h *LoanHandler) GetByID(c *gin.Context) {
	loanID, ok := h.loanIDParam(c)
	if !ok {
		return
	}

	l, err := h.loanService.GetLoan(c.Request.Context(), loanID)
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to get loan", err)
		return
	}

	RespondOK(c, mapLoanToResponse(l))
}

// Approve funds a pending loan. The escrow and disbursement saga runs inside the request.
func (h *LoanHandler) Approve(c *gin.Context) {
	loanID, ok := h.loanIDParam(c)
	if !ok {
		return
	}

	var req ApproveLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	l, err := h.coordinator.ApproveLoan(c.Request.Context(), loanID, req.LenderID, req.FundingAmount)
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to approve loan", err)
		return
	}

	RespondOK(c, mapLoanToResponse(l))
}

// Repay applies a borrower repayment
func (h *LoanHandler) Repay(c *gin.Context) {
	loanID, ok := h.loanIDParam(c)
	if !ok {
		return
	}

	var req RepayLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	l, err := h.loanService.RepayLoan(c.Request.Context(), loanID, req.Amount, req.CallerID)
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to repay loan", err)
		return
	}

	RespondOK(c, mapLoanToResponse(l))
}

// Liquidate burns the collateral of an overdue loan
func (h *LoanHandler) Liquidate(c *gin.Context) {
	h.terminate(c, "Failed to liquidate loan", h.loanService.LiquidateCollateral)
}

// Default marks an overdue loan as defaulted
func (h *LoanHandler) Default(c *gin.Context) {
	h.terminate(c, "Failed to mark loan as defaulted", h.loanService.MarkLoanAsDefaulted)
}

func (h *LoanHandler) terminate(c *gin.Context, failMsg string, op func(ctx context.Context, loanID int64, callerID string) (*loan.Loan, error)) {
	loanID, ok := h.loanIDParam(c)
	if !ok {
		return
	}

	var req CallerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	l, err := op(c.Request.Context(), loanID, req.CallerID)
	if err != nil {
		RespondServiceError(c, h.logger, failMsg, err)
		return
	}

	RespondOK(c, mapLoanToResponse(l))
}

// Receipts returns the paginated audit log of a loan
func (h *LoanHandler) Receipts(c *gin.Context) {
	loanID, ok := h.loanIDParam(c)
	if !ok {
		return
	}

	var pagination PaginationParams
	if err := c.ShouldBindQuery(&pagination); err != nil {
		h.logger.Warn("Invalid pagination parameters", "error", err)
		RespondBadRequest(c, "Invalid pagination parameters")
		return
	}

	receipts, total, err := h.loanService.GetReceipts(c.Request.Context(), loanID, pagination.Page, pagination.PerPage)
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to get receipts", err)
		return
	}

	items := make([]ReceiptResponse, 0, len(receipts))
	for _, r := range receipts {
		items = append(items, mapReceiptToResponse(r))
	}

	RespondWithPaginatedData(c, http.StatusOK, items, pagination.Page, pagination.PerPage, int(total))
}

// BorrowerLoans lists the IDs of every loan requested by a borrower
func (h *LoanHandler) BorrowerLoans(c *gin.Context) {
	ids, err := h.loanService.GetBorrowerLoans(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to list borrower loans", err)
		return
	}
	RespondOK(c, gin.H{"loan_ids": ids})
}

// LenderLoans lists the IDs of every loan funded by a lender
func (h *LoanHandler) LenderLoans(c *gin.Context) {
	ids, err := h.loanService.GetLenderLoans(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to list lender loans", err)
		return
	}
	RespondOK(c, gin.H{"loan_ids": ids})
}

func (h *LoanHandler) loanIDParam(c *gin.Context) (int64, bool) {
	return parseIDParam(c, h.logger, "Invalid loan ID")
}

func parseIDParam(c *gin.Context, logger *slog.Logger, message string) (int64, bool) {
	idParam := c.Param("id")
	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil || id <= 0 {
		logger.Warn(message, "id", idParam)
		RespondBadRequest(c, message)
		return 0, false
	}
	return id, true
}
