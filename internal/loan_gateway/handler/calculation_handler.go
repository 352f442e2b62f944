package handler

import (
	"log/slog"

	"github.com/cropfi-loan-engine/internal/lending/service"
	"github.com/gin-gonic/gin"
)

// CalculationHandler exposes the pure interest and collateral calculations
type CalculationHandler struct {
	loanService service.LoanService
	logger      *slog.Logger
}

func NewCalculationHandler(logger *slog.Logger, loanService service.LoanService) *CalculationHandler {
	return &CalculationHandler{
		loanService: loanService,
		logger:      logger,
	}
}

func (h *CalculationHandler) Interest(c *gin.Context) {
	var q InterestQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		RespondBadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}

	accrued, err := h.loanService.CalculateInterest(q.Principal, q.RateBps, q.DurationSeconds)
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to calculate interest", err)
		return
	}

	RespondOK(c, gin.H{
		"principal":        q.Principal,
		"rate_bps":         q.RateBps,
		"duration_seconds": q.DurationSeconds,
		"interest":         accrued,
		"total_due":        q.Principal + accrued,
	})
}

func (h *CalculationHandler) CollateralRatio(c *gin.Context) {
	var q CollateralRatioQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		RespondBadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}

	RespondOK(c, gin.H{
		"loan_amount":      q.LoanAmount,
		"collateral_value": q.CollateralValue,
		"sufficient":       h.loanService.CheckCollateralRatio(q.LoanAmount, q.CollateralValue),
	})
}
