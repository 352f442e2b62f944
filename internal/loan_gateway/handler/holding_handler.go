package handler

import (
	"log/slog"

	"github.com/cropfi-loan-engine/internal/lending/service"
	"github.com/gin-gonic/gin"
)

// HoldingHandler handles balance reads and stablecoin deposits
type HoldingHandler struct {
	holdingService service.HoldingService
	logger         *slog.Logger
}

func NewHoldingHandler(logger *slog.Logger, holdingService service.HoldingService) *HoldingHandler {
	return &HoldingHandler{
		holdingService: holdingService,
		logger:         logger,
	}
}

func (h *HoldingHandler) GetByHolder(c *gin.Context) {
	holdings, err := h.holdingService.GetHoldings(c.Request.Context(), c.Param("holder"))
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to get holdings", err)
		return
	}

	items := make([]HoldingResponse, 0, len(holdings))
	for _, holding := range holdings {
		items = append(items, mapHoldingToResponse(holding))
	}
	RespondOK(c, items)
}

// Deposit credits USDC to a holder
func (h *HoldingHandler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	holding, err := h.holdingService.DepositStablecoin(c.Request.Context(), req.HolderID, req.Amount)
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to deposit stablecoin", err)
		return
	}

	RespondCreated(c, mapHoldingToResponse(holding))
}
