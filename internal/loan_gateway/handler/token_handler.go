package handler

import (
	"log/slog"
	"time"

	"github.com/cropfi-loan-engine/internal/lending/service"
	"github.com/gin-gonic/gin"
)

// TokenHandler handles crop token minting and lookup
type TokenHandler struct {
	tokenService service.TokenService
	logger       *slog.Logger
}

func NewTokenHandler(logger *slog.Logger, tokenService service.TokenService) *TokenHandler {
	return &TokenHandler{
		tokenService: tokenService,
		logger:       logger,
	}
}

// Mint tokenizes a future harvest and credits the full supply to the farmer
func (h *TokenHandler) Mint(c *gin.Context) {
	var req MintCropTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	token, err := h.tokenService.MintCropToken(c.Request.Context(),
		req.FarmerID, req.CropType, req.EstimatedValue, req.TotalSupply, time.Unix(req.HarvestDate, 0).UTC())
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to mint crop token", err)
		return
	}

	RespondCreated(c, mapCropTokenToResponse(token))
}

func (h *TokenHandler) GetByID(c *gin.Context) {
	tokenID, ok := parseIDParam(c, h.logger, "Invalid crop token ID")
	if !ok {
		return
	}

	token, err := h.tokenService.GetCropToken(c.Request.Context(), tokenID)
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to get crop token", err)
		return
	}

	RespondOK(c, mapCropTokenToResponse(token))
}
