package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// OverdueSweeper lists loans eligible for default or liquidation
type OverdueSweeper interface {
	Sweep(ctx context.Context, now time.Time) ([]int64, error)
}

type LiquidationHandler struct {
	sweeper OverdueSweeper
	logger  *slog.Logger
	now     func() time.Time
}

func NewLiquidationHandler(logger *slog.Logger, sweeper OverdueSweeper) *LiquidationHandler {
	return &LiquidationHandler{
		sweeper: sweeper,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Overdue runs an on-demand sweep
func (h *LiquidationHandler) Overdue(c *gin.Context) {
	now := h.now()
	ids, err := h.sweeper.Sweep(c.Request.Context(), now)
	if err != nil {
		RespondServiceError(c, h.logger, "Failed to sweep overdue loans", err)
		return
	}

	RespondOK(c, gin.H{"loan_ids": ids, "as_of": now.Unix()})
}
