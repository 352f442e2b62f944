package loan_gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cropfi-loan-engine/internal/loan_gateway/handler"
	"github.com/cropfi-loan-engine/internal/loan_gateway/middleware"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeHandlers struct {
	loans         *handler.LoanHandler
	calculations  *handler.CalculationHandler
	tokens        *handler.TokenHandler
	holdings      *handler.HoldingHandler
	notifications *handler.NotificationHandler
	liquidations  *handler.LiquidationHandler
}

// setupRouter configures API routes and middleware for the application
func setupRouter(
	logger *slog.Logger,
	r *gin.Engine,
	h routeHandlers,
	idempotencyStore redis.Cmdable,
	idempotencyTTL time.Duration,
) {
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CorrelationID())

	v1 := r.Group("/api/v1")
	if idempotencyStore != nil {
		v1.Use(middleware.Idempotency(idempotencyStore, idempotencyTTL, logger))
	}
	{
		loans := v1.Group("/loans")
		{
			loans.POST("", h.loans.Create)
			loans.GET("/:id", h.loans.GetByID)
			loans.POST("/:id/approve", h.loans.Approve)
			loans.POST("/:id/repay", h.loans.Repay)
			loans.POST("/:id/liquidate", h.loans.Liquidate)
			loans.POST("/:id/default", h.loans.Default)
			loans.GET("/:id/receipts", h.loans.Receipts)
		}

		v1.GET("/borrowers/:id/loans", h.loans.BorrowerLoans)
		v1.GET("/lenders/:id/loans", h.loans.LenderLoans)

		calculations := v1.Group("/calculations")
		{
			calculations.GET("/interest", h.calculations.Interest)
			calculations.GET("/collateral-ratio", h.calculations.CollateralRatio)
		}

		tokens := v1.Group("/crop-tokens")
		{
			tokens.POST("", h.tokens.Mint)
			tokens.GET("/:id", h.tokens.GetByID)
		}

		holdings := v1.Group("/holdings")
		{
			holdings.GET("/:holder", h.holdings.GetByHolder)
			holdings.POST("/deposits", h.holdings.Deposit)
		}

		v1.GET("/users/:id/notifications", h.notifications.Inbox)
		v1.GET("/liquidations/overdue", h.liquidations.Overdue)
		v1.GET("/health", health)
	}

	r.GET("/health", health)
}

func health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC().Unix()})
}
