package loan_gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cropfi-loan-engine/internal/config"
	"github.com/cropfi-loan-engine/internal/lending/components"
	"github.com/cropfi-loan-engine/internal/loan_gateway/handler"
	"github.com/cropfi-loan-engine/internal/notification_processor/service"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Dependencies are the services behind the HTTP surface
type Dependencies struct {
	Lending *components.LendingServices
	Inbox   service.InboxService
	Sweeper handler.OverdueSweeper

	// Redis backs Idempotency-Key deduplication; nil disables it
	Redis redis.Cmdable
}

// Server handles HTTP requests and manages the application's lifecycle
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	httpRouter *gin.Engine
}

// NewServer creates and configures a new HTTP server with the given services
func NewServer(log *slog.Logger, cfg *config.Config, deps Dependencies) *Server {
	if cfg.Application.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	handler.RegisterValidators()
	httpRouter := gin.New()

	handlers := routeHandlers{
		loans:         handler.NewLoanHandler(log, deps.Lending.Loans, deps.Lending.Coordinator),
		calculations:  handler.NewCalculationHandler(log, deps.Lending.Loans),
		tokens:        handler.NewTokenHandler(log, deps.Lending.Tokens),
		holdings:      handler.NewHoldingHandler(log, deps.Lending.Holdings),
		notifications: handler.NewNotificationHandler(log, deps.Inbox),
		liquidations:  handler.NewLiquidationHandler(log, deps.Sweeper),
	}

	setupRouter(log, httpRouter, handlers, deps.Redis, cfg.Redis.IdempotencyTTL)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		logger:     log,
		httpServer: httpServer,
		httpRouter: httpRouter,
	}
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server, bounded by the write timeout
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.httpServer.WriteTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop HTTP server: %w", err)
	}
	return nil
}
