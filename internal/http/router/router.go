package router

import (
	"github.com/gin-gonic/gin"

	"github.com/ignatzorin/bounty-escrow/internal/config"
	"github.com/ignatzorin/bounty-escrow/internal/http/handlers"
	"github.com/ignatzorin/bounty-escrow/internal/http/middleware"
	"github.com/ignatzorin/bounty-escrow/internal/metrics"
)

func SetupRouter(
	cfg *config.Config,
	tokens middleware.TokenParser,
	healthHandler *handlers.HealthHandler,
	bountyHandler *handlers.BountyHandler,
	wsHandler *handlers.WSHandler,
) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Metrics())
	r.Use(middleware.ErrorHandler())

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	if wsHandler != nil {
		api.GET("/ws", wsHandler.Handle)
	}

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(tokens))
	{
		protected.POST("/bounties", bountyHandler.Create)
		protected.GET("/bounties/:id", middleware.UUIDValidator("id"), bountyHandler.Get)
		protected.GET("/bounties/:id/payment-status", middleware.UUIDValidator("id"), bountyHandler.PaymentStatus)
	}

	// Денежные операции ограничены по частоте на пользователя.
	money := protected.Group("/bounties/:id")
	money.Use(middleware.UUIDValidator("id"), middleware.RateLimitMiddleware(cfg.RateLimitLimit, cfg.RateLimitPeriod))
	{
		money.POST("/accept", bountyHandler.Accept)
		money.POST("/complete", bountyHandler.Complete)
		money.POST("/cancel", bountyHandler.Cancel)
		money.POST("/cancellation-request", bountyHandler.RequestCancellation)
		money.POST("/cancellation-request/reject", bountyHandler.RejectCancellation)
	}

	return r
}
