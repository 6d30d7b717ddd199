package main

import (
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-energy/internal/auth"
	"github.com/ksred/klear-energy/internal/config"
	"github.com/ksred/klear-energy/internal/events"
	"github.com/ksred/klear-energy/internal/expiry"
	"github.com/ksred/klear-energy/internal/exposure"
	"github.com/ksred/klear-energy/internal/trading"
	"github.com/ksred/klear-energy/internal/types"
	"github.com/ksred/klear-energy/pkg/middleware"
)

// app wires the services and handlers of one process
type app struct {
	cfg *config.Config

	authService *auth.Service
	orders      *trading.Service
	sweeper     *expiry.Sweeper
	processor   *expiry.Processor

	authHandlers     *auth.GinHandlers
	tradingHandlers  *trading.GinHandlers
	exposureHandlers *exposure.GinHandlers
	eventHandlers    *events.GinHandlers
	expiryHandlers   *expiry.GinHandlers
}

func newApp(cfg *config.Config, db *gorm.DB) *app {
	authService := auth.NewService(cfg.Server.JWTSecret, cfg.Server.TokenTTL, db)
	limits := exposure.NewService(db)
	emitter := events.NewEmitter(db)

	orders := trading.NewService(db, limits, emitter,
		trading.WithApprovalPolicy(trading.ThresholdApproval(decimal.NewFromFloat(cfg.Trading.ApprovalThresholdMW))))
	sweeper := expiry.NewSweeper(db, orders, cfg.Expiry.Workers)

	return &app{
		cfg:              cfg,
		authService:      authService,
		orders:           orders,
		sweeper:          sweeper,
		processor:        expiry.NewProcessor(sweeper, cfg.Expiry.Interval),
		authHandlers:     auth.NewGinHandlers(authService),
		tradingHandlers:  trading.NewGinHandlers(orders),
		exposureHandlers: exposure.NewGinHandlers(limits),
		eventHandlers:    events.NewGinHandlers(emitter, orders.GetOrderForOrganization),
		expiryHandlers:   expiry.NewGinHandlers(sweeper),
	}
}

func (a *app) router() *gin.Engine {
	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	middleware.SetLimits(a.cfg.Server.AuthPerMinute, a.cfg.Server.OrdersPerMinute)
	setupRoutes(router, a)
	return router
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: public token endpoint
// - Client routes: JWT protected, scoped to the caller's organization
// - Internal routes: JWT protected and limited to the trading desk roles
func setupRoutes(router *gin.Engine, a *app) {
	jwt := middleware.JWTAuth(a.authService)

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.Use(middleware.RateLimit())
		{
			authGroup.POST("/token", a.authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(jwt, middleware.RateLimit())
		{
			orders.POST("", a.tradingHandlers.SubmitOrderHandler())
			orders.POST("/drafts", a.tradingHandlers.CreateDraftHandler())
			orders.POST("/sweep", a.expiryHandlers.SweepOrganizationHandler())
			orders.GET("", a.tradingHandlers.ListOrdersHandler())
			orders.GET("/:id", a.tradingHandlers.GetOrderHandler())
			orders.POST("/:id/submit", a.tradingHandlers.FinalizeDraftHandler())
			orders.GET("/:id/events", a.eventHandlers.ListOrderEventsHandler())
		}

		v1.GET("/exposure", jwt, a.exposureHandlers.GetExposureHandler())

		notifications := v1.Group("/notifications")
		notifications.Use(jwt)
		{
			notifications.GET("", a.eventHandlers.ListNotificationsHandler())
			notifications.GET("/unread-count", a.eventHandlers.UnreadCountHandler())
			notifications.POST("/read-all", a.eventHandlers.MarkAllReadHandler())
			notifications.POST("/:id/read", a.eventHandlers.MarkReadHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(jwt, middleware.RequireRole(types.RoleTrader, types.RoleAdmin), middleware.RateLimit())
		{
			internal.POST("/orders/:id/fills", a.tradingHandlers.ApplyFillHandler())
			internal.POST("/orders/:id/reject", a.tradingHandlers.RejectOrderHandler())
			internal.POST("/orders/:id/approval", a.tradingHandlers.RequestApprovalHandler())
			internal.POST("/sweep", a.expiryHandlers.SweepAllHandler())
		}
	}
}
