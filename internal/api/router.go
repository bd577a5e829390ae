package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couentine/badgekit/internal/app"
	iauth "github.com/couentine/badgekit/internal/auth"
	"github.com/couentine/badgekit/internal/handlers"
	"github.com/couentine/badgekit/internal/middleware"
	"github.com/couentine/badgekit/internal/monitoring"
	"github.com/couentine/badgekit/internal/realtime"
	"github.com/couentine/badgekit/internal/services"
)

// Deps carries the service graph the router wires into handlers. Hub and
// Health are optional; their routes degrade gracefully when absent.
type Deps struct {
	Users         *services.UserService
	Groups        *services.GroupService
	Badges        *services.BadgeService
	Portfolios    *services.PortfolioService
	Ledger        *services.LedgerService
	Notifications *services.NotificationService

	Hub    *realtime.Hub
	Health *monitoring.HealthManager
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(cfg *app.Config, jwt *iauth.JWTService, deps Deps) (*gin.Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Users == nil || deps.Groups == nil || deps.Badges == nil ||
		deps.Portfolios == nil || deps.Ledger == nil || deps.Notifications == nil {
		return nil, fmt.Errorf("all services must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())
	if cfg.Server.RateLimit.Enabled {
		r.Use(middleware.RateLimit(cfg.Server.RateLimit.MaxRequests, cfg.Server.RateLimit.Window))
	}

	// Health endpoint (public)
	r.GET("/health", handlers.Health(deps.Health))

	authHandler := handlers.NewAuthHandler(deps.Users, jwt)
	userHandler := handlers.NewUserHandler(deps.Users)
	groupHandler := handlers.NewGroupHandler(deps.Groups)
	badgeHandler := handlers.NewBadgeHandler(deps.Badges, deps.Groups)
	portfolioHandler := handlers.NewPortfolioHandler(deps.Portfolios, deps.Ledger, deps.Badges, deps.Groups)
	notificationHandler := handlers.NewNotificationHandler(deps.Notifications, deps.Hub, jwt)

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
	}

	// The websocket upgrade carries its token in the query string, so the
	// stream route authenticates inside the handler instead of the group.
	r.GET("/api/notifications/stream", notificationHandler.Stream)

	requireAuth := middleware.Auth(jwt)

	api := r.Group("/api")
	api.Use(requireAuth)

	api.GET("/auth/me", authHandler.Me)

	users := api.Group("/users")
	{
		users.GET("", middleware.RequireAdmin(), userHandler.List)
		users.GET("/:id", userHandler.Get)
		users.PATCH("/me", userHandler.UpdateProfile)
		users.POST("/me/password", userHandler.ChangePassword)
		users.POST("/:id/active", middleware.RequireAdmin(), userHandler.SetActive)
	}

	groups := api.Group("/groups")
	{
		groups.POST("", groupHandler.Create)
		groups.GET("", groupHandler.List)
		groups.GET("/:id", groupHandler.Get)
		groups.PATCH("/:id", groupHandler.Update)
		groups.POST("/:id/join", groupHandler.Join)
		groups.POST("/:id/leave", groupHandler.Leave)
		groups.GET("/:id/members", groupHandler.ListMembers)
		groups.GET("/:id/badges", badgeHandler.ListByGroup)
	}

	badges := api.Group("/badges")
	{
		badges.POST("", badgeHandler.Create)
		badges.GET("/:id", badgeHandler.Get)
		badges.PATCH("/:id", badgeHandler.Update)
		badges.DELETE("/:id", badgeHandler.Delete)
		badges.POST("/:id/join", badgeHandler.Join)
		badges.GET("/:id/portfolios", portfolioHandler.ListByBadge)
	}

	portfolios := api.Group("/portfolios")
	{
		portfolios.GET("/:id", portfolioHandler.Get)
		portfolios.GET("/:id/entries", portfolioHandler.ListEntries)
		portfolios.POST("/:id/request", portfolioHandler.Request)
		portfolios.POST("/:id/withdraw", portfolioHandler.Withdraw)
		portfolios.POST("/:id/seen", portfolioHandler.MarkIssuedSeen)
		portfolios.POST("/:id/retract", portfolioHandler.Retract)
		portfolios.POST("/:id/unretract", portfolioHandler.Unretract)
		portfolios.POST("/:id/evidence", portfolioHandler.SubmitEvidence)
		portfolios.POST("/:id/validations", portfolioHandler.SubmitValidation)
	}
	api.POST("/validations/bulk", portfolioHandler.SubmitBulkValidations)

	notifications := api.Group("/notifications")
	{
		notifications.GET("", notificationHandler.List)
		notifications.GET("/unread", notificationHandler.UnreadCount)
		notifications.POST("/read_all", notificationHandler.MarkAllRead)
		notifications.POST("/:id/read", notificationHandler.MarkRead)
		notifications.DELETE("/:id", notificationHandler.Delete)
	}

	// Metrics endpoint
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
