package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/tickwell/tickwell/internal/auth"
	"github.com/tickwell/tickwell/internal/handlers"
	"github.com/tickwell/tickwell/internal/middleware"
)

// Deps bundles the services the router mounts.
type Deps struct {
	DB       *gorm.DB
	Tokens   *iauth.TokenService
	Sessions *iauth.SessionService
	Flows    *iauth.FlowService
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token service must be provided")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session service must be provided")
	}
	if deps.Flows == nil {
		return nil, fmt.Errorf("flow service must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	// Coarse request throttle: 100 requests/minute per IP+path. The login
	// lockout policy is enforced separately inside the auth flow.
	r.Use(middleware.RateLimit(100, time.Minute))

	r.NoRoute(middleware.NotFoundHandler)

	healthHandler := handlers.NewHealthHandler(deps.DB)
	r.GET("/health", healthHandler.Check)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler := handlers.NewAuthHandler(deps.Flows)
	sessionHandler := handlers.NewSessionHandler(deps.Sessions)

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/verify-2fa", authHandler.Verify2FA)
		auth.POST("/refresh", authHandler.Refresh)
	}

	// Protected routes
	requireAuth := middleware.Auth(deps.Tokens)

	api := r.Group("/api")
	api.Use(requireAuth)

	api.GET("/auth/me", authHandler.Me)
	api.POST("/auth/logout", authHandler.Logout)
	api.POST("/auth/password/code", authHandler.RequestPasswordCode)
	api.PUT("/auth/password", authHandler.ChangePassword)

	sessions := api.Group("/sessions")
	{
		sessions.GET("/me", sessionHandler.ListMine)
		sessions.POST("/revoke/:id", sessionHandler.Revoke)
		sessions.POST("/revoke_all", sessionHandler.RevokeAll)
	}

	return r, nil
}
