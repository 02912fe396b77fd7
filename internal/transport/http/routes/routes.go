package routes

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/twofactor-service/internal/infra/config"
	"github.com/arklim/twofactor-service/internal/transport/http/handlers"
	"github.com/arklim/twofactor-service/internal/transport/http/middleware"
)

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	RateLimiter *middleware.RateLimiter
	Metrics     *middleware.HTTPMetrics
	TwoFactor   handlers.LoginFlow
	Setup       handlers.SetupFlow
	Verifier    middleware.TokenVerifier
	Database    DatabaseChecker
	Cache       CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	Ping(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	// X-Forwarded-For is honoured only from listed proxies; an empty list trusts none.
	if err := r.SetTrustedProxies(deps.Config.App.TrustedProxies); err != nil {
		if deps.Logger != nil {
			deps.Logger.Warn("invalid trusted proxies, forwarding headers ignored", zap.Error(err))
		}
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	if deps.Logger != nil {
		r.Use(middleware.Logger(deps.Logger))
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Handler())
	}
	if origins := deps.Config.App.AllowedOrigins; len(origins) > 0 {
		r.Use(middleware.CORS(origins))
	}

	healthOptions := make([]handlers.HealthOption, 0, 2)
	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("database", deps.Database.Ping))
	}
	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.Ping))
	}
	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1/2fa")
	if deps.TwoFactor != nil {
		handlers.NewTwoFactorHandler(deps.TwoFactor).RegisterRoutes(api, buildLoginMiddlewares(deps)...)
	}
	// Setup routes act on the caller's own account and are only mounted behind token verification.
	if deps.Setup != nil && deps.Verifier != nil {
		setupMiddlewares := append([]gin.HandlerFunc{middleware.RequireAuth(deps.Verifier)}, buildSetupMiddlewares(deps)...)
		handlers.NewSetupHandler(deps.Setup).RegisterRoutes(api, setupMiddlewares...)
	}

	return r
}

func buildLoginMiddlewares(deps Dependencies) []gin.HandlerFunc {
	rule, ok := windowRule(deps, "twofactor_login_ip", deps.Config.RateLimit.VerifyMaxRequests, middleware.ClientIPIdentifier())
	if !ok {
		return nil
	}
	return []gin.HandlerFunc{deps.RateLimiter.RateLimit(rule)}
}

func buildSetupMiddlewares(deps Dependencies) []gin.HandlerFunc {
	rule, ok := windowRule(deps, "twofactor_setup_subject", deps.Config.RateLimit.SetupMaxRequests, middleware.SubjectIdentifier())
	if !ok {
		return nil
	}
	return []gin.HandlerFunc{deps.RateLimiter.RateLimit(rule)}
}

func windowRule(deps Dependencies, name string, limit int, id middleware.IdentifierFunc) (middleware.RateLimitRule, bool) {
	if deps.RateLimiter == nil || limit <= 0 {
		return middleware.RateLimitRule{}, false
	}
	window := deps.Config.RateLimit.WindowDuration
	if window <= 0 {
		window = time.Minute
	}
	return middleware.RateLimitRule{
		Name:       name,
		Limit:      limit,
		Window:     window,
		Identifier: id,
	}, true
}
