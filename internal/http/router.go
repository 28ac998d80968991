package http

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/geocoder89/manifold/internal/auth"
	"github.com/geocoder89/manifold/internal/config"
	"github.com/geocoder89/manifold/internal/http/handlers"
	"github.com/geocoder89/manifold/internal/http/middlewares"
	"github.com/geocoder89/manifold/internal/queue/redisclient"
	"github.com/geocoder89/manifold/internal/repo/postgres"
	"github.com/geocoder89/manifold/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewRouter wires the admin HTTP surface over the scheduler store: operator
// auth (signup/login/refresh), then Manifests/ManifestGroups/DeadLetters/
// WorkQueue/Dag behind JWT auth and role-based access control, following
// the teacher's middleware stack unchanged.
func NewRouter(log *slog.Logger, pool *pgxpool.Pool, db store.Store, cfg config.Config) *gin.Engine {
	cfgEnv := os.Getenv("APP_ENV")
	if cfgEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	redis := redisclient.New(redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.CORSMiddleware([]string{
		"http://localhost:3000",
	}))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(1 << 20))
	r.Use(middlewares.RequireJSON())

	readyCheck := func() error {
		if pool != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		return redis.Ping(ctx)
	}

	h := handlers.NewHealthHandler(readyCheck)

	usersRepo := postgres.NewUsersRepo(pool)
	refreshTokensRepo := postgres.NewRefreshTokensRepo(pool)

	jwtManager := auth.NewManager(
		cfg.JWTSecret,
		time.Duration(cfg.JWTAccessTTLMinutes)*time.Minute,
		time.Duration(cfg.JWTRefreshTTLDays)*24*time.Hour,
	)

	manifestsHandler := handlers.NewManifestsHandler(db)
	manifestGroupsHandler := handlers.NewManifestGroupsHandler(db)
	deadLettersHandler := handlers.NewDeadLettersHandler(db)
	workQueueHandler := handlers.NewWorkQueueHandler(db)
	metadataHandler := handlers.NewMetadataHandler(db)
	dagHandler := handlers.NewDagHandler(db)
	authHandler := handlers.NewAuthHandler(usersRepo, usersRepo, jwtManager, refreshTokensRepo, cfg)
	authMiddleware := middlewares.NewAuthMiddleware(jwtManager)

	loginLimiter := middlewares.NewRateLimiter(5, 1*time.Minute)
	signupLimiter := middlewares.NewRateLimiter(3, 1*time.Minute)
	refreshLimiter := middlewares.NewRateLimiter(10, 1*time.Minute)
	adminLimiter := middlewares.NewRateLimiter(120, 1*time.Minute)

	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/docs", handlers.SwaggerUI)

	r.POST("/signup", signupLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.SignUp)
	r.POST("/login", loginLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.Login)
	r.POST("/auth/refresh", refreshLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.Refresh)
	r.POST("/auth/logout", authHandler.Logout)

	authed := r.Group("/")
	authed.Use(authMiddleware.RequireAuth())

	admin := authed.Group("/admin")
	admin.Use(authMiddleware.RequireRole("admin"))
	admin.Use(adminLimiter.RateLimiterMiddleware(middlewares.KeyByUserOrIP))
	{
		admin.GET("/manifests", manifestsHandler.List)
		admin.POST("/manifests", manifestsHandler.Create)
		admin.GET("/manifests/:id", manifestsHandler.GetByID)
		admin.PATCH("/manifests/:id/enabled", manifestsHandler.SetEnabled)

		admin.GET("/manifest-groups", manifestGroupsHandler.List)
		admin.POST("/manifest-groups", manifestGroupsHandler.Create)

		admin.GET("/dead-letters", deadLettersHandler.List)
		admin.POST("/dead-letters/:id/retry", deadLettersHandler.Retry)
		admin.POST("/dead-letters/:id/acknowledge", deadLettersHandler.Acknowledge)

		admin.GET("/work-queue", workQueueHandler.List)
		admin.DELETE("/work-queue/:id", workQueueHandler.Cancel)

		admin.POST("/metadata/:id/cancel", metadataHandler.Cancel)

		admin.GET("/dag", dagHandler.Get)
	}

	return r
}
