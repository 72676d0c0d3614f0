package router

import (
	"time"

	"elimustore/config"
	"elimustore/internal/fingerprint"
	"elimustore/internal/handler"
	"elimustore/internal/middleware"
	"elimustore/internal/repository"
	"elimustore/internal/service"
	"elimustore/pkg/cache"
	"elimustore/pkg/metrics"
	"elimustore/pkg/payment"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Setup wires repositories, services and handlers into the HTTP surface.
// redisClient may be nil; the fingerprint cache then runs in memory.
func Setup(db *gorm.DB, cfg *config.Config, redisClient *redis.Client) *gin.Engine {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	userRepo := repository.NewUserRepository(db)
	productRepo := repository.NewProductRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	logRepo := repository.NewDownloadLogRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)

	var uaCache cache.Cache
	if redisClient != nil {
		uaCache = cache.NewRedisCache(redisClient, "elimustore")
	} else {
		uaCache = cache.NewMemoryCache()
	}

	storeMetrics := metrics.NewStoreMetrics()
	provider := payment.NewMpesaProvider(
		cfg.Mpesa.BaseURL,
		cfg.Mpesa.ConsumerKey,
		cfg.Mpesa.ConsumerSecret,
		cfg.Mpesa.ShortCode,
		cfg.Mpesa.Passkey,
		cfg.Mpesa.CallbackURL,
		cfg.Mpesa.Timeout,
	)

	authSvc := service.NewAuthService(cfg, userRepo)
	entitlementSvc := service.NewEntitlementService(orderRepo, cfg.Download.LinkLifetime, cfg.Download.DefaultLimit)
	notificationSvc := service.NewNotificationService(notificationRepo)
	paymentSvc := service.NewPaymentService(paymentRepo, orderRepo, entitlementSvc, notificationSvc, provider, storeMetrics)
	extractor := fingerprint.NewExtractor(uaCache, cfg.Download.UACacheTTL)

	authHandler := handler.NewAuthHandler(authSvc)
	orderHandler := handler.NewOrderHandler(orderRepo, productRepo, userRepo, paymentSvc)
	paymentHandler := handler.NewPaymentHandler(paymentSvc, paymentRepo)
	webhookHandler := handler.NewMpesaWebhookHandler(paymentSvc, storeMetrics)
	downloadHandler := handler.NewDownloadHandler(
		entitlementSvc, productRepo, logRepo, extractor, storeMetrics,
		cfg.Storage.Root, cfg.Download.RiskThreshold,
	)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	downloadLimiter := middleware.NewInMemoryRateLimiter(30, time.Minute)
	paymentLimiter := middleware.NewInMemoryRateLimiter(10, time.Minute)

	api := r.Group("/api/v1")
	{
		api.POST("/auth/login", authHandler.Login)

		// Callback is provider-facing: unauthenticated but rate limited.
		api.POST("/payments/mpesa/callback", middleware.RateLimit(paymentLimiter, middleware.KeyByIP), webhookHandler.Callback)

		authed := api.Group("", middleware.AuthRequired(&cfg.JWT))
		{
			orders := authed.Group("/orders")
			{
				orders.POST("/quick-checkout", orderHandler.QuickCheckout)
				orders.GET("", orderHandler.List)
				orders.GET("/:id", orderHandler.Get)
				orders.POST("/:id/cancel", orderHandler.Cancel)
				orders.POST("/:id/process-free", orderHandler.ProcessFree)
				orders.POST("/:id/refund", orderHandler.RequestRefund)
			}

			payments := authed.Group("/payments")
			{
				payments.POST("/initiate", middleware.RateLimit(paymentLimiter, middleware.KeyByUser), paymentHandler.Initiate)
				payments.GET("/:id/status", paymentHandler.Status)
				payments.POST("/:id/retry", middleware.RateLimit(paymentLimiter, middleware.KeyByUser), paymentHandler.Retry)
				payments.GET("/history", paymentHandler.History)
			}

			authed.GET("/downloads/:token", middleware.RateLimit(downloadLimiter, middleware.KeyByUser), downloadHandler.Download)

			admin := authed.Group("/admin", middleware.RequireRole("admin"))
			{
				admin.POST("/orders/:id/refund", orderHandler.Refund)
			}
		}
	}

	return r
}
