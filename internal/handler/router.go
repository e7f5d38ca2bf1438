package handler

import (
	"creditsync/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
// 管理接口只在配置了 admin_token 时注册
func SetupRouter(h *Handler, cfg *config.ServerConfig, gatherer prometheus.Gatherer, log *zap.Logger) *gin.Engine {
	if cfg.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		api.POST("/webhooks/billing", h.BillingWebhook)

		if cfg.AdminToken != "" {
			admin := api.Group("/admin", AdminAuthMiddleware(cfg.AdminToken))
			{
				admin.GET("/accounts/:user_id", h.GetAccount)
				admin.GET("/accounts/:user_id/transactions", h.ListTransactions)
				admin.GET("/plans", h.ListPlans)
				admin.GET("/outbox/failed", h.ListFailedOutbox)
				admin.POST("/outbox/:id/requeue", h.RequeueOutbox)
			}
		} else {
			log.Info("未配置 server.admin_token，管理接口未启用")
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return r
}
