package handler

import (
	"net/http"

	"cardledger/internal/config"
	"cardledger/internal/metrics"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, cfg *config.Config, m *metrics.Metrics) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(h.log))
	r.Use(LoggerMiddleware(h.log))
	r.Use(CORSMiddleware())

	// 渠道回调，签名校验代替登录
	webhook := r.Group("/webhook/card", WebhookSignatureMiddleware(cfg.Webhook, h.log))
	{
		webhook.POST("/auth-callback", h.AuthCallback)
		webhook.POST("/settle-callback", h.SettleCallback)
		webhook.POST("/settlement-callback", h.SettleCallback)
	}

	api := r.Group("/api/v1", AuthMiddleware(NewTokenVerifier(cfg.Auth.JWTSecret), h.store))
	{
		api.GET("/dashboard", h.GetDashboard)

		balance := api.Group("/balance")
		{
			balance.POST("/recharge", h.Recharge)
			balance.POST("/withdraw", h.Withdraw)
			balance.POST("/transfer", h.Transfer)
			balance.GET("/flows", h.ListFlows)
		}

		txn := api.Group("/transactions")
		{
			txn.POST("/compensation-recharge/:txnId", h.CompensationRecharge)
			txn.POST("/retry-withdrawal/:txnId", h.RetryWithdrawal)
			txn.POST("/free-pass/:txnId", h.FreePass)
		}

		scheduler := api.Group("/scheduler")
		{
			scheduler.GET("/status", h.GetSchedulerStatus)
			scheduler.POST("/trigger/:job", h.TriggerJob)
			scheduler.POST("/sync", h.SyncRange)
		}

		cards := api.Group("/cards")
		{
			cards.POST("", h.CreateCard)
			cards.POST("/:cardId/recharge", h.RechargeCard)
			cards.POST("/:cardId/withdraw", h.WithdrawCard)
			cards.POST("/:cardId/toggle-freeze", h.ToggleFreeze)
			cards.DELETE("/:cardId", h.ReleaseCard)
		}
	}

	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
