package api

import (
	"net/http"

	aiHandler "chat-server/internal/ai/handler"
	campaignHandler "chat-server/internal/campaigns/handler"
	"chat-server/internal/ratelimit"
	webhookHandler "chat-server/internal/webhooks/handler"

	"github.com/gin-gonic/gin"
)

type API struct {
	router          *gin.RouterGroup
	webhookHandler  webhookHandler.Handler
	campaignHandler campaignHandler.Handler
	aiHandler       aiHandler.Handler
	webhookLimiter  *ratelimit.Limiter
}

func New(router *gin.RouterGroup, webhookHandler webhookHandler.Handler, campaignHandler campaignHandler.Handler, aiHandler aiHandler.Handler, webhookLimiter *ratelimit.Limiter) API {
	return API{
		router:          router,
		webhookHandler:  webhookHandler,
		campaignHandler: campaignHandler,
		aiHandler:       aiHandler,
		webhookLimiter:  webhookLimiter,
	}
}

// RegisterRoutes wires all HTTP routes.
func (a *API) RegisterRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	v1 := a.router.Group("/api/v1")

	webhooks := v1.Group("/webhooks")
	webhooks.Use(a.webhookLimiter.Middleware())
	webhooks.GET("/:provider", a.webhookHandler.HandleVerification)
	webhooks.POST("/:provider", a.webhookHandler.HandleIncoming)

	campaigns := v1.Group("/campaigns")
	campaigns.POST("/:campaign_id/schedule", a.campaignHandler.HandleSchedule)
	campaigns.POST("/:campaign_id/pause", a.campaignHandler.HandlePause)
	campaigns.POST("/:campaign_id/resume", a.campaignHandler.HandleResume)
	campaigns.POST("/:campaign_id/cancel", a.campaignHandler.HandleCancel)

	conversations := v1.Group("/conversations")
	conversations.POST("/:conversation_id/suggestions", a.aiHandler.HandleSuggest)
}
