package handler

import (
	"io"
	"net/http"

	"chat-server/internal/jobs"
	"chat-server/internal/observability"
	"chat-server/internal/store"

	"github.com/gin-gonic/gin"
)

// Providers accepted on the webhook path. Anything else 404s before touching
// the queue.
var knownProviders = map[string]string{
	"whatsapp":  store.ChannelProviderWhatsAppCloud,
	"bridge":    store.ChannelProviderWhatsAppBridge,
	"instagram": store.ChannelProviderInstagram,
	"messenger": store.ChannelProviderMessenger,
}

// Handler terminates provider webhooks. It does no parsing beyond reading the
// body: payloads are acknowledged immediately and all real work happens in
// the webhook queue.
type Handler struct {
	enqueuer        jobs.Enqueuer
	metaVerifyToken string
	logger          *observability.Logger
}

func New(enqueuer jobs.Enqueuer, metaVerifyToken string, logger *observability.Logger) Handler {
	return Handler{
		enqueuer:        enqueuer,
		metaVerifyToken: metaVerifyToken,
		logger:          logger,
	}
}

// HandleVerification handles GET /api/v1/webhooks/:provider, the Meta
// subscription handshake: echo the challenge when the verify token matches,
// 403 otherwise.
func (h *Handler) HandleVerification(c *gin.Context) {
	ctx := c.Request.Context()

	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || token != h.metaVerifyToken {
		h.logger.Warn(ctx, "webhook verification rejected",
			observability.Field{Key: "provider", Value: c.Param("provider")},
			observability.Field{Key: "mode", Value: mode},
		)
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}

	c.String(http.StatusOK, challenge)
}

// HandleIncoming handles POST /api/v1/webhooks/:provider. The raw body is
// enqueued untouched; a malformed payload is the worker's problem, not the
// provider's, so anything readable gets a 200.
func (h *Handler) HandleIncoming(c *gin.Context) {
	ctx := c.Request.Context()

	provider, ok := knownProviders[c.Param("provider")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	ctx = observability.WithFields(ctx, observability.Field{Key: "provider", Value: provider})

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error(ctx, "failed to read webhook body", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	err = h.enqueuer.EnqueueProcessIncoming(ctx, jobs.ProcessIncomingPayload{
		Provider:   provider,
		RawPayload: body,
	})
	if err != nil {
		// 500 so the provider redelivers instead of dropping the event.
		h.logger.Error(ctx, "failed to enqueue webhook", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept webhook"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
