package handler

import (
	"context"
	"errors"
	"net/http"

	"chat-server/internal/jobs"
	"chat-server/internal/observability"
	"chat-server/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ConversationReader loads the conversation a suggestion request targets.
type ConversationReader interface {
	GetConversationByID(ctx context.Context, id uuid.UUID) (store.Conversation, error)
}

type Handler struct {
	store    ConversationReader
	enqueuer jobs.Enqueuer
	logger   *observability.Logger
}

func New(store ConversationReader, enqueuer jobs.Enqueuer, logger *observability.Logger) Handler {
	return Handler{
		store:    store,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// HandleSuggest handles POST /api/v1/conversations/:conversation_id/suggestions.
// Suggestion generation is queued, not inline: the response acks the request
// and the result arrives as an ai.suggestions broadcast.
func (h *Handler) HandleSuggest(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, err := uuid.Parse(c.Param("conversation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	conversation, err := h.store.GetConversationByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		h.logger.Error(ctx, "failed to load conversation for suggestions", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	err = h.enqueuer.EnqueueSuggest(ctx, jobs.SuggestPayload{
		AccountID:      conversation.AccountID,
		ConversationID: conversation.ID,
	})
	if err != nil {
		h.logger.Error(ctx, "failed to enqueue suggestion job", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
