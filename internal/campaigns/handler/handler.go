package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chat-server/internal/campaigns/processor"
	"chat-server/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Handler struct {
	processor processor.CampaignProcessor
	logger    *observability.Logger
}

func New(processor processor.CampaignProcessor, logger *observability.Logger) Handler {
	return Handler{
		processor: processor,
		logger:    logger,
	}
}

// ScheduleRequest represents the HTTP request for scheduling a campaign
type ScheduleRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at"`
}

// HandleSchedule handles POST /api/v1/campaigns/:campaign_id/schedule
func (h *Handler) HandleSchedule(c *gin.Context) {
	ctx := c.Request.Context()

	campaignID, err := uuid.Parse(c.Param("campaign_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid campaign id"})
		return
	}

	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var scheduledAt time.Time
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}

	if err := h.processor.Schedule(ctx, campaignID, scheduledAt); err != nil {
		h.respondError(c, err, "failed to schedule campaign")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "scheduled"})
}

// HandlePause handles POST /api/v1/campaigns/:campaign_id/pause
func (h *Handler) HandlePause(c *gin.Context) {
	h.transition(c, h.processor.Pause, "paused")
}

// HandleResume handles POST /api/v1/campaigns/:campaign_id/resume
func (h *Handler) HandleResume(c *gin.Context) {
	h.transition(c, h.processor.Resume, "running")
}

// HandleCancel handles POST /api/v1/campaigns/:campaign_id/cancel
func (h *Handler) HandleCancel(c *gin.Context) {
	h.transition(c, h.processor.Cancel, "cancelled")
}

func (h *Handler) transition(c *gin.Context, apply func(ctx context.Context, campaignID uuid.UUID) error, status string) {
	ctx := c.Request.Context()

	campaignID, err := uuid.Parse(c.Param("campaign_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid campaign id"})
		return
	}

	if err := apply(ctx, campaignID); err != nil {
		h.respondError(c, err, "failed to transition campaign")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *Handler) respondError(c *gin.Context, err error, logMsg string) {
	ctx := c.Request.Context()
	switch {
	case errors.Is(err, processor.ErrCampaignNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
	case errors.Is(err, processor.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(ctx, logMsg, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
