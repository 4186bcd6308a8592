package jobs

import (
	"context"
	"fmt"
	"time"

	"chat-server/internal/observability"

	"github.com/hibiken/asynq"
)

// Enqueuer is the job submission surface processors depend on. The concrete
// Client enqueues to Redis; tests substitute an in-memory fake.
type Enqueuer interface {
	EnqueueProcessIncoming(ctx context.Context, payload ProcessIncomingPayload) error
	EnqueueSendMessage(ctx context.Context, payload SendMessagePayload) error
	EnqueueCampaignStart(ctx context.Context, payload CampaignStartPayload, delay time.Duration) error
	EnqueueCampaignSend(ctx context.Context, payload CampaignSendPayload) error
	EnqueueTranscribe(ctx context.Context, payload TranscribePayload) error
	EnqueueSuggest(ctx context.Context, payload SuggestPayload) error
	EnqueueSentiment(ctx context.Context, payload SentimentPayload) error
	EnqueueChatbot(ctx context.Context, payload ChatbotPayload) error
}

// Client handles enqueueing background jobs
type Client struct {
	client *asynq.Client
	logger *observability.Logger
}

// NewClient creates a new job client
func NewClient(redisAddr string, logger *observability.Logger) *Client {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	return &Client{
		client: client,
		logger: logger,
	}
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, err error, kind string) error {
	if err != nil {
		c.logger.Error(ctx, fmt.Sprintf("failed to create %s task", kind), err)
		return fmt.Errorf("failed to create %s task: %w", kind, err)
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		c.logger.Error(ctx, fmt.Sprintf("failed to enqueue %s task", kind), err)
		return fmt.Errorf("failed to enqueue %s task: %w", kind, err)
	}
	c.logger.Info(ctx, fmt.Sprintf("enqueued %s task: %s (queue: %s)", kind, info.ID, info.Queue))
	return nil
}

// EnqueueProcessIncoming enqueues a webhook processing job
func (c *Client) EnqueueProcessIncoming(ctx context.Context, payload ProcessIncomingPayload) error {
	task, err := NewProcessIncomingTask(payload)
	return c.enqueue(ctx, task, err, "process incoming")
}

// EnqueueSendMessage enqueues a message send job
func (c *Client) EnqueueSendMessage(ctx context.Context, payload SendMessagePayload) error {
	task, err := NewSendMessageTask(payload)
	return c.enqueue(ctx, task, err, "send message")
}

// EnqueueCampaignStart enqueues a campaign start job, delayed until the
// campaign's scheduled time when delay is positive.
func (c *Client) EnqueueCampaignStart(ctx context.Context, payload CampaignStartPayload, delay time.Duration) error {
	task, err := NewCampaignStartTask(payload, delay)
	return c.enqueue(ctx, task, err, "campaign start")
}

// EnqueueCampaignSend enqueues a per-recipient campaign send job
func (c *Client) EnqueueCampaignSend(ctx context.Context, payload CampaignSendPayload) error {
	task, err := NewCampaignSendTask(payload)
	return c.enqueue(ctx, task, err, "campaign send")
}

// EnqueueTranscribe enqueues an audio transcription job
func (c *Client) EnqueueTranscribe(ctx context.Context, payload TranscribePayload) error {
	task, err := NewTranscribeTask(payload)
	return c.enqueue(ctx, task, err, "transcribe")
}

// EnqueueSuggest enqueues a reply suggestion job
func (c *Client) EnqueueSuggest(ctx context.Context, payload SuggestPayload) error {
	task, err := NewSuggestTask(payload)
	return c.enqueue(ctx, task, err, "suggest")
}

// EnqueueSentiment enqueues a sentiment classification job
func (c *Client) EnqueueSentiment(ctx context.Context, payload SentimentPayload) error {
	task, err := NewSentimentTask(payload)
	return c.enqueue(ctx, task, err, "sentiment")
}

// EnqueueChatbot enqueues a bot auto-reply job
func (c *Client) EnqueueChatbot(ctx context.Context, payload ChatbotPayload) error {
	task, err := NewChatbotTask(payload)
	return c.enqueue(ctx, task, err, "chatbot")
}
