package workers

import (
	"context"
	"encoding/json"
	"fmt"

	aiProcessor "chat-server/internal/ai/processor"
	campaignProcessor "chat-server/internal/campaigns/processor"
	deliveryProcessor "chat-server/internal/delivery/processor"
	ingestProcessor "chat-server/internal/ingest/processor"
	"chat-server/internal/jobs"
	"chat-server/internal/observability"

	"github.com/hibiken/asynq"
)

// decode unmarshals a task payload. A payload that does not decode will never
// decode, so the task is dropped instead of retried.
func decode(t *asynq.Task, v interface{}) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

// WebhookWorker serves the webhooks queue.
type WebhookWorker struct {
	ingest *ingestProcessor.IngestProcessor
	logger *observability.Logger
}

func NewWebhookWorker(ingest *ingestProcessor.IngestProcessor, logger *observability.Logger) *WebhookWorker {
	return &WebhookWorker{ingest: ingest, logger: logger}
}

func (w *WebhookWorker) ProcessIncomingTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.ProcessIncomingPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	return w.ingest.ProcessIncoming(ctx, payload)
}

// MessageWorker serves the messages queue.
type MessageWorker struct {
	delivery *deliveryProcessor.DeliveryProcessor
	logger   *observability.Logger
}

func NewMessageWorker(delivery *deliveryProcessor.DeliveryProcessor, logger *observability.Logger) *MessageWorker {
	return &MessageWorker{delivery: delivery, logger: logger}
}

func (w *MessageWorker) ProcessSendMessageTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.SendMessagePayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	return w.delivery.Send(ctx, payload)
}

// CampaignWorker serves the campaigns queue.
type CampaignWorker struct {
	campaigns *campaignProcessor.CampaignProcessor
	logger    *observability.Logger
}

func NewCampaignWorker(campaigns *campaignProcessor.CampaignProcessor, logger *observability.Logger) *CampaignWorker {
	return &CampaignWorker{campaigns: campaigns, logger: logger}
}

func (w *CampaignWorker) ProcessCampaignStartTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.CampaignStartPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	return w.campaigns.Start(ctx, payload)
}

func (w *CampaignWorker) ProcessCampaignSendTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.CampaignSendPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	return w.campaigns.SendToRecipient(ctx, payload)
}

// AIWorker serves the ai queue.
type AIWorker struct {
	ai     *aiProcessor.AIProcessor
	logger *observability.Logger
}

func NewAIWorker(ai *aiProcessor.AIProcessor, logger *observability.Logger) *AIWorker {
	return &AIWorker{ai: ai, logger: logger}
}

func (w *AIWorker) ProcessTranscribeTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.TranscribePayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	return w.ai.Transcribe(ctx, payload)
}

func (w *AIWorker) ProcessSuggestTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.SuggestPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	return w.ai.Suggest(ctx, payload)
}

func (w *AIWorker) ProcessSentimentTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.SentimentPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	return w.ai.Sentiment(ctx, payload)
}

func (w *AIWorker) ProcessChatbotTask(ctx context.Context, t *asynq.Task) error {
	var payload jobs.ChatbotPayload
	if err := decode(t, &payload); err != nil {
		return err
	}
	return w.ai.Chatbot(ctx, payload)
}
