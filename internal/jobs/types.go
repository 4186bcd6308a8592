package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Job type constants
const (
	TypeProcessIncoming = "webhook:process_incoming"
	TypeSendMessage     = "message:send"
	TypeCampaignStart   = "campaign:start"
	TypeCampaignSend    = "campaign:send"
	TypeAITranscribe    = "ai:transcribe"
	TypeAISuggest       = "ai:suggest"
	TypeAISentiment     = "ai:sentiment"
	TypeAIChatbot       = "ai:chatbot"
)

// Queue names. Each queue is served by its own worker pool with bounded
// concurrency so provider and model rate limits are respected.
const (
	QueueWebhooks  = "webhooks"
	QueueMessages  = "messages"
	QueueCampaigns = "campaigns"
	QueueAI        = "ai"
)

// Retry budgets per job family. Webhook payloads are highly variable and
// transient parse-time failures are common, so they get the largest budget;
// AI retries are capped because further attempts are not worth the latency.
const (
	maxRetryWebhook  = 4 // 5 attempts total
	maxRetrySend     = 2 // 3 attempts total
	maxRetryCampaign = 2 // 3 attempts total
	maxRetryAI       = 1 // 2 attempts total
)

// ProcessIncomingPayload carries a raw provider webhook into the worker,
// where parsing, channel resolution and ingestion happen off the request path.
type ProcessIncomingPayload struct {
	Provider   string          `json:"provider"`
	RawPayload json.RawMessage `json:"raw_payload"`
}

// NewProcessIncomingTask creates a webhook processing task
func NewProcessIncomingTask(payload ProcessIncomingPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeProcessIncoming, data, asynq.Queue(QueueWebhooks), asynq.MaxRetry(maxRetryWebhook)), nil
}

// OutboundContent is the canonical message body carried by send jobs.
type OutboundContent struct {
	Type           string                 `json:"type"`
	Content        string                 `json:"content,omitempty"`
	MediaURL       string                 `json:"media_url,omitempty"`
	TemplateID     string                 `json:"template_id,omitempty"`
	TemplateParams map[string]interface{} `json:"template_params,omitempty"`
}

// SendMessagePayload dispatches one outbound message to a provider API.
type SendMessagePayload struct {
	AccountID           uuid.UUID       `json:"account_id"`
	ConversationID      uuid.UUID       `json:"conversation_id"`
	MessageID           uuid.UUID       `json:"message_id"`
	ChannelID           uuid.UUID       `json:"channel_id"`
	ChannelType         string          `json:"channel_type"`
	Message             OutboundContent `json:"message"`
	RecipientPhone      string          `json:"recipient_phone,omitempty"`
	RecipientExternalID string          `json:"recipient_external_id,omitempty"`
}

// NewSendMessageTask creates a message send task
func NewSendMessageTask(payload SendMessagePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeSendMessage, data, asynq.Queue(QueueMessages), asynq.MaxRetry(maxRetrySend)), nil
}

// CampaignStartPayload kicks off the fan-out for one campaign. Type names the
// job kind inside the payload itself, mirroring the task type, so the payload
// stays self-describing when inspected outside the queue.
type CampaignStartPayload struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	AccountID  uuid.UUID `json:"account_id"`
	Type       string    `json:"type"`
}

// NewCampaignStartTask creates a campaign start task, optionally delayed
// until the campaign's scheduled time.
func NewCampaignStartTask(payload CampaignStartPayload, delay time.Duration) (*asynq.Task, error) {
	payload.Type = TypeCampaignStart
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(QueueCampaigns), asynq.MaxRetry(maxRetryCampaign)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	return asynq.NewTask(TypeCampaignStart, data, opts...), nil
}

// ContactRef identifies a campaign recipient without a second lookup.
type ContactRef struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
}

// CampaignSendPayload delivers the campaign content to a single recipient.
type CampaignSendPayload struct {
	CampaignID     uuid.UUID              `json:"campaign_id"`
	AccountID      uuid.UUID              `json:"account_id"`
	ChannelID      uuid.UUID              `json:"channel_id"`
	ChannelType    string                 `json:"channel_type"`
	Contact        ContactRef             `json:"contact"`
	Content        string                 `json:"content,omitempty"`
	TemplateID     string                 `json:"template_id,omitempty"`
	TemplateParams map[string]interface{} `json:"template_params,omitempty"`
}

// NewCampaignSendTask creates a per-recipient campaign send task
func NewCampaignSendTask(payload CampaignSendPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCampaignSend, data, asynq.Queue(QueueCampaigns), asynq.MaxRetry(maxRetryCampaign)), nil
}

// TranscribePayload requests transcription of an audio message.
type TranscribePayload struct {
	AccountID uuid.UUID `json:"account_id"`
	MessageID uuid.UUID `json:"message_id"`
	AudioURL  string    `json:"audio_url"`
	Language  string    `json:"language,omitempty"`
}

// NewTranscribeTask creates an audio transcription task
func NewTranscribeTask(payload TranscribePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAITranscribe, data, asynq.Queue(QueueAI), asynq.MaxRetry(maxRetryAI)), nil
}

// SuggestPayload requests reply suggestions for a conversation.
type SuggestPayload struct {
	AccountID      uuid.UUID `json:"account_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

// NewSuggestTask creates a reply suggestion task
func NewSuggestTask(payload SuggestPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAISuggest, data, asynq.Queue(QueueAI), asynq.MaxRetry(maxRetryAI)), nil
}

// SentimentPayload requests sentiment classification of one message.
type SentimentPayload struct {
	AccountID uuid.UUID `json:"account_id"`
	MessageID uuid.UUID `json:"message_id"`
	Content   string    `json:"content"`
}

// NewSentimentTask creates a sentiment classification task
func NewSentimentTask(payload SentimentPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAISentiment, data, asynq.Queue(QueueAI), asynq.MaxRetry(maxRetryAI)), nil
}

// ChatbotPayload requests an automatic bot reply to an inbound message.
type ChatbotPayload struct {
	AccountID      uuid.UUID `json:"account_id"`
	ChatbotID      uuid.UUID `json:"chatbot_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	Content        string    `json:"content"`
}

// NewChatbotTask creates a bot auto-reply task
func NewChatbotTask(payload ChatbotPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeAIChatbot, data, asynq.Queue(QueueAI), asynq.MaxRetry(maxRetryAI)), nil
}
