package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chat-server/internal/observability"
	"chat-server/internal/store"

	"github.com/google/uuid"
)

// BroadcastChannel is the single well-known pub/sub channel all event types
// are published on. Consumers filter by the envelope type field.
const BroadcastChannel = "broadcast"

// Event type constants
const (
	TypeNewMessage          = "new message"
	TypeNewConversation     = "new conversation"
	TypeConversationUpdated = "conversation update"
	TypeMessageUpdated      = "message update"
	TypeChannelUpdated      = "channel update"
	TypeAITranscription     = "ai.transcription"
	TypeAISuggestions       = "ai.suggestions"
	TypeAISentiment         = "ai.sentiment"
	TypeAIChatbot           = "ai.chatbot"
)

// Broker is the publish primitive the broadcaster writes to.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Publisher fans domain events out to real-time subscribers. Publishing is
// fire-and-forget; a broker error is logged, never propagated, because
// notification must not fail the pipeline that produced it.
type Publisher struct {
	broker Broker
	logger *observability.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(broker Broker, logger *observability.Logger) *Publisher {
	return &Publisher{
		broker: broker,
		logger: logger,
	}
}

// Publish wraps the payload in the broadcast envelope and publishes it.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload map[string]interface{}) {
	envelope := map[string]interface{}{
		"type":      eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range payload {
		envelope[k] = v
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal broadcast event", err)
		return
	}

	if err := p.broker.Publish(ctx, BroadcastChannel, data); err != nil {
		p.logger.Error(ctx, fmt.Sprintf("failed to publish %s event", eventType), err)
		return
	}
}

// PublishNewMessage publishes a new message event
func (p *Publisher) PublishNewMessage(ctx context.Context, message store.Message) {
	p.Publish(ctx, TypeNewMessage, map[string]interface{}{
		"account_id":      message.AccountID.String(),
		"conversation_id": message.ConversationID.String(),
		"message_id":      message.ID.String(),
		"sender_type":     message.SenderType,
		"direction":       message.Direction,
		"message_type":    message.Type,
	})
}

// PublishNewConversation publishes a new conversation event
func (p *Publisher) PublishNewConversation(ctx context.Context, conversation store.Conversation) {
	p.Publish(ctx, TypeNewConversation, map[string]interface{}{
		"account_id":      conversation.AccountID.String(),
		"conversation_id": conversation.ID.String(),
		"channel_id":      conversation.ChannelID.String(),
		"contact_id":      conversation.ContactID.String(),
		"status":          conversation.Status,
	})
}

// PublishConversationUpdated publishes a conversation update event
func (p *Publisher) PublishConversationUpdated(ctx context.Context, conversation store.Conversation) {
	p.Publish(ctx, TypeConversationUpdated, map[string]interface{}{
		"account_id":      conversation.AccountID.String(),
		"conversation_id": conversation.ID.String(),
		"status":          conversation.Status,
	})
}

// PublishMessageUpdated publishes a message status update event
func (p *Publisher) PublishMessageUpdated(ctx context.Context, accountID, messageID uuid.UUID, status string) {
	p.Publish(ctx, TypeMessageUpdated, map[string]interface{}{
		"account_id": accountID.String(),
		"message_id": messageID.String(),
		"status":     status,
	})
}

// PublishChannelUpdated publishes a channel connection state event
func (p *Publisher) PublishChannelUpdated(ctx context.Context, accountID, channelID uuid.UUID, active bool) {
	p.Publish(ctx, TypeChannelUpdated, map[string]interface{}{
		"account_id": accountID.String(),
		"channel_id": channelID.String(),
		"is_active":  active,
	})
}
