package processor

import (
	"context"
	"errors"
	"fmt"

	"chat-server/internal/clients/meta"
	"chat-server/internal/events"
	"chat-server/internal/jobs"
	"chat-server/internal/observability"
	"chat-server/internal/store"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// DeliveryStore defines the database operations required by DeliveryProcessor
type DeliveryStore interface {
	GetChannelByID(ctx context.Context, id uuid.UUID) (store.Channel, error)
	GetMessageByID(ctx context.Context, id uuid.UUID) (store.Message, error)
	SetMessageExternalID(ctx context.Context, id uuid.UUID, externalID, status string) error
	MarkMessageFailed(ctx context.Context, id uuid.UUID, errorMessage string) error

	GetConversationByID(ctx context.Context, id uuid.UUID) (store.Conversation, error)
	AdvanceRecipientStatus(ctx context.Context, campaignID, contactID uuid.UUID, status string) (bool, error)
	IncrementCampaignCounter(ctx context.Context, id uuid.UUID, counter string) error
}

// MetaSender sends through the Meta Graph API.
type MetaSender interface {
	SendWhatsAppMessage(ctx context.Context, phoneNumberID, to string, msg meta.OutboundMessage) (string, error)
	SendPageMessage(ctx context.Context, pageID, recipientID string, msg meta.OutboundMessage) (string, error)
}

// BridgeSender sends through an unofficial WhatsApp bridge instance.
type BridgeSender interface {
	SendText(ctx context.Context, instance, number, text string) (string, error)
	SendMedia(ctx context.Context, instance, number, mediaType, mediaURL, caption string) (string, error)
}

// EmailSender delivers email-channel messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, htmlContent string) (string, error)
}

var (
	ErrUnsupportedProvider = errors.New("unsupported channel provider")
	ErrMissingRecipient    = errors.New("missing recipient address")
)

// DeliveryProcessor dispatches outbound messages to the provider matching the
// channel and records the provider's message id so later receipts can be
// correlated.
type DeliveryProcessor struct {
	store     DeliveryStore
	meta      MetaSender
	bridge    BridgeSender
	mail      EmailSender
	publisher *events.Publisher
	logger    *observability.Logger
}

func New(
	store DeliveryStore,
	meta MetaSender,
	bridge BridgeSender,
	mail EmailSender,
	publisher *events.Publisher,
	logger *observability.Logger,
) DeliveryProcessor {
	return DeliveryProcessor{
		store:     store,
		meta:      meta,
		bridge:    bridge,
		mail:      mail,
		publisher: publisher,
		logger:    logger,
	}
}

// Send delivers one outbound message. A message that already carries a
// provider id is a no-op, so a retry after a partially applied attempt never
// double-sends. On the final failed attempt the message is marked failed and
// the error is swallowed so the task does not land in the archive with the
// row still pending.
func (p *DeliveryProcessor) Send(ctx context.Context, payload jobs.SendMessagePayload) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "account_id", Value: payload.AccountID.String()},
		observability.Field{Key: "message_id", Value: payload.MessageID.String()},
		observability.Field{Key: "channel_id", Value: payload.ChannelID.String()},
	)

	message, err := p.store.GetMessageByID(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn(ctx, "send job for unknown message, dropping")
			return nil
		}
		return err
	}
	if message.ExternalID != nil && *message.ExternalID != "" {
		p.logger.Info(ctx, "message already delivered to provider, skipping")
		return nil
	}

	channel, err := p.store.GetChannelByID(ctx, payload.ChannelID)
	if err != nil {
		return p.failOrRetry(ctx, message, fmt.Errorf("failed to load channel: %w", err))
	}

	externalID, err := p.dispatch(ctx, channel, payload)
	if err != nil {
		return p.failOrRetry(ctx, message, err)
	}

	if err := p.store.SetMessageExternalID(ctx, payload.MessageID, externalID, store.MessageStatusSent); err != nil {
		return err
	}

	p.logger.Info(ctx, "message delivered to provider",
		observability.Field{Key: "external_message_id", Value: externalID},
	)
	p.publisher.PublishMessageUpdated(ctx, payload.AccountID, payload.MessageID, store.MessageStatusSent)
	return nil
}

func (p *DeliveryProcessor) dispatch(ctx context.Context, channel store.Channel, payload jobs.SendMessagePayload) (string, error) {
	content := meta.OutboundMessage{
		Type:           payload.Message.Type,
		Content:        payload.Message.Content,
		MediaURL:       payload.Message.MediaURL,
		TemplateID:     payload.Message.TemplateID,
		TemplateParams: payload.Message.TemplateParams,
	}

	switch channel.Provider {
	case store.ChannelProviderWhatsAppCloud:
		if payload.RecipientPhone == "" {
			return "", ErrMissingRecipient
		}
		return p.meta.SendWhatsAppMessage(ctx, channel.LookupKey, payload.RecipientPhone, content)

	case store.ChannelProviderWhatsAppBridge:
		if payload.RecipientPhone == "" {
			return "", ErrMissingRecipient
		}
		if payload.Message.MediaURL != "" {
			return p.bridge.SendMedia(ctx, channel.LookupKey, payload.RecipientPhone,
				payload.Message.Type, payload.Message.MediaURL, payload.Message.Content)
		}
		return p.bridge.SendText(ctx, channel.LookupKey, payload.RecipientPhone, payload.Message.Content)

	case store.ChannelProviderInstagram, store.ChannelProviderMessenger:
		if payload.RecipientExternalID == "" {
			return "", ErrMissingRecipient
		}
		return p.meta.SendPageMessage(ctx, channel.LookupKey, payload.RecipientExternalID, content)

	case store.ChannelProviderEmail:
		if payload.RecipientExternalID == "" {
			return "", ErrMissingRecipient
		}
		return p.mail.SendEmail(ctx, payload.RecipientExternalID, emailSubject(channel), payload.Message.Content)

	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, channel.Provider)
	}
}

func emailSubject(channel store.Channel) string {
	if subject, ok := channel.Config["email_subject"].(string); ok && subject != "" {
		return subject
	}
	return fmt.Sprintf("New message from %s", channel.Name)
}

// failOrRetry returns the error for redelivery while retries remain; once the
// budget is spent it marks the message failed and swallows the error. A
// context without task metadata (direct invocation) is treated as the final
// attempt.
func (p *DeliveryProcessor) failOrRetry(ctx context.Context, message store.Message, sendErr error) error {
	retryCount, okCount := asynq.GetRetryCount(ctx)
	maxRetry, okMax := asynq.GetMaxRetry(ctx)
	if okCount && okMax && retryCount < maxRetry {
		p.logger.Warn(ctx, fmt.Sprintf("send attempt %d/%d failed, will retry: %v", retryCount+1, maxRetry+1, sendErr))
		return sendErr
	}

	p.logger.Error(ctx, "send failed permanently", sendErr)
	if err := p.store.MarkMessageFailed(ctx, message.ID, sendErr.Error()); err != nil {
		return err
	}
	p.publisher.PublishMessageUpdated(ctx, message.AccountID, message.ID, store.MessageStatusFailed)
	return p.failCampaignRecipient(ctx, message)
}

// failCampaignRecipient forwards a permanent send failure to the campaign
// recipient the message was produced for, so campaign stats count provider
// rejections and not just receipt-reported failures.
func (p *DeliveryProcessor) failCampaignRecipient(ctx context.Context, message store.Message) error {
	rawCampaignID, ok := message.Metadata["campaign_id"].(string)
	if !ok {
		return nil
	}
	campaignID, err := uuid.Parse(rawCampaignID)
	if err != nil {
		return nil
	}

	conversation, err := p.store.GetConversationByID(ctx, message.ConversationID)
	if err != nil {
		return err
	}

	advanced, err := p.store.AdvanceRecipientStatus(ctx, campaignID, conversation.ContactID, store.RecipientStatusFailed)
	if err != nil {
		return err
	}
	if advanced {
		return p.store.IncrementCampaignCounter(ctx, campaignID, store.RecipientStatusFailed)
	}
	return nil
}
