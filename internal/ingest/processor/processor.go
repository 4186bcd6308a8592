package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-server/internal/adapters"
	channels "chat-server/internal/channels/processor"
	"chat-server/internal/events"
	"chat-server/internal/jobs"
	"chat-server/internal/observability"
	"chat-server/internal/store"

	"github.com/google/uuid"
)

// IngestStore defines the database operations required by IngestProcessor
type IngestStore interface {
	// Contacts
	GetContactByPhone(ctx context.Context, accountID uuid.UUID, phone string) (store.Contact, error)
	GetContactByExternalID(ctx context.Context, accountID uuid.UUID, externalID string) (store.Contact, error)
	CreateContact(ctx context.Context, params store.CreateContactParams) (store.Contact, error)

	// Conversations
	GetConversationByID(ctx context.Context, id uuid.UUID) (store.Conversation, error)
	GetConversationByChannelAndContact(ctx context.Context, accountID, channelID, contactID uuid.UUID) (store.Conversation, error)
	CreateConversation(ctx context.Context, params store.CreateConversationParams) (store.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id uuid.UUID, status string) error
	TouchConversation(ctx context.Context, id uuid.UUID, lastMessageAt time.Time) error

	// Messages
	GetMessageByExternalID(ctx context.Context, accountID uuid.UUID, externalID string) (store.Message, error)
	CreateMessage(ctx context.Context, params store.CreateMessageParams) (store.Message, error)
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, status string) error

	// Campaign receipt linkage
	AdvanceRecipientStatus(ctx context.Context, campaignID, contactID uuid.UUID, status string) (bool, error)
	IncrementCampaignCounter(ctx context.Context, id uuid.UUID, counter string) error
}

// ChannelResolver resolves provider lookup keys and applies connection state.
type ChannelResolver interface {
	Resolve(ctx context.Context, provider, lookupKey string) (store.Channel, error)
	HandleConnectionState(ctx context.Context, provider string, change adapters.ConnectionStateChange) error
}

// IngestProcessor runs the inbound half of the pipeline: parse, resolve,
// persist, broadcast. All of it is idempotent under duplicate webhook
// delivery.
type IngestProcessor struct {
	store     IngestStore
	channels  ChannelResolver
	publisher *events.Publisher
	enqueuer  jobs.Enqueuer
	logger    *observability.Logger
}

func New(
	store IngestStore,
	channels ChannelResolver,
	publisher *events.Publisher,
	enqueuer jobs.Enqueuer,
	logger *observability.Logger,
) IngestProcessor {
	return IngestProcessor{
		store:     store,
		channels:  channels,
		publisher: publisher,
		enqueuer:  enqueuer,
		logger:    logger,
	}
}

// ProcessIncoming parses a raw provider webhook and runs every resulting
// event through the pipeline. Malformed payloads and unknown channels are
// logged no-ops: returning an error here would only cause redelivery storms
// for payloads that can never succeed.
func (p *IngestProcessor) ProcessIncoming(ctx context.Context, payload jobs.ProcessIncomingPayload) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "provider", Value: payload.Provider},
	)

	canonicalEvents, err := adapters.Parse(payload.Provider, payload.RawPayload)
	if err != nil {
		p.logger.Warn(ctx, fmt.Sprintf("dropping unparseable webhook payload: %v", err))
		return nil
	}

	for _, event := range canonicalEvents {
		switch event.Kind {
		case adapters.KindInboundMessage:
			if err := p.processInbound(ctx, payload.Provider, *event.Inbound); err != nil {
				return err
			}
		case adapters.KindDeliveryStatus:
			if err := p.processStatus(ctx, payload.Provider, *event.Status); err != nil {
				return err
			}
		case adapters.KindConnectionState:
			if err := p.channels.HandleConnectionState(ctx, payload.Provider, *event.Connection); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *IngestProcessor) processInbound(ctx context.Context, provider string, inbound adapters.InboundMessage) error {
	channel, err := p.channels.Resolve(ctx, provider, inbound.ChannelLookupKey)
	if err != nil {
		if errors.Is(err, channels.ErrChannelNotFound) {
			p.logger.Warn(ctx, "inbound message for unknown channel, dropping",
				observability.Field{Key: "lookup_key", Value: inbound.ChannelLookupKey},
			)
			return nil
		}
		return err
	}

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "account_id", Value: channel.AccountID.String()},
		observability.Field{Key: "channel_id", Value: channel.ID.String()},
	)

	contact, _, err := p.ResolveContact(ctx, channel.AccountID, inbound.SenderPhone, inbound.SenderExternalID, inbound.SenderName)
	if err != nil {
		return err
	}

	conversation, conversationCreated, err := p.ResolveConversation(ctx, channel.AccountID, channel.ID, contact.ID, store.ConversationSourceInbound)
	if err != nil {
		return err
	}

	message, created, err := p.Ingest(ctx, conversation, conversationCreated, inbound)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	p.enqueueEnrichment(ctx, channel, conversation, message)
	return nil
}

// ResolveContact finds or creates the contact for a sender. Safe under
// concurrent delivery of duplicate webhooks: a losing insert re-reads the
// winner's row.
func (p *IngestProcessor) ResolveContact(ctx context.Context, accountID uuid.UUID, phone, externalID, name string) (store.Contact, bool, error) {
	if phone == "" && externalID == "" {
		return store.Contact{}, false, fmt.Errorf("contact needs a phone or external id")
	}

	contact, err := p.lookupContact(ctx, accountID, phone, externalID)
	if err == nil {
		return contact, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Contact{}, false, err
	}

	params := store.CreateContactParams{
		AccountID: accountID,
		Name:      contactDisplayName(name, phone, externalID),
	}
	if phone != "" {
		params.Phone = &phone
	}
	if externalID != "" {
		params.ExternalID = &externalID
	}

	contact, err = p.store.CreateContact(ctx, params)
	if err != nil {
		if store.IsUniqueViolation(err) {
			contact, err = p.lookupContact(ctx, accountID, phone, externalID)
			if err != nil {
				return store.Contact{}, false, fmt.Errorf("failed to re-read contact after conflict: %w", err)
			}
			return contact, false, nil
		}
		return store.Contact{}, false, err
	}
	return contact, true, nil
}

func (p *IngestProcessor) lookupContact(ctx context.Context, accountID uuid.UUID, phone, externalID string) (store.Contact, error) {
	if phone != "" {
		return p.store.GetContactByPhone(ctx, accountID, phone)
	}
	return p.store.GetContactByExternalID(ctx, accountID, externalID)
}

// contactDisplayName falls back to the phone number or a truncated external
// id when the provider supplies no display name.
func contactDisplayName(name, phone, externalID string) string {
	if name != "" {
		return name
	}
	if phone != "" {
		return phone
	}
	if len(externalID) > 12 {
		return externalID[:12]
	}
	return externalID
}

// ResolveConversation finds or creates the conversation for a (channel,
// contact) pair and reopens it when new inbound activity arrives on a
// resolved thread.
func (p *IngestProcessor) ResolveConversation(ctx context.Context, accountID, channelID, contactID uuid.UUID, source string) (store.Conversation, bool, error) {
	conversation, err := p.store.GetConversationByChannelAndContact(ctx, accountID, channelID, contactID)
	if err == nil {
		if conversation.Status == store.ConversationStatusResolved {
			if err := p.store.UpdateConversationStatus(ctx, conversation.ID, store.ConversationStatusOpen); err != nil {
				return store.Conversation{}, false, err
			}
			conversation.Status = store.ConversationStatusOpen
		}
		return conversation, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Conversation{}, false, err
	}

	conversation, err = p.store.CreateConversation(ctx, store.CreateConversationParams{
		AccountID: accountID,
		ChannelID: channelID,
		ContactID: contactID,
		Source:    source,
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			conversation, err = p.store.GetConversationByChannelAndContact(ctx, accountID, channelID, contactID)
			if err != nil {
				return store.Conversation{}, false, fmt.Errorf("failed to re-read conversation after conflict: %w", err)
			}
			return conversation, false, nil
		}
		return store.Conversation{}, false, err
	}
	return conversation, true, nil
}

// Ingest persists a canonical inbound message, bumps conversation recency and
// broadcasts. Re-ingesting the same external message id returns the existing
// row without side effects.
func (p *IngestProcessor) Ingest(ctx context.Context, conversation store.Conversation, conversationCreated bool, inbound adapters.InboundMessage) (store.Message, bool, error) {
	if inbound.ExternalMessageID != "" {
		existing, err := p.store.GetMessageByExternalID(ctx, conversation.AccountID, inbound.ExternalMessageID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return store.Message{}, false, err
		}
	}

	params := store.CreateMessageParams{
		AccountID:      conversation.AccountID,
		ConversationID: conversation.ID,
		SenderType:     store.SenderTypeContact,
		Direction:      store.DirectionInbound,
		Type:           inbound.Type,
		Status:         store.MessageStatusSent,
	}
	if inbound.Content != "" {
		params.Content = &inbound.Content
	}
	if inbound.MediaURL != "" {
		params.MediaURL = &inbound.MediaURL
	}
	if inbound.MediaType != "" {
		params.MediaType = &inbound.MediaType
	}
	if inbound.ExternalMessageID != "" {
		externalID := inbound.ExternalMessageID
		params.ExternalID = &externalID
	}

	message, err := p.store.CreateMessage(ctx, params)
	if err != nil {
		if store.IsUniqueViolation(err) && inbound.ExternalMessageID != "" {
			existing, readErr := p.store.GetMessageByExternalID(ctx, conversation.AccountID, inbound.ExternalMessageID)
			if readErr != nil {
				return store.Message{}, false, fmt.Errorf("failed to re-read message after conflict: %w", readErr)
			}
			return existing, false, nil
		}
		return store.Message{}, false, err
	}

	lastMessageAt := inbound.Timestamp
	if lastMessageAt.IsZero() {
		lastMessageAt = message.CreatedAt
	}
	if err := p.store.TouchConversation(ctx, conversation.ID, lastMessageAt); err != nil {
		return store.Message{}, false, err
	}

	p.publisher.PublishNewMessage(ctx, message)
	if conversationCreated {
		p.publisher.PublishNewConversation(ctx, conversation)
	} else {
		p.publisher.PublishConversationUpdated(ctx, conversation)
	}
	return message, true, nil
}

// enqueueEnrichment fans best-effort AI work out for a freshly ingested
// message. Enqueue failures are logged, never fatal: enrichment must not
// block the conversation.
func (p *IngestProcessor) enqueueEnrichment(ctx context.Context, channel store.Channel, conversation store.Conversation, message store.Message) {
	if message.Type == store.MessageTypeAudio && message.MediaURL != nil {
		err := p.enqueuer.EnqueueTranscribe(ctx, jobs.TranscribePayload{
			AccountID: message.AccountID,
			MessageID: message.ID,
			AudioURL:  *message.MediaURL,
		})
		if err != nil {
			p.logger.Error(ctx, "failed to enqueue transcription", err)
		}
	}

	if message.Type == store.MessageTypeText && message.Content != nil {
		err := p.enqueuer.EnqueueSentiment(ctx, jobs.SentimentPayload{
			AccountID: message.AccountID,
			MessageID: message.ID,
			Content:   *message.Content,
		})
		if err != nil {
			p.logger.Error(ctx, "failed to enqueue sentiment", err)
		}

		if channel.BotEnabled && channel.BotID != nil {
			err := p.enqueuer.EnqueueChatbot(ctx, jobs.ChatbotPayload{
				AccountID:      message.AccountID,
				ChatbotID:      *channel.BotID,
				ConversationID: conversation.ID,
				MessageID:      message.ID,
				Content:        *message.Content,
			})
			if err != nil {
				p.logger.Error(ctx, "failed to enqueue chatbot reply", err)
			}
		}
	}
}

func (p *IngestProcessor) processStatus(ctx context.Context, provider string, status adapters.DeliveryStatus) error {
	channel, err := p.channels.Resolve(ctx, provider, status.ChannelLookupKey)
	if err != nil {
		if errors.Is(err, channels.ErrChannelNotFound) {
			p.logger.Warn(ctx, "delivery status for unknown channel, dropping")
			return nil
		}
		return err
	}
	return p.UpdateStatus(ctx, channel.AccountID, status.ExternalMessageID, status.ProviderStatusCode)
}

// UpdateStatus reconciles a provider delivery receipt with the local message.
// Receipts arrive in any order; a receipt that would move the status backward
// is ignored, failed is terminal from anywhere, and a receipt for an unknown
// message is a logged no-op.
func (p *IngestProcessor) UpdateStatus(ctx context.Context, accountID uuid.UUID, externalMessageID, providerStatus string) error {
	message, err := p.store.GetMessageByExternalID(ctx, accountID, externalMessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn(ctx, "delivery status for unknown message, dropping",
				observability.Field{Key: "external_message_id", Value: externalMessageID},
			)
			return nil
		}
		return err
	}

	status := MapProviderStatus(providerStatus)
	if !shouldApplyStatus(message.Status, status) {
		return nil
	}

	if err := p.store.UpdateMessageStatus(ctx, message.ID, status); err != nil {
		return err
	}
	p.publisher.PublishMessageUpdated(ctx, message.AccountID, message.ID, status)

	return p.applyCampaignReceipt(ctx, message, status)
}

// applyCampaignReceipt forwards a receipt to the campaign recipient row when
// the message was produced by a campaign send.
func (p *IngestProcessor) applyCampaignReceipt(ctx context.Context, message store.Message, status string) error {
	rawCampaignID, ok := message.Metadata["campaign_id"].(string)
	if !ok {
		return nil
	}
	campaignID, err := uuid.Parse(rawCampaignID)
	if err != nil {
		return nil
	}
	if status != store.MessageStatusDelivered && status != store.MessageStatusRead && status != store.MessageStatusFailed {
		return nil
	}

	conversation, err := p.store.GetConversationByID(ctx, message.ConversationID)
	if err != nil {
		return err
	}

	advanced, err := p.store.AdvanceRecipientStatus(ctx, campaignID, conversation.ContactID, status)
	if err != nil {
		return err
	}
	if advanced {
		if err := p.store.IncrementCampaignCounter(ctx, campaignID, status); err != nil {
			return err
		}
	}
	return nil
}

// MapProviderStatus maps provider-specific status vocabulary (numeric bridge
// ack codes, receipt names, Cloud API strings) to the canonical enumeration.
// Unknown codes default to sent rather than failing the receipt.
func MapProviderStatus(providerStatus string) string {
	switch strings.ToUpper(providerStatus) {
	case "0", "ERROR", "FAILED":
		return store.MessageStatusFailed
	case "1", "PENDING":
		return store.MessageStatusPending
	case "2", "SERVER_ACK", "SENT":
		return store.MessageStatusSent
	case "3", "DELIVERY_ACK", "DELIVERED":
		return store.MessageStatusDelivered
	case "4", "5", "READ", "PLAYED":
		return store.MessageStatusRead
	default:
		return store.MessageStatusSent
	}
}

// shouldApplyStatus keeps status transitions forward-only without assuming
// receipts arrive in order.
func shouldApplyStatus(current, next string) bool {
	if current == store.MessageStatusFailed {
		return false
	}
	if next == store.MessageStatusFailed {
		return true
	}
	return store.MessageStatusRank[next] > store.MessageStatusRank[current]
}
