package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-server/internal/events"
	"chat-server/internal/jobs"
	"chat-server/internal/observability"
	"chat-server/internal/store"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// CampaignStore defines the database operations required by CampaignProcessor
type CampaignStore interface {
	GetCampaignByID(ctx context.Context, id uuid.UUID) (store.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status string) error
	SetCampaignTotal(ctx context.Context, id uuid.UUID, total int) error
	IncrementCampaignCounter(ctx context.Context, id uuid.UUID, counter string) error

	ListPendingRecipients(ctx context.Context, campaignID uuid.UUID) ([]store.RecipientWithContact, error)
	GetRecipientByCampaignAndContact(ctx context.Context, campaignID, contactID uuid.UUID) (store.CampaignRecipient, error)
	MarkRecipientSent(ctx context.Context, campaignID, contactID uuid.UUID) (bool, error)
	MarkRecipientFailed(ctx context.Context, campaignID, contactID uuid.UUID, errorMessage string) (bool, error)
	CountPendingRecipients(ctx context.Context, campaignID uuid.UUID) (int, error)

	GetChannelByID(ctx context.Context, id uuid.UUID) (store.Channel, error)
	GetConversationByChannelAndContact(ctx context.Context, accountID, channelID, contactID uuid.UUID) (store.Conversation, error)
	CreateConversation(ctx context.Context, params store.CreateConversationParams) (store.Conversation, error)
	TouchConversation(ctx context.Context, id uuid.UUID, lastMessageAt time.Time) error
	CreateMessage(ctx context.Context, params store.CreateMessageParams) (store.Message, error)
	GetCampaignMessage(ctx context.Context, campaignID, conversationID uuid.UUID) (store.Message, error)
}

var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
)

// Legal campaign status transitions. Completed and cancelled are terminal.
var campaignTransitions = map[string][]string{
	store.CampaignStatusDraft:     {store.CampaignStatusScheduled, store.CampaignStatusRunning, store.CampaignStatusCancelled},
	store.CampaignStatusScheduled: {store.CampaignStatusRunning, store.CampaignStatusCancelled},
	store.CampaignStatusRunning:   {store.CampaignStatusPaused, store.CampaignStatusCompleted, store.CampaignStatusCancelled},
	store.CampaignStatusPaused:    {store.CampaignStatusRunning, store.CampaignStatusCancelled},
}

func canTransition(from, to string) bool {
	for _, allowed := range campaignTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CampaignProcessor orchestrates bulk sends: scheduling, per-recipient
// fan-out, pause and resume, and completion accounting.
type CampaignProcessor struct {
	store     CampaignStore
	enqueuer  jobs.Enqueuer
	publisher *events.Publisher
	logger    *observability.Logger
}

func New(store CampaignStore, enqueuer jobs.Enqueuer, publisher *events.Publisher, logger *observability.Logger) CampaignProcessor {
	return CampaignProcessor{
		store:     store,
		enqueuer:  enqueuer,
		publisher: publisher,
		logger:    logger,
	}
}

// Schedule moves a draft campaign to scheduled and enqueues the start job,
// delayed until scheduledAt. A zero scheduledAt starts the campaign as soon
// as a worker picks the job up.
func (p *CampaignProcessor) Schedule(ctx context.Context, campaignID uuid.UUID, scheduledAt time.Time) error {
	campaign, err := p.getCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !canTransition(campaign.Status, store.CampaignStatusScheduled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, campaign.Status, store.CampaignStatusScheduled)
	}

	if err := p.store.UpdateCampaignStatus(ctx, campaignID, store.CampaignStatusScheduled); err != nil {
		return err
	}

	var delay time.Duration
	if !scheduledAt.IsZero() {
		delay = time.Until(scheduledAt)
	}
	return p.enqueuer.EnqueueCampaignStart(ctx, jobs.CampaignStartPayload{
		CampaignID: campaignID,
		AccountID:  campaign.AccountID,
	}, delay)
}

// Start transitions a campaign to running and fans one send job out per
// pending recipient. A campaign with no recipients completes immediately.
// Start is safe to re-run: already handled recipients are no longer pending,
// so a crashed fan-out resumes where it stopped.
func (p *CampaignProcessor) Start(ctx context.Context, payload jobs.CampaignStartPayload) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "account_id", Value: payload.AccountID.String()},
		observability.Field{Key: "campaign_id", Value: payload.CampaignID.String()},
	)

	campaign, err := p.getCampaign(ctx, payload.CampaignID)
	if err != nil {
		if errors.Is(err, ErrCampaignNotFound) {
			p.logger.Warn(ctx, "start job for unknown campaign, dropping")
			return nil
		}
		return err
	}

	switch campaign.Status {
	case store.CampaignStatusCancelled, store.CampaignStatusCompleted, store.CampaignStatusPaused:
		p.logger.Info(ctx, fmt.Sprintf("campaign is %s, skipping start", campaign.Status))
		return nil
	case store.CampaignStatusRunning:
		// Crashed mid fan-out; resume below.
	default:
		if err := p.store.UpdateCampaignStatus(ctx, payload.CampaignID, store.CampaignStatusRunning); err != nil {
			return err
		}
	}

	recipients, err := p.store.ListPendingRecipients(ctx, payload.CampaignID)
	if err != nil {
		return err
	}

	if campaign.StatsTotal == 0 && len(recipients) > 0 {
		if err := p.store.SetCampaignTotal(ctx, payload.CampaignID, len(recipients)); err != nil {
			return err
		}
	}

	if len(recipients) == 0 {
		p.logger.Info(ctx, "campaign has no pending recipients, completing")
		return p.store.UpdateCampaignStatus(ctx, payload.CampaignID, store.CampaignStatusCompleted)
	}

	channel, err := p.store.GetChannelByID(ctx, campaign.ChannelID)
	if err != nil {
		return err
	}

	return p.fanOut(ctx, campaign, channel, recipients)
}

func (p *CampaignProcessor) fanOut(ctx context.Context, campaign store.Campaign, channel store.Channel, recipients []store.RecipientWithContact) error {
	var content, templateID string
	if campaign.Content != nil {
		content = *campaign.Content
	}
	if campaign.TemplateID != nil {
		templateID = *campaign.TemplateID
	}

	for _, recipient := range recipients {
		contact := jobs.ContactRef{
			ID:   recipient.Contact.ID,
			Name: recipient.Contact.Name,
		}
		if recipient.Contact.Phone != nil {
			contact.Phone = *recipient.Contact.Phone
		}
		if recipient.Contact.ExternalID != nil {
			contact.ExternalID = *recipient.Contact.ExternalID
		}

		err := p.enqueuer.EnqueueCampaignSend(ctx, jobs.CampaignSendPayload{
			CampaignID:     campaign.ID,
			AccountID:      campaign.AccountID,
			ChannelID:      channel.ID,
			ChannelType:    channel.Type,
			Contact:        contact,
			Content:        content,
			TemplateID:     templateID,
			TemplateParams: campaign.TemplateParams,
		})
		if err != nil {
			return fmt.Errorf("failed to fan out campaign send: %w", err)
		}
	}

	p.logger.Info(ctx, fmt.Sprintf("fanned out %d campaign sends", len(recipients)))
	return nil
}

// SendToRecipient materializes the campaign message for one recipient: it
// finds or creates the campaign conversation, persists the outbound message
// and hands it to the delivery queue. The recipient row's pending guard makes
// duplicate jobs no-ops, and the last recipient to leave pending completes
// the campaign.
func (p *CampaignProcessor) SendToRecipient(ctx context.Context, payload jobs.CampaignSendPayload) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "account_id", Value: payload.AccountID.String()},
		observability.Field{Key: "campaign_id", Value: payload.CampaignID.String()},
		observability.Field{Key: "contact_id", Value: payload.Contact.ID.String()},
	)

	campaign, err := p.getCampaign(ctx, payload.CampaignID)
	if err != nil {
		if errors.Is(err, ErrCampaignNotFound) {
			p.logger.Warn(ctx, "send job for unknown campaign, dropping")
			return nil
		}
		return err
	}
	if campaign.Status != store.CampaignStatusRunning {
		p.logger.Info(ctx, fmt.Sprintf("campaign is %s, skipping recipient send", campaign.Status))
		return nil
	}

	recipient, err := p.store.GetRecipientByCampaignAndContact(ctx, payload.CampaignID, payload.Contact.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn(ctx, "send job for unknown recipient, dropping")
			return nil
		}
		return err
	}
	if recipient.Status != store.RecipientStatusPending {
		return nil
	}

	if err := p.deliverToRecipient(ctx, payload); err != nil {
		return p.failRecipientOrRetry(ctx, payload, err)
	}

	won, err := p.store.MarkRecipientSent(ctx, payload.CampaignID, payload.Contact.ID)
	if err != nil {
		return err
	}
	if won {
		if err := p.store.IncrementCampaignCounter(ctx, payload.CampaignID, store.MessageStatusSent); err != nil {
			return err
		}
	}

	return p.completeIfDone(ctx, payload.CampaignID)
}

func (p *CampaignProcessor) deliverToRecipient(ctx context.Context, payload jobs.CampaignSendPayload) error {
	conversation, created, err := p.resolveConversation(ctx, payload)
	if err != nil {
		return err
	}

	messageType := store.MessageTypeText
	if payload.TemplateID != "" {
		messageType = store.MessageTypeTemplate
	}

	// A redelivered job (crash between message creation and the recipient
	// status update) reuses the message it already created instead of
	// inserting a second one and double-sending.
	message, err := p.store.GetCampaignMessage(ctx, payload.CampaignID, conversation.ID)
	existing := err == nil
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		params := store.CreateMessageParams{
			AccountID:      payload.AccountID,
			ConversationID: conversation.ID,
			SenderType:     store.SenderTypeUser,
			Direction:      store.DirectionOutbound,
			Type:           messageType,
			Status:         store.MessageStatusPending,
			Metadata:       store.JSONMap{"campaign_id": payload.CampaignID.String()},
		}
		if payload.Content != "" {
			content := payload.Content
			params.Content = &content
		}

		message, err = p.store.CreateMessage(ctx, params)
		if err != nil {
			return err
		}
		if err := p.store.TouchConversation(ctx, conversation.ID, message.CreatedAt); err != nil {
			return err
		}
	}

	err = p.enqueuer.EnqueueSendMessage(ctx, jobs.SendMessagePayload{
		AccountID:      payload.AccountID,
		ConversationID: conversation.ID,
		MessageID:      message.ID,
		ChannelID:      payload.ChannelID,
		ChannelType:    payload.ChannelType,
		Message: jobs.OutboundContent{
			Type:           messageType,
			Content:        payload.Content,
			TemplateID:     payload.TemplateID,
			TemplateParams: payload.TemplateParams,
		},
		RecipientPhone:      payload.Contact.Phone,
		RecipientExternalID: payload.Contact.ExternalID,
	})
	if err != nil {
		return err
	}

	if !existing {
		p.publisher.PublishNewMessage(ctx, message)
		if created {
			p.publisher.PublishNewConversation(ctx, conversation)
		}
	}
	return nil
}

func (p *CampaignProcessor) resolveConversation(ctx context.Context, payload jobs.CampaignSendPayload) (store.Conversation, bool, error) {
	conversation, err := p.store.GetConversationByChannelAndContact(ctx, payload.AccountID, payload.ChannelID, payload.Contact.ID)
	if err == nil {
		return conversation, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Conversation{}, false, err
	}

	conversation, err = p.store.CreateConversation(ctx, store.CreateConversationParams{
		AccountID: payload.AccountID,
		ChannelID: payload.ChannelID,
		ContactID: payload.Contact.ID,
		Source:    store.ConversationSourceCampaign,
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			conversation, err = p.store.GetConversationByChannelAndContact(ctx, payload.AccountID, payload.ChannelID, payload.Contact.ID)
			if err != nil {
				return store.Conversation{}, false, fmt.Errorf("failed to re-read conversation after conflict: %w", err)
			}
			return conversation, false, nil
		}
		return store.Conversation{}, false, err
	}
	return conversation, true, nil
}

// failRecipientOrRetry returns the error for redelivery while retries remain.
// On the final attempt the recipient alone is marked failed: one bad
// recipient never stops the rest of the campaign.
func (p *CampaignProcessor) failRecipientOrRetry(ctx context.Context, payload jobs.CampaignSendPayload, sendErr error) error {
	retryCount, okCount := asynq.GetRetryCount(ctx)
	maxRetry, okMax := asynq.GetMaxRetry(ctx)
	if okCount && okMax && retryCount < maxRetry {
		p.logger.Warn(ctx, fmt.Sprintf("recipient send attempt %d/%d failed, will retry: %v", retryCount+1, maxRetry+1, sendErr))
		return sendErr
	}

	p.logger.Error(ctx, "recipient send failed permanently", sendErr)
	failed, err := p.store.MarkRecipientFailed(ctx, payload.CampaignID, payload.Contact.ID, sendErr.Error())
	if err != nil {
		return err
	}
	if failed {
		if err := p.store.IncrementCampaignCounter(ctx, payload.CampaignID, store.MessageStatusFailed); err != nil {
			return err
		}
	}
	return p.completeIfDone(ctx, payload.CampaignID)
}

// completeIfDone closes the campaign when no recipient remains pending.
// UpdateCampaignStatus is idempotent for an already completed row, so two
// concurrent final recipients cannot corrupt the state.
func (p *CampaignProcessor) completeIfDone(ctx context.Context, campaignID uuid.UUID) error {
	pending, err := p.store.CountPendingRecipients(ctx, campaignID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	campaign, err := p.getCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != store.CampaignStatusRunning {
		return nil
	}

	p.logger.Info(ctx, "campaign completed")
	return p.store.UpdateCampaignStatus(ctx, campaignID, store.CampaignStatusCompleted)
}

// Pause stops further recipient sends. In-flight provider calls finish, and
// pending recipients are re-fanned out on resume.
func (p *CampaignProcessor) Pause(ctx context.Context, campaignID uuid.UUID) error {
	return p.transition(ctx, campaignID, store.CampaignStatusPaused)
}

// Resume returns a paused campaign to running and fans out the recipients
// still pending.
func (p *CampaignProcessor) Resume(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := p.getCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != store.CampaignStatusPaused {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, campaign.Status, store.CampaignStatusRunning)
	}

	if err := p.store.UpdateCampaignStatus(ctx, campaignID, store.CampaignStatusRunning); err != nil {
		return err
	}
	return p.enqueuer.EnqueueCampaignStart(ctx, jobs.CampaignStartPayload{
		CampaignID: campaignID,
		AccountID:  campaign.AccountID,
	}, 0)
}

// Cancel terminates a campaign from any non-terminal state. Recipient jobs
// still in the queue observe the status and drop themselves.
func (p *CampaignProcessor) Cancel(ctx context.Context, campaignID uuid.UUID) error {
	return p.transition(ctx, campaignID, store.CampaignStatusCancelled)
}

func (p *CampaignProcessor) transition(ctx context.Context, campaignID uuid.UUID, to string) error {
	campaign, err := p.getCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if !canTransition(campaign.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, campaign.Status, to)
	}
	return p.store.UpdateCampaignStatus(ctx, campaignID, to)
}

func (p *CampaignProcessor) getCampaign(ctx context.Context, campaignID uuid.UUID) (store.Campaign, error) {
	campaign, err := p.store.GetCampaignByID(ctx, campaignID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Campaign{}, ErrCampaignNotFound
		}
		return store.Campaign{}, err
	}
	return campaign, nil
}
