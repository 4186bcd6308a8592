package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is a single unit of communication within a conversation. external_id
// is the provider message id, unique per account when present, used for dedup
// and delivery receipt reconciliation.
type Message struct {
	ID             uuid.UUID `db:"id"`
	AccountID      uuid.UUID `db:"account_id"`
	ConversationID uuid.UUID `db:"conversation_id"`
	SenderType     string    `db:"sender_type"`
	Direction      string    `db:"direction"`
	Type           string    `db:"type"`
	Content        *string   `db:"content"`
	MediaURL       *string   `db:"media_url"`
	MediaType      *string   `db:"media_type"`
	Status         string    `db:"status"`
	ExternalID     *string   `db:"external_id"`
	ErrorMessage   *string   `db:"error_message"`
	Metadata       JSONMap   `db:"metadata"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// CreateMessageParams represents parameters for creating a message
type CreateMessageParams struct {
	AccountID      uuid.UUID
	ConversationID uuid.UUID
	SenderType     string
	Direction      string
	Type           string
	Content        *string
	MediaURL       *string
	MediaType      *string
	Status         string
	ExternalID     *string
	Metadata       JSONMap
}

const sqlGetMessageByID = `
SELECT * FROM messages WHERE id = $1`

func (s *Store) GetMessageByID(ctx context.Context, id uuid.UUID) (Message, error) {
	var message Message
	err := s.db.GetContext(ctx, &message, sqlGetMessageByID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get message by ID", err)
		return Message{}, fmt.Errorf("failed to get message by ID: %w", err)
	}
	return message, nil
}

const sqlGetMessageByExternalID = `
SELECT * FROM messages WHERE account_id = $1 AND external_id = $2`

func (s *Store) GetMessageByExternalID(ctx context.Context, accountID uuid.UUID, externalID string) (Message, error) {
	var message Message
	err := s.db.GetContext(ctx, &message, sqlGetMessageByExternalID, accountID, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get message by external ID", err)
		return Message{}, fmt.Errorf("failed to get message by external ID: %w", err)
	}
	return message, nil
}

const sqlGetCampaignMessage = `
SELECT * FROM messages
WHERE conversation_id = $2 AND direction = 'outbound' AND metadata->>'campaign_id' = $1`

// GetCampaignMessage returns the outbound message a campaign already created
// in a conversation. Redelivered campaign send jobs reuse it instead of
// inserting a duplicate.
func (s *Store) GetCampaignMessage(ctx context.Context, campaignID, conversationID uuid.UUID) (Message, error) {
	var message Message
	err := s.db.GetContext(ctx, &message, sqlGetCampaignMessage, campaignID.String(), conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get campaign message", err)
		return Message{}, fmt.Errorf("failed to get campaign message: %w", err)
	}
	return message, nil
}

const sqlGetBotReplyToMessage = `
SELECT * FROM messages
WHERE conversation_id = $1 AND sender_type = 'bot' AND metadata->>'reply_to' = $2`

// GetBotReplyToMessage returns the bot message already generated for a
// triggering inbound message, if any.
func (s *Store) GetBotReplyToMessage(ctx context.Context, conversationID, triggerMessageID uuid.UUID) (Message, error) {
	var message Message
	err := s.db.GetContext(ctx, &message, sqlGetBotReplyToMessage, conversationID, triggerMessageID.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get bot reply", err)
		return Message{}, fmt.Errorf("failed to get bot reply: %w", err)
	}
	return message, nil
}

const sqlCreateMessage = `
INSERT INTO messages (account_id, conversation_id, sender_type, direction, type,
                      content, media_url, media_type, status, external_id, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING *`

// CreateMessage inserts a message. Duplicate external ids (redelivered
// webhooks) surface as a unique violation for the caller to recover from.
func (s *Store) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	var message Message
	status := params.Status
	if status == "" {
		status = MessageStatusPending
	}
	err := s.db.GetContext(ctx, &message, sqlCreateMessage,
		params.AccountID, params.ConversationID, params.SenderType, params.Direction,
		params.Type, params.Content, params.MediaURL, params.MediaType, status,
		params.ExternalID, params.Metadata)
	if err != nil {
		if !IsUniqueViolation(err) {
			s.logger.Error(ctx, "failed to create message", err)
		}
		return Message{}, fmt.Errorf("failed to create message: %w", err)
	}
	return message, nil
}

const sqlUpdateMessageStatus = `
UPDATE messages SET status = $2, updated_at = NOW() WHERE id = $1`

func (s *Store) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := s.db.ExecContext(ctx, sqlUpdateMessageStatus, id, status)
	if err != nil {
		s.logger.Error(ctx, "failed to update message status", err)
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

const sqlMarkMessageFailed = `
UPDATE messages SET status = 'failed', error_message = $2, updated_at = NOW() WHERE id = $1`

func (s *Store) MarkMessageFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, sqlMarkMessageFailed, id, errorMessage)
	if err != nil {
		s.logger.Error(ctx, "failed to mark message failed", err)
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return nil
}

const sqlSetMessageExternalID = `
UPDATE messages SET external_id = $2, status = $3, updated_at = NOW() WHERE id = $1`

// SetMessageExternalID records the provider message id after a successful send.
func (s *Store) SetMessageExternalID(ctx context.Context, id uuid.UUID, externalID, status string) error {
	_, err := s.db.ExecContext(ctx, sqlSetMessageExternalID, id, externalID, status)
	if err != nil {
		s.logger.Error(ctx, "failed to set message external ID", err)
		return fmt.Errorf("failed to set message external ID: %w", err)
	}
	return nil
}

const sqlMergeMessageMetadata = `
UPDATE messages SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at = NOW() WHERE id = $1`

// MergeMessageMetadata merges keys into the message metadata blob
// (transcription, sentiment, campaign linkage).
func (s *Store) MergeMessageMetadata(ctx context.Context, id uuid.UUID, metadata JSONMap) error {
	_, err := s.db.ExecContext(ctx, sqlMergeMessageMetadata, id, metadata)
	if err != nil {
		s.logger.Error(ctx, "failed to merge message metadata", err)
		return fmt.Errorf("failed to merge message metadata: %w", err)
	}
	return nil
}

const sqlListRecentMessagesByConversationID = `
SELECT * FROM (
    SELECT * FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2
) recent ORDER BY created_at ASC`

// ListRecentMessages returns the most recent messages of a conversation in
// chronological order (reply suggestion context).
func (s *Store) ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]Message, error) {
	var messages []Message
	err := s.db.SelectContext(ctx, &messages, sqlListRecentMessagesByConversationID, conversationID, limit)
	if err != nil {
		s.logger.Error(ctx, "failed to list recent messages", err)
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	return messages, nil
}
