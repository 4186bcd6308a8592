package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation is the thread between one contact and one channel. At most one
// conversation exists per (account, channel, contact).
type Conversation struct {
	ID            uuid.UUID    `db:"id"`
	AccountID     uuid.UUID    `db:"account_id"`
	ChannelID     uuid.UUID    `db:"channel_id"`
	ContactID     uuid.UUID    `db:"contact_id"`
	Status        string       `db:"status"`
	Source        string       `db:"source"`
	AssigneeID    *uuid.UUID   `db:"assignee_id"`
	TeamID        *uuid.UUID   `db:"team_id"`
	Metadata      JSONMap      `db:"metadata"`
	LastMessageAt sql.NullTime `db:"last_message_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

// CreateConversationParams represents parameters for creating a conversation
type CreateConversationParams struct {
	AccountID uuid.UUID
	ChannelID uuid.UUID
	ContactID uuid.UUID
	Source    string
}

const sqlGetConversationByID = `
SELECT * FROM conversations WHERE id = $1`

func (s *Store) GetConversationByID(ctx context.Context, id uuid.UUID) (Conversation, error) {
	var conversation Conversation
	err := s.db.GetContext(ctx, &conversation, sqlGetConversationByID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get conversation by ID", err)
		return Conversation{}, fmt.Errorf("failed to get conversation by ID: %w", err)
	}
	return conversation, nil
}

const sqlGetConversationByChannelAndContact = `
SELECT * FROM conversations WHERE account_id = $1 AND channel_id = $2 AND contact_id = $3`

func (s *Store) GetConversationByChannelAndContact(ctx context.Context, accountID, channelID, contactID uuid.UUID) (Conversation, error) {
	var conversation Conversation
	err := s.db.GetContext(ctx, &conversation, sqlGetConversationByChannelAndContact, accountID, channelID, contactID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get conversation by channel and contact", err)
		return Conversation{}, fmt.Errorf("failed to get conversation by channel and contact: %w", err)
	}
	return conversation, nil
}

const sqlCreateConversation = `
INSERT INTO conversations (account_id, channel_id, contact_id, status, source)
VALUES ($1, $2, $3, 'open', $4)
RETURNING *`

// CreateConversation inserts a conversation. Callers racing on the same
// (channel, contact) receive a unique violation and must re-read.
func (s *Store) CreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, error) {
	var conversation Conversation
	source := params.Source
	if source == "" {
		source = ConversationSourceInbound
	}
	err := s.db.GetContext(ctx, &conversation, sqlCreateConversation,
		params.AccountID, params.ChannelID, params.ContactID, source)
	if err != nil {
		if !IsUniqueViolation(err) {
			s.logger.Error(ctx, "failed to create conversation", err)
		}
		return Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conversation, nil
}

const sqlUpdateConversationStatus = `
UPDATE conversations SET status = $2, updated_at = NOW() WHERE id = $1`

func (s *Store) UpdateConversationStatus(ctx context.Context, id uuid.UUID, status string) error {
	result, err := s.db.ExecContext(ctx, sqlUpdateConversationStatus, id, status)
	if err != nil {
		s.logger.Error(ctx, "failed to update conversation status", err)
		return fmt.Errorf("failed to update conversation status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const sqlTouchConversation = `
UPDATE conversations SET last_message_at = $2, updated_at = NOW() WHERE id = $1`

// TouchConversation bumps conversation recency after a new message.
func (s *Store) TouchConversation(ctx context.Context, id uuid.UUID, lastMessageAt time.Time) error {
	_, err := s.db.ExecContext(ctx, sqlTouchConversation, id, lastMessageAt)
	if err != nil {
		s.logger.Error(ctx, "failed to touch conversation", err)
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

const sqlMergeConversationMetadata = `
UPDATE conversations SET metadata = COALESCE(metadata, '{}'::jsonb) || $2::jsonb, updated_at = NOW() WHERE id = $1`

// MergeConversationMetadata merges keys into the conversation metadata blob
// (AI suggestions, sentiment rollups).
func (s *Store) MergeConversationMetadata(ctx context.Context, id uuid.UUID, metadata JSONMap) error {
	_, err := s.db.ExecContext(ctx, sqlMergeConversationMetadata, id, metadata)
	if err != nil {
		s.logger.Error(ctx, "failed to merge conversation metadata", err)
		return fmt.Errorf("failed to merge conversation metadata: %w", err)
	}
	return nil
}
