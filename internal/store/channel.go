package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel is a tenant's connected external messaging endpoint.
type Channel struct {
	ID          uuid.UUID    `db:"id"`
	AccountID   uuid.UUID    `db:"account_id"`
	Name        string       `db:"name"`
	Type        string       `db:"type"`
	Provider    string       `db:"provider"`
	LookupKey   string       `db:"lookup_key"`
	Config      JSONMap      `db:"config"`
	BotEnabled  bool         `db:"bot_enabled"`
	BotID       *uuid.UUID   `db:"bot_id"`
	IsActive    bool         `db:"is_active"`
	ConnectedAt sql.NullTime `db:"connected_at"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

const sqlGetChannelByID = `
SELECT * FROM channels WHERE id = $1`

func (s *Store) GetChannelByID(ctx context.Context, id uuid.UUID) (Channel, error) {
	var channel Channel
	err := s.db.GetContext(ctx, &channel, sqlGetChannelByID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Channel{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get channel by ID", err)
		return Channel{}, fmt.Errorf("failed to get channel by ID: %w", err)
	}
	return channel, nil
}

// lookup_key holds the provider-specific identifier (phone-number-id, bridge
// instance name, page or IG user id) and is indexed per provider.
const sqlGetChannelByLookupKey = `
SELECT * FROM channels WHERE provider = $1 AND lookup_key = $2`

func (s *Store) GetChannelByLookupKey(ctx context.Context, provider, lookupKey string) (Channel, error) {
	var channel Channel
	err := s.db.GetContext(ctx, &channel, sqlGetChannelByLookupKey, provider, lookupKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Channel{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get channel by lookup key", err)
		return Channel{}, fmt.Errorf("failed to get channel by lookup key: %w", err)
	}
	return channel, nil
}

const sqlSetChannelConnectionState = `
UPDATE channels
SET is_active = $2,
    connected_at = CASE WHEN $2 THEN NOW() ELSE connected_at END,
    updated_at = NOW()
WHERE id = $1`

func (s *Store) SetChannelConnectionState(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := s.db.ExecContext(ctx, sqlSetChannelConnectionState, id, active)
	if err != nil {
		s.logger.Error(ctx, "failed to update channel connection state", err)
		return fmt.Errorf("failed to update channel connection state: %w", err)
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
