package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Campaign is a bulk outbound send targeting many contacts through one channel.
type Campaign struct {
	ID             uuid.UUID    `db:"id"`
	AccountID      uuid.UUID    `db:"account_id"`
	ChannelID      uuid.UUID    `db:"channel_id"`
	Name           string       `db:"name"`
	Status         string       `db:"status"`
	Content        *string      `db:"content"`
	TemplateID     *string      `db:"template_id"`
	TemplateParams JSONMap      `db:"template_params"`
	StatsTotal     int          `db:"stats_total"`
	StatsSent      int          `db:"stats_sent"`
	StatsDelivered int          `db:"stats_delivered"`
	StatsRead      int          `db:"stats_read"`
	StatsFailed    int          `db:"stats_failed"`
	ScheduledAt    sql.NullTime `db:"scheduled_at"`
	StartedAt      sql.NullTime `db:"started_at"`
	CompletedAt    sql.NullTime `db:"completed_at"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

const sqlGetCampaignByID = `
SELECT * FROM campaigns WHERE id = $1`

func (s *Store) GetCampaignByID(ctx context.Context, id uuid.UUID) (Campaign, error) {
	var campaign Campaign
	err := s.db.GetContext(ctx, &campaign, sqlGetCampaignByID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get campaign by ID", err)
		return Campaign{}, fmt.Errorf("failed to get campaign by ID: %w", err)
	}
	return campaign, nil
}

const sqlUpdateCampaignStatus = `
UPDATE campaigns
SET status = $2,
    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
    completed_at = CASE WHEN $2 IN ('completed', 'cancelled') THEN NOW() ELSE completed_at END,
    updated_at = NOW()
WHERE id = $1`

func (s *Store) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status string) error {
	result, err := s.db.ExecContext(ctx, sqlUpdateCampaignStatus, id, status)
	if err != nil {
		s.logger.Error(ctx, "failed to update campaign status", err)
		return fmt.Errorf("failed to update campaign status: %w", err)
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

const sqlSetCampaignTotal = `
UPDATE campaigns SET stats_total = $2, updated_at = NOW() WHERE id = $1`

func (s *Store) SetCampaignTotal(ctx context.Context, id uuid.UUID, total int) error {
	_, err := s.db.ExecContext(ctx, sqlSetCampaignTotal, id, total)
	if err != nil {
		s.logger.Error(ctx, "failed to set campaign total", err)
		return fmt.Errorf("failed to set campaign total: %w", err)
	}
	return nil
}

// Stat counter columns, whitelisted because the column name is interpolated.
var campaignCounterColumns = map[string]string{
	MessageStatusSent:      "stats_sent",
	MessageStatusDelivered: "stats_delivered",
	MessageStatusRead:      "stats_read",
	MessageStatusFailed:    "stats_failed",
}

// IncrementCampaignCounter atomically bumps one of the campaign stat counters.
// Increments happen in SQL so concurrent recipient jobs never lose updates.
func (s *Store) IncrementCampaignCounter(ctx context.Context, id uuid.UUID, counter string) error {
	column, ok := campaignCounterColumns[counter]
	if !ok {
		return fmt.Errorf("unknown campaign counter: %s", counter)
	}
	query := fmt.Sprintf("UPDATE campaigns SET %s = %s + 1, updated_at = NOW() WHERE id = $1", column, column)
	_, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		s.logger.Error(ctx, "failed to increment campaign counter", err)
		return fmt.Errorf("failed to increment campaign counter: %w", err)
	}
	return nil
}
