package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CampaignRecipient joins a campaign to a contact with per-recipient delivery
// state. A campaign completes exactly when no recipient remains pending.
type CampaignRecipient struct {
	ID           uuid.UUID    `db:"id"`
	CampaignID   uuid.UUID    `db:"campaign_id"`
	ContactID    uuid.UUID    `db:"contact_id"`
	Status       string       `db:"status"`
	ErrorMessage *string      `db:"error_message"`
	SentAt       sql.NullTime `db:"sent_at"`
	DeliveredAt  sql.NullTime `db:"delivered_at"`
	ReadAt       sql.NullTime `db:"read_at"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

// RecipientWithContact carries the joined contact row needed for a send.
type RecipientWithContact struct {
	CampaignRecipient
	Contact Contact `db:"contact"`
}

const sqlListPendingRecipients = `
SELECT r.id, r.campaign_id, r.contact_id, r.status, r.error_message,
       r.sent_at, r.delivered_at, r.read_at, r.created_at, r.updated_at,
       c.id AS "contact.id", c.account_id AS "contact.account_id", c.name AS "contact.name",
       c.phone AS "contact.phone", c.external_id AS "contact.external_id",
       c.avatar_url AS "contact.avatar_url", c.tags AS "contact.tags",
       c.created_at AS "contact.created_at", c.updated_at AS "contact.updated_at"
FROM campaign_recipients r
JOIN contacts c ON c.id = r.contact_id
WHERE r.campaign_id = $1 AND r.status = 'pending'
ORDER BY r.created_at ASC`

func (s *Store) ListPendingRecipients(ctx context.Context, campaignID uuid.UUID) ([]RecipientWithContact, error) {
	var recipients []RecipientWithContact
	err := s.db.SelectContext(ctx, &recipients, sqlListPendingRecipients, campaignID)
	if err != nil {
		s.logger.Error(ctx, "failed to list pending recipients", err)
		return nil, fmt.Errorf("failed to list pending recipients: %w", err)
	}
	return recipients, nil
}

const sqlGetRecipientByCampaignAndContact = `
SELECT * FROM campaign_recipients WHERE campaign_id = $1 AND contact_id = $2`

func (s *Store) GetRecipientByCampaignAndContact(ctx context.Context, campaignID, contactID uuid.UUID) (CampaignRecipient, error) {
	var recipient CampaignRecipient
	err := s.db.GetContext(ctx, &recipient, sqlGetRecipientByCampaignAndContact, campaignID, contactID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CampaignRecipient{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get campaign recipient", err)
		return CampaignRecipient{}, fmt.Errorf("failed to get campaign recipient: %w", err)
	}
	return recipient, nil
}

const sqlMarkRecipientSent = `
UPDATE campaign_recipients
SET status = 'sent', sent_at = NOW(), updated_at = NOW()
WHERE campaign_id = $1 AND contact_id = $2 AND status = 'pending'`

// MarkRecipientSent transitions a recipient out of pending. The status guard
// makes the transition idempotent under duplicate job delivery; the return
// value reports whether this call won the transition.
func (s *Store) MarkRecipientSent(ctx context.Context, campaignID, contactID uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, sqlMarkRecipientSent, campaignID, contactID)
	if err != nil {
		s.logger.Error(ctx, "failed to mark recipient sent", err)
		return false, fmt.Errorf("failed to mark recipient sent: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

const sqlMarkRecipientFailed = `
UPDATE campaign_recipients
SET status = 'failed', error_message = $3, updated_at = NOW()
WHERE campaign_id = $1 AND contact_id = $2 AND status = 'pending'`

func (s *Store) MarkRecipientFailed(ctx context.Context, campaignID, contactID uuid.UUID, errorMessage string) (bool, error) {
	result, err := s.db.ExecContext(ctx, sqlMarkRecipientFailed, campaignID, contactID, errorMessage)
	if err != nil {
		s.logger.Error(ctx, "failed to mark recipient failed", err)
		return false, fmt.Errorf("failed to mark recipient failed: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

const sqlAdvanceRecipientStatus = `
UPDATE campaign_recipients
SET status = $3,
    delivered_at = CASE WHEN $3 = 'delivered' THEN NOW() ELSE delivered_at END,
    read_at = CASE WHEN $3 = 'read' THEN NOW() ELSE read_at END,
    updated_at = NOW()
WHERE campaign_id = $1 AND contact_id = $2 AND status NOT IN ('failed', $3)`

// AdvanceRecipientStatus applies a delivery receipt to a recipient. Receipts
// may arrive out of order; failed recipients are left alone.
func (s *Store) AdvanceRecipientStatus(ctx context.Context, campaignID, contactID uuid.UUID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, sqlAdvanceRecipientStatus, campaignID, contactID, status)
	if err != nil {
		s.logger.Error(ctx, "failed to advance recipient status", err)
		return false, fmt.Errorf("failed to advance recipient status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

const sqlCountPendingRecipients = `
SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = $1 AND status = 'pending'`

func (s *Store) CountPendingRecipients(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, sqlCountPendingRecipients, campaignID)
	if err != nil {
		s.logger.Error(ctx, "failed to count pending recipients", err)
		return 0, fmt.Errorf("failed to count pending recipients: %w", err)
	}
	return count, nil
}
