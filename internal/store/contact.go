package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Contact is a tenant-scoped person. Within an account, at most one contact
// exists per phone and per external provider id (enforced by partial unique
// indexes, NULLs exempt).
type Contact struct {
	ID         uuid.UUID `db:"id"`
	AccountID  uuid.UUID `db:"account_id"`
	Name       string    `db:"name"`
	Phone      *string   `db:"phone"`
	ExternalID *string   `db:"external_id"`
	AvatarURL  *string   `db:"avatar_url"`
	Tags       JSONMap   `db:"tags"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// CreateContactParams represents parameters for creating a contact
type CreateContactParams struct {
	AccountID  uuid.UUID
	Name       string
	Phone      *string
	ExternalID *string
	AvatarURL  *string
}

const sqlGetContactByPhone = `
SELECT * FROM contacts WHERE account_id = $1 AND phone = $2`

func (s *Store) GetContactByPhone(ctx context.Context, accountID uuid.UUID, phone string) (Contact, error) {
	var contact Contact
	err := s.db.GetContext(ctx, &contact, sqlGetContactByPhone, accountID, phone)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get contact by phone", err)
		return Contact{}, fmt.Errorf("failed to get contact by phone: %w", err)
	}
	return contact, nil
}

const sqlGetContactByExternalID = `
SELECT * FROM contacts WHERE account_id = $1 AND external_id = $2`

func (s *Store) GetContactByExternalID(ctx context.Context, accountID uuid.UUID, externalID string) (Contact, error) {
	var contact Contact
	err := s.db.GetContext(ctx, &contact, sqlGetContactByExternalID, accountID, externalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get contact by external ID", err)
		return Contact{}, fmt.Errorf("failed to get contact by external ID: %w", err)
	}
	return contact, nil
}

const sqlGetContactByID = `
SELECT * FROM contacts WHERE id = $1`

func (s *Store) GetContactByID(ctx context.Context, id uuid.UUID) (Contact, error) {
	var contact Contact
	err := s.db.GetContext(ctx, &contact, sqlGetContactByID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get contact by ID", err)
		return Contact{}, fmt.Errorf("failed to get contact by ID: %w", err)
	}
	return contact, nil
}

const sqlCreateContact = `
INSERT INTO contacts (account_id, name, phone, external_id, avatar_url)
VALUES ($1, $2, $3, $4, $5)
RETURNING *`

// CreateContact inserts a contact. Callers racing on the same phone or
// external id receive a unique violation and must re-read.
func (s *Store) CreateContact(ctx context.Context, params CreateContactParams) (Contact, error) {
	var contact Contact
	err := s.db.GetContext(ctx, &contact, sqlCreateContact,
		params.AccountID, params.Name, params.Phone, params.ExternalID, params.AvatarURL)
	if err != nil {
		if !IsUniqueViolation(err) {
			s.logger.Error(ctx, "failed to create contact", err)
		}
		return Contact{}, fmt.Errorf("failed to create contact: %w", err)
	}
	return contact, nil
}
