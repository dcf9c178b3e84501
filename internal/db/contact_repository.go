package db

import (
	"database/sql"
	"errors"

	"convopilot-server/internal/models"

	"github.com/google/uuid"
)

// ContactRepository stores channel contacts.
type ContactRepository struct {
	db     *sql.DB
	driver string
	now    func() int64
}

func NewContactRepository(database *Database) *ContactRepository {
	return &ContactRepository{
		db:     database.GetDB(),
		driver: database.Driver(),
		now:    models.NowMillis,
	}
}

// Upsert finds a contact by channel user id, creating it if missing. A
// non-empty display name refreshes the stored one.
func (r *ContactRepository) Upsert(channelUserID, displayName string) (*models.Contact, error) {
	if channelUserID == "" {
		return nil, errors.New("channel user ID is required")
	}

	contact, err := r.getByChannelUserID(channelUserID)
	if err == nil {
		if displayName != "" && displayName != contact.DisplayName {
			if _, err := r.db.Exec(rebind(r.driver,
				`UPDATE contacts SET display_name = ? WHERE id = ?`),
				displayName, contact.ID); err != nil {
				return nil, err
			}
			contact.DisplayName = displayName
		}
		return contact, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	contact = &models.Contact{
		ID:            uuid.New().String(),
		ChannelUserID: channelUserID,
		DisplayName:   displayName,
		CreatedAt:     r.now(),
	}
	_, err = r.db.Exec(rebind(r.driver,
		`INSERT INTO contacts (id, channel_user_id, display_name, created_at) VALUES (?, ?, ?, ?)`),
		contact.ID, contact.ChannelUserID, contact.DisplayName, contact.CreatedAt)
	if err != nil {
		// A concurrent upsert may have won the insert race.
		if existing, getErr := r.getByChannelUserID(channelUserID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return contact, nil
}

func (r *ContactRepository) GetByID(id string) (*models.Contact, error) {
	contact := &models.Contact{}
	err := r.db.QueryRow(rebind(r.driver,
		`SELECT id, channel_user_id, display_name, created_at FROM contacts WHERE id = ?`), id).
		Scan(&contact.ID, &contact.ChannelUserID, &contact.DisplayName, &contact.CreatedAt)
	if err != nil {
		return nil, err
	}
	return contact, nil
}

func (r *ContactRepository) getByChannelUserID(channelUserID string) (*models.Contact, error) {
	contact := &models.Contact{}
	err := r.db.QueryRow(rebind(r.driver,
		`SELECT id, channel_user_id, display_name, created_at FROM contacts WHERE channel_user_id = ?`),
		channelUserID).
		Scan(&contact.ID, &contact.ChannelUserID, &contact.DisplayName, &contact.CreatedAt)
	if err != nil {
		return nil, err
	}
	return contact, nil
}
