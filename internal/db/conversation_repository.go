package db

import (
	"database/sql"
	"errors"
	"fmt"

	"convopilot-server/internal/models"

	"github.com/google/uuid"
)

// ErrConversationNotFound is returned when a conversation id does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository stores conversations and their mode audit log.
type ConversationRepository struct {
	db     *sql.DB
	driver string
	now    func() int64
}

func NewConversationRepository(database *Database) *ConversationRepository {
	return &ConversationRepository{
		db:     database.GetDB(),
		driver: database.Driver(),
		now:    models.NowMillis,
	}
}

func (r *ConversationRepository) GetByID(id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var operatorID sql.NullString
	err := r.db.QueryRow(rebind(r.driver,
		`SELECT id, contact_id, mode, assigned_operator_id, last_message_at
		 FROM conversations WHERE id = ?`), id).
		Scan(&conv.ID, &conv.ContactID, &conv.Mode, &operatorID, &conv.LastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if operatorID.Valid {
		conv.AssignedOperatorID = &operatorID.String
	}
	return conv, nil
}

// GetOrCreateByContact returns the contact's conversation, creating it in
// ai_active mode on first contact.
func (r *ConversationRepository) GetOrCreateByContact(contactID string) (*models.Conversation, error) {
	if contactID == "" {
		return nil, errors.New("contact ID is required")
	}

	conv := &models.Conversation{}
	var operatorID sql.NullString
	err := r.db.QueryRow(rebind(r.driver,
		`SELECT id, contact_id, mode, assigned_operator_id, last_message_at
		 FROM conversations WHERE contact_id = ?`), contactID).
		Scan(&conv.ID, &conv.ContactID, &conv.Mode, &operatorID, &conv.LastMessageAt)
	if err == nil {
		if operatorID.Valid {
			conv.AssignedOperatorID = &operatorID.String
		}
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	conv = &models.Conversation{
		ID:            uuid.New().String(),
		ContactID:     contactID,
		Mode:          models.ModeAIActive,
		LastMessageAt: r.now(),
	}
	_, err = r.db.Exec(rebind(r.driver,
		`INSERT INTO conversations (id, contact_id, mode, last_message_at) VALUES (?, ?, ?, ?)`),
		conv.ID, conv.ContactID, conv.Mode, conv.LastMessageAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetMode reads the current conversation mode.
func (r *ConversationRepository) GetMode(id string) (string, error) {
	var mode string
	err := r.db.QueryRow(rebind(r.driver,
		`SELECT mode FROM conversations WHERE id = ?`), id).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrConversationNotFound
	}
	return mode, err
}

// SetMode overwrites the conversation mode (last-writer-wins) and writes
// an audit row recording the actor.
func (r *ConversationRepository) SetMode(id, newMode, actor string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var fromMode string
	err = tx.QueryRow(rebind(r.driver,
		`SELECT mode FROM conversations WHERE id = ?`), id).Scan(&fromMode)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConversationNotFound
	}
	if err != nil {
		return err
	}

	var operatorID interface{}
	if newMode == models.ModeHumanActive {
		operatorID = actor
	}
	if _, err := tx.Exec(rebind(r.driver,
		`UPDATE conversations SET mode = ?, assigned_operator_id = ? WHERE id = ?`),
		newMode, operatorID, id); err != nil {
		return err
	}

	if _, err := tx.Exec(rebind(r.driver,
		`INSERT INTO conversation_mode_log (conversation_id, from_mode, to_mode, actor, at)
		 VALUES (?, ?, ?, ?, ?)`),
		id, fromMode, newMode, actor, r.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// BumpLastMessage advances last_message_at, never moving it backwards.
func (r *ConversationRepository) BumpLastMessage(id string, at int64) error {
	_, err := r.db.Exec(rebind(r.driver,
		`UPDATE conversations SET last_message_at = ? WHERE id = ? AND last_message_at < ?`),
		at, id, at)
	return err
}

// ModeLog returns the transition audit trail, oldest first.
func (r *ConversationRepository) ModeLog(id string) ([]*models.ModeTransition, error) {
	rows, err := r.db.Query(rebind(r.driver,
		`SELECT id, conversation_id, from_mode, to_mode, actor, at
		 FROM conversation_mode_log WHERE conversation_id = ? ORDER BY id ASC`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var log []*models.ModeTransition
	for rows.Next() {
		tr := &models.ModeTransition{}
		if err := rows.Scan(&tr.ID, &tr.ConversationID, &tr.FromMode, &tr.ToMode, &tr.Actor, &tr.At); err != nil {
			return nil, err
		}
		log = append(log, tr)
	}
	return log, rows.Err()
}
