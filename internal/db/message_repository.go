package db

import (
	"database/sql"
	"errors"
	"fmt"

	"convopilot-server/internal/models"
)

// ErrMessageNotFound is returned when a message id does not exist.
var ErrMessageNotFound = errors.New("message not found")

// MessageRepository stores conversation messages. Messages are never
// deleted; only their status advances.
type MessageRepository struct {
	db     *sql.DB
	driver string
	now    func() int64
}

func NewMessageRepository(database *Database) *MessageRepository {
	return &MessageRepository{
		db:     database.GetDB(),
		driver: database.Driver(),
		now:    models.NowMillis,
	}
}

// Insert stores a new message. SentAt is clamped to the conversation's
// current maximum so sent_at stays non-decreasing in insertion order.
func (r *MessageRepository) Insert(msg *models.Message) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("message ID and conversation ID are required")
	}
	if msg.Direction != models.DirectionInbound && msg.Direction != models.DirectionOutbound {
		return fmt.Errorf("invalid direction %q", msg.Direction)
	}
	if msg.MediaType == "" {
		msg.MediaType = "text"
	}
	if msg.Status == "" {
		msg.Status = models.MessageQueued
	}
	if msg.SentAt == 0 {
		msg.SentAt = r.now()
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxSentAt sql.NullInt64
	err = tx.QueryRow(rebind(r.driver,
		`SELECT MAX(sent_at) FROM messages WHERE conversation_id = ?`),
		msg.ConversationID).Scan(&maxSentAt)
	if err != nil {
		return err
	}
	if maxSentAt.Valid && msg.SentAt < maxSentAt.Int64 {
		msg.SentAt = maxSentAt.Int64
	}

	_, err = tx.Exec(rebind(r.driver,
		`INSERT INTO messages (id, conversation_id, direction, author, content, media_type, status, external_id, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.Direction, msg.Author, msg.Content,
		msg.MediaType, msg.Status, msg.ExternalID, msg.SentAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

func (r *MessageRepository) GetByID(id string) (*models.Message, error) {
	msg := &models.Message{}
	var externalID sql.NullString
	err := r.db.QueryRow(rebind(r.driver,
		`SELECT id, conversation_id, direction, author, content, media_type, status, external_id, sent_at
		 FROM messages WHERE id = ?`), id).
		Scan(&msg.ID, &msg.ConversationID, &msg.Direction, &msg.Author,
			&msg.Content, &msg.MediaType, &msg.Status, &externalID, &msg.SentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if externalID.Valid {
		msg.ExternalID = &externalID.String
	}
	return msg, nil
}

// ListByConversation returns up to limit most recent messages in
// ascending sent_at order.
func (r *MessageRepository) ListByConversation(conversationID string, limit int) ([]*models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation ID is required")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Query(rebind(r.driver,
		`SELECT id, conversation_id, direction, author, content, media_type, status, external_id, sent_at
		 FROM (
			SELECT * FROM messages WHERE conversation_id = ?
			ORDER BY sent_at DESC, id DESC LIMIT ?
		 ) recent ORDER BY sent_at ASC, id ASC`),
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var externalID sql.NullString
		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Direction, &msg.Author,
			&msg.Content, &msg.MediaType, &msg.Status, &externalID, &msg.SentAt)
		if err != nil {
			return nil, err
		}
		if externalID.Valid {
			msg.ExternalID = &externalID.String
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkSent sets status to sent and assigns the channel external id.
// The external id is set at most once; a second call with a different id
// leaves the original in place.
func (r *MessageRepository) MarkSent(id, externalID string) error {
	res, err := r.db.Exec(rebind(r.driver,
		`UPDATE messages SET status = ?, external_id = ? WHERE id = ? AND external_id IS NULL`),
		models.MessageSent, externalID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already dispatched once; keep the first external id but make
		// sure the status reflects the send.
		_, err = r.db.Exec(rebind(r.driver,
			`UPDATE messages SET status = ? WHERE id = ? AND status = ?`),
			models.MessageSent, id, models.MessageQueued)
		return err
	}
	return nil
}

// UpdateStatus sets the message status without touching external_id.
func (r *MessageRepository) UpdateStatus(id, status string) error {
	res, err := r.db.Exec(rebind(r.driver,
		`UPDATE messages SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}
