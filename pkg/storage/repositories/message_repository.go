package repositories

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/parleyhq/parley/pkg/models"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Append persists one chat message and returns it with its generated ID.
func (r *MessageRepository) Append(conversationID, senderID, body string) (*models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation ID cannot be empty")
	}
	if senderID == "" {
		return nil, fmt.Errorf("sender ID cannot be empty")
	}
	if body == "" {
		return nil, fmt.Errorf("message body cannot be empty")
	}

	message := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
	}

	if err := r.db.Create(message).Error; err != nil {
		return nil, err
	}

	return message, nil
}

// List returns up to limit messages for a conversation, oldest first.
// limit <= 0 means no limit.
func (r *MessageRepository) List(conversationID string, limit int) ([]*models.Message, error) {
	var messages []*models.Message
	q := r.db.Where("conversation_id = ?", conversationID).Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// Count returns the number of messages in a conversation.
func (r *MessageRepository) Count(conversationID string) (int, error) {
	var count int64
	if err := r.db.Model(&models.Message{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// Clear removes all messages for a conversation.
func (r *MessageRepository) Clear(conversationID string) error {
	return r.db.Delete(&models.Message{}, "conversation_id = ?", conversationID).Error
}
