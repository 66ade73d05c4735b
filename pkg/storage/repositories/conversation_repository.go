package repositories

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/parleyhq/parley/pkg/models"
	"github.com/parleyhq/parley/pkg/utils"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// CreateRoom creates a named room conversation.
func (r *ConversationRepository) CreateRoom(name string) (*models.Conversation, error) {
	if name == "" {
		return nil, fmt.Errorf("room name cannot be empty")
	}

	id, _ := utils.GenerateID()
	conversation := &models.Conversation{
		ID:   id,
		Kind: models.ConversationRoom,
		Name: name,
	}

	if err := r.db.Create(conversation).Error; err != nil {
		return nil, err
	}

	return conversation, nil
}

// EnsureDirect returns the direct conversation between two peers, creating
// it on first use. The conversation ID is the same symmetric pairwise key
// both sides derive for signaling, so no discovery step is needed.
func (r *ConversationRepository) EnsureDirect(id, peerA, peerB string) (*models.Conversation, error) {
	if peerA == "" || peerB == "" {
		return nil, fmt.Errorf("both peer IDs are required")
	}

	var conversation models.Conversation
	err := r.db.Where("id = ?", id).First(&conversation).Error
	if err == nil {
		return &conversation, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	conversation = models.Conversation{
		ID:    id,
		Kind:  models.ConversationDirect,
		PeerA: peerA,
		PeerB: peerB,
	}
	if err := r.db.Create(&conversation).Error; err != nil {
		return nil, err
	}
	return &conversation, nil
}

// Get returns a single conversation by ID
func (r *ConversationRepository) Get(id string) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.Where("id = ?", id).First(&conversation).Error; err != nil {
		return nil, err
	}
	return &conversation, nil
}

// List returns all conversations, most recently updated first.
func (r *ConversationRepository) List() ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	if err := r.db.Order("updated_at desc").Find(&conversations).Error; err != nil {
		return nil, err
	}
	return conversations, nil
}

// Delete removes a conversation and its messages.
func (r *ConversationRepository) Delete(id string) error {
	if err := r.db.Delete(&models.Message{}, "conversation_id = ?", id).Error; err != nil {
		return err
	}
	return r.db.Delete(&models.Conversation{}, "id = ?", id).Error
}
