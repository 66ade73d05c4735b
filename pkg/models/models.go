// Package models holds the persisted record types shared by the storage
// layer and its repositories.
package models

import "time"

// Conversation kinds.
const (
	ConversationRoom   = "room"
	ConversationDirect = "direct"
)

// Conversation is one chat/call scope: a named room or a direct pair. For
// direct conversations the ID doubles as the signaling channel (the sorted
// pairwise key); rooms use their own ID.
type Conversation struct {
	ID        string    `json:"id" gorm:"type:varchar(128);primaryKey"`
	Kind      string    `json:"kind" gorm:"type:varchar(10)"` // "room" or "direct"
	Name      string    `json:"name" gorm:"type:varchar(128)"`
	PeerA     string    `json:"peer_a" gorm:"type:varchar(64)"`
	PeerB     string    `json:"peer_b" gorm:"type:varchar(64)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (Conversation) TableName() string {
	return "conversations"
}

// Message is one persisted chat message.
type Message struct {
	ID             string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:varchar(128);index"`
	SenderID       string    `json:"sender_id" gorm:"type:varchar(64)"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName overrides the table name
func (Message) TableName() string {
	return "messages"
}
