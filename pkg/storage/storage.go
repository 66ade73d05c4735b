package storage

import (
	"gorm.io/gorm"

	"github.com/parleyhq/parley/pkg/storage/repositories"
)

// Storage is the database storage interface
type Storage interface {
	// DB returns the underlying GORM database instance
	DB() *gorm.DB

	// Messages returns the message repository
	Messages() *repositories.MessageRepository

	// Conversations returns the conversation repository
	Conversations() *repositories.ConversationRepository

	Close() error
}
