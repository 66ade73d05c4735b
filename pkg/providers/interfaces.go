package providers

import (
	"context"
	"time"

	"github.com/parleyhq/parley/pkg/call"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/parleyhq/parley/pkg/signal"
)

// AuthProvider defines authentication operations
type AuthProvider interface {
	// Register creates a user with the given credentials
	Register(ctx context.Context, username, password string) error
	// Authenticate validates user credentials and returns a signed token
	Authenticate(ctx context.Context, username, password string) (string, error)
	// ValidateToken verifies a token and returns the username
	ValidateToken(ctx context.Context, token string) (string, error)
}

// PresenceProvider defines peer presence bookkeeping
type PresenceProvider interface {
	// Heartbeat records that a peer is alive right now
	Heartbeat(peerID string)
	// Online returns every peer whose heartbeat is fresh
	Online() []PeerPresence
	// IsOnline reports whether a single peer's heartbeat is fresh
	IsOnline(peerID string) bool
}

// PeerPresence is one entry in the online list
type PeerPresence struct {
	PeerID   string    `json:"peer_id"`
	LastSeen time.Time `json:"last_seen"`
}

// HistoryProvider defines conversation and message persistence
type HistoryProvider interface {
	// EnsureDirect returns the direct conversation with a peer, creating it
	// on first use
	EnsureDirect(ctx context.Context, selfID, peerID string) (*models.Conversation, error)
	// Append persists one message
	Append(ctx context.Context, conversationID, senderID, body string) (*models.Message, error)
	// List returns a conversation's messages, oldest first
	List(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	// Clear deletes all messages in a conversation, keeping the conversation
	Clear(ctx context.Context, conversationID string) error
}

// CallsProvider defines call session control for the host API
type CallsProvider interface {
	// StartCall begins an outgoing call on a channel
	StartCall(ctx context.Context, channelID string, callType signal.CallType) error
	// AcceptCall answers the pending incoming call on a channel
	AcceptCall(ctx context.Context, channelID string) error
	// RejectCall declines the pending incoming call on a channel
	RejectCall(ctx context.Context, channelID string) error
	// HangUp ends the call on a channel
	HangUp(ctx context.Context, channelID string) error
	// SetAudioEnabled gates the local audio track on a channel
	SetAudioEnabled(channelID string, enabled bool) error
	// SetVideoEnabled gates the local video track on a channel
	SetVideoEnabled(channelID string, enabled bool) error
	// Status returns the session snapshot for a channel
	Status(channelID string) (call.Status, error)
	// Statuses returns snapshots for every session
	Statuses() []call.Status
}
