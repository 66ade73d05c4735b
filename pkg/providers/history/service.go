package history

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/parleyhq/parley/pkg/api"
	"github.com/parleyhq/parley/pkg/models"
	"github.com/parleyhq/parley/pkg/providers"
	"github.com/parleyhq/parley/pkg/signal"
	"github.com/parleyhq/parley/pkg/storage"
	"github.com/parleyhq/parley/pkg/utils"
)

// Service persists conversations and chat messages through the storage layer.
type Service struct {
	registry *providers.Registry
	db       storage.Storage
	selfID   string
}

// NewService creates a new history service
func NewService() *Service {
	return &Service{}
}

// Name returns the service name
func (s *Service) Name() string {
	return "history"
}

// Initialize sets up the service
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	s.registry = registry
	s.db = registry.DB()
	s.selfID = registry.Config().PeerID
	return nil
}

// IsRunnable returns false: the service only serves requests
func (s *Service) IsRunnable() bool {
	return false
}

// Start is a no-op for non-runnable services
func (s *Service) Start(ctx context.Context) error {
	return nil
}

// Stop gracefully shuts down the service
func (s *Service) Stop(ctx context.Context) error {
	return nil
}

// RegisterAPIRoutes registers conversation and message routes on the
// guarded group
func (s *Service) RegisterAPIRoutes(router interface{}) error {
	r, ok := router.(fiber.Router)
	if !ok {
		return nil
	}

	r.Get("/conversations", s.handleListConversations)
	r.Post("/conversations/rooms", s.handleCreateRoom)
	r.Post("/conversations/direct", s.handleEnsureDirect)
	r.Delete("/conversations/:id", s.handleDeleteConversation)
	r.Get("/conversations/:id/messages", s.handleListMessages)
	r.Post("/conversations/:id/messages", s.handleAppendMessage)
	r.Delete("/conversations/:id/messages", s.handleClearMessages)
	return nil
}

// EnsureDirect returns the direct conversation with a peer, creating it on
// first use. The conversation shares its ID with the signaling channel for
// the same pair, so chat history and call signals line up.
func (s *Service) EnsureDirect(ctx context.Context, selfID, peerID string) (*models.Conversation, error) {
	id := signal.PairChannelID(selfID, peerID)
	return s.db.Conversations().EnsureDirect(id, selfID, peerID)
}

// Append persists one message
func (s *Service) Append(ctx context.Context, conversationID, senderID, body string) (*models.Message, error) {
	return s.db.Messages().Append(conversationID, senderID, body)
}

// List returns a conversation's messages, oldest first
func (s *Service) List(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	return s.db.Messages().List(conversationID, limit)
}

// Clear deletes all messages in a conversation, keeping the conversation
func (s *Service) Clear(ctx context.Context, conversationID string) error {
	return s.db.Messages().Clear(conversationID)
}

func (s *Service) handleListConversations(c *fiber.Ctx) error {
	conversations, err := s.db.Conversations().List()
	if err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, conversations)
}

func (s *Service) handleCreateRoom(c *fiber.Ctx) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return api.ErrorBadRequestResp(c, "name is required")
	}

	conversation, err := s.db.Conversations().CreateRoom(req.Name)
	if err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, conversation)
}

func (s *Service) handleEnsureDirect(c *fiber.Ctx) error {
	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.PeerID == "" {
		return api.ErrorBadRequestResp(c, "peer_id is required")
	}

	conversation, err := s.EnsureDirect(c.Context(), s.selfID, req.PeerID)
	if err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, conversation)
}

func (s *Service) handleDeleteConversation(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.db.Conversations().Get(id); err != nil {
		return api.ErrorNotFoundResp(c, "conversation not found")
	}
	if err := s.db.Conversations().Delete(id); err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, fiber.Map{"status": "deleted"})
}

func (s *Service) handleListMessages(c *fiber.Ctx) error {
	id := c.Params("id")
	limit := utils.StringToInt(c.Query("limit", "0"))

	messages, err := s.List(c.Context(), id, limit)
	if err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, messages)
}

func (s *Service) handleAppendMessage(c *fiber.Ctx) error {
	id := c.Params("id")

	var req struct {
		Body string `json:"body"`
	}
	if err := c.BodyParser(&req); err != nil || req.Body == "" {
		return api.ErrorBadRequestResp(c, "body is required")
	}

	if _, err := s.db.Conversations().Get(id); err != nil {
		return api.ErrorNotFoundResp(c, "conversation not found")
	}

	message, err := s.Append(c.Context(), id, s.selfID, req.Body)
	if err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, message)
}

func (s *Service) handleClearMessages(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.db.Conversations().Get(id); err != nil {
		return api.ErrorNotFoundResp(c, "conversation not found")
	}
	if err := s.Clear(c.Context(), id); err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, fiber.Map{"status": "cleared"})
}

// Verify that Service implements both Service and HistoryProvider interfaces
var _ providers.Service = (*Service)(nil)
var _ providers.HistoryProvider = (*Service)(nil)
