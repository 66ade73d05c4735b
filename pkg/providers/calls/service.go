package calls

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/parleyhq/parley/pkg/api"
	"github.com/parleyhq/parley/pkg/call"
	"github.com/parleyhq/parley/pkg/logger"
	"github.com/parleyhq/parley/pkg/providers"
	"github.com/parleyhq/parley/pkg/signal"
)

// Service exposes call session control over the host API. The manager owns
// the sessions; this service only translates HTTP requests into manager
// operations and error codes.
type Service struct {
	manager *call.Manager
	logger  *logger.Logger
}

// NewService creates a new calls service around an existing manager
func NewService(manager *call.Manager) *Service {
	return &Service{manager: manager}
}

// Name returns the service name
func (s *Service) Name() string {
	return "calls"
}

// Initialize sets up the service
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	if s.manager == nil {
		return fmt.Errorf("calls service requires a call manager")
	}
	s.logger = registry.Logger()
	return nil
}

// IsRunnable returns false: sessions run their own goroutines
func (s *Service) IsRunnable() bool {
	return false
}

// Start is a no-op for non-runnable services
func (s *Service) Start(ctx context.Context) error {
	return nil
}

// Stop hangs up and closes every live session
func (s *Service) Stop(ctx context.Context) error {
	s.manager.CloseAll(ctx)
	return nil
}

// RegisterAPIRoutes registers call control routes on the guarded group
func (s *Service) RegisterAPIRoutes(router interface{}) error {
	r, ok := router.(fiber.Router)
	if !ok {
		return nil
	}

	r.Get("/calls", s.handleStatuses)
	r.Get("/calls/:channel", s.handleStatus)
	r.Post("/calls/:channel/start", s.handleStart)
	r.Post("/calls/:channel/accept", s.handleAccept)
	r.Post("/calls/:channel/reject", s.handleReject)
	r.Post("/calls/:channel/hangup", s.handleHangUp)
	r.Post("/calls/:channel/audio", s.handleAudio)
	r.Post("/calls/:channel/video", s.handleVideo)
	return nil
}

// StartCall begins an outgoing call on a channel
func (s *Service) StartCall(ctx context.Context, channelID string, callType signal.CallType) error {
	session := s.manager.Session(channelID, call.Callbacks{})
	return session.Start(ctx, callType)
}

// AcceptCall answers the pending incoming call on a channel
func (s *Service) AcceptCall(ctx context.Context, channelID string) error {
	session, ok := s.manager.Get(channelID)
	if !ok {
		return call.ErrNoPendingCall
	}
	return session.Accept(ctx)
}

// RejectCall declines the pending incoming call on a channel
func (s *Service) RejectCall(ctx context.Context, channelID string) error {
	session, ok := s.manager.Get(channelID)
	if !ok {
		return call.ErrNoPendingCall
	}
	return session.Reject(ctx)
}

// HangUp ends the call on a channel
func (s *Service) HangUp(ctx context.Context, channelID string) error {
	session, ok := s.manager.Get(channelID)
	if !ok {
		return nil
	}
	return session.HangUp(ctx)
}

// SetAudioEnabled gates the local audio track on a channel
func (s *Service) SetAudioEnabled(channelID string, enabled bool) error {
	session, ok := s.manager.Get(channelID)
	if !ok {
		return fmt.Errorf("no session for channel %s", channelID)
	}
	session.SetAudioEnabled(enabled)
	return nil
}

// SetVideoEnabled gates the local video track on a channel
func (s *Service) SetVideoEnabled(channelID string, enabled bool) error {
	session, ok := s.manager.Get(channelID)
	if !ok {
		return fmt.Errorf("no session for channel %s", channelID)
	}
	session.SetVideoEnabled(enabled)
	return nil
}

// Status returns the session snapshot for a channel
func (s *Service) Status(channelID string) (call.Status, error) {
	session, ok := s.manager.Get(channelID)
	if !ok {
		return call.Status{}, fmt.Errorf("no session for channel %s", channelID)
	}
	return session.Status(), nil
}

// Statuses returns snapshots for every session
func (s *Service) Statuses() []call.Status {
	return s.manager.Statuses()
}

func (s *Service) handleStatuses(c *fiber.Ctx) error {
	return api.SuccessResp(c, s.Statuses())
}

func (s *Service) handleStatus(c *fiber.Ctx) error {
	status, err := s.Status(c.Params("channel"))
	if err != nil {
		return api.ErrorNotFoundResp(c, err.Error())
	}
	return api.SuccessResp(c, status)
}

func (s *Service) handleStart(c *fiber.Ctx) error {
	var req struct {
		CallType string `json:"call_type"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "invalid request body")
	}

	callType := signal.CallType(req.CallType)
	if req.CallType == "" {
		callType = signal.CallAudio
	}
	if !callType.Valid() {
		return api.ErrorBadRequestResp(c, "call_type must be audio or video")
	}

	if err := s.StartCall(c.Context(), c.Params("channel"), callType); err != nil {
		if errors.Is(err, call.ErrLineBusy) {
			return api.ErrorConflictResp(c, err.Error())
		}
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, fiber.Map{"status": "calling"})
}

func (s *Service) handleAccept(c *fiber.Ctx) error {
	if err := s.AcceptCall(c.Context(), c.Params("channel")); err != nil {
		if errors.Is(err, call.ErrNoPendingCall) {
			return api.ErrorNotFoundResp(c, err.Error())
		}
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, fiber.Map{"status": "accepted"})
}

func (s *Service) handleReject(c *fiber.Ctx) error {
	if err := s.RejectCall(c.Context(), c.Params("channel")); err != nil {
		if errors.Is(err, call.ErrNoPendingCall) {
			return api.ErrorNotFoundResp(c, err.Error())
		}
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, fiber.Map{"status": "rejected"})
}

func (s *Service) handleHangUp(c *fiber.Ctx) error {
	if err := s.HangUp(c.Context(), c.Params("channel")); err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}
	return api.SuccessResp(c, fiber.Map{"status": "ended"})
}

func (s *Service) handleAudio(c *fiber.Ctx) error {
	return s.handleToggle(c, s.SetAudioEnabled)
}

func (s *Service) handleVideo(c *fiber.Ctx) error {
	return s.handleToggle(c, s.SetVideoEnabled)
}

func (s *Service) handleToggle(c *fiber.Ctx, set func(string, bool) error) error {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.BodyParser(&req); err != nil || req.Enabled == nil {
		return api.ErrorBadRequestResp(c, "enabled is required")
	}

	if err := set(c.Params("channel"), *req.Enabled); err != nil {
		return api.ErrorNotFoundResp(c, err.Error())
	}
	return api.SuccessResp(c, fiber.Map{"status": "ok"})
}

// Verify that Service implements both Service and CallsProvider interfaces
var _ providers.Service = (*Service)(nil)
var _ providers.CallsProvider = (*Service)(nil)
