package presence

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/parleyhq/parley/pkg/api"
	"github.com/parleyhq/parley/pkg/providers"
)

const (
	// staleAfter is how long after the last heartbeat a peer counts as offline.
	staleAfter = 90 * time.Second
	// sweepInterval is how often expired heartbeats are dropped from the table.
	sweepInterval = 30 * time.Second
)

// Service keeps an in-memory heartbeat table of peers currently online.
type Service struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time

	done chan struct{}
}

// NewService creates a new presence service
func NewService() *Service {
	return &Service{
		lastSeen: make(map[string]time.Time),
		done:     make(chan struct{}),
	}
}

// Name returns the service name
func (s *Service) Name() string {
	return "presence"
}

// Initialize sets up the service
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	return nil
}

// IsRunnable returns true: the sweeper runs in the background
func (s *Service) IsRunnable() bool {
	return true
}

// Start runs the sweeper until Stop
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

// Stop gracefully shuts down the service
func (s *Service) Stop(ctx context.Context) error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

// RegisterAPIRoutes registers presence routes on the guarded group
func (s *Service) RegisterAPIRoutes(router interface{}) error {
	r, ok := router.(fiber.Router)
	if !ok {
		return nil
	}

	r.Post("/presence/heartbeat", s.handleHeartbeat)
	r.Get("/presence", s.handleOnline)
	return nil
}

// Heartbeat records that a peer is alive right now
func (s *Service) Heartbeat(peerID string) {
	if peerID == "" {
		return
	}
	s.mu.Lock()
	s.lastSeen[peerID] = time.Now()
	s.mu.Unlock()
}

// Online returns every peer whose heartbeat is fresh
func (s *Service) Online() []providers.PeerPresence {
	cutoff := time.Now().Add(-staleAfter)

	s.mu.RLock()
	defer s.mu.RUnlock()

	online := make([]providers.PeerPresence, 0, len(s.lastSeen))
	for peerID, seen := range s.lastSeen {
		if seen.After(cutoff) {
			online = append(online, providers.PeerPresence{PeerID: peerID, LastSeen: seen})
		}
	}
	return online
}

// IsOnline reports whether a single peer's heartbeat is fresh
func (s *Service) IsOnline(peerID string) bool {
	s.mu.RLock()
	seen, ok := s.lastSeen[peerID]
	s.mu.RUnlock()
	return ok && time.Since(seen) < staleAfter
}

func (s *Service) sweep() {
	cutoff := time.Now().Add(-staleAfter)

	s.mu.Lock()
	defer s.mu.Unlock()

	for peerID, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			delete(s.lastSeen, peerID)
		}
	}
}

func (s *Service) handleHeartbeat(c *fiber.Ctx) error {
	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.PeerID == "" {
		return api.ErrorBadRequestResp(c, "peer_id is required")
	}

	s.Heartbeat(req.PeerID)
	return api.SuccessResp(c, fiber.Map{"status": "ok"})
}

func (s *Service) handleOnline(c *fiber.Ctx) error {
	return api.SuccessResp(c, s.Online())
}

// Verify that Service implements both Service and PresenceProvider interfaces
var _ providers.Service = (*Service)(nil)
var _ providers.PresenceProvider = (*Service)(nil)
