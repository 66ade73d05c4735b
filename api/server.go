package api

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/parleyhq/parley/pkg/api"
	"github.com/parleyhq/parley/pkg/providers"
)

// ApiServer is the HTTP server using Fiber
type ApiServer struct {
	app       *fiber.App
	providers *providers.Registry
}

// New creates a new HTTP server with the given service registry
func New(p *providers.Registry) *ApiServer {
	app := fiber.New(fiber.Config{
		ErrorHandler:          customErrorHandler,
		DisableStartupMessage: true,
	})

	s := &ApiServer{
		app:       app,
		providers: p,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *ApiServer) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(logger.New())
}

func (s *ApiServer) setupRoutes() {
	s.app.Post("/api/register", s.handleRegister)
	s.app.Post("/api/login", s.handleLogin)
	s.app.Get("/api/whoami", s.authMiddleware, s.handleWhoami)

	s.app.Get("/health", s.handleHealth)
}

// App returns the underlying Fiber app for route registration
func (s *ApiServer) App() *fiber.App {
	return s.app
}

// Protected returns the router group for routes that require a valid bearer
// token. Register, login and health stay outside it; they were registered
// before the group, so its middleware never runs for them.
func (s *ApiServer) Protected() fiber.Router {
	return s.app.Group("/api", s.authMiddleware)
}

// Start starts the HTTP server
func (s *ApiServer) Start(addr string) error {
	s.providers.Logger().Printf("Starting server on %s", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *ApiServer) Shutdown(ctx context.Context) error {
	s.providers.Logger().Println("Server shutdown requested")
	return s.app.ShutdownWithContext(ctx)
}

// authMiddleware extracts and validates the bearer token
func (s *ApiServer) authMiddleware(c *fiber.Ctx) error {
	token := extractToken(c)
	if token == "" {
		return api.ErrorUnauthorizedResp(c, "Missing authorization token")
	}

	auth, err := s.providers.GetAuth()
	if err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}

	username, err := auth.ValidateToken(c.Context(), token)
	if err != nil {
		return api.ErrorUnauthorizedResp(c, "Invalid or expired token")
	}

	c.Locals("username", username)
	return c.Next()
}

// handleRegister handles user registration
func (s *ApiServer) handleRegister(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}

	auth, err := s.providers.GetAuth()
	if err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}

	if err := auth.Register(c.Context(), req.Username, req.Password); err != nil {
		return api.ErrorConflictResp(c, err.Error())
	}

	return api.SuccessResp(c, fiber.Map{"status": "registered"})
}

// handleLogin handles user login
func (s *ApiServer) handleLogin(c *fiber.Ctx) error {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return api.ErrorBadRequestResp(c, "Invalid request body")
	}

	auth, err := s.providers.GetAuth()
	if err != nil {
		return api.ErrorInternalServerErrorResp(c, err.Error())
	}

	token, err := auth.Authenticate(c.Context(), req.Username, req.Password)
	if err != nil {
		return api.ErrorUnauthorizedResp(c, err.Error())
	}

	return api.SuccessResp(c, fiber.Map{"token": token})
}

// handleWhoami returns the identity behind the current token
func (s *ApiServer) handleWhoami(c *fiber.Ctx) error {
	cfg := s.providers.Config()
	return api.SuccessResp(c, fiber.Map{
		"username":     c.Locals("username"),
		"peer_id":      cfg.PeerID,
		"display_name": cfg.DisplayName,
	})
}

// handleHealth handles health checks
func (s *ApiServer) handleHealth(c *fiber.Ctx) error {
	return api.SuccessResp(c, fiber.Map{
		"status":  "healthy",
		"version": s.providers.Config().Version,
	})
}

// extractToken extracts the bearer token from the Authorization header
func extractToken(c *fiber.Ctx) string {
	auth := c.Get("Authorization")
	if auth == "" {
		return ""
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}

	return parts[1]
}

// customErrorHandler handles errors
func customErrorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	if e, ok := err.(*fiber.Error); ok {
		status = e.Code
	}

	return c.Status(status).JSON(api.ApiResponse{
		Success: false,
		Error: &api.ApiError{
			Code:    status,
			Message: err.Error(),
		},
	})
}
