package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/parleyhq/parley/pkg/providers"
)

const tokenLifetime = 24 * time.Hour

// Claims are the JWT claims carried by local API tokens.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Service implements authentication with bcrypt password hashes and signed
// HS256 tokens. Users live in memory; the daemon serves one household of
// identities, not a fleet.
type Service struct {
	secret []byte
	users  map[string][]byte // username -> bcrypt hash
	mu     sync.RWMutex
}

// NewService creates a new auth service
func NewService() *Service {
	return &Service{
		users: make(map[string][]byte),
	}
}

// Name returns the service name
func (s *Service) Name() string {
	return "auth"
}

// Initialize picks up the signing secret from configuration
func (s *Service) Initialize(ctx context.Context, registry *providers.Registry) error {
	cfg := registry.Config()
	if cfg == nil || cfg.JWTSecret == "" {
		return errors.New("auth service requires a JWT secret")
	}
	s.secret = []byte(cfg.JWTSecret)
	return nil
}

// IsRunnable returns false as auth service doesn't need background processing
func (s *Service) IsRunnable() bool {
	return false
}

// Start is not used for auth service
func (s *Service) Start(ctx context.Context) error {
	return nil
}

// Stop gracefully shuts down the service
func (s *Service) Stop(ctx context.Context) error {
	return nil
}

// RegisterAPIRoutes registers auth-related routes
func (s *Service) RegisterAPIRoutes(router interface{}) error {
	// Login and register are handled by the API server.
	return nil
}

// Register creates a user with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return errors.New("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return fmt.Errorf("user %s already exists", username)
	}
	s.users[username] = hash
	return nil
}

// Authenticate validates credentials and returns a signed token
func (s *Service) Authenticate(ctx context.Context, username, password string) (string, error) {
	s.mu.RLock()
	hash, exists := s.users[username]
	s.mu.RUnlock()

	if !exists {
		return "", errors.New("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", errors.New("invalid credentials")
	}

	now := time.Now()
	claims := Claims{
		UserID: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token and returns the username
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token claims")
	}
	return claims.UserID, nil
}

// Verify that Service implements both Service and AuthProvider interfaces
var _ providers.Service = (*Service)(nil)
var _ providers.AuthProvider = (*Service)(nil)
