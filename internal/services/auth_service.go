package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/basetrust/reputation-engine/internal/auth"
	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/repositories"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password does not meet requirements")
)

// AuthService handles developer account operations
type AuthService struct {
	devRepo    *repositories.DeveloperRepository
	jwtManager *auth.JWTManager
	verifier   *auth.KeyVerifier
}

// NewAuthService creates a new auth service
func NewAuthService(devRepo *repositories.DeveloperRepository, jwtManager *auth.JWTManager, verifier *auth.KeyVerifier) *AuthService {
	return &AuthService{
		devRepo:    devRepo,
		jwtManager: jwtManager,
		verifier:   verifier,
	}
}

// RegisterRequest represents a registration request
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Plan     string `json:"plan" binding:"omitempty,oneof=free paid"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents an authentication response
type AuthResponse struct {
	Token     string            `json:"token"`
	ExpiresIn int64             `json:"expires_in"`
	Developer DeveloperResponse `json:"developer"`
}

// DeveloperResponse represents a developer in responses
type DeveloperResponse struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Plan      string    `json:"plan"`
	CreatedAt string    `json:"created_at"`
}

// APIKeyResponse carries a freshly issued key. The plaintext is shown
// exactly once; only its hash survives.
type APIKeyResponse struct {
	APIKey string `json:"api_key"`
	Plan   string `json:"plan"`
}

// Register creates a developer account and returns a session token.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	if !auth.ValidatePasswordStrength(req.Password) {
		return nil, ErrWeakPassword
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	plan := req.Plan
	if plan == "" {
		plan = models.PlanFree
	}

	dev := &models.Developer{
		Email:        req.Email,
		PasswordHash: hashedPassword,
		Plan:         plan,
	}

	if err := s.devRepo.Create(ctx, dev); err != nil {
		if errors.Is(err, repositories.ErrDuplicateEmail) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create developer: %w", err)
	}

	return s.authResponse(dev)
}

// Login authenticates a developer.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	dev, err := s.devRepo.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repositories.ErrDeveloperNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to find developer: %w", err)
	}

	if !auth.CheckPassword(req.Password, dev.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return s.authResponse(dev)
}

// RefreshToken exchanges a valid token for a fresh one.
func (s *AuthService) RefreshToken(ctx context.Context, currentToken string) (*AuthResponse, error) {
	claims, err := s.jwtManager.ValidateToken(currentToken)
	if err != nil {
		return nil, err
	}

	dev, err := s.devRepo.GetByID(ctx, claims.DeveloperID)
	if err != nil {
		return nil, fmt.Errorf("developer not found: %w", err)
	}

	return s.authResponse(dev)
}

// IssueAPIKey mints a new API key for the developer, replacing any prior
// key. Returns the plaintext once.
func (s *AuthService) IssueAPIKey(ctx context.Context, developerID uuid.UUID) (*APIKeyResponse, error) {
	dev, err := s.devRepo.GetByID(ctx, developerID)
	if err != nil {
		return nil, err
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to hash api key: %w", err)
	}

	if err := s.devRepo.UpdateAPIKeyHash(ctx, dev.ID, hash); err != nil {
		return nil, fmt.Errorf("failed to store api key: %w", err)
	}

	// Rotation invalidates any cached verification of the old key.
	if s.verifier != nil {
		s.verifier.InvalidateDeveloper(dev.ID)
	}

	return &APIKeyResponse{APIKey: key, Plan: dev.Plan}, nil
}

// GetDeveloper retrieves a developer by ID
func (s *AuthService) GetDeveloper(ctx context.Context, developerID uuid.UUID) (*DeveloperResponse, error) {
	dev, err := s.devRepo.GetByID(ctx, developerID)
	if err != nil {
		return nil, err
	}

	return &DeveloperResponse{
		ID:        dev.ID,
		Email:     dev.Email,
		Plan:      dev.Plan,
		CreatedAt: dev.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}, nil
}

func (s *AuthService) authResponse(dev *models.Developer) (*AuthResponse, error) {
	token, err := s.jwtManager.GenerateToken(dev.ID, dev.Email, dev.Plan)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &AuthResponse{
		Token:     token,
		ExpiresIn: int64(s.jwtManager.Expiration().Seconds()),
		Developer: DeveloperResponse{
			ID:        dev.ID,
			Email:     dev.Email,
			Plan:      dev.Plan,
			CreatedAt: dev.CreatedAt.Format("2006-01-02T15:04:05Z"),
		},
	}, nil
}
