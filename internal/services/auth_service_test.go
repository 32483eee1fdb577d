package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/basetrust/reputation-engine/internal/auth"
)

// Paths that reject before the developer repository is touched run
// against a nil repo.
func newValidationOnlyAuthService() *AuthService {
	return NewAuthService(nil, auth.NewJWTManager("test-secret", time.Hour), nil)
}

func TestRegisterRejectsWeakPasswords(t *testing.T) {
	s := newValidationOnlyAuthService()

	for _, weak := range []string{"short1A", "alllowercase1", "NOLOWERCASE1", "NoNumbersHere"} {
		_, err := s.Register(context.Background(), &RegisterRequest{
			Email:    "dev@example.com",
			Password: weak,
		})
		assert.ErrorIs(t, err, ErrWeakPassword, weak)
	}
}

func TestRefreshTokenRejectsInvalidToken(t *testing.T) {
	s := newValidationOnlyAuthService()

	_, err := s.RefreshToken(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestRefreshTokenRejectsExpiredToken(t *testing.T) {
	expired := auth.NewJWTManager("test-secret", -time.Minute)
	token, err := expired.GenerateToken(uuid.New(), "dev@example.com", "free")
	assert.NoError(t, err)

	s := newValidationOnlyAuthService()
	_, err = s.RefreshToken(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)
}
