package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims carries the developer identity inside a signed token. Plan is
// included so handlers can gate paid features without a DB read.
type Claims struct {
	DeveloperID uuid.UUID `json:"developer_id"`
	Email       string    `json:"email"`
	Plan        string    `json:"plan"`
	jwt.RegisteredClaims
}

// JWTManager signs and validates developer tokens (HS256).
type JWTManager struct {
	secret     []byte
	expiration time.Duration
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secret string, expiration time.Duration) *JWTManager {
	return &JWTManager{
		secret:     []byte(secret),
		expiration: expiration,
	}
}

// GenerateToken issues a signed token for a developer.
func (m *JWTManager) GenerateToken(developerID uuid.UUID, email, plan string) (string, error) {
	now := time.Now()
	claims := &Claims{
		DeveloperID: developerID,
		Email:       email,
		Plan:        plan,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   developerID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
			Issuer:    "reputation-engine",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// ValidateToken parses and verifies a token, returning its claims.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Expiration reports the configured token lifetime.
func (m *JWTManager) Expiration() time.Duration {
	return m.expiration
}
