package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	devID := uuid.New()

	token, err := m.GenerateToken(devID, "dev@example.com", "paid")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)

	assert.Equal(t, devID, claims.DeveloperID)
	assert.Equal(t, "dev@example.com", claims.Email)
	assert.Equal(t, "paid", claims.Plan)
	assert.Equal(t, devID.String(), claims.Subject)
	assert.Equal(t, "reputation-engine", claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
	assert.Equal(t, time.Hour, m.Expiration())
}

func TestValidateTokenWrongSecret(t *testing.T) {
	issuer := NewJWTManager("secret-a", time.Hour)
	verifier := NewJWTManager("secret-b", time.Hour)

	token, err := issuer.GenerateToken(uuid.New(), "dev@example.com", "free")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateTokenExpired(t *testing.T) {
	m := NewJWTManager("test-secret", -time.Minute)

	token, err := m.GenerateToken(uuid.New(), "dev@example.com", "free")
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateTokenGarbage(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	for _, bad := range []string{"", "not-a-token", "a.b.c"} {
		_, err := m.ValidateToken(bad)
		assert.ErrorIs(t, err, ErrInvalidToken, bad)
	}
}

func TestValidateTokenRejectsUnsignedAlgorithm(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		DeveloperID: uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
