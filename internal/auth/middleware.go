package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/basetrust/reputation-engine/internal/models"
)

const (
	AuthorizationHeader = "Authorization"
	APIKeyHeader        = "X-API-Key"
	BearerPrefix        = "Bearer "
	DeveloperIDKey      = "developer_id"
	DeveloperEmailKey   = "developer_email"
	DeveloperPlanKey    = "developer_plan"
)

// RequireAuth creates a Gin middleware for JWT authentication
func RequireAuth(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid authorization header format",
			})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, BearerPrefix)
		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			message := "invalid token"
			if err == ErrExpiredToken {
				message = "token has expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": message,
			})
			return
		}

		c.Set(DeveloperIDKey, claims.DeveloperID)
		c.Set(DeveloperEmailKey, claims.Email)
		c.Set(DeveloperPlanKey, claims.Plan)

		c.Next()
	}
}

// RequirePlan creates a Gin middleware gating routes to the given plans.
// It must run after RequireAuth or RequireAPIKey.
func RequirePlan(allowedPlans ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		plan, exists := c.Get(DeveloperPlanKey)
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "plan not found in context",
			})
			return
		}

		developerPlan := plan.(string)
		for _, allowed := range allowedPlans {
			if developerPlan == allowed {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "plan does not include this endpoint",
		})
	}
}

// DeveloperSource lists developer accounts holding API keys.
type DeveloperSource interface {
	ListWithAPIKeys(ctx context.Context) ([]*models.Developer, error)
}

type verifiedKey struct {
	developerID uuid.UUID
	email       string
	plan        string
	expiresAt   time.Time
}

// KeyVerifier resolves presented API keys to developers. bcrypt comparison
// against every stored hash is paid once per key; verified keys are held
// (by digest, never plaintext) for verifiedTTL.
type KeyVerifier struct {
	source      DeveloperSource
	mu          sync.RWMutex
	verified    map[string]verifiedKey
	verifiedTTL time.Duration
}

// NewKeyVerifier creates a new API key verifier
func NewKeyVerifier(source DeveloperSource) *KeyVerifier {
	return &KeyVerifier{
		source:      source,
		verified:    make(map[string]verifiedKey),
		verifiedTTL: 5 * time.Minute,
	}
}

// Verify resolves an API key to a developer, or reports failure.
func (v *KeyVerifier) Verify(ctx context.Context, key string) (uuid.UUID, string, string, bool) {
	digestBytes := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(digestBytes[:])

	v.mu.RLock()
	entry, ok := v.verified[digest]
	v.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.developerID, entry.email, entry.plan, true
	}

	devs, err := v.source.ListWithAPIKeys(ctx)
	if err != nil {
		return uuid.Nil, "", "", false
	}

	for _, dev := range devs {
		if CheckAPIKey(key, dev.APIKeyHash) {
			v.mu.Lock()
			v.verified[digest] = verifiedKey{
				developerID: dev.ID,
				email:       dev.Email,
				plan:        dev.Plan,
				expiresAt:   time.Now().Add(v.verifiedTTL),
			}
			v.mu.Unlock()
			return dev.ID, dev.Email, dev.Plan, true
		}
	}

	return uuid.Nil, "", "", false
}

// Invalidate drops a cached key digest, e.g. after key rotation.
func (v *KeyVerifier) Invalidate(key string) {
	digestBytes := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(digestBytes[:])

	v.mu.Lock()
	delete(v.verified, digest)
	v.mu.Unlock()
}

// InvalidateDeveloper drops every cached key resolving to the developer.
// Key rotation needs this form: the replaced key's plaintext is gone, so
// its digest cannot be recomputed.
func (v *KeyVerifier) InvalidateDeveloper(developerID uuid.UUID) {
	v.mu.Lock()
	for digest, entry := range v.verified {
		if entry.developerID == developerID {
			delete(v.verified, digest)
		}
	}
	v.mu.Unlock()
}

// RequireAPIKey creates a Gin middleware authenticating via X-API-Key.
func RequireAPIKey(verifier *KeyVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(APIKeyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing X-API-Key header",
			})
			return
		}

		devID, email, plan, ok := verifier.Verify(c.Request.Context(), key)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid API key",
			})
			return
		}

		c.Set(DeveloperIDKey, devID)
		c.Set(DeveloperEmailKey, email)
		c.Set(DeveloperPlanKey, plan)

		c.Next()
	}
}

// GetDeveloperIDFromContext extracts the developer ID from Gin context
func GetDeveloperIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	devID, exists := c.Get(DeveloperIDKey)
	if !exists {
		return uuid.Nil, false
	}
	return devID.(uuid.UUID), true
}

// GetPlanFromContext extracts the developer plan from Gin context
func GetPlanFromContext(c *gin.Context) (string, bool) {
	plan, exists := c.Get(DeveloperPlanKey)
	if !exists {
		return "", false
	}
	return plan.(string), true
}

// OptionalAuth allows requests without auth but extracts identity if present
func OptionalAuth(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthorizationHeader)
		if authHeader == "" || !strings.HasPrefix(authHeader, BearerPrefix) {
			c.Next()
			return
		}

		tokenString := strings.TrimPrefix(authHeader, BearerPrefix)
		claims, err := jwtManager.ValidateToken(tokenString)
		if err == nil {
			c.Set(DeveloperIDKey, claims.DeveloperID)
			c.Set(DeveloperEmailKey, claims.Email)
			c.Set(DeveloperPlanKey, claims.Plan)
		}

		c.Next()
	}
}
