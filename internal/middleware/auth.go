package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"realtime-service/internal/identity"
	"realtime-service/internal/models"
)

const (
	IdentityKey = "identity"
	UserIDKey   = "userID"
)

// Resolver turns a bearer credential into an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (models.Identity, error)
}

// AuthMiddleware validates the Authorization header through the identity resolver.
func AuthMiddleware(resolver Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		id, err := resolver.Resolve(c.Request.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, identity.ErrNotApproved):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account not approved"})
			return
		case errors.Is(err, identity.ErrUnavailable):
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "identity store unavailable"})
			return
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(IdentityKey, id)
		c.Set(UserIDKey, id.UserID)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by AuthMiddleware.
func IdentityFrom(c *gin.Context) (models.Identity, bool) {
	val, ok := c.Get(IdentityKey)
	if !ok {
		return models.Identity{}, false
	}
	id, ok := val.(models.Identity)
	return id, ok
}
