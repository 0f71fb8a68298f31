package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/identity"
	"realtime-service/internal/models"
)

type resolverFunc func(ctx context.Context, token string) (models.Identity, error)

func (f resolverFunc) Resolve(ctx context.Context, token string) (models.Identity, error) {
	return f(ctx, token)
}

func setupRouter(resolver Resolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(resolver), func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, gin.H{"userId": id.UserID, "ctxUserId": c.GetString(UserIDKey)})
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	resolver := resolverFunc(func(_ context.Context, token string) (models.Identity, error) {
		switch token {
		case "good":
			return models.Identity{UserID: "u1", Status: models.StatusApproved}, nil
		case "pending":
			return models.Identity{}, identity.ErrNotApproved
		case "down":
			return models.Identity{}, identity.ErrUnavailable
		default:
			return models.Identity{}, identity.ErrInvalidToken
		}
	})
	router := setupRouter(resolver)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", http.StatusUnauthorized},
		{"not approved", "Bearer pending", http.StatusForbidden},
		{"store down", "Bearer down", http.StatusServiceUnavailable},
		{"ok", "Bearer good", http.StatusOK},
		{"lowercase scheme", "bearer good", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusOK {
				assert.JSONEq(t, `{"userId":"u1","ctxUserId":"u1"}`, rec.Body.String())
			}
		})
	}
}
