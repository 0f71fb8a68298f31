package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"realtime-service/internal/models"
	"realtime-service/internal/repositories"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUserNotFound = errors.New("user not found")
	ErrNotApproved  = errors.New("account not approved")
	// ErrUnavailable means the user store could not be reached; the credential itself may be fine.
	ErrUnavailable = errors.New("identity lookup unavailable")
)

// UserStore is the subset of the user repository the resolver needs.
type UserStore interface {
	FindUserBySubject(ctx context.Context, subject string) (models.User, error)
}

// Claims accepts tokens that carry the user either in "sub" or in a custom "id" claim.
type Claims struct {
	UserID string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) subject() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// Resolver turns a bearer credential into an Identity.
type Resolver struct {
	secret []byte
	users  UserStore
	parser *jwt.Parser
}

func NewResolver(secret []byte, users UserStore) *Resolver {
	return &Resolver{
		secret: secret,
		users:  users,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		})),
	}
}

// Resolve verifies token and loads the current account state. Approval and community
// always come from the store, never from the token.
func (r *Resolver) Resolve(ctx context.Context, token string) (models.Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return models.Identity{}, ErrInvalidToken
	}

	claims := &Claims{}
	parsed, err := r.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := claims.subject()
	if subject == "" {
		return models.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	user, err := r.users.FindUserBySubject(ctx, subject)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return models.Identity{}, ErrUserNotFound
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if user.Status != models.StatusApproved {
		return models.Identity{}, ErrNotApproved
	}

	return models.Identity{
		UserID:      user.ID,
		Username:    user.DisplayName(),
		CommunityID: user.CommunityID,
		Status:      user.Status,
	}, nil
}
