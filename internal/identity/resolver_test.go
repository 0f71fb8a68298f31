package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/mocks"
	"realtime-service/internal/models"
	"realtime-service/internal/repositories"
)

var secret = []byte("test-secret")

func sign(t *testing.T, claims jwt.Claims, key []byte) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func strPtr(s string) *string { return &s }

func TestResolveApprovedUser(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	users.On("FindUserBySubject", mock.Anything, "u1").Return(models.User{
		ID:          "u1",
		Name:        strPtr("Ada"),
		CommunityID: strPtr("bonn"),
		Status:      models.StatusApproved,
	}, nil)

	token := sign(t, jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, secret)
	id, err := NewResolver(secret, users).Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "Ada", id.Username)
	assert.Equal(t, "bonn", id.Community())
	users.AssertExpectations(t)
}

func TestResolveFallsBackToIDClaim(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	users.On("FindUserBySubject", mock.Anything, "u2").Return(models.User{ID: "u2", Status: models.StatusApproved}, nil)

	token := sign(t, Claims{UserID: "u2"}, secret)
	id, err := NewResolver(secret, users).Resolve(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "u2", id.UserID)
	assert.Equal(t, "Anonymous", id.Username)
	assert.False(t, id.HasCommunity())
}

func TestResolveRejectsBadTokens(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	r := NewResolver(secret, users)

	cases := map[string]string{
		"empty":      "",
		"garbage":    "not-a-jwt",
		"wrong key":  sign(t, jwt.RegisteredClaims{Subject: "u1"}, []byte("other")),
		"expired":    sign(t, jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}, secret),
		"no subject": sign(t, jwt.RegisteredClaims{Issuer: "app"}, secret),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
	users.AssertNotCalled(t, "FindUserBySubject", mock.Anything, mock.Anything)
}

func TestResolveUserNotFound(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	users.On("FindUserBySubject", mock.Anything, "gone").Return(nil, repositories.ErrUserNotFound)

	_, err := NewResolver(secret, users).Resolve(context.Background(), sign(t, jwt.RegisteredClaims{Subject: "gone"}, secret))
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestResolveNotApproved(t *testing.T) {
	for _, status := range []models.ApprovalStatus{models.StatusPending, models.StatusRejected} {
		users := new(mocks.UserRepositoryMock)
		users.On("FindUserBySubject", mock.Anything, "u1").Return(models.User{ID: "u1", Status: status}, nil)

		_, err := NewResolver(secret, users).Resolve(context.Background(), sign(t, jwt.RegisteredClaims{Subject: "u1"}, secret))
		assert.ErrorIs(t, err, ErrNotApproved, string(status))
	}
}

func TestResolveStoreFailure(t *testing.T) {
	users := new(mocks.UserRepositoryMock)
	users.On("FindUserBySubject", mock.Anything, "u1").Return(nil, errors.New("connection refused"))

	_, err := NewResolver(secret, users).Resolve(context.Background(), sign(t, jwt.RegisteredClaims{Subject: "u1"}, secret))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}
