package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"realtime-service/internal/models"
	"realtime-service/internal/repositories"
)

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) FindUserByID(ctx context.Context, userID string) (models.User, error) {
	args := m.Called(ctx, userID)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) FindUserBySubject(ctx context.Context, subject string) (models.User, error) {
	args := m.Called(ctx, subject)
	var user models.User
	if val := args.Get(0); val != nil {
		user = val.(models.User)
	}
	return user, args.Error(1)
}

func (m *UserRepositoryMock) FindUsersByIDs(ctx context.Context, userIDs []string) ([]models.User, error) {
	args := m.Called(ctx, userIDs)
	var users []models.User
	if val := args.Get(0); val != nil {
		users = val.([]models.User)
	}
	return users, args.Error(1)
}

type CircleRepositoryMock struct {
	mock.Mock
}

func (m *CircleRepositoryMock) IsMember(ctx context.Context, circleID string, userID string) (bool, error) {
	args := m.Called(ctx, circleID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *CircleRepositoryMock) GetCircleCommunity(ctx context.Context, circleID string) (string, error) {
	args := m.Called(ctx, circleID)
	return args.String(0), args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) InsertChatMessage(ctx context.Context, msg models.NewChatMessage) (models.ChatMessage, error) {
	args := m.Called(ctx, msg)
	var stored models.ChatMessage
	if val := args.Get(0); val != nil {
		stored = val.(models.ChatMessage)
	}
	return stored, args.Error(1)
}

func (m *MessageRepositoryMock) GetChatMessage(ctx context.Context, messageID string) (models.ChatMessage, error) {
	args := m.Called(ctx, messageID)
	var msg models.ChatMessage
	if val := args.Get(0); val != nil {
		msg = val.(models.ChatMessage)
	}
	return msg, args.Error(1)
}

var _ repositories.UserRepository = (*UserRepositoryMock)(nil)
var _ repositories.CircleRepository = (*CircleRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
