package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"crewchat/internal/models"
	"crewchat/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateRoomMessage(ctx context.Context, msg models.Message) (bool, error) {
	args := m.Called(ctx, msg)
	return args.Bool(0), args.Error(1)
}

func (m *MessageRepositoryMock) ListRoomMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, roomID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

type PresenceSourceMock struct {
	mock.Mock
}

func (m *PresenceSourceMock) OnlineUsers() []string {
	args := m.Called()
	var users []string
	if val := args.Get(0); val != nil {
		users = val.([]string)
	}
	return users
}

var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
