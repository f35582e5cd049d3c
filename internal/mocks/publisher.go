package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"crewchat/internal/telemetry"
)

// PublisherMock stands in for the AMQP publisher in audit and ws_events tests.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ telemetry.Publisher = (*PublisherMock)(nil)
