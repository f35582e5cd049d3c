package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	applog "crewchat/internal/log"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	return m.Called(ctx, routingKey, event, headers).Error(0)
}

func (m *publisherMock) Close() error { return nil }

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	p := new(publisherMock)
	user := "crew-1"
	p.On("Publish", mock.Anything, "audit.crewchat", mock.MatchedBy(func(ev AuditEnvelope) bool {
		return ev.EventType == "audit_log" && ev.Service == "crewchat-gateway" && ev.Environment == "test" &&
			ev.RequestID == "req-1" && ev.UserID != nil && *ev.UserID == user && ev.Payload.Text == "hello"
	}), map[string]string{"x-request-id": "req-1"}).Return(nil).Once()

	e := NewAuditEmitter(p, "audit.crewchat", "crewchat-gateway", "test")
	e.Emit(context.Background(), "INFO", "hello", "req-1", &user)
	p.AssertExpectations(t)
}

func TestAuditEmitterSwallowsErrors(t *testing.T) {
	p := new(publisherMock)
	p.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError).Once()

	NewAuditEmitter(p, "k", "s", "e").Emit(context.Background(), "WARN", "x", "", nil)
	p.AssertExpectations(t)

	var nilEmitter *AuditEmitter
	nilEmitter.Emit(context.Background(), "INFO", "ignored", "", nil)
}

func TestSetupTracingWithoutEndpoint(t *testing.T) {
	prev := log.Logger
	defer func() { log.Logger = prev }()
	var buf bytes.Buffer
	applog.InitWriter("test", &buf)

	shutdown, err := SetupTracing(context.Background(), "", "crewchat-gateway", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "tracing disabled")
	assert.Contains(t, buf.String(), `"component":"tracing"`)
}
