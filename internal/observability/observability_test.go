package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	return m.Called(ctx, routingKey, event, headers).Error(0)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestPublishEventCountsFailures(t *testing.T) {
	t.Cleanup(func() { SetPublisher(nil) })
	assert.NoError(t, PublishEvent(context.Background(), "k", nil, nil))

	p := new(publisherMock)
	p.On("Publish", mock.Anything, "ws_events.sessions", mock.Anything, mock.Anything).Return(assert.AnError).Once()
	SetPublisher(p)

	before := counterValue(t, amqpPublishErrorsTotal)
	err := PublishEvent(context.Background(), "ws_events.sessions", EventEnvelope{EventName: "ws_error"}, nil)
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, before+1, counterValue(t, amqpPublishErrorsTotal))
	p.AssertExpectations(t)
}

func TestBuildHeaders(t *testing.T) {
	assert.Empty(t, BuildHeaders("", ""))
	assert.Equal(t, map[string]string{"x-request-id": "r", "trace_id": "t"}, BuildHeaders("r", "t"))
}

func TestMetaFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?deviceId=phone-1&requestId=q-1", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, RequestMeta{DeviceID: "phone-1", RequestID: "q-1", IP: "10.0.0.1"}, MetaFromRequest(req))

	req.Header.Set("X-Device-Id", "tablet")
	req.Header.Set("X-Real-Ip", "172.16.0.9")
	assert.Equal(t, "tablet", MetaFromRequest(req).DeviceID)
	assert.Equal(t, "172.16.0.9", MetaFromRequest(req).IP)

	req.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	assert.Equal(t, "1.2.3.4", MetaFromRequest(req).IP)
}

func TestFrameCounter(t *testing.T) {
	before := counterValue(t, framesInboundTotal.WithLabelValues("send_message", "ok"))
	IncFrame("send_message", "ok")
	assert.Equal(t, before+1, counterValue(t, framesInboundTotal.WithLabelValues("send_message", "ok")))
}
