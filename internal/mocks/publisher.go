package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chatroom/internal/rabbitmq"
	"chatroom/internal/telemetry"
)

// PublisherMock stands in for the durable event publisher used by audit and
// websocket lifecycle events.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	return m.Called(ctx, routingKey, event).Error(0)
}

func (m *PublisherMock) Close() error {
	return m.Called().Error(0)
}

var _ rabbitmq.Publisher = (*PublisherMock)(nil)
var _ telemetry.Publisher = (*PublisherMock)(nil)
