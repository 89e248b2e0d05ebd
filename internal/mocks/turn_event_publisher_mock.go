package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

// MockTurnEventPublisher is a mock type for the TurnEventPublisher type
type MockTurnEventPublisher struct {
	mock.Mock
}

// PublishTurnEvent provides a mock function with given fields: ctx, event
func (_m *MockTurnEventPublisher) PublishTurnEvent(ctx context.Context, event models.TurnEvent) error {
	return _m.Called(ctx, event).Error(0)
}

// NewMockTurnEventPublisher creates a new instance of MockTurnEventPublisher.
func NewMockTurnEventPublisher(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockTurnEventPublisher {
	m := &MockTurnEventPublisher{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ interfaces.TurnEventPublisher = (*MockTurnEventPublisher)(nil)
