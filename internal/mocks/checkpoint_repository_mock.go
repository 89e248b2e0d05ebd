package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

// MockCheckpointRepository is a mock type for the CheckpointRepository type
type MockCheckpointRepository struct {
	mock.Mock
}

// SaveBatch provides a mock function with given fields: ctx, checkpoints
func (_m *MockCheckpointRepository) SaveBatch(ctx context.Context, checkpoints []models.Checkpoint) error {
	ret := _m.Called(ctx, checkpoints)
	if rf, ok := ret.Get(0).(func(context.Context, []models.Checkpoint) error); ok {
		return rf(ctx, checkpoints)
	}
	return ret.Error(0)
}

// LoadLatest provides a mock function with given fields: ctx, sessionID
func (_m *MockCheckpointRepository) LoadLatest(ctx context.Context, sessionID string) (*models.Checkpoint, error) {
	ret := _m.Called(ctx, sessionID)
	cp, _ := ret.Get(0).(*models.Checkpoint)
	return cp, ret.Error(1)
}

// ListTurns provides a mock function with given fields: ctx, sessionID
func (_m *MockCheckpointRepository) ListTurns(ctx context.Context, sessionID string) ([]int64, error) {
	ret := _m.Called(ctx, sessionID)
	turns, _ := ret.Get(0).([]int64)
	return turns, ret.Error(1)
}

// NewMockCheckpointRepository creates a new instance of MockCheckpointRepository.
func NewMockCheckpointRepository(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockCheckpointRepository {
	m := &MockCheckpointRepository{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var _ interfaces.CheckpointRepository = (*MockCheckpointRepository)(nil)
