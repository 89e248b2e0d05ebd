package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"tta-server/shared/interfaces"
	"tta-server/shared/models"
)

// MockKnowledgeStore is a mock type for the KnowledgeStore type
type MockKnowledgeStore struct {
	mock.Mock
}

// Query provides a mock function with given fields: ctx, stmt
func (_m *MockKnowledgeStore) Query(ctx context.Context, stmt models.Statement) ([]models.Record, error) {
	ret := _m.Called(ctx, stmt)

	var r0 []models.Record
	if rf, ok := ret.Get(0).(func(context.Context, models.Statement) []models.Record); ok {
		r0 = rf(ctx, stmt)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]models.Record)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, models.Statement) error); ok {
		r1 = rf(ctx, stmt)
	} else {
		r1 = ret.Error(1)
	}
	return r0, r1
}

// Begin provides a mock function with given fields: ctx
func (_m *MockKnowledgeStore) Begin(ctx context.Context) (interfaces.KnowledgeTx, error) {
	ret := _m.Called(ctx)

	var r0 interfaces.KnowledgeTx
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(interfaces.KnowledgeTx)
	}
	return r0, ret.Error(1)
}

// NewMockKnowledgeStore creates a new instance of MockKnowledgeStore. It also registers a testing interface on the mock and a cleanup function to assert the mocks expectations.
func NewMockKnowledgeStore(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockKnowledgeStore {
	m := &MockKnowledgeStore{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// MockKnowledgeTx is a mock type for the KnowledgeTx type
type MockKnowledgeTx struct {
	mock.Mock
}

// Exec provides a mock function with given fields: ctx, stmts
func (_m *MockKnowledgeTx) Exec(ctx context.Context, stmts ...models.Statement) ([][]models.Record, error) {
	ret := _m.Called(ctx, stmts)

	var r0 [][]models.Record
	if rf, ok := ret.Get(0).(func(context.Context, []models.Statement) [][]models.Record); ok {
		r0 = rf(ctx, stmts)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([][]models.Record)
	}
	return r0, ret.Error(1)
}

// Commit provides a mock function with given fields: ctx
func (_m *MockKnowledgeTx) Commit(ctx context.Context) error {
	return _m.Called(ctx).Error(0)
}

// Rollback provides a mock function with given fields: ctx
func (_m *MockKnowledgeTx) Rollback(ctx context.Context) error {
	return _m.Called(ctx).Error(0)
}

// NewMockKnowledgeTx creates a new instance of MockKnowledgeTx.
func NewMockKnowledgeTx(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockKnowledgeTx {
	m := &MockKnowledgeTx{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

var (
	_ interfaces.KnowledgeStore = (*MockKnowledgeStore)(nil)
	_ interfaces.KnowledgeTx    = (*MockKnowledgeTx)(nil)
)
