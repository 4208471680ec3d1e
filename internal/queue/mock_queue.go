package queue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockQueue is a testify mock of Queue.
type MockQueue struct {
	mock.Mock
}

// Enqueue is the mock implementation of Queue.Enqueue.
func (m *MockQueue) Enqueue(ctx context.Context, articleID string) (Job, error) {
	args := m.Called(ctx, articleID)
	return args.Get(0).(Job), args.Error(1)
}

// Dequeue is the mock implementation of Queue.Dequeue.
func (m *MockQueue) Dequeue(ctx context.Context) (Job, error) {
	args := m.Called(ctx)
	return args.Get(0).(Job), args.Error(1)
}

// Complete is the mock implementation of Queue.Complete.
func (m *MockQueue) Complete(ctx context.Context, job Job) error {
	return m.Called(ctx, job).Error(0)
}

// Retry is the mock implementation of Queue.Retry.
func (m *MockQueue) Retry(ctx context.Context, job Job, delay time.Duration, cause error) error {
	return m.Called(ctx, job, delay, cause).Error(0)
}

// Fail is the mock implementation of Queue.Fail.
func (m *MockQueue) Fail(ctx context.Context, job Job, cause error) error {
	return m.Called(ctx, job, cause).Error(0)
}

// Stats is the mock implementation of Queue.Stats.
func (m *MockQueue) Stats(ctx context.Context) (Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(Stats), args.Error(1)
}

// Failed is the mock implementation of Queue.Failed.
func (m *MockQueue) Failed(ctx context.Context, limit int) ([]Job, error) {
	args := m.Called(ctx, limit)
	jobs, _ := args.Get(0).([]Job)
	return jobs, args.Error(1)
}

// Close is the mock implementation of Queue.Close.
func (m *MockQueue) Close() error {
	return m.Called().Error(0)
}
