package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockRateLimiter records every Limit call
type MockRateLimiter struct {
	mock.Mock
}

func (m *MockRateLimiter) Limit(ctx context.Context) {
	m.Called(ctx)
}

// NewMockRateLimiter returns a limiter that accepts any number of calls
func NewMockRateLimiter() *MockRateLimiter {
	m := &MockRateLimiter{}
	m.On("Limit", mock.Anything).Return()
	return m
}

// LimitCalls counts how many times Limit was invoked
func (m *MockRateLimiter) LimitCalls() int {
	n := 0
	for _, call := range m.Calls {
		if call.Method == "Limit" {
			n++
		}
	}
	return n
}

type MockUserRegistry struct {
	mock.Mock
}

func (m *MockUserRegistry) CheckPassword(ctx context.Context, username, password string) (bool, error) {
	args := m.Called(ctx, username, password)
	return args.Bool(0), args.Error(1)
}

func (m *MockUserRegistry) Claims(ctx context.Context, username string) (map[string]any, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *MockUserRegistry) IsAdmin(ctx context.Context, username string) (bool, error) {
	args := m.Called(ctx, username)
	return args.Bool(0), args.Error(1)
}
