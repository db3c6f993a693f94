package llm

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock of Client and Embedder.
type MockClient struct {
	mock.Mock
}

// Complete records the call.
func (m *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(Response)
	return resp, args.Error(1) //nolint:wrapcheck
}

// Embed records the call.
func (m *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	vec, _ := args.Get(0).([]float32)
	return vec, args.Error(1) //nolint:wrapcheck
}
