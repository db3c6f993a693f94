package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a testify mock of BlobStore.
type MockBlobStore struct {
	mock.Mock
}

// PutObject records the call. The reader is drained so callers can assert on its bytes.
func (m *MockBlobStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	data, _ := io.ReadAll(r)
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}

// GetObject records the call.
func (m *MockBlobStore) GetObject(ctx context.Context, uri string) ([]byte, error) {
	args := m.Called(ctx, uri)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1) //nolint:wrapcheck
}
