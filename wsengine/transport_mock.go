package wsengine

import (
	"context"
	"net"

	"github.com/stretchr/testify/mock"
)

// Mock for Transport
type TransportMock struct {
	mock.Mock
}

// Factory
func NewTransportMock() *TransportMock {
	return &TransportMock{
		Mock: mock.Mock{},
	}
}

// Read - Mocked
//
// When a []byte is provided as third return value, it is copied into p.
func (mock *TransportMock) Read(ctx context.Context, p []byte) (int, error) {
	args := mock.Called(ctx, p)
	if len(args) > 2 {
		if data, ok := args.Get(2).([]byte); ok {
			copy(p, data)
		}
	}
	return args.Int(0), args.Error(1)
}

// Write - Mocked
func (mock *TransportMock) Write(ctx context.Context, p []byte) error {
	args := mock.Called(ctx, p)
	return args.Error(0)
}

// Flush - Mocked
func (mock *TransportMock) Flush(ctx context.Context) error {
	args := mock.Called(ctx)
	return args.Error(0)
}

// Close - Mocked
func (mock *TransportMock) Close(ctx context.Context) error {
	args := mock.Called(ctx)
	return args.Error(0)
}

// LocalAddr - Mocked
func (mock *TransportMock) LocalAddr() net.Addr {
	args := mock.Called()
	if addr, ok := args.Get(0).(net.Addr); ok {
		return addr
	}
	return nil
}

// RemoteAddr - Mocked
func (mock *TransportMock) RemoteAddr() net.Addr {
	args := mock.Called()
	if addr, ok := args.Get(0).(net.Addr); ok {
		return addr
	}
	return nil
}
