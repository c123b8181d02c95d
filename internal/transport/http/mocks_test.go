package http

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/stretchr/testify/mock"

	"keygate/internal/store"
	v1 "keygate/pkg/contracts/v1"
)

// MockAuthority implements LicenseAuthority for handler tests.
type MockAuthority struct {
	mock.Mock
}

func (m *MockAuthority) Validate(ctx context.Context, req *v1.ValidateRequest) (*v1.ValidationResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*v1.ValidationResult), args.Error(1)
}

func (m *MockAuthority) Generate(ctx context.Context, req *v1.GenerateRequest) (*v1.LicenseRecord, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*v1.LicenseRecord), args.Error(1)
}

func (m *MockAuthority) Revoke(ctx context.Context, key, reason string) (*v1.RevokeResponse, error) {
	args := m.Called(ctx, key, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*v1.RevokeResponse), args.Error(1)
}

func (m *MockAuthority) DeactivateMachine(ctx context.Context, key, machineID string) error {
	args := m.Called(ctx, key, machineID)
	return args.Error(0)
}

func (m *MockAuthority) Machines(ctx context.Context, key string) ([]store.Machine, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.Machine), args.Error(1)
}

func (m *MockAuthority) PurgeUsage(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// MockProcessor implements EventProcessor for webhook handler tests.
type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Process(ctx context.Context, event *v1.SubscriptionEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
