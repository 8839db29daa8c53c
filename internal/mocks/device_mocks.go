package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/pkg/modem"
)

// MockUplink mocks the device side HTTP client.
type MockUplink struct {
	mock.Mock
}

func (m *MockUplink) SendLive(ctx context.Context, p models.TelemetryPoint) error {
	return m.Called(ctx, p).Error(0)
}

func (m *MockUplink) SendBatch(ctx context.Context, points []models.TelemetryPoint) (models.BatchResponse, error) {
	args := m.Called(ctx, points)
	return args.Get(0).(models.BatchResponse), args.Error(1)
}

func (m *MockUplink) SendHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	return m.Called(ctx, hb).Error(0)
}

func (m *MockUplink) Provision(ctx context.Context, req models.ProvisionRequest) (models.ProvisionResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.ProvisionResponse), args.Error(1)
}

// MockModem mocks a GSM modem.
type MockModem struct {
	mock.Mock
}

func (m *MockModem) PowerOn(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *MockModem) PowerOff(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *MockModem) SendSMS(ctx context.Context, number, body string) error {
	return m.Called(ctx, number, body).Error(0)
}

func (m *MockModem) ReadInbox(ctx context.Context) ([]modem.Message, error) {
	args := m.Called(ctx)
	msgs, _ := args.Get(0).([]modem.Message)
	return msgs, args.Error(1)
}

func (m *MockModem) Delete(ctx context.Context, index int) error {
	return m.Called(ctx, index).Error(0)
}

func (m *MockModem) Close() error { return m.Called().Error(0) }
