package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

// MockDirectiveSender mocks the outbound SMS gateway.
type MockDirectiveSender struct {
	mock.Mock
}

func (m *MockDirectiveSender) SendDirective(ctx context.Context, deviceID, smsAddress string, kind constants.DirectiveKind) error {
	return m.Called(ctx, deviceID, smsAddress, kind).Error(0)
}
