package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func runnerReturning(out string) commandRunner {
	return func(context.Context, string, ...string) ([]byte, error) { return []byte(out), nil }
}

func TestMobileDataProbe(t *testing.T) {
	connected := "modem.generic.state                : connected\nmodem.generic.model : EC25\n"
	assert.NoError(t, mobileDataProbe(0, runnerReturning(connected))(context.Background()))

	registered := "modem.generic.state : registered\n"
	assert.Error(t, mobileDataProbe(0, runnerReturning(registered))(context.Background()))

	assert.Error(t, mobileDataProbe(0, runnerReturning(""))(context.Background()))
}

func TestTrustedWiFiProbe(t *testing.T) {
	out := "no:CafeGuest\nyes:Depot\\:Yard\n"
	assert.NoError(t, trustedWiFiProbe([]string{"Depot:Yard"}, runnerReturning(out))(context.Background()))
	assert.Error(t, trustedWiFiProbe([]string{"Home"}, runnerReturning(out))(context.Background()))
	assert.Error(t, trustedWiFiProbe(nil, runnerReturning(out))(context.Background()))
	assert.Error(t, trustedWiFiProbe([]string{"Home"}, runnerReturning("no:Home\n"))(context.Background()))
}
