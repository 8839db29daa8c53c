package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/mocks"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/monitor"
	"github.com/benmeehan/hybrid-tracker/internal/services"
	"github.com/benmeehan/hybrid-tracker/internal/transport"
	"github.com/benmeehan/hybrid-tracker/pkg/pairing"
)

type nopDeliverer struct{ points []models.TelemetryPoint }

func (d *nopDeliverer) Deliver(_ context.Context, p models.TelemetryPoint) (transport.DeliveryResult, error) {
	d.points = append(d.points, p)
	return transport.DeliveryResult{Delivered: true, Channel: constants.ChannelSMS}, nil
}

type seqPoints struct{ seq uint64 }

func (s *seqPoints) Point(_ context.Context, event constants.PointEvent) (models.TelemetryPoint, error) {
	s.seq++
	return models.TelemetryPoint{DeviceID: "pr-1", VehicleID: "veh-1", SequenceNumber: s.seq, Event: event}, nil
}

type powerInput struct{ present bool }

func (p *powerInput) PowerPresent() (bool, error) { return p.present, nil }

type pulseRecorder struct{ frames []pairing.Frame }

func (p *pulseRecorder) Send(_ context.Context, f pairing.Frame) error {
	p.frames = append(p.frames, f)
	return nil
}

func TestHeartbeatService_Beat_MissedHeartbeatsDegradeAndRecover(t *testing.T) {
	mon := monitor.New(monitor.Config{DeviceID: "pr-1", VehicleID: "veh-1", MissedThreshold: 3},
		&nopDeliverer{}, &seqPoints{}, nil, zerolog.Nop())
	uplink := new(mocks.MockUplink)
	uplink.On("SendHeartbeat", mock.Anything, mock.Anything).Return(errors.New("offline")).Times(3)
	uplink.On("SendHeartbeat", mock.Anything, mock.MatchedBy(func(hb models.Heartbeat) bool {
		return len(hb.Transitions) == 1 && hb.Transitions[0].To == constants.MonitorDegraded
	})).Return(nil).Once()

	pulses := &pulseRecorder{}
	h := services.NewHeartbeatService(time.Second, mon, uplink, nil, pulses, nil, models.HealthConfig{}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		h.Beat(context.Background())
	}
	assert.Equal(t, constants.MonitorDegraded, mon.State())

	h.Beat(context.Background())
	assert.Equal(t, constants.MonitorNormal, mon.State())
	assert.Len(t, pulses.frames, 4)
	assert.Equal(t, pairing.FramePulse, pulses.frames[0].Kind)

	hb := mon.BuildHeartbeat(nil)
	require.Len(t, hb.Transitions, 1)
	assert.Equal(t, constants.MonitorNormal, hb.Transitions[0].To)
	uplink.AssertExpectations(t)
}

func TestHeartbeatService_Beat_PowerLossRaisesAlertOnce(t *testing.T) {
	deliverer := &nopDeliverer{}
	mon := monitor.New(monitor.Config{DeviceID: "pr-1", VehicleID: "veh-1"}, deliverer, &seqPoints{}, nil, zerolog.Nop())
	uplink := new(mocks.MockUplink)
	uplink.On("SendHeartbeat", mock.Anything, mock.MatchedBy(func(hb models.Heartbeat) bool { return hb.PowerLost })).Return(nil)

	power := &powerInput{present: false}
	h := services.NewHeartbeatService(time.Second, mon, uplink, power, nil, nil, models.HealthConfig{}, zerolog.Nop())

	h.Beat(context.Background())
	h.Beat(context.Background())

	require.Len(t, deliverer.points, 1)
	assert.Equal(t, constants.PointEventPowerLoss, deliverer.points[0].Event)
}

func TestHeartbeatService_StartStop(t *testing.T) {
	mon := monitor.New(monitor.Config{}, &nopDeliverer{}, &seqPoints{}, nil, zerolog.Nop())
	h := services.NewHeartbeatService(time.Hour, mon, new(mocks.MockUplink), nil, nil, nil, models.HealthConfig{}, zerolog.Nop())

	require.NoError(t, h.Start())
	assert.EqualError(t, h.Start(), "heartbeat service is already running")
	require.NoError(t, h.Stop())
	assert.EqualError(t, h.Stop(), "heartbeat service is not running")
}
