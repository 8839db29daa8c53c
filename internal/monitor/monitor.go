// Package monitor tracks the liveness state of a primary unit and raises tamper alerts.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/transport"
	"github.com/benmeehan/hybrid-tracker/pkg/pairing"
)

// Deliverer sends a point through the transport selector.
type Deliverer interface {
	Deliver(ctx context.Context, p models.TelemetryPoint) (transport.DeliveryResult, error)
}

// PointSource captures a point tagged with an event.
type PointSource interface {
	Point(ctx context.Context, event constants.PointEvent) (models.TelemetryPoint, error)
}

// PairNotifier forwards frames to the paired backup unit.
type PairNotifier interface {
	Send(ctx context.Context, f pairing.Frame) error
}

type Config struct {
	DeviceID        string
	VehicleID       string
	MissedThreshold int
}

// Monitor is the normal -> degraded -> offline state machine of a primary unit.
// Transitions are buffered until a heartbeat carrying them is delivered.
type Monitor struct {
	cfg     Config
	deliver Deliverer
	points  PointSource
	pair    PairNotifier
	logger  zerolog.Logger
	now     func() time.Time

	mu          sync.Mutex
	state       constants.MonitorState
	missed      int
	powerLost   bool
	tamper      bool
	tamperKind  constants.TamperKind
	transitions []models.StateTransition
}

func New(cfg Config, deliver Deliverer, points PointSource, pair PairNotifier, logger zerolog.Logger) *Monitor {
	if cfg.MissedThreshold <= 0 {
		cfg.MissedThreshold = constants.DefaultMissedHeartbeats
	}
	return &Monitor{
		cfg:     cfg,
		deliver: deliver,
		points:  points,
		pair:    pair,
		logger:  logger,
		now:     time.Now,
		state:   constants.MonitorNormal,
	}
}

// State returns the current monitor state.
func (m *Monitor) State() constants.MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Tampered reports whether a tamper signal has fired since boot.
func (m *Monitor) Tampered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tamper
}

// RecordHeartbeatResult feeds the outcome of one heartbeat interval.
func (m *Monitor) RecordHeartbeatResult(delivered bool) constants.MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if delivered {
		m.missed = 0
		if m.state != constants.MonitorNormal {
			m.transitionLocked(constants.MonitorNormal, "heartbeat delivered")
		}
		return m.state
	}

	m.missed++
	if m.state == constants.MonitorNormal && m.missed >= m.cfg.MissedThreshold {
		m.transitionLocked(constants.MonitorDegraded, fmt.Sprintf("%d consecutive heartbeats missed", m.missed))
	}
	if m.state == constants.MonitorDegraded && m.powerLost {
		m.transitionLocked(constants.MonitorOffline, "power loss confirmed while degraded")
	}
	return m.state
}

// SetPowerLost records the external power sensor. It returns true when power has
// just been lost, so the caller can raise a power_loss event once.
func (m *Monitor) SetPowerLost(lost bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := lost && !m.powerLost
	m.powerLost = lost
	if lost && m.state == constants.MonitorDegraded {
		m.transitionLocked(constants.MonitorOffline, "power loss confirmed while degraded")
	}
	return changed
}

// PowerLost delivers a critical power_loss point.
func (m *Monitor) PowerLost(ctx context.Context) (transport.DeliveryResult, error) {
	return m.alert(ctx, constants.PointEventPowerLoss)
}

// Tamper handles a tamper signal from any state: the backup is told over the
// paired link and a tamper point goes out through the selector, SMS first.
func (m *Monitor) Tamper(ctx context.Context, kind constants.TamperKind) (transport.DeliveryResult, error) {
	m.mu.Lock()
	m.tamper = true
	m.tamperKind = kind
	m.mu.Unlock()

	m.logger.Warn().Str("kind", string(kind)).Msg("Tamper detected")

	if m.pair != nil {
		frame := pairing.Frame{Kind: pairing.FrameTamper, Tamper: kind, At: m.now().UTC()}
		if err := m.pair.Send(ctx, frame); err != nil {
			m.logger.Error().Err(err).Msg("Failed to notify paired unit of tamper")
		}
	}

	return m.alert(ctx, constants.PointEventTamper)
}

func (m *Monitor) alert(ctx context.Context, event constants.PointEvent) (transport.DeliveryResult, error) {
	p, err := m.points.Point(ctx, event)
	if err != nil {
		m.logger.Error().Err(err).Str("event", string(event)).Msg("Failed to capture alert point")
		return transport.DeliveryResult{}, err
	}
	res, err := m.deliver.Deliver(ctx, p)
	if err != nil {
		m.logger.Error().Err(err).Str("event", string(event)).Msg("Alert delivery failed")
		return res, err
	}
	m.logger.Info().Str("event", string(event)).Str("channel", string(res.Channel)).
		Bool("queued", res.Queued).Msg("Alert dispatched")
	return res, nil
}

// BuildHeartbeat snapshots the monitor into a heartbeat. Pending transitions are
// included but kept until AckTransitions confirms delivery.
func (m *Monitor) BuildHeartbeat(health *models.HealthSnapshot) models.Heartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()

	hb := models.Heartbeat{
		DeviceID:     m.cfg.DeviceID,
		VehicleID:    m.cfg.VehicleID,
		Timestamp:    m.now().UTC(),
		MonitorState: m.state,
		TamperFlag:   m.tamper,
		TamperKind:   m.tamperKind,
		PowerLost:    m.powerLost,
		Health:       health,
	}
	if len(m.transitions) > 0 {
		hb.Transitions = append([]models.StateTransition(nil), m.transitions...)
	}
	return hb
}

// AckTransitions drops the first n buffered transitions after they reached the backend.
func (m *Monitor) AckTransitions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.transitions) {
		n = len(m.transitions)
	}
	m.transitions = append(m.transitions[:0], m.transitions[n:]...)
}

func (m *Monitor) transitionLocked(to constants.MonitorState, reason string) {
	from := m.state
	m.state = to
	m.transitions = append(m.transitions, models.StateTransition{From: from, To: to, At: m.now().UTC(), Reason: reason})
	m.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("Monitor state changed")
}
