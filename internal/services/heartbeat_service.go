package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/monitor"
	"github.com/benmeehan/hybrid-tracker/pkg/pairing"
)

// PowerReader reads the vehicle power input.
type PowerReader interface {
	PowerPresent() (bool, error)
}

// HealthSource collects a device health snapshot.
type HealthSource interface {
	Snapshot(ctx context.Context, config models.HealthConfig) *models.HealthSnapshot
}

// Pulser sends frames over the paired link.
type Pulser interface {
	Send(ctx context.Context, f pairing.Frame) error
}

// HeartbeatService manages periodic heartbeat messages of a primary unit and feeds
// their outcome into the monitor.
type HeartbeatService struct {
	interval  time.Duration
	monitor   *monitor.Monitor
	sender    HeartbeatSender
	power     PowerReader
	pair      Pulser
	health    HealthSource
	healthCfg models.HealthConfig
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatService initializes a new HeartbeatService. power, pair and health may be nil.
func NewHeartbeatService(interval time.Duration, mon *monitor.Monitor, sender HeartbeatSender, power PowerReader,
	pair Pulser, health HealthSource, healthCfg models.HealthConfig, logger zerolog.Logger) *HeartbeatService {
	return &HeartbeatService{
		interval:  interval,
		monitor:   mon,
		sender:    sender,
		power:     power,
		pair:      pair,
		health:    health,
		healthCfg: healthCfg,
		logger:    logger,
	}
}

// Start launches the heartbeat loop in a separate goroutine.
func (h *HeartbeatService) Start() error {
	if h.ctx != nil {
		h.logger.Warn().Msg("HeartbeatService is already running")
		return errors.New("heartbeat service is already running")
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runHeartbeatLoop()
	}()

	h.logger.Info().Dur("interval", h.interval).Msg("HeartbeatService started successfully")
	return nil
}

// Stop gracefully stops the heartbeat service.
func (h *HeartbeatService) Stop() error {
	if h.ctx == nil {
		h.logger.Warn().Msg("HeartbeatService is not running")
		return errors.New("heartbeat service is not running")
	}

	h.cancel()
	h.wg.Wait()

	h.ctx = nil
	h.cancel = nil

	h.logger.Info().Msg("HeartbeatService stopped successfully")
	return nil
}

func (h *HeartbeatService) runHeartbeatLoop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Beat(h.ctx)
		case <-h.ctx.Done():
			h.logger.Info().Msg("HeartbeatService stopping gracefully")
			return
		}
	}
}

// Beat runs one heartbeat interval: sample power, pulse the backup, send the heartbeat.
func (h *HeartbeatService) Beat(ctx context.Context) {
	h.samplePower(ctx)

	if h.pair != nil {
		if err := h.pair.Send(ctx, pairing.Frame{Kind: pairing.FramePulse, At: time.Now().UTC()}); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to pulse paired unit")
		}
	}

	var health *models.HealthSnapshot
	if h.health != nil {
		health = h.health.Snapshot(ctx, h.healthCfg)
	}
	hb := h.monitor.BuildHeartbeat(health)

	sendCtx, cancel := context.WithTimeout(ctx, h.interval)
	err := h.sender.SendHeartbeat(sendCtx, hb)
	cancel()

	state := h.monitor.RecordHeartbeatResult(err == nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("monitor_state", string(state)).Msg("Heartbeat not delivered")
		return
	}
	h.monitor.AckTransitions(len(hb.Transitions))
	h.logger.Debug().Str("monitor_state", string(state)).Msg("Heartbeat delivered")
}

func (h *HeartbeatService) samplePower(ctx context.Context) {
	if h.power == nil {
		return
	}
	present, err := h.power.PowerPresent()
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to read power sensor")
		return
	}
	if h.monitor.SetPowerLost(!present) {
		if _, err := h.monitor.PowerLost(ctx); err != nil {
			h.logger.Error().Err(err).Msg("Failed to raise power loss alert")
		}
	}
}
