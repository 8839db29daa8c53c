package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/transport"
)

// TelemetryService captures a routine point every interval and hands it to the selector.
type TelemetryService struct {
	interval time.Duration
	points   PointSource
	selector PointDeliverer
	tracker  *transport.ConnectivityTracker
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTelemetryService initializes a new TelemetryService. tracker may be nil.
func NewTelemetryService(interval time.Duration, points PointSource, selector PointDeliverer,
	tracker *transport.ConnectivityTracker, logger zerolog.Logger) *TelemetryService {
	return &TelemetryService{
		interval: interval,
		points:   points,
		selector: selector,
		tracker:  tracker,
		logger:   logger,
	}
}

// Start launches the capture loop.
func (t *TelemetryService) Start() error {
	if t.ctx != nil {
		t.logger.Warn().Msg("TelemetryService is already running")
		return errors.New("telemetry service is already running")
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run()
	}()

	t.logger.Info().Dur("interval", t.interval).Msg("TelemetryService started successfully")
	return nil
}

// Stop gracefully stops the capture loop.
func (t *TelemetryService) Stop() error {
	if t.ctx == nil {
		t.logger.Warn().Msg("TelemetryService is not running")
		return errors.New("telemetry service is not running")
	}

	t.cancel()
	t.wg.Wait()

	t.ctx = nil
	t.cancel = nil

	t.logger.Info().Msg("TelemetryService stopped successfully")
	return nil
}

func (t *TelemetryService) run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			t.captureOnce(t.ctx)
			if t.tracker != nil {
				t.tracker.Flush(now)
			}
		case <-t.ctx.Done():
			t.logger.Info().Msg("TelemetryService stopping gracefully")
			return
		}
	}
}

func (t *TelemetryService) captureOnce(ctx context.Context) {
	p, err := t.points.Point(ctx, constants.PointEventNone)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Skipping telemetry capture")
		return
	}

	res, err := t.selector.Deliver(ctx, p)
	if err != nil {
		t.logger.Error().Err(err).Uint64("seq", p.SequenceNumber).Msg("Telemetry delivery failed")
		return
	}
	t.logger.Debug().Uint64("seq", p.SequenceNumber).Str("channel", string(res.Channel)).
		Bool("queued", res.Queued).Msg("Telemetry point handled")
}
