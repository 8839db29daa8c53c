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

// TamperPoller reports tamper inputs that fired since the last poll.
type TamperPoller interface {
	Poll() ([]constants.TamperKind, error)
}

// TamperHandler raises a tamper alert.
type TamperHandler interface {
	Tamper(ctx context.Context, kind constants.TamperKind) (transport.DeliveryResult, error)
}

// TamperService samples tamper inputs and raises an alert for each new signal.
type TamperService struct {
	interval time.Duration
	poller   TamperPoller
	handler  TamperHandler
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTamperService(interval time.Duration, poller TamperPoller, handler TamperHandler, logger zerolog.Logger) *TamperService {
	return &TamperService{interval: interval, poller: poller, handler: handler, logger: logger}
}

func (t *TamperService) Start() error {
	if t.ctx != nil {
		return errors.New("tamper service is already running")
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.PollOnce(t.ctx)
			case <-t.ctx.Done():
				return
			}
		}
	}()

	t.logger.Info().Dur("poll_interval", t.interval).Msg("TamperService started successfully")
	return nil
}

func (t *TamperService) Stop() error {
	if t.ctx == nil {
		return errors.New("tamper service is not running")
	}
	t.cancel()
	t.wg.Wait()
	t.ctx = nil
	t.cancel = nil
	t.logger.Info().Msg("TamperService stopped successfully")
	return nil
}

// PollOnce samples the inputs once and alerts on each newly fired one.
func (t *TamperService) PollOnce(ctx context.Context) {
	fired, err := t.poller.Poll()
	if err != nil {
		t.logger.Warn().Err(err).Msg("Some tamper inputs could not be read")
	}
	for _, kind := range fired {
		if _, err := t.handler.Tamper(ctx, kind); err != nil {
			t.logger.Error().Err(err).Str("kind", string(kind)).Msg("Tamper alert failed")
		}
	}
}
