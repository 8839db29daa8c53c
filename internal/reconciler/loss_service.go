package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LossService runs CheckPrimaryLoss on a fixed interval.
type LossService struct {
	reconciler *Reconciler
	interval   time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLossService(r *Reconciler, interval time.Duration, logger zerolog.Logger) *LossService {
	return &LossService{reconciler: r, interval: interval, now: time.Now, logger: logger}
}

func (s *LossService) Start() error {
	if s.ctx != nil {
		return errors.New("loss service is already running")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.checkOnce(s.ctx)
			case <-s.ctx.Done():
				return
			}
		}
	}()

	s.logger.Info().Dur("interval", s.interval).Msg("LossService started successfully")
	return nil
}

func (s *LossService) Stop() error {
	if s.ctx == nil {
		return errors.New("loss service is not running")
	}
	s.cancel()
	s.wg.Wait()
	s.ctx = nil
	s.cancel = nil
	s.logger.Info().Msg("LossService stopped successfully")
	return nil
}

func (s *LossService) checkOnce(ctx context.Context) {
	n, err := s.reconciler.CheckPrimaryLoss(ctx, s.now())
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("Primary loss check failed")
	}
	if n > 0 {
		s.logger.Info().Int("inferred_offline", n).Msg("Primary loss check complete")
	}
}
