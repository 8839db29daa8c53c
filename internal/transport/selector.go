// Package transport picks the uplink for each telemetry point and falls back to
// the offline store when every permitted channel fails.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/offline"
	"github.com/benmeehan/hybrid-tracker/internal/uplink"
)

var (
	// ErrTelemetryLost means queuing the point evicted older undelivered points.
	ErrTelemetryLost = errors.New("offline store full, oldest telemetry evicted")
	// ErrRejected means the server refused the point as invalid; it is not queued.
	ErrRejected = errors.New("point rejected")
)

// Queue is where undeliverable points wait.
type Queue interface {
	Enqueue(p models.TelemetryPoint) (offline.EnqueueResult, error)
}

// Channels groups the uplinks available on a device. Any of them may be nil.
type Channels struct {
	MobileData Channel
	WiFi       Channel
	SMS        Channel
}

type Config struct {
	ConnectTimeout   time.Duration
	SendTimeout      time.Duration
	EscalationWindow time.Duration
}

// Attempt records one channel try.
type Attempt struct {
	Channel constants.Channel
	Err     error
}

// DeliveryResult reports how a point left the device.
type DeliveryResult struct {
	Channel   constants.Channel
	Delivered bool
	Queued    bool
	Attempts  []Attempt
	Evicted   int
}

// Selector delivers points over the channels their urgency allows, in order.
type Selector struct {
	channels Channels
	queue    Queue
	tracker  *ConnectivityTracker
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

func NewSelector(channels Channels, queue Queue, tracker *ConnectivityTracker, cfg Config, logger zerolog.Logger) *Selector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = constants.DefaultConnectTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * cfg.ConnectTimeout
	}
	if cfg.EscalationWindow <= 0 {
		cfg.EscalationWindow = constants.DefaultEscalationWindow
	}
	return &Selector{
		channels: channels,
		queue:    queue,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Deliver sends p over the first channel that works and queues it when none does.
//
//	routine:  mobile data, wifi, queue
//	critical: mobile data, wifi (within the escalation window), sms, queue
//	tamper:   sms, mobile data, wifi, queue
func (s *Selector) Deliver(ctx context.Context, p models.TelemetryPoint) (DeliveryResult, error) {
	var res DeliveryResult
	urgency := p.Urgency()

	var err error
	switch urgency {
	case constants.UrgencyTamper:
		err = s.try(ctx, &res, p, s.channels.SMS, s.channels.MobileData, s.channels.WiFi)
	case constants.UrgencyCritical:
		escCtx, cancel := context.WithTimeout(ctx, s.cfg.EscalationWindow)
		err = s.try(escCtx, &res, p, s.channels.MobileData, s.channels.WiFi)
		cancel()
		if !res.Delivered && err == nil {
			s.logger.Warn().Uint64("seq", p.SequenceNumber).Str("event", string(p.Event)).
				Msg("Data channels failed within escalation window, escalating to SMS")
			err = s.try(ctx, &res, p, s.channels.SMS)
		}
	default:
		err = s.try(ctx, &res, p, s.channels.MobileData, s.channels.WiFi)
	}
	if err != nil {
		return res, err
	}
	if res.Delivered {
		s.observe(res.Channel)
		return res, nil
	}

	s.observe(LinkOffline)
	return s.enqueue(res, p)
}

// try walks chain in order until one channel delivers. It only returns an error
// when the point was refused by the server.
func (s *Selector) try(ctx context.Context, res *DeliveryResult, p models.TelemetryPoint, chain ...Channel) error {
	for _, ch := range chain {
		if ch == nil {
			continue
		}
		err := s.attempt(ctx, ch, p)
		res.Attempts = append(res.Attempts, Attempt{Channel: ch.Name(), Err: err})
		if err == nil {
			res.Channel = ch.Name()
			res.Delivered = true
			return nil
		}
		if errors.Is(err, uplink.ErrRejected) {
			s.logger.Error().Err(err).Uint64("seq", p.SequenceNumber).Msg("Server rejected point")
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		s.logger.Debug().Err(err).Str("channel", string(ch.Name())).Uint64("seq", p.SequenceNumber).
			Msg("Channel attempt failed")
	}
	return nil
}

func (s *Selector) attempt(ctx context.Context, ch Channel, p models.TelemetryPoint) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err := ch.Available(probeCtx)
	cancel()
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	p.Channel = ch.Name()
	return ch.Send(sendCtx, p)
}

func (s *Selector) enqueue(res DeliveryResult, p models.TelemetryPoint) (DeliveryResult, error) {
	if p.Channel == "" {
		p.Channel = constants.ChannelBatchSync
	}
	out, err := s.queue.Enqueue(p)
	if err != nil {
		s.logger.Error().Err(err).Uint64("seq", p.SequenceNumber).Msg("Failed to queue undeliverable point")
		return res, err
	}
	res.Queued = true
	res.Evicted = len(out.Evicted)
	if res.Evicted > 0 {
		return res, fmt.Errorf("%w: %d points", ErrTelemetryLost, res.Evicted)
	}
	s.logger.Info().Uint64("seq", p.SequenceNumber).Str("urgency", string(p.Urgency())).
		Int("attempts", len(res.Attempts)).Msg("No channel available, point queued")
	return res, nil
}

func (s *Selector) observe(link constants.Channel) {
	if s.tracker != nil {
		s.tracker.Observe(link, s.now())
	}
}
