package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/pkg/modem"
	"github.com/benmeehan/hybrid-tracker/pkg/smscodec"
)

var ErrChannelUnavailable = errors.New("channel unavailable")

// Channel is one uplink the selector can try.
type Channel interface {
	Name() constants.Channel
	// Available probes reachability. It must honour ctx.
	Available(ctx context.Context) error
	Send(ctx context.Context, p models.TelemetryPoint) error
}

// LiveSender posts a single point to the live endpoint.
type LiveSender interface {
	SendLive(ctx context.Context, p models.TelemetryPoint) error
}

// Probe checks whether a network path is usable.
type Probe func(ctx context.Context) error

// HTTPChannel delivers points to the live endpoint over a network path checked by probe.
type HTTPChannel struct {
	name   constants.Channel
	probe  Probe
	sender LiveSender
}

func NewHTTPChannel(name constants.Channel, probe Probe, sender LiveSender) *HTTPChannel {
	return &HTTPChannel{name: name, probe: probe, sender: sender}
}

func (c *HTTPChannel) Name() constants.Channel { return c.name }

func (c *HTTPChannel) Available(ctx context.Context) error {
	if c.probe == nil {
		return nil
	}
	if err := c.probe(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrChannelUnavailable, c.name, err)
	}
	return nil
}

func (c *HTTPChannel) Send(ctx context.Context, p models.TelemetryPoint) error {
	return c.sender.SendLive(ctx, p)
}

// SMSChannel delivers points as sealed compact frames through the GSM modem.
type SMSChannel struct {
	modem    modem.Modem
	number   string
	deviceID string
	sealer   smscodec.Sealer
	logger   zerolog.Logger
}

func NewSMSChannel(m modem.Modem, serverNumber, deviceID string, sealer smscodec.Sealer, logger zerolog.Logger) *SMSChannel {
	return &SMSChannel{modem: m, number: serverNumber, deviceID: deviceID, sealer: sealer, logger: logger}
}

func (c *SMSChannel) Name() constants.Channel { return constants.ChannelSMS }

func (c *SMSChannel) Available(context.Context) error {
	if c.modem == nil || c.number == "" {
		return fmt.Errorf("%w: sms: no modem or server number", ErrChannelUnavailable)
	}
	return nil
}

func (c *SMSChannel) Send(ctx context.Context, p models.TelemetryPoint) error {
	frame, err := smscodec.EncodePoint(p)
	if err != nil {
		return err
	}
	body, err := smscodec.Wrap(c.deviceID, frame, c.sealer)
	if err != nil {
		return err
	}
	if err := c.modem.SendSMS(ctx, c.number, body); err != nil {
		return err
	}
	c.logger.Debug().Uint64("seq", p.SequenceNumber).Int("bytes", len(body)).Msg("Point sent over SMS")
	return nil
}
