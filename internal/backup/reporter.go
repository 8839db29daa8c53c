package backup

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/offline"
)

// Sender transmits one point over SMS.
type Sender interface {
	Send(ctx context.Context, p models.TelemetryPoint) error
}

// CoordinateSource captures coordinates-only points.
type CoordinateSource interface {
	CoordinatesOnly(ctx context.Context, event constants.PointEvent) (models.TelemetryPoint, error)
}

// Backlog is the backup unit's own offline store.
type Backlog interface {
	Enqueue(p models.TelemetryPoint) (offline.EnqueueResult, error)
	DrainBatch(max int) []models.OfflineQueueEntry
	Acknowledge(sequenceNumbers []uint64) (int, error)
	MarkFailed(sequenceNumbers []uint64) error
}

// StealthReporter sends a coordinates-only point over SMS. A failed report is kept
// in the backlog; after a successful one up to catchUp older reports are resent.
type StealthReporter struct {
	source  CoordinateSource
	sms     Sender
	backlog Backlog
	catchUp int
	logger  zerolog.Logger
}

func NewStealthReporter(source CoordinateSource, sms Sender, backlog Backlog, catchUp int, logger zerolog.Logger) *StealthReporter {
	if catchUp <= 0 {
		catchUp = 3
	}
	return &StealthReporter{source: source, sms: sms, backlog: backlog, catchUp: catchUp, logger: logger}
}

func (r *StealthReporter) Report(ctx context.Context) (bool, error) {
	p, err := r.source.CoordinatesOnly(ctx, constants.PointEventNone)
	if err != nil {
		r.logger.Error().Err(err).Msg("Stealth report skipped, no position")
		return false, err
	}
	p.Channel = constants.ChannelSMS

	if err := r.sms.Send(ctx, p); err != nil {
		r.logger.Warn().Err(err).Uint64("seq", p.SequenceNumber).Msg("Stealth report failed, queued")
		if _, qErr := r.backlog.Enqueue(p); qErr != nil {
			return false, qErr
		}
		return false, nil
	}

	r.resendBacklog(ctx)
	return true, nil
}

func (r *StealthReporter) resendBacklog(ctx context.Context) {
	entries := r.backlog.DrainBatch(r.catchUp)
	if len(entries) == 0 {
		return
	}

	var sent, failed []uint64
	for _, e := range entries {
		p := e.Point
		p.Channel = constants.ChannelSMS
		if err := r.sms.Send(ctx, p); err != nil {
			failed = append(failed, p.SequenceNumber)
			break
		}
		sent = append(sent, p.SequenceNumber)
	}

	if _, err := r.backlog.Acknowledge(sent); err != nil {
		r.logger.Error().Err(err).Msg("Failed to acknowledge resent reports")
	}
	if err := r.backlog.MarkFailed(failed); err != nil {
		r.logger.Error().Err(err).Msg("Failed to mark queued reports")
	}
	r.logger.Info().Int("resent", len(sent)).Msg("Queued stealth reports resent")
}
