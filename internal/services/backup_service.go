package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/pkg/modem"
	"github.com/benmeehan/hybrid-tracker/pkg/pairing"
	"github.com/benmeehan/hybrid-tracker/pkg/smscodec"
)

// BackupController is the activation state machine the service drives.
type BackupController interface {
	OnPairedFrame(ctx context.Context, f pairing.Frame) error
	OnDirective(ctx context.Context, d smscodec.DirectiveFrame) error
	Tick(ctx context.Context) error
	State() constants.BackupState
}

// BackupService feeds the backup controller: paired link frames, server directives
// read from the modem inbox, and timer ticks.
type BackupService struct {
	controller    BackupController
	frames        <-chan pairing.Frame
	inbox         modem.Modem
	deviceID      string
	serverNumber  string
	sealer        smscodec.Sealer
	tickInterval  time.Duration
	inboxInterval time.Duration
	logger        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBackupService initializes a new BackupService. frames may be nil when the
// unit has no paired link.
func NewBackupService(controller BackupController, frames <-chan pairing.Frame, inbox modem.Modem,
	deviceID, serverNumber string, sealer smscodec.Sealer, tickInterval, inboxInterval time.Duration,
	logger zerolog.Logger) *BackupService {
	return &BackupService{
		controller:    controller,
		frames:        frames,
		inbox:         inbox,
		deviceID:      deviceID,
		serverNumber:  serverNumber,
		sealer:        sealer,
		tickInterval:  tickInterval,
		inboxInterval: inboxInterval,
		logger:        logger,
	}
}

func (b *BackupService) Start() error {
	if b.ctx != nil {
		b.logger.Warn().Msg("BackupService is already running")
		return errors.New("backup service is already running")
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run()
	}()

	b.logger.Info().Str("state", string(b.controller.State())).Msg("BackupService started successfully")
	return nil
}

func (b *BackupService) Stop() error {
	if b.ctx == nil {
		b.logger.Warn().Msg("BackupService is not running")
		return errors.New("backup service is not running")
	}
	b.cancel()
	b.wg.Wait()
	b.ctx = nil
	b.cancel = nil
	b.logger.Info().Msg("BackupService stopped successfully")
	return nil
}

func (b *BackupService) run() {
	tick := time.NewTicker(b.tickInterval)
	defer tick.Stop()
	inbox := time.NewTicker(b.inboxInterval)
	defer inbox.Stop()

	frames := b.frames
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				b.logger.Warn().Msg("Paired link closed")
				frames = nil
				continue
			}
			if err := b.controller.OnPairedFrame(b.ctx, f); err != nil {
				b.logger.Error().Err(err).Msg("Failed to handle paired frame")
			}
		case <-tick.C:
			if err := b.controller.Tick(b.ctx); err != nil {
				b.logger.Error().Err(err).Msg("Backup controller tick failed")
			}
		case <-inbox.C:
			b.CheckInbox(b.ctx)
		case <-b.ctx.Done():
			return
		}
	}
}

// CheckInbox applies directives waiting in the modem inbox. Every message is
// deleted once looked at; only authenticated directives from the server number
// reach the controller.
func (b *BackupService) CheckInbox(ctx context.Context) {
	if b.inbox == nil {
		return
	}
	msgs, err := b.inbox.ReadInbox(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to read modem inbox")
		return
	}

	for _, msg := range msgs {
		b.handleMessage(ctx, msg)
		if err := b.inbox.Delete(ctx, msg.Index); err != nil {
			b.logger.Warn().Err(err).Int("index", msg.Index).Msg("Failed to delete SMS")
		}
	}
}

func (b *BackupService) handleMessage(ctx context.Context, msg modem.Message) {
	log := b.logger.With().Str("sender", msg.Sender).Logger()

	if digits(msg.Sender) != digits(b.serverNumber) {
		log.Warn().Msg("Ignoring SMS from unknown sender")
		return
	}
	deviceID, sealed, err := smscodec.Split(msg.Body)
	if err != nil || deviceID != b.deviceID {
		log.Warn().Err(err).Msg("Ignoring SMS not addressed to this unit")
		return
	}
	frame, err := smscodec.Unwrap(deviceID, sealed, b.sealer)
	if err != nil {
		log.Warn().Err(err).Msg("Rejected unauthenticated directive")
		return
	}
	if frame.Directive == nil {
		log.Warn().Msg("Ignoring non-directive frame")
		return
	}
	if err := b.controller.OnDirective(ctx, *frame.Directive); err != nil {
		log.Warn().Err(err).Str("kind", string(frame.Directive.Kind)).Msg("Directive not applied")
		return
	}
	log.Info().Str("kind", string(frame.Directive.Kind)).Uint64("counter", frame.Directive.Counter).Msg("Directive applied")
}

func digits(number string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, number)
}
