// Package backup drives the concealed backup unit: it sleeps until woken and then
// reports its position over SMS until an authenticated recovery command arrives.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/state_managers"
	"github.com/benmeehan/hybrid-tracker/pkg/pairing"
	"github.com/benmeehan/hybrid-tracker/pkg/smscodec"
)

var ErrReplayedDirective = errors.New("directive counter is not newer than the last accepted one")

// Radio is the GSM radio of the backup unit.
type Radio interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
}

// Reporter sends one stealth report. delivered is false when the report was queued.
type Reporter interface {
	Report(ctx context.Context) (delivered bool, err error)
}

// StateStore persists the controller across power cycles.
type StateStore interface {
	LoadState() (state_managers.BackupState, error)
	SaveState(state state_managers.BackupState) error
}

type Config struct {
	StealthInterval time.Duration
	MaxSilence      time.Duration
}

// Controller is the sleeping -> waking -> stealth state machine.
type Controller struct {
	cfg      Config
	radio    Radio
	reporter Reporter
	store    StateStore
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	st        state_managers.BackupState
	lastPulse time.Time
}

// New restores the controller from store. The max-silence timer starts at boot.
func New(cfg Config, radio Radio, reporter Reporter, store StateStore, logger zerolog.Logger) (*Controller, error) {
	return newController(cfg, radio, reporter, store, logger, time.Now)
}

func newController(cfg Config, radio Radio, reporter Reporter, store StateStore, logger zerolog.Logger,
	now func() time.Time) (*Controller, error) {
	if cfg.StealthInterval <= 0 {
		cfg.StealthInterval = constants.DefaultStealthInterval
	}
	if cfg.MaxSilence <= 0 {
		cfg.MaxSilence = constants.DefaultMaxSilence
	}

	st, err := store.LoadState()
	if err != nil {
		return nil, fmt.Errorf("failed to load backup state: %w", err)
	}
	if st.State == "" {
		st.State = constants.BackupSleeping
	}

	c := &Controller{
		cfg:       cfg,
		radio:     radio,
		reporter:  reporter,
		store:     store,
		logger:    logger,
		now:       now,
		st:        st,
		lastPulse: now(),
	}
	c.logger.Info().Str("state", string(st.State)).Uint64("last_directive", st.LastDirective).
		Msg("Backup controller restored")
	return c, nil
}

// State returns the current activation state.
func (c *Controller) State() constants.BackupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st.State
}

// Snapshot returns a copy of the persisted state.
func (c *Controller) Snapshot() state_managers.BackupState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// OnPairedFrame handles a frame from the primary unit.
func (c *Controller) OnPairedFrame(ctx context.Context, f pairing.Frame) error {
	switch f.Kind {
	case pairing.FramePulse:
		c.mu.Lock()
		c.lastPulse = c.now()
		c.mu.Unlock()
		return nil
	case pairing.FrameTamper:
		c.logger.Warn().Str("kind", string(f.Tamper)).Msg("Primary reported tamper over paired link")
		return c.Wake(ctx, constants.WakePairedTamper)
	}
	return fmt.Errorf("%w: kind %q", pairing.ErrBadFrame, f.Kind)
}

// OnDirective applies an authenticated server directive. Directives whose counter
// does not exceed the last accepted one are rejected.
func (c *Controller) OnDirective(ctx context.Context, d smscodec.DirectiveFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Counter <= c.st.LastDirective {
		c.logger.Warn().Uint64("counter", d.Counter).Uint64("last", c.st.LastDirective).
			Msg("Rejected replayed directive")
		return ErrReplayedDirective
	}
	c.st.LastDirective = d.Counter
	if err := c.store.SaveState(c.st); err != nil {
		return err
	}

	switch d.Kind {
	case constants.DirectiveWake:
		return c.wakeLocked(ctx, constants.WakeDirective)
	case constants.DirectiveRecovery:
		return c.recoverLocked(ctx)
	}
	return fmt.Errorf("unknown directive %q", d.Kind)
}

// Wake moves a sleeping unit to stealth. Waking an awake unit is a no-op.
func (c *Controller) Wake(ctx context.Context, reason constants.WakeReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wakeLocked(ctx, reason)
}

// Tick drives timers: max silence while sleeping, retrying an unfinished wake,
// and the fixed-rate stealth report.
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	switch c.st.State {
	case constants.BackupSleeping:
		if now.Sub(c.lastPulse) > c.cfg.MaxSilence {
			c.logger.Warn().Dur("silence", now.Sub(c.lastPulse)).Msg("No pulse from primary, waking")
			return c.wakeLocked(ctx, constants.WakeMaxSilence)
		}
	case constants.BackupWaking:
		return c.completeWakeLocked(ctx)
	case constants.BackupStealth:
		if now.Sub(c.st.LastReportAt) >= c.cfg.StealthInterval {
			return c.reportLocked(ctx)
		}
	}
	return nil
}

func (c *Controller) wakeLocked(ctx context.Context, reason constants.WakeReason) error {
	switch c.st.State {
	case constants.BackupStealth:
		c.logger.Debug().Str("reason", string(reason)).Msg("Already awake, wake ignored")
		return nil
	case constants.BackupWaking:
		return c.completeWakeLocked(ctx)
	}

	c.st.State = constants.BackupWaking
	c.st.WakeReason = reason
	c.st.WokeAt = c.now().UTC()
	c.st.LastTransitionAt = c.st.WokeAt
	if err := c.store.SaveState(c.st); err != nil {
		return err
	}
	c.logger.Warn().Str("reason", string(reason)).Msg("Backup unit waking")
	return c.completeWakeLocked(ctx)
}

func (c *Controller) completeWakeLocked(ctx context.Context) error {
	if err := c.radio.PowerOn(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to power GSM radio, will retry")
		return err
	}
	c.st.State = constants.BackupStealth
	c.st.LastTransitionAt = c.now().UTC()
	if err := c.store.SaveState(c.st); err != nil {
		return err
	}
	c.logger.Info().Msg("Backup unit in stealth mode")
	return c.reportLocked(ctx)
}

func (c *Controller) recoverLocked(ctx context.Context) error {
	if c.st.State == constants.BackupSleeping {
		return nil
	}
	if err := c.radio.PowerOff(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Failed to power down GSM radio")
	}
	now := c.now()
	c.st.State = constants.BackupSleeping
	c.st.RecoveredAt = now.UTC()
	c.st.LastTransitionAt = now.UTC()
	c.lastPulse = now
	if err := c.store.SaveState(c.st); err != nil {
		return err
	}
	c.logger.Info().Msg("Recovery accepted, backup unit sleeping")
	return nil
}

func (c *Controller) reportLocked(ctx context.Context) error {
	c.st.LastReportAt = c.now().UTC()
	delivered, err := c.reporter.Report(ctx)
	if delivered {
		c.st.ReportsSent++
	} else {
		c.st.ReportsQueued++
	}
	if saveErr := c.store.SaveState(c.st); saveErr != nil {
		return errors.Join(err, saveErr)
	}
	return err
}
