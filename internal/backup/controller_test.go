package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/state_managers"
	"github.com/benmeehan/hybrid-tracker/pkg/pairing"
	"github.com/benmeehan/hybrid-tracker/pkg/smscodec"
)

type memoryState struct {
	st    state_managers.BackupState
	saves int
}

func (m *memoryState) LoadState() (state_managers.BackupState, error) { return m.st, nil }
func (m *memoryState) SaveState(s state_managers.BackupState) error {
	m.st = s
	m.saves++
	return nil
}

type fakeRadio struct {
	on, off int
	failOn  int
}

func (r *fakeRadio) PowerOn(context.Context) error {
	if r.failOn > 0 {
		r.failOn--
		return errors.New("no network")
	}
	r.on++
	return nil
}

func (r *fakeRadio) PowerOff(context.Context) error { r.off++; return nil }

type countingReporter struct {
	reports int
	fail    bool
}

func (r *countingReporter) Report(context.Context) (bool, error) {
	r.reports++
	return !r.fail, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	ctrl     *Controller
	radio    *fakeRadio
	reporter *countingReporter
	store    *memoryState
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		radio:    &fakeRadio{},
		reporter: &countingReporter{},
		store:    &memoryState{},
		clock:    &clock{t: time.Unix(1700000000, 0)},
	}
	var err error
	f.ctrl, err = newController(Config{StealthInterval: 5 * time.Minute, MaxSilence: 15 * time.Minute},
		f.radio, f.reporter, f.store, zerolog.Nop(), f.clock.now)
	require.NoError(t, err)
	return f
}

func TestController_WakeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Wake(ctx, constants.WakePairedTamper))
	require.NoError(t, f.ctrl.Wake(ctx, constants.WakeMaxSilence))
	require.NoError(t, f.ctrl.OnDirective(ctx, smscodec.DirectiveFrame{Kind: constants.DirectiveWake, Counter: 1}))

	assert.Equal(t, constants.BackupStealth, f.ctrl.State())
	assert.Equal(t, 1, f.radio.on)
	assert.Equal(t, 1, f.reporter.reports)
	assert.Equal(t, constants.WakePairedTamper, f.store.st.WakeReason)
}

func TestController_PairedTamperWakes(t *testing.T) {
	f := newFixture(t)
	err := f.ctrl.OnPairedFrame(context.Background(), pairing.Frame{Kind: pairing.FrameTamper, Tamper: constants.TamperPowerDisconnect})
	require.NoError(t, err)
	assert.Equal(t, constants.BackupStealth, f.ctrl.State())
}

func TestController_MaxSilenceWake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.advance(10 * time.Minute)
	require.NoError(t, f.ctrl.OnPairedFrame(ctx, pairing.Frame{Kind: pairing.FramePulse}))
	f.clock.advance(14 * time.Minute)
	require.NoError(t, f.ctrl.Tick(ctx))
	assert.Equal(t, constants.BackupSleeping, f.ctrl.State())

	f.clock.advance(2 * time.Minute)
	require.NoError(t, f.ctrl.Tick(ctx))
	assert.Equal(t, constants.BackupStealth, f.ctrl.State())
	assert.Equal(t, constants.WakeMaxSilence, f.store.st.WakeReason)
}

func TestController_StealthReportsAtFixedInterval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Wake(ctx, constants.WakeDirective))
	require.Equal(t, 1, f.reporter.reports)

	f.clock.advance(4 * time.Minute)
	require.NoError(t, f.ctrl.Tick(ctx))
	assert.Equal(t, 1, f.reporter.reports)

	f.clock.advance(time.Minute)
	require.NoError(t, f.ctrl.Tick(ctx))
	assert.Equal(t, 2, f.reporter.reports)

	f.reporter.fail = true
	f.clock.advance(5 * time.Minute)
	require.NoError(t, f.ctrl.Tick(ctx))
	assert.Equal(t, 2, f.store.st.ReportsSent)
	assert.Equal(t, 1, f.store.st.ReportsQueued)
}

func TestController_NeverSleepsOnItsOwn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Wake(ctx, constants.WakeDirective))

	for i := 0; i < 20; i++ {
		require.NoError(t, f.ctrl.OnPairedFrame(ctx, pairing.Frame{Kind: pairing.FramePulse}))
		f.clock.advance(time.Hour)
		require.NoError(t, f.ctrl.Tick(ctx))
	}
	assert.Equal(t, constants.BackupStealth, f.ctrl.State())
	assert.Zero(t, f.radio.off)
}

func TestController_RecoveryRequiresFreshCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.OnDirective(ctx, smscodec.DirectiveFrame{Kind: constants.DirectiveWake, Counter: 5}))
	require.Equal(t, constants.BackupStealth, f.ctrl.State())

	err := f.ctrl.OnDirective(ctx, smscodec.DirectiveFrame{Kind: constants.DirectiveRecovery, Counter: 5})
	assert.ErrorIs(t, err, ErrReplayedDirective)
	assert.Equal(t, constants.BackupStealth, f.ctrl.State())

	require.NoError(t, f.ctrl.OnDirective(ctx, smscodec.DirectiveFrame{Kind: constants.DirectiveRecovery, Counter: 6}))
	assert.Equal(t, constants.BackupSleeping, f.ctrl.State())
	assert.Equal(t, 1, f.radio.off)
	assert.Equal(t, uint64(6), f.store.st.LastDirective)
}

func TestController_FailedRadioRetriesOnTick(t *testing.T) {
	f := newFixture(t)
	f.radio.failOn = 1
	ctx := context.Background()

	assert.Error(t, f.ctrl.Wake(ctx, constants.WakePairedTamper))
	assert.Equal(t, constants.BackupWaking, f.ctrl.State())

	require.NoError(t, f.ctrl.Tick(ctx))
	assert.Equal(t, constants.BackupStealth, f.ctrl.State())
}

func TestController_StateSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.OnDirective(ctx, smscodec.DirectiveFrame{Kind: constants.DirectiveWake, Counter: 9}))

	restarted, err := newController(Config{}, f.radio, f.reporter, f.store, zerolog.Nop(), f.clock.now)
	require.NoError(t, err)
	assert.Equal(t, constants.BackupStealth, restarted.State())

	err = restarted.OnDirective(ctx, smscodec.DirectiveFrame{Kind: constants.DirectiveRecovery, Counter: 9})
	assert.ErrorIs(t, err, ErrReplayedDirective)
}
