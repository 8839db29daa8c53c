package reconciler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/mocks"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/reconciler"
	"github.com/benmeehan/hybrid-tracker/internal/storage/memory"
)

const (
	vehicleID = "veh-1"
	primaryID = "D1"
	backupID  = "D2"
	backupSMS = "+15550002"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) ofType(typ constants.EventType) []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) alerts(typ constants.AlertType) []models.Alert {
	var out []models.Alert
	for _, ev := range p.ofType(constants.EventAlertTriggered) {
		if a := ev.Data.(models.Alert); a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

type fixture struct {
	store *memory.Store
	pub   *recordingPublisher
	sms   *mocks.MockDirectiveSender
	rec   *reconciler.Reconciler
}

func newFixture(t *testing.T, cfg reconciler.Config) *fixture {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	for _, rec := range []models.DeviceRecord{
		{DeviceID: primaryID, Role: constants.RolePrimary, VehicleID: vehicleID, Stage: models.StageOperational, PairedDeviceID: backupID},
		{DeviceID: backupID, Role: constants.RoleBackup, VehicleID: vehicleID, Stage: models.StageOperational, SMSAddress: backupSMS, PairedDeviceID: primaryID},
		{DeviceID: "D9", Role: constants.RolePrimary, VehicleID: "veh-9", Stage: models.StageVerified},
	} {
		require.NoError(t, store.CreateDevice(ctx, rec))
	}
	f := &fixture{store: store, pub: &recordingPublisher{}, sms: new(mocks.MockDirectiveSender)}
	f.rec = reconciler.New(cfg, store, f.pub, f.sms, nil, zerolog.Nop())
	return f
}

func defaultConfig() reconciler.Config {
	return reconciler.Config{
		HeartbeatInterval: 30 * time.Second,
		MissedHeartbeats:  3,
		WakeOnLoss:        true,
		WakeOnTamper:      true,
		MaxWakeAttempts:   3,
	}
}

func point(device string, role constants.Role, seq uint64, ts time.Time) models.TelemetryPoint {
	return models.TelemetryPoint{
		VehicleID:      vehicleID,
		DeviceID:       device,
		SourceDevice:   role,
		Timestamp:      ts,
		SequenceNumber: seq,
		Lat:            52.0,
		Lng:            4.0,
		Channel:        constants.ChannelMobileData,
	}
}

func keys(entries []models.TimelineEntry) []models.PointKey {
	out := make([]models.PointKey, len(entries))
	for i, e := range entries {
		out[i] = e.Key()
	}
	return out
}

func TestIngest_Idempotent(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	p := point(primaryID, constants.RolePrimary, 1, t0)

	out, err := f.rec.Ingest(ctx, p, constants.IngestLive, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeAccepted, out)

	for _, ch := range []constants.IngestChannel{constants.IngestLive, constants.IngestBatch, constants.IngestSMS} {
		out, err = f.rec.Ingest(ctx, p, ch, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, reconciler.OutcomeDuplicate, out)
	}

	timeline, err := f.rec.Timeline(ctx, vehicleID, 0)
	require.NoError(t, err)
	assert.Len(t, timeline, 1)
	assert.Len(t, f.pub.ofType(constants.EventLocationUpdate), 1)
}

func TestIngest_Rejections(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	bad := point(primaryID, constants.RolePrimary, 0, t0)
	out, err := f.rec.Ingest(ctx, bad, constants.IngestLive, t0)
	assert.Equal(t, reconciler.OutcomeRejected, out)
	assert.ErrorIs(t, err, models.ErrInvalidPoint)

	out, err = f.rec.Ingest(ctx, point("nobody", constants.RolePrimary, 1, t0), constants.IngestLive, t0)
	assert.Equal(t, reconciler.OutcomeRejected, out)
	assert.ErrorIs(t, err, reconciler.ErrUnknownDevice)

	notReady := point("D9", constants.RolePrimary, 1, t0)
	notReady.VehicleID = "veh-9"
	out, err = f.rec.Ingest(ctx, notReady, constants.IngestLive, t0)
	assert.Equal(t, reconciler.OutcomeRejected, out)
	assert.ErrorIs(t, err, reconciler.ErrNotOperational)

	wrongRole := point(primaryID, constants.RoleBackup, 1, t0)
	out, err = f.rec.Ingest(ctx, wrongRole, constants.IngestLive, t0)
	assert.Equal(t, reconciler.OutcomeRejected, out)
	assert.ErrorIs(t, err, reconciler.ErrDeviceMismatch)

	timeline, err := f.rec.Timeline(ctx, vehicleID, 0)
	require.NoError(t, err)
	assert.Empty(t, timeline)
}

func TestIngestBatch_OutOfOrderKeepsSequenceOrder(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	var batch []models.TelemetryPoint
	for _, seq := range []uint64{5, 3, 1, 4, 2} {
		batch = append(batch, point(primaryID, constants.RolePrimary, seq, t0.Add(time.Duration(seq)*10*time.Second)))
	}
	batch = append(batch, point(primaryID, constants.RolePrimary, 3, t0.Add(30*time.Second)))
	batch = append(batch, point(primaryID, constants.RolePrimary, 0, t0))

	resp := f.rec.IngestBatch(ctx, batch, t0.Add(time.Hour))
	assert.Equal(t, 5, resp.Accepted)
	assert.Equal(t, 1, resp.Duplicate)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Results, 7)
	assert.Equal(t, constants.IngestStatusRejected, resp.Results[6].Status)
	assert.NotEmpty(t, resp.Results[6].Error)

	timeline, err := f.rec.Timeline(ctx, vehicleID, 0)
	require.NoError(t, err)
	var seqs []uint64
	for _, e := range timeline {
		seqs = append(seqs, e.SequenceNumber)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
}

func TestIngest_ClampsBackwardClockWithinDevice(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	// The device clock stepped back between seq 1 and seq 2.
	_, err := f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 1, t0.Add(10*time.Second)), constants.IngestBatch, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 2, t0.Add(5*time.Second)), constants.IngestBatch, t0.Add(time.Hour))
	require.NoError(t, err)

	timeline, err := f.rec.Timeline(ctx, vehicleID, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 2)
	assert.Equal(t, uint64(1), timeline[0].SequenceNumber)
	assert.Equal(t, uint64(2), timeline[1].SequenceNumber)
	assert.Equal(t, t0.Add(10*time.Second), timeline[1].OrderTime)
}

func TestIngest_ClockSkew(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	// Within tolerance: device time is kept.
	_, err := f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 1, t0), constants.IngestLive, t0.Add(30*time.Second))
	require.NoError(t, err)

	// Ten minutes slow: the live point is ordered at receipt time.
	received := t0.Add(20 * time.Minute)
	_, err = f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 2, received.Add(-10*time.Minute)), constants.IngestLive, received)
	require.NoError(t, err)

	// A later batch point inherits the estimated offset.
	_, err = f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 3, received.Add(-9*time.Minute)), constants.IngestBatch, received.Add(5*time.Minute))
	require.NoError(t, err)

	timeline, err := f.rec.Timeline(ctx, vehicleID, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 3)

	assert.False(t, timeline[0].ClockSkewed)
	assert.Equal(t, t0, timeline[0].OrderTime)

	assert.True(t, timeline[1].ClockSkewed)
	assert.Equal(t, received, timeline[1].OrderTime)

	assert.True(t, timeline[2].ClockSkewed)
	assert.Equal(t, received.Add(time.Minute), timeline[2].OrderTime)
}

func TestIngest_BacklogResendKeepsDeviceClock(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	_, err := f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 1, t0.Add(5*time.Minute)), constants.IngestLive, t0.Add(5*time.Minute))
	require.NoError(t, err)

	report := point(backupID, constants.RoleBackup, 2, t0.Add(10*time.Minute))
	report.Channel = constants.ChannelSMS
	_, err = f.rec.Ingest(ctx, report, constants.IngestSMS, t0.Add(10*time.Minute))
	require.NoError(t, err)

	// Captured at 12:00, queued on the backup and resent behind the newer report.
	backlog := point(backupID, constants.RoleBackup, 1, t0)
	backlog.Channel = constants.ChannelSMS
	_, err = f.rec.Ingest(ctx, backlog, constants.IngestSMS, t0.Add(10*time.Minute+time.Second))
	require.NoError(t, err)

	next := point(backupID, constants.RoleBackup, 3, t0.Add(11*time.Minute))
	_, err = f.rec.Ingest(ctx, next, constants.IngestBatch, t0.Add(30*time.Minute))
	require.NoError(t, err)

	timeline, err := f.rec.Timeline(ctx, vehicleID, 0)
	require.NoError(t, err)
	assert.Equal(t, []models.PointKey{
		{DeviceID: backupID, SequenceNumber: 1},
		{DeviceID: primaryID, SequenceNumber: 1},
		{DeviceID: backupID, SequenceNumber: 2},
		{DeviceID: backupID, SequenceNumber: 3},
	}, keys(timeline))
	for _, e := range timeline {
		assert.False(t, e.ClockSkewed, e.Key().String())
	}
	assert.Equal(t, t0, timeline[0].OrderTime)

	states, err := f.rec.DeviceStates(ctx, vehicleID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, backupID, states[1].DeviceID)
	assert.Zero(t, states[1].ClockOffset)
	assert.Equal(t, uint64(3), states[1].LastSequence)
}

func TestIngest_PrimaryAndBackupSequencesDoNotCollide(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveWake).Return(nil)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		ts := t0.Add(time.Duration(seq) * 10 * time.Second)
		_, err := f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, seq, ts), constants.IngestLive, ts)
		require.NoError(t, err)
	}

	n, err := f.rec.CheckPrimaryLoss(ctx, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for seq := uint64(1); seq <= 4; seq++ {
		ts := t0.Add(4*time.Minute + time.Duration(seq)*time.Minute)
		p := point(backupID, constants.RoleBackup, seq, ts)
		p.Channel = constants.ChannelSMS
		out, err := f.rec.Ingest(ctx, p, constants.IngestSMS, ts.Add(20*time.Second))
		require.NoError(t, err)
		assert.Equal(t, reconciler.OutcomeAccepted, out)
	}

	timeline, err := f.rec.Timeline(ctx, vehicleID, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 7)
	for i, e := range timeline {
		if i < 3 {
			assert.Equal(t, constants.RolePrimary, e.SourceDevice)
			assert.Equal(t, uint64(i+1), e.SequenceNumber)
		} else {
			assert.Equal(t, constants.RoleBackup, e.SourceDevice)
			assert.Equal(t, uint64(i-2), e.SequenceNumber)
		}
	}

	states, err := f.rec.DeviceStates(ctx, vehicleID)
	require.NoError(t, err)
	for _, st := range states {
		if st.DeviceID == backupID {
			assert.Equal(t, constants.ModeStealth, st.Mode)
		}
	}
}

func TestCheckPrimaryLoss_ExactlyOneWake(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveWake).Return(nil)
	ctx := context.Background()

	_, err := f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 1, t0), constants.IngestLive, t0)
	require.NoError(t, err)

	n, err := f.rec.CheckPrimaryLoss(ctx, t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n, "silence equal to the threshold is not a loss")

	for i := 1; i <= 5; i++ {
		n, err = f.rec.CheckPrimaryLoss(ctx, t0.Add(90*time.Second+time.Duration(i)*time.Minute))
		require.NoError(t, err)
		if i == 1 {
			assert.Equal(t, 1, n)
		} else {
			assert.Zero(t, n)
		}
	}

	f.sms.AssertNumberOfCalls(t, "SendDirective", 1)
	assert.Len(t, f.pub.alerts(constants.AlertPrimaryOffline), 1)

	statuses := f.pub.ofType(constants.EventDeviceStatus)
	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1].Data.(models.DeviceStatus)
	assert.Equal(t, constants.ModeInferredOffline, last.Mode)
}

func TestCheckPrimaryLoss_RetriesFailedWake(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveWake).Return(errors.New("carrier down")).Once()
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveWake).Return(nil)
	ctx := context.Background()

	_, err := f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 1, t0), constants.IngestLive, t0)
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		_, err := f.rec.CheckPrimaryLoss(ctx, t0.Add(time.Duration(i)*2*time.Minute))
		require.NoError(t, err)
	}
	f.sms.AssertNumberOfCalls(t, "SendDirective", 2)
}

func TestCheckPrimaryLoss_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveWake).Return(errors.New("carrier down"))
	ctx := context.Background()

	_, err := f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 1, t0), constants.IngestLive, t0)
	require.NoError(t, err)

	for i := 1; i <= 6; i++ {
		_, err := f.rec.CheckPrimaryLoss(ctx, t0.Add(time.Duration(i)*2*time.Minute))
		require.NoError(t, err)
	}
	f.sms.AssertNumberOfCalls(t, "SendDirective", 3)
}

func TestCheckPrimaryLoss_NewEpisodeAfterRecovery(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveWake).Return(nil)
	ctx := context.Background()

	_, err := f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 1, t0), constants.IngestLive, t0)
	require.NoError(t, err)
	_, err = f.rec.CheckPrimaryLoss(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)

	back := t0.Add(3 * time.Minute)
	require.NoError(t, f.rec.RecordHeartbeat(ctx, models.Heartbeat{DeviceID: primaryID, VehicleID: vehicleID, Timestamp: back}, back))

	_, err = f.rec.CheckPrimaryLoss(ctx, back.Add(time.Minute))
	require.NoError(t, err)
	f.sms.AssertNumberOfCalls(t, "SendDirective", 1)

	_, err = f.rec.CheckPrimaryLoss(ctx, back.Add(2*time.Minute))
	require.NoError(t, err)
	f.sms.AssertNumberOfCalls(t, "SendDirective", 2)
}

func TestCheckPrimaryLoss_NewEpisodeAfterTamperRecovery(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveWake).Return(nil)
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveRecovery).Return(nil)
	ctx := context.Background()

	hb := models.Heartbeat{DeviceID: primaryID, VehicleID: vehicleID, Timestamp: t0, TamperFlag: true}
	require.NoError(t, f.rec.RecordHeartbeat(ctx, hb, t0))
	hb.TamperFlag = false
	for i := 1; i <= 4; i++ {
		hb.Timestamp = t0.Add(time.Duration(i) * 30 * time.Second)
		require.NoError(t, f.rec.RecordHeartbeat(ctx, hb, hb.Timestamp))
	}
	require.NoError(t, f.rec.IssueRecovery(ctx, vehicleID, "owner-1"))

	later := t0.Add(2 * time.Hour)
	hb.Timestamp = later
	require.NoError(t, f.rec.RecordHeartbeat(ctx, hb, later))
	n, err := f.rec.CheckPrimaryLoss(ctx, later.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	wakes := 0
	for _, call := range f.sms.Calls {
		if call.Arguments.Get(3) == constants.DirectiveWake {
			wakes++
		}
	}
	assert.Equal(t, 2, wakes)
}

func TestIssueRecovery_KeepsEpisodeOfOfflinePrimary(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveWake).Return(nil)
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveRecovery).Return(nil)
	ctx := context.Background()

	_, err := f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 1, t0), constants.IngestLive, t0)
	require.NoError(t, err)
	_, err = f.rec.CheckPrimaryLoss(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.NoError(t, f.rec.IssueRecovery(ctx, vehicleID, "owner-1"))

	// The primary never came back, so the recovered backup is not woken again.
	_, err = f.rec.CheckPrimaryLoss(ctx, t0.Add(3*time.Minute))
	require.NoError(t, err)
	f.sms.AssertNumberOfCalls(t, "SendDirective", 2)
}

func TestCheckPrimaryLoss_WakeDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.WakeOnLoss = false
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 1, t0), constants.IngestLive, t0)
	require.NoError(t, err)
	n, err := f.rec.CheckPrimaryLoss(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.sms.AssertNotCalled(t, "SendDirective", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRecordHeartbeat_TamperWakesBackupOnce(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveWake).Return(nil)
	ctx := context.Background()

	hb := models.Heartbeat{
		DeviceID:   primaryID,
		VehicleID:  vehicleID,
		Timestamp:  t0,
		TamperFlag: true,
		TamperKind: constants.TamperSIMPull,
	}
	require.NoError(t, f.rec.RecordHeartbeat(ctx, hb, t0))
	hb.Timestamp = t0.Add(30 * time.Second)
	require.NoError(t, f.rec.RecordHeartbeat(ctx, hb, hb.Timestamp))

	assert.Len(t, f.pub.alerts(constants.AlertTamper), 1)
	f.sms.AssertNumberOfCalls(t, "SendDirective", 1)

	// Silence after a tamper wake does not send a second directive.
	_, err := f.rec.CheckPrimaryLoss(ctx, t0.Add(10*time.Minute))
	require.NoError(t, err)
	f.sms.AssertNumberOfCalls(t, "SendDirective", 1)
}

func TestRecordHeartbeat_UnknownDevice(t *testing.T) {
	f := newFixture(t, defaultConfig())
	err := f.rec.RecordHeartbeat(context.Background(), models.Heartbeat{DeviceID: "ghost"}, t0)
	assert.ErrorIs(t, err, reconciler.ErrUnknownDevice)
}

func TestIssueRecovery(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveRecovery).Return(nil).Once()

	p := point(backupID, constants.RoleBackup, 1, t0)
	_, err := f.rec.Ingest(ctx, p, constants.IngestSMS, t0)
	require.NoError(t, err)

	require.NoError(t, f.rec.IssueRecovery(ctx, vehicleID, "owner-1"))
	states, err := f.rec.DeviceStates(ctx, vehicleID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, constants.ModeSleeping, states[0].Mode)

	f.sms.On("SendDirective", mock.Anything, backupID, backupSMS, constants.DirectiveRecovery).Return(errors.New("carrier down"))
	assert.ErrorIs(t, f.rec.IssueRecovery(ctx, vehicleID, "owner-1"), reconciler.ErrDirectiveFailed)

	assert.ErrorIs(t, f.rec.IssueRecovery(ctx, "veh-none", "owner-1"), reconciler.ErrNoBackup)
}

func TestLocation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	_, err := f.rec.Location(ctx, vehicleID)
	assert.ErrorIs(t, err, reconciler.ErrNoLocation)

	_, err = f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 2, t0.Add(time.Minute)), constants.IngestLive, t0.Add(time.Minute))
	require.NoError(t, err)
	_, err = f.rec.Ingest(ctx, point(primaryID, constants.RolePrimary, 1, t0), constants.IngestBatch, t0.Add(2*time.Minute))
	require.NoError(t, err)

	latest, err := f.rec.Location(ctx, vehicleID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.SequenceNumber)
}
