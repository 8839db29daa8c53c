package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/reconciler"
)

func homeFence() models.Geofence {
	return models.Geofence{
		VehicleID: vehicleID,
		Name:      "home",
		Shape:     constants.ShapeCircle,
		Center:    models.Coordinate{Lat: 52.0, Lng: 4.0},
		RadiusM:   500,
	}
}

func at(p models.TelemetryPoint, lat float64) models.TelemetryPoint {
	p.Lat = lat
	return p
}

func TestGeofence_EnterAlertsOnce(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	g, err := f.rec.AddGeofence(ctx, homeFence())
	require.NoError(t, err)
	assert.NotEmpty(t, g.ID)
	assert.True(t, g.Active)

	seq := uint64(0)
	ingest := func(lat float64) {
		seq++
		ts := t0.Add(time.Duration(seq) * 10 * time.Second)
		_, err := f.rec.Ingest(ctx, at(point(primaryID, constants.RolePrimary, seq, ts), lat), constants.IngestLive, ts)
		require.NoError(t, err)
	}

	ingest(53.0) // baseline outside
	for i := 0; i < 10; i++ {
		ingest(52.0)
	}
	enters := f.pub.alerts(constants.AlertGeofenceEnter)
	require.Len(t, enters, 1)
	assert.Equal(t, g.ID, enters[0].GeofenceID)
	assert.Equal(t, uint64(2), enters[0].SequenceNumber)

	ingest(53.0)
	assert.Len(t, f.pub.alerts(constants.AlertGeofenceExit), 1)
	assert.Len(t, f.pub.alerts(constants.AlertGeofenceEnter), 1)

	timeline, err := f.store.Timeline(ctx, vehicleID, 0)
	require.NoError(t, err)
	for _, e := range timeline {
		assert.True(t, e.GeofenceEvaluated)
	}
}

func TestGeofence_LatePointsDoNotAlert(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	_, err := f.rec.AddGeofence(ctx, homeFence())
	require.NoError(t, err)

	for seq := uint64(1); seq <= 2; seq++ {
		ts := t0.Add(time.Duration(seq) * time.Minute)
		_, err := f.rec.Ingest(ctx, at(point(primaryID, constants.RolePrimary, seq+10, ts), 53.0), constants.IngestLive, ts)
		require.NoError(t, err)
	}

	// A backlog point inside the fence lands behind the tail.
	late := at(point(backupID, constants.RoleBackup, 1, t0), 52.0)
	_, err = f.rec.Ingest(ctx, late, constants.IngestBatch, t0.Add(5*time.Minute))
	require.NoError(t, err)

	assert.Empty(t, f.pub.alerts(constants.AlertGeofenceEnter))
	timeline, err := f.store.Timeline(ctx, vehicleID, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, backupID, timeline[0].DeviceID)
	assert.True(t, timeline[0].GeofenceEvaluated)
}

func TestGeofence_InvalidRejected(t *testing.T) {
	f := newFixture(t, defaultConfig())
	g := homeFence()
	g.RadiusM = 0
	_, err := f.rec.AddGeofence(context.Background(), g)
	assert.ErrorIs(t, err, models.ErrInvalidGeofence)
}

func TestHydrate_ReplaysUnevaluatedEntries(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	fence := homeFence()
	fence.ID = "gf-home"
	fence.Active = true
	require.NoError(t, f.store.CreateGeofence(ctx, fence))
	require.NoError(t, f.store.SaveGeofenceStates(ctx, vehicleID, map[string]bool{"gf-home": false}))

	evaluated := models.TimelineEntry{
		TelemetryPoint:    at(point(primaryID, constants.RolePrimary, 1, t0), 53.0),
		ReceivedAt:        t0,
		OrderTime:         t0,
		GeofenceEvaluated: true,
	}
	pending := models.TimelineEntry{
		TelemetryPoint: at(point(primaryID, constants.RolePrimary, 2, t0.Add(time.Minute)), 52.0),
		ReceivedAt:     t0.Add(time.Minute),
		OrderTime:      t0.Add(time.Minute),
	}
	for _, e := range []models.TimelineEntry{evaluated, pending} {
		_, err := f.store.AppendPoint(ctx, e)
		require.NoError(t, err)
	}

	// A fresh process picks the vehicle up on first touch.
	restarted := reconciler.New(defaultConfig(), f.store, f.pub, f.sms, nil, zerolog.Nop())
	_, err := restarted.DeviceStates(ctx, vehicleID)
	require.NoError(t, err)

	assert.Len(t, f.pub.alerts(constants.AlertGeofenceEnter), 1)
	states, err := f.store.GeofenceStates(ctx, vehicleID)
	require.NoError(t, err)
	assert.True(t, states["gf-home"])

	timeline, err := f.store.Timeline(ctx, vehicleID, 0)
	require.NoError(t, err)
	for _, e := range timeline {
		assert.True(t, e.GeofenceEvaluated)
	}

	// The replayed point is still a duplicate after restart.
	out, err := restarted.Ingest(ctx, pending.TelemetryPoint, constants.IngestBatch, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, reconciler.OutcomeDuplicate, out)
}
