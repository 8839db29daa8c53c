package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/geo"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/observability"
)

// Ingest reconciles one point into its vehicle timeline. Rejections return
// OutcomeRejected with the reason; storage failures return OutcomeRetry.
func (r *Reconciler) Ingest(ctx context.Context, p models.TelemetryPoint, ch constants.IngestChannel, receivedAt time.Time) (Outcome, error) {
	start := time.Now()
	out, err := r.ingest(ctx, p, ch, receivedAt.UTC())
	observability.PointsIngested.WithLabelValues(string(ch), string(out)).Inc()
	observability.ObserveIngestLatency(start)
	return out, err
}

func (r *Reconciler) ingest(ctx context.Context, p models.TelemetryPoint, ch constants.IngestChannel, receivedAt time.Time) (Outcome, error) {
	if err := p.Validate(); err != nil {
		return OutcomeRejected, err
	}
	p.Timestamp = p.Timestamp.UTC()

	rec, err := r.device(ctx, p.DeviceID)
	if err != nil {
		if errors.Is(err, ErrUnknownDevice) || errors.Is(err, ErrNotOperational) {
			return OutcomeRejected, err
		}
		return OutcomeRetry, err
	}
	if rec.VehicleID != p.VehicleID || rec.Role != p.SourceDevice {
		return OutcomeRejected, fmt.Errorf("%w: %s is the %s unit of %s", ErrDeviceMismatch, rec.DeviceID, rec.Role, rec.VehicleID)
	}

	v, err := r.lockVehicle(ctx, p.VehicleID)
	if err != nil {
		return OutcomeRetry, err
	}
	defer v.mu.Unlock()

	if v.hasSeq(p.DeviceID, p.SequenceNumber) {
		return OutcomeDuplicate, nil
	}

	st := v.state(rec)
	// Only the device's newest point measures its clock. Older points arriving
	// late (backlog resends, retries) carry delivery delay, not skew.
	newest := p.SequenceNumber > st.LastSequence
	offset, offsetKnown := st.ClockOffset, st.ClockOffsetKnown
	measured := newest && (ch == constants.IngestLive || ch == constants.IngestSMS)
	if measured {
		offset, offsetKnown = receivedAt.Sub(p.Timestamp), true
	}

	entry := models.TimelineEntry{
		TelemetryPoint: p,
		ReceivedAt:     receivedAt,
		OrderTime:      p.Timestamp,
	}
	if offsetKnown && abs(offset) > r.cfg.ClockTolerance {
		entry.OrderTime = p.Timestamp.Add(offset)
		entry.ClockSkewed = true
		observability.ClockSkewedPoints.Inc()
	}
	entry.OrderTime = v.clamp(p.DeviceID, p.SequenceNumber, entry.OrderTime)

	inserted, err := r.store.AppendPoint(ctx, entry)
	if err != nil {
		return OutcomeRetry, err
	}
	if !inserted {
		// Recorded by an earlier process that never loaded it into memory.
		return OutcomeDuplicate, nil
	}
	if newest {
		st.LastSequence = p.SequenceNumber
	}
	if measured {
		st.ClockOffset, st.ClockOffsetKnown = offset, true
	}
	v.addMark(p.DeviceID, p.SequenceNumber, entry.OrderTime)
	tail := v.insert(entry)

	r.touch(ctx, v, st, p, receivedAt)
	if err := r.saveState(ctx, st); err != nil {
		r.logger.Error().Err(err).Str("device_id", st.DeviceID).Msg("Failed to persist device state")
	}

	if tail {
		for _, t := range v.geofences.Evaluate(v.fences, models.Coordinate{Lat: p.Lat, Lng: p.Lng}) {
			r.publishGeofenceAlert(ctx, v.id, entry, t)
		}
		if err := r.store.SaveGeofenceStates(ctx, v.id, v.geofences.States()); err != nil {
			r.logger.Error().Err(err).Str("vehicle_id", v.id).Msg("Failed to persist geofence states")
		}
	}
	if err := r.store.MarkEvaluated(ctx, p.Key()); err != nil {
		r.logger.Error().Err(err).Str("point", p.Key().String()).Msg("Failed to mark point evaluated")
	} else {
		v.markEvaluated(p.Key())
	}

	r.publish(ctx, v.id, constants.EventLocationUpdate, receivedAt, models.LocationUpdateOf(entry))
	if tail && r.cache != nil {
		if err := r.cache.SetLatest(ctx, entry); err != nil {
			r.logger.Warn().Err(err).Str("vehicle_id", v.id).Msg("Failed to update latest location cache")
		}
	}

	r.logger.Debug().
		Str("device_id", p.DeviceID).
		Uint64("sequence_number", p.SequenceNumber).
		Str("channel", string(ch)).
		Bool("clock_skewed", entry.ClockSkewed).
		Msg("Point reconciled")
	return OutcomeAccepted, nil
}

// touch applies the liveness side effects of a new point to the device state.
func (r *Reconciler) touch(ctx context.Context, v *vehicle, st *models.DeviceState, p models.TelemetryPoint, receivedAt time.Time) {
	if receivedAt.After(st.LastSeenAt) {
		st.LastSeenAt = receivedAt
	}
	st.Connectivity = constants.ConnectivityOnline

	prevMode := st.Mode
	switch st.Role {
	case constants.RolePrimary:
		if st.Mode == constants.ModeInferredOffline {
			st.WakeIssued = false
			st.WakeAttempts = 0
			r.logger.Info().Str("device_id", st.DeviceID).Msg("Primary unit is back online")
		}
		st.Mode = constants.ModeActive
	case constants.RoleBackup:
		st.Mode = constants.ModeStealth
	}
	if st.Mode != prevMode {
		r.publish(ctx, v.id, constants.EventDeviceStatus, receivedAt, models.StatusOf(*st, receivedAt))
	}

	if p.Event == constants.PointEventTamper {
		r.raiseTamper(ctx, v, st, receivedAt, fmt.Sprintf("tamper reported by %s unit", st.Role))
	}
}

// raiseTamper alerts on a newly set tamper flag and, when configured, wakes the backup.
func (r *Reconciler) raiseTamper(ctx context.Context, v *vehicle, st *models.DeviceState, at time.Time, msg string) {
	if st.TamperFlag {
		return
	}
	st.TamperFlag = true
	r.publishAlert(ctx, v.id, models.Alert{
		Type:     constants.AlertTamper,
		DeviceID: st.DeviceID,
		Message:  msg,
	}, at)
	if r.cfg.WakeOnTamper && st.Role == constants.RolePrimary {
		r.issueWake(ctx, v, st, at)
	}
}

// IngestBatch reconciles points independently and reports each outcome.
func (r *Reconciler) IngestBatch(ctx context.Context, points []models.TelemetryPoint, receivedAt time.Time) models.BatchResponse {
	resp := models.BatchResponse{Results: make([]models.PointResult, 0, len(points))}
	for _, p := range points {
		out, err := r.Ingest(ctx, p, constants.IngestBatch, receivedAt)
		res := models.PointResult{
			DeviceID:       p.DeviceID,
			SequenceNumber: p.SequenceNumber,
			Status:         string(out),
		}
		switch out {
		case OutcomeAccepted:
			resp.Accepted++
		case OutcomeDuplicate:
			resp.Duplicate++
		case OutcomeRejected:
			resp.Rejected++
			res.Error = err.Error()
		case OutcomeRetry:
			res.Error = "temporarily unavailable"
			r.logger.Error().Err(err).Str("point", p.Key().String()).Msg("Failed to record batch point")
		}
		resp.Results = append(resp.Results, res)
	}
	return resp
}

func (r *Reconciler) publishGeofenceAlert(ctx context.Context, vehicleID string, e models.TimelineEntry, t geo.Transition) {
	verb := "left"
	if t.Type == constants.AlertGeofenceEnter {
		verb = "entered"
	}
	r.publishAlert(ctx, vehicleID, models.Alert{
		Type:           t.Type,
		GeofenceID:     t.Geofence.ID,
		DeviceID:       e.DeviceID,
		SequenceNumber: e.SequenceNumber,
		Message:        fmt.Sprintf("vehicle %s geofence %q", verb, t.Geofence.Name),
	}, e.OrderTime)
}

func (r *Reconciler) publishAlert(ctx context.Context, vehicleID string, a models.Alert, at time.Time) {
	a.ID = uuid.NewString()
	a.VehicleID = vehicleID
	a.TriggeredAt = at
	observability.AlertsTriggered.WithLabelValues(string(a.Type)).Inc()
	r.logger.Info().
		Str("vehicle_id", vehicleID).
		Str("alert", string(a.Type)).
		Str("device_id", a.DeviceID).
		Msg(a.Message)
	r.publish(ctx, vehicleID, constants.EventAlertTriggered, at, a)
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
