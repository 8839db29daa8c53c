package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/observability"
	"github.com/benmeehan/hybrid-tracker/internal/utils"
)

// CheckPrimaryLoss marks every active primary unit that has been silent for longer
// than the loss threshold as inferred offline and, when configured, wakes its
// backup. Failed wake sends are retried on later calls. It returns the number of
// primaries newly inferred offline.
func (r *Reconciler) CheckPrimaryLoss(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.store.VehicleIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list vehicles: %w", err)
	}

	var (
		mu       sync.Mutex
		inferred int
		errs     []error
	)
	pool := utils.NewWorkerPool(r.cfg.CheckWorkers)
	for _, id := range ids {
		id := id
		pool.Submit(func() {
			n, err := r.checkVehicle(ctx, id, now.UTC())
			mu.Lock()
			defer mu.Unlock()
			inferred += n
			if err != nil {
				errs = append(errs, err)
			}
		})
	}
	pool.Shutdown()
	return inferred, errors.Join(errs...)
}

func (r *Reconciler) checkVehicle(ctx context.Context, vehicleID string, now time.Time) (int, error) {
	v, err := r.lockVehicle(ctx, vehicleID)
	if err != nil {
		return 0, err
	}
	defer v.mu.Unlock()

	inferred := 0
	for _, st := range v.states {
		if st.Role != constants.RolePrimary {
			continue
		}
		switch st.Mode {
		case constants.ModeActive:
			silence := now.Sub(st.LastActivity())
			if silence <= r.cfg.LossThreshold() {
				continue
			}
			st.Mode = constants.ModeInferredOffline
			st.Connectivity = constants.ConnectivityOffline
			inferred++
			observability.PrimaryOffline.Inc()
			r.logger.Warn().
				Str("vehicle_id", v.id).
				Str("device_id", st.DeviceID).
				Dur("silence", silence).
				Msg("Primary unit inferred offline")

			r.publish(ctx, v.id, constants.EventDeviceStatus, now, models.StatusOf(*st, now))
			r.publishAlert(ctx, v.id, models.Alert{
				Type:     constants.AlertPrimaryOffline,
				DeviceID: st.DeviceID,
				Message:  fmt.Sprintf("no heartbeat or telemetry for %s", silence.Round(time.Second)),
			}, now)
			if r.cfg.WakeOnLoss {
				r.issueWake(ctx, v, st, now)
			}

		case constants.ModeInferredOffline:
			if !r.cfg.WakeOnLoss || st.WakeIssued || st.WakeAttempts >= r.cfg.MaxWakeAttempts {
				continue
			}
			r.issueWake(ctx, v, st, now)

		default:
			continue
		}
		if err := r.saveState(ctx, st); err != nil {
			return inferred, err
		}
	}
	return inferred, nil
}

// issueWake sends the wake directive to the backup of v at most once per loss
// episode of primary. Failed sends count against the attempt budget.
func (r *Reconciler) issueWake(ctx context.Context, v *vehicle, primary *models.DeviceState, at time.Time) {
	if primary.WakeIssued || primary.WakeAttempts >= r.cfg.MaxWakeAttempts {
		return
	}
	backup, err := r.backupOf(ctx, v.id)
	if err != nil {
		r.logger.Warn().Err(err).Str("vehicle_id", v.id).Msg("Cannot wake backup unit")
		return
	}

	primary.WakeAttempts++
	err = r.sms.SendDirective(ctx, backup.DeviceID, backup.SMSAddress, constants.DirectiveWake)
	if err != nil {
		observability.WakeDirectives.WithLabelValues(string(constants.DirectiveWake), "failed").Inc()
		r.logger.Error().
			Err(err).
			Str("vehicle_id", v.id).
			Str("backup_id", backup.DeviceID).
			Int("attempt", primary.WakeAttempts).
			Msg("Failed to send wake directive")
		return
	}
	primary.WakeIssued = true
	observability.WakeDirectives.WithLabelValues(string(constants.DirectiveWake), "sent").Inc()
	r.logger.Info().
		Str("vehicle_id", v.id).
		Str("backup_id", backup.DeviceID).
		Time("at", at).
		Msg("Wake directive sent to backup unit")
}

func (r *Reconciler) backupOf(ctx context.Context, vehicleID string) (models.DeviceRecord, error) {
	recs, err := r.store.DevicesByVehicle(ctx, vehicleID)
	if err != nil {
		return models.DeviceRecord{}, err
	}
	for _, rec := range recs {
		if rec.Role == constants.RoleBackup && rec.Stage == models.StageOperational && rec.SMSAddress != "" {
			return rec, nil
		}
	}
	return models.DeviceRecord{}, fmt.Errorf("%w: %s", ErrNoBackup, vehicleID)
}

// RecordHeartbeat refreshes the liveness of the sending device.
func (r *Reconciler) RecordHeartbeat(ctx context.Context, hb models.Heartbeat, receivedAt time.Time) error {
	receivedAt = receivedAt.UTC()
	rec, err := r.device(ctx, hb.DeviceID)
	if err != nil {
		return err
	}
	if hb.VehicleID != "" && hb.VehicleID != rec.VehicleID {
		return fmt.Errorf("%w: %s belongs to %s", ErrDeviceMismatch, rec.DeviceID, rec.VehicleID)
	}

	v, err := r.lockVehicle(ctx, rec.VehicleID)
	if err != nil {
		return err
	}
	defer v.mu.Unlock()

	st := v.state(rec)
	if receivedAt.After(st.LastHeartbeatAt) {
		st.LastHeartbeatAt = receivedAt
	}
	st.Connectivity = constants.ConnectivityOnline
	if hb.MonitorState != "" {
		st.MonitorState = hb.MonitorState
	}
	if !hb.Timestamp.IsZero() {
		st.ClockOffset = receivedAt.Sub(hb.Timestamp)
		st.ClockOffsetKnown = true
	}

	if st.Role == constants.RolePrimary && st.Mode != constants.ModeActive {
		if st.Mode == constants.ModeInferredOffline {
			st.WakeIssued = false
			st.WakeAttempts = 0
			r.logger.Info().Str("device_id", st.DeviceID).Msg("Primary unit is back online")
		}
		st.Mode = constants.ModeActive
		r.publish(ctx, v.id, constants.EventDeviceStatus, receivedAt, models.StatusOf(*st, receivedAt))
	}

	if hb.TamperFlag {
		msg := "tamper reported in heartbeat"
		if hb.TamperKind != "" {
			msg = fmt.Sprintf("tamper reported in heartbeat: %s", hb.TamperKind)
		}
		r.raiseTamper(ctx, v, st, receivedAt, msg)
	} else {
		st.TamperFlag = false
	}

	return r.saveState(ctx, st)
}

// IssueRecovery sends the recovery directive that returns a vehicle's backup unit
// to sleep. Once the backup sleeps, the next loss of a reachable primary is a new
// episode and wakes it again.
func (r *Reconciler) IssueRecovery(ctx context.Context, vehicleID, actor string) error {
	backup, err := r.backupOf(ctx, vehicleID)
	if err != nil {
		return err
	}

	v, err := r.lockVehicle(ctx, vehicleID)
	if err != nil {
		return err
	}
	defer v.mu.Unlock()

	if err := r.sms.SendDirective(ctx, backup.DeviceID, backup.SMSAddress, constants.DirectiveRecovery); err != nil {
		observability.WakeDirectives.WithLabelValues(string(constants.DirectiveRecovery), "failed").Inc()
		return fmt.Errorf("%w: %v", ErrDirectiveFailed, err)
	}
	observability.WakeDirectives.WithLabelValues(string(constants.DirectiveRecovery), "sent").Inc()

	now := time.Now().UTC()
	st := v.state(backup)
	if st.Mode != constants.ModeSleeping {
		st.Mode = constants.ModeSleeping
		r.publish(ctx, v.id, constants.EventDeviceStatus, now, models.StatusOf(*st, now))
	}
	r.logger.Info().
		Str("vehicle_id", vehicleID).
		Str("backup_id", backup.DeviceID).
		Str("actor", actor).
		Msg("Recovery directive sent to backup unit")
	if err := r.saveState(ctx, st); err != nil {
		return err
	}

	// A primary still inferred offline keeps its episode until it reports again.
	for _, ps := range v.states {
		if ps.Role != constants.RolePrimary || ps.Mode == constants.ModeInferredOffline {
			continue
		}
		if !ps.WakeIssued && ps.WakeAttempts == 0 {
			continue
		}
		ps.WakeIssued = false
		ps.WakeAttempts = 0
		if err := r.saveState(ctx, ps); err != nil {
			return err
		}
	}
	return nil
}
