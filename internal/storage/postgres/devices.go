package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/storage"
)

const uniqueViolation = "23505"

const deviceColumns = `device_id, role, vehicle_id, vin, sms_address, bootstrap_fingerprint, operational_fingerprint,
	stage, installer_id, verified_at, provisioned_at, firmware_version, paired_device_id`

func (db *DB) CreateDevice(ctx context.Context, rec models.DeviceRecord) error {
	const fn = "DB:CreateDevice"
	_, err := db.pool.Exec(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.DeviceID, string(rec.Role), rec.VehicleID, rec.VIN, rec.SMSAddress, rec.BootstrapFP,
		rec.OperationalFP, string(rec.Stage), rec.InstallerID, rec.VerifiedAt, rec.ProvisionedAt,
		rec.FirmwareVer, rec.PairedDeviceID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s:%w", fn, storage.ErrConflict)
		}
		return fmt.Errorf("%s:%w:%w", fn, ErrInsertFailed, err)
	}
	return nil
}

func (db *DB) GetDevice(ctx context.Context, deviceID string) (models.DeviceRecord, error) {
	const fn = "DB:GetDevice"
	var rec models.DeviceRecord
	err := pgxscan.Get(ctx, db.pool, &rec, `SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || pgxscan.NotFound(err) {
			return models.DeviceRecord{}, fmt.Errorf("%s:%w", fn, storage.ErrNotFound)
		}
		return models.DeviceRecord{}, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return rec, nil
}

func (db *DB) UpdateDevice(ctx context.Context, rec models.DeviceRecord) error {
	const fn = "DB:UpdateDevice"
	tag, err := db.pool.Exec(ctx, `
		UPDATE devices SET
			role = $2, vehicle_id = $3, vin = $4, sms_address = $5, bootstrap_fingerprint = $6,
			operational_fingerprint = $7, stage = $8, installer_id = $9, verified_at = $10,
			provisioned_at = $11, firmware_version = $12, paired_device_id = $13
		WHERE device_id = $1
	`, rec.DeviceID, string(rec.Role), rec.VehicleID, rec.VIN, rec.SMSAddress, rec.BootstrapFP,
		rec.OperationalFP, string(rec.Stage), rec.InstallerID, rec.VerifiedAt, rec.ProvisionedAt,
		rec.FirmwareVer, rec.PairedDeviceID)
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", fn, storage.ErrNotFound)
	}
	return nil
}

func (db *DB) DevicesByVehicle(ctx context.Context, vehicleID string) ([]models.DeviceRecord, error) {
	const fn = "DB:DevicesByVehicle"
	var recs []models.DeviceRecord
	err := pgxscan.Select(ctx, db.pool, &recs, `
		SELECT `+deviceColumns+` FROM devices WHERE vehicle_id = $1 ORDER BY device_id
	`, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return recs, nil
}

type stateRow struct {
	DeviceID         string    `db:"device_id"`
	VehicleID        string    `db:"vehicle_id"`
	Role             string    `db:"role"`
	LastHeartbeatAt  time.Time `db:"last_heartbeat_at"`
	LastSeenAt       time.Time `db:"last_seen_at"`
	TamperFlag       bool      `db:"tamper_flag"`
	Connectivity     string    `db:"connectivity"`
	Mode             string    `db:"mode"`
	MonitorState     string    `db:"monitor_state"`
	SMSAddress       string    `db:"sms_address"`
	ClockOffsetMs    int64     `db:"clock_offset_ms"`
	ClockOffsetKnown bool      `db:"clock_offset_known"`
	WakeIssued       bool      `db:"wake_issued"`
	WakeAttempts     int       `db:"wake_attempts"`
	LastSequence     int64     `db:"last_sequence"`
}

func (r stateRow) state() models.DeviceState {
	return models.DeviceState{
		DeviceID:         r.DeviceID,
		VehicleID:        r.VehicleID,
		Role:             constants.Role(r.Role),
		LastHeartbeatAt:  r.LastHeartbeatAt.UTC(),
		LastSeenAt:       r.LastSeenAt.UTC(),
		TamperFlag:       r.TamperFlag,
		Connectivity:     constants.Connectivity(r.Connectivity),
		Mode:             constants.Mode(r.Mode),
		MonitorState:     constants.MonitorState(r.MonitorState),
		SMSAddress:       r.SMSAddress,
		ClockOffset:      time.Duration(r.ClockOffsetMs) * time.Millisecond,
		ClockOffsetKnown: r.ClockOffsetKnown,
		WakeIssued:       r.WakeIssued,
		WakeAttempts:     r.WakeAttempts,
		LastSequence:     uint64(r.LastSequence),
	}
}

func (db *DB) SaveDeviceState(ctx context.Context, st models.DeviceState) error {
	const fn = "DB:SaveDeviceState"
	_, err := db.pool.Exec(ctx, `
		INSERT INTO device_states (device_id, vehicle_id, role, last_heartbeat_at, last_seen_at, tamper_flag,
			connectivity, mode, monitor_state, sms_address, clock_offset_ms, clock_offset_known,
			wake_issued, wake_attempts, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (device_id) DO UPDATE SET
			vehicle_id = EXCLUDED.vehicle_id,
			role = EXCLUDED.role,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			last_seen_at = EXCLUDED.last_seen_at,
			tamper_flag = EXCLUDED.tamper_flag,
			connectivity = EXCLUDED.connectivity,
			mode = EXCLUDED.mode,
			monitor_state = EXCLUDED.monitor_state,
			sms_address = EXCLUDED.sms_address,
			clock_offset_ms = EXCLUDED.clock_offset_ms,
			clock_offset_known = EXCLUDED.clock_offset_known,
			wake_issued = EXCLUDED.wake_issued,
			wake_attempts = EXCLUDED.wake_attempts,
			last_sequence = EXCLUDED.last_sequence
	`, st.DeviceID, st.VehicleID, string(st.Role), st.LastHeartbeatAt, st.LastSeenAt, st.TamperFlag,
		string(st.Connectivity), string(st.Mode), string(st.MonitorState), st.SMSAddress,
		st.ClockOffset.Milliseconds(), st.ClockOffsetKnown, st.WakeIssued, st.WakeAttempts, int64(st.LastSequence))
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrInsertFailed, err)
	}
	return nil
}

func (db *DB) DeviceStates(ctx context.Context, vehicleID string) ([]models.DeviceState, error) {
	const fn = "DB:DeviceStates"
	var rows []stateRow
	err := pgxscan.Select(ctx, db.pool, &rows, `
		SELECT device_id, vehicle_id, role, last_heartbeat_at, last_seen_at, tamper_flag, connectivity, mode,
			monitor_state, sms_address, clock_offset_ms, clock_offset_known, wake_issued, wake_attempts,
			last_sequence
		FROM device_states
		WHERE vehicle_id = $1
		ORDER BY device_id
	`, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	out := make([]models.DeviceState, len(rows))
	for i, r := range rows {
		out[i] = r.state()
	}
	return out, nil
}

// VehicleIDs lists every vehicle with a registered device.
func (db *DB) VehicleIDs(ctx context.Context) ([]string, error) {
	const fn = "DB:VehicleIDs"
	var ids []string
	err := pgxscan.Select(ctx, db.pool, &ids, `
		SELECT DISTINCT vehicle_id FROM devices WHERE vehicle_id <> '' ORDER BY vehicle_id
	`)
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return ids, nil
}
