package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgx/v4"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/storage"
)

type pointRow struct {
	DeviceID          string    `db:"device_id"`
	SequenceNumber    int64     `db:"sequence_number"`
	VehicleID         string    `db:"vehicle_id"`
	SourceDevice      string    `db:"source_device"`
	DeviceTS          time.Time `db:"device_ts"`
	Lat               float64   `db:"lat"`
	Lng               float64   `db:"lng"`
	Speed             float64   `db:"speed"`
	Heading           float64   `db:"heading"`
	Channel           string    `db:"channel"`
	Event             string    `db:"event"`
	ReceivedAt        time.Time `db:"received_at"`
	OrderTime         time.Time `db:"order_time"`
	ClockSkewed       bool      `db:"clock_skewed"`
	GeofenceEvaluated bool      `db:"geofence_evaluated"`
}

func (r pointRow) entry() models.TimelineEntry {
	return models.TimelineEntry{
		TelemetryPoint: models.TelemetryPoint{
			VehicleID:      r.VehicleID,
			DeviceID:       r.DeviceID,
			SourceDevice:   constants.Role(r.SourceDevice),
			Timestamp:      r.DeviceTS.UTC(),
			SequenceNumber: uint64(r.SequenceNumber),
			Lat:            r.Lat,
			Lng:            r.Lng,
			Speed:          r.Speed,
			Heading:        r.Heading,
			Channel:        constants.Channel(r.Channel),
			Event:          constants.PointEvent(r.Event),
		},
		ReceivedAt:        r.ReceivedAt.UTC(),
		OrderTime:         r.OrderTime.UTC(),
		ClockSkewed:       r.ClockSkewed,
		GeofenceEvaluated: r.GeofenceEvaluated,
	}
}

const pointColumns = `device_id, sequence_number, vehicle_id, source_device, device_ts, lat, lng, speed, heading,
	channel, event, received_at, order_time, clock_skewed, geofence_evaluated`

func (db *DB) AppendPoint(ctx context.Context, e models.TimelineEntry) (bool, error) {
	const fn = "DB:AppendPoint"
	tag, err := db.pool.Exec(ctx, `
		INSERT INTO timeline_points (`+pointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (device_id, sequence_number) DO NOTHING
	`, e.DeviceID, int64(e.SequenceNumber), e.VehicleID, string(e.SourceDevice), e.Timestamp,
		e.Lat, e.Lng, e.Speed, e.Heading, string(e.Channel), string(e.Event),
		e.ReceivedAt, e.OrderTime, e.ClockSkewed, e.GeofenceEvaluated)
	if err != nil {
		return false, fmt.Errorf("%s:%w:%w", fn, ErrInsertFailed, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (db *DB) MarkEvaluated(ctx context.Context, key models.PointKey) error {
	const fn = "DB:MarkEvaluated"
	tag, err := db.pool.Exec(ctx, `
		UPDATE timeline_points SET geofence_evaluated = TRUE
		WHERE device_id = $1 AND sequence_number = $2
	`, key.DeviceID, int64(key.SequenceNumber))
	if err != nil {
		return fmt.Errorf("%s:%w:%w", fn, ErrUpdateFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s:%w", fn, storage.ErrNotFound)
	}
	return nil
}

func (db *DB) Timeline(ctx context.Context, vehicleID string, limit int) ([]models.TimelineEntry, error) {
	const fn = "DB:Timeline"
	var rows []pointRow
	var err error
	if limit <= 0 {
		err = pgxscan.Select(ctx, db.pool, &rows, `
			SELECT `+pointColumns+`
			FROM timeline_points
			WHERE vehicle_id = $1
			ORDER BY order_time ASC, device_id ASC, sequence_number ASC
		`, vehicleID)
	} else {
		err = pgxscan.Select(ctx, db.pool, &rows, `
			SELECT * FROM (
				SELECT `+pointColumns+`
				FROM timeline_points
				WHERE vehicle_id = $1
				ORDER BY order_time DESC, device_id DESC, sequence_number DESC
				LIMIT $2
			) recent
			ORDER BY order_time ASC, device_id ASC, sequence_number ASC
		`, vehicleID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}

	out := make([]models.TimelineEntry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}

func (db *DB) LatestPoint(ctx context.Context, vehicleID string) (models.TimelineEntry, error) {
	const fn = "DB:LatestPoint"
	var row pointRow
	err := pgxscan.Get(ctx, db.pool, &row, `
		SELECT `+pointColumns+`
		FROM timeline_points
		WHERE vehicle_id = $1
		ORDER BY order_time DESC, device_id DESC, sequence_number DESC
		LIMIT 1
	`, vehicleID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || pgxscan.NotFound(err) {
			return models.TimelineEntry{}, fmt.Errorf("%s:%w", fn, storage.ErrNotFound)
		}
		return models.TimelineEntry{}, fmt.Errorf("%s:%w:%w", fn, ErrSelectFailed, err)
	}
	return row.entry(), nil
}
