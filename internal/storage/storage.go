// Package storage defines the persistence boundaries of the ingestion server.
package storage

import (
	"context"
	"errors"

	"github.com/benmeehan/hybrid-tracker/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// TimelineStore holds the reconciled vehicle timelines. AppendPoint is the durable
// dedup boundary: a point whose (device_id, sequence_number) is already stored is
// reported with inserted=false and left untouched.
type TimelineStore interface {
	AppendPoint(ctx context.Context, e models.TimelineEntry) (inserted bool, err error)
	MarkEvaluated(ctx context.Context, key models.PointKey) error
	// Timeline returns entries in timeline order; limit <= 0 returns all of them,
	// otherwise the most recent limit entries.
	Timeline(ctx context.Context, vehicleID string, limit int) ([]models.TimelineEntry, error)
	LatestPoint(ctx context.Context, vehicleID string) (models.TimelineEntry, error)
}

// DeviceStore is the device registry and the server's per-device state.
type DeviceStore interface {
	CreateDevice(ctx context.Context, rec models.DeviceRecord) error
	GetDevice(ctx context.Context, deviceID string) (models.DeviceRecord, error)
	UpdateDevice(ctx context.Context, rec models.DeviceRecord) error
	DevicesByVehicle(ctx context.Context, vehicleID string) ([]models.DeviceRecord, error)

	SaveDeviceState(ctx context.Context, st models.DeviceState) error
	DeviceStates(ctx context.Context, vehicleID string) ([]models.DeviceState, error)
	VehicleIDs(ctx context.Context) ([]string, error)
}

// GeofenceStore holds geofences and the last known inside/outside flag per geofence.
type GeofenceStore interface {
	CreateGeofence(ctx context.Context, g models.Geofence) error
	Geofences(ctx context.Context, vehicleID string) ([]models.Geofence, error)
	SaveGeofenceStates(ctx context.Context, vehicleID string, inside map[string]bool) error
	GeofenceStates(ctx context.Context, vehicleID string) (map[string]bool, error)
}

// AuditStore is the append-only security control log.
type AuditStore interface {
	AppendControl(ctx context.Context, c models.ControlStatus) error
	Controls(ctx context.Context) ([]models.ControlStatus, error)
}

// Store is everything the server persists.
type Store interface {
	TimelineStore
	DeviceStore
	GeofenceStore
	AuditStore
}
