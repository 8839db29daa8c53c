package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

// ErrInvalidPoint is returned when a telemetry point fails schema validation.
var ErrInvalidPoint = errors.New("invalid telemetry point")

// TelemetryPoint is a single position fix captured by a device. It is never mutated
// after capture; corrections are sent as new points.
type TelemetryPoint struct {
	VehicleID      string               `json:"vehicle_id"`
	DeviceID       string               `json:"device_id"`
	SourceDevice   constants.Role       `json:"source_device"`
	Timestamp      time.Time            `json:"timestamp"`
	SequenceNumber uint64               `json:"sequence_number"`
	Lat            float64              `json:"lat"`
	Lng            float64              `json:"lng"`
	Speed          float64              `json:"speed"`
	Heading        float64              `json:"heading"`
	Channel        constants.Channel    `json:"channel"`
	Event          constants.PointEvent `json:"event,omitempty"`
}

// PointKey uniquely identifies a telemetry point across the whole system.
type PointKey struct {
	DeviceID       string `json:"device_id"`
	SequenceNumber uint64 `json:"sequence_number"`
}

func (k PointKey) String() string {
	return fmt.Sprintf("%s#%d", k.DeviceID, k.SequenceNumber)
}

// Key returns the dedup key of the point.
func (p TelemetryPoint) Key() PointKey {
	return PointKey{DeviceID: p.DeviceID, SequenceNumber: p.SequenceNumber}
}

// Urgency maps the point's event tag to a delivery urgency.
func (p TelemetryPoint) Urgency() constants.Urgency {
	switch p.Event {
	case constants.PointEventTamper:
		return constants.UrgencyTamper
	case constants.PointEventGeofenceBreach, constants.PointEventCrash, constants.PointEventPowerLoss:
		return constants.UrgencyCritical
	default:
		return constants.UrgencyRoutine
	}
}

// Validate checks the per-point schema.
func (p TelemetryPoint) Validate() error {
	switch {
	case p.DeviceID == "":
		return fmt.Errorf("%w: device_id is required", ErrInvalidPoint)
	case p.VehicleID == "":
		return fmt.Errorf("%w: vehicle_id is required", ErrInvalidPoint)
	case p.SourceDevice != constants.RolePrimary && p.SourceDevice != constants.RoleBackup:
		return fmt.Errorf("%w: unknown source_device %q", ErrInvalidPoint, p.SourceDevice)
	case p.SequenceNumber == 0:
		return fmt.Errorf("%w: sequence_number must be positive", ErrInvalidPoint)
	case p.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidPoint)
	case p.Lat < -90 || p.Lat > 90:
		return fmt.Errorf("%w: lat %f out of range", ErrInvalidPoint, p.Lat)
	case p.Lng < -180 || p.Lng > 180:
		return fmt.Errorf("%w: lng %f out of range", ErrInvalidPoint, p.Lng)
	case p.Speed < 0:
		return fmt.Errorf("%w: negative speed", ErrInvalidPoint)
	case p.Heading < 0 || p.Heading >= 360:
		return fmt.Errorf("%w: heading %f out of range", ErrInvalidPoint, p.Heading)
	}
	switch p.Channel {
	case constants.ChannelMobileData, constants.ChannelWiFi, constants.ChannelSMS, constants.ChannelBatchSync:
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidPoint, p.Channel)
	}
	return nil
}

// TimelineEntry is a point as recorded in a vehicle timeline.
type TimelineEntry struct {
	TelemetryPoint
	ReceivedAt        time.Time `json:"received_at"`
	OrderTime         time.Time `json:"order_time"`
	ClockSkewed       bool      `json:"clock_skewed"`
	GeofenceEvaluated bool      `json:"-"`
}

// Before reports whether e sorts ahead of other in a vehicle timeline.
func (e TimelineEntry) Before(other TimelineEntry) bool {
	if !e.OrderTime.Equal(other.OrderTime) {
		return e.OrderTime.Before(other.OrderTime)
	}
	if e.DeviceID != other.DeviceID {
		return e.DeviceID < other.DeviceID
	}
	return e.SequenceNumber < other.SequenceNumber
}

// OfflineQueueEntry is a point waiting on-device for server acknowledgement.
type OfflineQueueEntry struct {
	Point      TelemetryPoint `json:"point"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	RetryCount int            `json:"retry_count"`
}

// BatchRequest is the body of POST /telematics/batch.
type BatchRequest struct {
	Points []TelemetryPoint `json:"points"`
}

// PointResult reports the outcome of one point in a batch.
type PointResult struct {
	DeviceID       string `json:"device_id"`
	SequenceNumber uint64 `json:"sequence_number"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// BatchResponse enumerates per-point outcomes.
type BatchResponse struct {
	Accepted  int           `json:"accepted"`
	Duplicate int           `json:"duplicate"`
	Rejected  int           `json:"rejected"`
	Results   []PointResult `json:"results"`
}

// Acknowledged returns the sequence numbers the server has durably recorded,
// including duplicates it already held.
func (b BatchResponse) Acknowledged() []uint64 {
	seqs := make([]uint64, 0, len(b.Results))
	for _, r := range b.Results {
		if r.Status == constants.IngestStatusAccepted || r.Status == constants.IngestStatusDuplicate {
			seqs = append(seqs, r.SequenceNumber)
		}
	}
	return seqs
}
