package models

import (
	"time"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

// DeviceState is the server's eventually-consistent view of one device.
type DeviceState struct {
	DeviceID        string                 `json:"device_id" db:"device_id"`
	VehicleID       string                 `json:"vehicle_id" db:"vehicle_id"`
	Role            constants.Role         `json:"role" db:"role"`
	LastHeartbeatAt time.Time              `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	LastSeenAt      time.Time              `json:"last_seen_at" db:"last_seen_at"`
	TamperFlag      bool                   `json:"tamper_flag" db:"tamper_flag"`
	Connectivity    constants.Connectivity `json:"connectivity" db:"connectivity"`
	Mode            constants.Mode         `json:"mode" db:"mode"`
	MonitorState    constants.MonitorState `json:"monitor_state,omitempty" db:"monitor_state"`
	SMSAddress      string                 `json:"sms_address,omitempty" db:"sms_address"`

	// ClockOffset is receipt time minus device time, measured on heartbeats and on
	// live and SMS points that are the newest the device has sent.
	ClockOffset      time.Duration `json:"clock_offset" db:"clock_offset"`
	ClockOffsetKnown bool          `json:"-" db:"clock_offset_known"`

	WakeIssued   bool `json:"wake_issued" db:"wake_issued"`
	WakeAttempts int  `json:"wake_attempts" db:"wake_attempts"`

	// LastSequence is the highest sequence number received from the device.
	LastSequence uint64 `json:"last_sequence" db:"last_sequence"`
}

// LastActivity is the most recent heartbeat or point from the device.
func (d DeviceState) LastActivity() time.Time {
	if d.LastHeartbeatAt.After(d.LastSeenAt) {
		return d.LastHeartbeatAt
	}
	return d.LastSeenAt
}

// DeviceStatus is the payload of a device_status event.
type DeviceStatus struct {
	DeviceID     string                 `json:"device_id"`
	VehicleID    string                 `json:"vehicle_id"`
	Role         constants.Role         `json:"role"`
	Mode         constants.Mode         `json:"mode"`
	Connectivity constants.Connectivity `json:"connectivity"`
	TamperFlag   bool                   `json:"tamper_flag"`
	At           time.Time              `json:"at"`
}

// StatusOf builds the public status view of a device.
func StatusOf(d DeviceState, at time.Time) DeviceStatus {
	return DeviceStatus{
		DeviceID:     d.DeviceID,
		VehicleID:    d.VehicleID,
		Role:         d.Role,
		Mode:         d.Mode,
		Connectivity: d.Connectivity,
		TamperFlag:   d.TamperFlag,
		At:           at,
	}
}
