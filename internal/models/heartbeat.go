package models

import (
	"time"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

// Heartbeat is the liveness message a primary unit sends every interval.
type Heartbeat struct {
	DeviceID     string                 `json:"device_id"`
	VehicleID    string                 `json:"vehicle_id"`
	Timestamp    time.Time              `json:"timestamp"`
	MonitorState constants.MonitorState `json:"monitor_state"`
	TamperFlag   bool                   `json:"tamper_flag"`
	TamperKind   constants.TamperKind   `json:"tamper_kind,omitempty"`
	PowerLost    bool                   `json:"power_lost"`
	Transitions  []StateTransition      `json:"transitions,omitempty"`
	Health       *HealthSnapshot        `json:"health,omitempty"`
}

// StateTransition records a monitor state change that happened on-device.
type StateTransition struct {
	From   constants.MonitorState `json:"from"`
	To     constants.MonitorState `json:"to"`
	At     time.Time              `json:"at"`
	Reason string                 `json:"reason"`
}
