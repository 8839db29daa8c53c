package models

import (
	"time"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

// Event is a message pushed to real-time subscribers of a vehicle topic.
type Event struct {
	ID        string              `json:"id"`
	Type      constants.EventType `json:"type"`
	Topic     string              `json:"topic"`
	VehicleID string              `json:"vehicle_id"`
	Timestamp time.Time           `json:"timestamp"`
	Data      any                 `json:"data"`
}

// LocationUpdate is the payload of a location_update event.
type LocationUpdate struct {
	DeviceID       string         `json:"device_id"`
	SourceDevice   constants.Role `json:"source_device"`
	SequenceNumber uint64         `json:"sequence_number"`
	Lat            float64        `json:"lat"`
	Lng            float64        `json:"lng"`
	Speed          float64        `json:"speed"`
	Heading        float64        `json:"heading"`
	Timestamp      time.Time      `json:"timestamp"`
	OrderTime      time.Time      `json:"order_time"`
}

// Alert is the payload of an alert_triggered event.
type Alert struct {
	ID             string              `json:"id"`
	VehicleID      string              `json:"vehicle_id"`
	Type           constants.AlertType `json:"type"`
	GeofenceID     string              `json:"geofence_id,omitempty"`
	DeviceID       string              `json:"device_id,omitempty"`
	SequenceNumber uint64              `json:"sequence_number,omitempty"`
	Message        string              `json:"message"`
	TriggeredAt    time.Time           `json:"triggered_at"`
}

// LocationUpdateOf builds the location_update payload of a timeline entry.
func LocationUpdateOf(e TimelineEntry) LocationUpdate {
	return LocationUpdate{
		DeviceID:       e.DeviceID,
		SourceDevice:   e.SourceDevice,
		SequenceNumber: e.SequenceNumber,
		Lat:            e.Lat,
		Lng:            e.Lng,
		Speed:          e.Speed,
		Heading:        e.Heading,
		Timestamp:      e.Timestamp,
		OrderTime:      e.OrderTime,
	}
}
