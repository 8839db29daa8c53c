package constants

import "time"

// Channel is the uplink a telemetry point travelled over.
type Channel string

const (
	ChannelMobileData Channel = "mobile_data"
	ChannelWiFi       Channel = "wifi"
	ChannelSMS        Channel = "sms"
	ChannelBatchSync  Channel = "batch_sync"
)

// IngestChannel is the server endpoint a point arrived on.
type IngestChannel string

const (
	IngestLive  IngestChannel = "live"
	IngestBatch IngestChannel = "batch"
	IngestSMS   IngestChannel = "sms"
)

// PointEvent tags a telemetry point that was captured because of an event.
type PointEvent string

const (
	PointEventNone           PointEvent = ""
	PointEventGeofenceBreach PointEvent = "geofence_breach"
	PointEventCrash          PointEvent = "crash"
	PointEventTamper         PointEvent = "tamper"
	PointEventPowerLoss      PointEvent = "power_loss"
)

// Urgency decides which channels the transport selector may use for a point.
type Urgency string

const (
	UrgencyRoutine  Urgency = "routine"
	UrgencyCritical Urgency = "critical"
	UrgencyTamper   Urgency = "tamper"
)

// Ingestion outcomes reported per point.
const (
	IngestStatusAccepted  = "accepted"
	IngestStatusDuplicate = "duplicate"
	IngestStatusRejected  = "rejected"
	// IngestStatusRetry marks a point the server could not record; the device keeps it queued.
	IngestStatusRetry = "retry"
)

const (
	DefaultClockTolerance = 120 * time.Second
	DefaultWakeAttempts   = 3
	DefaultTimelineTail   = 1000
	MaxBatchPoints        = 500
)
