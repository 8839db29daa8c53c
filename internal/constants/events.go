package constants

// EventType is the kind of message pushed on the real-time channel.
type EventType string

const (
	EventLocationUpdate EventType = "location_update"
	EventAlertTriggered EventType = "alert_triggered"
	EventDeviceStatus   EventType = "device_status"
)

// AlertType classifies alert_triggered events.
type AlertType string

const (
	AlertGeofenceEnter  AlertType = "geofence_enter"
	AlertGeofenceExit   AlertType = "geofence_exit"
	AlertTamper         AlertType = "tamper"
	AlertPrimaryOffline AlertType = "primary_offline"
	AlertTelemetryLoss  AlertType = "telemetry_loss"
)

// GeofenceShape is the boundary type of a geofence.
type GeofenceShape string

const (
	ShapeCircle  GeofenceShape = "circle"
	ShapePolygon GeofenceShape = "polygon"
)

// DirectiveKind is a command sent to a backup unit over SMS.
type DirectiveKind string

const (
	DirectiveWake     DirectiveKind = "wake"
	DirectiveRecovery DirectiveKind = "recovery"
)

// Account roles carried in access tokens.
const (
	AccountOwner      = "owner"
	AccountInstaller  = "installer"
	AccountFleetAdmin = "fleet_admin"
	AccountDevice     = "device"
)

// LocationTopicPrefix and LocationTopicSuffix frame the real-time topic name vehicle.<id>.location.
const (
	LocationTopicPrefix = "vehicle."
	LocationTopicSuffix = ".location"
)

// LocationTopic returns the real-time topic for a vehicle.
func LocationTopic(vehicleID string) string {
	return LocationTopicPrefix + vehicleID + LocationTopicSuffix
}
