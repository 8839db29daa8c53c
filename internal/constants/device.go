package constants

import "time"

// Role identifies which of the two units in a vehicle a device is.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// Connectivity is the server's view of whether a device is reachable.
type Connectivity string

const (
	ConnectivityOnline  Connectivity = "online"
	ConnectivityOffline Connectivity = "offline"
	ConnectivityUnknown Connectivity = "unknown"
)

// Mode is the operating mode of a device as tracked by the reconciler.
type Mode string

const (
	ModeActive          Mode = "active"
	ModeSleeping        Mode = "sleeping"
	ModeStealth         Mode = "stealth"
	ModeInferredOffline Mode = "inferred_offline"
)

// MonitorState is the heartbeat monitor state of a primary unit.
type MonitorState string

const (
	MonitorNormal   MonitorState = "normal"
	MonitorDegraded MonitorState = "degraded"
	MonitorOffline  MonitorState = "offline"
)

// BackupState is the activation state of a backup unit.
type BackupState string

const (
	BackupSleeping BackupState = "sleeping"
	BackupWaking   BackupState = "waking"
	BackupStealth  BackupState = "stealth"
)

// TamperKind names the hardware source of a tamper signal.
type TamperKind string

const (
	TamperPowerDisconnect TamperKind = "power_disconnect"
	TamperSIMPull         TamperKind = "sim_pull"
	TamperSensor          TamperKind = "sensor"
)

// WakeReason records what woke a backup unit.
type WakeReason string

const (
	WakePairedTamper WakeReason = "paired_tamper"
	WakeDirective    WakeReason = "server_directive"
	WakeMaxSilence   WakeReason = "max_silence"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMissedHeartbeats  = 3
	DefaultConnectTimeout    = 5 * time.Second
	DefaultMinDwell          = 30 * time.Second
	DefaultEscalationWindow  = 10 * time.Second
	DefaultStealthInterval   = 5 * time.Minute
	DefaultMaxSilence        = 15 * time.Minute
	DefaultOfflineCapacity   = 10000
)
