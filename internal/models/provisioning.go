package models

import (
	"time"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

// ProvisioningStage is how far a device has progressed through provisioning.
type ProvisioningStage string

const (
	StageBootstrapped ProvisioningStage = "bootstrapped"
	StageVerified     ProvisioningStage = "installer_verified"
	StageOperational  ProvisioningStage = "operational"
)

// DeviceRecord is the registry entry created at manufacturing and completed at install.
type DeviceRecord struct {
	DeviceID       string            `json:"device_id" db:"device_id"`
	Role           constants.Role    `json:"role" db:"role"`
	VehicleID      string            `json:"vehicle_id,omitempty" db:"vehicle_id"`
	VIN            string            `json:"vin,omitempty" db:"vin"`
	SMSAddress     string            `json:"sms_address,omitempty" db:"sms_address"`
	BootstrapFP    string            `json:"bootstrap_fingerprint" db:"bootstrap_fingerprint"`
	OperationalFP  string            `json:"operational_fingerprint,omitempty" db:"operational_fingerprint"`
	Stage          ProvisioningStage `json:"stage" db:"stage"`
	InstallerID    string            `json:"installer_id,omitempty" db:"installer_id"`
	VerifiedAt     *time.Time        `json:"verified_at,omitempty" db:"verified_at"`
	ProvisionedAt  *time.Time        `json:"provisioned_at,omitempty" db:"provisioned_at"`
	FirmwareVer    string            `json:"firmware_version,omitempty" db:"firmware_version"`
	PairedDeviceID string            `json:"paired_device_id,omitempty" db:"paired_device_id"`
}

// InstallationRequest is the installer's QR/VIN scan binding two units to a vehicle.
type InstallationRequest struct {
	InstallerID     string `json:"installer_id"`
	VIN             string `json:"vin"`
	VehicleID       string `json:"vehicle_id"`
	PrimaryDeviceID string `json:"primary_device_id"`
	BackupDeviceID  string `json:"backup_device_id"`
	BackupSMS       string `json:"backup_sms_address"`
}

// ProvisionRequest exchanges a bootstrap identity for operational credentials.
// The bootstrap certificate is the client certificate of the request.
type ProvisionRequest struct {
	DeviceID        string `json:"device_id"`
	CSR             string `json:"csr_pem"`
	FirmwareVersion string `json:"firmware_version"`
}

// ProvisionResponse carries the operational credentials.
type ProvisionResponse struct {
	DeviceID        string         `json:"device_id"`
	VehicleID       string         `json:"vehicle_id"`
	Role            constants.Role `json:"role"`
	CertificatePEM  string         `json:"certificate_pem"`
	CAPEM           string         `json:"ca_pem"`
	SMSKey          []byte         `json:"sms_key"`
	ServerSMSNumber string         `json:"server_sms_number,omitempty"`
	PairedDeviceID  string         `json:"paired_device_id,omitempty"`
}

// ControlStatus is one entry in the append-only security control log.
type ControlStatus struct {
	ID      string    `json:"id"`
	Control string    `json:"control"`
	Enabled bool      `json:"enabled"`
	Actor   string    `json:"actor"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}
