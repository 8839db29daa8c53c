package identity

import (
	"errors"
	"os"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

// Identity holds the device's unique identifier and its binding to a vehicle.
type Identity struct {
	ID              string         `json:"device_id,omitempty"`
	VehicleID       string         `json:"vehicle_id,omitempty"`
	Role            constants.Role `json:"role,omitempty"`
	FirmwareVersion string         `json:"firmware_version,omitempty"`
	PairedDeviceID  string         `json:"paired_device_id,omitempty"`
	ServerSMSNumber string         `json:"server_sms_number,omitempty"`
}

// DeviceInfoInterface defines methods for managing device identity.
type DeviceInfoInterface interface {
	LoadDeviceInfo() error
	SaveIdentity(identity Identity) error
	GetDeviceID() string
	GetVehicleID() string
	GetRole() constants.Role
	GetDeviceIdentity() *Identity
}

// DeviceInfo manages the device identity and its associated file operations.
type DeviceInfo struct {
	DeviceInfoFile string
	Identity       Identity
	fileOps        file.FileOperations
}

// NewDeviceInfo initializes a new DeviceInfo instance.
func NewDeviceInfo(filePath string, fileOps file.FileOperations) DeviceInfoInterface {
	return &DeviceInfo{
		DeviceInfoFile: filePath,
		fileOps:        fileOps,
	}
}

// LoadDeviceInfo reads the device information from the file and populates the Identity field.
func (d *DeviceInfo) LoadDeviceInfo() error {
	err := d.fileOps.ReadJsonFile(d.DeviceInfoFile, &d.Identity)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// File does not exist, initialize with default empty values
			d.Identity = Identity{}
			return nil
		}
		return err
	}
	return nil
}

// GetDeviceIdentity returns the current device Identity.
func (d *DeviceInfo) GetDeviceIdentity() *Identity {
	return &d.Identity
}

// GetDeviceID returns the current device ID.
func (d *DeviceInfo) GetDeviceID() string {
	return d.Identity.ID
}

// GetVehicleID returns the vehicle the device was installed in.
func (d *DeviceInfo) GetVehicleID() string {
	return d.Identity.VehicleID
}

// GetRole returns whether the device is the primary or backup unit.
func (d *DeviceInfo) GetRole() constants.Role {
	return d.Identity.Role
}

// SaveIdentity replaces the identity and writes it back to the file.
func (d *DeviceInfo) SaveIdentity(identity Identity) error {
	if err := d.fileOps.WriteJsonFile(d.DeviceInfoFile, identity); err != nil {
		return err
	}
	d.Identity = identity
	return nil
}
