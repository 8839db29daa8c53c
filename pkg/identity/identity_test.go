package identity

import (
	"path/filepath"
	"testing"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceInfo_LoadMissingFile(t *testing.T) {
	d := NewDeviceInfo(filepath.Join(t.TempDir(), "device.json"), file.NewFileService())
	require.NoError(t, d.LoadDeviceInfo())
	assert.Empty(t, d.GetDeviceID())
}

func TestDeviceInfo_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.json")
	fs := file.NewFileService()

	d := NewDeviceInfo(path, fs)
	require.NoError(t, d.SaveIdentity(Identity{ID: "dev-1", VehicleID: "veh-1", Role: constants.RoleBackup}))

	reloaded := NewDeviceInfo(path, fs)
	require.NoError(t, reloaded.LoadDeviceInfo())
	assert.Equal(t, "dev-1", reloaded.GetDeviceID())
	assert.Equal(t, "veh-1", reloaded.GetVehicleID())
	assert.Equal(t, constants.RoleBackup, reloaded.GetRole())
}
