package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

const agentYAML = `
role: backup
identity:
  device_file: /tmp/device.json
backend:
  server_sms_number: "+15550000"
offline:
  file: /tmp/queue.bin
state:
  sequence_file: /tmp/seq.json
transport:
  connect_timeout: 3s
  trusted_ssids: ["depot"]
services:
  backup:
    enabled: true
    stealth_interval: 2m
`

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(agentYAML), 0o600))

	cfg, err := LoadConfig(path, file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, constants.RoleBackup, cfg.Role)
	assert.Equal(t, 3*time.Second, cfg.Transport.ConnectTimeout)
	assert.Equal(t, constants.DefaultMinDwell, cfg.Transport.MinDwell)
	assert.Equal(t, 2*time.Minute, cfg.Services.Backup.StealthInterval)
	assert.Equal(t, constants.DefaultMaxSilence, cfg.Services.Backup.MaxSilence)
	assert.Equal(t, constants.DefaultOfflineCapacity, cfg.Offline.Capacity)
	assert.Equal(t, []string{"depot"}, cfg.Transport.TrustedSSIDs)
}

func TestConfig_Validate(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "role must be")
	assert.Contains(t, err.Error(), "identity.device_file is required")
}

func TestLoadServerConfig_EnvOverrides(t *testing.T) {
	t.Setenv("TRACKER_AUTH_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TRACKER_SMS_WEBHOOK_SECRET", "hook")
	t.Setenv("TRACKER_PROVISIONING_SMS_MASTER_KEY", "00ff")
	t.Setenv("TRACKER_RECONCILER_CLOCK_TOLERANCE", "90s")

	cfg, err := LoadServerConfig("")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Reconciler.ClockTolerance)
	assert.Equal(t, constants.DefaultHeartbeatInterval, cfg.Reconciler.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Reconciler.MissedHeartbeats)
	assert.True(t, cfg.Reconciler.WakeOnLoss)
}

func TestLoadServerConfig_RequiresSecrets(t *testing.T) {
	_, err := LoadServerConfig("")
	assert.Error(t, err)
}
