package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

// Config represents the structure of the agent configuration file.
type Config struct {
	Role     constants.Role `yaml:"role"`      // primary or backup
	LogLevel string         `yaml:"log_level"` // zerolog level name

	Identity struct {
		DeviceFile string `yaml:"device_file"` // Path to the device identity file
	} `yaml:"identity"`

	Backend struct {
		BaseURL              string `yaml:"base_url"`              // Server base URL, e.g. https://track.example.com
		CACertificate        string `yaml:"ca_certificate"`        // CA bundle used to verify the server
		BootstrapCertificate string `yaml:"bootstrap_certificate"` // Factory certificate
		BootstrapKey         string `yaml:"bootstrap_key"`         // Factory private key
		ClientCertificate    string `yaml:"client_certificate"`    // Operational mTLS certificate, written by provisioning
		ClientKey            string `yaml:"client_key"`            // Operational private key, written by provisioning
		ServerSMSNumber      string `yaml:"server_sms_number"`     // Carrier number the server receives SMS on
	} `yaml:"backend"`

	Security struct {
		JWTFile    string `yaml:"jwt_file"`     // Path to the encrypted token cache
		AESKeyFile string `yaml:"aes_key_file"` // Key protecting local files
		SMSKeyFile string `yaml:"sms_key_file"` // Per-device SMS key, written by provisioning
	} `yaml:"security"`

	Transport struct {
		ConnectTimeout   time.Duration `yaml:"connect_timeout"`   // Per-channel reachability and connect bound
		SendTimeout      time.Duration `yaml:"send_timeout"`      // Per-channel send bound
		EscalationWindow time.Duration `yaml:"escalation_window"` // IP budget for critical points before SMS
		MinDwell         time.Duration `yaml:"min_dwell"`         // Minimum time between reported connectivity changes
		TrustedSSIDs     []string      `yaml:"trusted_ssids"`     // WiFi networks allowed as uplink
		ModemIndex       int           `yaml:"modem_index"`       // ModemManager index used for mobile data probes
	} `yaml:"transport"`

	Offline struct {
		File     string `yaml:"file"`     // Encrypted queue file
		Capacity int    `yaml:"capacity"` // Maximum queued points
	} `yaml:"offline"`

	Modem struct {
		Device   string        `yaml:"device"`    // Serial device of the GSM modem
		BaudRate int           `yaml:"baud_rate"` // Serial baud rate
		Timeout  time.Duration `yaml:"timeout"`   // AT command response timeout
	} `yaml:"modem"`

	Pairing struct {
		Device   string `yaml:"device"`    // Serial device of the paired link
		BaudRate int    `yaml:"baud_rate"` // Serial baud rate
	} `yaml:"pairing"`

	State struct {
		SequenceFile string `yaml:"sequence_file"` // Persisted sequence counter
		BackupFile   string `yaml:"backup_file"`   // Persisted backup controller state
	} `yaml:"state"`

	Services struct {
		Provisioning struct {
			Enabled         bool          `yaml:"enabled"`
			FirmwareVersion string        `yaml:"firmware_version"` // Reported to the server's firmware gate
			MaxRetries      int           `yaml:"max_retries"`      // Maximum number of retry attempts
			BaseDelay       time.Duration `yaml:"base_delay"`       // Initial delay between retries
			MaxDelay        time.Duration `yaml:"max_delay"`        // Maximum backoff between retries
		} `yaml:"provisioning"`

		Telemetry struct {
			Enabled           bool          `yaml:"enabled"`
			Interval          time.Duration `yaml:"interval"`        // Capture interval
			GPSDevicePort     string        `yaml:"gps_device_port"` // Serial port of the GPS receiver
			GPSDeviceBaudRate int           `yaml:"gps_baud_rate"`   // Baud rate of the GPS receiver
			MapsAPIKey        string        `yaml:"maps_api_key"`    // Enables the geolocation fallback when set
		} `yaml:"telemetry"`

		BatchSync struct {
			Enabled   bool          `yaml:"enabled"`
			Interval  time.Duration `yaml:"interval"`   // Drain interval
			BatchSize int           `yaml:"batch_size"` // Points per batch upload
		} `yaml:"batch_sync"`

		Heartbeat struct {
			Enabled         bool          `yaml:"enabled"`
			Interval        time.Duration `yaml:"interval"`          // Interval between heartbeats
			MissedThreshold int           `yaml:"missed_threshold"`  // Missed heartbeats before degraded
			PowerSensorPath string        `yaml:"power_sensor_path"` // sysfs file reading 1 while on vehicle power
			MonitorCPU      bool          `yaml:"monitor_cpu"`
			MonitorMemory   bool          `yaml:"monitor_memory"`
			MonitorUptime   bool          `yaml:"monitor_uptime"`
			MonitorDisk     bool          `yaml:"monitor_disk"` // Usage of the filesystem holding the offline store
		} `yaml:"heartbeat"`

		Tamper struct {
			Enabled      bool              `yaml:"enabled"`
			PollInterval time.Duration     `yaml:"poll_interval"` // How often tamper inputs are sampled
			Sensors      map[string]string `yaml:"sensors"`       // tamper kind -> sysfs path reading 1 when triggered
		} `yaml:"tamper"`

		Backup struct {
			Enabled           bool          `yaml:"enabled"`
			StealthInterval   time.Duration `yaml:"stealth_interval"`    // Report period while in stealth
			MaxSilence        time.Duration `yaml:"max_silence"`         // Paired link silence that wakes the unit
			InboxPollInterval time.Duration `yaml:"inbox_poll_interval"` // Modem inbox poll period
			TickInterval      time.Duration `yaml:"tick_interval"`       // Controller timer resolution
		} `yaml:"backup"`
	} `yaml:"services"`
}

// LoadConfig loads the YAML configuration from the specified file and fills defaults.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	setDuration(&c.Transport.ConnectTimeout, constants.DefaultConnectTimeout)
	setDuration(&c.Transport.SendTimeout, 2*constants.DefaultConnectTimeout)
	setDuration(&c.Transport.EscalationWindow, constants.DefaultEscalationWindow)
	setDuration(&c.Transport.MinDwell, constants.DefaultMinDwell)
	setDuration(&c.Modem.Timeout, 10*time.Second)
	setDuration(&c.Services.Provisioning.BaseDelay, 2*time.Second)
	setDuration(&c.Services.Provisioning.MaxDelay, 5*time.Minute)
	setDuration(&c.Services.Telemetry.Interval, 10*time.Second)
	setDuration(&c.Services.BatchSync.Interval, time.Minute)
	setDuration(&c.Services.Heartbeat.Interval, constants.DefaultHeartbeatInterval)
	setDuration(&c.Services.Tamper.PollInterval, 500*time.Millisecond)
	setDuration(&c.Services.Backup.StealthInterval, constants.DefaultStealthInterval)
	setDuration(&c.Services.Backup.MaxSilence, constants.DefaultMaxSilence)
	setDuration(&c.Services.Backup.InboxPollInterval, 30*time.Second)
	setDuration(&c.Services.Backup.TickInterval, 5*time.Second)

	if c.Offline.Capacity == 0 {
		c.Offline.Capacity = constants.DefaultOfflineCapacity
	}
	if c.Services.BatchSync.BatchSize == 0 {
		c.Services.BatchSync.BatchSize = 100
	}
	if c.Services.Heartbeat.MissedThreshold == 0 {
		c.Services.Heartbeat.MissedThreshold = constants.DefaultMissedHeartbeats
	}
	if c.Services.Provisioning.MaxRetries == 0 {
		c.Services.Provisioning.MaxRetries = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Role != constants.RolePrimary && c.Role != constants.RoleBackup {
		errs = append(errs, fmt.Errorf("role must be %q or %q, got %q", constants.RolePrimary, constants.RoleBackup, c.Role))
	}
	if c.Identity.DeviceFile == "" {
		errs = append(errs, errors.New("identity.device_file is required"))
	}
	if c.Offline.File == "" {
		errs = append(errs, errors.New("offline.file is required"))
	}
	if c.State.SequenceFile == "" {
		errs = append(errs, errors.New("state.sequence_file is required"))
	}
	if c.Role == constants.RoleBackup && c.Backend.ServerSMSNumber == "" {
		errs = append(errs, errors.New("backend.server_sms_number is required for the backup unit"))
	}
	if c.Offline.Capacity < 0 {
		errs = append(errs, errors.New("offline.capacity must not be negative"))
	}
	return errors.Join(errs...)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
