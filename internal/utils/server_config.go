package utils

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
)

// ServerConfig is the configuration of the ingestion server.
type ServerConfig struct {
	LogLevel string `mapstructure:"log_level"`

	HTTP struct {
		Addr         string        `mapstructure:"addr"`
		TLSCert      string        `mapstructure:"tls_cert"`
		TLSKey       string        `mapstructure:"tls_key"`
		ClientCA     string        `mapstructure:"client_ca"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
		// ClientCertHeader is the header a TLS-terminating proxy forwards the client
		// certificate in. Only set it when the proxy verifies client certificates
		// against the device CA and overwrites the header on every request.
		ClientCertHeader string `mapstructure:"client_cert_header"`
	} `mapstructure:"http"`

	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`

	Redis struct {
		Addr string        `mapstructure:"addr"`
		DB   int           `mapstructure:"db"`
		TTL  time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`

	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`

	MQTT struct {
		Broker        string `mapstructure:"broker"`
		ClientID      string `mapstructure:"client_id"`
		CACertificate string `mapstructure:"ca_certificate"`
		QOS           int    `mapstructure:"qos"`
	} `mapstructure:"mqtt"`

	Auth struct {
		JWTSecret      string        `mapstructure:"jwt_secret"`
		DeviceTokenTTL time.Duration `mapstructure:"device_token_ttl"`
	} `mapstructure:"auth"`

	Reconciler struct {
		ClockTolerance    time.Duration `mapstructure:"clock_tolerance"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		MissedHeartbeats  int           `mapstructure:"missed_heartbeats"`
		CheckInterval     time.Duration `mapstructure:"check_interval"`
		WakeOnLoss        bool          `mapstructure:"wake_on_loss"`
		WakeOnTamper      bool          `mapstructure:"wake_on_tamper"`
		MaxWakeAttempts   int           `mapstructure:"max_wake_attempts"`
		CheckWorkers      int           `mapstructure:"check_workers"`
		TailSize          int           `mapstructure:"tail_size"`
	} `mapstructure:"reconciler"`

	Provisioning struct {
		CACert       string        `mapstructure:"ca_cert"`
		CAKey        string        `mapstructure:"ca_key"`
		SMSMasterKey string        `mapstructure:"sms_master_key"` // hex encoded
		MinFirmware  string        `mapstructure:"min_firmware"`   // semver constraint
		CertTTL      time.Duration `mapstructure:"cert_ttl"`
	} `mapstructure:"provisioning"`

	SMS struct {
		GatewayURL    string        `mapstructure:"gateway_url"`
		APIKey        string        `mapstructure:"api_key"`
		FromNumber    string        `mapstructure:"from_number"`
		WebhookSecret string        `mapstructure:"webhook_secret"`
		Timeout       time.Duration `mapstructure:"timeout"`
	} `mapstructure:"sms"`

	RateLimit struct {
		PerSecond float64 `mapstructure:"per_second"`
		Burst     int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`

	Realtime struct {
		ClientBuffer int `mapstructure:"client_buffer"`
	} `mapstructure:"realtime"`
}

// LoadServerConfig reads an optional .env file, the YAML file at path (if any) and
// TRACKER_* environment overrides, e.g. TRACKER_POSTGRES_DSN.
func LoadServerConfig(path string) (*ServerConfig, error) {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	setServerDefaults(v)
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http.addr", ":8443")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.client_cert_header", "")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "vehicle-events")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "tracker-server")
	v.SetDefault("mqtt.ca_certificate", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.device_token_ttl", 15*time.Minute)
	v.SetDefault("reconciler.clock_tolerance", constants.DefaultClockTolerance)
	v.SetDefault("reconciler.heartbeat_interval", constants.DefaultHeartbeatInterval)
	v.SetDefault("reconciler.missed_heartbeats", constants.DefaultMissedHeartbeats)
	v.SetDefault("reconciler.check_interval", 10*time.Second)
	v.SetDefault("reconciler.wake_on_loss", true)
	v.SetDefault("reconciler.wake_on_tamper", true)
	v.SetDefault("reconciler.max_wake_attempts", constants.DefaultWakeAttempts)
	v.SetDefault("reconciler.check_workers", 8)
	v.SetDefault("reconciler.tail_size", constants.DefaultTimelineTail)
	v.SetDefault("provisioning.ca_cert", "")
	v.SetDefault("provisioning.ca_key", "")
	v.SetDefault("provisioning.sms_master_key", "")
	v.SetDefault("provisioning.min_firmware", ">= 1.0.0")
	v.SetDefault("provisioning.cert_ttl", 365*24*time.Hour)
	v.SetDefault("sms.gateway_url", "")
	v.SetDefault("sms.api_key", "")
	v.SetDefault("sms.from_number", "")
	v.SetDefault("sms.webhook_secret", "")
	v.SetDefault("sms.timeout", 10*time.Second)
	v.SetDefault("rate_limit.per_second", 5.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("realtime.client_buffer", 64)
}

// Validate rejects configurations the server cannot run with.
func (c *ServerConfig) Validate() error {
	var errs []error
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}
	if c.SMS.WebhookSecret == "" {
		errs = append(errs, errors.New("sms.webhook_secret is required"))
	}
	if c.Provisioning.SMSMasterKey == "" {
		errs = append(errs, errors.New("provisioning.sms_master_key is required"))
	}
	if c.Reconciler.MissedHeartbeats <= 0 || c.Reconciler.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("reconciler heartbeat settings must be positive"))
	}
	return errors.Join(errs...)
}
