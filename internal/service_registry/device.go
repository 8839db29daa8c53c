package service_registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/capture"
	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/metrics_collectors"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/monitor"
	"github.com/benmeehan/hybrid-tracker/internal/offline"
	"github.com/benmeehan/hybrid-tracker/internal/registry"
	"github.com/benmeehan/hybrid-tracker/internal/services"
	"github.com/benmeehan/hybrid-tracker/internal/state_managers"
	"github.com/benmeehan/hybrid-tracker/internal/transport"
	"github.com/benmeehan/hybrid-tracker/internal/uplink"
	"github.com/benmeehan/hybrid-tracker/internal/utils"
	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
	"github.com/benmeehan/hybrid-tracker/pkg/identity"
	"github.com/benmeehan/hybrid-tracker/pkg/jwt"
	"github.com/benmeehan/hybrid-tracker/pkg/location"
	"github.com/benmeehan/hybrid-tracker/pkg/modem"
	"github.com/benmeehan/hybrid-tracker/pkg/pairing"
)

// deferredService builds the wrapped service on its first Start.
type deferredService struct {
	name  string
	build func() (registry.Service, error)
	svc   registry.Service
}

func deferred(name string, build func() (registry.Service, error)) func() (registry.Service, error) {
	return func() (registry.Service, error) {
		return &deferredService{name: name, build: build}, nil
	}
}

func (d *deferredService) Start() error {
	if d.svc == nil {
		svc, err := d.build()
		if err != nil {
			return fmt.Errorf("failed to create %s service: %w", d.name, err)
		}
		d.svc = svc
	}
	return d.svc.Start()
}

func (d *deferredService) Stop() error {
	if d.svc == nil {
		return fmt.Errorf("%s service is not running", d.name)
	}
	return d.svc.Stop()
}

// deviceStack builds the hardware and transport components shared by the agent
// services, each at most once. It is only used from the goroutine starting services.
type deviceStack struct {
	config     *utils.Config
	deviceInfo identity.DeviceInfoInterface
	fileClient file.FileOperations
	enc        encryption.EncryptionManagerInterface
	jwtManager *jwt.JWTManager
	logger     zerolog.Logger

	api       *uplink.Client
	offline   *offline.Store
	capture   *capture.Capturer
	provider  location.Provider
	radio     modem.Modem
	radioOpen bool
	pair      pairing.Link
	pairOpen  bool
	sealer    *encryption.EncryptionManager
	sms       *transport.SMSChannel
	conn      *transport.ConnectivityTracker
	sel       *transport.Selector
	mon       *monitor.Monitor
	metrics   *metrics_collectors.MetricsRegistry
}

func newDeviceStack(config *utils.Config, deviceInfo identity.DeviceInfoInterface, fileClient file.FileOperations,
	enc encryption.EncryptionManagerInterface, jwtManager *jwt.JWTManager, logger zerolog.Logger) *deviceStack {
	return &deviceStack{
		config:     config,
		deviceInfo: deviceInfo,
		fileClient: fileClient,
		enc:        enc,
		jwtManager: jwtManager,
		logger:     logger,
	}
}

// bootstrapClient presents the factory certificate; it is only used for provisioning.
func (s *deviceStack) bootstrapClient() *uplink.Client {
	httpClient := uplink.NewLazyTLSHTTPClient(uplink.TLSFiles{
		CA:   s.config.Backend.CACertificate,
		Cert: s.config.Backend.BootstrapCertificate,
		Key:  s.config.Backend.BootstrapKey,
	}, s.fileClient, s.config.Transport.ConnectTimeout)
	return uplink.NewClient(s.config.Backend.BaseURL, httpClient, nil, s.logger)
}

// client presents the operational certificate and authorizes calls with the cached token.
func (s *deviceStack) client() *uplink.Client {
	if s.api != nil {
		return s.api
	}
	httpClient := uplink.NewLazyTLSHTTPClient(uplink.TLSFiles{
		CA:   s.config.Backend.CACertificate,
		Cert: s.config.Backend.ClientCertificate,
		Key:  s.config.Backend.ClientKey,
	}, s.fileClient, s.config.Transport.ConnectTimeout)

	var tokens uplink.TokenSource
	if s.jwtManager != nil {
		tokens = s.jwtManager
	}
	s.api = uplink.NewClient(s.config.Backend.BaseURL, httpClient, tokens, s.logger)
	if s.jwtManager != nil {
		api := s.api
		s.jwtManager.SetRefresher(func(ctx context.Context) (string, error) {
			return api.RefreshToken(ctx, s.deviceInfo.GetDeviceID())
		})
	}
	return s.api
}

func (s *deviceStack) store() (*offline.Store, error) {
	if s.offline != nil {
		return s.offline, nil
	}
	logger := s.logger.With().Str("component", "offline_store").Logger()
	store, err := offline.Open(offline.Config{
		FilePath: s.config.Offline.File,
		Capacity: s.config.Offline.Capacity,
	}, s.fileClient, s.enc, func(lost []models.OfflineQueueEntry, reason error) {
		logger.Error().Err(reason).Int("lost", len(lost)).Msg("Queued telemetry lost")
	}, logger)
	if err != nil {
		return nil, err
	}
	s.offline = store
	return store, nil
}

func (s *deviceStack) capturer() (*capture.Capturer, error) {
	if s.capture != nil {
		return s.capture, nil
	}
	id := *s.deviceInfo.GetDeviceIdentity()
	if id.ID == "" || id.VehicleID == "" {
		return nil, errors.New("device is not provisioned")
	}
	if id.Role == "" {
		id.Role = s.config.Role
	}

	providers := []location.Provider{
		location.NewDeviceSensorProvider(s.config.Services.Telemetry.GPSDevicePort, s.config.Services.Telemetry.GPSDeviceBaudRate),
	}
	if key := s.config.Services.Telemetry.MapsAPIKey; key != "" {
		geo, err := location.NewGoogleGeolocationProvider(key, s.config.Transport.ModemIndex)
		if err != nil {
			return nil, err
		}
		providers = append(providers, geo)
	}
	s.provider = location.NewFallbackProvider(providers...)

	seq := state_managers.NewSequenceCounter(s.config.State.SequenceFile, s.fileClient, s.logger)
	s.capture = capture.New(s.provider, seq, id, s.logger.With().Str("component", "capture").Logger())
	return s.capture, nil
}

// modem returns nil when no modem is configured.
func (s *deviceStack) modem() (modem.Modem, error) {
	if s.radioOpen {
		return s.radio, nil
	}
	if s.config.Modem.Device == "" {
		s.radioOpen = true
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*s.config.Modem.Timeout)
	defer cancel()
	m, err := modem.Open(ctx, s.config.Modem.Device, s.config.Modem.BaudRate, s.config.Modem.Timeout,
		s.logger.With().Str("component", "modem").Logger())
	if err != nil {
		return nil, err
	}
	s.radio = m
	s.radioOpen = true
	return s.radio, nil
}

// link returns nil when the unit has no paired link.
func (s *deviceStack) link() (pairing.Link, error) {
	if s.pairOpen {
		return s.pair, nil
	}
	if s.config.Pairing.Device == "" {
		s.pairOpen = true
		return nil, nil
	}
	l, err := pairing.OpenSerial(s.config.Pairing.Device, s.config.Pairing.BaudRate,
		s.logger.With().Str("component", "pairing").Logger())
	if err != nil {
		return nil, err
	}
	s.pair = l
	s.pairOpen = true
	return s.pair, nil
}

func (s *deviceStack) smsSealer() (*encryption.EncryptionManager, error) {
	if s.sealer != nil {
		return s.sealer, nil
	}
	key, err := services.LoadSMSKey(s.config.Security.SMSKeyFile, s.fileClient, s.enc)
	if err != nil {
		return nil, fmt.Errorf("failed to load SMS key: %w", err)
	}
	sealer, err := encryption.NewEncryptionManagerFromKey(key)
	if err != nil {
		return nil, err
	}
	s.sealer = sealer
	return sealer, nil
}

// smsChannel returns nil when no modem is configured.
func (s *deviceStack) smsChannel() (*transport.SMSChannel, error) {
	if s.sms != nil {
		return s.sms, nil
	}
	m, err := s.modem()
	if err != nil || m == nil {
		return nil, err
	}
	sealer, err := s.smsSealer()
	if err != nil {
		return nil, err
	}
	serverNumber := s.config.Backend.ServerSMSNumber
	if n := s.deviceInfo.GetDeviceIdentity().ServerSMSNumber; n != "" {
		serverNumber = n
	}
	s.sms = transport.NewSMSChannel(m, serverNumber, s.deviceInfo.GetDeviceID(), sealer,
		s.logger.With().Str("component", "sms").Logger())
	return s.sms, nil
}

func (s *deviceStack) tracker() *transport.ConnectivityTracker {
	if s.conn == nil {
		logger := s.logger.With().Str("component", "connectivity").Logger()
		s.conn = transport.NewConnectivityTracker(s.config.Transport.MinDwell,
			func(from, to constants.Channel, at time.Time) {
				logger.Info().Str("from", string(from)).Str("to", string(to)).Time("at", at).Msg("Uplink changed")
			}, logger)
	}
	return s.conn
}

func (s *deviceStack) selector() (*transport.Selector, error) {
	if s.sel != nil {
		return s.sel, nil
	}
	store, err := s.store()
	if err != nil {
		return nil, err
	}
	api := s.client()
	channels := transport.Channels{
		MobileData: transport.NewHTTPChannel(constants.ChannelMobileData, transport.MobileDataProbe(s.config.Transport.ModemIndex), api),
	}
	if len(s.config.Transport.TrustedSSIDs) > 0 {
		channels.WiFi = transport.NewHTTPChannel(constants.ChannelWiFi, transport.TrustedWiFiProbe(s.config.Transport.TrustedSSIDs), api)
	}
	sms, err := s.smsChannel()
	if err != nil {
		return nil, err
	}
	if sms != nil {
		channels.SMS = sms
	}

	s.sel = transport.NewSelector(channels, store, s.tracker(), transport.Config{
		ConnectTimeout:   s.config.Transport.ConnectTimeout,
		SendTimeout:      s.config.Transport.SendTimeout,
		EscalationWindow: s.config.Transport.EscalationWindow,
	}, s.logger.With().Str("component", "selector").Logger())
	return s.sel, nil
}

func (s *deviceStack) monitor() (*monitor.Monitor, error) {
	if s.mon != nil {
		return s.mon, nil
	}
	sel, err := s.selector()
	if err != nil {
		return nil, err
	}
	capturer, err := s.capturer()
	if err != nil {
		return nil, err
	}
	link, err := s.link()
	if err != nil {
		return nil, err
	}
	s.mon = monitor.New(monitor.Config{
		DeviceID:        s.deviceInfo.GetDeviceID(),
		VehicleID:       s.deviceInfo.GetVehicleID(),
		MissedThreshold: s.config.Services.Heartbeat.MissedThreshold,
	}, sel, capturer, link, s.logger.With().Str("component", "monitor").Logger())
	return s.mon, nil
}

func (s *deviceStack) health() *metrics_collectors.MetricsRegistry {
	if s.metrics == nil {
		s.metrics = metrics_collectors.NewMetricsRegistry()
		s.metrics.Register(&metrics_collectors.CPUMetricCollector{Logger: s.logger})
		s.metrics.Register(&metrics_collectors.MemoryMetricCollector{Logger: s.logger})
		s.metrics.Register(&metrics_collectors.UptimeMetricCollector{Logger: s.logger})
		s.metrics.Register(&metrics_collectors.DiskMetricCollector{Logger: s.logger, Path: filepath.Dir(s.config.Offline.File)})
	}
	return s.metrics
}

// Close releases the serial devices and location providers.
func (s *deviceStack) Close() error {
	var errs []error
	if s.radio != nil {
		errs = append(errs, s.radio.Close())
	}
	if s.pair != nil {
		errs = append(errs, s.pair.Close())
	}
	if s.provider != nil {
		errs = append(errs, s.provider.Close())
	}
	return errors.Join(errs...)
}
