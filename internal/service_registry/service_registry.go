package service_registry

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/backup"
	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/registry"
	"github.com/benmeehan/hybrid-tracker/internal/sensors"
	"github.com/benmeehan/hybrid-tracker/internal/services"
	"github.com/benmeehan/hybrid-tracker/internal/state_managers"
	"github.com/benmeehan/hybrid-tracker/internal/utils"
	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
	"github.com/benmeehan/hybrid-tracker/pkg/identity"
	"github.com/benmeehan/hybrid-tracker/pkg/jwt"
	"github.com/benmeehan/hybrid-tracker/pkg/pairing"
)

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services          map[string]registry.Service // Stores registered services
	serviceKeys       []string                    // Maintains order of service registration
	fileClient        file.FileOperations
	encryptionManager encryption.EncryptionManagerInterface
	jwtManager        *jwt.JWTManager
	stack             io.Closer
	Logger            zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(fileClient file.FileOperations, encryptionManager encryption.EncryptionManagerInterface,
	jwtManager *jwt.JWTManager, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:          make(map[string]registry.Service),
		fileClient:        fileClient,
		encryptionManager: encryptionManager,
		jwtManager:        jwtManager,
		Logger:            logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return err
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order and releases the device hardware.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if sr.stack != nil {
		if err := sr.stack.Close(); err != nil {
			stopErrors = append(stopErrors, err)
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices registers the enabled services for the configured role. Every
// service except provisioning is built when it starts, after provisioning has
// written the identity and credentials it depends on.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, deviceInfo identity.DeviceInfoInterface) error {
	stack := newDeviceStack(config, deviceInfo, sr.fileClient, sr.encryptionManager, sr.jwtManager, sr.Logger)
	sr.stack = stack

	primary := config.Role == constants.RolePrimary
	backupUnit := config.Role == constants.RoleBackup

	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    "provisioning",
			enabled: config.Services.Provisioning.Enabled,
			constructor: func() (registry.Service, error) {
				return services.NewProvisioningService(
					config.Services.Provisioning.FirmwareVersion,
					config.Services.Provisioning.MaxRetries,
					config.Services.Provisioning.BaseDelay,
					config.Services.Provisioning.MaxDelay,
					services.ProvisioningPaths{
						BootstrapCert: config.Backend.BootstrapCertificate,
						ClientCert:    config.Backend.ClientCertificate,
						ClientKey:     config.Backend.ClientKey,
						CACert:        config.Backend.CACertificate,
						SMSKey:        config.Security.SMSKeyFile,
					},
					deviceInfo,
					stack.bootstrapClient(),
					sr.fileClient,
					sr.encryptionManager,
					sr.Logger.With().Str("service", "provisioning").Logger(),
				), nil
			},
		},
		{
			name:    "telemetry",
			enabled: primary && config.Services.Telemetry.Enabled,
			constructor: deferred("telemetry", func() (registry.Service, error) {
				capturer, err := stack.capturer()
				if err != nil {
					return nil, err
				}
				selector, err := stack.selector()
				if err != nil {
					return nil, err
				}
				return services.NewTelemetryService(
					config.Services.Telemetry.Interval,
					capturer,
					selector,
					stack.tracker(),
					sr.Logger.With().Str("service", "telemetry").Logger(),
				), nil
			}),
		},
		{
			name:    "batch_sync",
			enabled: primary && config.Services.BatchSync.Enabled,
			constructor: deferred("batch_sync", func() (registry.Service, error) {
				store, err := stack.store()
				if err != nil {
					return nil, err
				}
				return services.NewBatchSyncService(
					config.Services.BatchSync.Interval,
					config.Services.BatchSync.BatchSize,
					store,
					stack.client(),
					sr.Logger.With().Str("service", "batch_sync").Logger(),
				), nil
			}),
		},
		{
			name:    "heartbeat",
			enabled: primary && config.Services.Heartbeat.Enabled,
			constructor: deferred("heartbeat", func() (registry.Service, error) {
				mon, err := stack.monitor()
				if err != nil {
					return nil, err
				}
				link, err := stack.link()
				if err != nil {
					return nil, err
				}
				var power services.PowerReader
				if path := config.Services.Heartbeat.PowerSensorPath; path != "" {
					power = sensors.NewPowerSensor(path, sr.fileClient)
				}
				return services.NewHeartbeatService(
					config.Services.Heartbeat.Interval,
					mon,
					stack.client(),
					power,
					link,
					stack.health(),
					models.HealthConfig{
						MonitorCPU:    config.Services.Heartbeat.MonitorCPU,
						MonitorMemory: config.Services.Heartbeat.MonitorMemory,
						MonitorUptime: config.Services.Heartbeat.MonitorUptime,
						MonitorDisk:   config.Services.Heartbeat.MonitorDisk,
					},
					sr.Logger.With().Str("service", "heartbeat").Logger(),
				), nil
			}),
		},
		{
			name:    "tamper",
			enabled: primary && config.Services.Tamper.Enabled,
			constructor: deferred("tamper", func() (registry.Service, error) {
				mon, err := stack.monitor()
				if err != nil {
					return nil, err
				}
				bank, err := sensors.NewTamperBank(config.Services.Tamper.Sensors, sr.fileClient, sr.Logger)
				if err != nil {
					return nil, err
				}
				return services.NewTamperService(
					config.Services.Tamper.PollInterval,
					bank,
					mon,
					sr.Logger.With().Str("service", "tamper").Logger(),
				), nil
			}),
		},
		{
			name:    "backup",
			enabled: backupUnit && config.Services.Backup.Enabled,
			constructor: deferred("backup", func() (registry.Service, error) {
				return sr.newBackupService(config, stack)
			}),
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Str("role", string(config.Role)).Msgf("Registered services in order: %v", registeredServices)
	return nil
}

func (sr *ServiceRegistry) newBackupService(config *utils.Config, stack *deviceStack) (registry.Service, error) {
	radio, err := stack.modem()
	if err != nil {
		return nil, err
	}
	if radio == nil {
		return nil, errors.New("backup unit requires modem.device")
	}
	sms, err := stack.smsChannel()
	if err != nil {
		return nil, err
	}
	capturer, err := stack.capturer()
	if err != nil {
		return nil, err
	}
	store, err := stack.store()
	if err != nil {
		return nil, err
	}
	link, err := stack.link()
	if err != nil {
		return nil, err
	}
	sealer, err := stack.smsSealer()
	if err != nil {
		return nil, err
	}

	logger := sr.Logger.With().Str("service", "backup").Logger()
	reporter := backup.NewStealthReporter(capturer, sms, store, 3, logger)
	controller, err := backup.New(
		backup.Config{
			StealthInterval: config.Services.Backup.StealthInterval,
			MaxSilence:      config.Services.Backup.MaxSilence,
		},
		radio,
		reporter,
		state_managers.NewFileStateManager[state_managers.BackupState](config.State.BackupFile, sr.fileClient, logger),
		logger,
	)
	if err != nil {
		return nil, err
	}

	serverNumber := config.Backend.ServerSMSNumber
	if n := stack.deviceInfo.GetDeviceIdentity().ServerSMSNumber; n != "" {
		serverNumber = n
	}
	var frames <-chan pairing.Frame
	if link != nil {
		frames = link.Frames()
	}
	return services.NewBackupService(
		controller,
		frames,
		radio,
		stack.deviceInfo.GetDeviceID(),
		serverNumber,
		sealer,
		config.Services.Backup.TickInterval,
		config.Services.Backup.InboxPollInterval,
		logger,
	), nil
}
