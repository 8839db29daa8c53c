package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/service_registry"
	"github.com/benmeehan/hybrid-tracker/internal/utils"
	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
	"github.com/benmeehan/hybrid-tracker/pkg/identity"
	"github.com/benmeehan/hybrid-tracker/pkg/jwt"
)

func main() {
	configPath := flag.String("config", "configs/agent.yaml", "path to the agent configuration file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(config.LogLevel); err == nil {
		logger = logger.Level(level)
	}
	logger = logger.With().Str("role", string(config.Role)).Logger()

	// Initialize DeviceInfo
	deviceInfo := identity.NewDeviceInfo(config.Identity.DeviceFile, fileClient)
	if err := deviceInfo.LoadDeviceInfo(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load device information")
	}
	logger = logger.With().Str("device_id", deviceInfo.GetDeviceID()).Logger()

	encryptionManager := encryption.NewEncryptionManager(fileClient)
	if err := encryptionManager.Initialize(config.Security.AESKeyFile); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create encryption manager")
	}

	jwtManager := jwt.NewJWTManager(config.Security.JWTFile, fileClient, encryptionManager)
	if err := jwtManager.LoadJWT(); err != nil {
		logger.Warn().Err(err).Msg("Discarding unreadable token cache")
	}

	// Create a new service registry to manage services
	serviceRegistry := service_registry.NewServiceRegistry(fileClient, encryptionManager, jwtManager, logger)

	// Register all services based on the configuration
	if err := serviceRegistry.RegisterServices(config, deviceInfo); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register services")
	}

	// Start all registered services in the registry
	if err := serviceRegistry.StartServices(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start services")
	}
	logger.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		logger.Error().Err(err).Msg("Some services did not stop cleanly")
	}
}
