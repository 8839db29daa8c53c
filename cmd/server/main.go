package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/service_registry"
	"github.com/benmeehan/hybrid-tracker/internal/utils"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
)

func main() {
	configPath := flag.String("config", "configs/server.yaml", "path to the server configuration file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", "tracker-server").Logger()

	config, err := utils.LoadServerConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(config.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	serviceRegistry := service_registry.NewServiceRegistry(file.NewFileService(), nil, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	err = serviceRegistry.RegisterServerServices(ctx, config)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to register services")
	}

	if err := serviceRegistry.StartServices(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start services")
	}
	logger.Info().Msg("All services started successfully")

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		logger.Error().Err(err).Msg("Some services did not stop cleanly")
	}
}
