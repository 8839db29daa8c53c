package service_registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/api"
	"github.com/benmeehan/hybrid-tracker/internal/audit"
	"github.com/benmeehan/hybrid-tracker/internal/auth"
	"github.com/benmeehan/hybrid-tracker/internal/provisioning"
	"github.com/benmeehan/hybrid-tracker/internal/realtime"
	"github.com/benmeehan/hybrid-tracker/internal/reconciler"
	"github.com/benmeehan/hybrid-tracker/internal/smsgateway"
	"github.com/benmeehan/hybrid-tracker/internal/storage"
	"github.com/benmeehan/hybrid-tracker/internal/storage/memory"
	"github.com/benmeehan/hybrid-tracker/internal/storage/postgres"
	"github.com/benmeehan/hybrid-tracker/internal/storage/rediscache"
	"github.com/benmeehan/hybrid-tracker/internal/utils"
	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
	"github.com/benmeehan/hybrid-tracker/pkg/mqtt"
)

// serverStack holds the connections the server's services share.
type serverStack struct {
	db     *postgres.DB
	cache  *rediscache.Cache
	bridge *realtime.MQTTBridge
	kafka  *realtime.KafkaSink

	reconciler *reconciler.Reconciler
	handler    *api.API
	logger     zerolog.Logger
}

func (s *serverStack) Close() error {
	if s.bridge != nil {
		s.bridge.Close()
	}
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.db != nil {
		s.db.Close()
	}
	return errors.Join(errs...)
}

func (s *serverStack) openStore(ctx context.Context, cfg *utils.ServerConfig) (storage.Store, error) {
	if cfg.Postgres.DSN == "" {
		s.logger.Warn().Msg("No postgres DSN configured, using the in-memory store")
		return memory.New(), nil
	}
	db, err := postgres.Init(ctx, postgres.Config{ConnString: cfg.Postgres.DSN}, s.logger)
	if err != nil {
		return nil, err
	}
	s.db = db
	if err := db.Migrate(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// sinks returns the real-time fan-out: the WebSocket hub plus whichever of
// MQTT and Kafka are configured.
func (s *serverStack) sinks(cfg *utils.ServerConfig, hub *realtime.Hub, fileClient file.FileOperations) (realtime.Fanout, error) {
	fanout := realtime.Fanout{hub}
	if cfg.MQTT.Broker != "" {
		svc := mqtt.NewMqttService(fileClient)
		if err := svc.Initialize(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.CACertificate); err != nil {
			return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
		}
		s.bridge = realtime.NewMQTTBridge(svc, byte(cfg.MQTT.QOS), s.logger)
		fanout = append(fanout, s.bridge)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		s.kafka = realtime.NewKafkaSink(realtime.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), 0, s.logger)
		fanout = append(fanout, s.kafka)
	}
	return fanout, nil
}

func newServerStack(ctx context.Context, cfg *utils.ServerConfig, fileClient file.FileOperations, logger zerolog.Logger) (_ *serverStack, err error) {
	stack := &serverStack{logger: logger}
	defer func() {
		if err != nil {
			stack.Close()
		}
	}()

	store, err := stack.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var cache reconciler.LatestCache
	if cfg.Redis.Addr != "" {
		c, err := rediscache.New(ctx, cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		stack.cache = c
		cache = c
	}

	hub := realtime.NewHub(cfg.Realtime.ClientBuffer, logger.With().Str("component", "hub").Logger())
	fanout, err := stack.sinks(cfg, hub, fileClient)
	if err != nil {
		return nil, err
	}

	issuer, err := auth.NewIssuer([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, err
	}
	controls := audit.New(store, logger)

	caCert, err := fileClient.ReadFileRaw(cfg.Provisioning.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	caKey, err := fileClient.ReadFileRaw(cfg.Provisioning.CAKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	master, err := hex.DecodeString(cfg.Provisioning.SMSMasterKey)
	if err != nil {
		return nil, fmt.Errorf("provisioning.sms_master_key must be hex: %w", err)
	}
	prov, err := provisioning.New(provisioning.Config{
		CACertPEM:       caCert,
		CAKeyPEM:        caKey,
		SMSMasterKey:    master,
		MinFirmware:     cfg.Provisioning.MinFirmware,
		CertTTL:         cfg.Provisioning.CertTTL,
		TokenTTL:        cfg.Auth.DeviceTokenTTL,
		ServerSMSNumber: cfg.SMS.FromNumber,
	}, store, issuer, controls, logger.With().Str("component", "provisioning").Logger())
	if err != nil {
		return nil, err
	}

	gateway := smsgateway.New(smsgateway.Config{
		URL:        cfg.SMS.GatewayURL,
		APIKey:     cfg.SMS.APIKey,
		FromNumber: cfg.SMS.FromNumber,
		Timeout:    cfg.SMS.Timeout,
	}, prov, logger.With().Str("component", "sms").Logger())

	stack.reconciler = reconciler.New(reconciler.Config{
		ClockTolerance:    cfg.Reconciler.ClockTolerance,
		HeartbeatInterval: cfg.Reconciler.HeartbeatInterval,
		MissedHeartbeats:  cfg.Reconciler.MissedHeartbeats,
		WakeOnLoss:        cfg.Reconciler.WakeOnLoss,
		WakeOnTamper:      cfg.Reconciler.WakeOnTamper,
		MaxWakeAttempts:   cfg.Reconciler.MaxWakeAttempts,
		CheckWorkers:      cfg.Reconciler.CheckWorkers,
		TailSize:          cfg.Reconciler.TailSize,
	}, store, fanout, gateway, cache, logger.With().Str("component", "reconciler").Logger())

	signer, err := encryption.NewSigner([]byte(cfg.SMS.WebhookSecret))
	if err != nil {
		return nil, err
	}
	stack.handler = api.New(api.Config{
		Tracker:          stack.reconciler,
		Provisioner:      prov,
		Controls:         controls,
		Tokens:           issuer,
		Devices:          store,
		Hub:              hub,
		WebhookSigner:    signer,
		RatePerSecond:    cfg.RateLimit.PerSecond,
		RateBurst:        cfg.RateLimit.Burst,
		ClientCertHeader: cfg.HTTP.ClientCertHeader,
		Logger:           logger.With().Str("component", "api").Logger(),
	})
	return stack, nil
}

// RegisterServerServices builds the ingestion server and registers its services
// in start order: event sinks, the primary-loss checker, then the listener.
func (sr *ServiceRegistry) RegisterServerServices(ctx context.Context, cfg *utils.ServerConfig) error {
	stack, err := newServerStack(ctx, cfg, sr.fileClient, sr.Logger)
	if err != nil {
		return err
	}
	sr.stack = stack

	if stack.kafka != nil {
		sr.RegisterService("kafka_sink", stack.kafka)
	}
	sr.RegisterService("primary_loss", reconciler.NewLossService(stack.reconciler, cfg.Reconciler.CheckInterval, sr.Logger))

	var clientCA []byte
	if cfg.HTTP.ClientCA != "" {
		clientCA, err = sr.fileClient.ReadFileRaw(cfg.HTTP.ClientCA)
		if err != nil {
			return fmt.Errorf("failed to read client CA bundle: %w", err)
		}
	}
	sr.RegisterService("http", api.NewServer(api.ServerConfig{
		Addr:         cfg.HTTP.Addr,
		CertFile:     cfg.HTTP.TLSCert,
		KeyFile:      cfg.HTTP.TLSKey,
		ClientCAPEM:  clientCA,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, stack.handler.Routes(), sr.Logger.With().Str("component", "http").Logger()))
	return nil
}
