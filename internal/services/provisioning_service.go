package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/uplink"
	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/file"
	"github.com/benmeehan/hybrid-tracker/pkg/identity"
)

// Provisioner exchanges a bootstrap identity for operational credentials.
type Provisioner interface {
	Provision(ctx context.Context, req models.ProvisionRequest) (models.ProvisionResponse, error)
}

// ProvisioningPaths are the files provisioning reads and writes.
type ProvisioningPaths struct {
	BootstrapCert string
	ClientCert    string
	ClientKey     string
	CACert        string
	SMSKey        string
}

// ProvisioningService turns a factory-fresh device into an operational one. It runs
// once at startup and returns when the device holds operational credentials.
type ProvisioningService struct {
	firmwareVersion string
	maxRetries      int
	baseDelay       time.Duration
	maxDelay        time.Duration
	paths           ProvisioningPaths

	deviceInfo  identity.DeviceInfoInterface
	provisioner Provisioner
	fileClient  file.FileOperations
	encryption  encryption.EncryptionManagerInterface
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewProvisioningService initializes and returns a new ProvisioningService instance.
func NewProvisioningService(
	firmwareVersion string,
	maxRetries int,
	baseDelay time.Duration,
	maxDelay time.Duration,
	paths ProvisioningPaths,
	deviceInfo identity.DeviceInfoInterface,
	provisioner Provisioner,
	fileClient file.FileOperations,
	encryptionManager encryption.EncryptionManagerInterface,
	logger zerolog.Logger,
) *ProvisioningService {
	return &ProvisioningService{
		firmwareVersion: firmwareVersion,
		maxRetries:      maxRetries,
		baseDelay:       baseDelay,
		maxDelay:        maxDelay,
		paths:           paths,
		deviceInfo:      deviceInfo,
		provisioner:     provisioner,
		fileClient:      fileClient,
		encryption:      encryptionManager,
		logger:          logger,
	}
}

// Start provisions the device unless it already holds operational credentials.
func (ps *ProvisioningService) Start() error {
	ps.mu.Lock()
	if ps.ctx != nil {
		ps.mu.Unlock()
		ps.logger.Warn().Msg("Provisioning service is already running")
		return errors.New("provisioning service is already running")
	}
	ps.ctx, ps.cancel = context.WithCancel(context.Background())
	ctx := ps.ctx
	ps.mu.Unlock()

	provisioned, err := ps.IsProvisioned()
	if err != nil {
		return err
	}
	if provisioned {
		ps.logger.Info().Str("device_id", ps.deviceInfo.GetDeviceID()).Msg("Device already provisioned")
		return nil
	}

	return ps.Run(ctx)
}

// Stop aborts an in-flight provisioning attempt.
func (ps *ProvisioningService) Stop() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ctx == nil {
		return errors.New("provisioning service is not running")
	}
	ps.cancel()
	ps.ctx = nil
	ps.cancel = nil
	return nil
}

// IsProvisioned reports whether operational credentials and a vehicle binding exist.
func (ps *ProvisioningService) IsProvisioned() (bool, error) {
	if ps.deviceInfo.GetVehicleID() == "" {
		return false, nil
	}
	for _, path := range []string{ps.paths.ClientCert, ps.paths.ClientKey, ps.paths.SMSKey} {
		ok, err := ps.fileClient.IsFileExists(path)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Run requests operational credentials with exponential backoff. A missing installer
// verification is final and is returned without retrying.
func (ps *ProvisioningService) Run(ctx context.Context) error {
	deviceID := ps.deviceInfo.GetDeviceID()
	if deviceID == "" {
		return errors.New("device identity has no device_id")
	}

	// The bootstrap client presents this certificate in the TLS handshake.
	if _, err := ps.fileClient.ReadFileRaw(ps.paths.BootstrapCert); err != nil {
		return fmt.Errorf("failed to read bootstrap certificate: %w", err)
	}

	keyPEM, csrPEM, err := newKeyAndCSR(deviceID)
	if err != nil {
		return err
	}

	req := models.ProvisionRequest{
		DeviceID:        deviceID,
		CSR:             string(csrPEM),
		FirmwareVersion: ps.firmwareVersion,
	}

	for attempt := 0; attempt <= ps.maxRetries; attempt++ {
		resp, err := ps.provisioner.Provision(ctx, req)
		if err == nil {
			return ps.persist(resp, keyPEM)
		}
		if errors.Is(err, uplink.ErrInstallerVerificationRequired) {
			ps.logger.Error().Err(err).Msg("Installer has not verified this device, provisioning refused")
			return err
		}
		ps.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Provisioning attempt failed")
		if attempt == ps.maxRetries {
			return fmt.Errorf("provisioning failed after %d attempts: %w", ps.maxRetries+1, err)
		}

		select {
		case <-time.After(ps.backoff(attempt)):
		case <-ctx.Done():
			return errors.New("provisioning service stopped")
		}
	}
	return nil
}

func (ps *ProvisioningService) backoff(attempt int) time.Duration {
	delay := ps.baseDelay * time.Duration(1<<uint(attempt))
	if delay > ps.maxDelay || delay <= 0 {
		delay = ps.maxDelay
	}
	jitter := time.Duration(float64(delay) * (0.5 + mrand.Float64()*0.5))
	return time.Duration(float64(delay)*0.5) + jitter/2
}

func (ps *ProvisioningService) persist(resp models.ProvisionResponse, keyPEM []byte) error {
	if resp.CertificatePEM == "" || len(resp.SMSKey) == 0 || resp.VehicleID == "" {
		return errors.New("incomplete provisioning response")
	}

	sealedKey, err := ps.encryption.Encrypt(resp.SMSKey)
	if err != nil {
		return fmt.Errorf("failed to seal SMS key: %w", err)
	}

	writes := []struct {
		path string
		data []byte
	}{
		{ps.paths.ClientKey, keyPEM},
		{ps.paths.ClientCert, []byte(resp.CertificatePEM)},
		{ps.paths.SMSKey, sealedKey},
	}
	if resp.CAPEM != "" && ps.paths.CACert != "" {
		writes = append(writes, struct {
			path string
			data []byte
		}{ps.paths.CACert, []byte(resp.CAPEM)})
	}
	for _, w := range writes {
		if err := ps.fileClient.WriteFileRaw(w.path, w.data); err != nil {
			return fmt.Errorf("failed to write %s: %w", w.path, err)
		}
	}

	id := *ps.deviceInfo.GetDeviceIdentity()
	id.VehicleID = resp.VehicleID
	id.Role = resp.Role
	id.FirmwareVersion = ps.firmwareVersion
	id.PairedDeviceID = resp.PairedDeviceID
	if resp.ServerSMSNumber != "" {
		id.ServerSMSNumber = resp.ServerSMSNumber
	}
	if err := ps.deviceInfo.SaveIdentity(id); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}

	ps.logger.Info().Str("device_id", id.ID).Str("vehicle_id", id.VehicleID).Str("role", string(id.Role)).
		Msg("Device provisioned")
	return nil
}

// LoadSMSKey opens the sealed per-device SMS key written by provisioning.
func LoadSMSKey(path string, fileClient file.FileOperations, enc encryption.EncryptionManagerInterface) ([]byte, error) {
	sealed, err := fileClient.ReadFileRaw(path)
	if err != nil {
		return nil, err
	}
	return enc.Decrypt(sealed)
}

func newKeyAndCSR(deviceID string) ([]byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: deviceID},
	}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}
