// Package provisioning turns factory bootstrap identities into operational device
// credentials once an installer has bound the units to a vehicle.
package provisioning

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/storage"
)

var (
	ErrInstallerVerificationRequired = errors.New("installer verification required")
	ErrUnknownDevice                 = errors.New("device is not registered")
	ErrCertificateMismatch           = errors.New("certificate does not match the device")
	ErrFirmwareRejected              = errors.New("firmware version not accepted")
	ErrInvalidCSR                    = errors.New("invalid certificate request")
	ErrInvalidCertificate            = errors.New("invalid certificate")
	ErrInvalidInstallation           = errors.New("invalid installation")
	ErrNotOperational                = errors.New("device is not provisioned")
)

const smsKeyLen = 32

// Auditor records provisioning events in the control log.
type Auditor interface {
	Record(ctx context.Context, control string, enabled bool, actor, note string) (models.ControlStatus, error)
}

// TokenIssuer signs device access tokens.
type TokenIssuer interface {
	Issue(subject, role string, vehicles []string, ttl time.Duration) (string, time.Time, error)
}

type Config struct {
	CACertPEM       []byte
	CAKeyPEM        []byte
	SMSMasterKey    []byte
	MinFirmware     string // semver constraint, e.g. ">= 1.2.0"
	CertTTL         time.Duration
	TokenTTL        time.Duration
	ServerSMSNumber string
}

type Service struct {
	store     storage.DeviceStore
	ca        *x509.Certificate
	caKey     crypto.Signer
	caPEM     []byte
	master    []byte
	firmware  *semver.Constraints
	certTTL   time.Duration
	tokenTTL  time.Duration
	smsNumber string
	tokens    TokenIssuer
	audit     Auditor
	now       func() time.Time
	logger    zerolog.Logger
}

func New(cfg Config, store storage.DeviceStore, tokens TokenIssuer, audit Auditor, logger zerolog.Logger) (*Service, error) {
	ca, caKey, err := ParseCA(cfg.CACertPEM, cfg.CAKeyPEM)
	if err != nil {
		return nil, err
	}
	if len(cfg.SMSMasterKey) < 32 {
		return nil, errors.New("sms master key must be at least 32 bytes")
	}
	constraint := cfg.MinFirmware
	if constraint == "" {
		constraint = ">= 0.0.0"
	}
	firmware, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid firmware constraint %q: %w", constraint, err)
	}
	if cfg.CertTTL <= 0 {
		cfg.CertTTL = 365 * 24 * time.Hour
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}
	return &Service{
		store:     store,
		ca:        ca,
		caKey:     caKey,
		caPEM:     cfg.CACertPEM,
		master:    cfg.SMSMasterKey,
		firmware:  firmware,
		certTTL:   cfg.CertTTL,
		tokenTTL:  cfg.TokenTTL,
		smsNumber: cfg.ServerSMSNumber,
		tokens:    tokens,
		audit:     audit,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// Fingerprint is the hex SHA-256 of a certificate's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// ParseCertificatePEM decodes the first certificate in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate in PEM data")
	}
	return x509.ParseCertificate(block.Bytes)
}

// RegisterBootstrap records a unit at manufacturing with its factory certificate.
func (s *Service) RegisterBootstrap(ctx context.Context, deviceID string, role constants.Role, bootstrapPEM []byte) (models.DeviceRecord, error) {
	if deviceID == "" || (role != constants.RolePrimary && role != constants.RoleBackup) {
		return models.DeviceRecord{}, fmt.Errorf("%w: device id and role are required", ErrInvalidInstallation)
	}
	cert, err := ParseCertificatePEM(bootstrapPEM)
	if err != nil {
		return models.DeviceRecord{}, fmt.Errorf("%w: bootstrap: %v", ErrInvalidCertificate, err)
	}
	rec := models.DeviceRecord{
		DeviceID:    deviceID,
		Role:        role,
		BootstrapFP: Fingerprint(cert),
		Stage:       models.StageBootstrapped,
	}
	if err := s.store.CreateDevice(ctx, rec); err != nil {
		return models.DeviceRecord{}, err
	}
	s.logger.Info().Str("device_id", deviceID).Str("role", string(role)).Msg("Bootstrap identity registered")
	return rec, nil
}

// RecordInstallation binds a primary and a backup unit to a vehicle. It is the
// installer verification step that provisioning requires.
func (s *Service) RecordInstallation(ctx context.Context, req models.InstallationRequest) ([]models.DeviceRecord, error) {
	if req.InstallerID == "" || req.VehicleID == "" || req.PrimaryDeviceID == "" || req.BackupDeviceID == "" || req.BackupSMS == "" {
		return nil, fmt.Errorf("%w: installer, vehicle, both device ids and the backup sms address are required", ErrInvalidInstallation)
	}
	if req.PrimaryDeviceID == req.BackupDeviceID {
		return nil, fmt.Errorf("%w: primary and backup must be different units", ErrInvalidInstallation)
	}

	primary, err := s.installable(ctx, req.PrimaryDeviceID, constants.RolePrimary, req.VehicleID)
	if err != nil {
		return nil, err
	}
	backup, err := s.installable(ctx, req.BackupDeviceID, constants.RoleBackup, req.VehicleID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	primary.PairedDeviceID = backup.DeviceID
	backup.PairedDeviceID = primary.DeviceID
	backup.SMSAddress = req.BackupSMS

	out := make([]models.DeviceRecord, 0, 2)
	for _, rec := range []models.DeviceRecord{primary, backup} {
		rec.VehicleID = req.VehicleID
		rec.VIN = req.VIN
		rec.InstallerID = req.InstallerID
		rec.VerifiedAt = &now
		if rec.Stage == models.StageBootstrapped {
			rec.Stage = models.StageVerified
		}
		if err := s.store.UpdateDevice(ctx, rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	s.record(ctx, "installer_verification:"+req.VehicleID, req.InstallerID,
		fmt.Sprintf("primary %s, backup %s", primary.DeviceID, backup.DeviceID))
	s.logger.Info().
		Str("vehicle_id", req.VehicleID).
		Str("installer_id", req.InstallerID).
		Str("primary_id", primary.DeviceID).
		Str("backup_id", backup.DeviceID).
		Msg("Installation verified")
	return out, nil
}

func (s *Service) installable(ctx context.Context, deviceID string, role constants.Role, vehicleID string) (models.DeviceRecord, error) {
	rec, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.DeviceRecord{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return models.DeviceRecord{}, err
	}
	if rec.Role != role {
		return models.DeviceRecord{}, fmt.Errorf("%w: %s is a %s unit", ErrInvalidInstallation, deviceID, rec.Role)
	}
	if rec.VehicleID != "" && rec.VehicleID != vehicleID {
		return models.DeviceRecord{}, fmt.Errorf("%w: %s is installed in %s", ErrInvalidInstallation, deviceID, rec.VehicleID)
	}
	return rec, nil
}

// IssueOperational signs the device's CSR and derives its SMS key. The caller
// must have authenticated the bootstrap certificate.
func (s *Service) IssueOperational(ctx context.Context, bootstrap *x509.Certificate, req models.ProvisionRequest) (models.ProvisionResponse, error) {
	rec, err := s.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.ProvisionResponse{}, fmt.Errorf("%w: %s", ErrUnknownDevice, req.DeviceID)
		}
		return models.ProvisionResponse{}, err
	}
	if Fingerprint(bootstrap) != rec.BootstrapFP {
		return models.ProvisionResponse{}, fmt.Errorf("%w: bootstrap certificate of %s", ErrCertificateMismatch, req.DeviceID)
	}
	if rec.Stage == models.StageBootstrapped {
		s.logger.Warn().Str("device_id", rec.DeviceID).Msg("Provisioning refused before installer verification")
		return models.ProvisionResponse{}, fmt.Errorf("%w: %s", ErrInstallerVerificationRequired, req.DeviceID)
	}
	if err := s.checkFirmware(req.FirmwareVersion); err != nil {
		return models.ProvisionResponse{}, err
	}

	csr, err := parseCSR([]byte(req.CSR))
	if err != nil {
		return models.ProvisionResponse{}, err
	}
	if csr.Subject.CommonName != rec.DeviceID {
		return models.ProvisionResponse{}, fmt.Errorf("%w: common name %q", ErrInvalidCSR, csr.Subject.CommonName)
	}
	certDER, err := s.sign(csr, rec.DeviceID)
	if err != nil {
		return models.ProvisionResponse{}, err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return models.ProvisionResponse{}, err
	}
	smsKey, err := s.SMSKey(rec.DeviceID)
	if err != nil {
		return models.ProvisionResponse{}, err
	}

	now := s.now().UTC()
	rec.OperationalFP = Fingerprint(cert)
	rec.Stage = models.StageOperational
	rec.ProvisionedAt = &now
	rec.FirmwareVer = req.FirmwareVersion
	if err := s.store.UpdateDevice(ctx, rec); err != nil {
		return models.ProvisionResponse{}, err
	}

	s.record(ctx, "device_provisioned:"+rec.DeviceID, rec.DeviceID, "firmware "+req.FirmwareVersion)
	s.logger.Info().
		Str("device_id", rec.DeviceID).
		Str("vehicle_id", rec.VehicleID).
		Str("firmware", req.FirmwareVersion).
		Msg("Operational credentials issued")

	resp := models.ProvisionResponse{
		DeviceID:       rec.DeviceID,
		VehicleID:      rec.VehicleID,
		Role:           rec.Role,
		CertificatePEM: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})),
		CAPEM:          string(s.caPEM),
		SMSKey:         smsKey,
		PairedDeviceID: rec.PairedDeviceID,
	}
	if rec.Role == constants.RoleBackup {
		resp.ServerSMSNumber = s.smsNumber
	}
	return resp, nil
}

// IssueToken exchanges an authenticated operational certificate for a device token.
func (s *Service) IssueToken(ctx context.Context, cert *x509.Certificate, deviceID string) (models.AuthResponse, error) {
	if deviceID == "" {
		deviceID = cert.Subject.CommonName
	}
	rec, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.AuthResponse{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return models.AuthResponse{}, err
	}
	if rec.Stage != models.StageOperational {
		return models.AuthResponse{}, fmt.Errorf("%w: %s", ErrNotOperational, deviceID)
	}
	if Fingerprint(cert) != rec.OperationalFP {
		return models.AuthResponse{}, fmt.Errorf("%w: operational certificate of %s", ErrCertificateMismatch, deviceID)
	}
	token, exp, err := s.tokens.Issue(rec.DeviceID, constants.AccountDevice, []string{rec.VehicleID}, s.tokenTTL)
	if err != nil {
		return models.AuthResponse{}, err
	}
	return models.AuthResponse{JWT: token, ExpiresAt: exp}, nil
}

// SMSKey derives the AES-256 key sealing a device's SMS traffic.
func (s *Service) SMSKey(deviceID string) ([]byte, error) {
	key := make([]byte, smsKeyLen)
	r := hkdf.New(sha256.New, s.master, nil, []byte("sms-key:"+deviceID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive sms key: %w", err)
	}
	return key, nil
}

// VerifyClient checks that cert was issued by the server CA for client auth.
func (s *Service) VerifyClient(cert *x509.Certificate) error {
	pool := x509.NewCertPool()
	pool.AddCert(s.ca)
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:       pool,
		CurrentTime: s.now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateMismatch, err)
	}
	return nil
}

func (s *Service) checkFirmware(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q is not a version", ErrFirmwareRejected, version)
	}
	if !s.firmware.Check(v) {
		return fmt.Errorf("%w: %s", ErrFirmwareRejected, version)
	}
	return nil
}

func (s *Service) sign(csr *x509.CertificateRequest, deviceID string) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: deviceID},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(s.certTTL),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, s.ca, csr.PublicKey, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign device certificate: %w", err)
	}
	return der, nil
}

func (s *Service) record(ctx context.Context, control, actor, note string) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, control, true, actor, note); err != nil {
		s.logger.Error().Err(err).Str("control", control).Msg("Failed to append audit entry")
	}
}

func parseCSR(data []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: no CSR in PEM data", ErrInvalidCSR)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	return csr, nil
}

// ParseCA loads the signing certificate and its private key.
func ParseCA(certPEM, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid CA certificate: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, errors.New("no CA key in PEM data")
	}

	var key any
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("invalid CA key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, errors.New("CA key cannot sign")
	}
	return cert, signer, nil
}
