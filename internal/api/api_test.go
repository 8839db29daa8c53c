package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/hybrid-tracker/internal/audit"
	"github.com/benmeehan/hybrid-tracker/internal/auth"
	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/mocks"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/provisioning"
	"github.com/benmeehan/hybrid-tracker/internal/realtime"
	"github.com/benmeehan/hybrid-tracker/internal/reconciler"
	"github.com/benmeehan/hybrid-tracker/internal/storage/memory"
	"github.com/benmeehan/hybrid-tracker/pkg/encryption"
	"github.com/benmeehan/hybrid-tracker/pkg/smscodec"
)

const webhookSecret = "carrier-webhook-secret"

type testServer struct {
	api     *API
	handler http.Handler
	store   *memory.Store
	issuer  *auth.Issuer
	prov    *provisioning.Service
	sms     *mocks.MockDirectiveSender
	signer  *encryption.Signer
}

func selfSigned(t *testing.T, cn string, isCA bool) (*x509.Certificate, *ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	store := memory.New()
	for _, rec := range []models.DeviceRecord{
		{DeviceID: "D1", Role: constants.RolePrimary, VehicleID: "veh-1", Stage: models.StageOperational, PairedDeviceID: "D2"},
		{DeviceID: "D2", Role: constants.RoleBackup, VehicleID: "veh-1", Stage: models.StageOperational, SMSAddress: "+15550002", PairedDeviceID: "D1"},
	} {
		require.NoError(t, store.CreateDevice(ctx, rec))
	}

	issuer, err := auth.NewIssuer([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	controls := audit.New(store, logger)

	_, caKey, caPEM := selfSigned(t, "tracker-ca", true)
	keyDER, err := x509.MarshalECPrivateKey(caKey)
	require.NoError(t, err)
	prov, err := provisioning.New(provisioning.Config{
		CACertPEM:    caPEM,
		CAKeyPEM:     pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
		SMSMasterKey: []byte("master-key-master-key-master-key"),
		MinFirmware:  ">= 1.0.0",
	}, store, issuer, controls, logger)
	require.NoError(t, err)

	hub := realtime.NewHub(16, logger)
	sms := &mocks.MockDirectiveSender{}
	rec := reconciler.New(reconciler.Config{
		HeartbeatInterval: 30 * time.Second,
		MissedHeartbeats:  3,
		WakeOnLoss:        true,
		MaxWakeAttempts:   3,
	}, store, hub, sms, nil, logger)

	signer, err := encryption.NewSigner([]byte(webhookSecret))
	require.NoError(t, err)

	a := New(Config{
		Tracker:       rec,
		Provisioner:   prov,
		Controls:      controls,
		Tokens:        issuer,
		Devices:       store,
		Hub:           hub,
		WebhookSigner: signer,
		RatePerSecond: 1,
		RateBurst:     5,
		Logger:        logger,
	})
	return &testServer{api: a, handler: a.Routes(), store: store, issuer: issuer, prov: prov, sms: sms, signer: signer}
}

func (s *testServer) token(t *testing.T, subject, role string, vehicles ...string) string {
	t.Helper()
	tok, _, err := s.issuer.Issue(subject, role, vehicles, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, m := range mutate {
		m(req)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func point(device string, role constants.Role, seq uint64) models.TelemetryPoint {
	return models.TelemetryPoint{
		VehicleID:      "veh-1",
		DeviceID:       device,
		SourceDevice:   role,
		Timestamp:      time.Now().UTC().Truncate(time.Second),
		SequenceNumber: seq,
		Lat:            40.7128,
		Lng:            -74.006,
		Speed:          32.5,
		Heading:        90,
		Channel:        constants.ChannelMobileData,
	}
}

func TestIngestLive(t *testing.T) {
	s := newTestServer(t)
	d1 := s.token(t, "D1", constants.AccountDevice, "veh-1")

	rr := s.do(t, http.MethodPost, "/api/v1/telematics/live", d1, point("D1", constants.RolePrimary, 1))
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/v1/telematics/live", d1, point("D1", constants.RolePrimary, 1))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), constants.IngestStatusDuplicate)

	invalid := point("D1", constants.RolePrimary, 2)
	invalid.Lat = 123
	rr = s.do(t, http.MethodPost, "/api/v1/telematics/live", d1, invalid)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Registered as primary, claims to be the backup.
	rr = s.do(t, http.MethodPost, "/api/v1/telematics/live", d1, point("D1", constants.RoleBackup, 3))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestIngestLive_AuthFailuresStoreNothing(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodPost, "/api/v1/telematics/live", "", point("D1", constants.RolePrimary, 1))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/v1/telematics/live", "garbage", point("D1", constants.RolePrimary, 1))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// A device token cannot post another device's points.
	d2 := s.token(t, "D2", constants.AccountDevice, "veh-1")
	rr = s.do(t, http.MethodPost, "/api/v1/telematics/live", d2, point("D1", constants.RolePrimary, 1))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// An owner token cannot ingest.
	owner := s.token(t, "alice", constants.AccountOwner, "veh-1")
	rr = s.do(t, http.MethodPost, "/api/v1/telematics/live", owner, point("D1", constants.RolePrimary, 1))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	entries, err := s.store.Timeline(context.Background(), "veh-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestBatch(t *testing.T) {
	s := newTestServer(t)
	d1 := s.token(t, "D1", constants.AccountDevice, "veh-1")

	bad := point("D1", constants.RolePrimary, 3)
	bad.Heading = 400
	req := models.BatchRequest{Points: []models.TelemetryPoint{
		point("D1", constants.RolePrimary, 2),
		point("D1", constants.RolePrimary, 1),
		bad,
		point("D1", constants.RolePrimary, 2),
	}}
	rr := s.do(t, http.MethodPost, "/api/v1/telematics/batch", d1, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp models.BatchResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Duplicate)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Results, 4)
	assert.Equal(t, constants.IngestStatusRejected, resp.Results[2].Status)
	assert.NotEmpty(t, resp.Results[2].Error)

	foreign := models.BatchRequest{Points: []models.TelemetryPoint{point("D2", constants.RoleBackup, 9)}}
	rr = s.do(t, http.MethodPost, "/api/v1/telematics/batch", d1, foreign)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/v1/telematics/batch", d1, models.BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHeartbeatAndDeviceStates(t *testing.T) {
	s := newTestServer(t)
	d1 := s.token(t, "D1", constants.AccountDevice, "veh-1")

	rr := s.do(t, http.MethodPost, "/api/v1/telematics/heartbeat", d1, models.Heartbeat{
		DeviceID:     "D1",
		VehicleID:    "veh-1",
		Timestamp:    time.Now().UTC(),
		MonitorState: constants.MonitorNormal,
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	owner := s.token(t, "alice", constants.AccountOwner, "veh-1")
	rr = s.do(t, http.MethodGet, "/api/v1/vehicles/veh-1/devices", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var statuses []models.DeviceStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &statuses))
	require.NotEmpty(t, statuses)
	assert.Equal(t, "D1", statuses[0].DeviceID)
	assert.Equal(t, constants.ConnectivityOnline, statuses[0].Connectivity)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t)
	d1 := s.token(t, "D1", constants.AccountDevice, "veh-1")

	limited := 0
	for seq := uint64(1); seq <= 10; seq++ {
		rr := s.do(t, http.MethodPost, "/api/v1/telematics/live", d1, point("D1", constants.RolePrimary, seq))
		if rr.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Positive(t, limited)

	// Buckets are per device.
	d2 := s.token(t, "D2", constants.AccountDevice, "veh-1")
	rr := s.do(t, http.MethodPost, "/api/v1/telematics/live", d2, point("D2", constants.RoleBackup, 1))
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func (s *testServer) smsBody(t *testing.T, p models.TelemetryPoint) string {
	t.Helper()
	key, err := s.prov.SMSKey(p.DeviceID)
	require.NoError(t, err)
	sealer, err := encryption.NewEncryptionManagerFromKey(key)
	require.NoError(t, err)
	plaintext, err := smscodec.EncodePoint(p)
	require.NoError(t, err)
	body, err := smscodec.Wrap(p.DeviceID, plaintext, sealer)
	require.NoError(t, err)
	return body
}

func (s *testServer) webhook(t *testing.T, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	raw := form.Encode()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/telematics/sms-webhook", strings.NewReader(raw))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature == "" {
		signature = s.signer.Sign([]byte(raw))
	}
	req.Header.Set(signatureName, signature)
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func TestSMSWebhook(t *testing.T) {
	s := newTestServer(t)
	p := point("D2", constants.RoleBackup, 7)
	p.Channel = constants.ChannelSMS
	form := url.Values{"From": {"+15550002"}, "Body": {s.smsBody(t, p)}}

	rr := s.webhook(t, form, "")
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	entries, err := s.store.Timeline(context.Background(), "veh-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(7), entries[0].SequenceNumber)
	assert.Equal(t, constants.ChannelSMS, entries[0].Channel)

	// Carrier retry of the same message.
	rr = s.webhook(t, form, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSMSWebhook_Rejections(t *testing.T) {
	s := newTestServer(t)
	p := point("D2", constants.RoleBackup, 7)
	p.Channel = constants.ChannelSMS
	body := s.smsBody(t, p)

	rr := s.webhook(t, url.Values{"From": {"+15550002"}, "Body": {body}}, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.webhook(t, url.Values{"From": {"+15559999"}, "Body": {body}}, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Sealed for D2 but claimed for D1.
	forged := "D1" + body[strings.Index(body, ":"):]
	rr = s.webhook(t, url.Values{"From": {"+15550001"}, "Body": {forged}}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.webhook(t, url.Values{"From": {"+15550002"}, "Body": {"no-prefix"}}, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	entries, err := s.store.Timeline(context.Background(), "veh-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVehicleReads(t *testing.T) {
	s := newTestServer(t)
	d1 := s.token(t, "D1", constants.AccountDevice, "veh-1")
	owner := s.token(t, "alice", constants.AccountOwner, "veh-1")
	stranger := s.token(t, "mallory", constants.AccountOwner, "veh-2")

	rr := s.do(t, http.MethodGet, "/api/v1/vehicles/veh-1/location", owner, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	for seq := uint64(1); seq <= 3; seq++ {
		rr = s.do(t, http.MethodPost, "/api/v1/telematics/live", d1, point("D1", constants.RolePrimary, seq))
		require.Equal(t, http.StatusAccepted, rr.Code)
	}

	rr = s.do(t, http.MethodGet, "/api/v1/vehicles/veh-1/location", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var loc models.LocationUpdate
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &loc))
	assert.Equal(t, uint64(3), loc.SequenceNumber)

	rr = s.do(t, http.MethodGet, "/api/v1/vehicles/veh-1/timeline?limit=2", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var tl timelineResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tl))
	require.Len(t, tl.Entries, 2)
	assert.Equal(t, uint64(2), tl.Entries[0].SequenceNumber)
	assert.Equal(t, uint64(3), tl.Entries[1].SequenceNumber)

	rr = s.do(t, http.MethodGet, "/api/v1/vehicles/veh-1/timeline?limit=zero", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/v1/vehicles/veh-1/location", stranger, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/v1/vehicles/veh-1/location", d1, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	admin := s.token(t, "root", constants.AccountFleetAdmin)
	rr = s.do(t, http.MethodGet, "/api/v1/vehicles/veh-1/location", admin, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestGeofences(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, "alice", constants.AccountOwner, "veh-1")

	fence := models.Geofence{
		VehicleID: "veh-1",
		Name:      "home",
		Shape:     constants.ShapeCircle,
		Center:    models.Coordinate{Lat: 40.7128, Lng: -74.006},
		RadiusM:   200,
	}
	rr := s.do(t, http.MethodPost, "/api/v1/geofences", owner, fence)
	require.Equal(t, http.StatusCreated, rr.Code)
	var created models.Geofence
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "alice", created.OwnerID)

	rr = s.do(t, http.MethodGet, "/api/v1/vehicles/veh-1/geofences", owner, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var fences []models.Geofence
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fences))
	assert.Len(t, fences, 1)

	fence.RadiusM = 0
	rr = s.do(t, http.MethodPost, "/api/v1/geofences", owner, fence)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	fence.VehicleID = "veh-2"
	fence.RadiusM = 50
	rr = s.do(t, http.MethodPost, "/api/v1/geofences", owner, fence)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRecovery(t *testing.T) {
	s := newTestServer(t)
	owner := s.token(t, "alice", constants.AccountOwner, "veh-1")
	installer := s.token(t, "inst-7", constants.AccountInstaller, "veh-1")

	s.sms.On("SendDirective", mock.Anything, "D2", "+15550002", constants.DirectiveRecovery).Return(nil).Once()
	rr := s.do(t, http.MethodPost, "/api/v1/vehicles/veh-1/recovery", owner, nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/v1/vehicles/veh-1/recovery", installer, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	s.sms.AssertExpectations(t)
}

func TestProvisioningFlow(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, "root", constants.AccountFleetAdmin)
	installer := s.token(t, "inst-7", constants.AccountInstaller)

	bootP, _, bootPPEM := selfSigned(t, "P1", false)
	bootB, _, bootBPEM := selfSigned(t, "B1", false)
	for id, reg := range map[string]registerDeviceRequest{
		"P1": {DeviceID: "P1", Role: constants.RolePrimary, BootstrapCert: string(bootPPEM)},
		"B1": {DeviceID: "B1", Role: constants.RoleBackup, BootstrapCert: string(bootBPEM)},
	} {
		rr := s.do(t, http.MethodPost, "/api/v1/devices", admin, reg)
		require.Equal(t, http.StatusCreated, rr.Code, id)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{Subject: pkix.Name{CommonName: "P1"}}, key)
	require.NoError(t, err)
	provReq := models.ProvisionRequest{
		DeviceID:        "P1",
		CSR:             string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})),
		FirmwareVersion: "1.4.0",
	}
	withPeer := func(cert *x509.Certificate) func(*http.Request) {
		return func(r *http.Request) {
			r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
		}
	}

	// No client certificate at all.
	rr := s.do(t, http.MethodPost, "/api/v1/auth/device/provision", "", provReq)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Before the installer scan the request is refused outright.
	rr = s.do(t, http.MethodPost, "/api/v1/auth/device/provision", "", provReq, withPeer(bootP))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/v1/installations", installer, models.InstallationRequest{
		VIN:             "1HGCM82633A004352",
		VehicleID:       "veh-5",
		PrimaryDeviceID: "P1",
		BackupDeviceID:  "B1",
		BackupSMS:       "+15550005",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// The backup's bootstrap certificate cannot provision the primary.
	rr = s.do(t, http.MethodPost, "/api/v1/auth/device/provision", "", provReq, withPeer(bootB))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/v1/auth/device/provision", "", provReq, withPeer(bootP))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var prov models.ProvisionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &prov))
	assert.Equal(t, "veh-5", prov.VehicleID)
	assert.Equal(t, "B1", prov.PairedDeviceID)
	assert.NotEmpty(t, prov.SMSKey)

	opCert, err := provisioning.ParseCertificatePEM([]byte(prov.CertificatePEM))
	require.NoError(t, err)
	rr = s.do(t, http.MethodPost, "/api/v1/auth/device/token", "", models.TokenRequest{DeviceID: "P1"}, withPeer(opCert))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var tok models.AuthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tok))

	p := point("P1", constants.RolePrimary, 1)
	p.VehicleID = "veh-5"
	rr = s.do(t, http.MethodPost, "/api/v1/telematics/live", tok.JWT, p)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/v1/security/controls", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "installer_verification:veh-5")
	assert.Contains(t, rr.Body.String(), "device_provisioned:P1")

	// Behind a TLS-terminating proxy the certificate arrives in the configured header.
	forwarded := func(r *http.Request) {
		r.Header.Set("X-Client-Cert", url.PathEscape(prov.CertificatePEM))
	}
	rr = s.do(t, http.MethodPost, "/api/v1/auth/device/token", "", models.TokenRequest{DeviceID: "P1"}, forwarded)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	s.api.certHeader = "X-Client-Cert"
	rr = s.do(t, http.MethodPost, "/api/v1/auth/device/token", "", models.TokenRequest{DeviceID: "P1"}, forwarded)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// A certificate in the body proves nothing about the private key and is ignored.
	rr = s.do(t, http.MethodPost, "/api/v1/auth/device/token", "", map[string]string{
		"device_id":       "P1",
		"certificate_pem": prov.CertificatePEM,
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSecurityControls(t *testing.T) {
	s := newTestServer(t)
	admin := s.token(t, "root", constants.AccountFleetAdmin)
	owner := s.token(t, "alice", constants.AccountOwner, "veh-1")

	rr := s.do(t, http.MethodPost, "/api/v1/security/controls/mtls_required", admin, controlRequest{Enabled: true, Note: "rollout"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = s.do(t, http.MethodGet, "/api/v1/security/controls", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var current []models.ControlStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &current))
	require.Len(t, current, 1)
	assert.Equal(t, "root", current[0].Actor)
	assert.True(t, current[0].Enabled)

	rr = s.do(t, http.MethodGet, "/api/v1/security/controls", owner, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestLiveSocket(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/live?token="

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"bad", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	owner := s.token(t, "alice", constants.AccountOwner, "veh-1")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+owner, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(realtime.ClientFrame{Action: "subscribe", Topic: "vehicle.veh-1.location"}))
	var ack realtime.ControlFrame
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "subscribed", ack.Type)

	d1 := s.token(t, "D1", constants.AccountDevice, "veh-1")
	rr := s.do(t, http.MethodPost, "/api/v1/telematics/live", d1, point("D1", constants.RolePrimary, 1))
	require.Equal(t, http.StatusAccepted, rr.Code)

	var ev struct {
		Type string                `json:"type"`
		Data models.LocationUpdate `json:"data"`
	}
	for ev.Type != string(constants.EventLocationUpdate) {
		require.NoError(t, conn.ReadJSON(&ev))
	}
	assert.Equal(t, uint64(1), ev.Data.SequenceNumber)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rr := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
